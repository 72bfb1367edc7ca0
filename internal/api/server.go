package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"FlowACP-Chain/internal/auth"
	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/config"
	"FlowACP-Chain/internal/escrow"
	"FlowACP-Chain/internal/execution"
	"FlowACP-Chain/internal/indexer"
	"FlowACP-Chain/internal/observability/metrics"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/internal/vault"
	"FlowACP-Chain/internal/web3/provider"
	"FlowACP-Chain/pkg/logger"
)

// Deps 汇总 API 依赖的合约与基础设施。Events、Metrics、Chains 可以为空。
type Deps struct {
	Runtime  *chain.Runtime
	Registry *registry.Registry
	Escrow   *escrow.Escrow
	Vault    *vault.Vault
	Guard    *execution.Guard
	Events   indexer.Store
	Metrics  *metrics.Metrics
	Chains   *provider.Registry
}

// Server 负责暴露 REST 接口。
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	auth    *auth.Service
	limiter *callerLimiter
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Runtime == nil || deps.Registry == nil || deps.Escrow == nil || deps.Vault == nil || deps.Guard == nil {
		return nil, errors.New("API 依赖的合约未初始化")
	}
	mode := auth.ModeSignature
	if cfg.Trusted {
		mode = auth.ModeTrusted
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		auth:    auth.NewService(auth.Config{Mode: mode, Window: cfg.SignatureWindow.Std()}),
		limiter: newCallerLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger.Named("api"),
	}, nil
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/v1/chain", s.handleChain)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	s.registryRoutes(mux)
	s.escrowRoutes(mux)
	s.vaultRoutes(mux)
	s.guardRoutes(mux)
	return s.instrument(mux)
}

// signed 把写接口包在认证与限流之后。
func (s *Server) signed(event string, h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(event)(s.limiter.wrap(h))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout.Std(),
		WriteTimeout:      s.cfg.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", "address", s.cfg.Address, "auth_mode", s.auth.Mode())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// instrument 记录每个路由的请求数与耗时。
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.deps.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.deps.Metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	})
}

// observe 统计一次合约调用。
func (s *Server) observe(contract, method string, start time.Time, err error) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveCall(contract, method, err, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
