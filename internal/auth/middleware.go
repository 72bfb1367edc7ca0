package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"
)

// MaxBodyBytes 是签名请求体的上限。
const MaxBodyBytes = 1 << 20

// Middleware 返回一个 HTTP 中间件，认证调用者并把地址放入请求上下文。
func (s *Service) Middleware(auditEvent string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
			if err != nil || len(body) > MaxBodyBytes {
				http.Error(w, "请求体读取失败", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller, err := s.Authenticate(r, body)
			if err != nil {
				status := http.StatusUnauthorized
				switch {
				case errors.Is(err, ErrAddressMismatch):
					status = http.StatusForbidden
				case errors.Is(err, ErrReplayed):
					status = http.StatusConflict
				}
				http.Error(w, err.Error(), status)
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}

			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithCaller(r.Context(), caller)))
			event := auditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", caller.Hex(),
			)
		})
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
