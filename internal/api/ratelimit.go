package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"FlowACP-Chain/internal/auth"
	xerrors "FlowACP-Chain/internal/errors"
)

// CodeRateLimited 表示调用者超出了接口限流。
const CodeRateLimited xerrors.Code = "RATE_LIMITED"

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "too many requests",
		Class:     xerrors.ClassLimitExceeded,
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
}

// idleTTL 之后未再出现的调用者会被清理。
const idleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// callerLimiter 为每个已认证调用者维护一个令牌桶。
type callerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
	sweptAt time.Time
}

func newCallerLimiter(perSecond float64, burst int) *callerLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &callerLimiter{limit: rate.Limit(perSecond), burst: burst, entries: make(map[string]*limiterEntry)}
}

func (l *callerLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.sweptAt) > idleTTL {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > idleTTL {
				delete(l.entries, k)
			}
		}
		l.sweptAt = now
	}
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *callerLimiter) wrap(next http.HandlerFunc) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if caller, ok := auth.CallerFromContext(r.Context()); ok {
			key = caller.Hex()
		}
		if !l.allow(key, time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, xerrors.New(CodeRateLimited, "请求过于频繁"))
			return
		}
		next(w, r)
	})
}
