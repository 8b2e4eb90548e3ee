package middleware

import (
	"log/slog"
	"net/http"

	"github.com/flowpbx/answermachine/internal/ratelimit"
)

// RateLimit answers 429 with Retry-After once a client IP exceeds limiter.
// chi's RealIP should run first when the API sits behind a proxy.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("subsystem", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.RemoteAddr) {
				logger.Warn("rate limit exceeded",
					"remote_addr", r.RemoteAddr,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
