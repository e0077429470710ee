// Package middleware provides HTTP middleware components.
package middleware

import (
	"net/http"
	"time"

	"github.com/orchestra/tiermem/pkg/logger"
)

// Logger logs one line per request. Server errors are logged at warn.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := newStatusWriter(w)

			next.ServeHTTP(sw, r)

			args := []any{
				"method", r.Method,
				"route", routePattern(r),
				"status", sw.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"size", sw.size,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			if id := memoryParam(r, "id"); id != "" {
				args = append(args, "item_id", id)
			}
			switch status := sw.Status(); {
			case status >= http.StatusInternalServerError:
				log.WarnContext(r.Context(), "HTTP request", args...)
			case status == http.StatusNotFound && r.Method == http.MethodGet:
				log.DebugContext(r.Context(), "HTTP request", args...)
			default:
				log.InfoContext(r.Context(), "HTTP request", args...)
			}
		})
	}
}
