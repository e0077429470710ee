package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsRecorder defines the interface for recording HTTP metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// contextMetricsRecorder is implemented by recorders that attach trace
// exemplars.
type contextMetricsRecorder interface {
	RecordHTTPRequestWithContext(ctx context.Context, method, path, status string, duration time.Duration)
}

// Metrics returns a middleware that records HTTP metrics labelled by route
// pattern.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			sw := newStatusWriter(w)
			record := func() {
				path := routePattern(r)
				if path == r.URL.Path {
					path = normalizePath(path)
				}
				status := strconv.Itoa(sw.Status())
				if cr, ok := recorder.(contextMetricsRecorder); ok {
					cr.RecordHTTPRequestWithContext(r.Context(), r.Method, path, status, time.Since(start))
					return
				}
				recorder.RecordHTTPRequest(r.Method, path, status, time.Since(start))
			}

			defer func() {
				if err := recover(); err != nil {
					sw.status = http.StatusInternalServerError
					record()
					panic(err)
				}
			}()

			next.ServeHTTP(sw, r)
			record()
		})
	}
}

// normalizePath replaces id-like segments with :id for requests that did not
// match a route.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if looksLikeID(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func looksLikeID(part string) bool {
	switch {
	case part == "":
		return false
	case len(part) == 36 && strings.Count(part, "-") == 4: // UUID
		return true
	case len(part) == 26 && isCrockford(part): // ULID
		return true
	}
	_, err := strconv.Atoi(part)
	return err == nil
}

func isCrockford(s string) bool {
	for _, c := range strings.ToUpper(s) {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z') || c == 'I' || c == 'L' || c == 'O' || c == 'U' {
			return false
		}
	}
	return true
}
