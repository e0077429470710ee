package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "tiermem.http"

// Span attribute keys for memory requests.
const (
	AttrItemID      = "tiermem.item_id"
	AttrOwnerID     = "tiermem.owner_id"
	AttrNamespace   = "tiermem.namespace"
	AttrEnvironment = "tiermem.environment"
)

// TracingOptions controls which requests get spans and what every span
// carries.
type TracingOptions struct {
	// SkipPaths are exact paths served without a span.
	SkipPaths map[string]struct{}
	// Attributes are added to every span, typically the storage namespace.
	Attributes []attribute.KeyValue
}

// DefaultTracingOptions skips probe and scrape endpoints.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{
		SkipPaths: map[string]struct{}{
			"/health":  {},
			"/ready":   {},
			"/metrics": {},
		},
	}
}

// WithStorage tags spans with the storage environment and namespace.
func (o TracingOptions) WithStorage(environment, namespace string) TracingOptions {
	o.Attributes = append(append([]attribute.KeyValue(nil), o.Attributes...),
		attribute.String(AttrEnvironment, environment),
		attribute.String(AttrNamespace, namespace),
	)
	return o
}

// Tracing continues the caller's trace and records one server span per
// request, named by the matched route.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(opts.Attributes...),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()
			if id := GetRequestID(ctx); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			r = r.WithContext(ctx)
			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)

			// Route params are only known once chi has matched the request.
			route := routePattern(r)
			span.SetName("HTTP " + r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", sw.Status()),
			)
			if id := memoryParam(r, "id"); id != "" {
				span.SetAttributes(attribute.String(AttrItemID, id))
			}
			if owner := memoryParam(r, "ownerID"); owner != "" {
				span.SetAttributes(attribute.String(AttrOwnerID, owner))
			}

			// Client errors such as a missing item are expected outcomes.
			if status := sw.Status(); status >= http.StatusInternalServerError {
				span.SetStatus(otelcodes.Error, http.StatusText(status))
			} else {
				span.SetStatus(otelcodes.Ok, "")
			}
		})
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// memoryParam returns a chi URL parameter, or "" outside a matched route.
func memoryParam(r *http.Request, key string) string {
	if chi.RouteContext(r.Context()) == nil {
		return ""
	}
	return strings.TrimSpace(chi.URLParam(r, key))
}
