package interceptors

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds the gRPC collectors.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
}

// NewMetrics creates the gRPC collectors under the tiermem namespace and
// registers them with registerer. Collectors already registered are reused,
// so a restarted server on the same registry keeps counting.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tiermem",
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "gRPC calls by method and status code",
			},
			[]string{"method", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tiermem",
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "gRPC call latency in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"method"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tiermem",
				Subsystem: "grpc",
				Name:      "in_flight",
				Help:      "gRPC calls currently being served",
			},
			[]string{"method"},
		),
	}
	if registerer == nil {
		return m
	}

	m.requests = register(registerer, m.requests)
	m.duration = register(registerer, m.duration)
	m.inflight = register(registerer, m.inflight)
	return m
}

// MetricsUnaryInterceptor records every unary call.
func MetricsUnaryInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		done := m.begin(info.FullMethod)
		resp, err := handler(ctx, req)
		done(err)
		return resp, err
	}
}

// MetricsStreamInterceptor records every stream as one call.
func MetricsStreamInterceptor(m *Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		done := m.begin(info.FullMethod)
		err := handler(srv, ss)
		done(err)
		return err
	}
}

func (m *Metrics) begin(method string) func(error) {
	start := time.Now()
	inflight := m.inflight.WithLabelValues(method)
	inflight.Inc()
	return func(err error) {
		inflight.Dec()
		m.requests.WithLabelValues(method, status.Code(err).String()).Inc()
		m.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
