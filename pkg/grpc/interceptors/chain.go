package interceptors

import (
	"google.golang.org/grpc"

	"github.com/orchestra/tiermem/pkg/logger"
)

// ChainBuilder collects interceptors in the order they should run.
type ChainBuilder struct {
	unaryInterceptors  []grpc.UnaryServerInterceptor
	streamInterceptors []grpc.StreamServerInterceptor
}

// NewChainBuilder creates an empty chain.
func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{}
}

// WithRecovery adds the panic recovery interceptor. It should come first.
func (b *ChainBuilder) WithRecovery(log logger.Logger) *ChainBuilder {
	b.unaryInterceptors = append(b.unaryInterceptors, RecoveryUnaryInterceptor(log))
	b.streamInterceptors = append(b.streamInterceptors, RecoveryStreamInterceptor(log))
	return b
}

// WithRequestID adds the request id interceptor.
func (b *ChainBuilder) WithRequestID() *ChainBuilder {
	b.unaryInterceptors = append(b.unaryInterceptors, RequestIDUnaryInterceptor())
	b.streamInterceptors = append(b.streamInterceptors, RequestIDStreamInterceptor())
	return b
}

// WithTracing adds the tracing interceptor.
func (b *ChainBuilder) WithTracing() *ChainBuilder {
	b.unaryInterceptors = append(b.unaryInterceptors, TracingUnaryInterceptor())
	b.streamInterceptors = append(b.streamInterceptors, TracingStreamInterceptor())
	return b
}

// WithRateLimit adds per-client rate limiting.
func (b *ChainBuilder) WithRateLimit(requestsPerSecond float64, burst int) *ChainBuilder {
	rl := NewRateLimiter(requestsPerSecond, burst)
	b.unaryInterceptors = append(b.unaryInterceptors, RateLimitUnaryInterceptor(rl))
	b.streamInterceptors = append(b.streamInterceptors, RateLimitStreamInterceptor(rl))
	return b
}

// WithLogging adds call logging.
func (b *ChainBuilder) WithLogging(log logger.Logger) *ChainBuilder {
	b.unaryInterceptors = append(b.unaryInterceptors, LoggingUnaryInterceptor(log))
	b.streamInterceptors = append(b.streamInterceptors, LoggingStreamInterceptor(log))
	return b
}

// WithMetrics adds Prometheus instrumentation. A nil m is ignored.
func (b *ChainBuilder) WithMetrics(m *Metrics) *ChainBuilder {
	if m == nil {
		return b
	}
	b.unaryInterceptors = append(b.unaryInterceptors, MetricsUnaryInterceptor(m))
	b.streamInterceptors = append(b.streamInterceptors, MetricsStreamInterceptor(m))
	return b
}

// Build returns the chain as server options.
func (b *ChainBuilder) Build() []grpc.ServerOption {
	opts := make([]grpc.ServerOption, 0, 2)
	if len(b.unaryInterceptors) > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(b.unaryInterceptors...))
	}
	if len(b.streamInterceptors) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(b.streamInterceptors...))
	}
	return opts
}
