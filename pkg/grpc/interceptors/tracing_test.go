package interceptors

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prev := otel.GetTracerProvider()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[string]string {
	out := map[string]string{}
	for _, kv := range span.Attributes() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestTracingUnaryInterceptor_TagsHealthProbe(t *testing.T) {
	recorder := recordSpans(t)
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 5000}})

	for _, service := range []string{"tiermem.mid_term", ""} {
		_, err := TracingUnaryInterceptor()(ctx, &healthpb.HealthCheckRequest{Service: service}, unaryInfo, func(context.Context, any) (any, error) {
			return &healthpb.HealthCheckResponse{}, nil
		})
		require.NoError(t, err)
	}

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	first := spanAttrs(spans[0])
	assert.Equal(t, "tiermem.mid_term", first[AttrHealthService])
	assert.Equal(t, "10.0.0.9:5000", first["network.peer.address"])
	assert.Equal(t, "Check", first["rpc.method"])
	assert.Equal(t, "OK", first["rpc.grpc.status_code"])
	assert.Equal(t, "overall", spanAttrs(spans[1])[AttrHealthService])
}

func TestTracingUnaryInterceptor_ClientErrorsAreNotFaults(t *testing.T) {
	recorder := recordSpans(t)

	for _, code := range []codes.Code{codes.NotFound, codes.Unavailable} {
		_, _ = TracingUnaryInterceptor()(context.Background(), &healthpb.HealthCheckRequest{Service: "nope"}, unaryInfo, func(context.Context, any) (any, error) {
			return nil, status.Error(code, "x")
		})
	}

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, otelcodes.Unset, spans[0].Status().Code)
	assert.Empty(t, spans[0].Events())
	assert.Equal(t, otelcodes.Error, spans[1].Status().Code)
	assert.Equal(t, "Unavailable", spanAttrs(spans[1])["rpc.grpc.status_code"])
}

func TestServerFault(t *testing.T) {
	for _, code := range []codes.Code{codes.Internal, codes.Unavailable, codes.DeadlineExceeded, codes.Unknown} {
		assert.True(t, serverFault(code), code.String())
	}
	for _, code := range []codes.Code{codes.OK, codes.NotFound, codes.InvalidArgument, codes.ResourceExhausted, codes.Canceled} {
		assert.False(t, serverFault(code), code.String())
	}
}

func TestSplitMethod_WithoutMethod(t *testing.T) {
	service, method := splitMethod("/svc")
	assert.Equal(t, "svc", service)
	assert.Equal(t, "unknown", method)
}
