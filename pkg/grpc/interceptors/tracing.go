package interceptors

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const tracerName = "tiermem.grpc"

// AttrHealthService names the health service a probe asked about.
const AttrHealthService = "tiermem.health_service"

// TracingUnaryInterceptor continues the caller's trace and records a server
// span per unary call.
func TracingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := startServerSpan(ctx, info.FullMethod)
		defer span.End()
		if hc, ok := req.(*healthpb.HealthCheckRequest); ok {
			span.SetAttributes(attribute.String(AttrHealthService, healthServiceName(hc.GetService())))
		}

		resp, err := handler(ctx, req)
		endServerSpan(span, err)
		return resp, err
	}
}

// TracingStreamInterceptor records a server span per stream.
func TracingStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startServerSpan(ss.Context(), info.FullMethod)
		defer span.End()

		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		endServerSpan(span, err)
		return err
	}
}

func startServerSpan(ctx context.Context, fullMethod string) (context.Context, trace.Span) {
	md, _ := metadata.FromIncomingContext(ctx)
	ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))

	service, method := splitMethod(fullMethod)
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", service),
		attribute.String("rpc.method", method),
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, attribute.String("network.peer.address", p.Addr.String()))
	}
	if requestID, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("rpc.request_id", requestID))
	}

	return otel.Tracer(tracerName).Start(ctx, fullMethod,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

func endServerSpan(span trace.Span, err error) {
	code := status.Code(err)
	span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
	if err == nil {
		span.SetStatus(otelcodes.Ok, "")
		return
	}
	if !serverFault(code) {
		// NotFound for an unknown health service is an answer, not a failure.
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, code.String())
}

// serverFault reports whether code means the server failed the call.
func serverFault(code codes.Code) bool {
	switch code {
	case codes.Unknown, codes.DeadlineExceeded, codes.Unimplemented,
		codes.Internal, codes.Unavailable, codes.DataLoss:
		return true
	}
	return false
}

// healthServiceName renders the overall service "" readably.
func healthServiceName(service string) string {
	if service == "" {
		return "overall"
	}
	return service
}

func splitMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	switch {
	case fullMethod == "":
		return "unknown", "unknown"
	case !ok:
		return service, "unknown"
	}
	return service, method
}

type metadataCarrier metadata.MD

var _ propagation.TextMapCarrier = metadataCarrier{}

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
