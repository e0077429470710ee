package interceptors

import (
	"context"
	"unicode"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// RequestIDKey is the metadata key carrying the request id. It matches the
// X-Request-ID header of the HTTP API.
const RequestIDKey = "x-request-id"

const maxRequestIDLength = 128

type contextKey struct{}

func withRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// RequestIDFromContext returns the id set by the request id interceptor.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(contextKey{}).(string)
	return requestID, ok && requestID != ""
}

// RequestIDUnaryInterceptor propagates the caller's request id or assigns one,
// and echoes it in the response header.
func RequestIDUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := extractOrGenerateRequestID(ctx)
		ctx = withRequestID(ctx, requestID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDKey, requestID))
		return handler(ctx, req)
	}
}

// RequestIDStreamInterceptor does the same for streams.
func RequestIDStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		requestID := extractOrGenerateRequestID(ss.Context())
		_ = ss.SetHeader(metadata.Pairs(RequestIDKey, requestID))
		wrapped := &wrappedStream{ServerStream: ss, ctx: withRequestID(ss.Context(), requestID)}
		return handler(srv, wrapped)
	}
}

func extractOrGenerateRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDKey); len(ids) > 0 && validRequestID(ids[0]) {
			return ids[0]
		}
	}
	return uuid.NewString()
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// wrappedStream overrides the stream context.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
