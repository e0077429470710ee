package interceptors

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/orchestra/tiermem/pkg/logger"
)

// LoggingUnaryInterceptor logs every unary call once it completes. Health
// checks are logged at debug level.
func LoggingUnaryInterceptor(log logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(ctx, log, info.FullMethod, false, err, time.Since(start))
		return resp, err
	}
}

// LoggingStreamInterceptor logs every stream once it ends.
func LoggingStreamInterceptor(log logger.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(ss.Context(), log, info.FullMethod, true, err, time.Since(start))
		return err
	}
}

func logCall(ctx context.Context, log logger.Logger, method string, stream bool, err error, d time.Duration) {
	code := status.Code(err)
	requestID, _ := RequestIDFromContext(ctx)
	args := []any{
		"method", method,
		"code", code.String(),
		"duration_ms", d.Milliseconds(),
		"stream", stream,
		"request_id", requestID,
	}

	switch {
	case code == codes.Internal || code == codes.Unknown || code == codes.DataLoss:
		log.ErrorContext(ctx, "grpc call failed", append(args, "error", err)...)
	case err != nil:
		log.WarnContext(ctx, "grpc call refused", append(args, "error", err)...)
	case isHealthMethod(method):
		log.DebugContext(ctx, "grpc call", args...)
	default:
		log.InfoContext(ctx, "grpc call", args...)
	}
}

func isHealthMethod(method string) bool {
	return method == "/grpc.health.v1.Health/Check" ||
		method == "/grpc.health.v1.Health/Watch" ||
		method == "/grpc.health.v1.Health/List"
}
