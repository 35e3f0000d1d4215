package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/brinkfield/lakeforge/internal/logging"
)

// loggingInterceptor logs every unary RPC with its duration and outcome.
func loggingInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)

	if err != nil {
		logging.Op().Error("gRPC request failed",
			"method", info.FullMethod,
			"duration", duration,
			"error", err,
		)
	} else {
		logging.Op().Info("gRPC request completed",
			"method", info.FullMethod,
			"duration", duration,
		)
	}
	return resp, err
}
