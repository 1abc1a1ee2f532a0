package interceptors

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsUnary returns a unary server interceptor that records the outcome of each RPC
// as auth.rpc.requests, labelled by method and status code. skipMethods are not counted.
func MetricsUnary(skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	meter := otel.Meter("dineops/backend/server")
	requests, _ := meter.Int64Counter("auth.rpc.requests",
		metric.WithDescription("Authenticated RPCs by method and status code."))
	latency, _ := meter.Float64Histogram("auth.rpc.duration",
		metric.WithDescription("RPC latency including session validation."), metric.WithUnit("ms"))
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		attrs := metric.WithAttributes(
			attribute.String("rpc.method", info.FullMethod),
			attribute.String("rpc.grpc.status_code", status.Code(err).String()),
		)
		requests.Add(ctx, 1, attrs)
		latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		return resp, err
	}
}
