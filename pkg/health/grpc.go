package health

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const probeInterval = 10 * time.Second

// GRPC serves grpc.health.v1 for the whole server, fed by periodic Check runs.
var GRPC = fx.Module("health.grpc", fx.Invoke(RegisterGRPC))

func RegisterGRPC(lc fx.Lifecycle, srv *grpc.Server, h HealthService) {
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go probe(ctx, hs, h)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			hs.Shutdown()
			return nil
		},
	})
}

func probe(ctx context.Context, hs *grpchealth.Server, h HealthService) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if res := h.Check(ctx); res.Status != statusHealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			zap.L().Info("health status changed", zap.String("status", status.String()))
			last = status
		}
		hs.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
