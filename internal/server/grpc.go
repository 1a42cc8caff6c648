// ABOUTME: Standard gRPC health service for orchestrators and load balancers
// ABOUTME: The "engine" service reports NOT_SERVING while the gateway runs on the mock engine

package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// EngineService is the health service name that tracks engine mode.
const EngineService = "engine"

const healthRefresh = 10 * time.Second

// modeReporter is the part of the gateway the health reporter watches.
type modeReporter interface {
	MockMode() bool
}

func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// healthReporter keeps a grpc health.Server in step with the engine mode.
type healthReporter struct {
	health *health.Server
	source modeReporter
	logger *slog.Logger
	last   *bool
}

func newHealthReporter(source modeReporter, logger *slog.Logger) *healthReporter {
	r := &healthReporter{
		health: health.NewServer(),
		source: source,
		logger: logger,
	}
	r.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	r.refresh()
	return r
}

func (r *healthReporter) register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.health)
}

func (r *healthReporter) refresh() {
	mock := r.source.MockMode()
	if r.last != nil && *r.last == mock {
		return
	}
	r.last = &mock

	status := healthpb.HealthCheckResponse_SERVING
	if mock {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.health.SetServingStatus(EngineService, status)
	r.logger.Info("engine health updated", "status", status.String())
}

// watch refreshes until ctx is cancelled, then marks everything NOT_SERVING.
func (r *healthReporter) watch(ctx context.Context) {
	ticker := time.NewTicker(healthRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.health.Shutdown()
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}
