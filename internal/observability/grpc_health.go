package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ReadinessWatcher mirrors the readiness checks into a gRPC health server so
// orchestrators probing over gRPC see the same state as /ready.
type ReadinessWatcher struct {
	server   *health.Server
	checks   map[string]HealthCheckFunc
	interval time.Duration
	logger   zerolog.Logger
}

// NewReadinessWatcher creates a health server that starts out NOT_SERVING
func NewReadinessWatcher(checks map[string]HealthCheckFunc, interval time.Duration, logger zerolog.Logger) *ReadinessWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &ReadinessWatcher{
		server:   hs,
		checks:   checks,
		interval: interval,
		logger:   logger,
	}
}

// Server returns the health server to register on a grpc.Server
func (w *ReadinessWatcher) Server() *health.Server {
	return w.server
}

// Refresh runs the checks once and updates the serving status
func (w *ReadinessWatcher) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	ready, deps := CheckReadiness(ctx, w.checks)
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		for name, dep := range deps {
			if dep.Status != "healthy" {
				w.logger.Warn().Str("dependency", name).Str("message", dep.Message).Msg("Dependency not ready")
			}
		}
	}
	w.server.SetServingStatus(ServiceName, status)
	w.server.SetServingStatus("", status)
	return status
}

// Run refreshes the status on every interval until ctx is done, then marks
// the server as shutting down.
func (w *ReadinessWatcher) Run(ctx context.Context) {
	w.Refresh(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.server.Shutdown()
			return
		case <-ticker.C:
			w.Refresh(ctx)
		}
	}
}
