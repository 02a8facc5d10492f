package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bridge-dispatch/internal/bridge"
	"bridge-dispatch/internal/queue"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter publishes the serving status, typically a grpc health.Server.
type HealthReporter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Bootstrap runs the startup and shutdown sequence around the dispatcher.
type Bootstrap struct {
	Pool            *bridge.Pool
	Dispatcher      *queue.Dispatcher
	Health          HealthReporter
	SelfTestTimeout time.Duration
	Logger          *slog.Logger
}

// Start self-tests the bridges, restores the previous snapshot and starts
// the dispatcher. A self-test that does not complete in time aborts startup.
func (b *Bootstrap) Start(ctx context.Context) error {
	b.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)

	if err := b.Pool.SelfTest(ctx, b.SelfTestTimeout); err != nil {
		return fmt.Errorf("startup self-test failed: %w", err)
	}

	restored, err := b.Dispatcher.Restore(ctx)
	if err != nil {
		b.Logger.Warn("snapshot restore incomplete", "restored", restored, "error", err)
	}

	b.Pool.OnChange(b.Dispatcher.Requeue)
	b.Dispatcher.Start(ctx)
	b.setHealth(healthpb.HealthCheckResponse_SERVING)
	b.Logger.Info("dispatcher ready", "restored", restored, "bridges", len(b.Pool.Bridges()))
	return nil
}

// Shutdown stops dispatching and persists what is left: the pending tasks
// to the snapshot and the finished ones to a new outcome log.
func (b *Bootstrap) Shutdown(ctx context.Context) {
	b.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)
	b.Dispatcher.Stop()

	if n, err := b.Dispatcher.Snapshot(ctx); err != nil {
		b.Logger.Error("failed to snapshot pending tasks", "error", err)
	} else {
		b.Logger.Info("pending tasks saved", "count", n)
	}
	if name, err := b.Dispatcher.WriteOutcomes(ctx); err != nil {
		b.Logger.Error("failed to write outcome log", "error", err)
	} else if name != "" {
		b.Logger.Info("outcome log saved", "file", name)
	}
}

func (b *Bootstrap) setHealth(status healthpb.HealthCheckResponse_ServingStatus) {
	if b.Health != nil {
		b.Health.SetServingStatus("", status)
	}
}
