package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"bridge-dispatch/internal/bridge"
	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/infra/file"
	"bridge-dispatch/internal/queue"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type testBridge struct {
	healthy atomic.Bool
}

func (b *testBridge) ID() string                           { return "b-1" }
func (b *testBridge) Scope() string                        { return "" }
func (b *testBridge) Accepts() []domain.TaskType           { return nil }
func (b *testBridge) ForceAbort(ctx context.Context) error { return nil }

func (b *testBridge) SelfTest(ctx context.Context) error {
	if !b.healthy.Load() {
		return errors.New("offline")
	}
	return nil
}

func (b *testBridge) Execute(ctx context.Context, t *domain.Task) (any, error) {
	return "ok", nil
}

type fixture struct {
	boot   *Bootstrap
	health *health.Server
	store  domain.SnapshotStore
	dir    string
}

func newFixture(t *testing.T, b domain.Bridge) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	store := file.NewSnapshotStore(dir, logger)

	pool := bridge.NewPool(nil, logger)
	pool.SetRetryInterval(time.Millisecond)
	if err := pool.Register(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	d := queue.New(pool, queue.Config{CheckInterval: 5 * time.Millisecond}, logger,
		queue.WithSnapshotStore(store),
		queue.WithOutcomeLog(file.NewOutcomeLog(dir, logger)),
	)
	hs := health.NewServer()
	return &fixture{
		boot: &Bootstrap{
			Pool:            pool,
			Dispatcher:      d,
			Health:          hs,
			SelfTestTimeout: 200 * time.Millisecond,
			Logger:          logger,
		},
		health: hs,
		store:  store,
		dir:    dir,
	}
}

func (f *fixture) serving(t *testing.T) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := f.health.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatal(err)
	}
	return resp.Status
}

func TestBootstrapRestoresAndServes(t *testing.T) {
	b := &testBridge{}
	b.healthy.Store(true)
	f := newFixture(t, b)

	if err := f.store.Save(context.Background(), []domain.Record{
		{Type: domain.TaskQuery, ID: "restored-1", Data: json.RawMessage(`{"term":"acme"}`)},
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.boot.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := f.serving(t); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health = %v, want SERVING", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		task, err := f.boot.Dispatcher.Get("restored-1")
		if err != nil {
			t.Fatalf("restored task missing: %v", err)
		}
		if task.Status() == domain.StatusDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("restored task stuck in %s", task.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.boot.Shutdown(context.Background())
	if got := f.serving(t); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health after shutdown = %v, want NOT_SERVING", got)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "outcomes-0001.json")); err != nil {
		t.Errorf("outcome log not written: %v", err)
	}
	records, err := f.store.Load(context.Background())
	if err != nil || len(records) != 0 {
		t.Errorf("snapshot after shutdown = %v, %v; want empty", records, err)
	}
}

func TestBootstrapFailsWhenSelfTestTimesOut(t *testing.T) {
	f := newFixture(t, &testBridge{})

	err := f.boot.Start(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start() error = %v, want deadline exceeded", err)
	}
	if got := f.serving(t); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("health = %v, want NOT_SERVING", got)
	}
	if f.boot.Pool.Ready() {
		t.Error("pool is ready after a failed self-test")
	}
	f.boot.Dispatcher.Stop()
}
