package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bridge-dispatch/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConsumer serves tasks of one scope with a fixed set of workers.
type fakeConsumer struct {
	mu      sync.Mutex
	ready   bool
	scope   string
	workers []string
	busy    map[string]*domain.Task
	running map[string]int
	// overlap counts executions that started on a worker already running one.
	overlap  int
	released int
	aborted  []string
	execute  func(ctx context.Context, task *domain.Task) (any, error)
}

func newFakeConsumer(scope string, workers ...string) *fakeConsumer {
	return &fakeConsumer{
		ready:   true,
		scope:   scope,
		workers: workers,
		busy:    make(map[string]*domain.Task),
		running: make(map[string]int),
		execute: func(ctx context.Context, task *domain.Task) (any, error) {
			return "ok", nil
		},
	}
}

func (c *fakeConsumer) setReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *fakeConsumer) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeConsumer) Check(task *domain.Task) (Availability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task.Scope() != c.scope || len(c.workers) == 0 {
		return Unavailable, nil
	}
	for _, w := range c.workers {
		if c.busy[w] == nil {
			return Available, nil
		}
	}
	return Busy, nil
}

func (c *fakeConsumer) Assign(task *domain.Task) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		if c.busy[w] == nil {
			c.busy[w] = task
			return w, nil
		}
	}
	return "", errors.New("no idle worker")
}

func (c *fakeConsumer) Execute(ctx context.Context, task *domain.Task) (any, error) {
	worker := task.AssignedWorker()
	c.mu.Lock()
	if worker != "" {
		if c.running[worker] > 0 {
			c.overlap++
		}
		c.running[worker]++
	}
	exec := c.execute
	c.mu.Unlock()

	defer func() {
		if worker != "" {
			c.mu.Lock()
			c.running[worker]--
			c.mu.Unlock()
		}
	}()
	return exec(ctx, task)
}

func (c *fakeConsumer) Release(task *domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
	for w, t := range c.busy {
		if t == task {
			c.busy[w] = nil
		}
	}
}

func (c *fakeConsumer) Abort(ctx context.Context, task *domain.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = append(c.aborted, task.AssignedWorker())
	for w, t := range c.busy {
		if t == task {
			c.busy[w] = nil
		}
	}
	return nil
}

func (c *fakeConsumer) stats() (overlap, released int, aborted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlap, c.released, append([]string(nil), c.aborted...)
}

// memSnapshots is an in-memory SnapshotStore.
type memSnapshots struct {
	mu      sync.Mutex
	records []domain.Record
	saved   bool
	loadErr error
	removed int
}

func (s *memSnapshots) Save(ctx context.Context, records []domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]domain.Record(nil), records...)
	s.saved = true
	return nil
}

func (s *memSnapshots) Load(ctx context.Context) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if !s.saved {
		return nil, nil
	}
	return append([]domain.Record(nil), s.records...), nil
}

func (s *memSnapshots) Remove(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.saved = false
	s.removed++
	return nil
}

// memOutcomeLog records the batches written to it.
type memOutcomeLog struct {
	mu      sync.Mutex
	batches [][]domain.Outcome
}

func (l *memOutcomeLog) Write(ctx context.Context, outcomes []domain.Outcome) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, outcomes)
	return "outcomes-0001.json", nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func createTask(year, name string) *domain.Task {
	return domain.NewTask(&domain.CreatePayload{Options: domain.Options{Year: year}, Name: name}, "", domain.Hooks{})
}

func ms(v int64) *int64 { return &v }

func testConfig() Config {
	return Config{
		DefaultTimeout: time.Minute,
		CheckInterval:  5 * time.Millisecond,
		AbortTimeout:   time.Second,
	}
}

func startDispatcher(t *testing.T, c Consumer, opts ...Option) *Dispatcher {
	t.Helper()
	d := New(c, testConfig(), discardLogger(), opts...)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}
