package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/queue"
)

type fakeBridge struct {
	id      string
	year    string
	accepts []domain.TaskType

	mu          sync.Mutex
	failTests   int
	selfTests   int
	aborts      int
	executed    []string
	selfTestErr error
}

func (b *fakeBridge) ID() string                 { return b.id }
func (b *fakeBridge) Scope() string              { return b.year }
func (b *fakeBridge) Accepts() []domain.TaskType { return b.accepts }

func (b *fakeBridge) SelfTest(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selfTests++
	if b.selfTestErr != nil {
		return b.selfTestErr
	}
	if b.failTests > 0 {
		b.failTests--
		return errors.New("browser not up yet")
	}
	return nil
}

func (b *fakeBridge) Execute(ctx context.Context, task *domain.Task) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executed = append(b.executed, task.ID)
	return b.id, nil
}

func (b *fakeBridge) ForceAbort(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborts++
	return nil
}

type fakeNotifier struct {
	calls atomic.Int32
}

func (n *fakeNotifier) Notify(ctx context.Context, p *domain.NotifyPayload) (any, error) {
	n.calls.Add(1)
	return "sent", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readyPool(t *testing.T, bridges ...domain.Bridge) *Pool {
	t.Helper()
	p := NewPool(&fakeNotifier{}, testLogger())
	p.SetRetryInterval(time.Millisecond)
	for _, b := range bridges {
		if err := p.Register(context.Background(), b); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.SelfTest(context.Background(), time.Second); err != nil {
		t.Fatalf("SelfTest() error = %v", err)
	}
	return p
}

func task(taskType domain.TaskType, year string) *domain.Task {
	p, err := domain.NewPayload(taskType)
	if err != nil {
		panic(err)
	}
	switch v := p.(type) {
	case *domain.CreatePayload:
		v.Year = year
	case *domain.UploadPayload:
		v.Year = year
	case *domain.QueryPayload:
		v.Year = year
	}
	t := domain.NewTask(p, "", domain.Hooks{})
	t.ID = string(taskType) + "-" + year
	return t
}

func ids(bridges []domain.Bridge) []string {
	out := make([]string, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, b.ID())
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSelectWorkersPrefersExplicitBridges(t *testing.T) {
	a := &fakeBridge{id: "A", year: "2024", accepts: []domain.TaskType{domain.TaskCreate}}
	b := &fakeBridge{id: "B", year: "2024"}
	other := &fakeBridge{id: "C", year: "2023", accepts: []domain.TaskType{domain.TaskCreate}}
	p := readyPool(t, a, b, other)

	cases := []struct {
		name string
		task *domain.Task
		want []string
	}{
		{name: "explicit wins", task: task(domain.TaskCreate, "2024"), want: []string{"A"}},
		{name: "catch-all serves the rest", task: task(domain.TaskUpload, "2024"), want: []string{"B"}},
		{name: "other year", task: task(domain.TaskCreate, "2023"), want: []string{"C"}},
		{name: "unknown year", task: task(domain.TaskCreate, "2099"), want: []string{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ids(p.SelectWorkers(c.task, false)); !equal(got, c.want) {
				t.Errorf("SelectWorkers() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestBusySpecialistFallsBackToIdleCatchAll(t *testing.T) {
	a := &fakeBridge{id: "A", year: "2024", accepts: []domain.TaskType{domain.TaskCreate}}
	b := &fakeBridge{id: "B", year: "2024"}
	p := readyPool(t, a, b)

	first := task(domain.TaskCreate, "2024")
	worker, err := p.Assign(first)
	if err != nil || worker != "A" {
		t.Fatalf("Assign() = %q, %v; want A", worker, err)
	}

	second := task(domain.TaskCreate, "2024")
	second.ID = "create-2024-second"
	if got := ids(p.SelectWorkers(second, true)); !equal(got, []string{"B"}) {
		t.Errorf("idle selection = %v, want [B]", got)
	}
	if got := ids(p.SelectWorkers(second, false)); !equal(got, []string{"A"}) {
		t.Errorf("eligible selection = %v, want [A]", got)
	}
	if avail, err := p.Check(second); err != nil || avail != queue.Available {
		t.Errorf("Check() = %s, %v; want available", avail, err)
	}
}

func TestCheckReportsAvailability(t *testing.T) {
	a := &fakeBridge{id: "A", year: "2024"}
	p := readyPool(t, a)

	running := task(domain.TaskQuery, "2024")
	if avail, _ := p.Check(running); avail != queue.Available {
		t.Fatalf("Check() = %s, want available", avail)
	}
	if _, err := p.Assign(running); err != nil {
		t.Fatal(err)
	}
	if err := running.AssignWorker("A"); err != nil {
		t.Fatal(err)
	}
	if err := running.Start(); err != nil {
		t.Fatal(err)
	}

	waiting := task(domain.TaskCreate, "2024")
	if avail, _ := p.Check(waiting); avail != queue.Busy {
		t.Errorf("Check() with busy bridge = %s, want busy", avail)
	}
	if avail, _ := p.Check(task(domain.TaskCreate, "2099")); avail != queue.Unavailable {
		t.Errorf("Check() for unknown year = %s, want unavailable", avail)
	}

	p.Release(running)
	if avail, _ := p.Check(waiting); avail != queue.Available {
		t.Errorf("Check() after release = %s, want available", avail)
	}
	if _, err := p.Assign(task(domain.TaskCreate, "2099")); !errors.Is(err, domain.ErrNoBridge) {
		t.Errorf("Assign() for unknown year error = %v, want ErrNoBridge", err)
	}
}

func TestExecuteRoutesByType(t *testing.T) {
	a := &fakeBridge{id: "A", year: "2024"}
	notifier := &fakeNotifier{}
	p := NewPool(notifier, testLogger())
	if err := p.Register(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if err := p.SelfTest(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}

	notify := domain.NewTask(&domain.NotifyPayload{URL: "http://example.test"}, "", domain.Hooks{})
	if res, err := p.Execute(context.Background(), notify); err != nil || res != "sent" {
		t.Errorf("notify Execute() = %v, %v", res, err)
	}
	if notifier.calls.Load() != 1 {
		t.Errorf("notifier called %d times", notifier.calls.Load())
	}

	work := task(domain.TaskCreate, "2024")
	worker, err := p.Assign(work)
	if err != nil {
		t.Fatal(err)
	}
	if err := work.AssignWorker(worker); err != nil {
		t.Fatal(err)
	}
	if res, err := p.Execute(context.Background(), work); err != nil || res != "A" {
		t.Errorf("Execute() = %v, %v; want A", res, err)
	}
}

func TestAbortResetsBridge(t *testing.T) {
	a := &fakeBridge{id: "A", year: "2024"}
	p := readyPool(t, a)

	stuck := task(domain.TaskCreate, "2024")
	worker, err := p.Assign(stuck)
	if err != nil {
		t.Fatal(err)
	}
	if err := stuck.AssignWorker(worker); err != nil {
		t.Fatal(err)
	}
	if err := stuck.Start(); err != nil {
		t.Fatal(err)
	}

	if err := p.Abort(context.Background(), stuck); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if a.aborts != 1 {
		t.Errorf("ForceAbort called %d times, want 1", a.aborts)
	}
	infos := p.Bridges()
	if len(infos) != 1 || infos[0].Task != "" || infos[0].Resetting {
		t.Errorf("bridge after abort = %+v", infos)
	}
}

func TestSelfTestRetriesUntilReady(t *testing.T) {
	a := &fakeBridge{id: "A", year: "2024", failTests: 3}
	p := NewPool(&fakeNotifier{}, testLogger())
	p.SetRetryInterval(time.Millisecond)
	if err := p.Register(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if p.Ready() {
		t.Fatal("pool ready before self-test")
	}
	if err := p.SelfTest(context.Background(), time.Second); err != nil {
		t.Fatalf("SelfTest() error = %v", err)
	}
	if !p.Ready() {
		t.Error("pool not ready after self-test")
	}
	if a.selfTests != 4 {
		t.Errorf("self-test ran %d times, want 4", a.selfTests)
	}
}

func TestSelfTestTimeoutIsFatal(t *testing.T) {
	good := &fakeBridge{id: "A", year: "2024"}
	broken := &fakeBridge{id: "B", year: "2024", selfTestErr: errors.New("login page unreachable")}
	p := NewPool(&fakeNotifier{}, testLogger())
	p.SetRetryInterval(5 * time.Millisecond)
	for _, b := range []domain.Bridge{good, broken} {
		if err := p.Register(context.Background(), b); err != nil {
			t.Fatal(err)
		}
	}

	err := p.SelfTest(context.Background(), 40*time.Millisecond)
	if err == nil {
		t.Fatal("SelfTest() succeeded with a broken bridge")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("SelfTest() error = %v, want deadline exceeded", err)
	}
	if p.Ready() {
		t.Error("pool ready after failed self-test")
	}
}

func TestRegisterAfterStartupTestsInBackground(t *testing.T) {
	p := readyPool(t)
	var changes atomic.Int32
	p.OnChange(func() { changes.Add(1) })

	late := &fakeBridge{id: "L", year: "2024", failTests: 1}
	if err := p.Register(context.Background(), late); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(context.Background(), &fakeBridge{id: "L"}); err == nil {
		t.Error("duplicate Register() succeeded")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if infos := p.Bridges(); len(infos) == 1 && infos[0].Ready && changes.Load() >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if infos := p.Bridges(); len(infos) != 1 || !infos[0].Ready {
		t.Fatalf("late bridge never became ready: %+v", infos)
	}
	if changes.Load() < 2 {
		t.Errorf("OnChange called %d times, want at least 2", changes.Load())
	}

	p.Deregister("L")
	if len(p.Bridges()) != 0 {
		t.Error("Deregister() left the bridge registered")
	}
}
