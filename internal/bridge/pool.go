package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/metrics"
	"bridge-dispatch/internal/queue"
)

var _ queue.Consumer = (*Pool)(nil)

// DefaultRetryInterval is the pause between failed self-test attempts.
const DefaultRetryInterval = 2 * time.Second

type slot struct {
	bridge    domain.Bridge
	ready     bool
	current   *domain.Task
	resetting bool
}

// idle reports whether the slot can take a new task.
func (s *slot) idle() bool {
	return s.ready && !s.resetting && (s.current == nil || s.current.Finished())
}

// Info describes a registered bridge for observers.
type Info struct {
	ID        string            `json:"id"`
	Year      string            `json:"year,omitempty"`
	Accepts   []domain.TaskType `json:"accepts,omitempty"`
	Ready     bool              `json:"ready"`
	Resetting bool              `json:"resetting,omitempty"`
	Task      string            `json:"task,omitempty"`
}

// Pool is the set of bridges the dispatcher hands work to. It implements
// queue.Consumer.
type Pool struct {
	notifier      domain.Notifier
	logger        *slog.Logger
	retryInterval time.Duration

	mu       sync.Mutex
	slots    []*slot
	ready    bool
	onChange func()
}

// NewPool creates an empty pool. NOTIFY tasks are delivered through notifier.
func NewPool(notifier domain.Notifier, logger *slog.Logger) *Pool {
	return &Pool{
		notifier:      notifier,
		logger:        logger.With("component", "bridge-pool"),
		retryInterval: DefaultRetryInterval,
	}
}

// SetRetryInterval changes the pause between failed self-test attempts.
func (p *Pool) SetRetryInterval(d time.Duration) {
	p.mu.Lock()
	p.retryInterval = d
	p.mu.Unlock()
}

// OnChange registers fn to be called whenever a bridge joins, leaves or
// becomes ready.
func (p *Pool) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Pool) changed() {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Register adds b to the pool. Bridges registered after the startup
// self-test are tested in the background and join once they pass.
func (p *Pool) Register(ctx context.Context, b domain.Bridge) error {
	p.mu.Lock()
	for _, s := range p.slots {
		if s.bridge.ID() == b.ID() {
			p.mu.Unlock()
			return fmt.Errorf("bridge %s is already registered", b.ID())
		}
	}
	s := &slot{bridge: b}
	p.slots = append(p.slots, s)
	started := p.ready
	p.mu.Unlock()

	metrics.BridgesReady.WithLabelValues(b.ID(), b.Scope()).Set(0)
	p.logger.Info("bridge registered", "bridge_id", b.ID(), "year", b.Scope(), "accepts", b.Accepts())

	if started {
		go func() {
			if err := p.testUntilReady(ctx, s); err != nil {
				p.logger.Error("bridge never passed self-test", "bridge_id", b.ID(), "error", err)
			}
			p.changed()
		}()
	}
	p.changed()
	return nil
}

// Deregister removes the bridge with the given id. A task still running on
// it finishes on its own.
func (p *Pool) Deregister(id string) {
	p.mu.Lock()
	var removed *slot
	for i, s := range p.slots {
		if s.bridge.ID() == id {
			removed = s
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if removed == nil {
		return
	}
	metrics.BridgesReady.DeleteLabelValues(id, removed.bridge.Scope())
	p.logger.Info("bridge deregistered", "bridge_id", id)
	p.changed()
}

// SelectWorkers returns the ready bridges eligible for task, optionally only
// the idle ones. The result is computed fresh on every call.
func (p *Pool) SelectWorkers(task *domain.Task, requireIdle bool) []domain.Bridge {
	p.mu.Lock()
	defer p.mu.Unlock()
	selected := selectSlots(p.slots, task, requireIdle)
	out := make([]domain.Bridge, len(selected))
	for i, s := range selected {
		out[i] = s.bridge
	}
	return out
}

// Bridges describes every registered bridge.
func (p *Pool) Bridges() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.slots))
	for _, s := range p.slots {
		info := Info{
			ID:        s.bridge.ID(),
			Year:      s.bridge.Scope(),
			Accepts:   s.bridge.Accepts(),
			Ready:     s.ready,
			Resetting: s.resetting,
		}
		if s.current != nil && !s.current.Finished() {
			info.Task = s.current.ID
		}
		out = append(out, info)
	}
	return out
}

// Ready reports whether the startup self-test completed.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Check implements queue.Consumer. Only bridges that passed self-test
// count, so a task whose bridges never became ready is Unavailable and
// gets parked until the pool changes.
func (p *Pool) Check(task *domain.Task) (queue.Availability, error) {
	if len(p.SelectWorkers(task, true)) > 0 {
		return queue.Available, nil
	}
	if len(p.SelectWorkers(task, false)) > 0 {
		return queue.Busy, nil
	}
	return queue.Unavailable, nil
}

// Assign implements queue.Consumer. The bridge is picked uniformly at random
// among the idle candidates.
func (p *Pool) Assign(task *domain.Task) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candidates := selectSlots(p.slots, task, true)
	if len(candidates) == 0 {
		return "", domain.NewTaskError(task.ID, domain.ErrNoBridge)
	}
	s := candidates[rand.Intn(len(candidates))]
	s.current = task
	return s.bridge.ID(), nil
}

// Execute implements queue.Consumer.
func (p *Pool) Execute(ctx context.Context, task *domain.Task) (any, error) {
	if task.Type == domain.TaskNotify {
		payload, ok := task.Payload.(*domain.NotifyPayload)
		if !ok {
			return nil, fmt.Errorf("notify task %s carries %T", task.ID, task.Payload)
		}
		if p.notifier == nil {
			return nil, fmt.Errorf("no notifier configured for task %s", task.ID)
		}
		return p.notifier.Notify(ctx, payload)
	}

	s := p.slotOf(task)
	if s == nil {
		return nil, domain.NewTaskError(task.ID, domain.ErrNoBridge)
	}
	return s.bridge.Execute(ctx, task)
}

// Release implements queue.Consumer.
func (p *Pool) Release(task *domain.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.current == task && !s.resetting {
			s.current = nil
		}
	}
}

// Abort implements queue.Consumer. The bridge stays unavailable until its
// forced reset returns, whatever the result.
func (p *Pool) Abort(ctx context.Context, task *domain.Task) error {
	if task.Type == domain.TaskNotify {
		return nil
	}
	s := p.slotOf(task)
	if s == nil {
		return nil
	}

	p.mu.Lock()
	s.resetting = true
	p.mu.Unlock()

	p.logger.Warn("forcing bridge reset", "bridge_id", s.bridge.ID(), "task_id", task.ID)
	err := s.bridge.ForceAbort(ctx)

	p.mu.Lock()
	s.resetting = false
	if s.current == task {
		s.current = nil
	}
	p.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "failed"
	}
	metrics.BridgeResets.WithLabelValues(s.bridge.ID(), result).Inc()
	return err
}

func (p *Pool) slotOf(task *domain.Task) *slot {
	id := task.AssignedWorker()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.bridge.ID() == id {
			return s
		}
	}
	return nil
}
