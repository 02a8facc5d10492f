// internal/queue/dispatcher.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Receipt is returned by Submit.
type Receipt struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// Status summarizes the dispatcher for observers.
type Status struct {
	Ready      bool            `json:"ready"`
	Total      int             `json:"total"`
	Pending    int             `json:"pending"`
	Parked     int             `json:"parked"`
	Current    []string        `json:"current"`
	LastResult *domain.Outcome `json:"last_result,omitempty"`
}

type completion struct {
	task   *domain.Task
	result any
	err    error
}

// Option configures optional collaborators of a Dispatcher.
type Option func(*Dispatcher)

// WithSnapshotStore sets where pending tasks are saved on shutdown.
func WithSnapshotStore(s domain.SnapshotStore) Option {
	return func(d *Dispatcher) { d.snapshots = s }
}

// WithOutcomeLog sets where finished tasks are written for audit.
func WithOutcomeLog(l domain.OutcomeLog) Option {
	return func(d *Dispatcher) { d.outcomes = l }
}

// WithOutcomeRecorder mirrors every finished task into repo.
func WithOutcomeRecorder(repo domain.OutcomeRepository) Option {
	return func(d *Dispatcher) { d.recorder = repo }
}

// Dispatcher owns the backlog and decides when each task starts. A single
// loop goroutine makes every dispatch decision; completions and abort
// results are handed back to that loop.
type Dispatcher struct {
	consumer Consumer
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	events   *hub

	snapshots domain.SnapshotStore
	outcomes  domain.OutcomeLog
	recorder  domain.OutcomeRepository

	mu         sync.Mutex
	backlog    []*domain.Task
	parked     []*domain.Task
	tasks      []*domain.Task
	byID       map[string]*domain.Task
	processing map[string]*domain.Task
	aborting   int
	last       *domain.Task
	started    bool
	stopped    bool

	wake        chan struct{}
	completions chan completion
	aborted     chan *domain.Task
	cancel      context.CancelFunc
	loopDone    chan struct{}
	bg          sync.WaitGroup
}

// New creates a dispatcher that hands work to consumer. It does not
// dispatch anything until Start is called.
func New(consumer Consumer, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		consumer:    consumer,
		cfg:         cfg.withDefaults(),
		logger:      logger.With("component", "dispatcher"),
		tracer:      otel.Tracer("bridge-dispatch-queue"),
		events:      newHub(),
		byID:        make(map[string]*domain.Task),
		processing:  make(map[string]*domain.Task),
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, 16),
		aborted:     make(chan *domain.Task, 16),
		loopDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the scheduling loop. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	d.logger.Info("dispatcher started",
		"default_timeout", d.cfg.DefaultTimeout,
		"check_interval", d.cfg.CheckInterval)
	go d.run(ctx)
	d.Wake()
}

// Stop ends the scheduling loop. Tasks still processing keep running but
// their completions are no longer recorded; NEW tasks stay in the backlog
// so they can be snapshotted.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	started := d.started
	cancel := d.cancel
	d.mu.Unlock()

	d.logger.Info("dispatcher stopping")
	if started {
		cancel()
		<-d.loopDone
	}
	d.bg.Wait()
	d.events.closeAll()
}

// Wake asks the loop to re-evaluate the backlog.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Subscribe returns a stream of lifecycle events and a function that ends
// the subscription.
func (d *Dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	return d.events.subscribe(buffer)
}

// Submit queues task. NOTIFY tasks go to the head of the backlog, all
// others to the tail. Submit never waits for the task to run.
func (d *Dispatcher) Submit(task *domain.Task) (Receipt, error) {
	if task == nil || task.Payload == nil {
		return Receipt{}, fmt.Errorf("task without payload cannot be submitted")
	}
	if task.Status() != domain.StatusNew {
		return Receipt{}, fmt.Errorf("%w: only NEW tasks can be submitted", domain.ErrInvalidTransition)
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return Receipt{}, domain.ErrDispatcherClosed
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	} else if _, exists := d.byID[task.ID]; exists {
		d.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: id %s already submitted", domain.ErrDuplicateTask, task.ID)
	}
	if dup := d.findDuplicateLocked(task); dup != nil {
		d.mu.Unlock()
		return Receipt{}, domain.NewTaskError(dup.ID, fmt.Errorf("%w: %s %q", domain.ErrDuplicateTask, task.Type, task.Info()))
	}

	task.SetObserver(d.observe)
	d.tasks = append(d.tasks, task)
	d.byID[task.ID] = task
	if task.Type == domain.TaskNotify {
		d.backlog = append([]*domain.Task{task}, d.backlog...)
	} else {
		d.backlog = append(d.backlog, task)
	}
	backlog := len(d.backlog)
	d.mu.Unlock()

	metrics.TasksSubmitted.WithLabelValues(string(task.Type)).Inc()
	metrics.BacklogSize.Set(float64(backlog))
	d.logger.Info("task queued", "task_id", task.ID, "task_type", task.Type, "info", task.Info(), "backlog", backlog)
	d.events.publish(newEvent(EventQueued, task))
	d.Wake()
	return Receipt{Status: "queued", ID: task.ID}, nil
}

// findDuplicateLocked returns a live task equivalent to task. Tasks without
// an info label and NOTIFY tasks are never duplicates.
func (d *Dispatcher) findDuplicateLocked(task *domain.Task) *domain.Task {
	info := task.Info()
	if info == "" || task.Type == domain.TaskNotify {
		return nil
	}
	check := func(list []*domain.Task) *domain.Task {
		for _, other := range list {
			if other.Type == task.Type && other.Scope() == task.Scope() && other.Info() == info {
				return other
			}
		}
		return nil
	}
	if dup := check(d.backlog); dup != nil {
		return dup
	}
	if dup := check(d.parked); dup != nil {
		return dup
	}
	for _, other := range d.processing {
		if other.Type == task.Type && other.Scope() == task.Scope() && other.Info() == info {
			return other
		}
	}
	return nil
}

// PeekNext returns the head of the backlog without removing it.
func (d *Dispatcher) PeekNext() *domain.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.backlog) == 0 {
		return nil
	}
	return d.backlog[0]
}

// Get returns the task with the given id.
func (d *Dispatcher) Get(id string) (*domain.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return t, nil
}

// Tasks returns every task ever submitted, in submission order.
func (d *Dispatcher) Tasks() []*domain.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*domain.Task, len(d.tasks))
	copy(out, d.tasks)
	return out
}

// Backlog returns the NEW tasks awaiting dispatch, head first.
func (d *Dispatcher) Backlog() []*domain.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*domain.Task, len(d.backlog))
	copy(out, d.backlog)
	return out
}

// Status reports the current counters.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	s := Status{
		Total:   len(d.tasks),
		Pending: len(d.backlog),
		Parked:  len(d.parked),
		Current: make([]string, 0, len(d.processing)),
	}
	for _, t := range d.tasks {
		if _, ok := d.processing[t.ID]; ok {
			s.Current = append(s.Current, t.ID)
		}
	}
	last := d.last
	d.mu.Unlock()

	s.Ready = d.consumer.Ready()
	if last != nil {
		o := last.Outcome()
		s.LastResult = &o
	}
	return s
}

// Cancel withdraws a task that has not started yet.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	t, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	removed := d.removeLocked(&d.backlog, t) || d.removeLocked(&d.parked, t)
	d.mu.Unlock()

	if !removed || !t.Cancel() {
		return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, id, t.Status())
	}
	d.logger.Info("task cancelled", "task_id", id, "task_type", t.Type)
	d.events.publish(newEvent(EventCancelled, t))
	d.Wake()
	return nil
}

// Requeue moves every skipped task back to the tail of the backlog. It is
// called when the set of bridges changes.
func (d *Dispatcher) Requeue() {
	d.mu.Lock()
	parked := d.parked
	d.parked = nil
	for _, t := range parked {
		t.ClearSkip()
	}
	d.backlog = append(d.backlog, parked...)
	d.mu.Unlock()

	if len(parked) > 0 {
		d.logger.Info("requeued skipped tasks", "count", len(parked))
	}
	d.Wake()
}

func (d *Dispatcher) removeLocked(list *[]*domain.Task, t *domain.Task) bool {
	for i, other := range *list {
		if other == t {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.loopDone)
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher loop stopped")
			return
		case <-d.wake:
		case c := <-d.completions:
			d.complete(ctx, c)
		case t := <-d.aborted:
			d.abortFinished(t)
		case <-ticker.C:
			d.superviseTimeouts(ctx)
		}
		d.advance(ctx)
	}
}

// advance starts as many backlog tasks as can run right now. Each started
// task leaves the head, so the next head is examined against the bridges
// that are still idle.
func (d *Dispatcher) advance(ctx context.Context) {
	d.mu.Lock()
	defer func() {
		metrics.BacklogSize.Set(float64(len(d.backlog)))
		metrics.TasksProcessing.Set(float64(len(d.processing)))
		d.mu.Unlock()
	}()

	for len(d.backlog) > 0 {
		if d.aborting > 0 || !d.consumer.Ready() {
			return
		}
		if !d.dispatchHeadLocked(ctx) {
			return
		}
	}
}

// dispatchHeadLocked tries to start the head task. It returns false when the
// loop should go idle.
func (d *Dispatcher) dispatchHeadLocked(ctx context.Context) bool {
	task := d.backlog[0]

	if task.Type != domain.TaskNotify {
		availability, err := d.check(task)
		if err != nil {
			d.parkHeadLocked(task, err.Error())
			return true
		}
		switch availability {
		case Busy:
			return false
		case Unavailable:
			d.parkHeadLocked(task, domain.ErrNoBridge.Error())
			return true
		}
		worker, err := d.assign(task)
		if err != nil {
			d.parkHeadLocked(task, err.Error())
			return true
		}
		if err := task.AssignWorker(worker); err != nil {
			d.consumer.Release(task)
			d.parkHeadLocked(task, err.Error())
			return true
		}
	}

	d.backlog = d.backlog[1:]
	if err := task.Start(); err != nil {
		d.logger.Error("dropping task that cannot start", "task_id", task.ID, "error", err)
		d.consumer.Release(task)
		return true
	}
	d.processing[task.ID] = task

	d.bg.Add(1)
	go d.execute(ctx, task)
	return true
}

func (d *Dispatcher) check(task *domain.Task) (availability Availability, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while checking bridges: %v", r)
		}
	}()
	return d.consumer.Check(task)
}

func (d *Dispatcher) assign(task *domain.Task) (worker string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while assigning bridge: %v", r)
		}
	}()
	return d.consumer.Assign(task)
}

// parkHeadLocked moves the head task aside so the tasks behind it can run.
// The task stays NEW and returns to the backlog on Requeue.
func (d *Dispatcher) parkHeadLocked(task *domain.Task, reason string) {
	d.backlog = d.backlog[1:]
	task.MarkSkipped(reason)
	d.parked = append(d.parked, task)
	d.logger.Warn("task skipped", "task_id", task.ID, "task_type", task.Type, "year", task.Scope(), "reason", reason)
	e := newEvent(EventSkipped, task)
	e.Error = reason
	d.events.publish(e)
}

func (d *Dispatcher) execute(ctx context.Context, task *domain.Task) {
	defer d.bg.Done()

	ctx, span := d.tracer.Start(ctx, "queue.Execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.Type)),
		attribute.String("task.worker", task.AssignedWorker()),
	))
	defer span.End()

	c := completion{task: task}
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("panic during execution: %v", r)
			}
		}()
		c.result, c.err = d.consumer.Execute(ctx, task)
	}()

	if c.err != nil {
		span.RecordError(c.err)
		span.SetStatus(codes.Error, "task execution failed")
	} else {
		span.SetStatus(codes.Ok, "task execution successful")
	}

	select {
	case d.completions <- c:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) complete(ctx context.Context, c completion) {
	task := c.task
	var changed bool
	if c.err != nil {
		changed = task.Fail(c.err)
	} else {
		changed = task.Done(c.result)
	}
	d.consumer.Release(task)

	if !changed {
		d.logger.Warn("ignoring late completion", "task_id", task.ID, "task_type", task.Type, "status", task.Status())
		return
	}

	d.mu.Lock()
	delete(d.processing, task.ID)
	if task.Type != domain.TaskNotify {
		d.last = task
	}
	d.mu.Unlock()

	d.afterFinish(ctx, task)
}

// superviseTimeouts times out processing tasks past their deadline and
// starts the forced reset of their bridges.
func (d *Dispatcher) superviseTimeouts(ctx context.Context) {
	now := time.Now()
	var expired []*domain.Task

	d.mu.Lock()
	for id, task := range d.processing {
		timeout := d.effectiveTimeout(task)
		if timeout <= 0 {
			continue
		}
		if now.Sub(task.StartedAt()) > timeout {
			expired = append(expired, task)
			delete(d.processing, id)
		}
	}
	d.mu.Unlock()

	for _, task := range expired {
		if !task.TimeOut() {
			continue
		}
		d.mu.Lock()
		d.aborting++
		if task.Type != domain.TaskNotify {
			d.last = task
		}
		d.mu.Unlock()

		d.bg.Add(1)
		go d.abort(ctx, task)
		d.afterFinish(ctx, task)
	}
}

func (d *Dispatcher) effectiveTimeout(task *domain.Task) time.Duration {
	if timeout, ok := task.Payload.Timeout(); ok {
		return timeout
	}
	return d.cfg.DefaultTimeout
}

// abort resets the bridge of a timed out task and runs the caller's hook.
// Failures are logged and otherwise ignored.
func (d *Dispatcher) abort(ctx context.Context, task *domain.Task) {
	defer d.bg.Done()
	logger := d.logger.With("task_id", task.ID, "task_type", task.Type, "bridge_id", task.AssignedWorker())

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AbortTimeout)
	defer cancel()

	if err := d.consumer.Abort(abortCtx, task); err != nil {
		logger.Warn("forced abort failed", "error", err)
	}
	if hook := task.OnTimeout(); hook != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("timeout hook panicked", "panic", r)
				}
			}()
			if err := hook(abortCtx); err != nil {
				logger.Warn("timeout hook failed", "error", err)
			}
		}()
	}

	select {
	case d.aborted <- task:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) abortFinished(task *domain.Task) {
	d.mu.Lock()
	d.aborting--
	d.mu.Unlock()
	d.logger.Info("timed out task aborted", "task_id", task.ID, "bridge_id", task.AssignedWorker())
}

// afterFinish runs the bookkeeping shared by every terminal transition.
func (d *Dispatcher) afterFinish(ctx context.Context, task *domain.Task) {
	status := task.Status()
	metrics.TasksFinished.WithLabelValues(string(task.Type), string(status)).Inc()
	metrics.TaskDuration.WithLabelValues(string(task.Type)).Observe(task.FinishedAt().Sub(task.StartedAt()).Seconds())

	if task.Type == domain.TaskNotify {
		return
	}
	outcome := task.Outcome()

	if d.recorder != nil {
		d.bg.Add(1)
		go func() {
			defer d.bg.Done()
			recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.RecordTimeout)
			defer cancel()
			if err := d.recorder.Save(recCtx, &outcome); err != nil {
				d.logger.Error("failed to record outcome", "task_id", task.ID, "error", err)
			}
		}()
	}

	if task.Callback == "" {
		return
	}
	body, err := json.Marshal(outcome)
	if err != nil {
		d.logger.Error("failed to encode outcome for callback", "task_id", task.ID, "error", err)
		return
	}
	notify := domain.NewTask(&domain.NotifyPayload{URL: task.Callback, Body: body}, "", domain.Hooks{
		Reject: func(err error) {
			d.logger.Warn("callback delivery failed", "task_id", task.ID, "url", task.Callback, "error", err)
		},
	})
	if _, err := d.Submit(notify); err != nil && !errors.Is(err, domain.ErrDispatcherClosed) {
		d.logger.Error("failed to queue callback", "task_id", task.ID, "error", err)
	}
}

// observe is installed on every submitted task.
func (d *Dispatcher) observe(t *domain.Task, from, to domain.Status) {
	d.logger.Info("task status changed",
		"task_id", t.ID,
		"task_type", t.Type,
		"from", from,
		"status", to,
		"bridge_id", t.AssignedWorker())

	var typ EventType
	switch to {
	case domain.StatusProcessing:
		typ = EventStarted
	case domain.StatusDone:
		typ = EventDone
	case domain.StatusError:
		typ = EventFailed
	case domain.StatusTimedOut:
		typ = EventTimedOut
	default:
		return
	}
	d.events.publish(newEvent(typ, t))
}
