package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusTimedOut   Status = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusTimedOut
}

// Hooks are optional caller-supplied completion callbacks. At most one of
// Resolve or Reject fires, exactly once.
type Hooks struct {
	Resolve func(result any)
	Reject  func(err error)
	// OnTimeout runs after the task enters TIMED_OUT; the dispatcher waits
	// for it before dispatching further work.
	OnTimeout func(ctx context.Context) error
}

// Observer is told about every status change that actually happened.
type Observer func(t *Task, from, to Status)

// Task is a unit of work submitted to the dispatcher.
type Task struct {
	ID        string
	Type      TaskType
	Payload   Payload
	Callback  string
	CreatedAt time.Time

	hooks Hooks

	mu         sync.Mutex
	status     Status
	result     any
	err        error
	startedAt  time.Time
	finishedAt time.Time
	worker     string
	skipReason string
	settled    bool
	cancelled  bool
	observer   Observer
}

// NewTask creates a NEW task for payload. The id is left empty; the
// dispatcher generates one on submission if the caller does not set it.
func NewTask(payload Payload, callback string, hooks Hooks) *Task {
	return &Task{
		Type:      payload.Type(),
		Payload:   payload,
		Callback:  callback,
		CreatedAt: time.Now(),
		hooks:     hooks,
		status:    StatusNew,
	}
}

// SetObserver installs the status change observer. The dispatcher calls it
// once when the task is submitted.
func (t *Task) SetObserver(o Observer) {
	t.mu.Lock()
	t.observer = o
	t.mu.Unlock()
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Finished reports whether the task reached DONE, ERROR or TIMED_OUT.
func (t *Task) Finished() bool {
	return t.Status().Terminal()
}

func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Info returns the payload label.
func (t *Task) Info() string {
	if t.Payload == nil {
		return ""
	}
	return t.Payload.Info()
}

// Scope returns the payload's fiscal year.
func (t *Task) Scope() string {
	if t.Payload == nil {
		return ""
	}
	return t.Payload.Scope()
}

// OnTimeout returns the caller's timeout hook, or nil.
func (t *Task) OnTimeout() func(ctx context.Context) error {
	return t.hooks.OnTimeout
}

// AssignedWorker returns the id of the bridge serving the task.
func (t *Task) AssignedWorker() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.worker
}

// AssignWorker records the serving bridge. The assignment is permanent.
func (t *Task) AssignWorker(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.worker != "" && t.worker != id {
		return fmt.Errorf("%w: %s already served by %s", ErrAlreadyAssigned, t.ID, t.worker)
	}
	t.worker = id
	return nil
}

// MarkSkipped flags a NEW task that cannot currently be dispatched.
func (t *Task) MarkSkipped(reason string) {
	t.mu.Lock()
	t.skipReason = reason
	t.mu.Unlock()
}

// ClearSkip removes the skip marker.
func (t *Task) ClearSkip() {
	t.mu.Lock()
	t.skipReason = ""
	t.mu.Unlock()
}

// Skipped returns the reason the task was skipped, if it is.
func (t *Task) Skipped() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipReason, t.skipReason != ""
}

// Cancelled reports whether the task was withdrawn before it started.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Start moves a NEW task to PROCESSING and records the start time.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.status != StatusNew || t.cancelled {
		from := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot start task %s in status %s", ErrInvalidTransition, t.ID, from)
	}
	t.status = StatusProcessing
	t.startedAt = time.Now()
	t.skipReason = ""
	observer := t.observer
	t.mu.Unlock()

	if observer != nil {
		observer(t, StatusNew, StatusProcessing)
	}
	return nil
}

// Done completes the task with result. It returns false if the task was
// not PROCESSING, in which case nothing changes.
func (t *Task) Done(result any) bool {
	return t.finish(StatusDone, result, nil)
}

// Fail completes the task with err.
func (t *Task) Fail(err error) bool {
	return t.finish(StatusError, nil, err)
}

// TimeOut marks a PROCESSING task as TIMED_OUT.
func (t *Task) TimeOut() bool {
	return t.finish(StatusTimedOut, nil, ErrTaskTimedOut)
}

// Cancel withdraws a NEW task and rejects it with ErrTaskCancelled. The
// status stays NEW.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.status != StatusNew || t.settled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.settled = true
	reject := t.hooks.Reject
	t.mu.Unlock()

	if reject != nil {
		t.runHook("reject", func() { reject(ErrTaskCancelled) })
	}
	return true
}

// finish performs the single terminal transition. The first caller wins.
func (t *Task) finish(to Status, result any, err error) bool {
	t.mu.Lock()
	if t.status != StatusProcessing {
		t.mu.Unlock()
		return false
	}
	from := t.status
	t.status = to
	t.finishedAt = time.Now()
	if to == StatusDone {
		t.result = result
	} else {
		t.err = err
	}
	observer := t.observer
	settle := !t.settled
	t.settled = true
	hooks := t.hooks
	t.mu.Unlock()

	if observer != nil {
		observer(t, from, to)
	}
	if !settle {
		return true
	}
	if to == StatusDone {
		if hooks.Resolve != nil {
			t.runHook("resolve", func() { hooks.Resolve(result) })
		}
	} else if hooks.Reject != nil {
		t.runHook("reject", func() { hooks.Reject(err) })
	}
	return true
}

// runHook calls a caller-supplied hook. A panicking hook is logged and
// does not affect the task or the goroutine that settled it.
func (t *Task) runHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("task hook panicked", "task_id", t.ID, "task_type", t.Type, "hook", name, "panic", r)
		}
	}()
	fn()
}

// Record is the persisted projection of a NEW task.
type Record struct {
	Type     TaskType        `json:"type"`
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
	Callback string          `json:"callback,omitempty"`
}

// Record projects the task for the pending snapshot.
func (t *Task) Record() (Record, error) {
	data, err := json.Marshal(t.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal payload of task %s: %w", t.ID, err)
	}
	return Record{Type: t.Type, ID: t.ID, Data: data, Callback: t.Callback}, nil
}

// TaskFromRecord rebuilds a fresh NEW task from a snapshot entry.
func TaskFromRecord(r Record) (*Task, error) {
	payload, err := DecodePayload(r.Type, r.Data)
	if err != nil {
		return nil, err
	}
	t := NewTask(payload, r.Callback, Hooks{})
	t.ID = r.ID
	return t, nil
}
