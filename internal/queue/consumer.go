package queue

import (
	"context"

	"bridge-dispatch/internal/domain"
)

// Availability is the consumer's answer to "can this task run now".
type Availability int

const (
	// Unavailable means no registered bridge can ever serve the task.
	Unavailable Availability = iota
	// Busy means eligible bridges exist but none is idle.
	Busy
	// Available means an eligible bridge is idle right now.
	Available
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Busy:
		return "busy"
	default:
		return "unavailable"
	}
}

// Consumer is the decision surface the dispatcher calls into. It owns the
// bridges; the dispatcher only knows about NOTIFY tasks.
type Consumer interface {
	// Ready gates all dispatching until the bridges passed self-test.
	Ready() bool
	// Check reports whether a non-NOTIFY task can be assigned now.
	Check(task *domain.Task) (Availability, error)
	// Assign reserves an idle bridge for task and returns its id. It is
	// only called right after Check returned Available.
	Assign(task *domain.Task) (string, error)
	// Execute performs the task. It is called on its own goroutine.
	Execute(ctx context.Context, task *domain.Task) (any, error)
	// Release frees whatever Assign reserved for task.
	Release(task *domain.Task)
	// Abort forcibly resets whatever is still working on a timed out task.
	Abort(ctx context.Context, task *domain.Task) error
}
