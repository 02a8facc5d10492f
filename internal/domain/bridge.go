package domain

import "context"

// Bridge is an automation worker that performs tasks against the remote
// system for one fiscal year scope.
type Bridge interface {
	ID() string
	Scope() string
	// Accepts lists the task types the bridge declares. A nil slice marks a
	// catch-all bridge.
	Accepts() []TaskType
	// SelfTest probes the bridge once before it becomes eligible.
	SelfTest(ctx context.Context) error
	// Execute performs the task. It must return exactly once.
	Execute(ctx context.Context, task *Task) (any, error)
	// ForceAbort resets a stuck bridge so it can take work again.
	ForceAbort(ctx context.Context) error
}

// AcceptsType reports whether b explicitly declares t.
func AcceptsType(b Bridge, t TaskType) bool {
	for _, accepted := range b.Accepts() {
		if accepted == t {
			return true
		}
	}
	return false
}
