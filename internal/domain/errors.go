// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown to the dispatcher.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask is returned when an equivalent task is already queued or running.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrTaskCancelled is delivered to the reject hook of a task removed before it started.
	ErrTaskCancelled = errors.New("task was cancelled")

	// ErrTaskTimedOut is delivered to the reject hook of a task that exceeded its deadline.
	ErrTaskTimedOut = errors.New("task timed out")

	// ErrNoBridge means no registered bridge serves the task's scope and type.
	ErrNoBridge = errors.New("no bridge available for task")

	// ErrInvalidTransition is returned by Start when the task is not NEW.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrAlreadyAssigned is returned when a second bridge is assigned to a task.
	ErrAlreadyAssigned = errors.New("task already assigned to a bridge")

	// ErrDispatcherClosed is returned by operations on a stopped dispatcher.
	ErrDispatcherClosed = errors.New("dispatcher is closed")

	// ErrUnknownTaskType is returned when decoding a payload of an unsupported type.
	ErrUnknownTaskType = errors.New("unknown task type")
)

// TaskError ties an error to the task it happened in.
type TaskError struct {
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError wraps err with the task id.
func NewTaskError(taskID string, err error) error {
	return &TaskError{TaskID: taskID, Err: err}
}

// TaskIDFromError returns the task id carried by a TaskError anywhere in the chain.
func TaskIDFromError(err error) (string, bool) {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.TaskID, true
	}
	return "", false
}
