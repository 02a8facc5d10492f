// internal/domain/outcome.go
package domain

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the audit projection of a task that reached a terminal status.
type Outcome struct {
	ID         string    `json:"id"`
	Type       TaskType  `json:"type"`
	Status     Status    `json:"status"`
	Info       string    `json:"info,omitempty"`
	Scope      string    `json:"year,omitempty"`
	Data       any       `json:"data"`
	Callback   string    `json:"callback,omitempty"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Worker     string    `json:"worker,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Outcome builds the audit projection. It is only meaningful for finished tasks.
func (t *Task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := Outcome{
		ID:         t.ID,
		Type:       t.Type,
		Status:     t.status,
		Scope:      t.Payload.Scope(),
		Info:       t.Payload.Info(),
		Data:       t.Payload,
		Callback:   t.Callback,
		Result:     t.result,
		Worker:     t.worker,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
	}
	if t.err != nil {
		o.Error = t.err.Error()
	}
	return o
}

// Validate checks the outcome is complete enough to be stored.
func (o *Outcome) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("outcome ID cannot be empty")
	}
	if o.Type == "" {
		return fmt.Errorf("outcome type cannot be empty")
	}
	if !o.Status.Terminal() {
		return fmt.Errorf("outcome status %q is not terminal", o.Status)
	}
	if o.StartedAt.IsZero() {
		return fmt.Errorf("outcome start time cannot be zero")
	}
	return nil
}

// OutcomeRepository keeps the history of finished tasks outside the process.
type OutcomeRepository interface {
	// Save persists a single outcome.
	Save(ctx context.Context, outcome *Outcome) error
	// ListByType returns outcomes of one task type, newest first, paginated.
	ListByType(ctx context.Context, taskType TaskType, page, pageSize int) ([]*Outcome, error)
	// Get retrieves one outcome.
	Get(ctx context.Context, taskType TaskType, id string) (*Outcome, error)
}
