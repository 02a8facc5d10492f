package domain

import "context"

// SnapshotStore keeps the tasks that never started across restarts.
type SnapshotStore interface {
	// Save replaces any previous snapshot with records.
	Save(ctx context.Context, records []Record) error
	// Load returns the saved records. A missing snapshot yields no records
	// and no error.
	Load(ctx context.Context) ([]Record, error)
	Remove(ctx context.Context) error
}

// OutcomeLog writes a batch of finished tasks for offline audit.
type OutcomeLog interface {
	// Write stores outcomes in a new log and returns its name.
	Write(ctx context.Context, outcomes []Outcome) (string, error)
}
