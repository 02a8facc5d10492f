package queue

import (
	"context"
	"fmt"

	"bridge-dispatch/internal/domain"
)

// Snapshot saves every task that has not started yet, NOTIFY tasks
// excluded, and returns how many were saved.
func (d *Dispatcher) Snapshot(ctx context.Context) (int, error) {
	if d.snapshots == nil {
		return 0, fmt.Errorf("no snapshot store configured")
	}

	d.mu.Lock()
	pending := make([]*domain.Task, 0, len(d.backlog)+len(d.parked))
	pending = append(pending, d.backlog...)
	pending = append(pending, d.parked...)
	d.mu.Unlock()

	records := make([]domain.Record, 0, len(pending))
	for _, t := range pending {
		if t.Type == domain.TaskNotify || t.Status() != domain.StatusNew || t.Cancelled() {
			continue
		}
		r, err := t.Record()
		if err != nil {
			return 0, err
		}
		records = append(records, r)
	}

	if err := d.snapshots.Save(ctx, records); err != nil {
		return 0, fmt.Errorf("failed to save snapshot: %w", err)
	}
	d.logger.Info("pending tasks snapshotted", "count", len(records))
	return len(records), nil
}

// Restore resubmits the tasks of a previous snapshot and removes it. A
// missing or unreadable snapshot restores nothing.
func (d *Dispatcher) Restore(ctx context.Context) (int, error) {
	if d.snapshots == nil {
		return 0, nil
	}

	records, err := d.snapshots.Load(ctx)
	if err != nil {
		d.logger.Warn("discarding unreadable snapshot", "error", err)
		if rmErr := d.snapshots.Remove(ctx); rmErr != nil {
			d.logger.Warn("failed to remove snapshot", "error", rmErr)
		}
		return 0, nil
	}

	restored := 0
	for _, r := range records {
		task, err := domain.TaskFromRecord(r)
		if err != nil {
			d.logger.Warn("skipping snapshot entry", "task_id", r.ID, "task_type", r.Type, "error", err)
			continue
		}
		if _, err := d.Submit(task); err != nil {
			d.logger.Warn("failed to resubmit snapshot entry", "task_id", r.ID, "error", err)
			continue
		}
		restored++
	}

	if err := d.snapshots.Remove(ctx); err != nil {
		return restored, fmt.Errorf("failed to remove snapshot: %w", err)
	}
	if len(records) > 0 {
		d.logger.Info("pending tasks restored", "count", restored, "entries", len(records))
	}
	return restored, nil
}

// WriteOutcomes writes every finished task, NOTIFY tasks excluded, to a new
// outcome log. It returns the log name, or "" if there was nothing to write.
func (d *Dispatcher) WriteOutcomes(ctx context.Context) (string, error) {
	if d.outcomes == nil {
		return "", fmt.Errorf("no outcome log configured")
	}

	var outcomes []domain.Outcome
	for _, t := range d.Tasks() {
		if t.Type == domain.TaskNotify || !t.Finished() {
			continue
		}
		outcomes = append(outcomes, t.Outcome())
	}
	if len(outcomes) == 0 {
		return "", nil
	}

	name, err := d.outcomes.Write(ctx, outcomes)
	if err != nil {
		return "", fmt.Errorf("failed to write outcome log: %w", err)
	}
	d.logger.Info("outcome log written", "file", name, "count", len(outcomes))
	return name, nil
}
