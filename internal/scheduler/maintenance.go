// internal/scheduler/maintenance.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Job is one periodic maintenance action.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Maintenance runs periodic jobs such as snapshot checkpoints and outcome
// log rotation. Schedules use the six field cron format with seconds.
type Maintenance struct {
	cron   *cron.Cron
	jobs   map[string]cron.EntryID
	logger *slog.Logger
	tracer trace.Tracer
}

// NewMaintenance creates an empty maintenance scheduler.
func NewMaintenance(logger *slog.Logger) *Maintenance {
	return &Maintenance{
		cron:   cron.New(cron.WithSeconds()),
		jobs:   make(map[string]cron.EntryID),
		logger: logger.With("component", "maintenance"),
		tracer: otel.Tracer("bridge-dispatch-scheduler"),
	}
}

// Add schedules job, replacing any job with the same name. An empty
// schedule disables the job.
func (m *Maintenance) Add(job Job) error {
	if entryID, ok := m.jobs[job.Name]; ok {
		m.cron.Remove(entryID)
		delete(m.jobs, job.Name)
	}
	if job.Schedule == "" {
		m.logger.Info("maintenance job disabled", "job_name", job.Name)
		return nil
	}

	wrapper := &jobWrapper{job: job, logger: m.logger.With("job_name", job.Name), tracer: m.tracer}
	entryID, err := m.cron.AddJob(job.Schedule, wrapper)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", job.Schedule, job.Name, err)
	}
	m.jobs[job.Name] = entryID
	m.logger.Info("added maintenance job", "job_name", job.Name, "schedule", job.Schedule)
	return nil
}

// Len returns the number of scheduled jobs.
func (m *Maintenance) Len() int { return len(m.jobs) }

// Start runs the scheduler until ctx ends, then waits for running jobs.
func (m *Maintenance) Start(ctx context.Context) error {
	m.logger.Info("maintenance scheduler started", "jobs", len(m.jobs))
	m.cron.Start()
	<-ctx.Done()
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.logger.Info("maintenance scheduler stopped")
	return ctx.Err()
}

type jobWrapper struct {
	job    Job
	logger *slog.Logger
	tracer trace.Tracer
}

// Run is called by the cron library.
func (w *jobWrapper) Run() {
	ctx, span := w.tracer.Start(context.Background(), "scheduler.Maintenance",
		trace.WithAttributes(attribute.String("job.name", w.job.Name)))
	defer span.End()

	if err := w.job.Run(ctx); err != nil {
		w.logger.Error("maintenance job failed", "error", err)
		span.RecordError(err)
		return
	}
	w.logger.Debug("maintenance job finished")
}
