package usecase

import (
	"context"
	"errors"
	"log/slog"

	"bridge-dispatch/internal/bridge"
	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/queue"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrHistoryUnavailable is returned by History when no outcome repository
// is configured.
var ErrHistoryUnavailable = errors.New("outcome history is not configured")

// TaskService is the API-facing facade over the dispatcher and the pool.
type TaskService struct {
	dispatcher *queue.Dispatcher
	pool       *bridge.Pool
	history    domain.OutcomeRepository
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewTaskService creates a TaskService. history may be nil.
func NewTaskService(dispatcher *queue.Dispatcher, pool *bridge.Pool, history domain.OutcomeRepository, logger *slog.Logger) *TaskService {
	return &TaskService{
		dispatcher: dispatcher,
		pool:       pool,
		history:    history,
		logger:     logger.With("component", "task-service"),
		tracer:     otel.Tracer("bridge-dispatch-usecase"),
	}
}

// Submit queues task.
func (s *TaskService) Submit(ctx context.Context, task *domain.Task) (queue.Receipt, error) {
	_, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("task.type", string(task.Type)), attribute.String("task.year", task.Scope()))

	receipt, err := s.dispatcher.Submit(task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit task")
		return queue.Receipt{}, err
	}
	span.SetAttributes(attribute.String("task.id", receipt.ID))
	return receipt, nil
}

// Get returns one task.
func (s *TaskService) Get(ctx context.Context, id string) (*domain.Task, error) {
	_, span := s.tracer.Start(ctx, "service.Get")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	task, err := s.dispatcher.Get(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get task")
	}
	return task, err
}

// List returns every known task, optionally only those in status.
func (s *TaskService) List(ctx context.Context, status domain.Status) []*domain.Task {
	_, span := s.tracer.Start(ctx, "service.List")
	defer span.End()

	tasks := s.dispatcher.Tasks()
	if status == "" {
		return tasks
	}
	filtered := tasks[:0]
	for _, t := range tasks {
		if t.Status() == status {
			filtered = append(filtered, t)
		}
	}
	span.SetAttributes(attribute.Int("tasks_returned", len(filtered)))
	return filtered
}

// Cancel withdraws a task that has not started.
func (s *TaskService) Cancel(ctx context.Context, id string) error {
	_, span := s.tracer.Start(ctx, "service.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	if err := s.dispatcher.Cancel(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to cancel task")
		return err
	}
	return nil
}

// Status reports the dispatcher counters.
func (s *TaskService) Status(ctx context.Context) queue.Status {
	_, span := s.tracer.Start(ctx, "service.Status")
	defer span.End()
	return s.dispatcher.Status()
}

// Snapshot saves the pending tasks now.
func (s *TaskService) Snapshot(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "service.Snapshot")
	defer span.End()

	n, err := s.dispatcher.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to snapshot tasks")
	}
	return n, err
}

// WriteOutcomes writes the finished tasks to a new outcome log.
func (s *TaskService) WriteOutcomes(ctx context.Context) (string, error) {
	ctx, span := s.tracer.Start(ctx, "service.WriteOutcomes")
	defer span.End()

	name, err := s.dispatcher.WriteOutcomes(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write outcome log")
	}
	return name, err
}

// History lists recorded outcomes of one task type, newest first.
func (s *TaskService) History(ctx context.Context, taskType domain.TaskType, page, pageSize int) ([]*domain.Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "service.History")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.type", string(taskType)),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	if s.history == nil {
		return nil, ErrHistoryUnavailable
	}
	outcomes, err := s.history.ListByType(ctx, taskType, page, pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list outcomes from repository")
	}
	return outcomes, err
}

// Bridges describes the registered bridges.
func (s *TaskService) Bridges(ctx context.Context) []bridge.Info {
	_, span := s.tracer.Start(ctx, "service.Bridges")
	defer span.End()
	return s.pool.Bridges()
}

// Subscribe streams lifecycle events until cancel is called.
func (s *TaskService) Subscribe(buffer int) (<-chan queue.Event, func()) {
	return s.dispatcher.Subscribe(buffer)
}
