// internal/infra/etcd/outcome_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"bridge-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	OutcomeHistoryDir = "/bridges/outcomes/"
)

type outcomeRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewOutcomeRepository creates a repository for task outcomes backed by etcd.
func NewOutcomeRepository(client *clientv3.Client, logger *slog.Logger) domain.OutcomeRepository {
	return &outcomeRepository{
		client: client,
		logger: logger.With("component", "outcome-repo"),
		tracer: otel.Tracer("bridge-dispatch-etcd-outcome-repo"),
	}
}

func outcomeKey(taskType domain.TaskType, id string) string {
	return path.Join(OutcomeHistoryDir, string(taskType), id)
}

// Save stores the outcome under /bridges/outcomes/{type}/{id}.
func (r *outcomeRepository) Save(ctx context.Context, outcome *domain.Outcome) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveOutcome")
	defer span.End()

	if err := outcome.Validate(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("invalid outcome: %w", err)
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal outcome")
		return fmt.Errorf("failed to marshal outcome %s to JSON: %w", outcome.ID, err)
	}

	key := outcomeKey(outcome.Type, outcome.ID)
	span.SetAttributes(
		attribute.String("task.id", outcome.ID),
		attribute.String("task.type", string(outcome.Type)),
		attribute.String("etcd.key", key),
	)
	if _, err := r.client.Put(ctx, key, string(raw)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put outcome to etcd")
		return fmt.Errorf("failed to save outcome %s to etcd: %w", outcome.ID, err)
	}
	return nil
}

// Get retrieves one outcome. A missing key yields domain.ErrTaskNotFound.
func (r *outcomeRepository) Get(ctx context.Context, taskType domain.TaskType, id string) (*domain.Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetOutcome")
	defer span.End()
	span.SetAttributes(attribute.String("task.type", string(taskType)), attribute.String("task.id", id))

	resp, err := r.client.Get(ctx, outcomeKey(taskType, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get outcome from etcd")
		return nil, fmt.Errorf("failed to get outcome %s/%s from etcd: %w", taskType, id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.NewTaskError(id, domain.ErrTaskNotFound)
	}

	var outcome domain.Outcome
	if err := json.Unmarshal(resp.Kvs[0].Value, &outcome); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal outcome %s/%s: %w", taskType, id, err)
	}
	return &outcome, nil
}

// ListByType returns outcomes of one type, newest first.
func (r *outcomeRepository) ListByType(ctx context.Context, taskType domain.TaskType, page, pageSize int) ([]*domain.Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListOutcomes")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.type", string(taskType)),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	prefix := path.Join(OutcomeHistoryDir, string(taskType)) + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list outcomes from etcd")
		return nil, fmt.Errorf("failed to list outcomes for %s from etcd: %w", taskType, err)
	}

	// etcd limits count keys, not offsets, so pages are cut client side.
	start := (page - 1) * pageSize
	end := start + pageSize
	outcomes := make([]*domain.Outcome, 0, pageSize)
	for i, kv := range resp.Kvs {
		if i < start {
			continue
		}
		if i >= end {
			break
		}
		var outcome domain.Outcome
		if err := json.Unmarshal(kv.Value, &outcome); err != nil {
			r.logger.Warn("failed to unmarshal outcome from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		outcomes = append(outcomes, &outcome)
	}
	span.SetAttributes(attribute.Int("records_returned", len(outcomes)))
	return outcomes, nil
}
