package http

import (
	"encoding/json"
	"time"

	"bridge-dispatch/internal/domain"
)

// SubmitTaskRequest is the Data Transfer Object for submitting a task.
type SubmitTaskRequest struct {
	ID       string          `json:"id" validate:"omitempty,max=128"`
	Type     string          `json:"type" validate:"required,oneof=create upload query list download notify"`
	Data     json.RawMessage `json:"data"`
	Callback string          `json:"callback" validate:"omitempty,url"`
}

// ToDomainTask decodes the payload and builds a NEW task.
func (r *SubmitTaskRequest) ToDomainTask() (*domain.Task, error) {
	taskType, err := domain.ParseTaskType(r.Type)
	if err != nil {
		return nil, err
	}
	payload, err := domain.DecodePayload(taskType, r.Data)
	if err != nil {
		return nil, err
	}
	task := domain.NewTask(payload, r.Callback, domain.Hooks{})
	task.ID = r.ID
	return task, nil
}

// TaskResponse is the API view of a task.
type TaskResponse struct {
	ID         string          `json:"id"`
	Type       domain.TaskType `json:"type"`
	Status     domain.Status   `json:"status"`
	Info       string          `json:"info,omitempty"`
	Year       string          `json:"year,omitempty"`
	Data       domain.Payload  `json:"data"`
	Callback   string          `json:"callback,omitempty"`
	Worker     string          `json:"worker,omitempty"`
	Skipped    string          `json:"skipped,omitempty"`
	Cancelled  bool            `json:"cancelled,omitempty"`
	Result     any             `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// NewTaskResponse projects t for the API.
func NewTaskResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:        t.ID,
		Type:      t.Type,
		Status:    t.Status(),
		Info:      t.Info(),
		Year:      t.Scope(),
		Data:      t.Payload,
		Callback:  t.Callback,
		Worker:    t.AssignedWorker(),
		Cancelled: t.Cancelled(),
		Result:    t.Result(),
		CreatedAt: t.CreatedAt,
	}
	if reason, ok := t.Skipped(); ok {
		resp.Skipped = reason
	}
	if err := t.Err(); err != nil {
		resp.Error = err.Error()
	}
	if started := t.StartedAt(); !started.IsZero() {
		resp.StartedAt = &started
	}
	if finished := t.FinishedAt(); !finished.IsZero() {
		resp.FinishedAt = &finished
	}
	return resp
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string   `json:"error"`
	TaskID  string   `json:"task_id,omitempty"`
	Details []string `json:"details,omitempty"`
}

