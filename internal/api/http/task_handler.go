// internal/api/http/task_handler.go
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/metrics"
	"bridge-dispatch/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TaskHandler serves the dispatcher's REST API and event stream.
type TaskHandler struct {
	service  *usecase.TaskService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(service *usecase.TaskService, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		service:  service,
		logger:   logger.With("component", "task-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("bridge-dispatch-api"),
	}
}

// instrumentedResponseWriter captures the status code.
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps the event stream working through the wrapper.
func (w *instrumentedResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RegisterRoutes registers the API routes on mux.
func (h *TaskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/tasks", h.instrument("/tasks", h.handleTasks))
	mux.Handle("/tasks/", h.instrument("/tasks/{id}", h.handleTask))
	mux.Handle("/status", h.instrument("/status", h.handleStatus))
	mux.Handle("/snapshot", h.instrument("/snapshot", h.handleSnapshot))
	mux.Handle("/outcomes", h.instrument("/outcomes", h.handleOutcomes))
	mux.Handle("/bridges", h.instrument("/bridges", h.handleBridges))
	mux.Handle("/events", h.instrument("/events", h.handleEvents))
}

func (h *TaskHandler) instrument(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()
		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleTasks serves GET /tasks and POST /tasks.
func (h *TaskHandler) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListTasks(w, r)
	case http.MethodPost:
		h.handleSubmitTask(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTask serves GET /tasks/{id} and DELETE /tasks/{id}.
func (h *TaskHandler) handleTask(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleGetTask(w, r, id)
	case http.MethodDelete:
		h.handleCancelTask(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *TaskHandler) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SubmitTask")
	defer span.End()

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fe := range validationErrors {
				details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
		return
	}

	task, err := req.ToDomainTask()
	if err != nil {
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	receipt, err := h.service.Submit(ctx, task)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (h *TaskHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListTasks")
	defer span.End()

	status := domain.Status(strings.ToLower(r.URL.Query().Get("status")))
	tasks := h.service.List(ctx, status)
	resp := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, NewTaskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) handleGetTask(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	task, err := h.service.Get(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewTaskResponse(task))
}

func (h *TaskHandler) handleCancelTask(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CancelTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	if err := h.service.Cancel(ctx, id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Status(r.Context()))
}

func (h *TaskHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := h.service.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// handleOutcomes serves POST /outcomes (write a log now) and
// GET /outcomes?type=&page=&pageSize= (recorded history).
func (h *TaskHandler) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		name, err := h.service.WriteOutcomes(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"file": name})
	case http.MethodGet:
		h.handleHistory(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *TaskHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.History")
	defer span.End()

	taskType, err := domain.ParseTaskType(r.URL.Query().Get("type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	span.SetAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize))

	outcomes, err := h.service.History(ctx, taskType, page, pageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (h *TaskHandler) handleBridges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Bridges(r.Context()))
}

// handleEvents streams lifecycle events as server-sent events until the
// client goes away or the dispatcher stops.
func (h *TaskHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.service.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Warn("failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

// writeError maps domain errors to HTTP status codes.
func (h *TaskHandler) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if id, ok := domain.TaskIDFromError(err); ok {
		resp.TaskID = id
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateTask), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnknownTaskType):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDispatcherClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, usecase.ErrHistoryUnavailable):
		status = http.StatusNotImplemented
	}
	if status >= 500 {
		h.logger.Error("request failed", "error", err)
	} else {
		h.logger.Warn("request rejected", "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
