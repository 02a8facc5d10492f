// internal/bridgenode/server.go
package bridgenode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBusy is returned when the node already runs a task.
var ErrBusy = errors.New("bridge is busy")

// Server serves one Bridge over HTTP. It runs at most one task at a time.
type Server struct {
	bridge domain.Bridge
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	running string
}

// NewServer creates a server for bridge.
func NewServer(bridge domain.Bridge, logger *slog.Logger) *Server {
	return &Server{
		bridge: bridge,
		logger: logger.With("component", "bridge-node", "bridge_id", bridge.ID()),
		tracer: otel.Tracer("bridge-dispatch-node"),
	}
}

// Handler returns the node's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.HandleFunc(ExecutePath, s.handleExecute)
	mux.HandleFunc(AbortPath, s.handleAbort)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "node.SelfTest")
	defer span.End()

	if err := s.bridge.SelfTest(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "self-test failed")
		s.logger.Warn("self-test failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleExecute runs the task synchronously and answers with its result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "node.Execute")
	defer span.End()

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ExecuteResponse{Error: err.Error()})
		return
	}
	task, err := domain.TaskFromRecord(req.Task)
	if err != nil {
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ExecuteResponse{Error: err.Error()})
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("task.type", string(task.Type)))
	logger := s.logger.With("task_id", task.ID, "task_type", task.Type)

	if err := s.acquire(task.ID); err != nil {
		logger.Warn("rejecting task", "running", s.current(), "error", err)
		writeJSON(w, http.StatusConflict, ExecuteResponse{Error: err.Error()})
		return
	}
	defer s.release()

	logger.Info("executing task")
	result, execErr := s.run(ctx, task)
	if execErr != nil {
		metrics.BridgeExecutions.WithLabelValues(s.bridge.ID(), string(task.Type), "failed").Inc()
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "task execution failed")
		logger.Error("task failed", "error", execErr)
		writeJSON(w, http.StatusUnprocessableEntity, ExecuteResponse{Error: execErr.Error()})
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ExecuteResponse{Error: fmt.Sprintf("failed to encode result: %v", err)})
		return
	}
	metrics.BridgeExecutions.WithLabelValues(s.bridge.ID(), string(task.Type), "success").Inc()
	span.SetStatus(codes.Ok, "task execution successful")
	logger.Info("task completed")
	writeJSON(w, http.StatusOK, ExecuteResponse{Result: raw})
}

func (s *Server) run(ctx context.Context, task *domain.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.bridge.Execute(ctx, task)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := s.tracer.Start(r.Context(), "node.ForceAbort")
	defer span.End()

	s.logger.Warn("forced abort requested", "running", s.current())
	if err := s.bridge.ForceAbort(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "abort failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) acquire(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != "" {
		return fmt.Errorf("%w with task %s", ErrBusy, s.running)
	}
	s.running = taskID
	return nil
}

func (s *Server) release() {
	s.mu.Lock()
	s.running = ""
	s.mu.Unlock()
}

func (s *Server) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
