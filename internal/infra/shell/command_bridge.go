// internal/infra/shell/command_bridge.go
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"bridge-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errAborted is returned by Execute when ForceAbort killed the command.
var errAborted = errors.New("command was aborted")

// CommandConfig describes a bridge backed by an automation command.
type CommandConfig struct {
	ID      string
	Year    string
	Accepts []domain.TaskType
	// Command runs once per task through bash -c. The task record is written
	// to its stdin as JSON; stdout becomes the result.
	Command string
	// SelfTestCommand runs once at startup. Empty means always ready.
	SelfTestCommand string
}

// CommandBridge implements domain.Bridge by running a shell command.
type CommandBridge struct {
	cfg    CommandConfig
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	running *exec.Cmd
	aborted bool
}

// NewCommandBridge creates a command bridge.
func NewCommandBridge(cfg CommandConfig, logger *slog.Logger) *CommandBridge {
	return &CommandBridge{
		cfg:    cfg,
		logger: logger.With("bridge_type", "command", "bridge_id", cfg.ID),
		tracer: otel.Tracer("bridge-dispatch-command-bridge"),
	}
}

func (b *CommandBridge) ID() string    { return b.cfg.ID }
func (b *CommandBridge) Scope() string { return b.cfg.Year }

func (b *CommandBridge) Accepts() []domain.TaskType {
	if len(b.cfg.Accepts) == 0 {
		return nil
	}
	return b.cfg.Accepts
}

// SelfTest runs the self-test command and fails on a non-zero exit.
func (b *CommandBridge) SelfTest(ctx context.Context) error {
	if b.cfg.SelfTestCommand == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "bash", "-c", b.cfg.SelfTestCommand)
	cmd.Env = append(os.Environ(), "BRIDGE_ID="+b.cfg.ID, "BRIDGE_YEAR="+b.cfg.Year)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("self-test command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Execute runs the command for task. Valid JSON on stdout is returned as
// is, anything else as a string.
func (b *CommandBridge) Execute(ctx context.Context, task *domain.Task) (any, error) {
	ctx, span := b.tracer.Start(ctx, "bridge.command.Execute",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", string(task.Type)),
		))
	defer span.End()

	record, err := task.Record()
	if err != nil {
		return nil, err
	}
	input, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", b.cfg.Command)
	cmd.Env = append(os.Environ(),
		"BRIDGE_ID="+b.cfg.ID,
		"BRIDGE_YEAR="+b.cfg.Year,
		"BRIDGE_TASK_ID="+task.ID,
		"BRIDGE_TASK_TYPE="+string(task.Type),
	)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Info("executing command", "task_id", task.ID, "task_type", task.Type)
	if err := b.begin(cmd); err != nil {
		span.RecordError(err)
		return nil, err
	}
	err = cmd.Wait()
	aborted := b.end()

	output := bytes.TrimSpace(stdout.Bytes())
	if errOutput := strings.TrimSpace(stderr.String()); errOutput != "" {
		span.SetAttributes(attribute.String("shell.stderr", errOutput))
	}

	if aborted {
		span.SetStatus(codes.Error, "command aborted")
		return nil, errAborted
	}
	if err != nil {
		span.SetStatus(codes.Error, "command failed")
		span.RecordError(err)
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = string(output)
		}
		return nil, fmt.Errorf("command failed: %w: %s", err, msg)
	}

	b.logger.Info("command executed successfully", "task_id", task.ID)
	if len(output) == 0 {
		return nil, nil
	}
	if json.Valid(output) {
		return json.RawMessage(output), nil
	}
	return string(output), nil
}

// ForceAbort kills the running command, if any.
func (b *CommandBridge) ForceAbort(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running == nil || b.running.Process == nil {
		return nil
	}
	b.aborted = true
	b.logger.Warn("killing command", "pid", b.running.Process.Pid)
	if err := b.running.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill command: %w", err)
	}
	return nil
}

func (b *CommandBridge) begin(cmd *exec.Cmd) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running != nil {
		return fmt.Errorf("bridge %s is already running a command", b.cfg.ID)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	b.running = cmd
	b.aborted = false
	return nil
}

func (b *CommandBridge) end() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = nil
	return b.aborted
}
