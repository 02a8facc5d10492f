package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"bridge-dispatch/internal/domain"
)

var outcomeFilePattern = regexp.MustCompile(`^outcomes-(\d+)\.json$`)

type outcomeLog struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewOutcomeLog creates an outcome log writing numbered files into dir.
func NewOutcomeLog(dir string, logger *slog.Logger) domain.OutcomeLog {
	return &outcomeLog{
		dir:    dir,
		logger: logger.With("component", "outcome-log"),
	}
}

// Write stores outcomes in outcomes-NNNN.json using the next free number.
// Existing files are never modified.
func (l *outcomeLog) Write(ctx context.Context, outcomes []domain.Outcome) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal outcomes: %w", err)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create outcome dir %s: %w", l.dir, err)
	}

	seq, err := l.nextSequence()
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(l.dir, fmt.Sprintf("outcomes-%04d.json", seq))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			seq++
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create outcome log %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write outcome log %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("failed to close outcome log %s: %w", path, err)
		}
		l.logger.Info("outcome log written", "file", path, "count", len(outcomes))
		return path, nil
	}
}

func (l *outcomeLog) nextSequence() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list outcome dir %s: %w", l.dir, err)
	}
	highest := 0
	for _, e := range entries {
		m := outcomeFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}
