// internal/infra/file/snapshot_store.go
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"bridge-dispatch/internal/domain"
)

// SnapshotFileName is the pending-task snapshot inside the data directory.
const SnapshotFileName = "pending.json"

type snapshotStore struct {
	path   string
	logger *slog.Logger
}

// NewSnapshotStore creates a snapshot store writing to dir/pending.json.
func NewSnapshotStore(dir string, logger *slog.Logger) domain.SnapshotStore {
	return &snapshotStore{
		path:   filepath.Join(dir, SnapshotFileName),
		logger: logger.With("component", "snapshot-store"),
	}
}

// Save writes records as a JSON array, replacing any previous snapshot.
// The file is written to a temporary name first and renamed into place.
func (s *snapshotStore) Save(ctx context.Context, records []domain.Record) error {
	if records == nil {
		records = []domain.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", s.path, err)
	}
	s.logger.Debug("snapshot saved", "file", s.path, "count", len(records))
	return nil
}

// Load reads the snapshot. A missing file is an empty snapshot.
func (s *snapshotStore) Load(ctx context.Context) ([]domain.Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", s.path, err)
	}

	var records []domain.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", s.path, err)
	}
	return records, nil
}

// Remove deletes the snapshot if it exists.
func (s *snapshotStore) Remove(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove snapshot %s: %w", s.path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
