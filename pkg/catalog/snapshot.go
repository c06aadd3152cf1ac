package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/logging"
	"github.com/rs/zerolog"
)

// SnapshotWriter writes the final ordered catalog.
type SnapshotWriter struct {
	path   string
	logger zerolog.Logger
}

// NewSnapshotWriter creates a writer for the snapshot at path.
func NewSnapshotWriter(path string) *SnapshotWriter {
	return &SnapshotWriter{
		path:   path,
		logger: logging.NewLogger("snapshot"),
	}
}

// Path returns the snapshot location.
func (w *SnapshotWriter) Path() string {
	return w.path
}

// WriteSnapshot replaces the snapshot with records as a pretty-printed JSON array.
// The file is written to a temp file and renamed into place, so readers never
// observe a half-written snapshot.
func (w *SnapshotWriter) WriteSnapshot(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := EncodeRecords(records)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := WriteFileAtomic(w.path, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	w.logger.Info().
		Str("path", w.path).
		Int("records", len(records)).
		Int("bytes", len(data)).
		Msg("Snapshot written")

	return nil
}

// ReadSnapshot loads a snapshot previously written by WriteSnapshot.
func ReadSnapshot(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return records, nil
}

// EncodeRecords renders records as a 2-space indented JSON array without
// HTML escaping. A nil slice is written as [].
func EncodeRecords(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path. Parent directories are created as needed.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
