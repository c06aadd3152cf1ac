package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/catalog"
	"github.com/Sternrassler/tcg-catalog-fetcher/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	backendFile = "file"

	// fileFormatVersion is written into every checkpoint file.
	fileFormatVersion = 1
)

// fileCheckpoint is the on-disk layout.
type fileCheckpoint struct {
	Version  int                      `json:"version"`
	PageSize int                      `json:"page_size"`
	Pages    map[int][]catalog.Record `json:"pages"`
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) FileOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// FileStore keeps the checkpoint in a single JSON file. Every Append reads
// the whole file, adds the page and rewrites the whole file under a lock.
type FileStore struct {
	path     string
	pageSize int
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewFileStore creates a file-backed checkpoint at path for pages of
// pageSize. A legacy flat-array checkpoint is split at the same page size.
func NewFileStore(path string, pageSize int, opts ...FileOption) *FileStore {
	s := &FileStore{
		path:     path,
		pageSize: pageSize,
		logger:   logging.NewLogger("checkpoint").With().Str("backend", backendFile).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string {
	return s.path
}

// PageSize implements Store.
func (s *FileStore) PageSize() int {
	return s.pageSize
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		Errors.WithLabelValues(backendFile, "load").Inc()
		return NewState(), err
	}

	Pages.WithLabelValues(backendFile).Set(float64(state.PageCount()))
	if state.PageCount() > 0 {
		s.logger.Info().
			Str("path", s.path).
			Int("pages", state.PageCount()).
			Int("records", state.Len()).
			Msg("Checkpoint loaded")
	}
	return state, nil
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, page int, records []catalog.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		Errors.WithLabelValues(backendFile, "append").Inc()
		return fmt.Errorf("read checkpoint: %w", err)
	}
	state.Pages[page] = copyRecords(records)

	data, err := json.Marshal(fileCheckpoint{
		Version:  fileFormatVersion,
		PageSize: s.pageSize,
		Pages:    state.Pages,
	})
	if err != nil {
		Errors.WithLabelValues(backendFile, "append").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := catalog.WriteFileAtomic(s.path, data); err != nil {
		Errors.WithLabelValues(backendFile, "append").Inc()
		return fmt.Errorf("write checkpoint: %w", err)
	}

	Appends.WithLabelValues(backendFile).Inc()
	Pages.WithLabelValues(backendFile).Set(float64(state.PageCount()))

	s.logger.Debug().
		Int("page", page).
		Int("records", len(records)).
		Int("pages", state.PageCount()).
		Msg("Checkpoint updated")
	return nil
}

// Clear implements Store.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		Errors.WithLabelValues(backendFile, "clear").Inc()
		return fmt.Errorf("remove checkpoint: %w", err)
	}

	Pages.WithLabelValues(backendFile).Set(0)
	s.logger.Info().Str("path", s.path).Msg("Checkpoint cleared")
	return nil
}

// load reads the file. Callers hold s.mu.
func (s *FileStore) load() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return NewState(), fmt.Errorf("read %s: %w", s.path, err)
	}

	state, err := s.decode(data)
	if err != nil {
		Corrupt.WithLabelValues(backendFile).Inc()
		s.logger.Warn().
			Err(err).
			Str("path", s.path).
			Msg("Checkpoint unreadable, starting from scratch")
		return NewState(), nil
	}
	return state, nil
}

func (s *FileStore) decode(data []byte) (State, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return NewState(), nil
	}

	// A flat array is the legacy layout: records in page order. Only the
	// whole-page prefix is trusted; a trailing partial page is refetched.
	if trimmed[0] == '[' {
		var records []catalog.Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return State{}, fmt.Errorf("decode legacy checkpoint: %w", err)
		}
		resume := catalog.ResumePage(len(records), s.pageSize)
		whole := (resume - 1) * s.pageSize
		s.logger.Info().
			Int("records", len(records)).
			Int("discarded", len(records)-whole).
			Int("page_size", s.pageSize).
			Int("resume_page", resume).
			Msg("Importing legacy flat checkpoint")
		return State{Pages: catalog.Chunk(records[:whole], s.pageSize)}, nil
	}

	var cp fileCheckpoint
	if err := json.Unmarshal(trimmed, &cp); err != nil {
		return State{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version != fileFormatVersion {
		return State{}, fmt.Errorf("unsupported checkpoint version %d", cp.Version)
	}
	if cp.PageSize != s.pageSize {
		return State{}, fmt.Errorf("checkpoint written at page size %d, want %d", cp.PageSize, s.pageSize)
	}
	if cp.Pages == nil {
		cp.Pages = make(map[int][]catalog.Record)
	}
	return State{Pages: cp.Pages}, nil
}
