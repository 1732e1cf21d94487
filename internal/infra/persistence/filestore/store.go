// Package filestore persists the pending analytics queue as a single sealed
// file on local disk.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coachpo/beacon/errs"
	"github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/persistence/queuecodec"
	"github.com/coachpo/beacon/internal/infra/seal"
	"github.com/coachpo/beacon/internal/infra/telemetry"
)

const (
	component   = "storage/file"
	backendName = "file"
	fileMode    = 0o600
	dirMode     = 0o700
)

// Store is an analytics.Store backed by one encrypted file.
type Store struct {
	mu      sync.Mutex
	path    string
	sealer  seal.Sealer
	logger  *log.Logger
	metrics *telemetry.PipelineMetrics
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics reports corruption through metrics.
func WithMetrics(metrics *telemetry.PipelineMetrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// DefaultPath returns <user config dir>/beacon/analytics.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "beacon", "analytics"), nil
}

// New returns a Store writing to path.
func New(path string, sealer seal.Sealer, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("path required"))
	}
	if sealer == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("sealer required"))
	}
	s := &Store{
		path:   filepath.Clean(trimmed),
		sealer: sealer,
		logger: log.New(os.Stdout, "storage/file ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Path returns the queue file location.
func (s *Store) Path() string { return s.path }

// LoadEvents implements analytics.Store. It never returns an error: unreadable
// files are removed and reported as an empty queue.
func (s *Store) LoadEvents(ctx context.Context) ([]analytics.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx), nil
}

// Save implements analytics.Store.
func (s *Store) Save(ctx context.Context, events []analytics.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(events)
}

// Delete implements analytics.Store.
func (s *Store) Delete(ctx context.Context, events []analytics.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if events == nil {
		s.removeLocked()
		return
	}
	remaining := analytics.Without(s.loadLocked(ctx), analytics.LocalIDs(events))
	if len(remaining) == 0 {
		s.removeLocked()
		return
	}
	if err := s.saveLocked(remaining); err != nil {
		s.logger.Printf("warn: persist remaining events failed, removing queue: %v", err)
		s.removeLocked()
	}
}

// DeleteAll implements analytics.Store.
func (s *Store) DeleteAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked()
}

func (s *Store) loadLocked(ctx context.Context) []analytics.Event {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []analytics.Event{}
		}
		s.discardLocked(ctx, fmt.Errorf("read: %w", err))
		return []analytics.Event{}
	}
	events, err := queuecodec.Decode(s.sealer, blob)
	if err != nil {
		s.discardLocked(ctx, err)
		return []analytics.Event{}
	}
	return events
}

func (s *Store) discardLocked(ctx context.Context, cause error) {
	s.logger.Printf("warn: discarding unreadable queue %s: %v", s.path, cause)
	s.metrics.Corrupted(ctx, backendName)
	s.removeLocked()
}

func (s *Store) saveLocked(events []analytics.Event) error {
	blob, err := queuecodec.Encode(s.sealer, events)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.path, blob); err != nil {
		return errs.New(component, errs.CodeStorage, errs.WithMessage("write queue"), errs.WithCause(err))
	}
	return nil
}

func (s *Store) removeLocked() {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Printf("warn: remove queue %s: %v", s.path, err)
	}
}

// writeAtomic replaces path with data through a synced temp file in the same
// directory, so readers see either the old or the new queue.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, fileMode); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}
