// Package postgres stores the pending analytics queue in PostgreSQL for hosts
// that run several processes against one queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/beacon/errs"
	"github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/persistence/queuecodec"
	"github.com/coachpo/beacon/internal/infra/seal"
	"github.com/coachpo/beacon/internal/infra/telemetry"
)

const (
	component        = "storage/postgres"
	backendName      = "postgres"
	defaultQueueName = "default"
)

const (
	queueLoadSQL = `
SELECT payload
FROM analytics_queue
WHERE name = $1;
`

	queueLoadForUpdateSQL = `
SELECT payload
FROM analytics_queue
WHERE name = $1
FOR UPDATE;
`

	queueUpsertSQL = `
INSERT INTO analytics_queue (name, payload, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (name) DO UPDATE
SET payload = EXCLUDED.payload,
    updated_at = NOW();
`

	queueDeleteSQL = `
DELETE FROM analytics_queue
WHERE name = $1;
`
)

var errNilPool = errors.New("queue store: nil pool")

// QueueStore is an analytics.Store persisting one sealed blob per queue name.
type QueueStore struct {
	mu      sync.Mutex
	pool    *pgxpool.Pool
	sealer  seal.Sealer
	name    string
	logger  *log.Logger
	metrics *telemetry.PipelineMetrics
}

// QueueOption configures a QueueStore.
type QueueOption func(*QueueStore)

// WithQueueName selects the row the store reads and writes.
func WithQueueName(name string) QueueOption {
	return func(s *QueueStore) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			s.name = trimmed
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *log.Logger) QueueOption {
	return func(s *QueueStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics reports corruption through metrics.
func WithMetrics(metrics *telemetry.PipelineMetrics) QueueOption {
	return func(s *QueueStore) {
		s.metrics = metrics
	}
}

// NewQueueStore constructs a QueueStore backed by the provided pool.
func NewQueueStore(pool *pgxpool.Pool, sealer seal.Sealer, opts ...QueueOption) *QueueStore {
	s := &QueueStore{
		pool:   pool,
		sealer: sealer,
		name:   defaultQueueName,
		logger: log.New(os.Stdout, "storage/postgres ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// LoadEvents implements analytics.Store. Only connectivity failures are
// returned; an unreadable payload is deleted and reported as an empty queue.
func (s *QueueStore) LoadEvents(ctx context.Context) ([]analytics.Event, error) {
	if s.pool == nil {
		return nil, storageError("load queue", errNilPool)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.pool.QueryRow(ctx, queueLoadSQL, s.name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return []analytics.Event{}, nil
	}
	if err != nil {
		return nil, storageError("load queue", err)
	}
	events, err := s.decode(ctx, payload)
	if err != nil {
		if _, execErr := s.pool.Exec(ctx, queueDeleteSQL, s.name); execErr != nil {
			s.logger.Printf("warn: delete corrupted queue %q: %v", s.name, execErr)
		}
		return []analytics.Event{}, nil
	}
	return events, nil
}

// Save implements analytics.Store.
func (s *QueueStore) Save(ctx context.Context, events []analytics.Event) error {
	if s.pool == nil {
		return storageError("save queue", errNilPool)
	}
	blob, err := queuecodec.Encode(s.sealer, events)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.pool.Exec(ctx, queueUpsertSQL, s.name, blob); err != nil {
		return storageError("save queue", err)
	}
	return nil
}

// Delete implements analytics.Store. The read-modify-write runs in one
// transaction holding the row lock, so concurrent processes cannot interleave.
func (s *QueueStore) Delete(ctx context.Context, events []analytics.Event) {
	if events == nil {
		s.DeleteAll(ctx)
		return
	}
	if s.pool == nil {
		s.logger.Printf("warn: delete events: %v", errNilPool)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deleteSubset(ctx, events); err != nil {
		s.logger.Printf("warn: delete events failed, removing queue %q: %v", s.name, err)
		if _, execErr := s.pool.Exec(ctx, queueDeleteSQL, s.name); execErr != nil {
			s.logger.Printf("warn: remove queue %q: %v", s.name, execErr)
		}
	}
}

// DeleteAll implements analytics.Store.
func (s *QueueStore) DeleteAll(ctx context.Context) {
	if s.pool == nil {
		s.logger.Printf("warn: delete queue: %v", errNilPool)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.pool.Exec(ctx, queueDeleteSQL, s.name); err != nil {
		s.logger.Printf("warn: remove queue %q: %v", s.name, err)
	}
}

func (s *QueueStore) deleteSubset(ctx context.Context, events []analytics.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var payload []byte
	err = tx.QueryRow(ctx, queueLoadForUpdateSQL, s.name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock queue: %w", err)
	}

	existing, err := s.decode(ctx, payload)
	if err != nil {
		return err
	}
	remaining := analytics.Without(existing, analytics.LocalIDs(events))
	if len(remaining) == 0 {
		if _, err := tx.Exec(ctx, queueDeleteSQL, s.name); err != nil {
			return fmt.Errorf("delete queue: %w", err)
		}
	} else {
		blob, err := queuecodec.Encode(s.sealer, remaining)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, queueUpsertSQL, s.name, blob); err != nil {
			return fmt.Errorf("save remaining: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *QueueStore) decode(ctx context.Context, payload []byte) ([]analytics.Event, error) {
	events, err := queuecodec.Decode(s.sealer, payload)
	if err != nil {
		s.logger.Printf("warn: discarding unreadable queue %q: %v", s.name, err)
		s.metrics.Corrupted(ctx, backendName)
		return nil, err
	}
	return events, nil
}

func storageError(action string, err error) error {
	return errs.New(component, errs.CodeStorage, errs.WithMessage(action), errs.WithCause(err))
}
