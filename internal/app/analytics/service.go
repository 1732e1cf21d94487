// Package analytics coordinates recording, persisting and delivering
// analytics events.
//
// All read-modify-write sequences on the store run under a single mutex so
// concurrent callers never lose events. Network sends happen outside that
// lock; only their outcome is applied back under it.
package analytics

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/beacon/errs"
	domain "github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/telemetry"
	"github.com/coachpo/beacon/lib/async"
)

const component = "app/analytics"

// Service is the analytics pipeline coordinator.
type Service struct {
	store     domain.Store
	transport domain.Transport
	tokens    domain.TokenSource
	logger    *log.Logger
	metrics   *telemetry.PipelineMetrics
	debug     bool

	batchSize        int
	sdkLogsURL       string
	failureThreshold uint
	workers          int
	queueDepth       int
	maxConcurrency   int

	pool       *async.Pool
	background conc.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	mu           sync.Mutex
	isSyncing    bool
	failureCount uint
	closed       bool
}

// New constructs a Service over store and transport.
func New(store domain.Store, transport domain.Transport, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("store required"))
	}
	if transport == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("transport required"))
	}
	s := &Service{
		store:            store,
		transport:        transport,
		tokens:           domain.NoToken,
		logger:           log.New(os.Stdout, "analytics ", log.LstdFlags|log.Lmicroseconds),
		batchSize:        DefaultBatchSize,
		sdkLogsURL:       DefaultSDKLogsURL,
		failureThreshold: DefaultFailureThreshold,
		workers:          defaultWorkers,
		queueDepth:       defaultQueueDepth,
		maxConcurrency:   defaultMaxConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	pool, err := async.NewPool(s.workers, s.queueDepth, async.WithErrorHandler(func(err error) {
		s.logger.Printf("warn: background task failed: %v", err)
	}))
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Record merges events into the persisted queue. Events already queued under
// the same LocalID are ignored. When the number of sendable events reaches the
// batch size a sync starts in the background.
func (s *Service) Record(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, evt := range events {
		if !evt.Valid() {
			return errs.New(component, errs.CodeInvalid,
				errs.WithMessage("event missing localId or createdAt"),
				errs.WithField("localId", evt.LocalID))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.store.LoadEvents(ctx)
	if err != nil {
		return err
	}
	merged, added := domain.Merge(events, existing)
	if added > 0 {
		if err := s.store.Save(ctx, merged); err != nil {
			return err
		}
		s.metrics.Recorded(ctx, added)
	}
	if s.debug {
		s.logger.Printf("debug: recorded %d new events, %d queued", added, len(merged))
	}

	if s.closed || s.isSyncing {
		return nil
	}
	_, hasToken := s.tokens.Token()
	if len(s.eligible(merged, hasToken)) < s.batchSize {
		return nil
	}
	s.isSyncing = true
	s.startBatchSync()
	return nil
}

// Fire records events asynchronously. Failures are logged, never returned.
func (s *Service) Fire(events ...domain.Event) {
	if len(events) == 0 {
		return
	}
	batch := append([]domain.Event(nil), events...)
	accepted := s.pool.TrySubmit(func(ctx context.Context) error {
		if err := s.Record(ctx, batch...); err != nil {
			s.logger.Printf("warn: fire: record %d events: %v", len(batch), err)
		}
		return nil
	})
	if accepted {
		return
	}
	if s.isClosed() {
		s.logger.Printf("warn: fire: service closed, dropping %d events", len(batch))
		s.metrics.Shed(context.Background(), telemetry.ShedReasonClosed, len(batch))
		return
	}
	s.logger.Printf("warn: fire: worker pool saturated, dropping %d events", len(batch))
	s.metrics.Shed(context.Background(), telemetry.ShedReasonSaturated, len(batch))
}

// Flush sends every queued event regardless of the batch size and returns the
// combined delivery errors.
func (s *Service) Flush(ctx context.Context) error {
	return s.syncLoop(ctx, true)
}

// Drain schedules a flush in the background.
func (s *Service) Drain() {
	accepted := s.pool.TrySubmit(func(ctx context.Context) error {
		if err := s.Flush(ctx); err != nil {
			s.logger.Printf("warn: drain: %v", err)
		}
		return nil
	})
	switch {
	case accepted:
	case s.isClosed():
		s.logger.Printf("warn: drain: service closed, skipping")
	default:
		s.logger.Printf("warn: drain: worker pool saturated, skipping")
	}
}

// Clear removes the persisted queue.
func (s *Service) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.DeleteAll(ctx)
}

// Pending returns the number of queued events.
func (s *Service) Pending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, err := s.store.LoadEvents(ctx)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// FailureCount returns the number of consecutive failed sends.
func (s *Service) FailureCount() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCount
}

// closed is set before the pool shuts down, so a rejection seen after it is
// set is never mistaken for saturation.
func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Syncing reports whether a batch sync is running.
func (s *Service) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSyncing
}

// Close stops accepting background work and waits for queued and running
// work. When ctx expires first, in-flight sends are cancelled.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.pool.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()
	return err
}

// startBatchSync runs a batch sync on its own goroutine. Callers hold mu and
// have claimed isSyncing, so at most one such goroutine exists.
func (s *Service) startBatchSync() {
	s.background.Go(func() {
		if err := s.syncLoop(s.ctx, false); err != nil {
			s.logger.Printf("warn: batch sync: %v", err)
		}
	})
}

// eligible filters events that can be sent now, preserving order.
func (s *Service) eligible(events []domain.Event, hasToken bool) []domain.Event {
	if hasToken {
		return events
	}
	out := make([]domain.Event, 0, len(events))
	for _, evt := range events {
		if !evt.RequiresAuth() {
			out = append(out, evt)
		}
	}
	return out
}
