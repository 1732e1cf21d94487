package analytics

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/beacon/errs"
	domain "github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/telemetry"
)

// sendGroup holds the batches bound for one destination. key is the
// AnalyticsURL shared by the group's events; diagnostics use "".
type sendGroup struct {
	key     string
	dst     domain.Destination
	batches [][]domain.Event
}

// syncLoop runs sync passes until the backlog drops below the batch size or
// a pass removes nothing. Non-flush callers must have claimed isSyncing; the
// claim is released under the same lock as the final backlog check so a
// concurrent Record either sees the guard cleared or the loop continues.
func (s *Service) syncLoop(ctx context.Context, flush bool) error {
	claimed := !flush
	defer func() {
		if claimed {
			s.mu.Lock()
			s.isSyncing = false
			s.mu.Unlock()
		}
	}()

	var failures []error
	for {
		removed, err := s.syncPass(ctx, flush)
		if err != nil {
			failures = append(failures, err)
		}

		s.mu.Lock()
		again := removed > 0 && ctx.Err() == nil && s.backlogReached(ctx)
		if !again && claimed {
			s.isSyncing = false
			claimed = false
		}
		s.mu.Unlock()
		if !again {
			return errors.Join(failures...)
		}
		if s.debug {
			s.logger.Printf("debug: sync: backlog still at batch size, running another pass")
		}
	}
}

// backlogReached reports whether enough sendable events are queued for
// another pass. Callers hold mu.
func (s *Service) backlogReached(ctx context.Context) bool {
	queue, err := s.store.LoadEvents(ctx)
	if err != nil {
		return false
	}
	_, hasToken := s.tokens.Token()
	return len(s.eligible(queue, hasToken)) >= s.batchSize
}

// syncPass sends one selection of the queue and returns how many events it
// removed from the store, whether delivered or shed.
func (s *Service) syncPass(ctx context.Context, flush bool) (int, error) {
	s.mu.Lock()
	queue, err := s.store.LoadEvents(ctx)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	token, hasToken := s.tokens.Token()
	selected := queue
	if !flush {
		selected = s.oldestEligible(queue, hasToken)
	}
	if len(selected) == 0 {
		s.logger.Printf("warn: sync: no events to send")
		return 0, nil
	}

	var removed atomic.Int64
	p := pool.New().WithErrors().WithMaxGoroutines(s.maxConcurrency)
	for _, group := range s.partition(selected) {
		p.Go(func() error {
			for _, batch := range group.batches {
				n, err := s.dispatch(ctx, group, batch, token, hasToken)
				removed.Add(int64(n))
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	err = p.Wait()
	return int(removed.Load()), err
}

// oldestEligible returns up to batchSize of the oldest sendable events.
// queue is newest first, so they sit at its tail.
func (s *Service) oldestEligible(queue []domain.Event, hasToken bool) []domain.Event {
	eligible := s.eligible(queue, hasToken)
	if len(eligible) > s.batchSize {
		return eligible[len(eligible)-s.batchSize:]
	}
	return eligible
}

// partition groups events by destination. Diagnostics form a single batch to
// the SDK logs endpoint; analytics URLs are chunked by batch size and kept
// in first-seen order.
func (s *Service) partition(events []domain.Event) []sendGroup {
	var diagnostics []domain.Event
	var order []string
	byURL := make(map[string][]domain.Event)
	for _, evt := range events {
		if evt.AnalyticsURL == "" {
			diagnostics = append(diagnostics, evt)
			continue
		}
		if _, ok := byURL[evt.AnalyticsURL]; !ok {
			order = append(order, evt.AnalyticsURL)
		}
		byURL[evt.AnalyticsURL] = append(byURL[evt.AnalyticsURL], evt)
	}

	groups := make([]sendGroup, 0, len(order)+1)
	if len(diagnostics) > 0 {
		groups = append(groups, sendGroup{
			dst:     domain.Destination{URL: s.sdkLogsURL},
			batches: [][]domain.Event{diagnostics},
		})
	}
	for _, url := range order {
		groups = append(groups, sendGroup{
			key:     url,
			dst:     domain.Destination{URL: url, RequiresAuth: true},
			batches: domain.Chunk(byURL[url], s.batchSize),
		})
	}
	return groups
}

// dispatch sends one batch and applies the outcome to the store.
func (s *Service) dispatch(ctx context.Context, group sendGroup, batch []domain.Event, token string, hasToken bool) (int, error) {
	if group.dst.RequiresAuth && !hasToken {
		if s.debug {
			s.logger.Printf("debug: sync: no client token, leaving %d events for %s queued", len(batch), group.dst.URL)
		}
		return 0, nil
	}

	start := time.Now()
	err := s.transport.Send(ctx, batch, group.dst, token)
	elapsed := time.Since(start)
	if err == nil {
		return s.delivered(ctx, group, batch, elapsed), nil
	}
	s.metrics.Failed(ctx, group.dst.URL, group.dst.RequiresAuth, errorType(err), elapsed)
	if ctx.Err() != nil {
		return 0, err
	}
	return s.failed(ctx, group, err), err
}

func (s *Service) delivered(ctx context.Context, group sendGroup, batch []domain.Event, elapsed time.Duration) int {
	storeCtx := context.WithoutCancel(ctx)
	s.mu.Lock()
	s.store.Delete(storeCtx, batch)
	s.failureCount = 0
	s.mu.Unlock()

	s.metrics.Sent(ctx, group.dst.URL, group.dst.RequiresAuth, len(batch), elapsed)
	if s.debug {
		s.logger.Printf("debug: sync: delivered %d events to %s", len(batch), group.dst.URL)
	}
	return len(batch)
}

// failed counts a failed send and sheds events: all of them once the failure
// threshold is reached, otherwise those addressed to the failing destination.
func (s *Service) failed(ctx context.Context, group sendGroup, cause error) int {
	storeCtx := context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	queue, err := s.store.LoadEvents(storeCtx)
	if err != nil {
		queue = nil
	}

	if s.failureCount >= s.failureThreshold {
		s.logger.Printf("warn: sync: %d consecutive failures, discarding %d queued events: %v",
			s.failureCount, len(queue), cause)
		s.store.DeleteAll(storeCtx)
		s.failureCount = 0
		s.metrics.Shed(ctx, telemetry.ShedReasonThreshold, len(queue))
		return len(queue)
	}

	addressed := domain.AddressedTo(queue, group.key)
	if len(addressed) > 0 {
		s.store.Delete(storeCtx, addressed)
	}
	s.logger.Printf("warn: sync: send to %s failed (%d/%d), discarding %d events: %v",
		group.dst.URL, s.failureCount, s.failureThreshold, len(addressed), cause)
	s.metrics.Shed(ctx, telemetry.ShedReasonDestinationFailed, len(addressed))
	return len(addressed)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	if code, ok := errs.CodeOf(err); ok {
		return string(code)
	}
	return "unknown"
}
