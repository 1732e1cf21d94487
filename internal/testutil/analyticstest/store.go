// Package analyticstest provides in-memory doubles for the analytics pipeline.
package analyticstest

import (
	"context"
	"sync"

	"github.com/coachpo/beacon/internal/domain/analytics"
)

// MemoryStore is an analytics.Store kept in memory. Hooks run after the
// corresponding operation, outside the store lock.
type MemoryStore struct {
	mu      sync.Mutex
	events  []analytics.Event
	saveErr error
	loadErr error
	saves   int
	deletes int
	wipes   int

	OnDeleteEvents func(events []analytics.Event)
	OnDeleteAll    func()
}

// NewMemoryStore returns a store seeded with events.
func NewMemoryStore(events ...analytics.Event) *MemoryStore {
	s := new(MemoryStore)
	if len(events) > 0 {
		s.events = append([]analytics.Event(nil), events...)
		analytics.SortNewestFirst(s.events)
	}
	return s
}

// FailSaves makes subsequent saves return err; nil restores normal behaviour.
func (s *MemoryStore) FailSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

// FailLoads makes subsequent loads return err; nil restores normal behaviour.
func (s *MemoryStore) FailLoads(err error) {
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
}

// LoadEvents implements analytics.Store.
func (s *MemoryStore) LoadEvents(context.Context) ([]analytics.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]analytics.Event{}, s.events...), nil
}

// Save implements analytics.Store.
func (s *MemoryStore) Save(_ context.Context, events []analytics.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.events = append([]analytics.Event(nil), events...)
	analytics.SortNewestFirst(s.events)
	return nil
}

// Delete implements analytics.Store.
func (s *MemoryStore) Delete(ctx context.Context, events []analytics.Event) {
	if events == nil {
		s.DeleteAll(ctx)
		return
	}
	s.mu.Lock()
	s.deletes++
	s.events = analytics.Without(s.events, analytics.LocalIDs(events))
	hook := s.OnDeleteEvents
	s.mu.Unlock()
	if hook != nil {
		hook(events)
	}
}

// DeleteAll implements analytics.Store.
func (s *MemoryStore) DeleteAll(context.Context) {
	s.mu.Lock()
	s.wipes++
	s.events = nil
	hook := s.OnDeleteAll
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Events returns a snapshot of the queue, newest first.
func (s *MemoryStore) Events() []analytics.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]analytics.Event(nil), s.events...)
}

// Len returns the queue length.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Wipes returns how many times the whole queue was removed.
func (s *MemoryStore) Wipes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wipes
}

// Deletes returns how many subset deletions ran.
func (s *MemoryStore) Deletes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}
