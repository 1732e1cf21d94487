package analyticstest

import (
	"context"
	"sync"

	"github.com/coachpo/beacon/errs"
	"github.com/coachpo/beacon/internal/domain/analytics"
)

// Batch is one recorded Send call.
type Batch struct {
	Destination analytics.Destination
	Token       string
	Events      []analytics.Event
}

// RecordingTransport is an analytics.Transport that records every batch.
// OnSend, when set, decides the outcome of each call.
type RecordingTransport struct {
	mu      sync.Mutex
	batches []Batch

	OnSend func(ctx context.Context, batch Batch) error
}

// Send implements analytics.Transport. Like real transports it refuses
// auth-required destinations without a token.
func (t *RecordingTransport) Send(ctx context.Context, events []analytics.Event, dst analytics.Destination, token string) error {
	if dst.RequiresAuth && token == "" {
		return errs.New("transport/test", errs.CodeAuth, errs.WithDestination(dst.URL))
	}
	batch := Batch{Destination: dst, Token: token, Events: append([]analytics.Event(nil), events...)}
	t.mu.Lock()
	t.batches = append(t.batches, batch)
	hook := t.OnSend
	t.mu.Unlock()
	if hook != nil {
		return hook(ctx, batch)
	}
	return nil
}

// Batches returns the recorded batches in call order.
func (t *RecordingTransport) Batches() []Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Batch(nil), t.batches...)
}

// SentEvents returns every event from every recorded batch.
func (t *RecordingTransport) SentEvents() []analytics.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []analytics.Event
	for _, b := range t.batches {
		out = append(out, b.Events...)
	}
	return out
}

// FailWith returns an OnSend hook that fails every call with a remote error.
func FailWith(message string) func(context.Context, Batch) error {
	return func(_ context.Context, b Batch) error {
		return errs.New("transport/test", errs.CodeRemote, errs.WithDestination(b.Destination.URL), errs.WithMessage(message))
	}
}
