package analytics

import "context"

// Store persists the pending event queue. Implementations serialise their own
// operations, but callers that read, modify and write the queue must hold
// their own lock around the sequence.
type Store interface {
	// LoadEvents returns the queue newest first. A missing or corrupted queue
	// yields an empty slice and no error; corrupted data is discarded. An
	// error means the backend itself could not be reached.
	LoadEvents(ctx context.Context) ([]Event, error)
	// Save overwrites the whole queue.
	Save(ctx context.Context, events []Event) error
	// Delete removes the given events by LocalID. A nil slice removes the
	// whole queue. When the remainder cannot be persisted the queue is
	// removed entirely.
	Delete(ctx context.Context, events []Event)
	// DeleteAll removes the queue. It is idempotent.
	DeleteAll(ctx context.Context)
}
