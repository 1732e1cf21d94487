// Package queuecodec converts the pending analytics queue to and from its
// sealed at-rest representation.
package queuecodec

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/beacon/errs"
	"github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/seal"
)

// CorruptionError reports persisted bytes that cannot be turned back into a
// valid queue. Backends react by discarding the data.
type CorruptionError struct {
	Reason string
	cause  error
}

func (e *CorruptionError) Error() string {
	if e.cause == nil {
		return "queue corrupted: " + e.Reason
	}
	return fmt.Sprintf("queue corrupted: %s: %v", e.Reason, e.cause)
}

func (e *CorruptionError) Unwrap() error { return e.cause }

func corrupt(reason string, cause error) error {
	return errs.New("queuecodec", errs.CodeCorrupt,
		errs.WithMessage("decode queue"),
		errs.WithCause(&CorruptionError{Reason: reason, cause: cause}))
}

// IsCorruption reports whether err is a CorruptionError.
func IsCorruption(err error) bool {
	var target *CorruptionError
	return errors.As(err, &target)
}

// Encode serialises and seals events.
func Encode(sealer seal.Sealer, events []analytics.Event) ([]byte, error) {
	if sealer == nil {
		return nil, errs.New("queuecodec", errs.CodeInvalid, errs.WithMessage("sealer required"))
	}
	if events == nil {
		events = []analytics.Event{}
	}
	plaintext, err := json.Marshal(events)
	if err != nil {
		return nil, errs.New("queuecodec", errs.CodeStorage, errs.WithMessage("encode queue"), errs.WithCause(err))
	}
	blob, err := sealer.Seal(plaintext)
	if err != nil {
		return nil, errs.New("queuecodec", errs.CodeStorage, errs.WithMessage("seal queue"), errs.WithCause(err))
	}
	return blob, nil
}

// Decode opens and parses a sealed queue. Every failure carries
// errs.CodeCorrupt and wraps a *CorruptionError.
// The result is sorted newest first.
func Decode(sealer seal.Sealer, blob []byte) ([]analytics.Event, error) {
	if sealer == nil {
		return nil, errs.New("queuecodec", errs.CodeInvalid, errs.WithMessage("sealer required"))
	}
	if len(blob) == 0 {
		return nil, corrupt("empty blob", nil)
	}
	plaintext, err := sealer.Open(blob)
	if err != nil {
		return nil, corrupt("decrypt", err)
	}
	var events []analytics.Event
	if err := json.Unmarshal(plaintext, &events); err != nil {
		return nil, corrupt("decode", err)
	}
	for i, evt := range events {
		if !evt.Valid() {
			return nil, corrupt(fmt.Sprintf("event %d missing localId or createdAt", i), nil)
		}
	}
	if events == nil {
		events = []analytics.Event{}
	}
	analytics.SortNewestFirst(events)
	return events, nil
}
