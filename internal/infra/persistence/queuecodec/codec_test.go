package queuecodec

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/beacon/errs"
	"github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/seal"
)

func newSealer(t *testing.T) *seal.AEAD {
	t.Helper()
	sealer, err := seal.FromSecret("codec-test", "")
	require.NoError(t, err)
	return sealer
}

func TestEncodeDecodeSortsNewestFirst(t *testing.T) {
	sealer := newSealer(t)
	events := []analytics.Event{
		analytics.Message("old", analytics.MessageTypeInfo, analytics.SeverityInfo, analytics.WithCreatedAt(10)),
		analytics.Message("new", analytics.MessageTypeInfo, analytics.SeverityInfo, analytics.WithCreatedAt(20)),
	}

	blob, err := Encode(sealer, events)
	require.NoError(t, err)

	decoded, err := Decode(sealer, blob)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, events[1].LocalID, decoded[0].LocalID)
	require.Equal(t, events[0].LocalID, decoded[1].LocalID)
	require.JSONEq(t, string(events[0].Properties), string(decoded[1].Properties))
}

func TestEncodeEmptyQueue(t *testing.T) {
	sealer := newSealer(t)
	blob, err := Encode(sealer, nil)
	require.NoError(t, err)
	decoded, err := Decode(sealer, blob)
	require.NoError(t, err)
	require.Empty(t, decoded)
	require.NotNil(t, decoded)
}

func TestDecodeCorruption(t *testing.T) {
	sealer := newSealer(t)

	_, err := Decode(sealer, nil)
	require.True(t, IsCorruption(err))

	_, err = Decode(sealer, []byte("definitely not sealed"))
	require.True(t, IsCorruption(err))
	require.True(t, errs.IsCode(err, errs.CodeCorrupt))

	garbage, err := sealer.Seal([]byte("{not json"))
	require.NoError(t, err)
	_, err = Decode(sealer, garbage)
	require.True(t, IsCorruption(err))

	invalid, err := json.Marshal([]analytics.Event{{Type: analytics.EventTypeUI}})
	require.NoError(t, err)
	blob, err := sealer.Seal(invalid)
	require.NoError(t, err)
	_, err = Decode(sealer, blob)
	require.True(t, IsCorruption(err))
	require.True(t, errs.IsCode(err, errs.CodeCorrupt))
	require.False(t, errs.IsStorage(err))
	require.Contains(t, err.Error(), "missing localId")
}

func TestNilSealer(t *testing.T) {
	_, err := Encode(nil, nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = Decode(nil, []byte("x"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	require.False(t, IsCorruption(err))
}
