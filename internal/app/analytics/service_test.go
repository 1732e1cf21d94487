package analytics

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/beacon/errs"
	domain "github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/telemetry"
	"github.com/coachpo/beacon/internal/testutil/analyticstest"
)

const (
	urlA = "https://collector.example/a"
	urlB = "https://collector.example/b"
)

func newService(t *testing.T, store domain.Store, transport domain.Transport, opts ...Option) *Service {
	t.Helper()
	svc, err := New(store, transport, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func closeService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Close(ctx))
}

func diagnostic(i int) domain.Event {
	return domain.Message(fmt.Sprintf("Test #%d", i), domain.MessageTypeOther, domain.SeverityInfo)
}

func addressed(url string, i int) domain.Event {
	return domain.UI("click", "button", fmt.Sprintf("screen-%d", i), domain.WithAnalyticsURL(url))
}

func TestConcurrentRecordsTriggerSingleDispatch(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	transport := new(analyticstest.RecordingTransport)
	svc := newService(t, store, transport, WithBatchSize(5))

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, svc.Record(context.Background(), diagnostic(i)))
		}()
	}
	wg.Wait()
	closeService(t, svc)

	batches := transport.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 5)
	require.Equal(t, DefaultSDKLogsURL, batches[0].Destination.URL)
	require.False(t, batches[0].Destination.RequiresAuth)
	require.Zero(t, store.Len())
}

func TestBacklogDrainsInBatchSizedPasses(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	transport := new(analyticstest.RecordingTransport)
	svc := newService(t, store, transport, WithBatchSize(5))

	for i := 0; i < 29; i++ {
		require.NoError(t, svc.Record(context.Background(), diagnostic(i)))
	}
	closeService(t, svc)

	require.Len(t, transport.SentEvents(), 25)
	for _, b := range transport.Batches() {
		require.Len(t, b.Events, 5)
	}
	require.Equal(t, 4, store.Len())
	require.False(t, svc.Syncing())
}

func TestBatchSyncSendsOldestEventsFirst(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	transport := new(analyticstest.RecordingTransport)
	svc := newService(t, store, transport, WithBatchSize(3))

	events := []domain.Event{
		domain.Message("first", domain.MessageTypeInfo, domain.SeverityInfo, domain.WithCreatedAt(1000)),
		domain.Message("second", domain.MessageTypeInfo, domain.SeverityInfo, domain.WithCreatedAt(2000)),
	}
	require.NoError(t, svc.Record(context.Background(), events...))
	require.Empty(t, transport.Batches())

	require.NoError(t, svc.Record(context.Background(), domain.Message("third", domain.MessageTypeInfo, domain.SeverityInfo, domain.WithCreatedAt(3000))))
	closeService(t, svc)

	batches := transport.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, []int64{3000, 2000, 1000}, createdAts(batches[0].Events))
}

func TestFlushSendsEverythingAndResetsFailures(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	var failedOnce atomic.Bool
	transport := &analyticstest.RecordingTransport{
		OnSend: func(ctx context.Context, b analyticstest.Batch) error {
			if b.Destination.URL == urlA && failedOnce.CompareAndSwap(false, true) {
				return analyticstest.FailWith("unavailable")(ctx, b)
			}
			return nil
		},
	}
	svc := newService(t, store, transport,
		WithTokenSource(domain.StaticToken("tok")),
		WithMaxConcurrency(1))
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, diagnostic(1), diagnostic(2), addressed(urlA, 1), addressed(urlA, 2)))
	err := svc.Flush(ctx)
	require.Error(t, err)
	require.True(t, errs.IsTransport(err))
	require.Equal(t, uint(1), svc.FailureCount())
	require.Zero(t, store.Len())

	require.NoError(t, svc.Record(ctx, addressed(urlA, 3)))
	require.NoError(t, svc.Flush(ctx))
	require.Zero(t, svc.FailureCount())
	require.Zero(t, store.Len())
}

func TestFailureDiscardsOnlyFailingDestination(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	ctx := context.Background()
	late := addressed(urlB, 99)
	var svc *Service
	transport := &analyticstest.RecordingTransport{
		OnSend: func(sendCtx context.Context, b analyticstest.Batch) error {
			if b.Destination.URL != urlA {
				return nil
			}
			// Arrives while the send to A is in flight and must survive A's failure.
			require.NoError(t, svc.Record(ctx, late))
			return analyticstest.FailWith("bad gateway")(sendCtx, b)
		},
	}
	svc = newService(t, store, transport,
		WithTokenSource(domain.StaticToken("tok")),
		WithMaxConcurrency(1))

	require.NoError(t, svc.Record(ctx, addressed(urlA, 1), addressed(urlA, 2), diagnostic(1)))
	err := svc.Flush(ctx)
	require.Error(t, err)

	remaining := store.Events()
	require.Len(t, remaining, 1)
	require.Equal(t, late.LocalID, remaining[0].LocalID)
	require.Equal(t, uint(1), svc.FailureCount())
	require.Zero(t, store.Wipes())
}

func TestFailureThresholdDiscardsWholeQueue(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	transport := &analyticstest.RecordingTransport{OnSend: analyticstest.FailWith("down")}
	svc := newService(t, store, transport, WithFailureThreshold(3))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		// The addressed event needs a token and is never sent, so only the
		// threshold can remove it.
		require.NoError(t, svc.Record(ctx, diagnostic(i), addressed(urlA, i)))
		require.Error(t, svc.Flush(ctx))
		if i < 3 {
			require.Equal(t, uint(i), svc.FailureCount())
			require.Equal(t, i, store.Len())
		}
	}
	require.Zero(t, svc.FailureCount())
	require.Equal(t, 1, store.Wipes())
	require.Zero(t, store.Len())
}

func TestBatchSyncFailuresAccumulateToThreshold(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	var wiped atomic.Int32
	store.OnDeleteAll = func() { wiped.Add(1) }
	transport := &analyticstest.RecordingTransport{OnSend: analyticstest.FailWith("down")}
	svc := newService(t, store, transport, WithBatchSize(2), WithFailureThreshold(3))
	ctx := context.Background()

	settled := func() bool { return !svc.Syncing() && store.Len() == 0 }
	for round := 1; round <= 3; round++ {
		require.NoError(t, svc.Record(ctx, diagnostic(2*round), diagnostic(2*round+1)))
		require.Eventually(t, settled, 5*time.Second, 5*time.Millisecond)
		if round < 3 {
			require.Equal(t, uint(round), svc.FailureCount())
			require.Equal(t, round, store.Deletes())
			require.Zero(t, store.Wipes())
		}
	}

	require.Len(t, transport.Batches(), 3)
	require.Zero(t, svc.FailureCount())
	require.False(t, svc.Syncing())
	require.Equal(t, 1, store.Wipes())
	require.Equal(t, int32(1), wiped.Load())
}

func TestDeliveredAndShedEventsAreDeleted(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	var mu sync.Mutex
	var deleted [][]string
	store.OnDeleteEvents = func(events []domain.Event) {
		ids := make([]string, 0, len(events))
		for _, evt := range events {
			ids = append(ids, evt.LocalID)
		}
		mu.Lock()
		deleted = append(deleted, ids)
		mu.Unlock()
	}
	transport := &analyticstest.RecordingTransport{
		OnSend: func(ctx context.Context, b analyticstest.Batch) error {
			if b.Destination.URL == urlA {
				return analyticstest.FailWith("bad gateway")(ctx, b)
			}
			return nil
		},
	}
	svc := newService(t, store, transport,
		WithTokenSource(domain.StaticToken("tok")),
		WithMaxConcurrency(1))
	ctx := context.Background()

	d1, a1, a2 := diagnostic(1), addressed(urlA, 1), addressed(urlA, 2)
	require.NoError(t, svc.Record(ctx, d1, a1, a2))
	require.Error(t, svc.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deleted, 2)
	require.Equal(t, []string{d1.LocalID}, deleted[0])
	require.ElementsMatch(t, []string{a1.LocalID, a2.LocalID}, deleted[1])
	require.Equal(t, 2, store.Deletes())
	require.Zero(t, store.Wipes())
	require.Zero(t, store.Len())
}

func TestLoadFailuresSurfaceAsStorageErrors(t *testing.T) {
	store := analyticstest.NewMemoryStore(diagnostic(1))
	svc := newService(t, store, new(analyticstest.RecordingTransport))
	ctx := context.Background()
	store.FailLoads(errs.New("storage/test", errs.CodeStorage, errs.WithMessage("connection refused")))

	err := svc.Record(ctx, diagnostic(2))
	require.True(t, errs.IsStorage(err))

	err = svc.Flush(ctx)
	require.True(t, errs.IsStorage(err))

	_, err = svc.Pending(ctx)
	require.True(t, errs.IsStorage(err))
	require.Zero(t, svc.FailureCount())

	store.FailLoads(nil)
	require.Equal(t, 1, store.Len())
}

func TestLoadFailureEndsBatchSyncLoop(t *testing.T) {
	seed := make([]domain.Event, 0, 5)
	for i := 0; i < 5; i++ {
		seed = append(seed, diagnostic(i))
	}
	store := analyticstest.NewMemoryStore(seed...)
	store.OnDeleteEvents = func([]domain.Event) {
		store.FailLoads(errs.New("storage/test", errs.CodeStorage, errs.WithMessage("connection lost")))
	}
	transport := new(analyticstest.RecordingTransport)
	svc := newService(t, store, transport, WithBatchSize(2))

	require.NoError(t, svc.Record(context.Background(), diagnostic(5)))
	closeService(t, svc)

	require.Len(t, transport.Batches(), 1)
	require.False(t, svc.Syncing())
	store.FailLoads(nil)
	require.Equal(t, 4, store.Len())
}

func TestRecordIsIdempotent(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	svc := newService(t, store, new(analyticstest.RecordingTransport))
	ctx := context.Background()

	evt := diagnostic(1)
	require.NoError(t, svc.Record(ctx, evt))
	require.NoError(t, svc.Record(ctx, evt, evt))

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestConcurrentRecordsLoseNothing(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	svc := newService(t, store, new(analyticstest.RecordingTransport), WithBatchSize(10_000))

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				require.NoError(t, svc.Record(context.Background(), diagnostic(w*perWriter+i)))
			}
		}()
	}
	wg.Wait()

	pending, err := svc.Pending(context.Background())
	require.NoError(t, err)
	require.Equal(t, writers*perWriter, pending)
}

func TestAuthEventsWaitForToken(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	transport := new(analyticstest.RecordingTransport)
	tokens := domain.NewTokenHolder("")
	svc := newService(t, store, transport, WithBatchSize(2), WithTokenSource(tokens))
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, addressed(urlA, 1), addressed(urlA, 2), addressed(urlA, 3)))
	require.False(t, svc.Syncing())
	require.NoError(t, svc.Flush(ctx))
	require.Empty(t, transport.Batches())
	require.Equal(t, 3, store.Len())

	tokens.Set("tok")
	require.NoError(t, svc.Flush(ctx))
	batches := transport.Batches()
	require.Len(t, batches, 2)
	require.Len(t, batches[0].Events, 2)
	require.Len(t, batches[1].Events, 1)
	for _, b := range batches {
		require.Equal(t, "tok", b.Token)
		require.Equal(t, domain.Destination{URL: urlA, RequiresAuth: true}, b.Destination)
	}
	require.Zero(t, store.Len())
}

func TestDestinationsAreSentSeparately(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	transport := new(analyticstest.RecordingTransport)
	svc := newService(t, store, transport, WithTokenSource(domain.StaticToken("tok")))
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, addressed(urlA, 1), addressed(urlB, 1), diagnostic(1), addressed(urlA, 2)))
	require.NoError(t, svc.Flush(ctx))

	perURL := make(map[string]int)
	for _, b := range transport.Batches() {
		for _, evt := range b.Events {
			if b.Destination.URL == DefaultSDKLogsURL {
				require.Empty(t, evt.AnalyticsURL)
			} else {
				require.Equal(t, b.Destination.URL, evt.AnalyticsURL)
			}
		}
		perURL[b.Destination.URL] += len(b.Events)
	}
	require.Equal(t, map[string]int{urlA: 2, urlB: 1, DefaultSDKLogsURL: 1}, perURL)
}

func TestCancelledSendDoesNotCountAsFailure(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := &analyticstest.RecordingTransport{
		OnSend: func(sendCtx context.Context, _ analyticstest.Batch) error {
			cancel()
			return sendCtx.Err()
		},
	}
	svc := newService(t, store, transport)

	require.NoError(t, svc.Record(context.Background(), diagnostic(1), diagnostic(2)))
	require.ErrorIs(t, svc.Flush(ctx), context.Canceled)
	require.Zero(t, svc.FailureCount())
	require.Equal(t, 2, store.Len())
}

func TestRecordReturnsStorageErrors(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	store.FailSaves(errs.New("storage/test", errs.CodeStorage, errs.WithMessage("disk full")))
	svc := newService(t, store, new(analyticstest.RecordingTransport))

	err := svc.Record(context.Background(), diagnostic(1))
	require.True(t, errs.IsStorage(err))

	err = svc.Record(context.Background(), domain.Event{})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestFireAndDrainRunInBackground(t *testing.T) {
	store := analyticstest.NewMemoryStore()
	transport := new(analyticstest.RecordingTransport)
	svc := newService(t, store, transport, WithWorkers(1, 8))

	svc.Fire(diagnostic(1), diagnostic(2))
	svc.Fire(diagnostic(3))
	svc.Drain()
	closeService(t, svc)

	require.Len(t, transport.SentEvents(), 3)
	require.Zero(t, store.Len())
}

func TestFireAfterCloseIsNotSaturation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := telemetry.NewPipelineMetrics(provider.Meter("test"))
	require.NoError(t, err)

	var logs bytes.Buffer
	store := analyticstest.NewMemoryStore()
	svc := newService(t, store, new(analyticstest.RecordingTransport),
		WithLogger(log.New(&logs, "", 0)),
		WithMetrics(metrics))
	closeService(t, svc)

	svc.Fire(diagnostic(1), diagnostic(2))
	svc.Drain()

	require.Contains(t, logs.String(), "fire: service closed, dropping 2 events")
	require.Contains(t, logs.String(), "drain: service closed")
	require.NotContains(t, logs.String(), "saturated")
	require.Zero(t, store.Len())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	reasons := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != telemetry.MetricEventsShed {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				reason, _ := dp.Attributes.Value(telemetry.AttrReason)
				reasons[reason.AsString()] += dp.Value
			}
		}
	}
	require.Equal(t, map[string]int64{telemetry.ShedReasonClosed: 2}, reasons)
}

func TestClearRemovesQueue(t *testing.T) {
	store := analyticstest.NewMemoryStore(diagnostic(1), diagnostic(2))
	svc := newService(t, store, new(analyticstest.RecordingTransport))

	svc.Clear(context.Background())
	svc.Clear(context.Background())
	pending, err := svc.Pending(context.Background())
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, new(analyticstest.RecordingTransport))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = New(analyticstest.NewMemoryStore(), nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func createdAts(events []domain.Event) []int64 {
	out := make([]int64, len(events))
	for i, evt := range events {
		out[i] = evt.CreatedAt
	}
	return out
}
