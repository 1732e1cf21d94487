package postgres

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/coachpo/beacon/errs"
	"github.com/coachpo/beacon/internal/domain/analytics"
)

func TestQueueStoreNilPool(t *testing.T) {
	store := NewQueueStore(nil, nil, WithLogger(log.New(io.Discard, "", 0)))
	ctx := context.Background()

	if _, err := store.LoadEvents(ctx); err == nil || !errs.IsStorage(err) {
		t.Fatalf("expected storage error when pool nil, got %v", err)
	}
	evt := analytics.Message("x", analytics.MessageTypeInfo, analytics.SeverityInfo)
	if err := store.Save(ctx, []analytics.Event{evt}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	store.Delete(ctx, []analytics.Event{evt})
	store.Delete(ctx, nil)
	store.DeleteAll(ctx)
}

func TestQueueNameOption(t *testing.T) {
	store := NewQueueStore(nil, nil)
	if store.name != defaultQueueName {
		t.Fatalf("expected default queue name, got %q", store.name)
	}
	store = NewQueueStore(nil, nil, WithQueueName("  checkout "))
	if store.name != "checkout" {
		t.Fatalf("expected trimmed queue name, got %q", store.name)
	}
	store = NewQueueStore(nil, nil, WithQueueName(" "))
	if store.name != defaultQueueName {
		t.Fatalf("blank name must keep default, got %q", store.name)
	}
}

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := Connect(context.Background(), PoolConfig{}); err == nil {
		t.Fatalf("expected dsn error")
	}
	if _, err := Connect(context.Background(), PoolConfig{DSN: "postgres://%zz"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
