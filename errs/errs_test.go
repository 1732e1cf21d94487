package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesDestinationAndFields(t *testing.T) {
	err := New(
		"transport/http",
		CodeRemote,
		WithHTTP(503),
		WithDestination("https://collector.example/sdk-logs"),
		WithMessage("collector unavailable"),
		WithField("attempts", "3"),
		WithField("batch", "5"),
		WithRemediation("events are retried on the next sync"),
		WithCause(errors.New("http 503")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=transport/http") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=remote") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=503") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, `destination="https://collector.example/sdk-logs"`) {
		t.Fatalf("expected destination in error string: %s", out)
	}
	expectedFields := `fields=attempts="3",batch="5"`
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, `cause="http 503"`) {
		t.Fatalf("expected cause in error string: %s", out)
	}
}

func TestErrorDefaultsUnknownComponent(t *testing.T) {
	err := New("  ", "")
	out := err.Error()
	if !strings.Contains(out, "component=unknown") || !strings.Contains(out, "code=unknown") {
		t.Fatalf("unexpected defaults: %s", out)
	}
	var nilErr *E
	if nilErr.Error() != "<nil>" {
		t.Fatalf("expected nil marker")
	}
}

func TestUnwrapAndClassification(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("save queue: %w", New("storage/file", CodeStorage, WithCause(cause)))

	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through the envelope")
	}
	if !IsStorage(err) {
		t.Fatalf("expected storage classification")
	}
	if IsTransport(err) {
		t.Fatalf("storage failure must not classify as transport")
	}

	for _, code := range []Code{CodeNetwork, CodeRemote, CodeAuth} {
		if !IsTransport(New("transport/http", code)) {
			t.Fatalf("expected %s to classify as transport", code)
		}
	}
	if IsTransport(errors.New("plain")) {
		t.Fatalf("plain errors carry no code")
	}
	if _, ok := CodeOf(nil); ok {
		t.Fatalf("nil error carries no code")
	}
}
