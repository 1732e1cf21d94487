package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/coachpo/beacon/errs"
	domain "github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/config"
)

type fakePipeline struct {
	mu       sync.Mutex
	recorded []domain.Event
	fired    []domain.Event
	cleared  int
	drained  int
	flushErr error
	recErr   error
	failures uint
}

func (p *fakePipeline) Record(_ context.Context, events ...domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recErr != nil {
		return p.recErr
	}
	p.recorded = append(p.recorded, events...)
	return nil
}

func (p *fakePipeline) Fire(events ...domain.Event) {
	p.mu.Lock()
	p.fired = append(p.fired, events...)
	p.mu.Unlock()
}

func (p *fakePipeline) Flush(context.Context) error { return p.flushErr }

func (p *fakePipeline) Drain() {
	p.mu.Lock()
	p.drained++
	p.mu.Unlock()
}

func (p *fakePipeline) Clear(context.Context) {
	p.mu.Lock()
	p.cleared++
	p.recorded = nil
	p.mu.Unlock()
}

func (p *fakePipeline) Pending(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recorded), nil
}

func (p *fakePipeline) FailureCount() uint { return p.failures }

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRecordEvents(t *testing.T) {
	pipeline := new(fakePipeline)
	h := NewHandler(config.EnvDev, pipeline, nil)

	body := `[
  {"type":"MESSAGE_EVENT","properties":{"message":"hi"}},
  {"type":"UI_EVENT","localId":"fixed-id","analyticsUrl":"https://collector.example/a","checkoutSessionId":"cs"}
]`
	rec := serve(t, h, http.MethodPost, "/v1/events", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["recorded"]; got != float64(2) {
		t.Fatalf("expected recorded=2, got %v", got)
	}
	if len(pipeline.recorded) != 2 {
		t.Fatalf("expected 2 recorded events, got %d", len(pipeline.recorded))
	}
	ui := pipeline.recorded[1]
	if ui.LocalID != "fixed-id" || !ui.RequiresAuth() || ui.CheckoutSessionID != "cs" {
		t.Fatalf("unexpected event %+v", ui)
	}
	if pipeline.recorded[0].LocalID == "" || pipeline.recorded[0].CreatedAt == 0 {
		t.Fatalf("expected generated identity, got %+v", pipeline.recorded[0])
	}
	if string(pipeline.recorded[0].Properties) != `{"message":"hi"}` {
		t.Fatalf("unexpected properties %s", pipeline.recorded[0].Properties)
	}
}

func TestRecordSingleObjectAndFire(t *testing.T) {
	pipeline := new(fakePipeline)
	h := NewHandler(config.EnvDev, pipeline, nil)

	rec := serve(t, h, http.MethodPost, "/v1/events:fire", `{"type":"TIMER_EVENT"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(pipeline.fired) != 1 || pipeline.fired[0].Type != domain.EventTypeTimer {
		t.Fatalf("expected one fired timer event, got %+v", pipeline.fired)
	}
}

func TestRecordRejectsBadInput(t *testing.T) {
	h := NewHandler(config.EnvDev, new(fakePipeline), nil)
	for name, body := range map[string]string{
		"empty":        "",
		"empty array":  "[]",
		"unknown type": `[{"type":"BOGUS"}]`,
		"malformed":    `{"type":`,
	} {
		rec := serve(t, h, http.MethodPost, "/v1/events", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}

	huge := `{"type":"MESSAGE_EVENT","properties":"` + strings.Repeat("x", int(maxJSONBodyBytes)) + `"}`
	rec := serve(t, h, http.MethodPost, "/v1/events", huge)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRecordStorageFailure(t *testing.T) {
	pipeline := &fakePipeline{recErr: errs.New("storage/file", errs.CodeStorage, errs.WithMessage("disk full"))}
	h := NewHandler(config.EnvDev, pipeline, nil)

	rec := serve(t, h, http.MethodPost, "/v1/events", `{"type":"MESSAGE_EVENT"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "error" {
		t.Fatalf("expected error envelope, got %v", body)
	}
}

func TestFlushDrainAndClear(t *testing.T) {
	pipeline := &fakePipeline{flushErr: errs.New("transport/http", errs.CodeRemote, errs.WithHTTP(503))}
	h := NewHandler(config.EnvDev, pipeline, nil)

	if rec := serve(t, h, http.MethodPost, "/v1/flush", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for failed flush, got %d", rec.Code)
	}
	pipeline.flushErr = nil
	if rec := serve(t, h, http.MethodPost, "/v1/flush", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for flush, got %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodPost, "/v1/drain", ""); rec.Code != http.StatusAccepted || pipeline.drained != 1 {
		t.Fatalf("expected drain accepted, got %d (drained=%d)", rec.Code, pipeline.drained)
	}
	if rec := serve(t, h, http.MethodDelete, "/v1/events", ""); rec.Code != http.StatusNoContent || pipeline.cleared != 1 {
		t.Fatalf("expected clear, got %d (cleared=%d)", rec.Code, pipeline.cleared)
	}
}

func TestPending(t *testing.T) {
	pipeline := &fakePipeline{failures: 2}
	h := NewHandler(config.EnvDev, pipeline, nil)
	_ = serve(t, h, http.MethodPost, "/v1/events", `[{"type":"UI_EVENT"},{"type":"UI_EVENT"},{"type":"UI_EVENT"}]`)

	rec := serve(t, h, http.MethodGet, "/v1/events/pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["pending"] != float64(3) || body["failures"] != float64(2) {
		t.Fatalf("unexpected pending body %v", body)
	}
}

func TestSetToken(t *testing.T) {
	tokens := domain.NewTokenHolder("")
	h := NewHandler(config.EnvDev, new(fakePipeline), tokens)

	if rec := serve(t, h, http.MethodPut, "/v1/token", `{"token":" abc "}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if token, ok := tokens.Token(); !ok || token != "abc" {
		t.Fatalf("expected token abc, got %q (%v)", token, ok)
	}
	if rec := serve(t, h, http.MethodPut, "/v1/token", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when clearing, got %d", rec.Code)
	}
	if _, ok := tokens.Token(); ok {
		t.Fatalf("expected token cleared")
	}

	noTokens := NewHandler(config.EnvDev, new(fakePipeline), nil)
	if rec := serve(t, noTokens, http.MethodPut, "/v1/token", `{"token":"x"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without token holder, got %d", rec.Code)
	}
}

func TestMethodNotAllowedAndHealth(t *testing.T) {
	h := NewHandler(config.EnvProd, new(fakePipeline), nil)

	rec := serve(t, h, http.MethodGet, "/v1/events", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "DELETE, POST" {
		t.Fatalf("unexpected Allow header %q", allow)
	}

	rec = serve(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["environment"] != "prod" {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

}

func TestBrowserOriginsAreRejected(t *testing.T) {
	pipeline := new(fakePipeline)
	tokens := domain.NewTokenHolder("")
	h := NewHandler(config.EnvDev, pipeline, tokens)

	for _, tc := range []struct {
		method, path, body string
	}{
		{http.MethodDelete, "/v1/events", ""},
		{http.MethodPut, "/v1/token", `{"token":"stolen"}`},
		{http.MethodPost, "/v1/events", `{"type":"MESSAGE_EVENT"}`},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatalf("%s %s: unexpected CORS header", tc.method, tc.path)
		}
	}

	rec := serve(t, h, http.MethodOptions, "/v1/flush", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected preflight to be refused, got %d", rec.Code)
	}
	if _, ok := tokens.Token(); ok {
		t.Fatalf("token must not be set by a cross-origin request")
	}
	if pipeline.cleared != 0 || len(pipeline.recorded) != 0 {
		t.Fatalf("pipeline must not be touched, cleared=%d recorded=%d", pipeline.cleared, len(pipeline.recorded))
	}
}
