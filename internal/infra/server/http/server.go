// Package httpserver exposes the local control API for the analytics pipeline.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/beacon/errs"
	domain "github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	eventsPath  = "/v1/events"
	firePath    = "/v1/events:fire"
	pendingPath = "/v1/events/pending"
	flushPath   = "/v1/flush"
	drainPath   = "/v1/drain"
	tokenPath   = "/v1/token"
	healthPath  = "/healthz"
)

// Pipeline is the analytics surface served by the control API.
type Pipeline interface {
	Record(ctx context.Context, events ...domain.Event) error
	Fire(events ...domain.Event)
	Flush(ctx context.Context) error
	Drain()
	Clear(ctx context.Context)
	Pending(ctx context.Context) (int, error)
	FailureCount() uint
}

// TokenSetter replaces the client token used for authenticated destinations.
type TokenSetter interface {
	Set(token string)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	pipeline    Pipeline
	tokens      TokenSetter
}

// eventInput is the wire form of an event submitted by a local client.
type eventInput struct {
	LocalID           string           `json:"localId,omitempty"`
	Type              domain.EventType `json:"type"`
	AnalyticsURL      string           `json:"analyticsUrl,omitempty"`
	AppIdentifier     string           `json:"appIdentifier,omitempty"`
	SDKSessionID      string           `json:"sdkSessionId,omitempty"`
	CheckoutSessionID string           `json:"checkoutSessionId,omitempty"`
	ClientSessionID   string           `json:"clientSessionId,omitempty"`
	Properties        json.RawMessage  `json:"properties,omitempty"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

// NewHandler creates the control API handler. tokens may be nil, in which
// case the token route answers 503.
func NewHandler(environment config.Environment, pipeline Pipeline, tokens TokenSetter) http.Handler {
	server := &httpServer{environment: environment, pipeline: pipeline, tokens: tokens}
	mux := http.NewServeMux()

	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost:   server.recordEvents,
		http.MethodDelete: server.clearEvents,
	}))
	mux.Handle(firePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.fireEvents,
	}))
	mux.Handle(pendingPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPending,
	}))
	mux.Handle(flushPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.flush,
	}))
	mux.Handle(drainPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.drain,
	}))
	mux.Handle(tokenPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut: server.setToken,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return rejectBrowserOrigins(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) recordEvents(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	events, err := decodeEvents(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.pipeline.Record(r.Context(), events...); err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"recorded": len(events)})
}

func (s *httpServer) fireEvents(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	events, err := decodeEvents(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	s.pipeline.Fire(events...)
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(events)})
}

func (s *httpServer) clearEvents(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) getPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.pipeline.Pending(r.Context())
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":  pending,
		"failures": s.pipeline.FailureCount(),
	})
}

func (s *httpServer) flush(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Flush(r.Context()); err != nil {
		writeServiceError(w, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *httpServer) drain(w http.ResponseWriter, _ *http.Request) {
	s.pipeline.Drain()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

func (s *httpServer) setToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "token updates unavailable")
		return
	}
	limitRequestBody(w, r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	var payload tokenPayload
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
	}
	token := strings.TrimSpace(payload.Token)
	s.tokens.Set(token)
	writeJSON(w, http.StatusOK, map[string]bool{"token": token != ""})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": string(s.environment)})
}

// decodeEvents accepts a single event object or an array of them.
func decodeEvents(r *http.Request) ([]domain.Event, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("request body required")
	}
	var inputs []eventInput
	if body[0] == '{' {
		var single eventInput
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, err
		}
		inputs = []eventInput{single}
	} else if err := json.Unmarshal(body, &inputs); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, errors.New("at least one event required")
	}

	events := make([]domain.Event, 0, len(inputs))
	for i, in := range inputs {
		if !in.Type.Valid() {
			return nil, fmt.Errorf("event %d: unknown type %q", i, in.Type)
		}
		var properties any
		if len(in.Properties) > 0 {
			properties = in.Properties
		}
		events = append(events, domain.NewEvent(in.Type, properties,
			domain.WithLocalID(strings.TrimSpace(in.LocalID)),
			domain.WithAnalyticsURL(strings.TrimSpace(in.AnalyticsURL)),
			domain.WithAppIdentifier(in.AppIdentifier),
			domain.WithSession(in.SDKSessionID, in.CheckoutSessionID, in.ClientSessionID),
		))
	}
	return events, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// writeServiceError maps pipeline error codes onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error, fallback int) {
	status := fallback
	if code, ok := errs.CodeOf(err); ok {
		switch code {
		case errs.CodeInvalid:
			status = http.StatusBadRequest
		case errs.CodeUnavailable:
			status = http.StatusServiceUnavailable
		case errs.CodeStorage, errs.CodeCorrupt:
			status = http.StatusInternalServerError
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// rejectBrowserOrigins refuses requests sent by web pages. Browsers attach
// Origin to cross-site POST, PUT and DELETE requests; local clients do not.
func rejectBrowserOrigins(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") != "" || r.Method == http.MethodOptions {
			writeError(w, http.StatusForbidden, "cross-origin requests are not allowed")
			return
		}
		handler.ServeHTTP(w, r)
	})
}
