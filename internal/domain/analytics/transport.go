package analytics

import (
	"context"
	"strings"
	"sync"
)

// Destination is a collector endpoint.
type Destination struct {
	URL          string
	RequiresAuth bool
}

// Transport delivers one batch to one destination. Implementations must
// refuse auth-required destinations when token is empty without making a
// request.
type Transport interface {
	Send(ctx context.Context, events []Event, dst Destination, token string) error
}

// TokenSource yields the client token used for authenticated destinations.
type TokenSource interface {
	Token() (string, bool)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, bool)

// Token implements TokenSource.
func (f TokenFunc) Token() (string, bool) { return f() }

// StaticToken always yields the same token. An empty value means no token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() (string, bool) {
	trimmed := strings.TrimSpace(string(t))
	return trimmed, trimmed != ""
}

// NoToken never yields a token.
var NoToken TokenSource = StaticToken("")

// TokenHolder is a TokenSource whose value can change at runtime, e.g. when a
// checkout session starts or ends.
type TokenHolder struct {
	mu    sync.RWMutex
	token string
}

// NewTokenHolder returns a holder seeded with token.
func NewTokenHolder(token string) *TokenHolder {
	h := new(TokenHolder)
	h.Set(token)
	return h
}

// Set replaces the token. An empty value clears it.
func (h *TokenHolder) Set(token string) {
	h.mu.Lock()
	h.token = strings.TrimSpace(token)
	h.mu.Unlock()
}

// Token implements TokenSource.
func (h *TokenHolder) Token() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token, h.token != ""
}
