// Package analytics defines the analytics event model and the contracts the
// pipeline depends on: queue persistence, delivery and client tokens.
package analytics

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event is a single analytics record. LocalID is assigned once at construction
// and is the dedup and delete key for the whole pipeline.
type Event struct {
	LocalID           string          `json:"localId"`
	CreatedAt         int64           `json:"createdAt"`
	Type              EventType       `json:"eventType"`
	AnalyticsURL      string          `json:"analyticsUrl,omitempty"`
	AppIdentifier     string          `json:"appIdentifier,omitempty"`
	SDKSessionID      string          `json:"sdkSessionId,omitempty"`
	CheckoutSessionID string          `json:"checkoutSessionId,omitempty"`
	ClientSessionID   string          `json:"clientSessionId,omitempty"`
	Properties        json.RawMessage `json:"properties,omitempty"`
}

// RequiresAuth reports whether the event targets an analytics endpoint that
// needs a client token. Events without a URL are diagnostics.
func (e Event) RequiresAuth() bool {
	return e.AnalyticsURL != ""
}

// Valid reports whether the event carries the fields every persisted record needs.
func (e Event) Valid() bool {
	return e.LocalID != "" && e.CreatedAt > 0
}

// EventOption customises an event at construction.
type EventOption func(*Event)

// WithAnalyticsURL routes the event to an authenticated analytics endpoint.
func WithAnalyticsURL(url string) EventOption {
	return func(e *Event) {
		e.AnalyticsURL = url
	}
}

// WithSession attaches originating session identifiers.
func WithSession(sdkSessionID, checkoutSessionID, clientSessionID string) EventOption {
	return func(e *Event) {
		e.SDKSessionID = sdkSessionID
		e.CheckoutSessionID = checkoutSessionID
		e.ClientSessionID = clientSessionID
	}
}

// WithAppIdentifier attaches the host application identifier.
func WithAppIdentifier(id string) EventOption {
	return func(e *Event) {
		e.AppIdentifier = id
	}
}

// WithLocalID overrides the generated identifier. Used by clients that retry
// submissions and must not produce duplicates.
func WithLocalID(id string) EventOption {
	return func(e *Event) {
		if id != "" {
			e.LocalID = id
		}
	}
}

// WithCreatedAt overrides the construction timestamp, in epoch milliseconds.
func WithCreatedAt(ms int64) EventOption {
	return func(e *Event) {
		if ms > 0 {
			e.CreatedAt = ms
		}
	}
}

// NewEvent builds an event of the given type. Properties that fail to marshal
// are stored as JSON null.
func NewEvent(eventType EventType, properties any, opts ...EventOption) Event {
	evt := Event{
		LocalID:    uuid.NewString(),
		CreatedAt:  defaultClock.millis(),
		Type:       eventType,
		Properties: marshalProperties(properties),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&evt)
		}
	}
	return evt
}

// Message builds a MESSAGE_EVENT.
func Message(message string, messageType MessageType, severity Severity, opts ...EventOption) Event {
	return NewEvent(EventTypeMessage, MessageProperties{
		Message:     message,
		MessageType: messageType,
		Severity:    severity,
	}, opts...)
}

// SDKFunction builds an SDK_FUNCTION_EVENT.
func SDKFunction(name string, params map[string]string, opts ...EventOption) Event {
	return NewEvent(EventTypeSDKFunction, SDKFunctionProperties{Name: name, Params: params}, opts...)
}

// UI builds a UI_EVENT.
func UI(action, objectType, place string, opts ...EventOption) Event {
	return NewEvent(EventTypeUI, UIProperties{Action: action, ObjectType: objectType, Place: place}, opts...)
}

// NetworkCall builds a NETWORK_CALL_EVENT.
func NetworkCall(callType, id, url, method string, opts ...EventOption) Event {
	return NewEvent(EventTypeNetworkCall, NetworkCallProperties{
		CallType: callType,
		ID:       id,
		URL:      url,
		Method:   method,
	}, opts...)
}

// Timer builds a TIMER_EVENT.
func Timer(momentType, id string, opts ...EventOption) Event {
	return NewEvent(EventTypeTimer, TimerProperties{MomentType: momentType, ID: id}, opts...)
}

// Crash builds an APP_CRASHED_EVENT.
func Crash(stacktrace []string, opts ...EventOption) Event {
	return NewEvent(EventTypeCrash, CrashProperties{Stacktrace: stacktrace}, opts...)
}

func marshalProperties(properties any) json.RawMessage {
	if properties == nil {
		return nil
	}
	if raw, ok := properties.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return json.RawMessage("null")
		}
		return raw
	}
	data, err := json.Marshal(properties)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// monotonicClock hands out strictly increasing epoch milliseconds so that
// events built within the same millisecond keep their construction order.
type monotonicClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

var defaultClock = &monotonicClock{now: time.Now}

func (c *monotonicClock) millis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}
