package analytics

import "strings"

// EventType classifies an analytics event.
type EventType string

const (
	EventTypeUI                       EventType = "UI_EVENT"
	EventTypeCrash                    EventType = "APP_CRASHED_EVENT"
	EventTypeMessage                  EventType = "MESSAGE_EVENT"
	EventTypeNetworkCall              EventType = "NETWORK_CALL_EVENT"
	EventTypeNetworkConnectivity      EventType = "NETWORK_CONNECTIVITY_EVENT"
	EventTypeSDKFunction              EventType = "SDK_FUNCTION_EVENT"
	EventTypeTimer                    EventType = "TIMER_EVENT"
	EventTypeImageLoadingDuration     EventType = "PM_IMAGE_LOADING_DURATION"
	EventTypeAllImagesLoadingDuration EventType = "PM_ALL_IMAGES_LOADING_DURATION"
)

var knownEventTypes = map[EventType]struct{}{
	EventTypeUI:                       {},
	EventTypeCrash:                    {},
	EventTypeMessage:                  {},
	EventTypeNetworkCall:              {},
	EventTypeNetworkConnectivity:      {},
	EventTypeSDKFunction:              {},
	EventTypeTimer:                    {},
	EventTypeImageLoadingDuration:     {},
	EventTypeAllImagesLoadingDuration: {},
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// MessageType classifies message events.
type MessageType string

const (
	MessageTypeError              MessageType = "ERROR"
	MessageTypeMissingValue       MessageType = "MISSING_VALUE"
	MessageTypeImageLoadingFailed MessageType = "PM_IMAGE_LOADING_FAILED"
	MessageTypeValidationFailed   MessageType = "VALIDATION_FAILED"
	MessageTypeInfo               MessageType = "INFO"
	MessageTypeOther              MessageType = "OTHER"
)

// Severity ranks message events.
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// ParseSeverity maps a case-insensitive name onto a Severity, defaulting to INFO.
func ParseSeverity(name string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(name))) {
	case SeverityDebug:
		return SeverityDebug
	case SeverityWarning:
		return SeverityWarning
	case SeverityError:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// MessageProperties is the payload of a MESSAGE_EVENT.
type MessageProperties struct {
	Message       string         `json:"message"`
	MessageType   MessageType    `json:"messageType"`
	Severity      Severity       `json:"severity"`
	DiagnosticsID string         `json:"diagnosticsId,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// SDKFunctionProperties is the payload of an SDK_FUNCTION_EVENT.
type SDKFunctionProperties struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// UIProperties is the payload of a UI_EVENT.
type UIProperties struct {
	Action     string            `json:"action"`
	ObjectType string            `json:"objectType"`
	ObjectID   string            `json:"objectId,omitempty"`
	Place      string            `json:"place"`
	Context    map[string]string `json:"context,omitempty"`
}

// NetworkCallProperties is the payload of a NETWORK_CALL_EVENT.
type NetworkCallProperties struct {
	CallType     string `json:"networkCallType"`
	ID           string `json:"id"`
	URL          string `json:"url"`
	Method       string `json:"method"`
	ResponseCode int    `json:"responseCode,omitempty"`
	ErrorBody    string `json:"errorBody,omitempty"`
}

// TimerProperties is the payload of a TIMER_EVENT.
type TimerProperties struct {
	MomentType string         `json:"momentType"`
	ID         string         `json:"id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// CrashProperties is the payload of an APP_CRASHED_EVENT.
type CrashProperties struct {
	Stacktrace []string `json:"stacktrace"`
}
