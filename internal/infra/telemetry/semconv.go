package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for beacon telemetry, following namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrDestination is the collector URL a batch was addressed to.
	AttrDestination = attribute.Key("destination")
	// AttrDestinationKind separates the diagnostic sink from authenticated analytics endpoints.
	AttrDestinationKind = attribute.Key("destination.kind")
	// AttrBackend names the queue storage backend (file, postgres).
	AttrBackend = attribute.Key("storage.backend")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType categorises failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason gives free-form context for shed events.
	AttrReason = attribute.Key("reason")
	// AttrTrigger says what started a sync pass (batch, flush).
	AttrTrigger = attribute.Key("trigger")
)

// Destination kinds.
const (
	DestinationKindDiagnostic = "diagnostic"
	DestinationKindAnalytics  = "analytics"
)

// Shed reasons.
const (
	ShedReasonDestinationFailed = "destination_failed"
	ShedReasonThreshold         = "failure_threshold"
	ShedReasonCorruption        = "corruption"
	ShedReasonSaturated         = "saturated"
	ShedReasonClosed            = "closed"
)

// DestinationAttributes returns the attributes attached to per-destination metrics.
func DestinationAttributes(environment, destination string, requiresAuth bool) []attribute.KeyValue {
	kind := DestinationKindDiagnostic
	if requiresAuth {
		kind = DestinationKindAnalytics
	}
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrDestination.String(destination),
		AttrDestinationKind.String(kind),
	}
}

// StorageAttributes returns the attributes attached to storage metrics.
func StorageAttributes(environment, backend string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBackend.String(backend),
	}
}
