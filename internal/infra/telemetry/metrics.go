package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricEventsRecorded     = "beacon_events_recorded_total"
	MetricEventsSent         = "beacon_events_sent_total"
	MetricSendFailures       = "beacon_send_failures_total"
	MetricEventsShed         = "beacon_events_shed_total"
	MetricStorageCorruptions = "beacon_storage_corruptions_total"
	MetricSendDuration       = "beacon_send_duration"
	MetricBatchSize          = "beacon_batch_size"
)

// PipelineMetrics groups the instruments emitted by the analytics pipeline.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	recorded     metric.Int64Counter
	sent         metric.Int64Counter
	failures     metric.Int64Counter
	shed         metric.Int64Counter
	corruptions  metric.Int64Counter
	sendDuration metric.Float64Histogram
	batchSize    metric.Int64Histogram
}

// NewPipelineMetrics creates the pipeline instruments on meter. A nil meter
// uses the global provider.
func NewPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	if meter == nil {
		meter = otel.Meter("beacon.analytics")
	}
	m := new(PipelineMetrics)
	var err error
	if m.recorded, err = meter.Int64Counter(MetricEventsRecorded,
		metric.WithDescription("Events accepted into the pending queue"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.sent, err = meter.Int64Counter(MetricEventsSent,
		metric.WithDescription("Events delivered to a collector"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter(MetricSendFailures,
		metric.WithDescription("Failed batch deliveries"),
		metric.WithUnit("{batch}")); err != nil {
		return nil, err
	}
	if m.shed, err = meter.Int64Counter(MetricEventsShed,
		metric.WithDescription("Events dropped after delivery failures or corruption"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.corruptions, err = meter.Int64Counter(MetricStorageCorruptions,
		metric.WithDescription("Persisted queues discarded as unreadable"),
		metric.WithUnit("{queue}")); err != nil {
		return nil, err
	}
	if m.sendDuration, err = meter.Float64Histogram(MetricSendDuration,
		metric.WithDescription("Batch delivery latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.batchSize, err = meter.Int64Histogram(MetricBatchSize,
		metric.WithDescription("Events per delivered batch"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	return m, nil
}

// Recorded counts events newly added to the queue.
func (m *PipelineMetrics) Recorded(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recorded.Add(ctx, int64(n), metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// Sent counts a delivered batch and its latency.
func (m *PipelineMetrics) Sent(ctx context.Context, destination string, requiresAuth bool, n int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(DestinationAttributes(Environment(), destination, requiresAuth)...)
	m.sent.Add(ctx, int64(n), attrs)
	m.batchSize.Record(ctx, int64(n), attrs)
	m.sendDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// Failed counts a failed batch delivery.
func (m *PipelineMetrics) Failed(ctx context.Context, destination string, requiresAuth bool, errorType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := append(DestinationAttributes(Environment(), destination, requiresAuth), AttrErrorType.String(errorType))
	m.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.sendDuration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
}

// Shed counts events dropped for reason.
func (m *PipelineMetrics) Shed(ctx context.Context, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.shed.Add(ctx, int64(n), metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrReason.String(reason),
	))
}

// Corrupted counts a discarded queue on backend.
func (m *PipelineMetrics) Corrupted(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	attrs := append(StorageAttributes(Environment(), backend), AttrReason.String(ShedReasonCorruption))
	m.corruptions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ResultAttribute is a convenience for callers labelling ad-hoc instruments.
func ResultAttribute(result string) attribute.KeyValue {
	return AttrResult.String(result)
}
