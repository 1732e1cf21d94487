package analytics

import (
	"log"

	domain "github.com/coachpo/beacon/internal/domain/analytics"
	"github.com/coachpo/beacon/internal/infra/telemetry"
)

const (
	// DefaultBatchSize is the queue length that triggers an automatic sync.
	DefaultBatchSize = 300
	// DefaultSDKLogsURL receives events that carry no analytics URL.
	DefaultSDKLogsURL = "https://analytics.production.data.primer.io/sdk-logs"
	// DefaultFailureThreshold is the number of consecutive failed sends after
	// which the whole queue is discarded.
	DefaultFailureThreshold = 3

	defaultWorkers        = 2
	defaultQueueDepth     = 1024
	defaultMaxConcurrency = 8
)

// Option configures a Service.
type Option func(*Service)

// WithBatchSize sets the sync trigger threshold and the per-destination chunk size.
func WithBatchSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithSDKLogsURL sets the endpoint for events without an analytics URL.
func WithSDKLogsURL(url string) Option {
	return func(s *Service) {
		if url != "" {
			s.sdkLogsURL = url
		}
	}
}

// WithFailureThreshold sets how many consecutive failures discard the queue.
func WithFailureThreshold(n uint) Option {
	return func(s *Service) {
		if n > 0 {
			s.failureThreshold = n
		}
	}
}

// WithTokenSource supplies client tokens for authenticated destinations.
func WithTokenSource(tokens domain.TokenSource) Option {
	return func(s *Service) {
		if tokens != nil {
			s.tokens = tokens
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebug enables debug log lines.
func WithDebug(enabled bool) Option {
	return func(s *Service) {
		s.debug = enabled
	}
}

// WithMetrics reports pipeline activity.
func WithMetrics(metrics *telemetry.PipelineMetrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithWorkers sizes the pool that runs Fire and Drain work.
func WithWorkers(workers, queueDepth int) Option {
	return func(s *Service) {
		if workers > 0 {
			s.workers = workers
		}
		if queueDepth >= 0 {
			s.queueDepth = queueDepth
		}
	}
}

// WithMaxConcurrency bounds the destinations dispatched in parallel.
func WithMaxConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}
