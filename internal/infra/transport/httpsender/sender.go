// Package httpsender delivers analytics batches to collectors over HTTP.
package httpsender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/beacon/errs"
	"github.com/coachpo/beacon/internal/domain/analytics"
)

const (
	component = "transport/http"

	defaultTimeout         = 15 * time.Second
	defaultMaxAttempts     = 3
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
	defaultMaxElapsed      = 5 * time.Second
	defaultRate            = 10
	defaultBurst           = 5
	maxResponseBytes       = 64 << 10
)

// Sender posts event batches as JSON arrays.
type Sender struct {
	client          *http.Client
	limiter         *rate.Limiter
	timeout         time.Duration
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
	userAgent       string
	logger          *log.Logger
	debug           bool
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sender) {
		if client != nil {
			s.client = client
		}
	}
}

// WithTimeout bounds each request attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Sender) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithMaxAttempts bounds the attempts made per batch, including the first.
func WithMaxAttempts(attempts int) Option {
	return func(s *Sender) {
		if attempts > 0 {
			s.maxAttempts = uint(attempts)
		}
	}
}

// WithBackoff tunes the exponential retry schedule.
func WithBackoff(initial, maxInterval, maxElapsed time.Duration) Option {
	return func(s *Sender) {
		if initial > 0 {
			s.initialInterval = initial
		}
		if maxInterval > 0 {
			s.maxInterval = maxInterval
		}
		if maxElapsed > 0 {
			s.maxElapsed = maxElapsed
		}
	}
}

// WithRateLimit throttles outgoing requests. A non-positive limit disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Sender) {
		if perSecond <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *Sender) {
		if trimmed := strings.TrimSpace(ua); trimmed != "" {
			s.userAgent = trimmed
		}
	}
}

// WithLogger sets the sender logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDebug enables per-request debug lines.
func WithDebug(enabled bool) Option {
	return func(s *Sender) {
		s.debug = enabled
	}
}

// New constructs a Sender.
func New(opts ...Option) *Sender {
	s := &Sender{
		client:          &http.Client{},
		limiter:         rate.NewLimiter(rate.Limit(defaultRate), defaultBurst),
		timeout:         defaultTimeout,
		maxAttempts:     defaultMaxAttempts,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		maxElapsed:      defaultMaxElapsed,
		userAgent:       "beacon/1.0",
		logger:          log.New(os.Stdout, "transport/http ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type collectorResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// Send implements analytics.Transport.
func (s *Sender) Send(ctx context.Context, events []analytics.Event, dst analytics.Destination, token string) error {
	if strings.TrimSpace(dst.URL) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("destination url required"))
	}
	token = strings.TrimSpace(token)
	if dst.RequiresAuth && token == "" {
		return errs.New(component, errs.CodeAuth,
			errs.WithDestination(dst.URL),
			errs.WithMessage("client token required"),
			errs.WithRemediation("provide a client token before syncing analytics destinations"))
	}
	if events == nil {
		events = []analytics.Event{}
	}
	body, err := json.Marshal(events)
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("encode batch"), errs.WithCause(err))
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.initialInterval
	expo.MaxInterval = s.maxInterval

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := s.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, s.post(ctx, dst, token, body, len(events))
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithMaxElapsedTime(s.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Printf("warn: send to %s failed (attempt %d), retrying in %s: %v", dst.URL, attempt, next, err)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("send to %s: %w", dst.URL, ctxErr)
		}
		return err
	}
	return nil
}

func (s *Sender) post(ctx context.Context, dst analytics.Destination, token string, body []byte, count int) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, dst.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errs.New(component, errs.CodeInvalid,
			errs.WithDestination(dst.URL), errs.WithMessage("build request"), errs.WithCause(err)))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errs.New(component, errs.CodeNetwork,
			errs.WithDestination(dst.URL), errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if s.debug {
			var ack collectorResponse
			if len(payload) > 0 && json.Unmarshal(payload, &ack) == nil && ack.ID != "" {
				s.logger.Printf("debug: delivered %d events to %s id=%s result=%s", count, dst.URL, ack.ID, ack.Result)
			} else {
				s.logger.Printf("debug: delivered %d events to %s status=%d", count, dst.URL, resp.StatusCode)
			}
		}
		return nil
	}

	code := errs.CodeRemote
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		code = errs.CodeAuth
	}
	remoteErr := errs.New(component, code,
		errs.WithDestination(dst.URL),
		errs.WithHTTP(resp.StatusCode),
		errs.WithMessage(strings.TrimSpace(string(payload))),
		errs.WithField("events", strconv.Itoa(count)))
	if retryable(resp.StatusCode) {
		return remoteErr
	}
	return backoff.Permanent(remoteErr)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}
