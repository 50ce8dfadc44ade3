// Package transport reaches bot-hostile upstreams through an escalation
// ladder: a plain HTTP client, then an OS-native curl invocation with a
// different network fingerprint, then a real browser session. Strategies are
// tried in order until one produces a usable, schema-valid response; retries
// happen inside a single strategy, never across the ladder.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
	"github.com/reserva/backend/internal/infrastructure/resilience"
)

// Error codes for fetch failures
const (
	// ErrCodeTimeout indicates the strategy exceeded its deadline
	ErrCodeTimeout = "FETCH_TIMEOUT"
	// ErrCodeNetwork indicates a connection-level failure
	ErrCodeNetwork = "NETWORK_ERROR"
	// ErrCodeCurlNotFound indicates the curl binary could not be resolved
	ErrCodeCurlNotFound = "CURL_NOT_FOUND"
	// ErrCodeCurlFailed indicates curl exited non-zero
	ErrCodeCurlFailed = "CURL_FAILED"
	// ErrCodeBrowserFailed indicates a browser automation failure
	ErrCodeBrowserFailed = "BROWSER_FAILED"
	// ErrCodeInterceptTimeout indicates the page never triggered the awaited response
	ErrCodeInterceptTimeout = "INTERCEPT_TIMEOUT"
	// ErrCodeNoStrategy indicates no strategy's preconditions were satisfiable
	ErrCodeNoStrategy = "NO_USABLE_STRATEGY"
)

// FetchError describes a transport-level fetch failure
type FetchError struct {
	// Code is one of the ErrCode* constants
	Code string
	// Message is a human-readable description
	Message string
	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// NewFetchError creates a fetch error
func NewFetchError(code, message string, cause error) *FetchError {
	return &FetchError{Code: code, Message: message, Cause: cause}
}

// FetchRequest is one logical upstream request, strategy-agnostic
type FetchRequest struct {
	// Service is the upstream service name, the breaker key
	Service string
	// Op is the logical operation, for classification and logs
	Op string
	// Method and URL describe the HTTP call
	Method string
	URL    string
	// Header carries the headers every strategy should send
	Header http.Header
	// Body is the request payload, nil for GET-style calls
	Body []byte
	// StateChanging marks submissions and cancellations: attempted by at
	// most one strategy, never escalated, never retried after dispatch
	StateChanging bool
	// RequiresSession marks calls that only succeed with session trust
	// cookies attached; the HTTP strategy refuses them unless a Cookie
	// header is present, leaving them to the browser
	RequiresSession bool
	// PageURL is the page the browser strategy visits; empty disables the
	// browser rung for this request
	PageURL string
	// InterceptPattern, when set, makes the browser capture the first page-
	// triggered response whose URL contains the pattern instead of issuing
	// the call from page context
	InterceptPattern string
	// CheckSchema validates a received response's structure; a non-nil
	// return classifies as schema change and advances the ladder
	CheckSchema func(*FetchResult) error
}

// FetchResult is a received upstream response
type FetchResult struct {
	// Status is the HTTP status code
	Status int
	// Header carries the response headers
	Header http.Header
	// Body is the response payload
	Body []byte
	// Strategy names the rung that produced the response
	Strategy booking.TransportStrategy
}

// Strategy is one rung of the escalation ladder
type Strategy interface {
	// Kind identifies the rung
	Kind() booking.TransportStrategy
	// CanHandle reports whether the strategy's preconditions hold for the
	// request right now
	CanHandle(req *FetchRequest) bool
	// Fetch performs the request once; retries belong to the caller
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error)
	// Close releases the strategy's resources
	Close() error
}

// AttemptObserver reports one strategy attempt for metrics
type AttemptObserver func(service string, strategy booking.TransportStrategy, outcome string, elapsed time.Duration)

// EscalationClient walks one service's strategy ladder. Reads escalate on
// bot challenge, schema change, or timeout; state-changing calls run on
// exactly one strategy and never move.
type EscalationClient struct {
	service     string
	strategies  []Strategy
	readRetry   *resilience.RetryPolicy
	submitRetry *resilience.RetryPolicy
	logger      *zap.Logger
	observe     AttemptObserver
}

// ClientOption is a functional option for configuring the client
type ClientOption func(*EscalationClient)

// WithClientLogger sets the logger
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *EscalationClient) {
		c.logger = logger
	}
}

// WithAttemptObserver registers a per-attempt observer for metrics
func WithAttemptObserver(fn AttemptObserver) ClientOption {
	return func(c *EscalationClient) {
		c.observe = fn
	}
}

// WithRetryPolicies overrides the read and submit retry policies
func WithRetryPolicies(read, submit *resilience.RetryPolicy) ClientOption {
	return func(c *EscalationClient) {
		c.readRetry = read
		c.submitRetry = submit
	}
}

// NewEscalationClient creates a client over an ordered strategy ladder
func NewEscalationClient(service string, strategies []Strategy, opts ...ClientOption) *EscalationClient {
	c := &EscalationClient{
		service:     service,
		strategies:  strategies,
		readRetry:   resilience.NewRetryPolicy(resilience.DefaultRetryConfig()),
		submitRetry: resilience.NewRetryPolicy(resilience.SubmitRetryConfig()),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs one logical request through the ladder
func (c *EscalationClient) Do(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	if req.StateChanging {
		return c.doStateChanging(ctx, req)
	}
	return c.doRead(ctx, req)
}

// doRead walks the ladder. Auth and permanent failures return immediately: a
// heavier transport cannot mint credentials or un-delete a resource.
func (c *EscalationClient) doRead(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	var lastErr error

	for _, s := range c.strategies {
		if !s.CanHandle(req) {
			continue
		}

		start := time.Now()
		res, err := c.attempt(ctx, s, req, c.readRetry)
		elapsed := time.Since(start)
		if err == nil {
			c.report(s.Kind(), "success", elapsed)
			return res, nil
		}
		lastErr = err

		ce := resilience.EnsureClassified(req.Service, req.Op, err)
		c.report(s.Kind(), ce.Class.String(), elapsed)

		switch {
		case ce.Class == resilience.ClassBotChallenge, ce.Class == resilience.ClassSchemaChange:
			c.logger.Warn("escalating transport",
				zap.String("service", c.service),
				zap.String("op", req.Op),
				zap.String("strategy", s.Kind().String()),
				zap.String("class", ce.Class.String()),
				zap.String("fingerprint", ce.Fingerprint))
		case isTimeout(ce):
			c.logger.Warn("strategy timed out, escalating transport",
				zap.String("service", c.service),
				zap.String("op", req.Op),
				zap.String("strategy", s.Kind().String()))
		default:
			return nil, ce
		}

		if ctx.Err() != nil {
			return nil, resilience.EnsureClassified(req.Service, req.Op, ctx.Err())
		}
	}

	if lastErr == nil {
		return nil, resilience.NewClassified(req.Service, req.Op, resilience.ClassPermanent,
			NewFetchError(ErrCodeNoStrategy, "no transport strategy can handle this request", nil))
	}
	return nil, resilience.EnsureClassified(req.Service, req.Op, lastErr)
}

// doStateChanging runs the submission on the first strategy whose
// preconditions hold. One dispatch, no escalation, no retry: an ambiguous
// outcome is the orchestrator's reconciliation problem, not a resend.
func (c *EscalationClient) doStateChanging(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	for _, s := range c.strategies {
		if !s.CanHandle(req) {
			continue
		}

		start := time.Now()
		res, err := c.attempt(ctx, s, req, c.submitRetry)
		elapsed := time.Since(start)
		if err != nil {
			ce := resilience.EnsureClassified(req.Service, req.Op, err)
			c.report(s.Kind(), ce.Class.String(), elapsed)
			return nil, ce
		}
		c.report(s.Kind(), "success", elapsed)
		return res, nil
	}

	return nil, resilience.NewClassified(req.Service, req.Op, resilience.ClassPermanent,
		NewFetchError(ErrCodeNoStrategy, "no transport strategy satisfies the submission preconditions", nil))
}

// attempt runs one strategy under the retry policy, converting responses the
// upstream rejected into classified errors so the policy can decide.
func (c *EscalationClient) attempt(ctx context.Context, s Strategy, req *FetchRequest, retry *resilience.RetryPolicy) (*FetchResult, error) {
	var captured *FetchResult

	err := retry.Do(ctx, req.Service, req.Op, func(ctx context.Context) error {
		res, err := s.Fetch(ctx, req)
		if err != nil {
			return resilience.EnsureClassified(req.Service, req.Op, err)
		}
		res.Strategy = s.Kind()

		if fp, ok := resilience.BotChallengeSignature(res.Status, res.Header, res.Body); ok {
			return &resilience.ClassifiedError{
				Service:     req.Service,
				Op:          req.Op,
				Class:       resilience.ClassBotChallenge,
				Fingerprint: fp,
				Cause:       fmt.Errorf("bot challenge from %s", s.Kind()),
			}
		}
		if res.Status >= 400 {
			return resilience.NewClassified(req.Service, req.Op,
				resilience.ClassifyStatus(res.Status),
				fmt.Errorf("upstream status %d", res.Status))
		}
		if req.CheckSchema != nil {
			if verr := req.CheckSchema(res); verr != nil {
				var ce *resilience.ClassifiedError
				if errors.As(verr, &ce) {
					return ce
				}
				return resilience.NewSchemaChange(req.Service, req.Op,
					resilience.Fingerprint(res.Status, "schema", res.Body), verr)
			}
		}

		captured = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return captured, nil
}

func (c *EscalationClient) report(strategy booking.TransportStrategy, outcome string, elapsed time.Duration) {
	if c.observe != nil {
		c.observe(c.service, strategy, outcome, elapsed)
	}
}

// Close releases every strategy
func (c *EscalationClient) Close() error {
	var first error
	for _, s := range c.strategies {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OutcomeLost reports whether a failed call's outcome is undecidable: the
// request may have reached the upstream even though no response came back.
// Callers dispatching state-changing requests use this to trigger
// reconciliation instead of treating the submission as failed.
func OutcomeLost(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Code {
		case ErrCodeTimeout, ErrCodeInterceptTimeout, ErrCodeNetwork:
			return true
		}
	}
	return false
}

// isTimeout reports whether a classified transient error is deadline-driven
func isTimeout(ce *resilience.ClassifiedError) bool {
	if ce.Class != resilience.ClassTransient {
		return false
	}
	if errors.Is(ce, context.DeadlineExceeded) {
		return true
	}
	var fe *FetchError
	if errors.As(ce, &fe) {
		return fe.Code == ErrCodeTimeout || fe.Code == ErrCodeInterceptTimeout
	}
	return false
}

// Pacer inserts human-like delays before browser actions. The delays are a
// correctness requirement against volume-based bot defenses, not jitter.
type Pacer struct {
	mu  sync.Mutex
	min time.Duration
	max time.Duration
	rng *rand.Rand
}

// NewPacer creates a pacer sleeping a uniform duration in [min, max]
func NewPacer(min, max time.Duration) *Pacer {
	if max < min {
		max = min
	}
	return &Pacer{
		min: min,
		max: max,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait sleeps the next pacing delay, honoring context cancellation
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	d := p.min
	if span := p.max - p.min; span > 0 {
		d += time.Duration(p.rng.Int63n(int64(span)))
	}
	p.mu.Unlock()

	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
