package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryConfig bounds the retry policy
type RetryConfig struct {
	// MaxAttempts caps total attempts including the first; 1 disables retries
	MaxAttempts int
	// InitialDelay is the backoff before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the per-retry backoff
	MaxDelay time.Duration
	// Multiplier grows the delay between retries
	Multiplier float64
	// Randomization is the jitter factor spreading concurrent retriers
	Randomization float64
}

// DefaultRetryConfig returns the read-path retry bounds
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      8 * time.Second,
		Multiplier:    2.0,
		Randomization: 0.5,
	}
}

// SubmitRetryConfig returns the write-path bounds: one attempt, because a
// dispatched submission is never re-sent.
func SubmitRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 1
	return cfg
}

// RetryPolicy retries transient failures with bounded exponential backoff and
// jitter. Every other class propagates immediately for the breaker and
// orchestrator to act on.
type RetryPolicy struct {
	cfg    RetryConfig
	logger *zap.Logger
}

// RetryOption is a functional option for configuring the policy
type RetryOption func(*RetryPolicy)

// WithRetryLogger sets the logger
func WithRetryLogger(logger *zap.Logger) RetryOption {
	return func(p *RetryPolicy) {
		p.logger = logger
	}
}

// NewRetryPolicy creates a retry policy
func NewRetryPolicy(cfg RetryConfig, opts ...RetryOption) *RetryPolicy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	p := &RetryPolicy{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do runs fn, retrying only transient classifications up to the attempt cap.
// Unclassified errors are classified with the default transport rules before
// the retry decision, so raw errors never leak past this point.
func (p *RetryPolicy) Do(ctx context.Context, service, op string, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialDelay
	bo.MaxInterval = p.cfg.MaxDelay
	bo.Multiplier = p.cfg.Multiplier
	bo.RandomizationFactor = p.cfg.Randomization
	// Attempt-capped, not time-capped
	bo.MaxElapsedTime = 0
	bo.Reset()

	wrapped := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		ce := EnsureClassified(service, op, err)
		if ce.Class.Retryable() {
			return ce
		}
		return backoff.Permanent(error(ce))
	}

	notify := func(err error, next time.Duration) {
		p.logger.Debug("retrying after transient failure",
			zap.String("service", service),
			zap.String("op", op),
			zap.Duration("next_delay", next),
			zap.Error(err))
	}

	capped := backoff.WithMaxRetries(bo, uint64(p.cfg.MaxAttempts-1))
	return backoff.RetryNotify(wrapped, backoff.WithContext(capped, ctx), notify)
}
