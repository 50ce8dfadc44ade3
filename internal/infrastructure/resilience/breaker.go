package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState represents the state of one service's circuit breaker
type BreakerState string

const (
	// StateClosed admits all calls
	StateClosed BreakerState = "closed"
	// StateOpen refuses all calls until the reset timeout elapses
	StateOpen BreakerState = "open"
	// StateHalfOpen admits exactly one trial call
	StateHalfOpen BreakerState = "half_open"
)

// String returns the string representation of BreakerState
func (s BreakerState) String() string {
	return string(s)
}

// CircuitOpenError is returned when the breaker refuses a call without a
// network attempt. Callers treat it as a failed layer, never as retry
// exhaustion.
type CircuitOpenError struct {
	// Service is the refused upstream
	Service string
	// RetryAfter is the remaining cooldown, zero when the half-open trial
	// slot is simply taken
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for %s, retry in %s", e.Service, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("circuit open for %s, trial call in flight", e.Service)
}

// BreakerSettings configures one service's breaker
type BreakerSettings struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker
	FailureThreshold int
	// ResetTimeout is the cooldown before a half-open trial is admitted
	ResetTimeout time.Duration
}

// DefaultBreakerSettings returns the registry-wide fallback settings
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// ServiceHealth is a point-in-time snapshot of one breaker, for health
// reporting and logs.
type ServiceHealth struct {
	Service             string       `json:"service"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	// OpenedAgo is how long ago the breaker opened, zero unless open
	OpenedAgo time.Duration `json:"opened_ago,omitempty"`
}

// breaker holds one service's health state. All access goes through the
// registry mutex, so two concurrent callers never race a transition.
type breaker struct {
	settings            BreakerSettings
	state               BreakerState
	consecutiveFailures int
	// openedAt carries the monotonic reading of the clock at open time,
	// immune to wall-clock adjustments
	openedAt         time.Time
	halfOpenInFlight bool
}

// TransitionHook observes breaker state changes, e.g. for metrics
type TransitionHook func(service string, from, to BreakerState)

// Registry owns one breaker per upstream service name. It is dependency-
// injected into every component that gates calls, never a process-wide
// singleton, so tests get a fresh registry each.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	defaults   BreakerSettings
	perService map[string]BreakerSettings
	now        func() time.Time
	logger     *zap.Logger
	onChange   TransitionHook
}

// RegistryOption is a functional option for configuring the registry
type RegistryOption func(*Registry)

// WithDefaultSettings sets the fallback settings for services without an
// explicit entry
func WithDefaultSettings(s BreakerSettings) RegistryOption {
	return func(r *Registry) {
		r.defaults = s
	}
}

// WithServiceSettings sets per-service thresholds and reset timeouts; a
// slower-to-recover service gets a longer timeout here, not at call sites
func WithServiceSettings(settings map[string]BreakerSettings) RegistryOption {
	return func(r *Registry) {
		for name, s := range settings {
			r.perService[name] = s
		}
	}
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock injects the clock, for tests
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithTransitionHook registers an observer for state transitions
func WithTransitionHook(hook TransitionHook) RegistryOption {
	return func(r *Registry) {
		r.onChange = hook
	}
}

// NewRegistry creates a breaker registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:   make(map[string]*breaker),
		defaults:   DefaultBreakerSettings(),
		perService: make(map[string]BreakerSettings),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs op under the service's breaker. When the breaker is open and
// the reset timeout has not elapsed it fails with *CircuitOpenError before
// any network attempt. The operation runs outside the registry lock.
func (r *Registry) Execute(ctx context.Context, service string, op func(context.Context) error) error {
	if err := r.Allow(service); err != nil {
		return err
	}
	err := op(ctx)
	if err != nil {
		r.RecordFailure(service)
		return err
	}
	r.RecordSuccess(service)
	return nil
}

// Allow reports whether a call to the service may proceed right now. In
// half-open state it atomically claims the single trial slot; the caller
// must follow up with RecordSuccess or RecordFailure.
func (r *Registry) Allow(service string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(service)
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := r.now().Sub(b.openedAt)
		if elapsed < b.settings.ResetTimeout {
			return &CircuitOpenError{Service: service, RetryAfter: b.settings.ResetTimeout - elapsed}
		}
		r.transition(service, b, StateHalfOpen)
		b.halfOpenInFlight = true
		return nil
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return &CircuitOpenError{Service: service}
		}
		b.halfOpenInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the service's failure count and closes the breaker
func (r *Registry) RecordSuccess(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(service)
	b.consecutiveFailures = 0
	b.halfOpenInFlight = false
	if b.state != StateClosed {
		r.transition(service, b, StateClosed)
	}
}

// RecordFailure increments the service's consecutive-failure count, opening
// the breaker at the threshold or on a failed half-open trial.
func (r *Registry) RecordFailure(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(service)
	b.consecutiveFailures++
	b.halfOpenInFlight = false

	switch b.state {
	case StateHalfOpen:
		b.openedAt = r.now()
		r.transition(service, b, StateOpen)
	case StateClosed:
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.openedAt = r.now()
			r.transition(service, b, StateOpen)
		}
	}
}

// State returns the service's current breaker state
func (r *Registry) State(service string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(service).state
}

// Snapshot returns a point-in-time view of every known breaker
func (r *Registry) Snapshot() []ServiceHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ServiceHealth, 0, len(r.breakers))
	for name, b := range r.breakers {
		h := ServiceHealth{
			Service:             name,
			State:               b.state,
			ConsecutiveFailures: b.consecutiveFailures,
		}
		if b.state == StateOpen {
			h.OpenedAgo = r.now().Sub(b.openedAt)
		}
		out = append(out, h)
	}
	return out
}

// get returns the service's breaker, creating it closed on first use.
// Callers hold r.mu.
func (r *Registry) get(service string) *breaker {
	b, ok := r.breakers[service]
	if !ok {
		settings, found := r.perService[service]
		if !found {
			settings = r.defaults
		}
		b = &breaker{settings: settings, state: StateClosed}
		r.breakers[service] = b
	}
	return b
}

// transition applies a state change and notifies observers. Callers hold r.mu.
func (r *Registry) transition(service string, b *breaker, to BreakerState) {
	from := b.state
	b.state = to
	r.logger.Info("breaker state change",
		zap.String("service", service),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", b.consecutiveFailures))
	if r.onChange != nil {
		r.onChange(service, from, to)
	}
}
