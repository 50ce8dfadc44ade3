package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// BookingMetrics tracks the health of the booking pipeline: breaker state
// transitions, cache effectiveness, transport escalations, cascade attempt
// outcomes, and Places API spend.
type BookingMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	// Counter metrics (monotonically increasing)
	breakerTransitions *Counter
	cacheReads         *Counter
	transportAttempts  *Counter
	bookingAttempts    *Counter

	// Histogram metrics
	upstreamDuration *Histogram

	// Gauge metrics (point-in-time values)
	placesSpentCents  *FloatGauge
	placesBudgetCents *FloatGauge

	// Periodic collector
	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once

	spendProvider SpendProvider
}

// SpendProvider reports the rolling Places API spend for periodic gauge
// collection. The interface keeps the telemetry layer from depending on the
// persistence layer directly.
type SpendProvider interface {
	// Spend returns cents spent in the current billing window and the
	// configured budget ceiling.
	Spend(ctx context.Context) (spentCents, budgetCents float64, err error)
}

// BookingMetricsConfig holds configuration for booking metrics.
type BookingMetricsConfig struct {
	Meter           metric.Meter
	Logger          *zap.Logger
	CollectInterval time.Duration // Default: 1 minute
	SpendProvider   SpendProvider
}

// NewBookingMetrics creates a new BookingMetrics instance.
func NewBookingMetrics(cfg BookingMetricsConfig) (*BookingMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bm := &BookingMetrics{
		meter:         cfg.Meter,
		logger:        logger,
		stopChan:      make(chan struct{}),
		spendProvider: cfg.SpendProvider,
	}

	var err error

	// Breaker metrics
	bm.breakerTransitions, err = NewCounter(
		cfg.Meter,
		"reserva_breaker_transitions_total",
		"Total circuit breaker state transitions",
		"{transitions}",
	)
	if err != nil {
		return nil, err
	}

	// Cache metrics
	bm.cacheReads, err = NewCounter(
		cfg.Meter,
		"reserva_cache_reads_total",
		"Total tiered cache reads by tier and outcome",
		"{reads}",
	)
	if err != nil {
		return nil, err
	}

	// Transport metrics
	bm.transportAttempts, err = NewCounter(
		cfg.Meter,
		"reserva_transport_attempts_total",
		"Total transport strategy attempts by outcome",
		"{attempts}",
	)
	if err != nil {
		return nil, err
	}

	bm.upstreamDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "reserva_upstream_duration_seconds",
		Description: "Duration of upstream platform calls per transport strategy",
		Unit:        "s",
		Boundaries:  UpstreamDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	// Cascade metrics
	bm.bookingAttempts, err = NewCounter(
		cfg.Meter,
		"reserva_booking_attempts_total",
		"Total booking cascade attempts by platform and outcome",
		"{attempts}",
	)
	if err != nil {
		return nil, err
	}

	// Places spend gauges
	bm.placesSpentCents, err = NewFloatGauge(
		cfg.Meter,
		"reserva_places_spent_cents",
		"Google Places API spend in the current billing window",
		"{cents}",
	)
	if err != nil {
		return nil, err
	}

	bm.placesBudgetCents, err = NewFloatGauge(
		cfg.Meter,
		"reserva_places_budget_cents",
		"Configured Google Places API budget ceiling",
		"{cents}",
	)
	if err != nil {
		return nil, err
	}

	return bm, nil
}

// =============================================================================
// Breaker Metrics
// =============================================================================

// RecordBreakerTransition records one circuit breaker state change.
// Wire it into the registry's transition hook at startup.
func (bm *BookingMetrics) RecordBreakerTransition(ctx context.Context, service, from, to string) {
	bm.breakerTransitions.Inc(ctx,
		AttrService.String(service),
		AttrBreakerFrom.String(from),
		AttrBreakerTo.String(to),
	)
}

// =============================================================================
// Cache Metrics
// =============================================================================

// RecordCacheRead records one tiered cache read outcome.
// Tier is "hot" or "warm"; a warm hit implies a hot miss preceded it.
func (bm *BookingMetrics) RecordCacheRead(ctx context.Context, name, tier string, hit bool) {
	bm.cacheReads.Inc(ctx,
		AttrCacheName.String(name),
		AttrCacheTier.String(tier),
		AttrCacheHit.String(strconv.FormatBool(hit)),
	)
}

// =============================================================================
// Transport Metrics
// =============================================================================

// RecordTransportAttempt records one strategy attempt and its duration.
// Outcome is "success", an error class name, or "lost" for ambiguous
// state-changing dispatches.
func (bm *BookingMetrics) RecordTransportAttempt(ctx context.Context, service, strategy, outcome string, elapsed time.Duration) {
	bm.transportAttempts.Inc(ctx,
		AttrService.String(service),
		AttrStrategy.String(strategy),
		AttrOutcome.String(outcome),
	)
	bm.upstreamDuration.RecordDuration(ctx, elapsed,
		AttrService.String(service),
		AttrStrategy.String(strategy),
	)
}

// =============================================================================
// Cascade Metrics
// =============================================================================

// RecordBookingAttempt records one cascade attempt against a platform.
func (bm *BookingMetrics) RecordBookingAttempt(ctx context.Context, platform, outcome string) {
	bm.bookingAttempts.Inc(ctx,
		AttrPlatform.String(platform),
		AttrOutcome.String(outcome),
	)
}

// =============================================================================
// Places Spend Metrics
// =============================================================================

// RecordPlacesSpend records the current window spend and budget ceiling.
func (bm *BookingMetrics) RecordPlacesSpend(ctx context.Context, spentCents, budgetCents float64) {
	bm.placesSpentCents.Record(ctx, spentCents)
	bm.placesBudgetCents.Record(ctx, budgetCents)
}

// =============================================================================
// Periodic Collection
// =============================================================================

// StartPeriodicCollection starts periodic collection of the spend gauges.
// Non-blocking; use Stop() to stop collection.
func (bm *BookingMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	bm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = time.Minute
		}

		go bm.runPeriodicCollection(ctx, interval)
	})
}

func (bm *BookingMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	bm.collectSpendMetrics(ctx)

	for {
		select {
		case <-bm.stopChan:
			bm.logger.Info("Stopping periodic booking metrics collection")
			return
		case <-ctx.Done():
			bm.logger.Info("Context cancelled, stopping periodic booking metrics collection")
			return
		case <-ticker.C:
			bm.collectSpendMetrics(ctx)
		}
	}
}

func (bm *BookingMetrics) collectSpendMetrics(ctx context.Context) {
	if bm.spendProvider == nil {
		bm.logger.Debug("No spend provider configured, skipping spend metrics collection")
		return
	}

	spent, budget, err := bm.spendProvider.Spend(ctx)
	if err != nil {
		bm.logger.Warn("Failed to collect Places spend", zap.Error(err))
		return
	}

	bm.RecordPlacesSpend(ctx, spent, budget)
}

// Stop stops the periodic collection.
func (bm *BookingMetrics) Stop() {
	bm.stopOnce.Do(func() {
		close(bm.stopChan)
	})
}

// =============================================================================
// Error Types
// =============================================================================

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewBookingMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
