package telemetry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reserva/backend/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

func TestNewBookingMetrics(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")

	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter:  meter,
		Logger: zap.NewNop(),
	})

	require.NoError(t, err)
	require.NotNil(t, bm)
}

func TestNewBookingMetrics_NilMeter(t *testing.T) {
	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter:  nil,
		Logger: zap.NewNop(),
	})

	require.Error(t, err)
	assert.Nil(t, bm)
	assert.Equal(t, "NewBookingMetrics: meter cannot be nil", err.Error())
}

func TestBookingMetrics_RecordBreakerTransition(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter: meter,
	})
	require.NoError(t, err)

	ctx := context.Background()

	// Should not panic
	bm.RecordBreakerTransition(ctx, "resy", "closed", "open")
	bm.RecordBreakerTransition(ctx, "resy", "open", "half_open")
	bm.RecordBreakerTransition(ctx, "opentable", "half_open", "closed")
}

func TestBookingMetrics_RecordCacheRead(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter: meter,
	})
	require.NoError(t, err)

	ctx := context.Background()

	// Should not panic
	bm.RecordCacheRead(ctx, "venue_identity", "hot", true)
	bm.RecordCacheRead(ctx, "venue_identity", "hot", false)
	bm.RecordCacheRead(ctx, "venue_identity", "warm", true)
}

func TestBookingMetrics_RecordTransportAttempt(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter: meter,
	})
	require.NoError(t, err)

	ctx := context.Background()

	// Should not panic and record both count and duration
	bm.RecordTransportAttempt(ctx, "resy", "http", "bot_challenge", 300*time.Millisecond)
	bm.RecordTransportAttempt(ctx, "resy", "browser", "success", 12*time.Second)
	bm.RecordTransportAttempt(ctx, "opentable", "http", "lost", 2*time.Second)
}

func TestBookingMetrics_RecordBookingAttempt(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter: meter,
	})
	require.NoError(t, err)

	ctx := context.Background()

	// Should not panic
	bm.RecordBookingAttempt(ctx, "resy", "circuit_open")
	bm.RecordBookingAttempt(ctx, "opentable", "success")
}

func TestBookingMetrics_RecordPlacesSpend(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter: meter,
	})
	require.NoError(t, err)

	ctx := context.Background()

	// Should not panic
	bm.RecordPlacesSpend(ctx, 1234.5, 20000)
	bm.RecordPlacesSpend(ctx, 0, 20000)
}

// Mock implementation for testing periodic collection

type mockSpendProvider struct {
	spent  float64
	budget float64
	err    error
	calls  atomic.Int64
}

func (m *mockSpendProvider) Spend(ctx context.Context) (float64, float64, error) {
	m.calls.Add(1)
	if m.err != nil {
		return 0, 0, m.err
	}
	return m.spent, m.budget, nil
}

func TestBookingMetrics_PeriodicCollection(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")

	provider := &mockSpendProvider{spent: 512, budget: 20000}

	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter:         meter,
		Logger:        zap.NewNop(),
		SpendProvider: provider,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start periodic collection with short interval for testing
	bm.StartPeriodicCollection(ctx, 100*time.Millisecond)

	// Wait for at least one collection cycle
	time.Sleep(150 * time.Millisecond)

	// Stop collection
	bm.Stop()

	assert.GreaterOrEqual(t, provider.calls.Load(), int64(1))
}

func TestBookingMetrics_PeriodicCollection_NoProvider(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")

	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter:  meter,
		Logger: zap.NewNop(),
		// No spend provider
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Should not panic with no spend provider
	bm.StartPeriodicCollection(ctx, 50*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	bm.Stop()
}

func TestBookingMetrics_PeriodicCollection_ProviderError(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")

	provider := &mockSpendProvider{err: errors.New("db unavailable")}

	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter:         meter,
		Logger:        zap.NewNop(),
		SpendProvider: provider,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Provider errors are logged, not fatal
	bm.StartPeriodicCollection(ctx, 50*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	bm.Stop()

	assert.GreaterOrEqual(t, provider.calls.Load(), int64(1))
}

func TestBookingMetrics_Stop_Idempotent(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter: meter,
	})
	require.NoError(t, err)

	// Calling Stop multiple times should not panic
	bm.Stop()
	bm.Stop()
	bm.Stop()
}

func TestBookingMetrics_StartPeriodicCollection_OnlyOnce(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	bm, err := telemetry.NewBookingMetrics(telemetry.BookingMetricsConfig{
		Meter:  meter,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Calling StartPeriodicCollection multiple times should only start once
	bm.StartPeriodicCollection(ctx, time.Hour)
	bm.StartPeriodicCollection(ctx, time.Minute)
	bm.StartPeriodicCollection(ctx, time.Second)

	bm.Stop()
}
