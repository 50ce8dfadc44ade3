package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives breaker timing without sleeping
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestRegistry(clk *fakeClock, settings BreakerSettings) *Registry {
	return NewRegistry(
		WithDefaultSettings(settings),
		WithClock(clk.Now),
	)
}

func TestRegistryOpensAtThreshold(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	r := newTestRegistry(clk, BreakerSettings{FailureThreshold: 5, ResetTimeout: 120 * time.Second})

	for i := 0; i < 4; i++ {
		r.RecordFailure("resy")
		assert.Equal(t, StateClosed, r.State("resy"), "breaker must stay closed below the threshold")
	}

	r.RecordFailure("resy")
	assert.Equal(t, StateOpen, r.State("resy"), "fifth consecutive failure must open the breaker")
}

func TestRegistryRefusesWhileOpen(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	r := newTestRegistry(clk, BreakerSettings{FailureThreshold: 5, ResetTimeout: 120 * time.Second})

	for i := 0; i < 5; i++ {
		r.RecordFailure("resy")
	}

	clk.Advance(10 * time.Second)

	attempts := 0
	err := r.Execute(context.Background(), "resy", func(context.Context) error {
		attempts++
		return nil
	})

	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "resy", coe.Service)
	assert.Equal(t, 110*time.Second, coe.RetryAfter)
	assert.Zero(t, attempts, "open breaker must refuse without invoking the operation")
}

func TestRegistryHalfOpenTrial(t *testing.T) {
	t.Run("success after reset closes the breaker", func(t *testing.T) {
		clk := &fakeClock{now: time.Now()}
		r := newTestRegistry(clk, BreakerSettings{FailureThreshold: 5, ResetTimeout: 120 * time.Second})

		for i := 0; i < 5; i++ {
			r.RecordFailure("resy")
		}
		clk.Advance(121 * time.Second)

		attempts := 0
		err := r.Execute(context.Background(), "resy", func(context.Context) error {
			attempts++
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, StateClosed, r.State("resy"))

		snap := r.Snapshot()
		require.Len(t, snap, 1)
		assert.Zero(t, snap[0].ConsecutiveFailures, "success must reset the failure count")
	})

	t.Run("failure after reset reopens with a fresh cooldown", func(t *testing.T) {
		clk := &fakeClock{now: time.Now()}
		r := newTestRegistry(clk, BreakerSettings{FailureThreshold: 5, ResetTimeout: 120 * time.Second})

		for i := 0; i < 5; i++ {
			r.RecordFailure("resy")
		}
		clk.Advance(121 * time.Second)

		err := r.Execute(context.Background(), "resy", func(context.Context) error {
			return errors.New("still down")
		})
		require.Error(t, err)
		assert.Equal(t, StateOpen, r.State("resy"))

		clk.Advance(60 * time.Second)
		var coe *CircuitOpenError
		require.ErrorAs(t, r.Allow("resy"), &coe, "cooldown must restart from the failed trial")
		assert.Equal(t, 60*time.Second, coe.RetryAfter)
	})

	t.Run("exactly one trial call is admitted", func(t *testing.T) {
		clk := &fakeClock{now: time.Now()}
		r := newTestRegistry(clk, BreakerSettings{FailureThreshold: 1, ResetTimeout: time.Minute})

		r.RecordFailure("resy")
		clk.Advance(2 * time.Minute)

		require.NoError(t, r.Allow("resy"), "first caller claims the trial slot")

		var coe *CircuitOpenError
		require.ErrorAs(t, r.Allow("resy"), &coe, "second caller must be refused while the trial is in flight")
		assert.Zero(t, coe.RetryAfter)

		r.RecordSuccess("resy")
		assert.Equal(t, StateClosed, r.State("resy"))
	})
}

func TestRegistryServiceIsolation(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	r := NewRegistry(
		WithDefaultSettings(BreakerSettings{FailureThreshold: 2, ResetTimeout: time.Minute}),
		WithServiceSettings(map[string]BreakerSettings{
			"google_places": {FailureThreshold: 4, ResetTimeout: 2 * time.Minute},
		}),
		WithClock(clk.Now),
	)

	r.RecordFailure("resy")
	r.RecordFailure("resy")
	assert.Equal(t, StateOpen, r.State("resy"))
	assert.Equal(t, StateClosed, r.State("google_places"), "one service's failures must not leak into another")

	r.RecordFailure("google_places")
	r.RecordFailure("google_places")
	r.RecordFailure("google_places")
	assert.Equal(t, StateClosed, r.State("google_places"), "per-service threshold overrides the default")
	r.RecordFailure("google_places")
	assert.Equal(t, StateOpen, r.State("google_places"))
}

func TestRegistrySuccessResetsStreak(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	r := newTestRegistry(clk, BreakerSettings{FailureThreshold: 5, ResetTimeout: time.Minute})

	for i := 0; i < 4; i++ {
		r.RecordFailure("resy")
	}
	r.RecordSuccess("resy")
	for i := 0; i < 4; i++ {
		r.RecordFailure("resy")
	}

	assert.Equal(t, StateClosed, r.State("resy"), "threshold counts consecutive failures only")
}

func TestRegistryTransitionHook(t *testing.T) {
	type change struct {
		service  string
		from, to BreakerState
	}
	var seen []change

	clk := &fakeClock{now: time.Now()}
	r := NewRegistry(
		WithDefaultSettings(BreakerSettings{FailureThreshold: 1, ResetTimeout: time.Minute}),
		WithClock(clk.Now),
		WithTransitionHook(func(service string, from, to BreakerState) {
			seen = append(seen, change{service, from, to})
		}),
	)

	r.RecordFailure("resy")
	clk.Advance(2 * time.Minute)
	require.NoError(t, r.Allow("resy"))
	r.RecordSuccess("resy")

	require.Len(t, seen, 3)
	assert.Equal(t, change{"resy", StateClosed, StateOpen}, seen[0])
	assert.Equal(t, change{"resy", StateOpen, StateHalfOpen}, seen[1])
	assert.Equal(t, change{"resy", StateHalfOpen, StateClosed}, seen[2])
}

func TestRegistryConcurrentAccess(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	r := newTestRegistry(clk, BreakerSettings{FailureThreshold: 50, ResetTimeout: time.Minute})

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				_ = r.Execute(context.Background(), "resy", func(context.Context) error {
					return nil
				})
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, StateClosed, r.State("resy"))
}
