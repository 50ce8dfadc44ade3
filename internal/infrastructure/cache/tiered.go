package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Stats is a point-in-time view of tiered cache effectiveness
type Stats struct {
	Name       string `json:"name"`
	HotHits    int64  `json:"hot_hits"`
	HotMisses  int64  `json:"hot_misses"`
	WarmHits   int64  `json:"warm_hits"`
	WarmMisses int64  `json:"warm_misses"`
	Evictions  int64  `json:"evictions"`
	Entries    int    `json:"entries"`
}

// ObserveFunc reports one read outcome for metrics: tier is "hot" or "warm"
type ObserveFunc func(name, tier string, hit bool)

// Tiered layers the in-process hot tier over the persistent warm tier. Reads
// check hot first, then warm with a hot back-fill; writes go to both. A total
// miss returns present=false, never a fabricated value. Long warm TTLs are
// for slowly-changing metadata only; live availability must pass explicitly
// short TTLs, and booking commits must not read through here at all.
type Tiered[T any] struct {
	name string
	hot  *HotTier[T]
	warm Store

	hotTTL  time.Duration
	warmTTL time.Duration

	warmHits   int64
	warmMisses int64

	observe ObserveFunc
	logger  *zap.Logger
}

// TieredOption is a functional option for configuring the tiered cache
type TieredOption[T any] func(*Tiered[T])

// WithTieredLogger sets the logger
func WithTieredLogger[T any](logger *zap.Logger) TieredOption[T] {
	return func(c *Tiered[T]) {
		c.logger = logger
	}
}

// WithObserver registers a per-read observer for metrics
func WithObserver[T any](fn ObserveFunc) TieredOption[T] {
	return func(c *Tiered[T]) {
		c.observe = fn
	}
}

// NewTiered creates a tiered cache. hotTTL and warmTTL are the defaults used
// by Set; warm may be nil, leaving only the in-process tier active.
func NewTiered[T any](name string, hot *HotTier[T], warm Store, hotTTL, warmTTL time.Duration, opts ...TieredOption[T]) *Tiered[T] {
	c := &Tiered[T]{
		name:    name,
		hot:     hot,
		warm:    warm,
		hotTTL:  hotTTL,
		warmTTL: warmTTL,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get reads through the tiers. present=false means neither tier holds an
// unexpired entry; a warm-tier error degrades to a miss after logging, so a
// Redis outage slows callers down instead of failing them.
func (c *Tiered[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	if value, ok := c.hot.Get(key); ok {
		c.report("hot", true)
		return value, true, nil
	}
	c.report("hot", false)

	if c.warm == nil {
		return zero, false, nil
	}

	data, ok, err := c.warm.Get(ctx, key)
	if err != nil {
		c.logger.Warn("warm tier unavailable, treating as miss",
			zap.String("cache", c.name),
			zap.String("key", key),
			zap.Error(err))
		atomic.AddInt64(&c.warmMisses, 1)
		c.report("warm", false)
		return zero, false, nil
	}
	if !ok {
		atomic.AddInt64(&c.warmMisses, 1)
		c.report("warm", false)
		return zero, false, nil
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		// Corrupt entry: drop it rather than serve garbage
		_ = c.warm.Delete(ctx, key)
		atomic.AddInt64(&c.warmMisses, 1)
		c.report("warm", false)
		return zero, false, fmt.Errorf("failed to decode warm entry: %w", err)
	}

	atomic.AddInt64(&c.warmHits, 1)
	c.report("warm", true)
	c.hot.Set(key, value, c.hotTTL)
	return value, true, nil
}

// Set writes both tiers with the cache's default TTLs
func (c *Tiered[T]) Set(ctx context.Context, key string, value T) error {
	return c.SetTTL(ctx, key, value, c.hotTTL, c.warmTTL)
}

// SetTTL writes both tiers with explicit TTLs; time-sensitive values set
// short TTLs here even in the warm tier.
func (c *Tiered[T]) SetTTL(ctx context.Context, key string, value T, hotTTL, warmTTL time.Duration) error {
	c.hot.Set(key, value, hotTTL)

	if c.warm == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode warm entry: %w", err)
	}
	if err := c.warm.Set(ctx, key, data, warmTTL); err != nil {
		// Hot tier already holds the value; degraded, not broken
		c.logger.Warn("warm tier write failed",
			zap.String("cache", c.name),
			zap.String("key", key),
			zap.Error(err))
	}
	return nil
}

// Delete removes the key from both tiers
func (c *Tiered[T]) Delete(ctx context.Context, key string) error {
	c.hot.Delete(key)
	if c.warm == nil {
		return nil
	}
	return c.warm.Delete(ctx, key)
}

// Stats returns the cache's counters
func (c *Tiered[T]) Stats() Stats {
	hits, misses, evictions := c.hot.Counters()
	return Stats{
		Name:       c.name,
		HotHits:    hits,
		HotMisses:  misses,
		WarmHits:   atomic.LoadInt64(&c.warmHits),
		WarmMisses: atomic.LoadInt64(&c.warmMisses),
		Evictions:  evictions,
		Entries:    c.hot.Len(),
	}
}

// Close stops the hot tier and releases the warm store when owned
func (c *Tiered[T]) Close() error {
	_ = c.hot.Close()
	if c.warm == nil {
		return nil
	}
	return c.warm.Close()
}

func (c *Tiered[T]) report(tier string, hit bool) {
	if c.observe != nil {
		c.observe(c.name, tier, hit)
	}
}
