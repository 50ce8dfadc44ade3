// Package cache provides the tiered cache in front of the upstream
// platforms: a bounded in-process hot tier over a Redis warm tier. It trades
// staleness for latency and upstream quota; operations that commit a booking
// must bypass it entirely.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 30 * time.Second

// hotEntry is one hot-tier slot
type hotEntry[T any] struct {
	key      string
	value    T
	storedAt time.Time
	ttl      time.Duration
}

func (e *hotEntry[T]) expired(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// HotTier is the in-process cache tier: bounded capacity, strict LRU
// eviction, short per-entry TTLs. An entry is never returned once its age
// reaches its TTL; at capacity the entry with the oldest last access is
// evicted first.
type HotTier[T any] struct {
	mu       sync.Mutex
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
	capacity int

	hits      int64
	misses    int64
	evictions int64

	now           func() time.Time
	sweepInterval time.Duration
	logger        *zap.Logger

	stopCh chan struct{}
	closed int32
}

// HotTierOption is a functional option for configuring the hot tier
type HotTierOption[T any] func(*HotTier[T])

// WithHotClock injects the clock, for tests
func WithHotClock[T any](now func() time.Time) HotTierOption[T] {
	return func(h *HotTier[T]) {
		h.now = now
	}
}

// WithHotLogger sets the logger
func WithHotLogger[T any](logger *zap.Logger) HotTierOption[T] {
	return func(h *HotTier[T]) {
		h.logger = logger
	}
}

// WithSweepInterval overrides the expired-entry sweep cadence
func WithSweepInterval[T any](d time.Duration) HotTierOption[T] {
	return func(h *HotTier[T]) {
		h.sweepInterval = d
	}
}

// NewHotTier creates a hot tier with the given capacity and starts its
// background sweep. Call Close to stop the sweep.
func NewHotTier[T any](capacity int, opts ...HotTierOption[T]) *HotTier[T] {
	if capacity < 1 {
		capacity = 1
	}
	h := &HotTier[T]{
		order:         list.New(),
		entries:       make(map[string]*list.Element),
		capacity:      capacity,
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		logger:        zap.NewNop(),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.sweepLoop()
	return h
}

// Get returns the entry when present and unexpired, refreshing its recency.
// An expired entry is removed on read, never returned.
func (h *HotTier[T]) Get(key string) (T, bool) {
	var zero T

	h.mu.Lock()
	defer h.mu.Unlock()

	el, ok := h.entries[key]
	if !ok {
		atomic.AddInt64(&h.misses, 1)
		return zero, false
	}

	entry := el.Value.(*hotEntry[T])
	if entry.expired(h.now()) {
		h.remove(el)
		atomic.AddInt64(&h.misses, 1)
		return zero, false
	}

	h.order.MoveToFront(el)
	atomic.AddInt64(&h.hits, 1)
	return entry.value, true
}

// Set stores the entry with its TTL, evicting the least-recently-accessed
// entry at capacity.
func (h *HotTier[T]) Set(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if el, ok := h.entries[key]; ok {
		entry := el.Value.(*hotEntry[T])
		entry.value = value
		entry.storedAt = h.now()
		entry.ttl = ttl
		h.order.MoveToFront(el)
		return
	}

	el := h.order.PushFront(&hotEntry[T]{
		key:      key,
		value:    value,
		storedAt: h.now(),
		ttl:      ttl,
	})
	h.entries[key] = el

	if h.order.Len() > h.capacity {
		oldest := h.order.Back()
		if oldest != nil {
			h.remove(oldest)
			atomic.AddInt64(&h.evictions, 1)
		}
	}
}

// Delete removes the entry when present
func (h *HotTier[T]) Delete(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if el, ok := h.entries[key]; ok {
		h.remove(el)
	}
}

// Len returns the current entry count
func (h *HotTier[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.order.Len()
}

// Counters returns hits, misses and evictions since creation
func (h *HotTier[T]) Counters() (hits, misses, evictions int64) {
	return atomic.LoadInt64(&h.hits), atomic.LoadInt64(&h.misses), atomic.LoadInt64(&h.evictions)
}

// Close stops the background sweep. Safe to call more than once.
func (h *HotTier[T]) Close() error {
	if atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		close(h.stopCh)
	}
	return nil
}

// remove drops an element from both structures. Callers hold h.mu.
func (h *HotTier[T]) remove(el *list.Element) {
	entry := el.Value.(*hotEntry[T])
	h.order.Remove(el)
	delete(h.entries, entry.key)
}

// sweepLoop drops expired entries in the background so memory is not held
// until the next read of each key.
func (h *HotTier[T]) sweepLoop() {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hot tier sweep recovered from panic", zap.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

func (h *HotTier[T]) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for el := h.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*hotEntry[T]).expired(now) {
			h.remove(el)
		}
		el = prev
	}
}
