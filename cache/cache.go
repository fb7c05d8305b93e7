// Package cache provides the keyed TTL store used by the catalog, balance,
// and quote services. Entries age out of Get after the TTL but remain
// reachable through GetStale for fallback reads, unless a hard deadline
// (quote expiry) has passed.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
	// deadline is the hard expiry after which even stale reads refuse the
	// entry. Zero means no hard expiry.
	deadline time.Time
}

// TTL is a goroutine-safe keyed cache. V is stored as given; callers that
// cache pointers share the pointed-to value.
type TTL[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry[V]
	now     func() time.Time
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithClock replaces the time source, for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *TTL[V]) { c.now = now }
}

// New builds a cache whose Get returns entries for at most ttl after Set.
func New[V any](ttl time.Duration, opts ...Option[V]) *TTL[V] {
	c := &TTL[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value iff it was set within the TTL and any hard deadline
// has not passed.
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	now := c.now()
	if c.expired(e, now) {
		delete(c.entries, key)
		return zero, false
	}
	if now.Sub(e.insertedAt) > c.ttl {
		return zero, false
	}
	return e.value, true
}

// GetStale returns the value regardless of TTL age, for fallback reads after
// a failed refresh. Entries past their hard deadline are deleted and not
// returned. The second return is the insertion time, the third reports
// presence.
func (c *TTL[V]) GetStale(key string) (V, time.Time, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zero, time.Time{}, false
	}
	if c.expired(e, c.now()) {
		delete(c.entries, key)
		return zero, time.Time{}, false
	}
	return e.value, e.insertedAt, true
}

func (c *TTL[V]) expired(e entry[V], now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// Set stores value and stamps its insertion time.
func (c *TTL[V]) Set(key string, value V) {
	c.SetWithDeadline(key, value, time.Time{})
}

// SetWithDeadline stores value with a hard expiry after which even GetStale
// refuses it. Used by the quote cache, where a stale quote is still useful
// but an expired one is not executable.
func (c *TTL[V]) SetWithDeadline(key string, value V, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, insertedAt: c.now(), deadline: deadline}
}

// Invalidate removes a single key.
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Reset drops every entry.
func (c *TTL[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len counts live entries, pruning any past their hard deadline.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
		}
	}
	return len(c.entries)
}
