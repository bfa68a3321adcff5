package usekit

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheCapacity is the entry bound used when none is configured.
const DefaultCacheCapacity = 100

// EvictReason tells an eviction hook why an entry left the cache.
type EvictReason int

const (
	// EvictCapacity means the entry was the least recently used one when
	// an insert overflowed the cache.
	EvictCapacity EvictReason = iota
	// EvictExpired means the entry outlived its TTL.
	EvictExpired
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// BoundedCache is a key/value store bounded both in time (per-entry TTL)
// and in size (least-recently-used eviction). Reads are lazy about expiry:
// an expired entry is removed the moment it is looked up. It is safe for
// concurrent use.
type BoundedCache[V any] struct {
	mu         sync.Mutex
	items      map[string]*cacheNode[V]
	head, tail *cacheNode[V] // head is most recently used
	capacity   int
	defaultTTL time.Duration
	onEvict    func(key string, reason EvictReason)
	now        func() time.Time
}

type cacheNode[V any] struct {
	key        string
	value      V
	expiresAt  time.Time // zero means never
	prev, next *cacheNode[V]
}

// NewBoundedCache creates a cache holding at most capacity entries.
// capacity <= 0 disables the size bound. defaultTTL applies to Set calls
// without an explicit ttl; zero means entries never expire.
func NewBoundedCache[V any](capacity int, defaultTTL time.Duration) *BoundedCache[V] {
	return &BoundedCache[V]{
		items:      make(map[string]*cacheNode[V]),
		capacity:   capacity,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// OnEvict registers fn to be called, under the cache lock, for every
// capacity or expiry eviction. fn must not call back into the cache.
func (c *BoundedCache[V]) OnEvict(fn func(key string, reason EvictReason)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Get returns the live value for key and marks it most recently used.
func (c *BoundedCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	n, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if c.expired(n, c.now()) {
		c.remove(n)
		c.evicted(key, EvictExpired)
		return zero, false
	}
	c.moveToFront(n)
	return n.value, true
}

// Set stores value under key. The optional ttl overrides the default
// lifetime; a ttl of 0 stores the entry without expiry. Overwriting a key
// refreshes both its value and its recency.
func (c *BoundedCache[V]) Set(key string, value V, ttl ...time.Duration) {
	lifetime := c.defaultTTL
	if len(ttl) > 0 {
		lifetime = ttl[0]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if lifetime > 0 {
		expiresAt = c.now().Add(lifetime)
	}

	if n, ok := c.items[key]; ok {
		n.value = value
		n.expiresAt = expiresAt
		c.moveToFront(n)
		return
	}

	n := &cacheNode[V]{key: key, value: value, expiresAt: expiresAt}
	c.items[key] = n
	c.pushFront(n)

	for c.capacity > 0 && len(c.items) > c.capacity {
		victim := c.tail
		c.remove(victim)
		c.evicted(victim.key, EvictCapacity)
	}
}

// Delete removes key and reports whether it was present.
func (c *BoundedCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if ok {
		c.remove(n)
	}
	return ok
}

// Clear drops every entry.
func (c *BoundedCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*cacheNode[V])
	c.head, c.tail = nil, nil
}

// Len returns the number of stored entries, expired ones included until
// they are looked up or swept.
func (c *BoundedCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity returns the configured size bound.
func (c *BoundedCache[V]) Capacity() int {
	return c.capacity
}

// Keys lists keys from most to least recently used.
func (c *BoundedCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for n := c.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// Cleanup removes every expired entry and returns how many were dropped.
// Entries stored without expiry are never touched.
func (c *BoundedCache[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for n := c.tail; n != nil; {
		prev := n.prev
		if c.expired(n, now) {
			c.remove(n)
			c.evicted(n.key, EvictExpired)
			removed++
		}
		n = prev
	}
	return removed
}

// StartJanitor sweeps expired entries every interval until ctx is done.
func (c *BoundedCache[V]) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

func (c *BoundedCache[V]) expired(n *cacheNode[V], now time.Time) bool {
	return !n.expiresAt.IsZero() && !now.Before(n.expiresAt)
}

func (c *BoundedCache[V]) evicted(key string, reason EvictReason) {
	if c.onEvict != nil {
		c.onEvict(key, reason)
	}
}

func (c *BoundedCache[V]) pushFront(n *cacheNode[V]) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *BoundedCache[V]) unlink(n *cacheNode[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (c *BoundedCache[V]) moveToFront(n *cacheNode[V]) {
	if c.head == n {
		return
	}
	c.unlink(n)
	c.pushFront(n)
}

func (c *BoundedCache[V]) remove(n *cacheNode[V]) {
	c.unlink(n)
	delete(c.items, n.key)
}
