package usekit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache[V any](capacity int, ttl time.Duration, clock *fakeClock) *BoundedCache[V] {
	c := NewBoundedCache[V](capacity, ttl)
	c.now = clock.Now
	return c
}

func TestBoundedCacheGetSet(t *testing.T) {
	c := newTestCache[string](10, time.Minute, newFakeClock())

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", "1")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	c.Set("a", "2")
	v, _ = c.Get("a")
	assert.Equal(t, "2", v)
	assert.Equal(t, 1, c.Len())
}

func TestBoundedCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](10, time.Minute, clock)

	c.Set("k", 1)
	c.Set("short", 2, time.Second)

	clock.Advance(999 * time.Millisecond)
	_, ok := c.Get("short")
	assert.True(t, ok, "entry must live until its expiry instant")

	clock.Advance(time.Millisecond)
	_, ok = c.Get("short")
	assert.False(t, ok, "entry must not be returned at or after expiry")
	assert.Equal(t, 1, c.Len(), "expired entry is removed on lookup")

	clock.Advance(time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestBoundedCacheZeroTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string](10, time.Minute, clock)

	c.Set("GET:/x:", "payload", 0)
	c.Set("other", "gone", time.Second)

	clock.Advance(24 * 365 * time.Hour)
	assert.Equal(t, 1, c.Cleanup())

	v, ok := c.Get("GET:/x:")
	require.True(t, ok)
	assert.Equal(t, "payload", v)
}

func TestBoundedCacheLRUEviction(t *testing.T) {
	c := newTestCache[int](3, 0, newFakeClock())

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4)

	_, ok := c.Get("a")
	assert.False(t, ok, "least recently inserted entry should be evicted")
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"d", "c", "b"}, c.Keys())
}

func TestBoundedCacheGetChangesVictim(t *testing.T) {
	c := newTestCache[int](3, 0, newFakeClock())

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)

	_, ok = c.Get("a")
	assert.True(t, ok, "touched entry must survive")
	_, ok = c.Get("b")
	assert.False(t, ok, "untouched oldest entry must be evicted")
}

func TestBoundedCacheOverwriteRefreshesRecency(t *testing.T) {
	c := newTestCache[int](2, 0, newFakeClock())

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)
	c.Set("c", 3)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestBoundedCacheUnbounded(t *testing.T) {
	c := newTestCache[int](0, 0, newFakeClock())
	for i := 0; i < 500; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	assert.Equal(t, 500, c.Len())
}

func TestBoundedCacheDeleteAndClear(t *testing.T) {
	c := newTestCache[int](5, 0, newFakeClock())
	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, []string{"b"}, c.Keys())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())

	c.Set("c", 3)
	assert.Equal(t, []string{"c"}, c.Keys())
}

func TestBoundedCacheEvictHook(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](1, time.Second, clock)

	reasons := map[string]EvictReason{}
	c.OnEvict(func(key string, reason EvictReason) {
		reasons[key] = reason
	})

	c.Set("a", 1)
	c.Set("b", 2)
	clock.Advance(2 * time.Second)
	c.Cleanup()

	assert.Equal(t, EvictCapacity, reasons["a"])
	assert.Equal(t, EvictExpired, reasons["b"])
	assert.Equal(t, "capacity", EvictCapacity.String())
}

func TestBoundedCacheJanitor(t *testing.T) {
	c := NewBoundedCache[int](10, 0)
	c.Set("short", 1, 5*time.Millisecond)
	c.Set("forever", 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartJanitor(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := c.Get("forever")
	assert.True(t, ok)
}

func TestBoundedCacheConcurrentAccess(t *testing.T) {
	c := NewBoundedCache[int](50, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%80)
				c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
	assert.Len(t, c.Keys(), c.Len())
}

func BenchmarkBoundedCacheSetGet(b *testing.B) {
	c := NewBoundedCache[int](1000, time.Minute)
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("k%d", i%2000)
		c.Set(key, i)
		c.Get(key)
	}
}
