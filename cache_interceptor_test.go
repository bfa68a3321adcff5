package usekit

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInterceptor(t *testing.T, cfg CacheConfig) *CacheInterceptor {
	t.Helper()
	cfg.Enabled = true
	c, err := NewCacheInterceptor(cfg)
	require.NoError(t, err)
	return c
}

func okResponse(body string) *Response {
	return &Response{Data: []byte(body), Status: http.StatusOK, StatusText: "OK", Header: http.Header{"X-Test": {"1"}}}
}

func TestParseCacheMode(t *testing.T) {
	tests := []struct {
		in   string
		want CacheMode
	}{
		{"", CacheModeMemory},
		{"memory", CacheModeMemory},
		{"localStorage", CacheModeLocal},
		{"local", CacheModeLocal},
		{"sessionStorage", CacheModeSession},
		{"SESSION", CacheModeSession},
	}
	for _, tt := range tests {
		got, err := ParseCacheMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseCacheMode("indexeddb")
	assert.Error(t, err)
}

func TestCacheInterceptorModes(t *testing.T) {
	modes := map[string]CacheConfig{
		"memory":  {Mode: CacheModeMemory, TTL: time.Minute, Capacity: 10},
		"session": {Mode: CacheModeSession, TTL: time.Minute},
		"local":   {Mode: CacheModeLocal, TTL: time.Minute, Path: filepath.Join(t.TempDir(), "cache.msgpack")},
	}

	for name, cfg := range modes {
		t.Run(name, func(t *testing.T) {
			c := newTestInterceptor(t, cfg)
			ctx := context.Background()
			req := &Request{URL: "/users", Method: MethodGet, Params: map[string]any{"page": 1}}

			_, ok := c.Get(ctx, req)
			assert.False(t, ok)

			c.Set(ctx, req, okResponse(`{"id":1}`))
			got, ok := c.Get(ctx, req)
			require.True(t, ok)
			assert.Equal(t, `{"id":1}`, string(got.Data))
			assert.Equal(t, http.StatusOK, got.Status)
			assert.Equal(t, "1", got.Header.Get("X-Test"))

			c.Invalidate(ctx, req)
			_, ok = c.Get(ctx, req)
			assert.False(t, ok)

			c.Set(ctx, req, okResponse("again"))
			c.Clear(ctx)
			_, ok = c.Get(ctx, req)
			assert.False(t, ok)
		})
	}
}

func TestCacheInterceptorOnlyGET(t *testing.T) {
	c := newTestInterceptor(t, DefaultCacheConfig())
	ctx := context.Background()

	post := &Request{URL: "/users", Method: MethodPost}
	c.Set(ctx, post, okResponse("x"))
	_, ok := c.Get(ctx, post)
	assert.False(t, ok)
	assert.Equal(t, 0, memoryLen(t, c))

	assert.True(t, c.Cacheable(ctx, &Request{URL: "/users"}), "empty method means GET")
}

func TestCacheInterceptorDisabled(t *testing.T) {
	c, err := NewCacheInterceptor(DefaultCacheConfig())
	require.NoError(t, err)
	ctx := context.Background()
	req := &Request{URL: "/a", Method: MethodGet}

	c.Set(ctx, req, okResponse("x"))
	_, ok := c.Get(ctx, req)
	assert.False(t, ok)
}

func TestCacheInterceptorContextOverrides(t *testing.T) {
	c := newTestInterceptor(t, CacheConfig{Mode: CacheModeMemory, TTL: time.Minute, Capacity: 10})
	clock := newFakeClock()
	c.memory.now = clock.Now
	req := &Request{URL: "/a", Method: MethodGet}

	c.Set(WithCacheDisabled(context.Background()), req, okResponse("skip"))
	assert.Equal(t, 0, memoryLen(t, c))

	ctx := WithCacheTTL(context.Background(), time.Hour)
	c.Set(ctx, req, okResponse("long"))
	clock.Advance(2 * time.Minute)
	got, ok := c.Get(context.Background(), req)
	require.True(t, ok, "per-request ttl outlives the default")
	assert.Equal(t, "long", string(got.Data))

	_, ok = c.Get(WithCacheDisabled(context.Background()), req)
	assert.False(t, ok)
}

func TestCacheInterceptorStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	c := newTestInterceptor(t, CacheConfig{Mode: CacheModeSession, TTL: time.Minute, Store: store})
	clock := newFakeClock()
	c.now = clock.Now
	ctx := context.Background()
	req := &Request{URL: "/a"}

	c.Set(ctx, req, okResponse("x"))
	assert.Equal(t, 1, store.Len())

	clock.Advance(time.Minute)
	_, ok := c.Get(ctx, req)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len(), "expired entry is deleted on read")
}

func TestCacheInterceptorStoreZeroTTL(t *testing.T) {
	c := newTestInterceptor(t, CacheConfig{Mode: CacheModeSession})
	clock := newFakeClock()
	c.now = clock.Now
	ctx := context.Background()
	req := &Request{URL: "/x"}

	c.Set(ctx, req, okResponse("forever"))
	clock.Advance(365 * 24 * time.Hour)

	_, ok := c.Get(ctx, req)
	assert.True(t, ok)
}

func TestCacheInterceptorCorruptEntryIsMiss(t *testing.T) {
	store := NewMemoryStore()
	c := newTestInterceptor(t, CacheConfig{Mode: CacheModeLocal, Store: store, TTL: time.Minute})
	ctx := context.Background()
	req := &Request{URL: "/a"}

	require.NoError(t, store.Set(ctx, c.Key(req), []byte("{not json")))
	_, ok := c.Get(ctx, req)
	assert.False(t, ok)
}

type failingStore struct{ MemoryStore }

func (*failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("quota exceeded")
}

func (*failingStore) Set(context.Context, string, []byte) error {
	return errors.New("quota exceeded")
}

func TestCacheInterceptorStoreErrorsAreMisses(t *testing.T) {
	c := newTestInterceptor(t, CacheConfig{Mode: CacheModeLocal, Store: &failingStore{}, TTL: time.Minute})
	ctx := context.Background()
	req := &Request{URL: "/a"}

	assert.NotPanics(t, func() { c.Set(ctx, req, okResponse("x")) })
	_, ok := c.Get(ctx, req)
	assert.False(t, ok)
}

func TestCacheInterceptorKeyGenerator(t *testing.T) {
	c := newTestInterceptor(t, CacheConfig{
		Mode:         CacheModeMemory,
		TTL:          time.Minute,
		KeyGenerator: func(r *Request) string { return "fixed" },
	})
	ctx := context.Background()

	c.Set(ctx, &Request{URL: "/a"}, okResponse("a"))
	got, ok := c.Get(ctx, &Request{URL: "/b"})
	require.True(t, ok)
	assert.Equal(t, "a", string(got.Data))
	assert.Equal(t, []string{"fixed"}, c.Memory().Keys())
}

func TestCacheInterceptorReturnsCopies(t *testing.T) {
	c := newTestInterceptor(t, CacheConfig{Mode: CacheModeMemory, TTL: time.Minute})
	ctx := context.Background()
	req := &Request{URL: "/a"}

	resp := okResponse("orig")
	c.Set(ctx, req, resp)
	resp.Data[0] = 'X'

	got, _ := c.Get(ctx, req)
	got.Data[1] = 'Y'

	again, _ := c.Get(ctx, req)
	assert.Equal(t, "orig", string(again.Data))
}

func TestCacheInterceptorCleanup(t *testing.T) {
	c := newTestInterceptor(t, CacheConfig{Mode: CacheModeMemory, TTL: time.Minute})
	clock := newFakeClock()
	c.memory.now = clock.Now
	ctx := context.Background()

	c.Set(ctx, &Request{URL: "/a"}, okResponse("a"))
	c.Set(WithCacheTTL(ctx, time.Hour), &Request{URL: "/b"}, okResponse("b"))
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 1, memoryLen(t, c))

	session := newTestInterceptor(t, CacheConfig{Mode: CacheModeSession})
	assert.Equal(t, 0, session.Cleanup())
	_, ok := session.Len()
	assert.False(t, ok, "session mode has no size")
}

func TestCacheInterceptorLocalPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.msgpack")
	ctx := context.Background()
	req := &Request{URL: "/persisted"}

	first := newTestInterceptor(t, CacheConfig{Mode: CacheModeLocal, Path: path, TTL: time.Hour})
	first.Set(ctx, req, okResponse("kept"))

	second := newTestInterceptor(t, CacheConfig{Mode: CacheModeLocal, Path: path, TTL: time.Hour})
	got, ok := second.Get(ctx, req)
	require.True(t, ok)
	assert.Equal(t, "kept", string(got.Data))
}

func TestNewCacheInterceptorUnknownMode(t *testing.T) {
	_, err := NewCacheInterceptor(CacheConfig{Mode: "indexeddb"})
	assert.Error(t, err)
}

func memoryLen(t *testing.T, c *CacheInterceptor) int {
	t.Helper()
	n, ok := c.Len()
	require.True(t, ok, "memory mode tracks its size")
	return n
}
