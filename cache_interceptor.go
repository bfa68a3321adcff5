package usekit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CacheMode selects where cached responses live.
type CacheMode string

const (
	// CacheModeMemory keeps responses in a bounded in-process cache.
	CacheModeMemory CacheMode = "memory"
	// CacheModeLocal persists responses in a Store that outlives the
	// process, a FileStore unless another Store is configured.
	CacheModeLocal CacheMode = "local"
	// CacheModeSession keeps serialized responses for the lifetime of
	// the process.
	CacheModeSession CacheMode = "session"
)

// ParseCacheMode accepts the mode names and their browser-style aliases
// "localStorage" and "sessionStorage".
func ParseCacheMode(s string) (CacheMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory":
		return CacheModeMemory, nil
	case "local", "localstorage":
		return CacheModeLocal, nil
	case "session", "sessionstorage":
		return CacheModeSession, nil
	}
	return "", fmt.Errorf("unknown cache mode %q", s)
}

// CacheConfig configures a CacheInterceptor.
type CacheConfig struct {
	Enabled bool
	Mode    CacheMode
	// TTL is the entry lifetime. Zero keeps entries until cleared.
	TTL time.Duration
	// Capacity bounds the memory cache. Zero or less removes the bound.
	Capacity int
	// KeyGenerator replaces Signature as the cache key.
	KeyGenerator func(*Request) string
	// Store backs the local and session modes.
	Store Store
	// Path is the FileStore location used by local mode without a Store.
	Path string
	// CleanupInterval runs a background sweep of expired memory entries.
	CleanupInterval time.Duration
}

// DefaultCacheConfig returns a disabled memory cache holding 100 entries
// for five minutes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:  false,
		Mode:     CacheModeMemory,
		TTL:      5 * time.Minute,
		Capacity: DefaultCacheCapacity,
	}
}

// storedEntry is the envelope written to a Store. Expiry is a unix
// millisecond timestamp; zero never expires.
type storedEntry struct {
	Data   *Response `json:"data"`
	Expiry int64     `json:"expiry"`
}

// CacheInterceptor caches successful GET responses. Store failures are
// logged and treated as misses; they never fail a request.
type CacheInterceptor struct {
	cfg    CacheConfig
	memory *BoundedCache[*Response]
	store  Store
	logger Logger
	now    func() time.Time
}

// NewCacheInterceptor builds an interceptor for cfg. Local mode without a
// Store opens a FileStore at cfg.Path, or under the user cache directory.
func NewCacheInterceptor(cfg CacheConfig) (*CacheInterceptor, error) {
	if cfg.Mode == "" {
		cfg.Mode = CacheModeMemory
	}
	c := &CacheInterceptor{cfg: cfg, logger: nopLogger{}, now: time.Now}

	switch cfg.Mode {
	case CacheModeMemory:
		c.memory = NewBoundedCache[*Response](cfg.Capacity, cfg.TTL)
	case CacheModeSession:
		c.store = cfg.Store
		if c.store == nil {
			c.store = NewMemoryStore()
		}
	case CacheModeLocal:
		c.store = cfg.Store
		if c.store == nil {
			path := cfg.Path
			if path == "" {
				path = defaultCachePath()
			}
			fs, err := NewFileStore(path)
			if err != nil {
				return nil, err
			}
			c.store = fs
		}
	default:
		return nil, fmt.Errorf("unknown cache mode %q", cfg.Mode)
	}
	return c, nil
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "usekit", "cache.msgpack")
}

// Enabled reports whether caching is switched on.
func (c *CacheInterceptor) Enabled() bool {
	return c != nil && c.cfg.Enabled
}

// Mode returns the configured mode.
func (c *CacheInterceptor) Mode() CacheMode {
	return c.cfg.Mode
}

// Key returns the cache key for req.
func (c *CacheInterceptor) Key(req *Request) string {
	if c.cfg.KeyGenerator != nil {
		return c.cfg.KeyGenerator(req)
	}
	return Signature(req)
}

// Cacheable reports whether req may be served from or stored in the cache.
func (c *CacheInterceptor) Cacheable(ctx context.Context, req *Request) bool {
	if !c.Enabled() {
		return false
	}
	if req.Method != "" && req.Method != MethodGet {
		return false
	}
	if cc := cacheControlFrom(ctx); cc != nil && !cc.Enabled {
		return false
	}
	return true
}

// Get returns a live cached response for req.
func (c *CacheInterceptor) Get(ctx context.Context, req *Request) (*Response, bool) {
	if !c.Cacheable(ctx, req) {
		return nil, false
	}
	key := c.Key(req)

	if c.memory != nil {
		resp, ok := c.memory.Get(key)
		if !ok {
			return nil, false
		}
		return resp.clone(), true
	}

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache store read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entry storedEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.Data == nil {
		c.logger.Warn("cache entry unreadable", "key", key, "error", err)
		return nil, false
	}
	if entry.Expiry != 0 && entry.Expiry <= c.now().UnixMilli() {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("cache store delete failed", "key", key, "error", err)
		}
		return nil, false
	}
	return entry.Data, true
}

// Set stores resp for req. The per-request TTL from WithCacheTTL wins over
// the configured one.
func (c *CacheInterceptor) Set(ctx context.Context, req *Request, resp *Response) {
	if !c.Cacheable(ctx, req) || resp == nil {
		return
	}
	key := c.Key(req)
	ttl := c.cfg.TTL
	if cc := cacheControlFrom(ctx); cc != nil && cc.TTL > 0 {
		ttl = cc.TTL
	}

	if c.memory != nil {
		c.memory.Set(key, resp.clone(), ttl)
		return
	}

	var expiry int64
	if ttl > 0 {
		expiry = c.now().Add(ttl).UnixMilli()
	}
	raw, err := json.Marshal(storedEntry{Data: resp, Expiry: expiry})
	if err != nil {
		c.logger.Warn("cache entry encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, raw); err != nil {
		c.logger.Warn("cache store write failed", "key", key, "error", err)
	}
}

// Invalidate drops the entry for req.
func (c *CacheInterceptor) Invalidate(ctx context.Context, req *Request) {
	key := c.Key(req)
	if c.memory != nil {
		c.memory.Delete(key)
	}
	if c.store != nil {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("cache store delete failed", "key", key, "error", err)
		}
	}
}

// Clear drops every entry.
func (c *CacheInterceptor) Clear(ctx context.Context) {
	if c.memory != nil {
		c.memory.Clear()
	}
	if c.store != nil {
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Warn("cache store clear failed", "error", err)
		}
	}
}

// Cleanup sweeps expired memory entries and returns how many were removed.
// Store-backed entries expire lazily on read.
func (c *CacheInterceptor) Cleanup() int {
	if c.memory == nil {
		return 0
	}
	return c.memory.Cleanup()
}

// Len returns the number of memory entries. ok is false for store-backed
// modes, which do not track a size.
func (c *CacheInterceptor) Len() (n int, ok bool) {
	if c.memory == nil {
		return 0, false
	}
	return c.memory.Len(), true
}

// Memory exposes the bounded cache behind memory mode, nil otherwise.
func (c *CacheInterceptor) Memory() *BoundedCache[*Response] {
	return c.memory
}
