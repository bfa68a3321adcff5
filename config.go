package usekit

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative form of a client's settings. Function-valued
// settings such as the refresh function or a retry policy are passed as
// options to NewFromConfig.
type Config struct {
	BaseURL     string            `yaml:"baseURL"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
	Compression bool              `yaml:"compression"`
	Debug       bool              `yaml:"debug"`

	Retry        RetrySettings       `yaml:"retry"`
	Cache        CacheSettings       `yaml:"cache"`
	TokenRefresh TokenSettings       `yaml:"tokenRefresh"`
	Concurrency  ConcurrencySettings `yaml:"concurrency"`
}

// RetrySettings mirrors RetryConfig. Unset fields keep their defaults.
type RetrySettings struct {
	Enabled              *bool         `yaml:"enabled"`
	MaxRetries           *int          `yaml:"maxRetries"`
	RetryDelay           time.Duration `yaml:"retryDelay"`
	RetryDelayMultiplier float64       `yaml:"retryDelayMultiplier"`
	MaxDelay             time.Duration `yaml:"maxDelay"`
	Jitter               float64       `yaml:"jitter"`
	Strategy             string        `yaml:"strategy"`
	RetryableStatusCodes []int         `yaml:"retryableStatusCodes"`
}

// CacheSettings mirrors CacheConfig. A nil TTL keeps the default lifetime
// and an explicit zero keeps entries until cleared.
type CacheSettings struct {
	Enabled         bool           `yaml:"enabled"`
	Mode            string         `yaml:"mode"`
	TTL             *time.Duration `yaml:"ttl"`
	Capacity        int            `yaml:"capacity"`
	Path            string         `yaml:"path"`
	CleanupInterval time.Duration  `yaml:"cleanupInterval"`

	// NATSURL and NATSBucket back the local mode with a JetStream KV
	// bucket instead of a file.
	NATSURL    string `yaml:"natsURL"`
	NATSBucket string `yaml:"natsBucket"`
}

// TokenSettings mirrors TokenRefreshConfig without the refresh function.
type TokenSettings struct {
	Enabled            bool          `yaml:"enabled"`
	TokenKey           string        `yaml:"tokenKey"`
	TokenHeader        string        `yaml:"tokenHeader"`
	TokenPrefix        *string       `yaml:"tokenPrefix"`
	RefreshStatusCodes []int         `yaml:"refreshStatusCodes"`
	ExpiryLeeway       time.Duration `yaml:"expiryLeeway"`
}

// ConcurrencySettings mirrors GateConfig. The gate stays off unless enabled
// is true.
type ConcurrencySettings struct {
	Enabled          *bool `yaml:"enabled"`
	MaxConcurrent    int   `yaml:"maxConcurrent"`
	CancelDuplicates *bool `yaml:"cancelDuplicates"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from environment variables named PREFIX_SETTING,
// e.g. USEKIT_BASE_URL or USEKIT_CACHE_TTL. Each variable falls back to a
// file named by PREFIX_SETTING_FILE. Malformed values are reported together
// and leave the field untouched.
func (cfg *Config) ApplyEnv(prefix string) error {
	e := envReader{prefix: strings.TrimSuffix(prefix, "_")}

	e.str("BASE_URL", &cfg.BaseURL)
	e.duration("TIMEOUT", &cfg.Timeout)
	e.boolean("DEBUG", &cfg.Debug)
	e.boolean("COMPRESSION", &cfg.Compression)

	e.boolPtr("RETRY_ENABLED", &cfg.Retry.Enabled)
	e.intPtr("MAX_RETRIES", &cfg.Retry.MaxRetries)
	e.duration("RETRY_DELAY", &cfg.Retry.RetryDelay)
	e.float("RETRY_DELAY_MULTIPLIER", &cfg.Retry.RetryDelayMultiplier)
	e.duration("RETRY_MAX_DELAY", &cfg.Retry.MaxDelay)
	e.str("RETRY_STRATEGY", &cfg.Retry.Strategy)

	e.boolean("CACHE_ENABLED", &cfg.Cache.Enabled)
	e.str("CACHE_MODE", &cfg.Cache.Mode)
	e.durationPtr("CACHE_TTL", &cfg.Cache.TTL)
	e.integer("CACHE_CAPACITY", &cfg.Cache.Capacity)
	e.str("CACHE_PATH", &cfg.Cache.Path)
	e.str("CACHE_NATS_URL", &cfg.Cache.NATSURL)
	e.str("CACHE_NATS_BUCKET", &cfg.Cache.NATSBucket)

	e.boolean("TOKEN_REFRESH_ENABLED", &cfg.TokenRefresh.Enabled)
	e.str("TOKEN_KEY", &cfg.TokenRefresh.TokenKey)
	e.str("TOKEN_HEADER", &cfg.TokenRefresh.TokenHeader)

	e.boolPtr("CONCURRENCY_ENABLED", &cfg.Concurrency.Enabled)
	e.integer("MAX_CONCURRENT", &cfg.Concurrency.MaxConcurrent)
	e.boolPtr("CANCEL_DUPLICATES", &cfg.Concurrency.CancelDuplicates)

	return errors.Join(e.errs...)
}

// Options translates cfg into client options.
func (cfg Config) Options() ([]Option, error) {
	var opts []Option

	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, WithHeaders(cfg.Headers))
	}
	if cfg.Compression {
		opts = append(opts, WithCompression())
	}
	if cfg.Debug {
		opts = append(opts, WithDebug())
	}

	r := cfg.Retry
	if r.Enabled != nil && !*r.Enabled {
		opts = append(opts, WithoutRetry())
	}
	if r.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*r.MaxRetries))
	}
	if r.RetryDelay > 0 {
		opts = append(opts, WithRetryDelay(r.RetryDelay))
	}
	if r.RetryDelayMultiplier > 0 {
		opts = append(opts, WithRetryMultiplier(r.RetryDelayMultiplier))
	}
	if r.MaxDelay > 0 {
		opts = append(opts, WithMaxRetryDelay(r.MaxDelay))
	}
	if r.Jitter > 0 {
		opts = append(opts, WithJitter(r.Jitter))
	}
	if len(r.RetryableStatusCodes) > 0 {
		opts = append(opts, WithRetryableStatusCodes(r.RetryableStatusCodes...))
	}
	switch strings.ToLower(r.Strategy) {
	case "", "exponential":
	case "decorrelated":
		opts = append(opts, WithBackoffStrategy(DecorrelatedJitter))
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", r.Strategy)
	}

	cs := cfg.Cache
	if cs.Enabled {
		mode, err := ParseCacheMode(cs.Mode)
		if err != nil {
			return nil, err
		}
		ttl := DefaultCacheConfig().TTL
		if cs.TTL != nil {
			ttl = *cs.TTL
		}
		opts = append(opts, WithCache(ttl), WithCacheMode(mode))
		if cs.Capacity > 0 {
			opts = append(opts, WithCacheCapacity(cs.Capacity))
		}
		if cs.Path != "" {
			opts = append(opts, WithCachePath(cs.Path))
		}
		if cs.CleanupInterval > 0 {
			opts = append(opts, WithCacheCleanup(cs.CleanupInterval))
		}
		if cs.NATSURL != "" {
			if mode != CacheModeLocal {
				return nil, fmt.Errorf("cache mode %q cannot use a NATS bucket", mode)
			}
			bucket := cs.NATSBucket
			if bucket == "" {
				bucket = "usekit"
			}
			store, err := ConnectNATSStore(NATSStoreConfig{URL: cs.NATSURL, Bucket: bucket})
			if err != nil {
				return nil, err
			}
			opts = append(opts, withOwnedStore(store))
		}
	}

	ts := cfg.TokenRefresh
	if ts.Enabled || ts.TokenKey != "" || ts.TokenHeader != "" || ts.TokenPrefix != nil || len(ts.RefreshStatusCodes) > 0 || ts.ExpiryLeeway > 0 {
		opts = append(opts, func(c *Client) {
			c.tokenCfg.Enabled = c.tokenCfg.Enabled || ts.Enabled
			if ts.TokenKey != "" {
				c.tokenCfg.TokenKey = ts.TokenKey
			}
			if ts.TokenHeader != "" {
				c.tokenCfg.TokenHeader = ts.TokenHeader
			}
			if ts.TokenPrefix != nil {
				c.tokenCfg.TokenPrefix = *ts.TokenPrefix
			}
			if len(ts.RefreshStatusCodes) > 0 {
				c.tokenCfg.RefreshStatusCodes = ts.RefreshStatusCodes
			}
			if ts.ExpiryLeeway > 0 {
				c.tokenCfg.ExpiryLeeway = ts.ExpiryLeeway
			}
		})
	}

	cc := cfg.Concurrency
	switch {
	case cc.Enabled != nil && !*cc.Enabled:
		opts = append(opts, WithoutConcurrencyLimit())
	case cc.Enabled != nil || cc.MaxConcurrent != 0 || cc.CancelDuplicates != nil:
		opts = append(opts, func(c *Client) {
			if cc.Enabled != nil {
				c.gateCfg.Enabled = true
			}
			if cc.MaxConcurrent != 0 {
				c.gateCfg.MaxConcurrent = cc.MaxConcurrent
			}
			if cc.CancelDuplicates != nil {
				c.gateCfg.CancelDuplicates = *cc.CancelDuplicates
			}
		})
	}

	return opts, nil
}

// NewFromConfig builds a client from cfg, then applies opts. A cfg that
// cannot be translated leaves the client invalid.
func NewFromConfig(cfg Config, opts ...Option) *Client {
	base, err := cfg.Options()
	if err != nil {
		c := New(opts...)
		c.validationError = &ClientError{Type: ErrorTypeConfiguration, Message: "invalid config", Cause: err, Timestamp: time.Now()}
		return c
	}
	return New(append(base, opts...)...)
}

type envReader struct {
	prefix string
	errs   []error
}

// lookup reads PREFIX_KEY, then the file named by PREFIX_KEY_FILE.
func (e *envReader) lookup(key string) (string, bool) {
	name := key
	if e.prefix != "" {
		name = e.prefix + "_" + key
	}
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	if path := os.Getenv(name + "_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s_FILE: %w", name, err))
			return "", false
		}
		if v := strings.TrimSpace(string(raw)); v != "" {
			return v, true
		}
	}
	return "", false
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) durationPtr(key string, dst **time.Duration) {
	var d time.Duration
	if _, ok := e.lookup(key); !ok {
		return
	}
	before := len(e.errs)
	e.duration(key, &d)
	if len(e.errs) == before {
		*dst = &d
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) boolPtr(key string, dst **bool) {
	var b bool
	if _, ok := e.lookup(key); !ok {
		return
	}
	before := len(e.errs)
	e.boolean(key, &b)
	if len(e.errs) == before {
		*dst = &b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) intPtr(key string, dst **int) {
	var n int
	if _, ok := e.lookup(key); !ok {
		return
	}
	before := len(e.errs)
	e.integer(key, &n)
	if len(e.errs) == before {
		*dst = &n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}
