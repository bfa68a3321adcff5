package usekit

import (
	"context"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/sync/singleflight"
)

// RefreshFunc obtains a fresh access token.
type RefreshFunc func(ctx context.Context) (string, error)

// TokenRefreshConfig configures a TokenRefresher.
type TokenRefreshConfig struct {
	Enabled      bool
	RefreshToken RefreshFunc
	// TokenKey is the store key holding the token.
	TokenKey string
	// TokenHeader and TokenPrefix shape the header set by Authorize.
	TokenHeader        string
	TokenPrefix        string
	RefreshStatusCodes []int
	// ExpiryLeeway makes EnsureValid refresh a JWT this long before its exp
	// claim. Tokens that are not JWTs are only refreshed when missing.
	ExpiryLeeway time.Duration
}

// DefaultTokenRefreshConfig stores the token under "access_token" and sends
// it as "Authorization: Bearer <token>", refreshing on 401.
func DefaultTokenRefreshConfig() TokenRefreshConfig {
	return TokenRefreshConfig{
		TokenKey:           "access_token",
		TokenHeader:        "Authorization",
		TokenPrefix:        "Bearer ",
		RefreshStatusCodes: []int{http.StatusUnauthorized},
	}
}

// TokenRefresher keeps an access token in a Store and refreshes it on
// demand. Concurrent refreshes collapse into one call of RefreshToken.
type TokenRefresher struct {
	cfg        TokenRefreshConfig
	store      Store
	group      singleflight.Group
	refreshing atomic.Bool
	logger     Logger
	onRefresh  func(err error, d time.Duration)
	now        func() time.Time
}

// NewTokenRefresher creates a refresher on store. A nil store keeps the
// token in memory.
func NewTokenRefresher(cfg TokenRefreshConfig, store Store) *TokenRefresher {
	def := DefaultTokenRefreshConfig()
	if cfg.TokenKey == "" {
		cfg.TokenKey = def.TokenKey
	}
	if cfg.TokenHeader == "" {
		cfg.TokenHeader = def.TokenHeader
	}
	if cfg.RefreshStatusCodes == nil {
		cfg.RefreshStatusCodes = def.RefreshStatusCodes
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &TokenRefresher{
		cfg:    cfg,
		store:  store,
		logger: nopLogger{},
		now:    time.Now,
	}
}

// Enabled reports whether refreshing is switched on and possible.
func (r *TokenRefresher) Enabled() bool {
	return r != nil && r.cfg.Enabled && r.cfg.RefreshToken != nil
}

// Config returns the active configuration.
func (r *TokenRefresher) Config() TokenRefreshConfig {
	return r.cfg
}

// Token returns the stored token, or "" when none is stored.
func (r *TokenRefresher) Token(ctx context.Context) (string, error) {
	raw, ok, err := r.store.Get(ctx, r.cfg.TokenKey)
	if err != nil || !ok {
		return "", err
	}
	return string(raw), nil
}

// SetToken stores tok.
func (r *TokenRefresher) SetToken(ctx context.Context, tok string) error {
	return r.store.Set(ctx, r.cfg.TokenKey, []byte(tok))
}

// ClearToken removes the stored token.
func (r *TokenRefresher) ClearToken(ctx context.Context) error {
	return r.store.Delete(ctx, r.cfg.TokenKey)
}

// Refreshing reports whether a refresh is in flight.
func (r *TokenRefresher) Refreshing() bool {
	return r.refreshing.Load()
}

// ShouldRefresh reports whether err carries one of the refresh status codes.
func (r *TokenRefresher) ShouldRefresh(err error) bool {
	if !r.Enabled() || err == nil {
		return false
	}
	code := StatusCode(err)
	return code != 0 && slices.Contains(r.cfg.RefreshStatusCodes, code)
}

// EnsureValid refreshes when no usable token is stored.
func (r *TokenRefresher) EnsureValid(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	tok, err := r.Token(ctx)
	if err != nil {
		r.logger.Warn("token store read failed", "key", r.cfg.TokenKey, "error", err)
	}
	if tok != "" && !r.expired(tok) {
		return nil
	}
	_, err = r.Refresh(ctx)
	return err
}

// Refresh obtains a new token and stores it. Callers arriving while a
// refresh is in flight share its result. The shared call is detached from
// any single caller's cancellation; each caller stops waiting when its own
// ctx is done.
func (r *TokenRefresher) Refresh(ctx context.Context) (string, error) {
	if r.cfg.RefreshToken == nil {
		return "", &ClientError{Type: ErrorTypeTokenRefresh, Message: "token refresh failed", Cause: ErrNoRefreshFunc, Timestamp: time.Now()}
	}

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(r.cfg.TokenKey, func() (any, error) {
		r.refreshing.Store(true)
		defer r.refreshing.Store(false)

		start := time.Now()
		tok, err := r.cfg.RefreshToken(detached)
		if r.onRefresh != nil {
			r.onRefresh(err, time.Since(start))
		}
		if err != nil {
			r.logger.Warn("token refresh failed", "error", err)
			return "", &ClientError{Type: ErrorTypeTokenRefresh, Message: "token refresh failed", Cause: err, Timestamp: time.Now()}
		}
		if err := r.SetToken(detached, tok); err != nil {
			r.logger.Warn("token store write failed", "key", r.cfg.TokenKey, "error", err)
		}
		r.logger.Debug("token refreshed", "key", r.cfg.TokenKey)
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", newCancelledError(context.Cause(ctx))
	}
}

// Authorize sets the token header on req when a token is stored.
func (r *TokenRefresher) Authorize(ctx context.Context, req *http.Request) {
	tok, err := r.Token(ctx)
	if err != nil {
		r.logger.Warn("token store read failed", "key", r.cfg.TokenKey, "error", err)
		return
	}
	if tok == "" {
		return
	}
	req.Header.Set(r.cfg.TokenHeader, r.cfg.TokenPrefix+tok)
}

// expired reports whether tok is a JWT whose exp claim falls within the
// leeway. Anything that does not parse as a JWT is treated as opaque.
func (r *TokenRefresher) expired(tok string) bool {
	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tok, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == 0 {
		return false
	}
	return !r.now().Add(r.cfg.ExpiryLeeway).Before(time.Unix(claims.ExpiresAt, 0))
}
