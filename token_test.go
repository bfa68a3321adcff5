package usekit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRefresher(fn RefreshFunc) *TokenRefresher {
	cfg := DefaultTokenRefreshConfig()
	cfg.Enabled = true
	cfg.RefreshToken = fn
	return NewTokenRefresher(cfg, NewMemoryStore())
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Subject:   "user-1",
		ExpiresAt: exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestTokenRefresherCoalescesConcurrentRefreshes(t *testing.T) {
	const callers = 20
	var calls atomic.Int32
	release := make(chan struct{})

	r := newTestRefresher(func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "fresh", nil
	})

	var started, done sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = r.Refresh(context.Background())
		}(i)
	}
	started.Wait()
	require.Eventually(t, r.Refreshing, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", results[i])
	}
	assert.False(t, r.Refreshing())

	tok, err := r.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
}

func TestTokenRefresherFailureClearsInFlight(t *testing.T) {
	boom := errors.New("refresh endpoint down")
	var calls atomic.Int32
	r := newTestRefresher(func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "second", nil
	})

	_, err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	var clientErr *ClientError
	require.True(t, errors.As(err, &clientErr))
	assert.Equal(t, ErrorTypeTokenRefresh, clientErr.Type)
	assert.False(t, r.Refreshing())

	tok, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", tok)
}

func TestTokenRefresherCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	r := newTestRefresher(func(context.Context) (string, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Refresh(ctx)
		errc <- err
	}()
	require.Eventually(t, r.Refreshing, time.Second, time.Millisecond)
	cancel()

	err := <-errc
	assert.True(t, IsCancelled(err))

	close(release)
	assert.Eventually(t, func() bool {
		tok, _ := r.Token(context.Background())
		return tok == "late"
	}, time.Second, time.Millisecond, "shared refresh completes even when a caller gives up")
}

func TestTokenRefresherEnsureValid(t *testing.T) {
	var calls atomic.Int32
	r := newTestRefresher(func(context.Context) (string, error) {
		calls.Add(1)
		return "opaque-token", nil
	})
	ctx := context.Background()

	require.NoError(t, r.EnsureValid(ctx))
	assert.Equal(t, int32(1), calls.Load(), "missing token triggers a refresh")

	require.NoError(t, r.EnsureValid(ctx))
	assert.Equal(t, int32(1), calls.Load(), "stored opaque token is trusted")
}

func TestTokenRefresherEnsureValidExpiredJWT(t *testing.T) {
	var calls atomic.Int32
	r := newTestRefresher(func(context.Context) (string, error) {
		calls.Add(1)
		return "renewed", nil
	})
	r.cfg.ExpiryLeeway = time.Minute
	ctx := context.Background()

	require.NoError(t, r.SetToken(ctx, signedToken(t, time.Now().Add(time.Hour))))
	require.NoError(t, r.EnsureValid(ctx))
	assert.Equal(t, int32(0), calls.Load())

	require.NoError(t, r.SetToken(ctx, signedToken(t, time.Now().Add(30*time.Second))))
	require.NoError(t, r.EnsureValid(ctx))
	assert.Equal(t, int32(1), calls.Load(), "token inside the leeway is refreshed")

	tok, _ := r.Token(ctx)
	assert.Equal(t, "renewed", tok)
}

func TestTokenRefresherDisabled(t *testing.T) {
	r := NewTokenRefresher(DefaultTokenRefreshConfig(), nil)

	assert.False(t, r.Enabled())
	assert.NoError(t, r.EnsureValid(context.Background()))
	assert.False(t, r.ShouldRefresh(statusErr(http.StatusUnauthorized)))

	_, err := r.Refresh(context.Background())
	assert.True(t, errors.Is(err, ErrNoRefreshFunc))
}

func TestTokenRefresherShouldRefresh(t *testing.T) {
	r := newTestRefresher(func(context.Context) (string, error) { return "x", nil })

	assert.True(t, r.ShouldRefresh(statusErr(http.StatusUnauthorized)))
	assert.False(t, r.ShouldRefresh(statusErr(http.StatusForbidden)))
	assert.False(t, r.ShouldRefresh(&ClientError{Type: ErrorTypeNetwork}))
	assert.False(t, r.ShouldRefresh(nil))

	wrapped := &ClientError{Type: ErrorTypeExhausted, Cause: statusErr(http.StatusUnauthorized)}
	assert.True(t, r.ShouldRefresh(wrapped))
}

func TestTokenRefresherAuthorize(t *testing.T) {
	r := newTestRefresher(func(context.Context) (string, error) { return "x", nil })
	ctx := context.Background()

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	r.Authorize(ctx, req)
	assert.Empty(t, req.Header.Get("Authorization"))

	require.NoError(t, r.SetToken(ctx, "abc"))
	r.Authorize(ctx, req)
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))

	require.NoError(t, r.ClearToken(ctx))
	tok, err := r.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestTokenRefresherCustomHeader(t *testing.T) {
	cfg := TokenRefreshConfig{
		Enabled:      true,
		RefreshToken: func(context.Context) (string, error) { return "k", nil },
		TokenKey:     "api_key",
		TokenHeader:  "X-Api-Key",
	}
	r := NewTokenRefresher(cfg, nil)
	require.NoError(t, r.SetToken(context.Background(), "secret"))

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	r.Authorize(context.Background(), req)
	assert.Equal(t, "secret", req.Header.Get("X-Api-Key"))
}
