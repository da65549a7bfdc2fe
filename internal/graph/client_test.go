package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shulgaalexey/onenote-local/internal/config"
	"github.com/shulgaalexey/onenote-local/internal/onerr"
)

// testRateLimit is permissive so rate limiting never interferes with
// retry tests.
var testRateLimit = config.RateLimitConfig{RequestsPerWindow: 10000, WindowSeconds: 1, Burst: 1000}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.Client(), StaticTokenProvider("test-token"), testRateLimit, nil)
	// No real delays in tests.
	c.sleepFunc = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	return c, srv
}

func TestDoInjectsBearerToken(t *testing.T) {
	var gotAuth string

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))

	resp, err := c.Do(context.Background(), http.MethodGet, "/me/onenote/notebooks")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))

	resp, err := c.Do(context.Background(), http.MethodGet, "/x")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	var (
		calls atomic.Int32
		slept []time.Duration
	)

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))

	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)

		return nil
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/x")
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, slept, 1)
	assert.Equal(t, 7*time.Second, slept[0])
}

func TestTerminalClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, onerr.ErrUnauthorized},
		{http.StatusNotFound, onerr.ErrNotFound},
		{http.StatusGone, onerr.ErrNotFound},
		{http.StatusForbidden, onerr.ErrPermanent},
		{http.StatusBadRequest, onerr.ErrPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := c.Do(context.Background(), http.MethodGet, "/x")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "status %d: got %v", tt.status, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestRateLimitedExhaustionCarriesRetryAfter(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.Do(context.Background(), http.MethodGet, "/x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrRateLimited))

	var rl *onerr.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 600*time.Second, rl.RetryAfter)
}

func TestCancellationMapsToCancelled(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, http.MethodGet, "/x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrCancelled))
}

func TestRateLimiterBoundsThroughput(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	// 10 requests per 60s window, burst 2: only the burst proceeds
	// without waiting.
	cfg := config.RateLimitConfig{RequestsPerWindow: 10, WindowSeconds: 60, Burst: 2}
	c := NewClient(srv.URL, srv.Client(), StaticTokenProvider("t"), cfg, nil)

	for range 2 {
		resp, err := c.Do(context.Background(), http.MethodGet, "/x")
		require.NoError(t, err)
		resp.Body.Close()
	}

	// The third request exceeds the burst; a near-expired context makes
	// the limiter's wait observable without real sleeping.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, http.MethodGet, "/x")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStaticTokenProviderEmpty(t *testing.T) {
	_, err := StaticTokenProvider("").Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, onerr.ErrUnauthorized))
}
