package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/observability"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestRedis(t)
	config := &RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	limiter := NewRateLimiter(client, config, "test")

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, allowed, "attempt %d", i+1)
	}

	allowed, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed)

	remaining, err := limiter.Remaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	remaining, err = limiter.Remaining(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	mr.FastForward(2 * time.Minute)
	allowed, err = limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed, "window expired")

	require.NoError(t, limiter.Reset(ctx, "k"))
	remaining, err = limiter.Remaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
}

func TestRateLimiter_Handler(t *testing.T) {
	client, _ := newTestRedis(t)
	limiter := NewRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "test")

	handler := limiter.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// a different client has its own window
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_RedisDown(t *testing.T) {
	client, mr := newTestRedis(t)
	limiter := NewRateLimiter(client, nil, "test")
	mr.Close()

	allowed, err := limiter.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, allowed)

	handler := limiter.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoginLimiter(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedis(t)
	recorder := &recordingAudit{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	limiter := NewLoginLimiter(client, nil, "test", nil, recorder, metrics)

	assert.Equal(t, 5, limiter.Config().RequestsPerWindow)

	for i := 0; i < 5; i++ {
		allowed, _, err := limiter.Allow(ctx, "Ana")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	// usernames are matched case-insensitively
	allowed, retryAfter, err := limiter.Allow(ctx, " ana ")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, 15*time.Minute)

	require.Len(t, recorder.events, 1)
	assert.Equal(t, audit.EventTypeAuthLoginThrottle, recorder.events[0].EventType)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LoginAttemptsTotal.WithLabelValues("throttled")))

	allowed, _, err = limiter.Allow(ctx, "bia")
	require.NoError(t, err)
	assert.True(t, allowed, "other usernames are unaffected")

	require.NoError(t, limiter.Reset(ctx, "ANA"))
	allowed, _, err = limiter.Allow(ctx, "ana")
	require.NoError(t, err)
	assert.True(t, allowed)

	rec := httptest.NewRecorder()
	limiter.WriteThrottled(rec, 90*time.Second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))

	assert.NoError(t, limiter.HealthCheck(ctx))
}
