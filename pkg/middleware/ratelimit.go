package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/contextkeys"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// DefaultRateLimitConfig returns the per-client limit for the /auth endpoints
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 60,
		WindowDuration:    time.Minute,
	}
}

// LoginRateLimitConfig returns the per-username login attempt limit
func LoginRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    15 * time.Minute,
	}
}

// RateLimiter is a fixed-window counter in Redis, shared by every instance.
// Each hit pushes the window's expiry forward, so a client that keeps trying
// stays limited.
type RateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRateLimiter creates a new Redis-backed rate limiter
func NewRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &RateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

func (rl *RateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow records a hit for key and reports whether it is within the limit.
// Redis errors are returned with allowed=false.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := rl.key(key)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to count request: %w", err)
	}

	return incr.Val() <= int64(rl.config.RequestsPerWindow), nil
}

// Remaining returns the number of remaining requests in the window
func (rl *RateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, rl.key(key)).Int()
	if err == redis.Nil {
		return rl.config.RequestsPerWindow, nil
	} else if err != nil {
		return 0, err
	}

	remaining := rl.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// TTL returns the time until the rate limit window resets
func (rl *RateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, rl.key(key)).Result()
}

// Reset clears the counter for a key
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

func (rl *RateLimiter) retryAfter(ctx context.Context, key string) time.Duration {
	ttl, err := rl.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return rl.config.WindowDuration
	}
	return ttl
}

// Handler limits requests per client IP. When Redis is unavailable the request
// is refused with 503.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := "ip:" + audit.ClientIP(r)

		allowed, err := rl.Allow(ctx, key)
		if err != nil {
			httputil.WriteServiceUnavailable(w, "service temporarily unavailable")
			return
		}
		if !allowed {
			writeRateLimited(w, rl.config, rl.retryAfter(ctx, key))
			return
		}

		if remaining, err := rl.Remaining(ctx, key); err == nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}

		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, config *RateLimitConfig, retryAfter time.Duration) {
	seconds := int(retryAfter.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	httputil.WriteTooManyRequests(w, "rate limit exceeded")
}

// LoginLimiter throttles login attempts per username
type LoginLimiter struct {
	limiter *RateLimiter
	audit   audit.Logger
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewLoginLimiter creates a login throttle. auditLogger and metrics may be nil.
func NewLoginLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string, logger *logrus.Logger, auditLogger audit.Logger, metrics *observability.Metrics) *LoginLimiter {
	if config == nil {
		config = LoginRateLimitConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	return &LoginLimiter{
		limiter: NewRateLimiter(redisClient, config, prefix+":login"),
		audit:   auditLogger,
		logger:  logger,
		metrics: metrics,
	}
}

func loginKey(username string) string {
	return "user:" + strings.ToLower(strings.TrimSpace(username))
}

// Allow counts an attempt for username. When the limit is exceeded it returns
// false with the time until attempts are accepted again.
func (l *LoginLimiter) Allow(ctx context.Context, username string) (bool, time.Duration, error) {
	key := loginKey(username)
	allowed, err := l.limiter.Allow(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if allowed {
		return true, 0, nil
	}

	retryAfter := l.limiter.retryAfter(ctx, key)
	l.metrics.ObserveLogin("throttled")
	l.logger.WithFields(logrus.Fields{
		"username":    username,
		"retry_after": retryAfter.String(),
		"request_id":  contextkeys.GetRequestID(ctx),
	}).Warn("Login attempts throttled")

	event := audit.NewEvent(ctx, audit.EventTypeAuthLoginThrottle, audit.EventStatusDenied)
	event.ResourceType = audit.ResourceTypeUser
	event.ResourceID = username
	event.Message = "too many login attempts"
	if err := l.audit.Log(ctx, event); err != nil {
		l.logger.WithError(err).Error("Failed to record audit event")
	}
	return false, retryAfter, nil
}

// Reset clears the attempt counter after a successful login
func (l *LoginLimiter) Reset(ctx context.Context, username string) error {
	return l.limiter.Reset(ctx, loginKey(username))
}

// Config returns the limiter configuration
func (l *LoginLimiter) Config() *RateLimitConfig {
	return l.limiter.config
}

// WriteThrottled writes a 429 for a throttled login
func (l *LoginLimiter) WriteThrottled(w http.ResponseWriter, retryAfter time.Duration) {
	writeRateLimited(w, l.limiter.config, retryAfter)
}

// HealthCheck verifies Redis connectivity for rate limiting
func (l *LoginLimiter) HealthCheck(ctx context.Context) error {
	return l.limiter.redis.Ping(ctx).Err()
}
