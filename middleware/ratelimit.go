package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"filing-analyzer/internal/config"
	"filing-analyzer/internal/logger"
	"filing-analyzer/utils"
)

// RateLimitMiddleware limits requests per IP + endpoint combination. With
// Redis the window is shared across replicas; without it each process keeps
// its own token buckets.
func RateLimitMiddleware(rdb *redis.Client, cfg *config.Config) gin.HandlerFunc {
	limit := cfg.RateLimitReqs
	window := time.Duration(cfg.RateLimitWindow) * time.Second
	local := newLocalLimiter(limit, window)

	return func(c *gin.Context) {
		// Skip rate limiting for health checks
		if c.FullPath() == "/health" || c.FullPath() == "/api/v1/health" {
			c.Next()
			return
		}
		if limit <= 0 {
			c.Next()
			return
		}

		key := "ratelimit:" + c.ClientIP() + ":" + c.FullPath()

		var (
			allowed   bool
			remaining int
		)
		if rdb != nil {
			var err error
			allowed, remaining, err = redisWindow(c.Request.Context(), rdb, key, limit, window)
			if err != nil {
				// Fail over to the local buckets rather than blocking on Redis.
				logger.Warn("Rate limit store unavailable", "error", err)
				allowed, remaining = local.allow(key)
			}
		} else {
			allowed, remaining = local.allow(key)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		if !allowed {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(window).Unix(), 10))
			c.Header("Retry-After", strconv.Itoa(cfg.RateLimitWindow))

			utils.RespondWithError(c, http.StatusTooManyRequests,
				"rate_limit_exceeded",
				"Too many requests. Please try again later.",
				gin.H{
					"retry_after": cfg.RateLimitWindow,
					"limit":       limit,
				})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}

func redisWindow(ctx context.Context, rdb *redis.Client, key string, limit int, window time.Duration) (bool, int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
	defer cancel()

	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	// Set expiration on first request
	if count == 1 {
		rdb.Expire(ctx, key, window)
	}
	if count > int64(limit) {
		return false, 0, nil
	}
	return true, limit - int(count), nil
}

// localLimiter holds one token bucket per key, refilled at limit/window with
// a burst of limit. Idle buckets are dropped after two windows.
type localLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLocalLimiter(limit int, window time.Duration) *localLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &localLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		swept:   time.Now(),
	}
}

func (l *localLimiter) allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.swept) > l.window {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > 2*l.window {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.limit))
		b = &bucket{limiter: rate.NewLimiter(every, l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if !b.limiter.AllowN(now, 1) {
		return false, 0
	}
	return true, int(b.limiter.TokensAt(now))
}
