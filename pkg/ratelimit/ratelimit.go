package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/evalcache/pkg/logging"
)

// Limit allows Requests per Window. A zero Requests disables the limit.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Config holds rate limiting configuration
type Config struct {
	PerIP  Limit
	Global Limit
	// KeyPrefix namespaces the counters in Redis
	KeyPrefix string
	// RedisClient shares counters between replicas. Without it, or while
	// Redis is failing, counters are kept in process.
	RedisClient redis.UniversalClient
	Logger      *logging.Logger
	// Clock defaults to time.Now
	Clock func() time.Time
}

// DefaultConfig returns default rate limiting configuration
func DefaultConfig() Config {
	return Config{
		PerIP:     Limit{Requests: 600, Window: time.Minute},
		KeyPrefix: "evalcache:ratelimit:",
	}
}

// Decision is the outcome of one check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a fixed-window request counter
type Limiter struct {
	config     Config
	redis      redis.UniversalClient
	localCache sync.Map
	logger     *logging.Logger
	now        func() time.Time
}

type counter struct {
	mutex  sync.Mutex
	count  int
	window time.Time
}

// NewLimiter creates a new limiter
func NewLimiter(config Config) *Limiter {
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Limiter{
		config: config,
		redis:  config.RedisClient,
		logger: config.Logger,
		now:    config.Clock,
	}
}

// Allow counts one request against key
func (l *Limiter) Allow(ctx context.Context, key string, limit Limit) Decision {
	fullKey := l.config.KeyPrefix + key
	now := l.now()
	windowStart := now.Truncate(limit.Window)
	resetAt := windowStart.Add(limit.Window)

	var count int
	if l.redis != nil {
		n, err := l.countRedis(ctx, fullKey, resetAt)
		if err == nil {
			count = n
		} else {
			l.logger.Warn("Rate limit store unavailable, counting locally", "key", key, "error", err)
			count = l.countLocal(fullKey, windowStart)
		}
	} else {
		count = l.countLocal(fullKey, windowStart)
	}

	remaining := limit.Requests - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= limit.Requests,
		Limit:     limit.Requests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) countRedis(ctx context.Context, key string, resetAt time.Time) (int, error) {
	// one counter per window so an expired EXPIREAT can never carry counts over
	key = fmt.Sprintf("%s:%d", key, resetAt.Unix())

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, resetAt)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline failed: %w", err)
	}
	return int(incr.Val()), nil
}

func (l *Limiter) countLocal(key string, windowStart time.Time) int {
	value, _ := l.localCache.LoadOrStore(key, &counter{window: windowStart})

	c := value.(*counter)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.window.Before(windowStart) {
		c.count = 0
		c.window = windowStart
	}

	c.count++
	return c.count
}

// Middleware enforces the per-IP limit, then the global one. Rejected
// requests get a 429 with a Retry-After header.
func (l *Limiter) Middleware(reject func(c *gin.Context, retryAfter time.Duration)) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		limits := []struct {
			key   string
			limit Limit
		}{
			{key: "ip:" + clientIP, limit: l.config.PerIP},
			{key: "global", limit: l.config.Global},
		}

		for _, lim := range limits {
			if lim.limit.Requests <= 0 || lim.limit.Window <= 0 {
				continue
			}

			d := l.Allow(c.Request.Context(), lim.key, lim.limit)

			c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retryAfter := d.ResetAt.Sub(l.now())
				c.Header("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))

				l.logger.WithContext(c.Request.Context()).WithField("limit", lim.key).Warn("Rate limit exceeded")

				if reject != nil {
					reject(c, retryAfter)
				} else {
					c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
				}
				c.Abort()
				return
			}
		}

		c.Next()
	}
}
