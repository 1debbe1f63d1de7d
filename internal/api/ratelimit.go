package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/evalcache/pkg/config"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
	"github.com/NikhilSetiya/evalcache/pkg/ratelimit"
)

// newRateLimiter builds the evaluate endpoint limiter. It is a pass-through
// when no limit is configured.
func newRateLimiter(cfg config.RateLimitConfig, logger *logging.Logger) gin.HandlerFunc {
	if cfg.PerIPRequests <= 0 && cfg.GlobalRequests <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.PerIP = ratelimit.Limit{Requests: cfg.PerIPRequests, Window: cfg.Window}
	rlCfg.Global = ratelimit.Limit{Requests: cfg.GlobalRequests, Window: cfg.Window}
	rlCfg.Logger = logger

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("Invalid REDIS_URL, rate limiting in process", "error", err)
		} else {
			rlCfg.RedisClient = redis.NewClient(opts)
		}
	}

	return ratelimit.NewLimiter(rlCfg).Middleware(func(c *gin.Context, retryAfter time.Duration) {
		errorResponse(c, http.StatusTooManyRequests, &APIError{
			Code:    "RATE_LIMIT_EXCEEDED",
			Message: "Rate limit exceeded",
			Details: map[string]interface{}{"retry_after_seconds": strconv.Itoa(int(retryAfter.Seconds()))},
		})
	})
}
