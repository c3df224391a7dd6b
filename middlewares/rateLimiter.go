package middlewares

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/nursery_backend/config"
	"github.com/mmdatafocus/nursery_backend/utils"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window request counter kept in redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// key counts per organization when one is known, per client IP otherwise.
func (rl *RateLimiter) key(c *gin.Context) string {
	if org, ok := utils.GetOrganizationIdFromContext(c.Request.Context()); ok && org != "" {
		return "ratelimit:org:" + org
	}
	return "ratelimit:ip:" + c.ClientIP()
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := rl.key(c)
	ctx := c.Request.Context()

	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		// redis trouble must not take the ledger down with it
		config.LogError(nil, "middlewares/rateLimiter.go", "RateLimitMiddleware", "redis incr", key, err)
		c.Next()
		return
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, key, rl.window).Err(); err != nil {
			config.LogError(nil, "middlewares/rateLimiter.go", "RateLimitMiddleware", "redis expire", key, err)
		}
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}
