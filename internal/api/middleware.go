package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds per-client request volume on the ops API.
type RateLimitConfig struct {
	RequestsPerSec float64
	Burst          int
}

type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      RateLimitConfig
}

func (c *clientLimiters) get(ip string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Bound the map so a scan cannot grow it without limit.
	if len(c.limiters) > 1000 {
		c.limiters = make(map[string]*rate.Limiter)
	}

	limiter, ok := c.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSec), c.cfg.Burst)
		c.limiters[ip] = limiter
	}
	return limiter
}

// RateLimitMiddleware rejects clients that exceed the configured rate.
func RateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	clients := &clientLimiters{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}

	return func(c *gin.Context) {
		if !clients.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
