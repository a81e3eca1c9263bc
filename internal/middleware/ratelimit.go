package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-client-IP token bucket. rps <= 0 disables the
// middleware. Idle limiters are swept opportunistically.
func RateLimiter(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	var (
		mu        sync.Mutex
		items     = make(map[string]*limiterEntry)
		lastSweep time.Time
	)
	const ttl = 15 * time.Minute

	return func(c *gin.Context) {
		key := c.ClientIP()
		now := time.Now()

		mu.Lock()
		e, ok := items[key]
		if !ok {
			e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(rps), burst)}
			items[key] = e
		}
		e.lastSeen = now
		if now.Sub(lastSweep) > 2*time.Minute {
			for k, v := range items {
				if now.Sub(v.lastSeen) > ttl {
					delete(items, k)
				}
			}
			lastSweep = now
		}
		mu.Unlock()

		if !e.lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"message": "Rate limit exceeded",
					"type":    "rate_limit_error",
				},
			})
			return
		}
		c.Next()
	}
}
