package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimit is a per client IP token bucket for plain HTTP routes. Idle
// buckets are forgotten after ttl.
func RateLimit(perSecond float64, burst int, ttl time.Duration) gin.HandlerFunc {
	if perSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	type entry struct {
		lim  *rate.Limiter
		seen time.Time
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*entry)
		swept   = time.Now()
	)
	return func(c *gin.Context) {
		now := time.Now()
		ip := c.ClientIP()
		mu.Lock()
		if now.Sub(swept) > ttl {
			for k, e := range buckets {
				if now.Sub(e.seen) > ttl {
					delete(buckets, k)
				}
			}
			swept = now
		}
		e, ok := buckets[ip]
		if !ok {
			e = &entry{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
			buckets[ip] = e
		}
		e.seen = now
		allowed := e.lim.AllowN(now, 1)
		mu.Unlock()

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "RATE_LIMITED", "message": "too many requests"})
			return
		}
		c.Next()
	}
}
