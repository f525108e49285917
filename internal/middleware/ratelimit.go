package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"liveconsult/internal/config"
	"liveconsult/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idle limiters are swept after this long
const limiterIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key (authenticated user or client IP).
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	lastGC   time.Time
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
		lastGC:   time.Now(),
	}
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	if now.Sub(rl.lastGC) > limiterIdleTTL {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) > limiterIdleTTL {
				delete(rl.visitors, k)
			}
		}
		rl.lastGC = now
	}
	rl.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// RateLimitMiddleware enables per-user (or per-IP before auth) rate limiting.
// It is controlled by cfg.Security.RateLimiting. If disabled, it no-ops.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := NewRateLimiter(rl.RequestsPerMinute, rl.Burst)
	return func(c *gin.Context) {
		key := c.ClientIP()
		if uid, ok := UserID(c); ok {
			key = "user:" + strconv.FormatUint(uint64(uid), 10)
		}
		if key == "" {
			key = "unknown"
		}
		if !limiter.Allow(key) {
			metrics.IncRateLimitDrop("http")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
