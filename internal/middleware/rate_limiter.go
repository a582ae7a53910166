package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig configures rate limiting behavior
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTTL drops limiters not used for this long; defaults to 10 minutes.
	IdleTTL time.Duration
	// Key picks the bucket of a request; defaults to the client IP.
	Key func(c *gin.Context) string
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterMap stores one limiter per key
type RateLimiterMap struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   RateLimiterConfig
}

// NewRateLimiterMap creates a new rate limiter map
func NewRateLimiterMap(config RateLimiterConfig) *RateLimiterMap {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &RateLimiterMap{
		limiters: make(map[string]*limiterEntry),
		config:   config,
	}
}

// getLimiter returns or creates the limiter for key
func (rl *RateLimiterMap) getLimiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.limiters[key]
	if !exists {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Sweep removes limiters idle longer than IdleTTL and returns how many went.
func (rl *RateLimiterMap) Sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for k, e := range rl.limiters {
		if now.Sub(e.lastSeen) > rl.config.IdleTTL {
			delete(rl.limiters, k)
			n++
		}
	}
	return n
}

// Len reports the number of tracked keys.
func (rl *RateLimiterMap) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Middleware rejects requests over the limit with 429 and a retry hint.
func (rl *RateLimiterMap) Middleware() gin.HandlerFunc {
	keyFn := rl.config.Key
	if keyFn == nil {
		keyFn = func(c *gin.Context) string { return c.ClientIP() }
	}

	return func(c *gin.Context) {
		now := time.Now()
		limiter := rl.getLimiter(keyFn(c), now)

		if !limiter.AllowN(now, 1) {
			reservation := limiter.ReserveN(now, 1)
			retryAfter := reservation.DelayFrom(now).Seconds()
			reservation.CancelAt(now) // 拒绝请求时归还预留的令牌

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded. Please try again later.",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RateLimiterMiddleware creates a rate limiting middleware
func RateLimiterMiddleware(config RateLimiterConfig) gin.HandlerFunc {
	return NewRateLimiterMap(config).Middleware()
}
