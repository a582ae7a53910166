package routes

import (
	"time"

	"github.com/gin-gonic/gin"

	"pnldesk/internal/handlers"
	"pnldesk/internal/middleware"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	// RateLimit is per client IP; zero disables the limiter.
	RateLimit middleware.RateLimiterConfig
	Limiters  *middleware.RateLimiterMap
}

// SetupRouter initializes and returns the Gin router with all routes configured
func SetupRouter(pnl *handlers.PnlHandler, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// Add health check endpoint
	r.Any("/health", func(c *gin.Context) {
		c.String(200, "ok")
	})

	r.Use(corsMiddleware(opts.AllowedOrigins))

	limiters := opts.Limiters
	if limiters == nil && opts.RateLimit.RequestsPerSecond > 0 {
		limiters = middleware.NewRateLimiterMap(opts.RateLimit)
	}
	if limiters != nil {
		r.Use(limiters.Middleware())
	}

	// Setup routes for each module
	SetupPnlRoutes(r, pnl)

	return r
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		// 确保包含所有必要的请求头
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Length")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		// Handle preflight requests
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// StartLimiterSweep drops idle per-IP limiters every interval until stop closes.
func StartLimiterSweep(l *middleware.RateLimiterMap, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				l.Sweep(now)
			}
		}
	}()
}
