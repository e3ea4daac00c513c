package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/streamrelay/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter manages per-client rate limiters.
type RateLimiter struct {
	clients map[string]*rate.Limiter
	mu      sync.RWMutex
	rps     rate.Limit
	burst   int
	logger  *zap.Logger
}

func NewRateLimiter(rps float64, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
		logger:  logger,
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.clients[ip]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = rl.clients[ip]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rps, rl.burst)
	rl.clients[ip] = limiter

	return limiter
}

// Middleware returns the Gin middleware handler. A non-positive rate disables
// limiting.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rps <= 0 {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if !rl.getLimiter(ip).Allow() {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("ip", ip),
				zap.String("path", c.Request.URL.Path),
			)
			_ = c.Error(api.RateLimitError("rate limit exceeded"))
			c.Abort()
			return
		}

		c.Next()
	}
}
