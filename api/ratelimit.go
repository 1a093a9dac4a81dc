package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"mailqueue/internal/metrics"
)

// RateLimitConfig holds per-IP limiter settings.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second
	Rate float64
	// Burst is the maximum number of requests allowed in a burst
	Burst int
	// CleanupInterval is how often stale entries are dropped
	CleanupInterval time.Duration
	// MaxAge is how long an idle entry is kept
	MaxAge time.Duration
}

// DefaultRateLimitConfig allows 10 req/s per IP with a burst of 20.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            10,
		Burst:           20,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPRateLimiter is a token bucket per client IP with background cleanup.
type IPRateLimiter struct {
	mu       sync.Mutex
	entries  map[string]*limiterEntry
	config   RateLimitConfig
	done     chan struct{}
	stopOnce sync.Once
}

func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	defaults := DefaultRateLimitConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = defaults.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaults.MaxAge
	}

	rl := &IPRateLimiter{
		entries: make(map[string]*limiterEntry),
		config:  cfg,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst)}
		rl.entries[ip] = e
	}
	e.lastAccess = time.Now()
	return e.limiter.Allow()
}

func (rl *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			metrics.APIRequestsLimited.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error: "Demasiadas solicitudes, intenta de nuevo más tarde",
			})
			return
		}
		c.Next()
	}
}

func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// Len returns the number of tracked IPs.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func (rl *IPRateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.dropStale(time.Now())
		}
	}
}

func (rl *IPRateLimiter) dropStale(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, e := range rl.entries {
		if now.Sub(e.lastAccess) > rl.config.MaxAge {
			delete(rl.entries, ip)
		}
	}
}
