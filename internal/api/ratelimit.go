package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// rateLimit holds the per-IP request budget: 15 requests per minute,
// smoothed into a steady rate with a burst of the full window.
type rateLimit struct {
	limit rate.Limit
	burst int
}

func defaultRateLimit() rateLimit {
	return rateLimit{
		limit: rate.Every(time.Minute / 15),
		burst: 15,
	}
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      rateLimit
}

func newIPLimiter(cfg rateLimit) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.cfg.limit, l.cfg.burst)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// rateLimitByIP rejects clients that exceed the per-IP budget with 429.
func rateLimitByIP(limiter *ipLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !limiter.allow(c.RealIP()) {
				return respondError(c, http.StatusTooManyRequests, "too many requests")
			}
			return next(c)
		}
	}
}
