// Package web holds HTTP middleware for the local consumer surface.
package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client request budget on the consumer surface.
// The surface binds to loopback, so clients are few; limiters for idle
// clients are evicted lazily on the next lookup rather than by a background
// sweeper.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter

	limit rate.Limit
	burst int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const clientIdleEviction = time.Hour

// NewRateLimiter creates a limiter allowing burst requests immediately and a
// steady rate of limit requests per second thereafter, per client IP.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    limit,
		burst:    burst,
	}
}

// Middleware wraps next with rate limiting. Over-budget requests get 429.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !m.allow(ip) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimiter) allow(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, entry := range m.limiters {
		if now.Sub(entry.lastSeen) > clientIdleEviction {
			delete(m.limiters, key)
		}
	}

	entry, ok := m.limiters[ip]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}
