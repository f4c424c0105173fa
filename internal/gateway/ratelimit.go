package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxLimiterKeys caps tracked clients; idle limiters are pruned first.
	maxLimiterKeys = 4096
	limiterIdleTTL = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket for RPC frames.
// rpm <= 0 disables limiting.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per key
// with the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r != nil && r.rpm > 0 }

// Allow consumes one token for key.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= maxLimiterKeys {
			r.pruneLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// Forget drops the limiter for key, e.g. when a client disconnects.
func (r *RateLimiter) Forget(key string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(r.entries, k)
		}
	}
	for len(r.entries) >= maxLimiterKeys {
		for k := range r.entries {
			delete(r.entries, k)
			break
		}
	}
}
