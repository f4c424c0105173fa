package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source IPs/keys.
	maxTrackedKeys = 4096

	// rateLimitWindow is the sliding window duration for rate counting.
	rateLimitWindow = 60 * time.Second

	// DefaultWebhookMaxHits is the max requests per key within a window.
	DefaultWebhookMaxHits = 30
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter bounds the number of tracked rate-limit keys
// to prevent memory exhaustion from rotating source keys (DoS).
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	maxHits int
	now     func() time.Time
}

// NewWebhookRateLimiter creates a bounded webhook rate limiter allowing
// maxHits requests per key per minute. maxHits <= 0 selects
// DefaultWebhookMaxHits.
func NewWebhookRateLimiter(maxHits int) *WebhookRateLimiter {
	if maxHits <= 0 {
		maxHits = DefaultWebhookMaxHits
	}
	return &WebhookRateLimiter{
		entries: make(map[string]*rateLimitEntry),
		maxHits: maxHits,
		now:     time.Now,
	}
}

// Tracked returns the number of keys currently tracked.
func (r *WebhookRateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Allow returns true if the key is within rate limits.
// Automatically prunes stale entries and enforces a hard cap on tracked keys.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// Prune stale entries when approaching the cap
	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateLimitWindow {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
