package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Defaults for NewIdempotencyCache.
const (
	DefaultIdempotencyEntries = 1000
	DefaultIdempotencyMaxAge  = time.Hour
)

// idempotencyKey identifies a delivery. Platforms retry webhooks with the same
// message id, so the minute window keeps retries together while letting a
// reused id in a later window through.
type idempotencyKey struct {
	messageID string
	channelID string
	guildID   string
	hasGuild  bool
	window    int64 // unix ms / 60000
}

// IdempotencyCache drops redelivered platform messages.
//
// Cleanup is coarse: once the cache is older than maxAge the whole set is
// dropped and the age resets. A duplicate arriving right after such a reset
// is not detected. Exceeding maxEntries alone triggers the same check but
// clears nothing until the age limit is reached.
type IdempotencyCache struct {
	mu         sync.Mutex
	keys       map[idempotencyKey]struct{}
	createdAt  time.Time
	maxEntries int
	maxAge     time.Duration
	now        func() time.Time
}

// NewIdempotencyCache creates a cache. Non-positive limits select the defaults.
func NewIdempotencyCache(maxEntries int, maxAge time.Duration) *IdempotencyCache {
	if maxEntries <= 0 {
		maxEntries = DefaultIdempotencyEntries
	}
	if maxAge <= 0 {
		maxAge = DefaultIdempotencyMaxAge
	}
	return &IdempotencyCache{
		keys:       make(map[idempotencyKey]struct{}),
		createdAt:  time.Now(),
		maxEntries: maxEntries,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// CheckAndMark reports whether the message was seen before and marks it seen
// otherwise. Check and insert happen under one lock. A nil guild and a
// non-nil guild are different keys.
func (c *IdempotencyCache) CheckAndMark(messageID, channelID string, guildID *string, timestampMs int64) bool {
	key := newIdempotencyKey(messageID, channelID, guildID, timestampMs)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()

	if _, ok := c.keys[key]; ok {
		slog.Debug("idempotency: duplicate", "message_id", messageID, "channel_id", channelID)
		return true
	}
	c.keys[key] = struct{}{}
	return false
}

// Unmark forgets a delivery marked by CheckAndMark, so a message the
// pipeline had to reject is accepted when the platform retries it.
func (c *IdempotencyCache) Unmark(messageID, channelID string, guildID *string, timestampMs int64) {
	key := newIdempotencyKey(messageID, channelID, guildID, timestampMs)
	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()
}

func newIdempotencyKey(messageID, channelID string, guildID *string, timestampMs int64) idempotencyKey {
	key := idempotencyKey{
		messageID: messageID,
		channelID: channelID,
		window:    timestampMs / 60000,
	}
	if guildID != nil {
		key.guildID = *guildID
		key.hasGuild = true
	}
	return key
}

func (c *IdempotencyCache) cleanupLocked() {
	now := c.now()
	age := now.Sub(c.createdAt)
	if len(c.keys) <= c.maxEntries && age <= c.maxAge {
		return
	}
	if age > c.maxAge {
		slog.Info("idempotency: clearing cache", "age_sec", int(age.Seconds()), "entries", len(c.keys))
		c.keys = make(map[idempotencyKey]struct{})
		c.createdAt = now
	}
}

// Len returns the number of tracked keys.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// IsEmpty reports whether no keys are tracked.
func (c *IdempotencyCache) IsEmpty() bool { return c.Len() == 0 }

// Clear drops every key and resets the age.
func (c *IdempotencyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = make(map[idempotencyKey]struct{})
	c.createdAt = c.now()
}
