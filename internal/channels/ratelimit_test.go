package channels

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWebhookRateLimiterWindow(t *testing.T) {
	r := NewWebhookRateLimiter(3)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow("1.2.3.4"), "hit %d", i+1)
	}
	assert.False(t, r.Allow("1.2.3.4"))
	assert.True(t, r.Allow("5.6.7.8"), "keys are independent")

	now = now.Add(rateLimitWindow)
	assert.True(t, r.Allow("1.2.3.4"), "new window")
}

func TestWebhookRateLimiterDefault(t *testing.T) {
	r := NewWebhookRateLimiter(0)
	for i := 0; i < DefaultWebhookMaxHits; i++ {
		assert.True(t, r.Allow("k"))
	}
	assert.False(t, r.Allow("k"))
}

func TestWebhookRateLimiterBoundsKeys(t *testing.T) {
	r := NewWebhookRateLimiter(1)
	for i := 0; i < maxTrackedKeys+100; i++ {
		r.Allow(fmt.Sprintf("key-%d", i))
	}
	assert.LessOrEqual(t, r.Tracked(), maxTrackedKeys)
}
