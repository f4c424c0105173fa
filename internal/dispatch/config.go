package dispatch

import (
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// DefaultJanitorSchedule runs ack cleanup every minute.
const DefaultJanitorSchedule = "* * * * *"

// DebounceConfig converts the config.json section.
func DebounceConfig(c config.DebounceConfig) bus.DebounceConfig {
	return bus.DebounceConfig{
		Enabled:        c.Enabled,
		Window:         time.Duration(c.WindowMs) * time.Millisecond,
		MaxMessages:    c.MaxMessages,
		FlushOnMention: c.FlushOnMention,
		FlushOnCommand: c.FlushOnCommand,
	}
}

// AckConfig converts the config.json section. Missing emoji fall back to
// the stock reactions.
func AckConfig(c config.AckConfig) bus.AckConfig {
	out := bus.DefaultAckConfig()
	out.Enabled = c.Enabled
	out.ShowTyping = c.ShowTyping
	out.EnableReadReceipts = c.EnableReadReceipts
	if c.TypingDurationSecs > 0 {
		out.TypingDuration = time.Duration(c.TypingDurationSecs) * time.Second
	}
	if c.PendingTimeoutSecs > 0 {
		out.PendingTimeout = time.Duration(c.PendingTimeoutSecs) * time.Second
	}
	for platform, emoji := range c.Emoji {
		out.Emoji[platform] = emoji
	}
	return out
}
