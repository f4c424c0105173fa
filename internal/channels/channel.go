// Package channels provides the platform plugin layer.
// Plugins connect external platforms (Discord, Telegram, Slack) to the
// dispatch pipeline: inbound messages are normalized into
// bus.InboundMessage and handed to an Ingestor, replies come back through
// the outbound queue and are delivered by the Manager.
package channels

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// ErrNotConfigured is returned by ValidateConfig when required credentials
// are missing.
var ErrNotConfigured = errors.New("channel not configured")

// Meta describes a plugin.
type Meta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Beta        bool   `json:"beta,omitempty"`
	Order       int    `json:"order"`
}

// Channel defines the interface that all platform plugins must satisfy.
type Channel interface {
	// Meta returns the plugin descriptor. Meta().ID is the platform name.
	Meta() Meta

	// ValidateConfig checks credentials before Start.
	ValidateConfig() error

	// Start connects to the platform. It returns once the connection is up;
	// events are delivered from the platform library's own goroutines.
	Start(ctx context.Context) error

	// Stop disconnects.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// HealthCheck checks the platform connection.
	HealthCheck(ctx context.Context) error

	IsRunning() bool
}

// Acker is implemented by plugins that can acknowledge messages on the
// platform itself (reactions, typing indicators).
type Acker interface {
	SendProcessingAck(ctx context.Context, channelID, messageID, emoji string) error
	SendCompletionAck(ctx context.Context, channelID, messageID string) error
	StartTyping(ctx context.Context, channelID string) error
}

// Ingestor accepts normalized inbound messages. The dispatcher implements it.
type Ingestor interface {
	Ingest(ctx context.Context, msg bus.InboundMessage) error
}

// IngestFunc adapts a function to Ingestor.
type IngestFunc func(ctx context.Context, msg bus.InboundMessage) error

func (f IngestFunc) Ingest(ctx context.Context, msg bus.InboundMessage) error { return f(ctx, msg) }

// BaseChannel provides shared functionality for plugin implementations.
// Plugins embed it.
type BaseChannel struct {
	name      string
	accountID string
	ingestor  Ingestor
	running   atomic.Bool
	allowList []string
}

// NewBaseChannel creates a BaseChannel for platform name.
func NewBaseChannel(name, accountID string, ingestor Ingestor, allowList []string) *BaseChannel {
	if accountID == "" {
		accountID = "default"
	}
	return &BaseChannel{
		name:      name,
		accountID: accountID,
		ingestor:  ingestor,
		allowList: allowList,
	}
}

// Name returns the platform name.
func (c *BaseChannel) Name() string { return c.name }

// AccountID returns the bot account this plugin instance runs as.
func (c *BaseChannel) AccountID() string { return c.accountID }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart, _ := strings.Cut(senderID, "|")
	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID, allowedUser, _ := strings.Cut(trimmed, "|")

		if senderID == allowed || idPart == trimmed || idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}

// HandleMessage stamps platform and account on msg and hands it to the
// ingestor. Senders outside the allowlist are dropped silently.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg bus.InboundMessage) error {
	sender := msg.UserID
	if u := msg.Meta(bus.MetaUsername); u != "" {
		sender += "|" + u
	}
	if !c.IsAllowed(sender) {
		return nil
	}

	msg.Platform = c.name
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.ProtocolVersion == "" {
		msg.ProtocolVersion = bus.ProtocolVersion
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	if msg.Metadata[bus.MetaAccountID] == "" {
		msg.Metadata[bus.MetaAccountID] = c.accountID
	}
	return c.ingestor.Ingest(ctx, msg)
}

// SplitMessage breaks s into chunks of at most limit runes, preferring
// newline then space boundaries.
func SplitMessage(s string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	for utf8.RuneCountInString(s) > limit {
		runes := []rune(s)
		cut := limit
		head := string(runes[:limit])
		if i := strings.LastIndex(head, "\n"); i > 0 {
			cut = utf8.RuneCountInString(head[:i])
		} else if i := strings.LastIndex(head, " "); i > 0 {
			cut = utf8.RuneCountInString(head[:i])
		}
		out = append(out, strings.TrimRight(string(runes[:cut]), " \n"))
		s = strings.TrimLeft(string(runes[cut:]), " \n")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
