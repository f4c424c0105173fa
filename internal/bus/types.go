package bus

import "context"

// ProtocolVersion is stamped on inbound messages that do not carry one.
const ProtocolVersion = "1.0"

// Well-known metadata keys on InboundMessage.
const (
	MetaChannelType = "channel_type" // platform channel type: dm, group, text, voice, forum, supergroup, ...
	MetaAccountID   = "account_id"   // bot account that received the message
	MetaMentions    = "mentions"     // comma-separated mention tokens
	MetaAttachments = "attachments"  // JSON list of {url, content_type, name}
	MetaBatchSize   = "batch_size"   // set on debounced batches
	MetaThreadID    = "thread_id"
	MetaUsername    = "username"
)

// InboundMessage is a platform message normalized at the gateway boundary.
type InboundMessage struct {
	ID              string            `json:"id"`
	Platform        string            `json:"platform"`
	UserID          string            `json:"user_id"`
	ChannelID       string            `json:"channel_id"`
	GuildID         *string           `json:"guild_id,omitempty"` // Discord guild / Slack team
	Content         string            `json:"content"`
	Timestamp       int64             `json:"timestamp"` // unix ms
	Metadata        map[string]string `json:"metadata,omitempty"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	AgentID         string            `json:"agent_id,omitempty"`    // set once routed
	SessionKey      string            `json:"session_key,omitempty"` // set once routed
}

// Meta returns a metadata value or "".
func (m InboundMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// Guild returns the guild id or "".
func (m InboundMessage) Guild() string {
	if m.GuildID == nil {
		return ""
	}
	return *m.GuildID
}

// OutboundMessage is a reply to be delivered by a channel plugin.
type OutboundMessage struct {
	Platform  string            `json:"platform"`
	ChannelID string            `json:"channel_id"`
	Content   string            `json:"content"`
	ReplyTo   string            `json:"reply_to,omitempty"` // inbound message id
	AgentID   string            `json:"agent_id,omitempty"`
	Media     []MediaAttachment `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	SessionKey string `json:"session_key,omitempty"`
}

// MediaAttachment represents a media file attached to a message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Event is a server-side event broadcast to WebSocket clients.
// Platform, when set, lets subscribers filter by platform.
type Event struct {
	Name     string      `json:"name"`
	Platform string      `json:"platform,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the dispatcher to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts the inbound/outbound queues between channels and the dispatcher.
type MessageRouter interface {
	PublishInbound(msg InboundMessage) error
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage) error
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
