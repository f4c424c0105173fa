package protocol

import "time"

// PongPayload answers gateway.ping. Both fields are unix ms.
type PongPayload struct {
	Pong       int64 `json:"pong"`
	ServerTime int64 `json:"serverTime"`
}

// StatusPayload answers gateway.status.
type StatusPayload struct {
	Running           bool   `json:"running"`
	HTTPPort          int    `json:"httpPort"`
	WSPort            int    `json:"wsPort"`
	ActiveConnections int    `json:"activeConnections"`
	QueuedMessages    int    `json:"queuedMessages"`
	ProtocolVersion   string `json:"protocolVersion"`
}

// ConfigPayload answers gateway.config. Secrets are never included.
type ConfigPayload struct {
	Enabled            bool     `json:"enabled"`
	HTTPPort           int      `json:"httpPort"`
	WSPort             int      `json:"wsPort"`
	Whitelist          []string `json:"whitelist"`
	AutoCreateThreads  bool     `json:"autoCreateThreads"`
	DefaultAssistantID string   `json:"defaultAssistantId,omitempty"`
}

// PlatformListPayload answers gateway.platform.list.
type PlatformListPayload struct {
	Platforms []string `json:"platforms"`
}

// SubscribeParams is the body of gateway.subscribe / gateway.unsubscribe.
type SubscribeParams struct {
	Platform string   `json:"platform"`
	Events   []string `json:"events,omitempty"`
}

// SubscribePayload answers gateway.subscribe.
type SubscribePayload struct {
	Platform   string `json:"platform"`
	Subscribed bool   `json:"subscribed"`
}

// ResolveParams is the body of routing.resolve.
type ResolveParams struct {
	Platform  string  `json:"platform"`
	AccountID string  `json:"accountId,omitempty"`
	ChannelID string  `json:"channelId"`
	UserID    string  `json:"userId"`
	GuildID   *string `json:"guildId,omitempty"`
}

// MessageReceivedPayload is the data of message.received.
type MessageReceivedPayload struct {
	Message    interface{} `json:"message"`
	ReceivedAt int64       `json:"receivedAt"`
	ThreadID   string      `json:"threadId,omitempty"`
}

// Ping builds a gateway.ping request. An empty id gets a fresh UUID.
func Ping(id string) *RequestFrame {
	req, _ := NewRequest(id, MethodGatewayPing, struct{}{})
	return req
}

// Pong answers a ping with id.
func Pong(id string, now time.Time) *ResponseFrame {
	ms := now.UnixMilli()
	return NewOKResponse(id, PongPayload{Pong: ms, ServerTime: ms})
}

// ErrorFrame is NewErrorResponse under the name used by frame builders.
func ErrorFrame(id, code, message string) *ResponseFrame {
	return NewErrorResponse(id, code, message)
}

// SubscribeResponse answers gateway.subscribe.
func SubscribeResponse(id, platform string, subscribed bool) *ResponseFrame {
	return NewOKResponse(id, SubscribePayload{Platform: platform, Subscribed: subscribed})
}

// MessageReceivedEvent wraps an inbound message for message.received.
func MessageReceivedEvent(msg interface{}, receivedAt time.Time) *EventFrame {
	return NewEvent(EventMessageReceived, MessageReceivedPayload{
		Message:    msg,
		ReceivedAt: receivedAt.UnixMilli(),
	})
}
