package protocol

// WebSocket event names pushed from server to client.
const (
	EventMessageReceived      = "message.received"
	EventMessageSent          = "message.sent"
	EventPlatformConnected    = "platform.connected"
	EventPlatformDisconnected = "platform.disconnected"
	EventGatewayShutdown      = "gateway.shutdown"

	// Routing table changed (payload: action, binding id).
	EventRoutingUpdated = "routing.updated"
)

// RoutingUpdatedPayload is the data of routing.updated. Action is one of
// added, updated, removed, reloaded.
type RoutingUpdatedPayload struct {
	Action    string `json:"action"`
	BindingID string `json:"bindingId,omitempty"`
}
