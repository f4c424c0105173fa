package protocol

// RPC method name constants.

// Gateway
const (
	MethodGatewayPing         = "gateway.ping"
	MethodGatewayStatus       = "gateway.status"
	MethodGatewayConfig       = "gateway.config"
	MethodGatewayPlatformList = "gateway.platform.list"
	MethodGatewaySubscribe    = "gateway.subscribe"
	MethodGatewayUnsubscribe  = "gateway.unsubscribe"
)

// Routing
const (
	MethodRoutingResolve        = "routing.resolve"
	MethodRoutingStats          = "routing.stats"
	MethodRoutingBindingsList   = "routing.bindings.list"
	MethodRoutingBindingsAdd    = "routing.bindings.add"
	MethodRoutingBindingsRemove = "routing.bindings.remove"
)

// Capabilities and acks
const (
	MethodCapabilitiesNegotiate = "capabilities.negotiate"
	MethodAckStats              = "ack.stats"
)

// Sessions
const (
	MethodSessionsList   = "sessions.list"
	MethodSessionsGet    = "sessions.get"
	MethodSessionsLink   = "sessions.link"
	MethodSessionsDelete = "sessions.delete"
)
