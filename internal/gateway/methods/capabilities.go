package methods

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/capabilities"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// CapabilityMethods answers capabilities.negotiate.
type CapabilityMethods struct {
	server capabilities.ServerCapabilities
}

// NewCapabilityMethods negotiates against server. ServerTime is refreshed
// on every request.
func NewCapabilityMethods(server capabilities.ServerCapabilities) *CapabilityMethods {
	return &CapabilityMethods{server: server}
}

func (m *CapabilityMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodCapabilitiesNegotiate, m.handleNegotiate)
}

// NegotiatePayload answers capabilities.negotiate.
type NegotiatePayload struct {
	Result capabilities.NegotiationResult  `json:"result"`
	Server capabilities.ServerCapabilities `json:"server"`
}

func (m *CapabilityMethods) handleNegotiate(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	client := capabilities.DefaultClientCapabilities()
	if err := gateway.ParseParams(req, &client); err != nil && !errors.Is(err, gateway.ErrEmptyParams) {
		return gateway.InvalidParams(req, err)
	}
	server := m.server
	server.ServerTime = time.Now().UnixMilli()
	return protocol.NewOKResponse(req.ID, NegotiatePayload{
		Result: capabilities.Negotiate(client, server),
		Server: server,
	})
}

// AckMethods answers ack.stats.
type AckMethods struct {
	tracker *bus.AckTracker
}

func NewAckMethods(tracker *bus.AckTracker) *AckMethods {
	return &AckMethods{tracker: tracker}
}

func (m *AckMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodAckStats, m.handleStats)
}

func (m *AckMethods) handleStats(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	return protocol.NewOKResponse(req.ID, map[string]interface{}{
		"stats":  m.tracker.Stats(),
		"typing": m.tracker.TypingChannels(),
	})
}
