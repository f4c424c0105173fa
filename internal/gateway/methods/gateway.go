// Package methods holds the control-plane RPC handlers. Each group
// registers itself on a gateway.MethodRouter.
package methods

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/capabilities"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// GatewayMethods answers gateway.* requests.
type GatewayMethods struct {
	server *gateway.Server
	now    func() time.Time
}

// NewGatewayMethods creates the gateway.* handlers for server.
func NewGatewayMethods(server *gateway.Server) *GatewayMethods {
	return &GatewayMethods{server: server, now: time.Now}
}

// Register registers all gateway.* methods.
func (m *GatewayMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodGatewayPing, m.handlePing)
	router.Register(protocol.MethodGatewayStatus, m.handleStatus)
	router.Register(protocol.MethodGatewayConfig, m.handleConfig)
	router.Register(protocol.MethodGatewayPlatformList, m.handlePlatformList)
	router.Register(protocol.MethodGatewaySubscribe, m.handleSubscribe)
	router.Register(protocol.MethodGatewayUnsubscribe, m.handleUnsubscribe)
}

func (m *GatewayMethods) handlePing(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	return protocol.Pong(req.ID, m.now())
}

func (m *GatewayMethods) handleStatus(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	gw := m.server.Config().Gateway
	return protocol.NewOKResponse(req.ID, protocol.StatusPayload{
		Running:           m.server.IsRunning(),
		HTTPPort:          gw.Port,
		WSPort:            wsPort(gw.WSPort, gw.Port),
		ActiveConnections: m.server.ActiveConnections(),
		QueuedMessages:    m.server.QueuedMessages(),
		ProtocolVersion:   protocol.ProtocolVersion,
	})
}

func (m *GatewayMethods) handleConfig(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	gw := m.server.Config().Gateway
	whitelist := []string(gw.Whitelist)
	if whitelist == nil {
		whitelist = []string{}
	}
	return protocol.NewOKResponse(req.ID, protocol.ConfigPayload{
		Enabled:            gw.Enabled,
		HTTPPort:           gw.Port,
		WSPort:             wsPort(gw.WSPort, gw.Port),
		Whitelist:          whitelist,
		AutoCreateThreads:  gw.AutoCreateThreads,
		DefaultAssistantID: gw.DefaultAssistantID,
	})
}

func (m *GatewayMethods) handlePlatformList(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	platforms := make([]string, 0, len(capabilities.DefaultPlatforms))
	for _, p := range capabilities.DefaultPlatforms {
		if m.server.PlatformAllowed(p) {
			platforms = append(platforms, p)
		}
	}
	return protocol.NewOKResponse(req.ID, protocol.PlatformListPayload{Platforms: platforms})
}

func (m *GatewayMethods) handleSubscribe(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	params, resp := subscribeParams(client, req)
	if resp != nil {
		return resp
	}
	client.Subscribe(params.Platform)
	return protocol.SubscribeResponse(req.ID, params.Platform, true)
}

func (m *GatewayMethods) handleUnsubscribe(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	params, resp := subscribeParams(client, req)
	if resp != nil {
		return resp
	}
	client.Unsubscribe(params.Platform)
	return protocol.SubscribeResponse(req.ID, params.Platform, false)
}

func subscribeParams(client *gateway.Client, req *protocol.RequestFrame) (protocol.SubscribeParams, *protocol.ResponseFrame) {
	var params protocol.SubscribeParams
	if client == nil {
		return params, protocol.NewErrorResponse(req.ID, protocol.ErrUnsupported, "subscriptions require a websocket connection")
	}
	if err := gateway.ParseParams(req, &params); err != nil {
		return params, gateway.InvalidParams(req, err)
	}
	if params.Platform == "" {
		return params, gateway.InvalidParams(req, errors.New("platform is required"))
	}
	if !slices.Contains(capabilities.DefaultPlatforms, params.Platform) {
		return params, protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown platform: "+params.Platform)
	}
	return params, nil
}

// wsPort reports the configured WS port; WS shares the HTTP listener
// when none is set.
func wsPort(ws, http int) int {
	if ws > 0 {
		return ws
	}
	return http
}
