package methods

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// RoutingMethods exposes the binding table over RPC.
type RoutingMethods struct {
	svc    *routing.Service
	events bus.EventPublisher
}

// NewRoutingMethods creates the routing.* handlers. events may be nil.
func NewRoutingMethods(svc *routing.Service, events bus.EventPublisher) *RoutingMethods {
	return &RoutingMethods{svc: svc, events: events}
}

// Register registers all routing.* methods.
func (m *RoutingMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodRoutingResolve, m.handleResolve)
	router.Register(protocol.MethodRoutingStats, m.handleStats)
	router.Register(protocol.MethodRoutingBindingsList, m.handleList)
	router.Register(protocol.MethodRoutingBindingsAdd, m.handleAdd)
	router.Register(protocol.MethodRoutingBindingsRemove, m.handleRemove)
}

// ResolvePayload answers routing.resolve.
type ResolvePayload struct {
	AgentID    string                `json:"agentId"`
	SessionKey string                `json:"sessionKey"`
	IsFallback bool                  `json:"isFallback"`
	Confidence float64               `json:"confidence"`
	Binding    *routing.AgentBinding `json:"binding,omitempty"`
}

func (m *RoutingMethods) handleResolve(ctx context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params protocol.ResolveParams
	if err := gateway.ParseParams(req, &params); err != nil {
		return gateway.InvalidParams(req, err)
	}
	if params.Platform == "" || params.ChannelID == "" {
		return gateway.InvalidParams(req, errors.New("platform and channelId are required"))
	}

	d, ok := m.svc.ResolveFromContext(ctx, params.Platform, params.AccountID, params.ChannelID, params.UserID, params.GuildID)
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnsupported, "routing is disabled")
	}
	return protocol.NewOKResponse(req.ID, ResolvePayload{
		AgentID:    d.AgentID,
		SessionKey: d.SessionKey.WithAgent(d.AgentID).String(),
		IsFallback: d.IsFallback,
		Confidence: d.Confidence,
		Binding:    d.Binding,
	})
}

func (m *RoutingMethods) handleStats(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	return protocol.NewOKResponse(req.ID, map[string]interface{}{
		"enabled": m.svc.IsEnabled(),
		"stats":   m.svc.Stats(),
	})
}

func (m *RoutingMethods) handleList(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	return protocol.NewOKResponse(req.ID, map[string]interface{}{
		"bindings": m.svc.ListBindings(),
	})
}

func (m *RoutingMethods) handleAdd(ctx context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params config.BindingConfig
	if err := gateway.ParseParams(req, &params); err != nil {
		return gateway.InvalidParams(req, err)
	}
	b, err := routing.BindingFromConfig(params)
	if err != nil {
		return gateway.InvalidParams(req, err)
	}
	if params.ID != "" {
		if _, exists := m.svc.GetBinding(params.ID); exists {
			return protocol.NewErrorResponse(req.ID, protocol.ErrConflict, "binding already exists: "+params.ID)
		}
	}
	added, err := m.svc.AddBinding(ctx, b)
	if err != nil {
		if errors.Is(err, routing.ErrInvalidBinding) {
			return gateway.InvalidParams(req, err)
		}
		slog.Error("routing.bindings.add", "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "failed to add binding")
	}
	m.emitUpdated("added", added.ID)
	return protocol.NewOKResponse(req.ID, map[string]interface{}{"binding": added})
}

func (m *RoutingMethods) handleRemove(ctx context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		ID string `json:"id"`
	}
	if err := gateway.ParseParams(req, &params); err != nil {
		return gateway.InvalidParams(req, err)
	}
	if params.ID == "" {
		return gateway.InvalidParams(req, errors.New("id is required"))
	}
	removed, err := m.svc.RemoveBinding(ctx, params.ID)
	if err != nil {
		slog.Error("routing.bindings.remove", "id", params.ID, "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "failed to remove binding")
	}
	if !removed {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "binding not found: "+params.ID)
	}
	m.emitUpdated("removed", params.ID)
	return protocol.NewOKResponse(req.ID, map[string]interface{}{"removed": true, "id": params.ID})
}

func (m *RoutingMethods) emitUpdated(action, id string) {
	if m.events == nil {
		return
	}
	m.events.Broadcast(bus.Event{
		Name:    protocol.EventRoutingUpdated,
		Payload: protocol.RoutingUpdatedPayload{Action: action, BindingID: id},
	})
}
