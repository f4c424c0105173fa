package methods

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// SessionMethods exposes the conversation registry so the thread engine
// can look up and link assistant threads.
type SessionMethods struct {
	mgr *sessions.Manager
}

func NewSessionMethods(mgr *sessions.Manager) *SessionMethods {
	return &SessionMethods{mgr: mgr}
}

// Register registers all sessions.* methods.
func (m *SessionMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSessionsList, m.handleList)
	router.Register(protocol.MethodSessionsGet, m.handleGet)
	router.Register(protocol.MethodSessionsLink, m.handleLink)
	router.Register(protocol.MethodSessionsDelete, m.handleDelete)
}

type sessionKeyParams struct {
	SessionKey string `json:"sessionKey"`
	ChannelID  string `json:"channelId,omitempty"`
	ThreadID   string `json:"threadId,omitempty"`
}

func (m *SessionMethods) handleList(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID  string `json:"agentId"`
		Platform string `json:"platform"`
	}
	if err := gateway.ParseParams(req, &params); err != nil && !errors.Is(err, gateway.ErrEmptyParams) {
		return gateway.InvalidParams(req, err)
	}
	list := m.mgr.List(sessions.ListFilter{AgentID: params.AgentID, Platform: params.Platform})
	return protocol.NewOKResponse(req.ID, map[string]interface{}{
		"sessions": list,
		"count":    len(list),
		"threads":  m.mgr.ThreadCount(params.Platform),
	})
}

func (m *SessionMethods) handleGet(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	key, resp := parseSessionKey(req)
	if resp != nil {
		return resp
	}
	s, ok := m.mgr.Get(key.String())
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "session not found: "+key.String())
	}
	return protocol.NewOKResponse(req.ID, map[string]interface{}{"session": s})
}

func (m *SessionMethods) handleLink(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params sessionKeyParams
	if err := gateway.ParseParams(req, &params); err != nil {
		return gateway.InvalidParams(req, err)
	}
	if params.ThreadID == "" {
		return gateway.InvalidParams(req, errors.New("threadId is required"))
	}
	key, err := sessions.ParseSessionKey(params.SessionKey)
	if err != nil {
		return gateway.InvalidParams(req, err)
	}
	s := m.mgr.LinkThread(key, params.ChannelID, params.ThreadID)
	if err := m.mgr.Save(s.Key); err != nil {
		slog.Warn("sessions.link: save failed", "session", s.Key, "error", err)
	}
	return protocol.NewOKResponse(req.ID, map[string]interface{}{"session": s})
}

func (m *SessionMethods) handleDelete(_ context.Context, _ *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	key, resp := parseSessionKey(req)
	if resp != nil {
		return resp
	}
	if err := m.mgr.Delete(key.String()); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "session not found: "+key.String())
		}
		slog.Error("sessions.delete", "session", key.String(), "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "failed to delete session")
	}
	return protocol.NewOKResponse(req.ID, map[string]interface{}{"deleted": true, "sessionKey": key.String()})
}

// parseSessionKey reads {"sessionKey": ...} and normalizes it to the
// canonical agent:-prefixed form.
func parseSessionKey(req *protocol.RequestFrame) (sessions.SessionKey, *protocol.ResponseFrame) {
	var params sessionKeyParams
	if err := gateway.ParseParams(req, &params); err != nil {
		return sessions.SessionKey{}, gateway.InvalidParams(req, err)
	}
	key, err := sessions.ParseSessionKey(params.SessionKey)
	if err != nil {
		return sessions.SessionKey{}, gateway.InvalidParams(req, err)
	}
	return key, nil
}
