package methods

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/capabilities"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) Subscribe(string, bus.EventHandler) {}
func (l *eventLog) Unsubscribe(string)                  {}
func (l *eventLog) Broadcast(e bus.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func call(t *testing.T, r *gateway.MethodRouter, method string, params interface{}) *protocol.ResponseFrame {
	t.Helper()
	req, err := protocol.NewRequest("", method, params)
	require.NoError(t, err)
	resp := r.Handle(context.Background(), nil, req)
	require.NotNil(t, resp)
	require.Equal(t, req.ID, resp.ID)
	return resp
}

// decode round-trips a payload through JSON, as a client would see it.
func decode(t *testing.T, resp *protocol.ResponseFrame, v interface{}) {
	t.Helper()
	require.True(t, resp.OK, "response error: %+v", resp.Error)
	raw, err := json.Marshal(resp.Payload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func errCode(resp *protocol.ResponseFrame) string {
	if resp.Error == nil {
		return ""
	}
	return resp.Error.Code
}

func newGatewayRouter(mutate func(*config.Config)) (*gateway.Server, *gateway.MethodRouter) {
	cfg := config.Default()
	cfg.Gateway.Port = 18790
	cfg.Gateway.WSPort = 0
	if mutate != nil {
		mutate(cfg)
	}
	s := gateway.NewServer(cfg, nil)
	m := NewGatewayMethods(s)
	m.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	m.Register(s.Router())
	return s, s.Router()
}

func TestGatewayPing(t *testing.T) {
	_, r := newGatewayRouter(nil)
	var p protocol.PongPayload
	decode(t, call(t, r, protocol.MethodGatewayPing, struct{}{}), &p)
	assert.Equal(t, int64(1_700_000_000_000), p.Pong)
	assert.Equal(t, p.Pong, p.ServerTime)
}

func TestGatewayStatus(t *testing.T) {
	s, r := newGatewayRouter(nil)
	s.SetQueue(bus.NewMessageBus(4))

	var st protocol.StatusPayload
	decode(t, call(t, r, protocol.MethodGatewayStatus, nil), &st)
	assert.False(t, st.Running)
	assert.Equal(t, 18790, st.HTTPPort)
	assert.Equal(t, 18790, st.WSPort, "ws shares the http listener")
	assert.Equal(t, 0, st.ActiveConnections)
	assert.Equal(t, 0, st.QueuedMessages)
	assert.Equal(t, protocol.ProtocolVersion, st.ProtocolVersion)
}

func TestGatewayConfigHidesSecrets(t *testing.T) {
	_, r := newGatewayRouter(func(c *config.Config) {
		c.Gateway.Token = "secret"
		c.Gateway.Whitelist = config.FlexibleStringSlice{"discord"}
		c.Gateway.DefaultAssistantID = "asst_1"
		c.Gateway.AutoCreateThreads = true
	})
	resp := call(t, r, protocol.MethodGatewayConfig, nil)
	raw, err := json.Marshal(resp.Payload)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	var cp protocol.ConfigPayload
	decode(t, resp, &cp)
	assert.Equal(t, []string{"discord"}, cp.Whitelist)
	assert.Equal(t, "asst_1", cp.DefaultAssistantID)
	assert.True(t, cp.AutoCreateThreads)
}

func TestGatewayPlatformList(t *testing.T) {
	_, r := newGatewayRouter(nil)
	var pl protocol.PlatformListPayload
	decode(t, call(t, r, protocol.MethodGatewayPlatformList, nil), &pl)
	assert.Equal(t, []string{"discord", "slack", "telegram"}, pl.Platforms)

	_, r = newGatewayRouter(func(c *config.Config) { c.Gateway.Whitelist = config.FlexibleStringSlice{"telegram"} })
	decode(t, call(t, r, protocol.MethodGatewayPlatformList, nil), &pl)
	assert.Equal(t, []string{"telegram"}, pl.Platforms)
}

func TestGatewaySubscribeNeedsConnection(t *testing.T) {
	_, r := newGatewayRouter(nil)
	resp := call(t, r, protocol.MethodGatewaySubscribe, protocol.SubscribeParams{Platform: "discord"})
	assert.Equal(t, protocol.ErrUnsupported, errCode(resp))
}

func newRoutingRouter(t *testing.T) (*routing.Service, *eventLog, *gateway.MethodRouter) {
	t.Helper()
	svc := routing.NewService()
	svc.Initialize(config.RoutingConfig{
		Enabled:      true,
		DefaultAgent: "main",
		Bindings: []config.BindingConfig{
			{ID: "g1", Type: "guild", AgentID: "guild-agent", Platform: "discord", PeerPattern: "G1"},
		},
	})
	events := &eventLog{}
	r := gateway.NewMethodRouter(nil)
	NewRoutingMethods(svc, events).Register(r)
	return svc, events, r
}

func TestRoutingResolve(t *testing.T) {
	_, _, r := newRoutingRouter(t)
	guild := "G1"

	var p ResolvePayload
	decode(t, call(t, r, protocol.MethodRoutingResolve, protocol.ResolveParams{
		Platform: "discord", ChannelID: "C1", UserID: "U1", GuildID: &guild,
	}), &p)
	assert.Equal(t, "guild-agent", p.AgentID)
	assert.False(t, p.IsFallback)
	require.NotNil(t, p.Binding)
	assert.Equal(t, "g1", p.Binding.ID)

	decode(t, call(t, r, protocol.MethodRoutingResolve, protocol.ResolveParams{
		Platform: "slack", ChannelID: "C9", UserID: "U1",
	}), &p)
	assert.Equal(t, "main", p.AgentID)
	assert.True(t, p.IsFallback)
	assert.InDelta(t, 0.1, p.Confidence, 1e-9)
	assert.Equal(t, "agent:main:slack:default:channel:C9", p.SessionKey)

	resp := call(t, r, protocol.MethodRoutingResolve, protocol.ResolveParams{Platform: "slack"})
	assert.Equal(t, protocol.ErrInvalidParams, errCode(resp))
}

func TestRoutingResolveDisabled(t *testing.T) {
	svc, _, r := newRoutingRouter(t)
	svc.SetEnabled(false)
	resp := call(t, r, protocol.MethodRoutingResolve, protocol.ResolveParams{Platform: "slack", ChannelID: "C"})
	assert.Equal(t, protocol.ErrUnsupported, errCode(resp))
}

func TestRoutingBindingsLifecycle(t *testing.T) {
	svc, events, r := newRoutingRouter(t)

	var added struct {
		Binding routing.AgentBinding `json:"binding"`
	}
	decode(t, call(t, r, protocol.MethodRoutingBindingsAdd, config.BindingConfig{
		Type: "peer", AgentID: "vip", Platform: "slack", PeerKind: "dm", PeerPattern: "U42",
	}), &added)
	assert.NotEmpty(t, added.Binding.ID)
	assert.Equal(t, 100, added.Binding.Priority)

	var list struct {
		Bindings []routing.AgentBinding `json:"bindings"`
	}
	decode(t, call(t, r, protocol.MethodRoutingBindingsList, nil), &list)
	assert.Len(t, list.Bindings, 2)

	resp := call(t, r, protocol.MethodRoutingBindingsAdd, config.BindingConfig{ID: "g1", Type: "guild", AgentID: "x"})
	assert.Equal(t, protocol.ErrConflict, errCode(resp))

	resp = call(t, r, protocol.MethodRoutingBindingsAdd, config.BindingConfig{Type: "bogus", AgentID: "x"})
	assert.Equal(t, protocol.ErrInvalidParams, errCode(resp))

	resp = call(t, r, protocol.MethodRoutingBindingsRemove, map[string]string{"id": added.Binding.ID})
	assert.True(t, resp.OK)
	resp = call(t, r, protocol.MethodRoutingBindingsRemove, map[string]string{"id": added.Binding.ID})
	assert.Equal(t, protocol.ErrNotFound, errCode(resp))

	assert.Len(t, svc.ListBindings(), 1)
	require.Len(t, events.events, 2)
	assert.Equal(t, protocol.EventRoutingUpdated, events.events[0].Name)
	assert.Equal(t, protocol.RoutingUpdatedPayload{Action: "removed", BindingID: added.Binding.ID}, events.events[1].Payload)

	var stats struct {
		Enabled bool               `json:"enabled"`
		Stats   routing.RouteStats `json:"stats"`
	}
	decode(t, call(t, r, protocol.MethodRoutingStats, nil), &stats)
	assert.True(t, stats.Enabled)
	assert.Equal(t, 1, stats.Stats.BindingCount)
}

func TestCapabilitiesNegotiate(t *testing.T) {
	r := gateway.NewMethodRouter(nil)
	NewCapabilityMethods(capabilities.DefaultServerCapabilities()).Register(r)

	var p NegotiatePayload
	decode(t, call(t, r, protocol.MethodCapabilitiesNegotiate, nil), &p)
	assert.True(t, p.Result.Success)
	assert.Equal(t, []string{"discord", "slack", "telegram"}, p.Result.NegotiatedPlatforms)
	assert.True(t, p.Result.AsyncInferenceAvailable)
	assert.NotEmpty(t, p.Server.InstanceID)

	decode(t, call(t, r, protocol.MethodCapabilitiesNegotiate, map[string]interface{}{
		"protocolVersion": "2.0.0",
	}), &p)
	assert.False(t, p.Result.Success)
	assert.Equal(t, "Protocol version mismatch: client=2.0.0, server=1.0.0", p.Result.Error)

	decode(t, call(t, r, protocol.MethodCapabilitiesNegotiate, map[string]interface{}{
		"platforms": []string{"irc"},
	}), &p)
	assert.False(t, p.Result.Success)
	assert.Equal(t, "No common platforms available", p.Result.Error)
}

func TestAckStats(t *testing.T) {
	tracker := bus.NewAckTracker(bus.DefaultAckConfig())
	tracker.RegisterMessage("m1", "discord", "c1")
	tracker.StartTyping("c1")

	r := gateway.NewMethodRouter(nil)
	NewAckMethods(tracker).Register(r)

	var p struct {
		Stats  bus.AckStats `json:"stats"`
		Typing []string     `json:"typing"`
	}
	decode(t, call(t, r, protocol.MethodAckStats, nil), &p)
	assert.Equal(t, 1, p.Stats.PendingCount)
	assert.Equal(t, []string{"c1"}, p.Typing)
}

func TestSessionsLinkListDelete(t *testing.T) {
	mgr := sessions.NewManager("")
	mgr.Touch(sessions.ChannelKey("support", "slack", "C1"), "C1", false)
	r := gateway.NewMethodRouter(nil)
	NewSessionMethods(mgr).Register(r)

	var linked struct {
		Session sessions.Session `json:"session"`
	}
	decode(t, call(t, r, protocol.MethodSessionsLink, map[string]string{
		"sessionKey": "support:slack:default:channel:C1",
		"threadId":   "thread_9",
	}), &linked)
	assert.Equal(t, "agent:support:slack:default:channel:C1", linked.Session.Key)
	assert.Equal(t, "thread_9", linked.Session.ThreadID)
	assert.Equal(t, 1, linked.Session.MessageCount)

	var list struct {
		Sessions []sessions.Session `json:"sessions"`
		Count    int                `json:"count"`
		Threads  int                `json:"threads"`
	}
	decode(t, call(t, r, protocol.MethodSessionsList, nil), &list)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, 1, list.Threads)

	decode(t, call(t, r, protocol.MethodSessionsList, map[string]string{"platform": "discord"}), &list)
	assert.Equal(t, 0, list.Count)

	resp := call(t, r, protocol.MethodSessionsLink, map[string]string{"sessionKey": "bad"})
	assert.Equal(t, protocol.ErrInvalidParams, errCode(resp))
	resp = call(t, r, protocol.MethodSessionsLink, map[string]string{"sessionKey": "bad", "threadId": "t"})
	assert.Equal(t, protocol.ErrInvalidParams, errCode(resp))

	key := map[string]string{"sessionKey": "agent:support:slack:default:channel:C1"}
	decode(t, call(t, r, protocol.MethodSessionsGet, key), &linked)
	assert.Equal(t, "thread_9", linked.Session.ThreadID)

	assert.True(t, call(t, r, protocol.MethodSessionsDelete, key).OK)
	assert.Equal(t, protocol.ErrNotFound, errCode(call(t, r, protocol.MethodSessionsDelete, key)))
	assert.Equal(t, protocol.ErrNotFound, errCode(call(t, r, protocol.MethodSessionsGet, key)))
}
