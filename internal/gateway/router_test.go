package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func pingRouter() *MethodRouter {
	r := NewMethodRouter(nil)
	r.Register(protocol.MethodGatewayPing, func(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.Pong(req.ID, time.UnixMilli(1_700_000_000_000))
	})
	return r
}

func TestRouterPingRoundTrip(t *testing.T) {
	r := pingRouter()
	raw, err := protocol.Encode(protocol.Ping("p1"))
	require.NoError(t, err)

	resp := r.ProcessFrame(context.Background(), nil, raw)
	require.NotNil(t, resp)
	assert.Equal(t, "p1", resp.ID)
	assert.True(t, resp.OK)

	out, err := protocol.Encode(resp)
	require.NoError(t, err)
	var wire struct {
		Payload protocol.PongPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(out, &wire))
	assert.Equal(t, int64(1_700_000_000_000), wire.Payload.Pong)
}

func TestRouterUnknownMethod(t *testing.T) {
	r := pingRouter()
	resp := r.Handle(context.Background(), nil, &protocol.RequestFrame{ID: "7", Method: "nope.nothing"})
	require.NotNil(t, resp.Error)
	assert.False(t, resp.OK)
	assert.Equal(t, "7", resp.ID)
	assert.Equal(t, protocol.ErrMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Unknown method: nope.nothing", resp.Error.Message)
}

func TestRouterInvalidEnvelope(t *testing.T) {
	r := pingRouter()
	resp := r.Handle(context.Background(), nil, &protocol.RequestFrame{Method: protocol.MethodGatewayPing})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrInvalidParams, resp.Error.Code)

	resp = r.ProcessFrame(context.Background(), nil, []byte(`not json`))
	require.NotNil(t, resp)
	assert.Equal(t, "", resp.ID)
	assert.Equal(t, protocol.ErrInvalidParams, resp.Error.Code)
}

func TestRouterRecoversPanics(t *testing.T) {
	r := NewMethodRouter(nil)
	r.Register("boom", func(context.Context, *Client, *protocol.RequestFrame) *protocol.ResponseFrame {
		panic("kaboom")
	})
	resp := r.Handle(context.Background(), nil, &protocol.RequestFrame{ID: "1", Method: "boom"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrInternal, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "kaboom")
}

func TestRouterNilResponseIsOK(t *testing.T) {
	r := NewMethodRouter(nil)
	r.Register("noop", func(context.Context, *Client, *protocol.RequestFrame) *protocol.ResponseFrame { return nil })
	resp := r.Handle(context.Background(), nil, &protocol.RequestFrame{ID: "1", Method: "noop"})
	assert.True(t, resp.OK)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, []string{"noop"}, r.Methods())
}

func TestRouterIgnoresClientEventsAndStrayResponses(t *testing.T) {
	r := pingRouter()
	assert.Nil(t, r.ProcessFrame(context.Background(), nil, []byte(`{"type":"evt","event":"x","data":null}`)))
	assert.Nil(t, r.ProcessFrame(context.Background(), nil, []byte(`{"type":"res","id":"9","ok":true}`)))
}

func TestRouterCountsFrames(t *testing.T) {
	s := NewServer(config.Default(), nil)
	m := NewMetrics()
	s.SetMetrics(m)
	r := s.Router()
	r.Register("ok.method", func(context.Context, *Client, *protocol.RequestFrame) *protocol.ResponseFrame { return nil })

	r.Handle(context.Background(), nil, &protocol.RequestFrame{ID: "1", Method: "ok.method"})
	r.Handle(context.Background(), nil, &protocol.RequestFrame{ID: "2", Method: "ok.method"})
	r.Handle(context.Background(), nil, &protocol.RequestFrame{ID: "3", Method: "missing"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("ok.method", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("unknown", protocol.ErrMethodNotFound)))
}

func TestParseParams(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	assert.ErrorIs(t, ParseParams(&protocol.RequestFrame{}, &v), ErrEmptyParams)
	assert.ErrorIs(t, ParseParams(&protocol.RequestFrame{Params: json.RawMessage("null")}, &v), ErrEmptyParams)
	assert.Error(t, ParseParams(&protocol.RequestFrame{Params: json.RawMessage(`{"a":"x"}`)}, &v))
	require.NoError(t, ParseParams(&protocol.RequestFrame{Params: json.RawMessage(`{"a":3}`)}, &v))
	assert.Equal(t, 3, v.A)
}

func TestRateLimiter(t *testing.T) {
	off := NewRateLimiter(0, 5)
	assert.False(t, off.Enabled())
	assert.True(t, off.Allow("k"))

	var nilLimiter *RateLimiter
	assert.False(t, nilLimiter.Enabled())

	rl := NewRateLimiter(1, 2)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are independent")

	rl.Forget("a")
	assert.True(t, rl.Allow("a"), "forgotten key starts with a full bucket")
}
