package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type testGateway struct {
	server *Server
	bus    *bus.MessageBus
	http   *httptest.Server
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.RateLimitRPM = 0
	if mutate != nil {
		mutate(cfg)
	}
	mb := bus.NewMessageBus(16)
	s := NewServer(cfg, mb)
	s.Router().Register(protocol.MethodGatewayPing, func(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.Pong(req.ID, time.Now())
	})
	srv := httptest.NewServer(s.BuildMux())
	t.Cleanup(srv.Close)
	return &testGateway{server: s, bus: mb, http: srv}
}

func (g *testGateway) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL(""), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return g.server.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func (g *testGateway) onlyClient(t *testing.T) *Client {
	t.Helper()
	g.server.mu.RLock()
	defer g.server.mu.RUnlock()
	require.Len(t, g.server.clients, 1)
	for _, c := range g.server.clients {
		return c
	}
	return nil
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.ParseMessage(data)
	require.NoError(t, err)
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	data, err := protocol.Encode(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestServerPingOverWebSocket(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t)

	writeFrame(t, conn, protocol.Ping("abc"))
	f := readFrame(t, conn)
	require.NotNil(t, f.Response)
	assert.Equal(t, "abc", f.Response.ID)
	assert.True(t, f.Response.OK)

	writeFrame(t, conn, &protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: "2", Method: "missing"})
	f = readFrame(t, conn)
	require.NotNil(t, f.Response)
	require.NotNil(t, f.Response.Error)
	assert.Equal(t, protocol.ErrMethodNotFound, f.Response.Error.Code)
}

func TestServerEventsCarryIncreasingSeq(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t)

	g.bus.Broadcast(bus.Event{Name: protocol.EventMessageReceived, Platform: "discord", Payload: "a"})
	g.bus.Broadcast(bus.Event{Name: protocol.EventMessageSent, Platform: "slack", Payload: "b"})

	first := readFrame(t, conn)
	second := readFrame(t, conn)
	require.NotNil(t, first.Event)
	require.NotNil(t, second.Event)
	assert.Equal(t, uint64(1), *first.Event.Seq)
	assert.Equal(t, uint64(2), *second.Event.Seq)
	assert.Equal(t, protocol.EventMessageReceived, first.Event.Event)
}

func TestServerSubscriptionFiltersPlatformEvents(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t)
	g.onlyClient(t).Subscribe("slack")

	g.bus.Broadcast(bus.Event{Name: protocol.EventMessageReceived, Platform: "discord"})
	g.bus.Broadcast(bus.Event{Name: protocol.EventMessageReceived, Platform: "slack", Payload: "keep"})
	g.bus.Broadcast(bus.Event{Name: protocol.EventGatewayShutdown})

	f := readFrame(t, conn)
	require.NotNil(t, f.Event)
	assert.Equal(t, "keep", f.Event.Data)
	assert.Equal(t, uint64(1), *f.Event.Seq)

	f = readFrame(t, conn)
	require.NotNil(t, f.Event)
	assert.Equal(t, protocol.EventGatewayShutdown, f.Event.Event, "platform-less events always pass")
}

func TestClientWants(t *testing.T) {
	c := NewClient(nil, nil)
	defer c.Close()

	assert.True(t, c.Wants(bus.Event{Platform: "discord"}), "empty set wants everything")
	c.Subscribe("telegram")
	assert.False(t, c.Wants(bus.Event{Platform: "discord"}))
	assert.True(t, c.Wants(bus.Event{Platform: "telegram"}))
	assert.True(t, c.Wants(bus.Event{Name: "gateway.shutdown"}))
	assert.Equal(t, []string{"telegram"}, c.Subscriptions())

	assert.True(t, c.Unsubscribe("telegram"))
	assert.False(t, c.Unsubscribe("telegram"))
	assert.True(t, c.Wants(bus.Event{Platform: "discord"}))
}

func TestServerRequestCorrelatesResponse(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t)
	client := g.onlyClient(t)

	type result struct {
		resp *protocol.ResponseFrame
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.Request(context.Background(), "client.echo", map[string]string{"x": "y"})
		done <- result{resp, err}
	}()

	f := readFrame(t, conn)
	require.NotNil(t, f.Request)
	assert.Equal(t, "client.echo", f.Request.Method)
	writeFrame(t, conn, protocol.NewOKResponse(f.Request.ID, map[string]string{"echo": "y"}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.resp.OK)
		assert.Equal(t, f.Request.ID, r.resp.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("request not resolved")
	}
	assert.Equal(t, 0, client.PendingRequests())
}

func TestServerRequestTimesOut(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) { c.Gateway.RequestTimeoutMs = 50 })
	conn := g.dial(t)
	client := g.onlyClient(t)

	resp, err := client.Request(context.Background(), "client.slow", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrTimeout, resp.Error.Code)
	assert.Equal(t, 0, client.PendingRequests())

	f := readFrame(t, conn)
	require.NotNil(t, f.Request, "the request still reached the client")
}

func TestServerRateLimitsRequests(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) { c.Gateway.RateLimitRPM = 1 })
	conn := g.dial(t)

	for i := 0; i < rateLimitBurst+1; i++ {
		writeFrame(t, conn, protocol.Ping(""))
	}
	limited := 0
	for i := 0; i < rateLimitBurst+1; i++ {
		f := readFrame(t, conn)
		require.NotNil(t, f.Response)
		if f.Response.Error != nil && f.Response.Error.Code == protocol.ErrRateLimited {
			limited++
			assert.NotEmpty(t, f.Response.ID)
		}
	}
	assert.Equal(t, 1, limited)
}

func TestServerTokenAuth(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) { c.Gateway.Token = "s3cret" })

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL("token=s3cret"), nil)
	require.NoError(t, err)
	conn.Close()

	hdr := http.Header{"Authorization": []string{"Bearer s3cret"}}
	conn, _, err = websocket.DefaultDialer.Dial(g.wsURL(""), hdr)
	require.NoError(t, err)
	conn.Close()
}

func TestServerUnregistersOnDisconnect(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t)
	conn.Close()
	require.Eventually(t, func() bool { return g.server.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerHealth(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, err := http.Get(g.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, protocol.ProtocolVersion, body["protocol"])
}

func TestServerMetricsEndpoint(t *testing.T) {
	cfg := config.Default()
	s := NewServer(cfg, nil)
	s.SetMetrics(NewMetrics())
	s.metrics.ObserveWebhook("discord", "accepted")
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `clawgate_webhook_requests_total{outcome="accepted",platform="discord"} 1`)
}

func ingestByID() channels.Ingestor {
	return channels.IngestFunc(func(_ context.Context, msg bus.InboundMessage) error {
		switch msg.ID {
		case "dup":
			return bus.ErrDuplicate
		case "full":
			return bus.ErrQueueFull
		case "broken":
			return errors.New("boom")
		}
		return nil
	})
}

func postWebhook(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestWebhookStatusMapping(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) { c.Gateway.WebhookRateLimit = 100 })
	g.server.SetIngestor(ingestByID())
	url := g.http.URL + "/webhook/discord"

	tests := []struct {
		body string
		want int
	}{
		{`{"id":"m1","user_id":"u","channel_id":"c","content":"hi"}`, http.StatusAccepted},
		{`{"id":"dup","user_id":"u","channel_id":"c"}`, http.StatusOK},
		{`{"id":"full","user_id":"u","channel_id":"c"}`, http.StatusServiceUnavailable},
		{`{"id":"broken","user_id":"u","channel_id":"c"}`, http.StatusInternalServerError},
		{`{"id":"","channel_id":"c"}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, postWebhook(t, url, tt.body), "body %s", tt.body)
	}

	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebhookStampsPlatformAndDefaults(t *testing.T) {
	g := newTestGateway(t, nil)
	var got bus.InboundMessage
	g.server.SetIngestor(channels.IngestFunc(func(_ context.Context, msg bus.InboundMessage) error {
		got = msg
		return nil
	}))

	code := postWebhook(t, g.http.URL+"/webhook/telegram", `{"id":"1","platform":"discord","user_id":"u","channel_id":"-100"}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "telegram", got.Platform, "path wins over body")
	assert.Equal(t, bus.ProtocolVersion, got.ProtocolVersion)
	assert.NotZero(t, got.Timestamp)
}

func TestWebhookRejectsIncompatibleProtocolVersion(t *testing.T) {
	g := newTestGateway(t, nil)
	var ingested atomic.Int32
	g.server.SetIngestor(channels.IngestFunc(func(context.Context, bus.InboundMessage) error {
		ingested.Add(1)
		return nil
	}))

	tests := []struct {
		version string
		want    int
	}{
		{"1.0", http.StatusAccepted},
		{"1.4.2", http.StatusAccepted},
		{"2.0", http.StatusBadRequest},
		{"0.9", http.StatusBadRequest},
	}
	for i, tt := range tests {
		body := fmt.Sprintf(`{"id":"m%d","user_id":"u","channel_id":"c","protocol_version":%q}`, i, tt.version)
		assert.Equal(t, tt.want, postWebhook(t, g.http.URL+"/webhook/discord", body), "version %s", tt.version)
	}
	assert.Equal(t, int32(2), ingested.Load())

	resp, err := http.Post(g.http.URL+"/webhook/discord", "application/json",
		strings.NewReader(`{"id":"x","channel_id":"c","protocol_version":"2.0"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Protocol version mismatch", body["error"])
	assert.Equal(t, "2.0", body["client_version"])
	assert.Equal(t, bus.ProtocolVersion, body["server_version"])
}

func TestWebhookWhitelistAndRateLimit(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) {
		c.Gateway.Whitelist = config.FlexibleStringSlice{"discord"}
		c.Gateway.WebhookRateLimit = 2
	})
	g.server.SetIngestor(ingestByID())
	body := `{"id":"m","user_id":"u","channel_id":"c"}`

	assert.Equal(t, http.StatusForbidden, postWebhook(t, g.http.URL+"/webhook/slack", body))
	assert.Equal(t, http.StatusAccepted, postWebhook(t, g.http.URL+"/webhook/discord", body))
	assert.Equal(t, http.StatusTooManyRequests, postWebhook(t, g.http.URL+"/webhook/discord", body))
}

func TestWebhookWithoutIngestor(t *testing.T) {
	g := newTestGateway(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable,
		postWebhook(t, g.http.URL+"/webhook/discord", `{"id":"m","channel_id":"c"}`))
}

func TestServerSlackEventsMount(t *testing.T) {
	cfg := config.Default()
	s := NewServer(cfg, nil)
	s.SetSlackEvents(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	srv := httptest.NewServer(s.BuildMux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/slack/events", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestStartTestServerBroadcastsShutdown(t *testing.T) {
	s := NewServer(config.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	addr, start := StartTestServer(s, ctx)
	go start()

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	f := readFrame(t, conn)
	require.NotNil(t, f.Event)
	assert.Equal(t, protocol.EventGatewayShutdown, f.Event.Event)
}

func TestSendEventSeqOrderUnderConcurrency(t *testing.T) {
	const senders, perSender = 8, 500
	c := &Client{
		id:   "seq",
		send: make(chan []byte, senders*perSender),
		done: make(chan struct{}),
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				c.SendEvent(*protocol.NewEvent(protocol.EventMessageReceived, j))
			}
		}()
	}
	wg.Wait()
	close(c.send)

	var last uint64
	for data := range c.send {
		f, err := protocol.ParseMessage(data)
		require.NoError(t, err)
		require.NotNil(t, f.Event)
		require.Equal(t, last+1, *f.Event.Seq, "seq out of order in the mailbox")
		last = *f.Event.Seq
	}
	assert.Equal(t, uint64(senders*perSender), last)
}

func TestServerBoundsInflightRequests(t *testing.T) {
	g := newTestGateway(t, nil)
	release := make(chan struct{})
	var running, peak atomic.Int32
	g.server.Router().Register("test.block", func(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		running.Add(-1)
		return protocol.NewOKResponse(req.ID, nil)
	})
	conn := g.dial(t)

	const total = 2 * maxInflightRequests
	for i := 0; i < total; i++ {
		writeFrame(t, conn, &protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: fmt.Sprint(i), Method: "test.block"})
	}
	require.Eventually(t, func() bool { return running.Load() == maxInflightRequests }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(maxInflightRequests), peak.Load())

	close(release)
	for i := 0; i < total; i++ {
		f := readFrame(t, conn)
		require.NotNil(t, f.Response)
		assert.True(t, f.Response.OK)
	}
}
