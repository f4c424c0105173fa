package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type fakeChannel struct {
	*BaseChannel
	meta      Meta
	startErr  error
	healthErr error
	sendErr   error

	mu     sync.Mutex
	starts int
	sent   []bus.OutboundMessage
}

func newFake(id string, order int) *fakeChannel {
	return &fakeChannel{
		BaseChannel: NewBaseChannel(id, "", IngestFunc(func(context.Context, bus.InboundMessage) error { return nil }), nil),
		meta:        Meta{ID: id, Name: id, Order: order},
	}
}

func (f *fakeChannel) Meta() Meta            { return f.meta }
func (f *fakeChannel) ValidateConfig() error { return nil }

func (f *fakeChannel) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.SetRunning(true)
	return nil
}

func (f *fakeChannel) Stop(context.Context) error {
	f.SetRunning(false)
	return nil
}

func (f *fakeChannel) HealthCheck(context.Context) error { return f.healthErr }

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) Subscribe(string, bus.EventHandler) {}
func (l *eventLog) Unsubscribe(string)                 {}
func (l *eventLog) Broadcast(e bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Name
	}
	return out
}

func testPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:             true,
		MaxAttempts:         3,
		BaseDelay:           time.Second,
		MaxDelay:            10 * time.Second,
		HealthCheckInterval: time.Hour,
	}
}

func newTestManager(t *testing.T) (*Manager, *bus.MessageBus, *eventLog) {
	t.Helper()
	mb := bus.NewMessageBus(10)
	t.Cleanup(mb.Close)
	events := &eventLog{}
	m := NewManager(mb, events, testPolicy())
	m.jitter = func(d time.Duration) time.Duration { return d }
	return m, mb, events
}

func TestBackoffDelay(t *testing.T) {
	base, max := time.Second, 60*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}

func TestJitterBounds(t *testing.T) {
	d := 10 * time.Second
	for range 100 {
		got := jitter(d)
		assert.GreaterOrEqual(t, got, d+d/10)
		assert.LessOrEqual(t, got, d+d/5)
	}
}

func TestReconnectPolicyFromConfig(t *testing.T) {
	p := ReconnectPolicyFromConfig(config.ReconnectConfig{Enabled: true})
	assert.Equal(t, 0, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.Equal(t, 30*time.Second, p.HealthCheckInterval)
}

func TestStartAllConnectsAndOrders(t *testing.T) {
	m, _, events := newTestManager(t)
	tg, dc := newFake("telegram", 3), newFake("discord", 1)
	m.RegisterChannel(tg)
	m.RegisterChannel(dc)

	assert.Equal(t, []string{"discord", "telegram"}, m.Names())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))

	st, ok := m.State("discord")
	require.True(t, ok)
	assert.Equal(t, StateConnected, st)

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalChannels)
	assert.Equal(t, 2, stats.ConnectedChannels)
	assert.Equal(t, []string{protocol.EventPlatformConnected, protocol.EventPlatformConnected}, events.names())

	require.NoError(t, m.StopAll(ctx))
	st, _ = m.State("telegram")
	assert.Equal(t, StateDisconnected, st)
	h, _ := m.Health("telegram")
	assert.False(t, h.LastDisconnectedAt.IsZero())
	assert.Contains(t, events.names(), protocol.EventPlatformDisconnected)
}

func TestFailedStartSchedulesReconnect(t *testing.T) {
	m, _, _ := newTestManager(t)
	fc := newFake("discord", 1)
	fc.startErr = errors.New("boom")
	m.RegisterChannel(fc)

	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.StartAll(context.Background()))
	st, _ := m.State("discord")
	assert.Equal(t, StateReconnecting, st)

	h, _ := m.Health("discord")
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Equal(t, "boom", h.Error)
	assert.Equal(t, uint64(1), m.Stats().TotalReconnections)

	// Not due yet.
	assert.Equal(t, 0, m.ReconnectDue(context.Background()))

	// Due after the first backoff; the retry succeeds.
	fc.startErr = nil
	now = now.Add(time.Second)
	assert.Equal(t, 1, m.ReconnectDue(context.Background()))
	st, _ = m.State("discord")
	assert.Equal(t, StateConnected, st)
	h, _ = m.Health("discord")
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.Error)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.RegisterChannel(newFake("slack", 2))

	for i := 0; i < 3; i++ {
		assert.True(t, m.ScheduleReconnect("slack"), "attempt %d", i+1)
	}
	assert.False(t, m.ScheduleReconnect("slack"))

	st, _ := m.State("slack")
	assert.Equal(t, StateFailed, st)
	h, _ := m.Health("slack")
	assert.Equal(t, "max reconnect attempts reached", h.Error)
	assert.Equal(t, 1, m.Stats().FailedChannels)
	assert.Equal(t, uint64(3), m.Stats().TotalReconnections)
}

func TestReconnectDisabled(t *testing.T) {
	mb := bus.NewMessageBus(1)
	defer mb.Close()
	p := testPolicy()
	p.Enabled = false
	m := NewManager(mb, nil, p)
	m.RegisterChannel(newFake("slack", 2))
	assert.False(t, m.ScheduleReconnect("slack"))
	assert.False(t, m.ScheduleReconnect("unknown"))
}

func TestCheckHealth(t *testing.T) {
	m, _, _ := newTestManager(t)
	good, bad := newFake("discord", 1), newFake("telegram", 3)
	m.RegisterChannel(good)
	m.RegisterChannel(bad)
	require.NoError(t, m.StartAll(context.Background()))

	bad.healthErr = errors.New("unreachable")
	m.CheckHealth(context.Background())

	h, _ := m.Health("discord")
	assert.False(t, h.LastHeartbeatAt.IsZero())
	st, _ := m.State("telegram")
	assert.Equal(t, StateReconnecting, st)
	h, _ = m.Health("telegram")
	assert.Equal(t, "unreachable", h.Error)
}

func TestOutboundDispatch(t *testing.T) {
	m, mb, _ := newTestManager(t)
	fc := newFake("discord", 1)
	m.RegisterChannel(fc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))

	require.NoError(t, mb.PublishOutbound(bus.OutboundMessage{Platform: "discord", ChannelID: "c1", Content: "hi"}))
	require.NoError(t, mb.PublishOutbound(bus.OutboundMessage{Platform: "matrix", ChannelID: "c1", Content: "lost"}))

	require.Eventually(t, func() bool { return fc.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return mb.OutboundLen() == 0 }, time.Second, 5*time.Millisecond)
	h, _ := m.Health("discord")
	assert.Equal(t, uint64(1), h.MessageCount)
	assert.Equal(t, uint64(1), m.Stats().TotalMessages)
}

func TestDeliveryHookSeesEveryAttempt(t *testing.T) {
	m, _, _ := newTestManager(t)
	ok := newFake("discord", 1)
	broken := newFake("telegram", 2)
	broken.sendErr = errors.New("chat not found")
	m.RegisterChannel(ok)
	m.RegisterChannel(broken)

	type attempt struct {
		replyTo string
		failed  bool
	}
	var got []attempt
	m.SetDeliveryHook(func(_ context.Context, msg bus.OutboundMessage, err error) {
		got = append(got, attempt{msg.ReplyTo, err != nil})
	})

	ctx := context.Background()
	require.NoError(t, m.Send(ctx, bus.OutboundMessage{Platform: "discord", ChannelID: "c1", ReplyTo: "m1"}))
	assert.Error(t, m.Send(ctx, bus.OutboundMessage{Platform: "telegram", ChannelID: "-1", ReplyTo: "m2"}))
	assert.Error(t, m.Send(ctx, bus.OutboundMessage{Platform: "matrix", ChannelID: "x", ReplyTo: "m3"}))

	assert.Equal(t, []attempt{{"m1", false}, {"m2", true}, {"m3", true}}, got)
	h, _ := m.Health("telegram")
	assert.Equal(t, uint64(0), h.MessageCount)
}

func TestAckerAndUnregister(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.RegisterChannel(newFake("discord", 1))

	_, ok := m.Acker("discord")
	assert.False(t, ok, "fake does not implement Acker")
	_, ok = m.Get("discord")
	assert.True(t, ok)

	assert.True(t, m.UnregisterChannel("discord"))
	assert.False(t, m.UnregisterChannel("discord"))
	_, ok = m.State("discord")
	assert.False(t, ok)
}
