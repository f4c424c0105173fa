package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeAcker struct{ rec *recorder }

func (a fakeAcker) SendProcessingAck(_ context.Context, channelID, messageID, emoji string) error {
	a.rec.add(fmt.Sprintf("processing %s %s %s", channelID, messageID, emoji))
	return nil
}

func (a fakeAcker) SendCompletionAck(_ context.Context, channelID, messageID string) error {
	a.rec.add(fmt.Sprintf("completion %s %s", channelID, messageID))
	return nil
}

func (a fakeAcker) StartTyping(_ context.Context, channelID string) error {
	a.rec.add("typing " + channelID)
	return nil
}

type ackers map[string]channels.Acker

func (a ackers) Acker(platform string) (channels.Acker, bool) {
	ack, ok := a[platform]
	return ack, ok
}

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

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Name)
	}
	return out
}

type fixture struct {
	d      *Dispatcher
	bus    *bus.MessageBus
	svc    *routing.Service
	events *eventLog
	acks   *recorder
}

func newFixture(t *testing.T, queue int, handler Handler, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Debounce.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	svc := routing.NewService()
	svc.Initialize(config.RoutingConfig{
		Enabled:      true,
		DefaultAgent: "main",
		Bindings: []config.BindingConfig{
			{ID: "support", Type: "channel", AgentID: "support", Platform: "slack", PeerKind: "channel", PeerPattern: "C1"},
		},
	})
	mb := bus.NewMessageBus(queue)
	t.Cleanup(mb.Close)

	f := &fixture{bus: mb, svc: svc, events: &eventLog{}, acks: &recorder{}}
	f.d = New(cfg, mb, svc, handler)
	f.d.SetEvents(f.events)
	f.d.SetChannels(ackers{"slack": fakeAcker{rec: f.acks}})
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func slackMsg(id, content string) bus.InboundMessage {
	return bus.InboundMessage{
		ID:        id,
		Platform:  "slack",
		UserID:    "U1",
		ChannelID: "C1",
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  map[string]string{bus.MetaThreadID: "1700000000.000100"},
	}
}

func TestIngestRejectsDuplicates(t *testing.T) {
	f := newFixture(t, 8, nil, nil)
	msg := slackMsg("m1", "hi")

	require.NoError(t, f.d.Ingest(context.Background(), msg))
	err := f.d.Ingest(context.Background(), msg)
	assert.ErrorIs(t, err, bus.ErrDuplicate)

	st := f.d.Stats()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, 1, st.QueueLength)
	assert.Equal(t, []string{protocol.EventMessageReceived}, f.events.names())
}

func TestIngestQueueFull(t *testing.T) {
	f := newFixture(t, 1, nil, nil)
	ctx := context.Background()
	m2 := slackMsg("m2", "b")

	require.NoError(t, f.d.Ingest(ctx, slackMsg("m1", "a")))
	assert.ErrorIs(t, f.d.Ingest(ctx, m2), bus.ErrQueueFull)
	assert.Equal(t, uint64(1), f.d.Stats().Dropped)

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, ok := f.bus.ConsumeInbound(drainCtx)
	require.True(t, ok)

	require.NoError(t, f.d.Ingest(ctx, m2), "retry of a rejected message must be accepted")
	assert.Equal(t, 1, f.bus.Len())
	assert.ErrorIs(t, f.d.Ingest(ctx, m2), bus.ErrDuplicate)
}

func TestDroppedBatchIsUnmarked(t *testing.T) {
	f := newFixture(t, 1, nil, nil)
	require.NoError(t, f.bus.PublishInbound(slackMsg("filler", "x")))

	msg := slackMsg("m1", "hello")
	require.False(t, f.d.idem.CheckAndMark(msg.ID, msg.ChannelID, msg.GuildID, msg.Timestamp))
	f.d.flush(bus.Batch{Messages: []bus.InboundMessage{msg}, Combined: msg})

	assert.Equal(t, uint64(1), f.d.Stats().Dropped)
	assert.False(t, f.d.idem.CheckAndMark(msg.ID, msg.ChannelID, msg.GuildID, msg.Timestamp),
		"messages of a dropped batch must not block redelivery")
}

func TestIngestDebouncesBursts(t *testing.T) {
	f := newFixture(t, 8, nil, func(c *config.Config) {
		c.Debounce.Enabled = true
		c.Debounce.WindowMs = 30
	})
	require.NoError(t, f.d.Ingest(context.Background(), slackMsg("m1", "hello")))
	require.NoError(t, f.d.Ingest(context.Background(), slackMsg("m2", "world")))
	assert.Equal(t, 0, f.bus.Len(), "batch is still open")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := f.bus.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "hello world", msg.Content)
	assert.Equal(t, "2", msg.Meta(bus.MetaBatchSize))
}

func TestRunRoutesRepliesAndAcks(t *testing.T) {
	var got Request
	var gotMu sync.Mutex
	handler := HandlerFunc(func(_ context.Context, req Request) (*Response, error) {
		gotMu.Lock()
		got = req
		gotMu.Unlock()
		return &Response{Content: "on it"}, nil
	})
	f := newFixture(t, 8, handler, nil)
	f.run(t)

	require.NoError(t, f.d.Ingest(context.Background(), slackMsg("m1", "help please")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, ok := f.bus.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "on it", out.Content)
	assert.Equal(t, "agent:support:slack:default:channel:C1", out.SessionKey)
	assert.Equal(t, "slack", out.Platform)
	assert.Equal(t, "C1", out.ChannelID)
	assert.Equal(t, "m1", out.ReplyTo)
	assert.Equal(t, "support", out.AgentID)
	assert.Equal(t, "1700000000.000100", out.Metadata[bus.MetaThreadID])

	gotMu.Lock()
	assert.Equal(t, "support", got.AgentID)
	assert.Equal(t, "agent:support:slack:default:channel:C1", got.SessionKey.String())
	assert.Equal(t, got.SessionKey.String(), got.Message.SessionKey)
	assert.False(t, got.Decision.IsFallback)
	gotMu.Unlock()

	require.Eventually(t, func() bool { return f.d.Stats().Processed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.d.Stats().Acks.PendingCount, "reply is pending until the platform accepts it")
	assert.Equal(t, []string{protocol.EventMessageReceived}, f.events.names())

	f.d.Delivered(ctx, out, nil)

	assert.Equal(t, []string{protocol.EventMessageReceived, protocol.EventMessageSent}, f.events.names())
	assert.Equal(t, []string{
		"processing C1 m1 ✅",
		"typing C1",
		"completion C1 m1",
	}, f.acks.snapshot())

	st := f.d.Stats()
	assert.Equal(t, 1, st.Acks.DeliveredCount)
	assert.Equal(t, 0, st.Acks.PendingCount)
	assert.False(t, f.d.Acks().IsTyping("C1"))
}

type slackChannel struct {
	fakeAcker
	sendErr error
	running atomic.Bool
}

func (c *slackChannel) Meta() channels.Meta               { return channels.Meta{ID: "slack", Name: "Slack"} }
func (c *slackChannel) ValidateConfig() error             { return nil }
func (c *slackChannel) Start(context.Context) error       { c.running.Store(true); return nil }
func (c *slackChannel) Stop(context.Context) error        { c.running.Store(false); return nil }
func (c *slackChannel) HealthCheck(context.Context) error { return nil }
func (c *slackChannel) IsRunning() bool                   { return c.running.Load() }

func (c *slackChannel) Send(context.Context, bus.OutboundMessage) error {
	return c.sendErr
}

func TestFailedSendLeavesAckPending(t *testing.T) {
	f := newFixture(t, 8, nil, nil)
	mgr := channels.NewManager(f.bus, f.events, channels.ReconnectPolicy{})
	mgr.RegisterChannel(&slackChannel{fakeAcker: fakeAcker{rec: f.acks}, sendErr: errors.New("channel_not_found")})
	attempts := make(chan error, 1)
	mgr.SetDeliveryHook(func(ctx context.Context, out bus.OutboundMessage, err error) {
		f.d.Delivered(ctx, out, err)
		attempts <- err
	})
	f.d.SetChannels(mgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.StartAll(ctx))
	t.Cleanup(func() { mgr.StopAll(context.Background()) })
	f.run(t)

	require.NoError(t, f.d.Ingest(ctx, slackMsg("m1", "hi")))
	select {
	case err := <-attempts:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reply was never sent")
	}

	st := f.d.Stats().Acks
	assert.Equal(t, 1, st.PendingCount)
	assert.Equal(t, 0, st.DeliveredCount)
	assert.NotContains(t, f.acks.snapshot(), "completion C1 m1")
	assert.NotContains(t, f.events.names(), protocol.EventMessageSent)

	f.d.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	assert.Equal(t, 1, f.d.Cleanup(), "undelivered reply expires")
}

func TestRunHandlerErrorSendsNothing(t *testing.T) {
	f := newFixture(t, 8, HandlerFunc(func(context.Context, Request) (*Response, error) {
		return nil, errors.New("engine down")
	}), nil)
	f.run(t)

	require.NoError(t, f.d.Ingest(context.Background(), slackMsg("m1", "hi")))
	require.Eventually(t, func() bool { return f.d.Stats().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.bus.OutboundLen())
	assert.Equal(t, []string{protocol.EventMessageReceived}, f.events.names())
}

func TestRunUsesDefaultAgentWhenRoutingDisabled(t *testing.T) {
	agents := make(chan string, 1)
	f := newFixture(t, 8, HandlerFunc(func(_ context.Context, req Request) (*Response, error) {
		agents <- req.AgentID
		return nil, nil
	}), nil)
	f.svc.SetEnabled(false)
	f.run(t)

	require.NoError(t, f.d.Ingest(context.Background(), slackMsg("m1", "hi")))
	select {
	case agent := <-agents:
		assert.Equal(t, "main", agent)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestRunBindsSessionThread(t *testing.T) {
	reqs := make(chan Request, 2)
	f := newFixture(t, 8, HandlerFunc(func(_ context.Context, req Request) (*Response, error) {
		reqs <- req
		return nil, nil
	}), func(c *config.Config) {
		c.Gateway.AutoCreateThreads = true
		c.Gateway.DefaultAssistantID = "asst_1"
	})
	f.run(t)

	require.NoError(t, f.d.Ingest(context.Background(), slackMsg("m1", "first")))
	require.NoError(t, f.d.Ingest(context.Background(), slackMsg("m2", "second")))

	var got []Request
	for len(got) < 2 {
		select {
		case r := <-reqs:
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called twice")
		}
	}
	require.NotEmpty(t, got[0].ThreadID)
	assert.True(t, got[0].NewThread)
	assert.Equal(t, got[0].ThreadID, got[1].ThreadID)
	assert.False(t, got[1].NewThread)
	assert.Equal(t, "asst_1", got[1].AssistantID)

	sess, ok := f.d.Sessions().Get("agent:support:slack:default:channel:C1")
	require.True(t, ok)
	assert.Equal(t, 2, sess.MessageCount)

	st := f.d.Stats()
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.Threads)

	f.d.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	f.d.Cleanup()
	assert.Equal(t, 0, f.d.Sessions().Len())
}

func TestEchoHandler(t *testing.T) {
	resp, err := EchoHandler{}.Handle(context.Background(), Request{
		AgentID: "main",
		Message: bus.InboundMessage{Content: "ping"},
	})
	require.NoError(t, err)
	assert.Equal(t, "[main] ping", resp.Content)
}

func TestCleanupExpiresPendingAcks(t *testing.T) {
	f := newFixture(t, 8, nil, nil)
	f.d.Acks().RegisterMessage("m1", "discord", "c1")
	assert.Equal(t, 0, f.d.Cleanup())

	f.d.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	assert.Equal(t, 1, f.d.Cleanup())
	assert.Equal(t, 0, f.d.Acks().Stats().PendingCount)
}

func TestJanitorScheduleFallback(t *testing.T) {
	f := newFixture(t, 8, nil, func(c *config.Config) { c.Maintenance.AckCleanupSchedule = "not a cron" })
	assert.Equal(t, DefaultJanitorSchedule, f.d.janitorSchedule)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, f.d.RunJanitor(ctx))
}

func TestConfigConversion(t *testing.T) {
	dc := DebounceConfig(config.DebounceConfig{Enabled: true, WindowMs: 250, MaxMessages: 3, FlushOnMention: true})
	assert.Equal(t, 250*time.Millisecond, dc.Window)
	assert.Equal(t, 3, dc.MaxMessages)
	assert.False(t, dc.FlushOnCommand)

	ac := AckConfig(config.AckConfig{
		Enabled:            true,
		TypingDurationSecs: 5,
		Emoji:              map[string]string{"discord": "🤖"},
	})
	assert.Equal(t, 5*time.Second, ac.TypingDuration)
	assert.Equal(t, "🤖", ac.EmojiFor("discord"))
	assert.Equal(t, "🔄", ac.EmojiFor("telegram"))
	assert.Equal(t, bus.DefaultAckTimeout, ac.PendingTimeout)
}
