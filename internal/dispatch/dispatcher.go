// Package dispatch owns the inbound pipeline: dedup, debounce, queue,
// route, hand off to the thread engine, reply, and acknowledge.
//
// A Dispatcher is built once at startup and passed to whatever needs it;
// there is no package-level state.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// AckerRegistry looks up platform ack support. channels.Manager implements it.
type AckerRegistry interface {
	Acker(platform string) (channels.Acker, bool)
}

// Stats aggregates pipeline counters for status reporting.
type Stats struct {
	QueueLength        int                `json:"queueLength"`
	QueueCapacity      int                `json:"queueCapacity"`
	IdempotencyEntries int                `json:"idempotencyEntries"`
	PendingDebounce    int                `json:"pendingDebounce"`
	Received           uint64             `json:"received"`
	Duplicates         uint64             `json:"duplicates"`
	Dropped            uint64             `json:"dropped"`
	Processed          uint64             `json:"processed"`
	Failed             uint64             `json:"failed"`
	Sessions           int                `json:"sessions"`
	Threads            int                `json:"threads"`
	Debounce           bus.DebounceStats  `json:"debounce"`
	Acks               bus.AckStats       `json:"acks"`
	Routes             routing.RouteStats `json:"routes"`
}

// SentPayload is the data of message.sent.
type SentPayload struct {
	MessageID  string `json:"messageId"`
	Platform   string `json:"platform"`
	ChannelID  string `json:"channelId"`
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey"`
	ThreadID   string `json:"threadId,omitempty"`
}

// Dispatcher is the gateway context shared by the webhook endpoint, the
// platform plugins and the consumer loop.
type Dispatcher struct {
	bus       *bus.MessageBus
	idem      *bus.IdempotencyCache
	debouncer *bus.Debouncer
	acks      *bus.AckTracker
	routing   *routing.Service
	sessions  *sessions.Manager
	handler   Handler
	events    bus.EventPublisher
	channels  AckerRegistry

	janitorSchedule string
	sessionTTL      time.Duration
	autoThreads     bool
	assistantID     string
	now             func() time.Time

	received   atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
	processed  atomic.Uint64
	failed     atomic.Uint64
}

// New builds a Dispatcher over msgBus. A nil handler selects EchoHandler.
// Events go to msgBus until SetEvents says otherwise.
func New(cfg *config.Config, msgBus *bus.MessageBus, svc *routing.Service, handler Handler) *Dispatcher {
	if handler == nil {
		handler = EchoHandler{}
	}
	d := &Dispatcher{
		bus:      msgBus,
		idem:     bus.NewIdempotencyCache(cfg.Idempotency.MaxEntries, time.Duration(cfg.Idempotency.MaxAgeSec)*time.Second),
		acks:     bus.NewAckTracker(AckConfig(cfg.Ack)),
		routing:  svc,
		sessions: sessions.NewManager(cfg.SessionsDir()),
		handler:  handler,
		events:   msgBus,
		now:      time.Now,

		autoThreads: cfg.Gateway.AutoCreateThreads,
		assistantID: cfg.Gateway.DefaultAssistantID,
	}
	if cfg.Sessions.IdleTTLMin > 0 {
		d.sessionTTL = time.Duration(cfg.Sessions.IdleTTLMin) * time.Minute
	}
	d.debouncer = bus.NewDebouncer(DebounceConfig(cfg.Debounce), d.flush)

	d.janitorSchedule = cfg.Maintenance.AckCleanupSchedule
	if d.janitorSchedule == "" {
		d.janitorSchedule = DefaultJanitorSchedule
	}
	if !gronx.New().IsValid(d.janitorSchedule) {
		slog.Warn("dispatch: invalid ack cleanup schedule, using default",
			"schedule", d.janitorSchedule, "default", DefaultJanitorSchedule)
		d.janitorSchedule = DefaultJanitorSchedule
	}
	return d
}

// SetChannels enables platform acks through reg.
func (d *Dispatcher) SetChannels(reg AckerRegistry) { d.channels = reg }

// SetEvents redirects lifecycle events.
func (d *Dispatcher) SetEvents(pub bus.EventPublisher) { d.events = pub }

// Acks exposes the ack tracker for ack.stats.
func (d *Dispatcher) Acks() *bus.AckTracker { return d.acks }

// Sessions exposes the conversation registry for sessions.* RPCs.
func (d *Dispatcher) Sessions() *sessions.Manager { return d.sessions }

// Idempotency exposes the dedup cache.
func (d *Dispatcher) Idempotency() *bus.IdempotencyCache { return d.idem }

// Ingest is the pipeline entry for one normalized message. Duplicates return
// bus.ErrDuplicate; a full queue returns bus.ErrQueueFull. Both are logged
// here and are not transport failures. A rejected message is unmarked so the
// platform's retry is accepted.
func (d *Dispatcher) Ingest(_ context.Context, msg bus.InboundMessage) error {
	d.received.Add(1)
	if d.idem.CheckAndMark(msg.ID, msg.ChannelID, msg.GuildID, msg.Timestamp) {
		d.duplicates.Add(1)
		slog.Debug("inbound: duplicate dropped", "platform", msg.Platform, "id", msg.ID, "channel", msg.ChannelID)
		return bus.ErrDuplicate
	}
	if d.bus.Len() >= d.bus.Cap() {
		d.idem.Unmark(msg.ID, msg.ChannelID, msg.GuildID, msg.Timestamp)
		d.dropped.Add(1)
		slog.Warn("inbound: queue full, message dropped", "platform", msg.Platform, "id", msg.ID)
		return bus.ErrQueueFull
	}

	d.broadcast(bus.Event{
		Name:     protocol.EventMessageReceived,
		Platform: msg.Platform,
		Payload: protocol.MessageReceivedPayload{
			Message:    msg,
			ReceivedAt: d.now().UnixMilli(),
			ThreadID:   msg.Meta(bus.MetaThreadID),
		},
	})
	d.debouncer.Push(msg)
	return nil
}

// flush publishes a debounced batch. It runs on the debouncer's goroutine,
// so a full queue can only be logged; the batch's messages are unmarked so
// redeliveries get through.
func (d *Dispatcher) flush(b bus.Batch) {
	if err := d.bus.PublishInbound(b.Combined); err != nil {
		for _, m := range b.Messages {
			d.idem.Unmark(m.ID, m.ChannelID, m.GuildID, m.Timestamp)
		}
		d.dropped.Add(uint64(len(b.Messages)))
		slog.Warn("inbound: batch dropped",
			"key", b.Key.String(),
			"messages", len(b.Messages),
			"error", err,
		)
		return
	}
	slog.Debug("inbound: batch queued", "key", b.Key.String(), "messages", len(b.Messages))
}

// Run consumes the inbound queue until ctx ends or the bus closes. Pending
// debounce batches are flushed into the queue on the way out.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("inbound message consumer started")
	defer d.debouncer.Stop()
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return nil
		}
		d.process(ctx, msg)
	}
}

// process routes one message, runs the handler and sends the reply.
func (d *Dispatcher) process(ctx context.Context, msg bus.InboundMessage) {
	decision, ok := d.routing.ResolveMessage(ctx, msg)
	if !ok {
		decision = routing.RouteDecision{
			AgentID:    d.routing.Resolver().DefaultAgent(),
			SessionKey: routing.MessageKey(msg),
			IsFallback: true,
		}
	}
	key := decision.SessionKey.WithAgent(decision.AgentID)
	msg.AgentID = decision.AgentID
	msg.SessionKey = key.String()

	sess, newThread := d.sessions.Touch(key, msg.ChannelID, d.autoThreads)
	if err := d.sessions.Save(sess.Key); err != nil {
		slog.Warn("sessions: save failed", "session", sess.Key, "error", err)
	}

	slog.Info("inbound: routed",
		"platform", msg.Platform,
		"channel", msg.ChannelID,
		"agent", decision.AgentID,
		"session", msg.SessionKey,
		"thread", sess.ThreadID,
		"new_thread", newThread,
		"fallback", decision.IsFallback,
	)

	acker := d.acker(msg.Platform)
	d.processingAck(ctx, acker, msg)
	defer d.acks.StopTyping(msg.ChannelID)

	resp, err := d.handler.Handle(ctx, Request{
		Message:    msg,
		AgentID:    decision.AgentID,
		SessionKey: key,
		Decision:   decision,

		ThreadID:    sess.ThreadID,
		NewThread:   newThread,
		AssistantID: d.assistantID,
	})
	if err != nil {
		d.failed.Add(1)
		slog.Error("inbound: handler failed", "agent", decision.AgentID, "session", msg.SessionKey, "error", err)
		return
	}
	d.processed.Add(1)
	if resp == nil || (resp.Content == "" && len(resp.Media) == 0) {
		slog.Info("inbound: suppressed empty reply", "session", msg.SessionKey)
		return
	}

	out := bus.OutboundMessage{
		Platform:   msg.Platform,
		ChannelID:  msg.ChannelID,
		Content:    resp.Content,
		ReplyTo:    msg.ID,
		AgentID:    decision.AgentID,
		Media:      resp.Media,
		Metadata:   outboundMeta(msg, resp.Metadata),
		SessionKey: msg.SessionKey,
	}

	// Registered before publishing so the delivery hook always finds it.
	// A reply that never reaches the platform stays pending until the
	// janitor expires it.
	d.acks.RegisterMessage(msg.ID, msg.Platform, msg.ChannelID)
	if err := d.bus.PublishOutbound(out); err != nil {
		slog.Warn("outbound: reply dropped", "platform", out.Platform, "channel", out.ChannelID, "error", err)
	}
}

// Delivered is the channels.Manager delivery hook. A successful send marks
// the reply delivered, swaps the processing reaction for the completion one
// and emits message.sent. A failed send leaves the ack pending.
func (d *Dispatcher) Delivered(ctx context.Context, out bus.OutboundMessage, err error) {
	if out.ReplyTo == "" {
		return
	}
	if err != nil {
		slog.Warn("outbound: send failed, ack left pending",
			"platform", out.Platform,
			"channel", out.ChannelID,
			"id", out.ReplyTo,
			"error", err,
		)
		return
	}
	if !d.acks.MarkDelivered(out.ReplyTo) {
		slog.Debug("ack: delivered reply was not pending", "platform", out.Platform, "id", out.ReplyTo)
	}

	if acker := d.acker(out.Platform); acker != nil && d.acks.Config().Enabled {
		if err := acker.SendCompletionAck(ctx, out.ChannelID, out.ReplyTo); err != nil {
			slog.Debug("ack: completion failed", "platform", out.Platform, "id", out.ReplyTo, "error", err)
		}
	}

	threadID, _ := d.sessions.FindThread(out.SessionKey)
	d.broadcast(bus.Event{
		Name:     protocol.EventMessageSent,
		Platform: out.Platform,
		Payload: SentPayload{
			MessageID:  out.ReplyTo,
			Platform:   out.Platform,
			ChannelID:  out.ChannelID,
			AgentID:    out.AgentID,
			SessionKey: out.SessionKey,
			ThreadID:   threadID,
		},
	})
}

func (d *Dispatcher) acker(platform string) channels.Acker {
	if d.channels == nil {
		return nil
	}
	a, ok := d.channels.Acker(platform)
	if !ok {
		return nil
	}
	return a
}

func (d *Dispatcher) processingAck(ctx context.Context, acker channels.Acker, msg bus.InboundMessage) {
	cfg := d.acks.Config()
	if !cfg.Enabled {
		return
	}
	if cfg.ShowTyping {
		d.acks.StartTyping(msg.ChannelID)
	}
	if acker == nil {
		return
	}
	if err := acker.SendProcessingAck(ctx, msg.ChannelID, msg.ID, cfg.EmojiFor(msg.Platform)); err != nil {
		slog.Debug("ack: processing failed", "platform", msg.Platform, "id", msg.ID, "error", err)
	}
	if cfg.ShowTyping {
		if err := acker.StartTyping(ctx, msg.ChannelID); err != nil {
			slog.Debug("ack: typing failed", "platform", msg.Platform, "channel", msg.ChannelID, "error", err)
		}
	}
}

// outboundMeta carries thread routing from the inbound message and merges
// the handler's metadata over it.
func outboundMeta(msg bus.InboundMessage, extra map[string]string) map[string]string {
	meta := make(map[string]string, len(extra)+2)
	for _, k := range []string{bus.MetaThreadID, bus.MetaAccountID} {
		if v := msg.Meta(k); v != "" {
			meta[k] = v
		}
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

func (d *Dispatcher) broadcast(evt bus.Event) {
	if d.events != nil {
		d.events.Broadcast(evt)
	}
}

// RunJanitor removes expired pending acks and idle sessions on the
// configured cron schedule until ctx ends.
func (d *Dispatcher) RunJanitor(ctx context.Context) error {
	slog.Info("ack janitor started", "schedule", d.janitorSchedule)
	for {
		next, err := gronx.NextTickAfter(d.janitorSchedule, d.now(), false)
		if err != nil {
			return fmt.Errorf("ack janitor schedule %q: %w", d.janitorSchedule, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if n := d.Cleanup(); n > 0 {
			slog.Info("ack janitor: expired pending acks removed", "count", n)
		}
	}
}

// Cleanup runs one janitor pass and returns the number of expired acks.
func (d *Dispatcher) Cleanup() int {
	now := d.now()
	if d.sessionTTL > 0 {
		if n := d.sessions.Prune(now.Add(-d.sessionTTL)); n > 0 {
			slog.Info("sessions: idle sessions pruned", "count", n)
		}
	}
	return d.acks.CleanupExpired(now)
}

// Stats returns a snapshot across the pipeline.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueLength:        d.bus.Len(),
		QueueCapacity:      d.bus.Cap(),
		IdempotencyEntries: d.idem.Len(),
		PendingDebounce:    d.debouncer.Pending(),
		Received:           d.received.Load(),
		Duplicates:         d.duplicates.Load(),
		Dropped:            d.dropped.Load(),
		Processed:          d.processed.Load(),
		Failed:             d.failed.Load(),
		Sessions:           d.sessions.Len(),
		Threads:            d.sessions.ThreadCount(""),
		Debounce:           d.debouncer.Stats(),
		Acks:               d.acks.Stats(),
		Routes:             d.routing.Stats(),
	}
}
