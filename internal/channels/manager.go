package channels

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// ConnectionState is the lifecycle state of one plugin.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// Health is the tracked health of one plugin.
type Health struct {
	Platform            string          `json:"platform"`
	AccountID           string          `json:"accountId"`
	State               ConnectionState `json:"state"`
	LastConnectedAt     time.Time       `json:"lastConnectedAt,omitzero"`
	LastDisconnectedAt  time.Time       `json:"lastDisconnectedAt,omitzero"`
	LastHeartbeatAt     time.Time       `json:"lastHeartbeatAt,omitzero"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	MessageCount        uint64          `json:"messageCount"`
	Error               string          `json:"error,omitempty"`
}

// Stats aggregates every registered plugin.
type Stats struct {
	TotalChannels      int    `json:"totalChannels"`
	ConnectedChannels  int    `json:"connectedChannels"`
	FailedChannels     int    `json:"failedChannels"`
	TotalMessages      uint64 `json:"totalMessages"`
	TotalReconnections uint64 `json:"totalReconnections"`
}

// StateChange is the payload of platform.connected / platform.disconnected.
type StateChange struct {
	Platform  string          `json:"platform"`
	AccountID string          `json:"accountId"`
	OldState  ConnectionState `json:"oldState"`
	NewState  ConnectionState `json:"newState"`
	Timestamp int64           `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
}

// ReconnectPolicy controls automatic reconnection. MaxAttempts 0 retries
// forever.
type ReconnectPolicy struct {
	Enabled             bool
	MaxAttempts         int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	HealthCheckInterval time.Duration
}

// ReconnectPolicyFromConfig converts the config section, filling defaults.
func ReconnectPolicyFromConfig(c config.ReconnectConfig) ReconnectPolicy {
	p := ReconnectPolicy{
		Enabled:             c.Enabled,
		MaxAttempts:         c.MaxAttempts,
		BaseDelay:           time.Duration(c.BaseDelayMs) * time.Millisecond,
		MaxDelay:            time.Duration(c.MaxDelayMs) * time.Millisecond,
		HealthCheckInterval: time.Duration(c.HealthCheckIntervalSec) * time.Second,
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Minute
	}
	if p.HealthCheckInterval <= 0 {
		p.HealthCheckInterval = 30 * time.Second
	}
	return p
}

// BackoffDelay is min(base·2^(attempt-1), max), without jitter.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// jitter adds 10-20% to d.
func jitter(d time.Duration) time.Duration {
	lo := d / 10
	if lo <= 0 {
		return d
	}
	return d + lo + time.Duration(rand.Int64N(int64(lo)+1))
}

type entry struct {
	ch            Channel
	accountID     string
	health        Health
	attempt       int
	nextReconnect time.Time
}

// Manager owns every registered plugin: lifecycle, health tracking,
// reconnection and outbound delivery.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	bus    *bus.MessageBus
	events bus.EventPublisher
	policy ReconnectPolicy

	reconnections atomic.Uint64
	dispatchStop  context.CancelFunc
	now           func() time.Time
	jitter        func(time.Duration) time.Duration
	onDelivery    DeliveryHook
}

// DeliveryHook observes every outbound send attempt. err is nil only when
// the plugin accepted the message.
type DeliveryHook func(ctx context.Context, msg bus.OutboundMessage, err error)

// NewManager creates a manager. events may be nil.
func NewManager(msgBus *bus.MessageBus, events bus.EventPublisher, policy ReconnectPolicy) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		bus:     msgBus,
		events:  events,
		policy:  policy,
		now:     time.Now,
		jitter:  jitter,
	}
}

// RegisterChannel adds ch under ch.Meta().ID, replacing any previous plugin.
func (m *Manager) RegisterChannel(ch Channel) {
	name := ch.Meta().ID
	account := "default"
	if a, ok := ch.(interface{ AccountID() string }); ok {
		account = a.AccountID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = &entry{
		ch:        ch,
		accountID: account,
		health:    Health{Platform: name, AccountID: account, State: StateDisconnected},
	}
}

// UnregisterChannel removes a plugin. It does not stop it.
func (m *Manager) UnregisterChannel(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[name]
	delete(m.entries, name)
	return ok
}

// Get returns a plugin by platform name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// Acker returns the plugin's Acker when it implements one.
func (m *Manager) Acker(name string) (Acker, bool) {
	ch, ok := m.Get(name)
	if !ok {
		return nil, false
	}
	a, ok := ch.(Acker)
	return a, ok
}

// Names returns registered platform names ordered by Meta().Order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	metas := make([]Meta, 0, len(m.entries))
	for _, e := range m.entries {
		metas = append(metas, e.ch.Meta())
	}
	m.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Order != metas[j].Order {
			return metas[i].Order < metas[j].Order
		}
		return metas[i].ID < metas[j].ID
	})
	names := make([]string, len(metas))
	for i, meta := range metas {
		names[i] = meta.ID
	}
	return names
}

// StartAll starts the outbound dispatcher and every registered plugin.
// A plugin that fails to start is marked failed and scheduled for
// reconnection; it never fails the others.
func (m *Manager) StartAll(ctx context.Context) error {
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.dispatchStop = cancel
	m.mu.Unlock()
	go m.dispatchOutbound(dispatchCtx)

	names := m.Names()
	if len(names) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for _, name := range names {
		m.connect(ctx, name)
	}
	slog.Info("all channels started", "count", len(names))
	return nil
}

// StopAll stops the dispatcher and every plugin.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.dispatchStop != nil {
		m.dispatchStop()
		m.dispatchStop = nil
	}
	m.mu.Unlock()

	for _, name := range m.Names() {
		ch, ok := m.Get(name)
		if !ok {
			continue
		}
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
		m.setState(name, StateDisconnected, nil)
	}
	slog.Info("all channels stopped")
	return nil
}

// connect validates and starts one plugin, recording the outcome.
func (m *Manager) connect(ctx context.Context, name string) bool {
	ch, ok := m.Get(name)
	if !ok {
		return false
	}
	if err := ch.ValidateConfig(); err != nil {
		slog.Error("channel config invalid", "channel", name, "error", err)
		m.setState(name, StateFailed, err)
		return false
	}

	m.setState(name, StateConnecting, nil)
	if err := ch.Start(ctx); err != nil {
		slog.Error("failed to start channel", "channel", name, "error", err)
		m.setState(name, StateFailed, err)
		m.ScheduleReconnect(name)
		return false
	}
	m.setState(name, StateConnected, nil)

	m.mu.Lock()
	if e, ok := m.entries[name]; ok {
		e.attempt = 0
		e.nextReconnect = time.Time{}
	}
	m.mu.Unlock()
	slog.Info("channel connected", "channel", name)
	return true
}

func (m *Manager) setState(name string, state ConnectionState, cause error) {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	old := e.health.State
	now := m.now()
	e.health.State = state
	switch state {
	case StateConnected:
		e.health.LastConnectedAt = now
		e.health.ConsecutiveFailures = 0
		e.health.Error = ""
	case StateDisconnected:
		e.health.LastDisconnectedAt = now
	case StateFailed:
		e.health.ConsecutiveFailures++
		if cause != nil {
			e.health.Error = cause.Error()
		}
	}
	change := StateChange{
		Platform:  name,
		AccountID: e.accountID,
		OldState:  old,
		NewState:  state,
		Timestamp: now.UnixMilli(),
	}
	if cause != nil {
		change.Error = cause.Error()
	}
	m.mu.Unlock()

	if m.events == nil || old == state {
		return
	}
	switch {
	case state == StateConnected:
		m.events.Broadcast(bus.Event{Name: protocol.EventPlatformConnected, Platform: name, Payload: change})
	case old == StateConnected:
		m.events.Broadcast(bus.Event{Name: protocol.EventPlatformDisconnected, Platform: name, Payload: change})
	}
}

// State returns the current state of a plugin.
func (m *Manager) State(name string) (ConnectionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return "", false
	}
	return e.health.State, true
}

// Health returns a copy of a plugin's health.
func (m *Manager) Health(name string) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return Health{}, false
	}
	return e.health, true
}

// RecordMessage counts a message handled by a plugin.
func (m *Manager) RecordMessage(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		e.health.MessageCount++
	}
}

// RecordHeartbeat marks a plugin as recently healthy.
func (m *Manager) RecordHeartbeat(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		e.health.LastHeartbeatAt = m.now()
	}
}

// ScheduleReconnect arms the next reconnect attempt with exponential
// backoff. Past MaxAttempts (or with reconnection disabled) the plugin
// stays failed and false is returned.
func (m *Manager) ScheduleReconnect(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok || !m.policy.Enabled {
		return false
	}
	e.attempt++
	if m.policy.MaxAttempts > 0 && e.attempt > m.policy.MaxAttempts {
		e.health.State = StateFailed
		e.health.Error = "max reconnect attempts reached"
		e.nextReconnect = time.Time{}
		slog.Error("channel reconnect abandoned", "channel", name, "attempts", e.attempt-1)
		return false
	}
	delay := m.jitter(BackoffDelay(e.attempt, m.policy.BaseDelay, m.policy.MaxDelay))
	e.nextReconnect = m.now().Add(delay)
	e.health.State = StateReconnecting
	m.reconnections.Add(1)
	slog.Info("channel reconnect scheduled", "channel", name, "attempt", e.attempt, "delay", delay)
	return true
}

// HealthLoop checks connected plugins and retries due reconnects every
// HealthCheckInterval until ctx is done.
func (m *Manager) HealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.policy.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
			m.ReconnectDue(ctx)
		}
	}
}

// CheckHealth health-checks every connected plugin once.
func (m *Manager) CheckHealth(ctx context.Context) {
	for _, name := range m.namesInState(StateConnected) {
		ch, ok := m.Get(name)
		if !ok {
			continue
		}
		if err := ch.HealthCheck(ctx); err != nil {
			slog.Warn("channel health check failed", "channel", name, "error", err)
			m.setState(name, StateFailed, err)
			m.ScheduleReconnect(name)
			continue
		}
		m.RecordHeartbeat(name)
	}
}

// ReconnectDue restarts every plugin whose reconnect time has passed.
func (m *Manager) ReconnectDue(ctx context.Context) int {
	now := m.now()
	var due []string
	m.mu.RLock()
	for name, e := range m.entries {
		if e.health.State == StateReconnecting && !e.nextReconnect.IsZero() && !now.Before(e.nextReconnect) {
			due = append(due, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range due {
		if ch, ok := m.Get(name); ok {
			_ = ch.Stop(ctx)
		}
		m.connect(ctx, name)
	}
	return len(due)
}

func (m *Manager) namesInState(state ConnectionState) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, e := range m.entries {
		if e.health.State == state {
			out = append(out, name)
		}
	}
	return out
}

// Stats aggregates plugin health.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		TotalChannels:      len(m.entries),
		TotalReconnections: m.reconnections.Load(),
	}
	for _, e := range m.entries {
		switch e.health.State {
		case StateConnected:
			s.ConnectedChannels++
		case StateFailed:
			s.FailedChannels++
		}
		s.TotalMessages += e.health.MessageCount
	}
	return s
}

// SetDeliveryHook installs fn as the delivery observer. Call before StartAll.
func (m *Manager) SetDeliveryHook(fn DeliveryHook) { m.onDelivery = fn }

// Send delivers msg through the plugin for msg.Platform and reports the
// outcome to the delivery hook.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	err := m.send(ctx, msg)
	if m.onDelivery != nil {
		m.onDelivery(ctx, msg, err)
	}
	return err
}

func (m *Manager) send(ctx context.Context, msg bus.OutboundMessage) error {
	ch, ok := m.Get(msg.Platform)
	if !ok {
		return fmt.Errorf("channel %s not found", msg.Platform)
	}
	if err := ch.Send(ctx, msg); err != nil {
		return fmt.Errorf("send via %s: %w", msg.Platform, err)
	}
	m.RecordMessage(msg.Platform)
	return nil
}

// dispatchOutbound consumes the outbound queue and delivers each reply.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if err := m.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel",
				"channel", msg.Platform,
				"error", err,
			)
		}
	}
}
