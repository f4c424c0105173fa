package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// Service is the gateway-facing routing entry point: a Resolver plus an
// enabled switch, config ingestion and optional persistence.
type Service struct {
	resolver *Resolver
	enabled  atomic.Bool

	storeMu sync.RWMutex
	store   store.BindingStore
}

// NewService returns a disabled service with an empty config.
func NewService(opts ...Option) *Service {
	return &Service{resolver: NewResolver(nil, opts...)}
}

// SetStore enables write-through persistence of binding mutations.
func (s *Service) SetStore(st store.BindingStore) {
	s.storeMu.Lock()
	s.store = st
	s.storeMu.Unlock()
}

func (s *Service) bindingStore() store.BindingStore {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()
	return s.store
}

// Resolver exposes the underlying resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Initialize replaces the routing table with cfg. Invalid and disabled
// bindings are skipped with a log line; they never fail the whole load.
func (s *Service) Initialize(cfg config.RoutingConfig) {
	rc := NewRouteConfig()
	if cfg.DefaultAgent != "" {
		rc.SetDefaultAgent(cfg.DefaultAgent)
	}
	if cfg.FallbackAgent != "" {
		rc.SetFallbackAgent(cfg.FallbackAgent)
	}

	loaded := 0
	for _, bc := range cfg.Bindings {
		if !bc.IsEnabled() {
			slog.Debug("routing: binding disabled, skipped", "id", bc.ID, "agent", bc.AgentID)
			continue
		}
		b, err := BindingFromConfig(bc)
		if err != nil {
			slog.Warn("routing: binding skipped", "id", bc.ID, "error", err)
			continue
		}
		rc.AddBinding(b)
		loaded++
	}

	s.resolver.UpdateConfig(rc)
	s.enabled.Store(cfg.Enabled)
	slog.Info("routing initialized",
		"enabled", cfg.Enabled,
		"bindings", loaded,
		"default_agent", rc.DefaultAgent(),
	)
}

// Reload re-applies cfg and merges persisted bindings back in.
func (s *Service) Reload(ctx context.Context, cfg config.RoutingConfig) error {
	s.Initialize(cfg)
	_, err := s.LoadFromStore(ctx)
	return err
}

// LoadFromStore merges every enabled persisted binding into the routing
// table. It is a no-op without a store.
func (s *Service) LoadFromStore(ctx context.Context) (int, error) {
	st := s.bindingStore()
	if st == nil {
		return 0, nil
	}
	rows, err := st.ListBindings(ctx, store.BindingFilter{EnabledOnly: true})
	if err != nil {
		return 0, fmt.Errorf("load bindings: %w", err)
	}
	n := 0
	for _, row := range rows {
		b, err := BindingFromData(row)
		if err != nil {
			slog.Warn("routing: stored binding skipped", "id", row.ID, "error", err)
			continue
		}
		s.resolver.AddBinding(b)
		n++
	}
	slog.Info("routing: bindings loaded from store", "count", n)
	return n, nil
}

// ResolveMessage routes an inbound message. ok is false when routing is
// disabled.
func (s *Service) ResolveMessage(ctx context.Context, msg bus.InboundMessage) (RouteDecision, bool) {
	if !s.IsEnabled() {
		return RouteDecision{}, false
	}
	return s.resolver.Resolve(ctx, MessageKey(msg)), true
}

// ResolveFromContext routes raw platform identifiers. ok is false when
// routing is disabled.
func (s *Service) ResolveFromContext(ctx context.Context, platform, accountID, channelID, userID string, guildID *string) (RouteDecision, bool) {
	if !s.IsEnabled() {
		return RouteDecision{}, false
	}
	return s.resolver.ResolveFromContext(ctx, platform, accountID, channelID, userID, guildID), true
}

// AddBinding validates b, persists it when a store is set, and installs it.
// An existing binding with the same id is replaced.
func (s *Service) AddBinding(ctx context.Context, b AgentBinding) (AgentBinding, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Priority == 0 {
		b.Priority = b.Type.Priority()
	}
	now := time.Now().UnixMilli()
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if err := b.Validate(); err != nil {
		return AgentBinding{}, err
	}

	if st := s.bindingStore(); st != nil {
		row := b.toData()
		err := st.CreateBinding(ctx, &row)
		if errors.Is(err, store.ErrDuplicateBinding) {
			err = st.UpdateBinding(ctx, &row)
		}
		if err != nil {
			return AgentBinding{}, fmt.Errorf("persist binding %s: %w", b.ID, err)
		}
	}

	s.resolver.AddBinding(b)
	slog.Info("routing: binding added", "id", b.ID, "type", b.Type, "agent", b.AgentID)
	return b, nil
}

// RemoveBinding deletes a binding from the table and the store.
func (s *Service) RemoveBinding(ctx context.Context, id string) (bool, error) {
	if st := s.bindingStore(); st != nil {
		if err := st.DeleteBinding(ctx, id); err != nil && !errors.Is(err, store.ErrBindingNotFound) {
			return false, fmt.Errorf("delete binding %s: %w", id, err)
		}
	}
	removed := s.resolver.RemoveBinding(id)
	if removed {
		slog.Info("routing: binding removed", "id", id)
	}
	return removed, nil
}

func (s *Service) GetBinding(id string) (AgentBinding, bool) { return s.resolver.GetBinding(id) }
func (s *Service) ListBindings() []AgentBinding              { return s.resolver.ListBindings() }
func (s *Service) Stats() RouteStats                         { return s.resolver.Stats() }
func (s *Service) SetEnabled(v bool)                         { s.enabled.Store(v) }
func (s *Service) IsEnabled() bool                           { return s.enabled.Load() }

// MessageKey builds the pending session key for msg. The peer kind comes
// from the channel_type metadata when the platform supplied it.
func MessageKey(msg bus.InboundMessage) sessions.SessionKey {
	account := msg.Meta(bus.MetaAccountID)
	if account == "" {
		account = sessions.DefaultAccountID
	}
	peer := msg.ChannelID
	if g := msg.Guild(); g != "" {
		peer = g
	}
	return sessions.NewSessionKey(PendingAgentID, msg.Platform, account, messagePeerKind(msg), peer)
}

func messagePeerKind(msg bus.InboundMessage) sessions.PeerKind {
	if ct := msg.Meta(bus.MetaChannelType); ct != "" {
		switch strings.ToLower(ct) {
		case "dm", "group", "private", "im", "mpim":
			return sessions.PeerDM
		case "text", "voice", "channel":
			return sessions.PeerChannel
		case "forum":
			return sessions.PeerForum
		case "supergroup":
			return sessions.PeerSupergroup
		case "thread":
			return sessions.PeerThread
		}
		return sessions.PeerUnknown
	}
	switch {
	case strings.HasPrefix(msg.ChannelID, "thread-"):
		return sessions.PeerThread
	case msg.Guild() != "":
		return sessions.PeerGuild
	}
	return sessions.PeerChannel
}

// BindingFromConfig converts a config.json rule. A missing id is generated.
func BindingFromConfig(bc config.BindingConfig) (AgentBinding, error) {
	t, err := ParseBindingType(bc.Type)
	if err != nil {
		return AgentBinding{}, err
	}
	b := NewBinding(t, bc.AgentID)
	if bc.ID != "" {
		b.ID = bc.ID
	}
	b.Enabled = bc.IsEnabled()
	b.Description = bc.Description
	b.Platform = optional(bc.Platform)
	b.AccountID = optional(bc.AccountID)
	b.PeerPattern = optional(bc.PeerPattern)
	if bc.PeerKind != "" {
		b.PeerKind = kindPtr(sessions.ParsePeerKind(bc.PeerKind))
	}
	return b, b.Validate()
}

// BindingFromData converts a persisted row.
func BindingFromData(d store.BindingData) (AgentBinding, error) {
	t, err := ParseBindingType(d.Type)
	if err != nil {
		return AgentBinding{}, err
	}
	b := AgentBinding{
		ID:          d.ID,
		Type:        t,
		Priority:    d.Priority,
		AgentID:     d.AgentID,
		Platform:    d.Platform,
		AccountID:   d.AccountID,
		PeerPattern: d.PeerPattern,
		Enabled:     d.Enabled,
		Description: d.Description,
		CreatedAt:   d.CreatedAt.UnixMilli(),
		UpdatedAt:   d.UpdatedAt.UnixMilli(),
	}
	if d.PeerKind != nil {
		b.PeerKind = kindPtr(sessions.ParsePeerKind(*d.PeerKind))
	}
	return b, b.Validate()
}

func (b AgentBinding) toData() store.BindingData {
	d := store.BindingData{
		ID:          b.ID,
		Type:        string(b.Type),
		Priority:    b.Priority,
		AgentID:     b.AgentID,
		Platform:    b.Platform,
		AccountID:   b.AccountID,
		PeerPattern: b.PeerPattern,
		Enabled:     b.Enabled,
		Description: b.Description,
		CreatedAt:   time.UnixMilli(b.CreatedAt),
		UpdatedAt:   time.UnixMilli(b.UpdatedAt),
	}
	if b.PeerKind != nil {
		d.PeerKind = strPtr(b.PeerKind.String())
	}
	return d
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
