package routing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

const (
	// DefaultCacheSize bounds the decision cache.
	DefaultCacheSize = 10000

	// PendingAgentID is the placeholder agent of a key that has not been routed yet.
	PendingAgentID = "pending"

	fallbackConfidence = 0.1
	tracerName         = "github.com/nextlevelbuilder/clawgate/internal/routing"
)

// RouteDecision is the outcome of resolving one session key.
type RouteDecision struct {
	Binding    *AgentBinding       `json:"binding,omitempty"`
	AgentID    string              `json:"agentId"`
	SessionKey sessions.SessionKey `json:"-"`
	IsFallback bool                `json:"isFallback"`
	Confidence float64             `json:"confidence"`
}

// RouteStats is a point-in-time snapshot of resolver counters.
type RouteStats struct {
	TotalResolutions uint64 `json:"totalResolutions"`
	CacheSize        int    `json:"cacheSize"`
	BindingCount     int    `json:"bindingCount"`
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCacheSize overrides DefaultCacheSize. Non-positive sizes are ignored.
func WithCacheSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.cacheSize = n
		}
	}
}

// WithTracerProvider sets the provider used for resolution spans
// (default: the global provider).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Resolver) { r.tracer = tp.Tracer(tracerName) }
}

// Resolver picks the agent for a session key.
//
// The config lock is held (shared) for the whole of a resolution, cache
// lookup and insert included, and exclusively while bindings change and the
// cache is purged. A reader therefore never sees a cached decision that
// predates the config it resolved against.
type Resolver struct {
	mu          sync.RWMutex
	config      *RouteConfig
	cache       *lru.Cache[sessions.SessionKey, RouteDecision]
	cacheSize   int
	resolutions atomic.Uint64
	tracer      trace.Tracer
}

// NewResolver creates a resolver over a copy of cfg (nil = empty config).
func NewResolver(cfg *RouteConfig, opts ...Option) *Resolver {
	if cfg == nil {
		cfg = NewRouteConfig()
	}
	r := &Resolver{
		config:    cfg.clone(),
		cacheSize: DefaultCacheSize,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	cache, err := lru.New[sessions.SessionKey, RouteDecision](r.cacheSize)
	if err != nil {
		// Only possible for a non-positive size, which WithCacheSize rejects.
		panic("routing: " + err.Error())
	}
	r.cache = cache
	return r
}

// Resolve returns the decision for key. It never fails: when no binding
// matches, the default agent is returned with IsFallback set.
func (r *Resolver) Resolve(ctx context.Context, key sessions.SessionKey) RouteDecision {
	_, span := r.tracer.Start(ctx, "routing.resolve",
		trace.WithAttributes(attribute.String("session_key", key.String())))
	defer span.End()

	r.resolutions.Add(1)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.cache.Get(key); ok {
		span.SetAttributes(
			attribute.Bool("cache_hit", true),
			attribute.String("agent_id", d.AgentID),
		)
		return d
	}

	d := r.resolveLocked(key)
	r.cache.Add(key, d)

	span.SetAttributes(
		attribute.Bool("cache_hit", false),
		attribute.String("agent_id", d.AgentID),
		attribute.Bool("fallback", d.IsFallback),
	)
	slog.Debug("routing: resolved",
		"session", key.String(),
		"agent", d.AgentID,
		"fallback", d.IsFallback,
		"confidence", d.Confidence,
	)
	return d
}

// resolveLocked must be called with r.mu held.
func (r *Resolver) resolveLocked(key sessions.SessionKey) RouteDecision {
	candidates := make([]AgentBinding, 0, r.config.Len())
	for _, b := range r.config.bindings {
		if b.Enabled {
			candidates = append(candidates, b)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	for i := range candidates {
		if candidates[i].Matches(key) {
			b := candidates[i]
			return RouteDecision{
				Binding:    &b,
				AgentID:    b.AgentID,
				SessionKey: key,
				Confidence: b.Confidence(),
			}
		}
	}

	agent := r.config.DefaultAgent()
	if agent == "" {
		agent = r.config.FallbackAgent()
	}
	return RouteDecision{
		AgentID:    agent,
		SessionKey: key,
		IsFallback: true,
		Confidence: fallbackConfidence,
	}
}

// ResolveFromContext builds a pending key from raw platform identifiers and
// resolves it. The peer is the guild when present, otherwise the channel.
func (r *Resolver) ResolveFromContext(ctx context.Context, platform, accountID, channelID, userID string, guildID *string) RouteDecision {
	peerID := channelID
	if guildID != nil && *guildID != "" {
		peerID = *guildID
	}
	if accountID == "" {
		accountID = sessions.DefaultAccountID
	}
	kind := DerivePeerKind(platform, channelID, userID, guildID)
	key := sessions.NewSessionKey(PendingAgentID, platform, accountID, kind, peerID)
	return r.Resolve(ctx, key)
}

// UpdateConfig replaces the whole config and clears the cache.
func (r *Resolver) UpdateConfig(cfg *RouteConfig) {
	if cfg == nil {
		cfg = NewRouteConfig()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg.clone()
	r.cache.Purge()
}

// AddBinding adds or replaces b and clears the cache.
func (r *Resolver) AddBinding(b AgentBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.AddBinding(b)
	r.cache.Purge()
}

// RemoveBinding deletes a binding. The cache is cleared only when something
// was removed.
func (r *Resolver) RemoveBinding(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.config.RemoveBinding(id)
	if removed {
		r.cache.Purge()
	}
	return removed
}

// GetBinding returns a binding by id.
func (r *Resolver) GetBinding(id string) (AgentBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.GetBinding(id)
}

// ListBindings returns the bindings in declaration order.
func (r *Resolver) ListBindings() []AgentBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.ListBindings()
}

// DefaultAgent returns the configured default agent.
func (r *Resolver) DefaultAgent() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.DefaultAgent()
}

// ClearCache drops every cached decision.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}

// Stats returns the resolver counters.
func (r *Resolver) Stats() RouteStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RouteStats{
		TotalResolutions: r.resolutions.Load(),
		CacheSize:        r.cache.Len(),
		BindingCount:     r.config.Len(),
	}
}
