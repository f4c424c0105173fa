package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

func ptr(s string) *string { return &s }

func TestResolveHighestPriorityWins(t *testing.T) {
	cfg := NewRouteConfig()
	cfg.AddBinding(DefaultBinding("general"))
	cfg.AddBinding(ChannelBinding("support", "slack", "C1"))
	cfg.AddBinding(PeerBinding("vip", "slack", "U1"))
	r := NewResolver(cfg)

	tests := []struct {
		name     string
		key      sessions.SessionKey
		agent    string
		fallback bool
	}{
		{"channel", sessions.ChannelKey("pending", "slack", "C1"), "support", false},
		{"peer", sessions.DMKey("pending", "slack", "U1"), "vip", false},
		{"default", sessions.ChannelKey("pending", "discord", "X"), "general", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Resolve(context.Background(), tt.key)
			if d.AgentID != tt.agent || d.IsFallback != tt.fallback {
				t.Errorf("Resolve(%s) = %s fallback=%v, want %s fallback=%v",
					tt.key, d.AgentID, d.IsFallback, tt.agent, tt.fallback)
			}
		})
	}
}

func TestResolvePeerBeatsChannelOnSameKey(t *testing.T) {
	cfg := NewRouteConfig()
	ch := NewBinding(BindingChannel, "channel-agent")
	ch.Platform = ptr("telegram")
	ch.PeerPattern = ptr("42")
	peer := NewBinding(BindingPeer, "peer-agent")
	peer.Platform = ptr("telegram")
	peer.PeerPattern = ptr("42")
	// Declaration order must not matter.
	cfg.AddBinding(ch)
	cfg.AddBinding(peer)

	d := NewResolver(cfg).Resolve(context.Background(), sessions.DMKey("pending", "telegram", "42"))
	if d.AgentID != "peer-agent" {
		t.Errorf("agent = %s, want peer-agent", d.AgentID)
	}
	if d.Binding == nil || d.Binding.Type != BindingPeer {
		t.Errorf("binding = %+v", d.Binding)
	}
}

func TestResolveTieKeepsDeclarationOrder(t *testing.T) {
	cfg := NewRouteConfig()
	a := ChannelBinding("first", "discord", "*")
	b := ChannelBinding("second", "discord", "*")
	cfg.AddBinding(a)
	cfg.AddBinding(b)

	d := NewResolver(cfg).Resolve(context.Background(), sessions.ChannelKey("pending", "discord", "c"))
	if d.AgentID != "first" {
		t.Errorf("agent = %s, want first", d.AgentID)
	}
}

func TestResolveFallback(t *testing.T) {
	r := NewResolver(nil)
	d := r.Resolve(context.Background(), sessions.DMKey("pending", "slack", "U9"))
	if !d.IsFallback || d.AgentID != DefaultAgentID || d.Binding != nil {
		t.Errorf("decision = %+v", d)
	}
	if d.Confidence != fallbackConfidence {
		t.Errorf("confidence = %v", d.Confidence)
	}

	cfg := NewRouteConfig()
	cfg.SetDefaultAgent("")
	r.UpdateConfig(cfg)
	if d := r.Resolve(context.Background(), sessions.DMKey("pending", "slack", "U9")); d.AgentID != FallbackAgentID {
		t.Errorf("empty default agent should use fallback, got %s", d.AgentID)
	}
}

func TestResolveSkipsDisabled(t *testing.T) {
	cfg := NewRouteConfig()
	b := ChannelBinding("off", "slack", "C1")
	b.Enabled = false
	cfg.AddBinding(b)

	d := NewResolver(cfg).Resolve(context.Background(), sessions.ChannelKey("pending", "slack", "C1"))
	if !d.IsFallback {
		t.Errorf("disabled binding matched: %+v", d)
	}
}

func TestCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(nil)
	key := sessions.ChannelKey("pending", "slack", "C1")

	if d := r.Resolve(ctx, key); !d.IsFallback {
		t.Fatalf("expected fallback, got %+v", d)
	}
	if r.Stats().CacheSize != 1 {
		t.Fatalf("cache size = %d, want 1", r.Stats().CacheSize)
	}

	b := ChannelBinding("support", "slack", "C1")
	r.AddBinding(b)
	if r.Stats().CacheSize != 0 {
		t.Error("AddBinding must clear the cache")
	}
	if d := r.Resolve(ctx, key); d.AgentID != "support" {
		t.Errorf("after add: agent = %s, want support", d.AgentID)
	}

	if r.RemoveBinding("missing") {
		t.Error("RemoveBinding(missing) = true")
	}
	if r.Stats().CacheSize != 1 {
		t.Error("removing nothing must keep the cache")
	}

	if !r.RemoveBinding(b.ID) {
		t.Fatal("RemoveBinding = false")
	}
	if d := r.Resolve(ctx, key); !d.IsFallback {
		t.Errorf("after remove: %+v", d)
	}
}

func TestCacheIsBounded(t *testing.T) {
	r := NewResolver(nil, WithCacheSize(2))
	for _, ch := range []string{"a", "b", "c", "d"} {
		r.Resolve(context.Background(), sessions.ChannelKey("pending", "slack", ch))
	}
	st := r.Stats()
	if st.CacheSize != 2 || st.TotalResolutions != 4 {
		t.Errorf("stats = %+v", st)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		b    AgentBinding
		want float64
	}{
		{"default", DefaultBinding("a"), 0},
		{"channel", ChannelBinding("a", "slack", "C1"), 0.9},
		{"wildcard", ChannelBinding("a", "slack", "*"), 0.3},
	}
	full := ChannelBinding("a", "slack", "C1")
	full.AccountID = ptr("T1")
	tests = append(tests, struct {
		name string
		b    AgentBinding
		want float64
	}{"capped", full, 1.0})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.b.Confidence()
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Confidence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything", true},
		{"C1", "C1", true},
		{"C1", "C2", false},
		{"C*", "C123", true},
		{"*23", "C123", true},
		{"*23", "C124", false},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.value); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func TestDerivePeerKind(t *testing.T) {
	guild := ptr("G1")
	tests := []struct {
		platform, channel string
		guild             *string
		want              sessions.PeerKind
	}{
		{"discord", "thread-9", guild, sessions.PeerThread},
		{"discord", "123", guild, sessions.PeerForum},
		{"discord", "123", nil, sessions.PeerDM},
		{"slack", "D123", nil, sessions.PeerDM},
		{"slack", "G123", nil, sessions.PeerGroup},
		{"slack", "C123", nil, sessions.PeerChannel},
		{"telegram", "-100123", nil, sessions.PeerSupergroup},
		{"telegram", "thread-1", nil, sessions.PeerThread},
		{"telegram", "42", nil, sessions.PeerDM},
		{"telegram", "abc", nil, sessions.PeerChannel},
	}
	for _, tt := range tests {
		if got := DerivePeerKind(tt.platform, tt.channel, "", tt.guild); got != tt.want {
			t.Errorf("DerivePeerKind(%s, %s) = %s, want %s", tt.platform, tt.channel, got, tt.want)
		}
	}
}

func TestResolveFromContext(t *testing.T) {
	cfg := NewRouteConfig()
	cfg.AddBinding(GuildBinding("guild-agent", "G1"))
	r := NewResolver(cfg)

	d := r.ResolveFromContext(context.Background(), "discord", "", "123", "u", ptr("G1"))
	if d.SessionKey.AccountID != sessions.DefaultAccountID || d.SessionKey.PeerID != "G1" {
		t.Errorf("key = %s", d.SessionKey)
	}
	if d.SessionKey.AgentID != PendingAgentID {
		t.Errorf("agent in key = %s", d.SessionKey.AgentID)
	}
	if d.SessionKey.PeerKind != sessions.PeerForum || !d.IsFallback {
		t.Errorf("decision = %+v", d)
	}
}

func TestResolveSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	r := NewResolver(nil, WithTracerProvider(tp))

	key := sessions.DMKey("pending", "slack", "U1")
	r.Resolve(context.Background(), key)
	r.Resolve(context.Background(), key)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	hits := map[bool]int{}
	for _, s := range spans {
		if s.Name() != "routing.resolve" {
			t.Errorf("span name = %s", s.Name())
		}
		for _, kv := range s.Attributes() {
			if kv.Key == "cache_hit" {
				hits[kv.Value.AsBool()]++
			}
		}
	}
	if hits[true] != 1 || hits[false] != 1 {
		t.Errorf("cache_hit attributes = %v", hits)
	}
}

func TestResolveRacingMutationsNeverStale(t *testing.T) {
	r := NewResolver(NewRouteConfig())
	key := sessions.DMKey("pending", "slack", "U1")
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(stop)
		wg.Wait()
	}()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					r.Resolve(ctx, key)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		b := PeerBinding(fmt.Sprintf("vip-%d", i), "slack", "U1")
		r.AddBinding(b)
		if d := r.Resolve(ctx, key); d.AgentID != b.AgentID {
			t.Fatalf("round %d after add: agent = %q, want %q", i, d.AgentID, b.AgentID)
		}

		if !r.RemoveBinding(b.ID) {
			t.Fatalf("round %d: binding %s not removed", i, b.ID)
		}
		if d := r.Resolve(ctx, key); d.AgentID != DefaultAgentID || !d.IsFallback {
			t.Fatalf("round %d after remove: decision = %+v, want fallback to %q", i, d, DefaultAgentID)
		}
	}
}
