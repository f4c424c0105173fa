package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the clawgate gateway.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Routing     RoutingConfig     `json:"routing"`
	Debounce    DebounceConfig    `json:"debounce"`
	Ack         AckConfig         `json:"ack"`
	Idempotency IdempotencyConfig `json:"idempotency"`
	Channels    ChannelsConfig    `json:"channels"`
	Database    DatabaseConfig    `json:"database,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	Tailscale   TailscaleConfig   `json:"tailscale,omitempty"`
	Sessions    SessionsConfig    `json:"sessions,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	mu          sync.RWMutex
}

// RoutingConfig holds the agent binding rules.
type RoutingConfig struct {
	Enabled       bool            `json:"enabled"`
	DefaultAgent  string          `json:"default_agent,omitempty"`  // agent for unmatched messages (default "default")
	FallbackAgent string          `json:"fallback_agent,omitempty"` // used when default_agent is empty (default "fallback")
	CacheSize     int             `json:"cache_size,omitempty"`     // resolver decision cache entries (default 10000)
	Bindings      []BindingConfig `json:"bindings,omitempty"`
}

// BindingConfig is one routing rule as written in config.json.
type BindingConfig struct {
	ID          string `json:"id,omitempty"` // generated when empty
	Type        string `json:"type"`         // peer, peer_parent, guild, team, account, channel, default
	AgentID     string `json:"agentId"`
	Platform    string `json:"platform,omitempty"`
	AccountID   string `json:"accountId,omitempty"`
	PeerKind    string `json:"peerKind,omitempty"`
	PeerPattern string `json:"peerPattern,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"` // default true
	Description string `json:"description,omitempty"`
}

// IsEnabled reports whether the binding is active. Missing means enabled.
func (b BindingConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// DebounceConfig controls inbound message batching.
type DebounceConfig struct {
	Enabled        bool `json:"enabled"`
	WindowMs       int  `json:"window_ms,omitempty"`    // default 500
	MaxMessages    int  `json:"max_messages,omitempty"` // default 5
	FlushOnMention bool `json:"flush_on_mention"`
	FlushOnCommand bool `json:"flush_on_command"`
}

// AckConfig controls delivery acknowledgement and typing indicators.
type AckConfig struct {
	Enabled            bool              `json:"enabled"`
	ShowTyping         bool              `json:"show_typing"`
	TypingDurationSecs int               `json:"typing_duration_secs,omitempty"` // default 60
	EnableReadReceipts bool              `json:"enable_read_receipts,omitempty"`
	PendingTimeoutSecs int               `json:"pending_timeout_secs,omitempty"` // default 300
	Emoji              map[string]string `json:"emoji,omitempty"`                // per-platform processing reaction
}

// IdempotencyConfig bounds the inbound dedup cache.
type IdempotencyConfig struct {
	MaxEntries int `json:"max_entries,omitempty"` // default 1000
	MaxAgeSec  int `json:"max_age_sec,omitempty"` // default 3600
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "clawgate")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory (default: os.UserConfigDir/tsnet-clawgate)
	AuthKey   string `json:"-"`                    // from env CLAWGATE_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// DatabaseConfig selects the binding store.
// PostgresDSN is NEVER read from config.json (secret); only from env CLAWGATE_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"`        // "standalone" (default, SQLite) or "managed" (Postgres)
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.clawgate/clawgate.db
	PostgresDSN string `json:"-"`                     // from env CLAWGATE_POSTGRES_DSN only
}

// IsManagedMode returns true if bindings live in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (default false, set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "clawgate")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// SessionsConfig controls the conversation registry that binds session keys
// to assistant threads.
type SessionsConfig struct {
	StorageDir string `json:"storage_dir,omitempty"`  // one JSON file per session; empty keeps them in memory
	IdleTTLMin int    `json:"idle_ttl_min,omitempty"` // janitor drops sessions idle this long (default 1440, <=0 never)
}

// MaintenanceConfig schedules periodic housekeeping.
type MaintenanceConfig struct {
	AckCleanupSchedule string `json:"ack_cleanup_schedule,omitempty"` // cron expression (default "* * * * *")
}

// ReplaceRouting swaps the routing section under the config lock.
func (c *Config) ReplaceRouting(r RoutingConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Routing = r
}

// RoutingSnapshot returns a copy of the routing section.
func (c *Config) RoutingSnapshot() RoutingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.Routing
	r.Bindings = append([]BindingConfig(nil), c.Routing.Bindings...)
	return r
}
