package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Enabled:          true,
			Host:             "0.0.0.0",
			Port:             18790,
			WSPort:           18790,
			RateLimitRPM:     120,
			WebhookRateLimit: 30,
			QueueCapacity:    1000,
			SendBuffer:       256,
			RequestTimeoutMs: 30000,
		},
		Routing: RoutingConfig{
			Enabled:       true,
			DefaultAgent:  "default",
			FallbackAgent: "fallback",
			CacheSize:     10000,
		},
		Debounce: DebounceConfig{
			Enabled:        true,
			WindowMs:       500,
			MaxMessages:    5,
			FlushOnMention: true,
			FlushOnCommand: true,
		},
		Ack: AckConfig{
			Enabled:            true,
			ShowTyping:         true,
			TypingDurationSecs: 60,
			PendingTimeoutSecs: 300,
			Emoji: map[string]string{
				"discord":  "👀",
				"slack":    "✅",
				"telegram": "🔄",
			},
		},
		Idempotency: IdempotencyConfig{
			MaxEntries: 1000,
			MaxAgeSec:  3600,
		},
		Channels: ChannelsConfig{
			Reconnect: ReconnectConfig{
				Enabled:                true,
				MaxAttempts:            10,
				BaseDelayMs:            1000,
				MaxDelayMs:             60000,
				HealthCheckIntervalSec: 30,
			},
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.clawgate/clawgate.db",
		},
		Sessions: SessionsConfig{
			IdleTTLMin: 1440,
		},
		Maintenance: MaintenanceConfig{
			AckCleanupSchedule: "* * * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Gateway
	envStr("CLAWGATE_HOST", &c.Gateway.Host)
	envInt("CLAWGATE_PORT", &c.Gateway.Port)
	envStr("CLAWGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envInt("CLAWGATE_QUEUE_CAPACITY", &c.Gateway.QueueCapacity)
	if v := os.Getenv("CLAWGATE_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	// Routing
	envBool("CLAWGATE_ROUTING_ENABLED", &c.Routing.Enabled)
	envStr("CLAWGATE_DEFAULT_AGENT", &c.Routing.DefaultAgent)

	// Channel secrets
	envStr("CLAWGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("CLAWGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CLAWGATE_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("CLAWGATE_SLACK_SIGNING_SECRET", &c.Channels.Slack.SigningSecret)

	// Auto-enable channels if credentials are provided via env
	if os.Getenv("CLAWGATE_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
	if os.Getenv("CLAWGATE_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("CLAWGATE_SLACK_BOT_TOKEN") != "" {
		c.Channels.Slack.Enabled = true
	}

	// Database
	envStr("CLAWGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CLAWGATE_MODE", &c.Database.Mode)
	envStr("CLAWGATE_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("CLAWGATE_SESSIONS_DIR", &c.Sessions.StorageDir)

	// Telemetry
	envStr("CLAWGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CLAWGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CLAWGATE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("CLAWGATE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Tailscale (tsnet)
	envStr("CLAWGATE_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("CLAWGATE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("CLAWGATE_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secrets are never written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg.stripped(), "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// stripped returns a shallow copy without channel and gateway secrets.
// Must be called with c.mu held.
func (c *Config) stripped() *configFile {
	cp := configFile{
		Gateway:     c.Gateway,
		Routing:     c.Routing,
		Debounce:    c.Debounce,
		Ack:         c.Ack,
		Idempotency: c.Idempotency,
		Channels:    c.Channels,
		Database:    c.Database,
		Telemetry:   c.Telemetry,
		Tailscale:   c.Tailscale,
		Sessions:    c.Sessions,
		Maintenance: c.Maintenance,
	}
	cp.Gateway.Token = ""
	cp.Channels.Discord.Token = ""
	cp.Channels.Telegram.Token = ""
	cp.Channels.Slack.BotToken = ""
	cp.Channels.Slack.SigningSecret = ""
	return &cp
}

// configFile mirrors Config without the lock so it can be copied.
type configFile struct {
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
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// SessionsDir returns the expanded session storage directory.
func (c *Config) SessionsDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.StorageDir)
}

// SQLitePath returns the expanded SQLite database path.
func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.SQLitePath)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
