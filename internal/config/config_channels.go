package config

// ChannelsConfig contains per-platform configuration.
type ChannelsConfig struct {
	Discord   DiscordConfig   `json:"discord"`
	Telegram  TelegramConfig  `json:"telegram"`
	Slack     SlackConfig     `json:"slack"`
	Reconnect ReconnectConfig `json:"reconnect"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	AccountID string              `json:"account_id,omitempty"` // routing account (default "default")
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	Proxy     string              `json:"proxy,omitempty"`
	AccountID string              `json:"account_id,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

type SlackConfig struct {
	Enabled       bool                `json:"enabled"`
	BotToken      string              `json:"bot_token"`
	SigningSecret string              `json:"signing_secret,omitempty"` // verifies POST /slack/events
	AccountID     string              `json:"account_id,omitempty"`     // usually the workspace (team) id
	AllowFrom     FlexibleStringSlice `json:"allow_from"`
}

// ReconnectConfig drives the channel manager's health checks and backoff.
type ReconnectConfig struct {
	Enabled                bool `json:"enabled"`
	MaxAttempts            int  `json:"max_attempts,omitempty"`              // default 10, 0 = unlimited
	BaseDelayMs            int  `json:"base_delay_ms,omitempty"`             // default 1000
	MaxDelayMs             int  `json:"max_delay_ms,omitempty"`              // default 60000
	HealthCheckIntervalSec int  `json:"health_check_interval_sec,omitempty"` // default 30
}

type GatewayConfig struct {
	Enabled            bool                `json:"enabled"`
	Host               string              `json:"host"`
	Port               int                 `json:"port"`                           // HTTP + WS listener
	WSPort             int                 `json:"ws_port,omitempty"`              // reported by gateway.status; WS shares the HTTP listener
	Token              string              `json:"token,omitempty"`                // bearer token for WS auth
	AllowedOrigins     []string            `json:"allowed_origins,omitempty"`      // WebSocket CORS whitelist (empty = allow all)
	RateLimitRPM       int                 `json:"rate_limit_rpm,omitempty"`       // per-client RPC rate limit (default 120, 0 = disabled)
	WebhookRateLimit   int                 `json:"webhook_rate_limit,omitempty"`   // webhook posts per minute per remote (default 30)
	Whitelist          FlexibleStringSlice `json:"whitelist,omitempty"`            // platform ids allowed to use the gateway (empty = all)
	AutoCreateThreads  bool                `json:"auto_create_threads,omitempty"`
	DefaultAssistantID string              `json:"default_assistant_id,omitempty"`
	QueueCapacity      int                 `json:"queue_capacity,omitempty"`     // inbound/outbound queue bound (default 1000)
	SendBuffer         int                 `json:"send_buffer,omitempty"`        // per-connection send mailbox (default 256)
	RequestTimeoutMs   int                 `json:"request_timeout_ms,omitempty"` // server→client request timeout (default 30000)
}
