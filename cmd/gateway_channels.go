package cmd

import (
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/discord"
	"github.com/nextlevelbuilder/clawgate/internal/channels/slack"
	"github.com/nextlevelbuilder/clawgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
)

// registerChannels creates every enabled plugin with credentials and
// registers it on mgr. Plugins deliver inbound messages to ingestor.
// Whitelisted-out platforms are never started.
func registerChannels(cfg *config.Config, mgr *channels.Manager, ingestor channels.Ingestor, server *gateway.Server) {
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" && server.PlatformAllowed("discord") {
		dc, err := discord.New(cfg.Channels.Discord, ingestor)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			mgr.RegisterChannel(dc)
			slog.Info("discord channel enabled")
		}
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" && server.PlatformAllowed("telegram") {
		tg, err := telegram.New(cfg.Channels.Telegram, ingestor)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			mgr.RegisterChannel(tg)
			slog.Info("telegram channel enabled")
		}
	}

	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken != "" && server.PlatformAllowed("slack") {
		sl := slack.New(cfg.Channels.Slack, ingestor)
		mgr.RegisterChannel(sl)
		if cfg.Channels.Slack.SigningSecret != "" {
			server.SetSlackEvents(sl)
			slog.Info("slack channel enabled", "events", "/slack/events")
		} else {
			slog.Warn("slack channel enabled without signing_secret; Events API endpoint not mounted")
		}
	}
}
