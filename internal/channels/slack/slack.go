// Package slack is the Slack plugin: Web API for sending and reactions,
// Events API over HTTP for receiving.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goslack "github.com/slack-go/slack"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// maxMessageLen keeps each post under Slack's recommended text size.
const maxMessageLen = 4000

const completionReaction = "white_check_mark"

// reactionNames maps unicode emoji to Slack reaction names.
var reactionNames = map[string]string{
	"✅": "white_check_mark",
	"👀": "eyes",
	"🔄": "arrows_counterclockwise",
	"👍": "+1",
	"⏳": "hourglass_flowing_sand",
	"🤖": "robot_face",
}

// Channel is a Slack bot. Inbound events arrive through ServeHTTP.
type Channel struct {
	*channels.BaseChannel
	api       *goslack.Client
	config    config.SlackConfig
	botUserID string
	teamID    string
	acked     sync.Map // channel/ts → reaction name
}

// New creates a Slack channel from config. opts are passed to the Web API
// client (tests point it at a local server with goslack.OptionAPIURL).
func New(cfg config.SlackConfig, ingestor channels.Ingestor, opts ...goslack.Option) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", cfg.AccountID, ingestor, cfg.AllowFrom),
		api:         goslack.New(cfg.BotToken, opts...),
		config:      cfg,
	}
}

func (c *Channel) Meta() channels.Meta {
	return channels.Meta{
		ID:          "slack",
		Name:        "Slack",
		Description: "Slack app over the Events API",
		Order:       2,
	}
}

// ValidateConfig requires a bot token and a signing secret.
func (c *Channel) ValidateConfig() error {
	if strings.TrimSpace(c.config.BotToken) == "" {
		return fmt.Errorf("slack bot_token: %w", channels.ErrNotConfigured)
	}
	if strings.TrimSpace(c.config.SigningSecret) == "" {
		return fmt.Errorf("slack signing_secret: %w", channels.ErrNotConfigured)
	}
	return nil
}

// Start checks the token with auth.test. Events are pushed by Slack to the
// gateway's /slack/events endpoint, so there is no connection to hold.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting slack bot")
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	c.botUserID = resp.UserID
	c.teamID = resp.TeamID
	c.SetRunning(true)
	slog.Info("slack bot connected", "user", resp.User, "team", resp.Team)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	if c.IsRunning() {
		slog.Info("stopping slack bot")
	}
	c.SetRunning(false)
	return nil
}

// HealthCheck repeats auth.test.
func (c *Channel) HealthCheck(ctx context.Context) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack bot not running")
	}
	if _, err := c.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	return nil
}

// Send posts msg, threading under the thread_id metadata when present.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack bot not running")
	}
	if msg.ChannelID == "" {
		return fmt.Errorf("empty channel ID for slack send")
	}

	content := msg.Content
	for _, m := range msg.Media {
		content += "\n<" + m.URL + ">"
	}
	threadTS := msg.Metadata[bus.MetaThreadID]

	for _, chunk := range channels.SplitMessage(content, maxMessageLen) {
		opts := []goslack.MsgOption{goslack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, goslack.MsgOptionTS(threadTS))
		}
		if _, _, err := c.api.PostMessageContext(ctx, msg.ChannelID, opts...); err != nil {
			return fmt.Errorf("send slack message: %w", err)
		}
	}
	return nil
}

// SendProcessingAck adds a reaction. messageID is the message ts.
func (c *Channel) SendProcessingAck(ctx context.Context, channelID, messageID, emoji string) error {
	name := ReactionName(emoji)
	if err := c.api.AddReactionContext(ctx, name, goslack.NewRefToMessage(channelID, messageID)); err != nil {
		return fmt.Errorf("slack reaction: %w", err)
	}
	c.acked.Store(channelID+"/"+messageID, name)
	return nil
}

// SendCompletionAck swaps the processing reaction for a check mark.
func (c *Channel) SendCompletionAck(ctx context.Context, channelID, messageID string) error {
	ref := goslack.NewRefToMessage(channelID, messageID)
	if v, ok := c.acked.LoadAndDelete(channelID + "/" + messageID); ok {
		name := v.(string)
		if name == completionReaction {
			return nil
		}
		if err := c.api.RemoveReactionContext(ctx, name, ref); err != nil {
			slog.Debug("slack: remove processing reaction failed", "ts", messageID, "error", err)
		}
	}
	if err := c.api.AddReactionContext(ctx, completionReaction, ref); err != nil {
		return fmt.Errorf("slack reaction: %w", err)
	}
	return nil
}

// StartTyping is a no-op: the Web API has no typing indicator for bots.
func (c *Channel) StartTyping(context.Context, string) error { return nil }

// ReactionName converts a unicode emoji or ":name:" into a reaction name.
func ReactionName(emoji string) string {
	if name, ok := reactionNames[emoji]; ok {
		return name
	}
	return strings.Trim(emoji, ":")
}
