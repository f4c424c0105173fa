package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

const completionEmoji = "✅"

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string   // populated on start
	acked     sync.Map // messageID → processing emoji
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, ingestor channels.Ingestor) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.AccountID, ingestor, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

func (c *Channel) Meta() channels.Meta {
	return channels.Meta{
		ID:          "discord",
		Name:        "Discord",
		Description: "Discord bot over the gateway websocket",
		Order:       1,
	}
}

// ValidateConfig requires a bot token.
func (c *Channel) ValidateConfig() error {
	if strings.TrimSpace(c.config.Token) == "" {
		return fmt.Errorf("discord token: %w", channels.ErrNotConfigured)
	}
	return nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	if !c.IsRunning() {
		return nil
	}
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// HealthCheck fails when the gateway session has not completed READY.
func (c *Channel) HealthCheck(_ context.Context) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if !c.session.DataReady {
		return fmt.Errorf("discord session not ready")
	}
	return nil
}

// Send delivers an outbound message, chunked at 2000 characters. The first
// chunk replies to msg.ReplyTo when set.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChannelID == "" {
		return fmt.Errorf("empty channel ID for discord send")
	}

	content := msg.Content
	for _, m := range msg.Media {
		content += fmt.Sprintf("\n[attachment: %s]", m.URL)
	}

	for i, chunk := range channels.SplitMessage(content, maxMessageLen) {
		var err error
		if i == 0 && msg.ReplyTo != "" {
			ref := &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChannelID}
			_, err = c.session.ChannelMessageSendReply(msg.ChannelID, chunk, ref, discordgo.WithContext(ctx))
		} else {
			_, err = c.session.ChannelMessageSend(msg.ChannelID, chunk, discordgo.WithContext(ctx))
		}
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SendProcessingAck reacts to the inbound message with emoji.
func (c *Channel) SendProcessingAck(ctx context.Context, channelID, messageID, emoji string) error {
	if err := c.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord reaction: %w", err)
	}
	c.acked.Store(messageID, emoji)
	return nil
}

// SendCompletionAck swaps the processing reaction for a check mark.
func (c *Channel) SendCompletionAck(ctx context.Context, channelID, messageID string) error {
	if v, ok := c.acked.LoadAndDelete(messageID); ok {
		if err := c.session.MessageReactionRemove(channelID, messageID, v.(string), "@me", discordgo.WithContext(ctx)); err != nil {
			slog.Debug("discord: remove processing reaction failed", "message_id", messageID, "error", err)
		}
	}
	if err := c.session.MessageReactionAdd(channelID, messageID, completionEmoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord reaction: %w", err)
	}
	return nil
}

// StartTyping shows the typing indicator. Discord expires it after ~10s.
func (c *Channel) StartTyping(ctx context.Context, channelID string) error {
	if err := c.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord typing: %w", err)
	}
	return nil
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	chType := discordgo.ChannelTypeGuildText
	if m.GuildID == "" {
		chType = discordgo.ChannelTypeDM
	}
	if ch, err := s.State.Channel(m.ChannelID); err == nil {
		chType = ch.Type
	}

	msg := buildInbound(m, chType)
	slog.Debug("discord message received",
		"sender_id", msg.UserID,
		"channel_id", msg.ChannelID,
		"channel_type", msg.Meta(bus.MetaChannelType),
		"preview", channels.Truncate(msg.Content, 50),
	)

	if err := c.HandleMessage(context.Background(), msg); err != nil {
		slog.Warn("discord: inbound rejected", "message_id", m.ID, "error", err)
	}
}

// buildInbound converts a gateway event into an inbound message.
func buildInbound(m *discordgo.MessageCreate, chType discordgo.ChannelType) bus.InboundMessage {
	meta := map[string]string{
		bus.MetaChannelType: channelTypeName(chType),
		bus.MetaUsername:    m.Author.Username,
	}
	if isThread(chType) {
		meta[bus.MetaThreadID] = m.ChannelID
	}
	if len(m.Mentions) > 0 {
		ids := make([]string, 0, len(m.Mentions))
		for _, u := range m.Mentions {
			ids = append(ids, u.ID)
		}
		meta[bus.MetaMentions] = strings.Join(ids, ",")
	}
	if len(m.Attachments) > 0 {
		atts := make([]bus.MediaAttachment, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			atts = append(atts, bus.MediaAttachment{URL: a.URL, ContentType: a.ContentType, Name: a.Filename})
		}
		meta[bus.MetaAttachments] = channels.EncodeAttachments(atts)
	}

	msg := bus.InboundMessage{
		ID:        m.ID,
		UserID:    m.Author.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Timestamp: m.Timestamp.UnixMilli(),
		Metadata:  meta,
	}
	if m.GuildID != "" {
		guild := m.GuildID
		msg.GuildID = &guild
	}
	return msg
}

func isThread(t discordgo.ChannelType) bool {
	switch t {
	case discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread,
		discordgo.ChannelTypeGuildNewsThread:
		return true
	}
	return false
}

// channelTypeName maps Discord channel types onto channel_type metadata.
func channelTypeName(t discordgo.ChannelType) string {
	switch t {
	case discordgo.ChannelTypeDM:
		return "dm"
	case discordgo.ChannelTypeGroupDM:
		return "group"
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return "voice"
	case discordgo.ChannelTypeGuildForum:
		return "forum"
	case discordgo.ChannelTypeGuildNews:
		return "channel"
	}
	if isThread(t) {
		return "thread"
	}
	return "text"
}
