package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// maxMessageLen is Telegram's per-message character limit.
const maxMessageLen = 4096

const completionEmoji = "👍"

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	mu         sync.Mutex
	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when polling goroutine exits
}

// New creates a new Telegram channel from config. An empty token yields a
// channel that fails ValidateConfig.
func New(cfg config.TelegramConfig, ingestor channels.Ingestor) (*Channel, error) {
	c := &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.AccountID, ingestor, cfg.AllowFrom),
		config:      cfg,
	}
	if cfg.Token == "" {
		return c, nil
	}

	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = bot
	return c, nil
}

func (c *Channel) Meta() channels.Meta {
	return channels.Meta{
		ID:          "telegram",
		Name:        "Telegram",
		Description: "Telegram bot over long polling",
		Order:       3,
	}
}

// ValidateConfig requires a bot token.
func (c *Channel) ValidateConfig() error {
	if c.bot == nil {
		return fmt.Errorf("telegram token: %w", channels.ErrNotConfigured)
	}
	return nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	if err := c.ValidateConfig(); err != nil {
		return err
	}
	slog.Info("starting telegram bot (polling mode)")

	// Polling must outlive the caller's start context; Stop cancels it.
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.pollCancel = cancel
	c.pollDone = done
	c.mu.Unlock()

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					c.SetRunning(false)
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	c.mu.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.pollCancel, c.pollDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	slog.Info("stopping telegram bot")
	c.SetRunning(false)
	cancel()

	select {
	case <-done:
		slog.Info("telegram bot stopped")
	case <-time.After(10 * time.Second):
		slog.Warn("telegram polling goroutine did not exit within timeout")
	}
	return nil
}

// HealthCheck calls getMe.
func (c *Channel) HealthCheck(ctx context.Context) error {
	if c.bot == nil || !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	if _, err := c.bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

// Send delivers an outbound message, chunked at 4096 characters.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	chatID, err := parseChatID(msg.ChannelID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChannelID, err)
	}

	content := msg.Content
	for _, m := range msg.Media {
		content += "\n" + m.URL
	}

	replyTo, _ := strconv.Atoi(msg.ReplyTo)
	threadID, _ := strconv.Atoi(msg.Metadata[bus.MetaThreadID])

	for i, chunk := range channels.SplitMessage(content, maxMessageLen) {
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		if i == 0 && replyTo > 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// SendProcessingAck sets emoji as the bot's reaction on the message.
func (c *Channel) SendProcessingAck(ctx context.Context, channelID, messageID, emoji string) error {
	return c.react(ctx, channelID, messageID, emoji)
}

// SendCompletionAck replaces the processing reaction.
func (c *Channel) SendCompletionAck(ctx context.Context, channelID, messageID string) error {
	return c.react(ctx, channelID, messageID, completionEmoji)
}

func (c *Channel) react(ctx context.Context, channelID, messageID, emoji string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", messageID, err)
	}
	err = c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: "emoji", Emoji: emoji}},
	})
	if err != nil {
		return fmt.Errorf("telegram reaction: %w", err)
	}
	return nil
}

// StartTyping sends the typing chat action.
func (c *Channel) StartTyping(ctx context.Context, channelID string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}
	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		return fmt.Errorf("telegram chat action: %w", err)
	}
	return nil
}

// parseChatID converts a string chat ID to int64. Group and supergroup ids
// are negative.
func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(chatIDStr), 10, 64)
}
