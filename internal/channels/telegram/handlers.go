package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// handleMessage processes an incoming Telegram message.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if message.From == nil || message.From.IsBot {
		return
	}
	msg, ok := buildInbound(message)
	if !ok {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", message.Chat.ID,
		"user_id", message.From.ID,
		"username", message.From.Username,
		"text_preview", channels.Truncate(msg.Content, 60),
	)

	if err := c.HandleMessage(ctx, msg); err != nil {
		slog.Warn("telegram: inbound rejected", "message_id", message.MessageID, "error", err)
	}
}

// buildInbound converts a Telegram message. ok is false for service
// messages without text.
func buildInbound(message *telego.Message) (bus.InboundMessage, bool) {
	text := message.Text
	entities := message.Entities
	if text == "" {
		text = message.Caption
		entities = message.CaptionEntities
	}

	var atts []bus.MediaAttachment
	if n := len(message.Photo); n > 0 {
		atts = append(atts, bus.MediaAttachment{
			URL:         "tg://photo/" + message.Photo[n-1].FileID,
			ContentType: "image/jpeg",
			Name:        "photo.jpg",
		})
	}
	if d := message.Document; d != nil {
		name := d.FileName
		if name == "" {
			name = "document"
		}
		atts = append(atts, bus.MediaAttachment{URL: "tg://document/" + d.FileID, ContentType: d.MimeType, Name: name})
	}
	if text == "" && len(atts) == 0 {
		return bus.InboundMessage{}, false
	}

	meta := map[string]string{
		bus.MetaChannelType: chatTypeName(message.Chat),
	}
	if message.From.Username != "" {
		meta[bus.MetaUsername] = message.From.Username
	}
	if message.Chat.IsForum && message.MessageThreadID != 0 {
		meta[bus.MetaThreadID] = strconv.Itoa(message.MessageThreadID)
	}
	if mentions := entityMentions(text, entities); len(mentions) > 0 {
		meta[bus.MetaMentions] = strings.Join(mentions, ",")
	}
	if len(atts) > 0 {
		meta[bus.MetaAttachments] = channels.EncodeAttachments(atts)
	}

	return bus.InboundMessage{
		ID:        strconv.Itoa(message.MessageID),
		UserID:    strconv.FormatInt(message.From.ID, 10),
		ChannelID: strconv.FormatInt(message.Chat.ID, 10),
		Content:   text,
		Timestamp: message.Date * 1000,
		Metadata:  meta,
	}, true
}

// chatTypeName maps the Telegram chat type onto channel_type metadata.
func chatTypeName(chat telego.Chat) string {
	switch chat.Type {
	case "private":
		return "dm"
	case "supergroup":
		if chat.IsForum {
			return "forum"
		}
		return "supergroup"
	case "group":
		return "group"
	case "channel":
		return "channel"
	}
	return chat.Type
}

// entityMentions returns usernames from mention entities. Entity offsets
// are UTF-16 code units.
func entityMentions(text string, entities []telego.MessageEntity) []string {
	var out []string
	var units []uint16
	for _, e := range entities {
		switch e.Type {
		case "mention":
			if units == nil {
				units = utf16.Encode([]rune(text))
			}
			if e.Offset < 0 || e.Offset+e.Length > len(units) {
				continue
			}
			name := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
			out = append(out, strings.TrimPrefix(name, "@"))
		case "text_mention":
			if e.User != nil {
				out = append(out, strconv.FormatInt(e.User.ID, 10))
			}
		}
	}
	return out
}
