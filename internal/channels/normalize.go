package channels

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// NormalizedMessage is platform-neutral text plus the structured parts
// stripped out of it.
type NormalizedMessage struct {
	ID          string                `json:"id"`
	Platform    string                `json:"platform"`
	UserID      string                `json:"userId"`
	ChannelID   string                `json:"channelId"`
	Text        string                `json:"text"`
	Mentions    []string              `json:"mentions"`
	Attachments []bus.MediaAttachment `json:"attachments"`
	Timestamp   int64                 `json:"timestamp"`
}

var (
	reDiscordMention = regexp.MustCompile(`<@!?(\d+)>`)
	reSlackMention   = regexp.MustCompile(`<@(\w+)>`)
	reAtName         = regexp.MustCompile(`@(\w+)`)

	reCodeBlock   = regexp.MustCompile("```[\\s\\S]*?```")
	reInlineCode  = regexp.MustCompile("`([^`]+)`")
	reBoldStars   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnder   = regexp.MustCompile(`__(.+?)__`)
	reItalicStar  = regexp.MustCompile(`\*([^\s*]+)\*`)
	reItalicUnder = regexp.MustCompile(`\b_([^_]+)_\b`)
	reStrike      = regexp.MustCompile(`~~(.+?)~~`)
	reMDLink      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reSpoiler     = regexp.MustCompile(`\|\|(.+?)\|\|`)

	reSlackBold   = regexp.MustCompile(`\*([^*]+)\*`)
	reSlackItalic = regexp.MustCompile(`\b_([^_]+)_\b`)
	reSlackStrike = regexp.MustCompile(`~([^~]+)~`)
	reSlackUser   = regexp.MustCompile(`<@(\w+)>`)
	reSlackLabel  = regexp.MustCompile(`<([^|>]+)\|([^>]+)>`)
	reSlackLink   = regexp.MustCompile(`<([^>]+)>`)

	reWhitespace = regexp.MustCompile(`\s+`)
)

// Normalize extracts mentions and attachments from msg and strips the
// platform's markup from its text.
func Normalize(msg bus.InboundMessage) NormalizedMessage {
	text := msg.Content
	mentions := extractMentions(msg.Platform, text, msg.Meta(bus.MetaMentions))

	switch msg.Platform {
	case "discord":
		text = stripDiscord(text)
	case "slack":
		text = stripSlack(text)
	case "telegram":
		text = stripTelegram(text)
	}

	return NormalizedMessage{
		ID:          msg.ID,
		Platform:    msg.Platform,
		UserID:      msg.UserID,
		ChannelID:   msg.ChannelID,
		Text:        CollapseWhitespace(text),
		Mentions:    mentions,
		Attachments: ParseAttachments(msg.Meta(bus.MetaAttachments)),
		Timestamp:   msg.Timestamp,
	}
}

func extractMentions(platform, text, meta string) []string {
	seen := make(map[string]bool)
	out := []string{}
	add := func(id string) {
		tok := "@" + platform + ":" + id
		if id == "" || seen[tok] {
			return
		}
		seen[tok] = true
		out = append(out, tok)
	}

	switch platform {
	case "discord":
		for _, m := range reDiscordMention.FindAllStringSubmatch(text, -1) {
			add(m[1])
		}
	case "slack":
		for _, m := range reSlackMention.FindAllStringSubmatch(text, -1) {
			add(m[1])
		}
	case "telegram":
		for _, m := range reAtName.FindAllStringSubmatch(text, -1) {
			add(m[1])
		}
	}

	for _, id := range strings.Split(meta, ",") {
		id = strings.TrimSpace(id)
		id = strings.TrimPrefix(id, "@")
		if platform != "" {
			id = strings.TrimPrefix(id, platform+":")
		}
		add(id)
	}
	return out
}

func codeBlockLabel(block string) string {
	return fmt.Sprintf("[code block: %d]", len(block))
}

func stripDiscord(text string) string {
	text = reCodeBlock.ReplaceAllStringFunc(text, codeBlockLabel)
	text = reInlineCode.ReplaceAllString(text, "$1")
	text = reBoldStars.ReplaceAllString(text, "$1")
	text = reBoldUnder.ReplaceAllString(text, "$1")
	text = reItalicStar.ReplaceAllString(text, "$1")
	text = reItalicUnder.ReplaceAllString(text, "$1")
	text = reStrike.ReplaceAllString(text, "$1")
	text = reMDLink.ReplaceAllString(text, "$1 ($2)")
	text = reSpoiler.ReplaceAllString(text, "[spoiler]$1[/spoiler]")
	return text
}

func stripSlack(text string) string {
	text = reCodeBlock.ReplaceAllStringFunc(text, codeBlockLabel)
	text = reInlineCode.ReplaceAllString(text, "$1")
	text = reSlackBold.ReplaceAllString(text, "$1")
	text = reSlackItalic.ReplaceAllString(text, "$1")
	text = reSlackStrike.ReplaceAllString(text, "$1")
	text = reSlackUser.ReplaceAllString(text, "@$1")
	text = reSlackLabel.ReplaceAllString(text, "$2 ($1)")
	text = reSlackLink.ReplaceAllString(text, "$1")
	return text
}

func stripTelegram(text string) string {
	text = reCodeBlock.ReplaceAllStringFunc(text, codeBlockLabel)
	text = reInlineCode.ReplaceAllString(text, "$1")
	text = reBoldStars.ReplaceAllString(text, "$1")
	text = reItalicStar.ReplaceAllString(text, "$1")
	text = reItalicUnder.ReplaceAllString(text, "$1")
	return text
}

// CollapseWhitespace replaces every whitespace run with one space and trims.
func CollapseWhitespace(text string) string {
	return strings.TrimSpace(reWhitespace.ReplaceAllString(text, " "))
}

// ParseAttachments decodes the attachments metadata value. Invalid JSON
// yields no attachments. Entries without a name are called "attachment".
func ParseAttachments(raw string) []bus.MediaAttachment {
	out := []bus.MediaAttachment{}
	if raw == "" {
		return out
	}
	var items []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		Name        string `json:"name"`
		Filename    string `json:"filename"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return out
	}
	for _, it := range items {
		name := it.Name
		if name == "" {
			name = it.Filename
		}
		if name == "" {
			name = "attachment"
		}
		out = append(out, bus.MediaAttachment{URL: it.URL, ContentType: it.ContentType, Name: name})
	}
	return out
}

// EncodeAttachments is the inverse of ParseAttachments, used by plugins to
// fill the attachments metadata value.
func EncodeAttachments(atts []bus.MediaAttachment) string {
	if len(atts) == 0 {
		return ""
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return ""
	}
	return string(b)
}
