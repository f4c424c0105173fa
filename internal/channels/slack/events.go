package slack

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// maxEventBody bounds an Events API request body.
const maxEventBody = 1 << 20

// ServeHTTP handles Slack Events API callbacks: it verifies the request
// signature, answers url_verification, and ingests message and
// app_mention events.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	sv, err := goslack.NewSecretsVerifier(r.Header, c.config.SigningSecret)
	if err != nil {
		slog.Warn("security.slack_signature_missing", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := sv.Write(body); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := sv.Ensure(); err != nil {
		slog.Warn("security.slack_signature_invalid", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "invalid challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return

	case slackevents.CallbackEvent:
		msg, ok := c.inboundFromEvent(event)
		if !ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		err := c.HandleMessage(r.Context(), msg)
		switch {
		case err == nil, errors.Is(err, bus.ErrDuplicate):
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, bus.ErrQueueFull):
			// Slack retries on 5xx.
			http.Error(w, "queue full", http.StatusServiceUnavailable)
		default:
			slog.Warn("slack: inbound rejected", "ts", msg.ID, "error", err)
			w.WriteHeader(http.StatusOK)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// inboundFromEvent converts message and app_mention callbacks. Bot
// messages, edits and other subtypes are ignored.
func (c *Channel) inboundFromEvent(event slackevents.EventsAPIEvent) (bus.InboundMessage, bool) {
	var (
		user, channel, text, ts, threadTS, chType string
		mentioned                                 bool
	)

	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" || ev.User == "" {
			return bus.InboundMessage{}, false
		}
		user, channel, text, ts, threadTS = ev.User, ev.Channel, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp
		chType = ev.ChannelType
		if chType == "" {
			chType = "channel"
		}
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" || ev.User == "" {
			return bus.InboundMessage{}, false
		}
		user, channel, text, ts, threadTS = ev.User, ev.Channel, ev.Text, ev.TimeStamp, ev.ThreadTimeStamp
		chType = "channel"
		mentioned = true
	default:
		return bus.InboundMessage{}, false
	}
	if user == c.botUserID {
		return bus.InboundMessage{}, false
	}

	meta := map[string]string{bus.MetaChannelType: chType}
	if threadTS != "" {
		meta[bus.MetaThreadID] = threadTS
	}
	if mentioned && c.botUserID != "" {
		meta[bus.MetaMentions] = c.botUserID
	}

	msg := bus.InboundMessage{
		ID:        ts,
		UserID:    user,
		ChannelID: channel,
		Content:   text,
		Timestamp: tsMillis(ts),
		Metadata:  meta,
	}
	if team := event.TeamID; team != "" {
		msg.GuildID = &team
	}
	return msg, true
}

// tsMillis converts a Slack "seconds.micros" timestamp to unix ms.
func tsMillis(ts string) int64 {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return 0
	}
	ms := s * 1000
	if len(frac) >= 3 {
		if f, err := strconv.ParseInt(frac[:3], 10, 64); err == nil {
			ms += f
		}
	}
	return ms
}
