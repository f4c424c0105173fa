package bus

import (
	"sort"
	"sync"
	"time"
)

// DefaultAckEmoji is used for platforms without a configured reaction.
const DefaultAckEmoji = "✅"

// DefaultAckTimeout is how long a registered reply may stay undelivered.
const DefaultAckTimeout = 300 * time.Second

// Ack statuses used in AckResponse.
const (
	AckStatusProcessing = "processing"
	AckStatusDelivered  = "delivered"
	AckStatusRead       = "read"
	AckStatusFailed     = "failed"
)

// AckConfig controls processing reactions, typing, and receipts.
type AckConfig struct {
	Enabled            bool
	ShowTyping         bool
	TypingDuration     time.Duration
	EnableReadReceipts bool
	PendingTimeout     time.Duration
	Emoji              map[string]string
}

// DefaultAckConfig returns the stock reactions: discord 👀, slack ✅, telegram 🔄.
func DefaultAckConfig() AckConfig {
	return AckConfig{
		Enabled:        true,
		ShowTyping:     true,
		TypingDuration: 60 * time.Second,
		PendingTimeout: DefaultAckTimeout,
		Emoji: map[string]string{
			"discord":  "👀",
			"slack":    "✅",
			"telegram": "🔄",
		},
	}
}

// EmojiFor returns the processing reaction for platform.
func (c AckConfig) EmojiFor(platform string) string {
	if e, ok := c.Emoji[platform]; ok && e != "" {
		return e
	}
	return DefaultAckEmoji
}

// AckState tracks one outbound reply.
type AckState struct {
	MessageID string    `json:"messageId"`
	Platform  string    `json:"platform"`
	ChannelID string    `json:"channelId"`
	SentAt    time.Time `json:"sentAt"`
	Delivered bool      `json:"delivered"`
	Read      bool      `json:"read"`
}

// AckStats summarizes tracked replies.
type AckStats struct {
	PendingCount   int `json:"pendingCount"`
	DeliveredCount int `json:"deliveredCount"`
	ReadCount      int `json:"readCount"`
	TotalCompleted int `json:"totalCompleted"`
	TypingChannels int `json:"typingChannels"`
}

// AckResponse is the payload reported back for a message's ack status.
type AckResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Emoji     string `json:"emoji,omitempty"`
}

// maxCompleted bounds the completed history.
const maxCompleted = 1000

// AckTracker follows replies from send to delivery and remembers which
// channels currently show a typing indicator.
type AckTracker struct {
	mu        sync.Mutex
	cfg       AckConfig
	pending   map[string]*AckState
	completed []AckState
	typing    map[string]time.Time
	now       func() time.Time
}

// NewAckTracker creates a tracker.
func NewAckTracker(cfg AckConfig) *AckTracker {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultAckTimeout
	}
	return &AckTracker{
		cfg:     cfg,
		pending: make(map[string]*AckState),
		typing:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// Config returns the tracker's configuration.
func (t *AckTracker) Config() AckConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// RegisterMessage starts tracking a sent reply.
func (t *AckTracker) RegisterMessage(messageID, platform, channelID string) AckState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := &AckState{
		MessageID: messageID,
		Platform:  platform,
		ChannelID: channelID,
		SentAt:    t.now(),
	}
	t.pending[messageID] = st
	return *st
}

// MarkDelivered moves a pending reply to completed. It reports false for
// unknown ids.
func (t *AckTracker) MarkDelivered(messageID string) bool {
	return t.complete(messageID, false)
}

// MarkRead moves a pending reply to completed as delivered and read.
func (t *AckTracker) MarkRead(messageID string) bool {
	return t.complete(messageID, true)
}

func (t *AckTracker) complete(messageID string, read bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.pending[messageID]
	if !ok {
		return false
	}
	delete(t.pending, messageID)
	st.Delivered = true
	st.Read = read
	t.completed = append(t.completed, *st)
	if len(t.completed) > maxCompleted {
		t.completed = t.completed[len(t.completed)-maxCompleted:]
	}
	return true
}

// GetState returns a pending reply's state.
func (t *AckTracker) GetState(messageID string) (AckState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.pending[messageID]
	if !ok {
		return AckState{}, false
	}
	return *st, true
}

// CleanupExpired drops pending replies older than the pending timeout and
// typing indicators older than the typing duration. It returns how many
// pending replies were dropped.
func (t *AckTracker) CleanupExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, st := range t.pending {
		if now.Sub(st.SentAt) > t.cfg.PendingTimeout {
			delete(t.pending, id)
			removed++
		}
	}
	if t.cfg.TypingDuration > 0 {
		for ch, since := range t.typing {
			if now.Sub(since) > t.cfg.TypingDuration {
				delete(t.typing, ch)
			}
		}
	}
	return removed
}

// StartTyping marks channelID as showing a typing indicator.
func (t *AckTracker) StartTyping(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing[channelID] = t.now()
}

// StopTyping clears the typing indicator of channelID.
func (t *AckTracker) StopTyping(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, channelID)
}

// IsTyping reports whether channelID shows a typing indicator.
func (t *AckTracker) IsTyping(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[channelID]
	return ok
}

// TypingChannels returns the channels with an active indicator, sorted.
func (t *AckTracker) TypingChannels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.typing))
	for ch := range t.typing {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Stats returns counts over pending and completed replies.
func (t *AckTracker) Stats() AckStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := AckStats{
		PendingCount:   len(t.pending),
		TotalCompleted: len(t.completed),
		TypingChannels: len(t.typing),
	}
	for _, st := range t.completed {
		if st.Delivered {
			s.DeliveredCount++
		}
		if st.Read {
			s.ReadCount++
		}
	}
	return s
}

// BuildAckResponse reports status for messageID. The processing status
// carries the platform reaction of the tracked reply when known.
func (t *AckTracker) BuildAckResponse(messageID, platform, status string) AckResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	resp := AckResponse{
		MessageID: messageID,
		Status:    status,
		Timestamp: t.now().UnixMilli(),
	}
	if status == AckStatusProcessing {
		resp.Emoji = t.cfg.EmojiFor(platform)
	}
	return resp
}
