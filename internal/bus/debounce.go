package bus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DebounceConfig controls how rapid messages from one sender are grouped.
type DebounceConfig struct {
	Enabled        bool
	Window         time.Duration
	MaxMessages    int
	FlushOnMention bool
	FlushOnCommand bool
}

// DefaultDebounceConfig returns a 500ms window capped at 5 messages.
func DefaultDebounceConfig() DebounceConfig {
	return DebounceConfig{
		Enabled:        true,
		Window:         500 * time.Millisecond,
		MaxMessages:    5,
		FlushOnMention: true,
		FlushOnCommand: true,
	}
}

// DebounceKey groups messages by who sent them and where.
type DebounceKey struct {
	Platform  string
	ChannelID string
	UserID    string
}

func (k DebounceKey) String() string {
	return k.Platform + "/" + k.ChannelID + "/" + k.UserID
}

// KeyOf returns the debounce key of msg.
func KeyOf(msg InboundMessage) DebounceKey {
	return DebounceKey{Platform: msg.Platform, ChannelID: msg.ChannelID, UserID: msg.UserID}
}

// Batch is a flushed group. Combined carries the first message's ids and
// metadata with the merged content and MetaBatchSize set.
type Batch struct {
	Key      DebounceKey
	Messages []InboundMessage
	Combined InboundMessage
}

// DebounceStats counts debouncer activity.
type DebounceStats struct {
	TotalReceived  uint64 `json:"totalReceived"`
	TotalFlushed   uint64 `json:"totalFlushed"`
	BatchesCreated uint64 `json:"batchesCreated"`
	BatchesExpired uint64 `json:"batchesExpired"`
	MessagesMerged uint64 `json:"messagesMerged"`
}

type pendingBatch struct {
	messages []InboundMessage
	timer    *time.Timer
	gen      uint64
}

// Debouncer batches messages per DebounceKey and hands finished batches to
// the flush callback. Flushes are delivered one at a time in the order they
// were taken. The callback must not call back into the Debouncer.
type Debouncer struct {
	mu      sync.Mutex
	flushMu sync.Mutex
	cfg     DebounceConfig
	pending map[DebounceKey]*pendingBatch
	stats   DebounceStats
	stopped bool
	onFlush func(Batch)
}

// NewDebouncer creates a debouncer. Zero window or max fall back to defaults.
func NewDebouncer(cfg DebounceConfig, onFlush func(Batch)) *Debouncer {
	def := DefaultDebounceConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	return &Debouncer{
		cfg:     cfg,
		pending: make(map[DebounceKey]*pendingBatch),
		onFlush: onFlush,
	}
}

// Push adds msg to its sender's batch. The batch is flushed right away when
// debouncing is disabled, when msg is a mention or command, or when the batch
// reaches MaxMessages. Otherwise the window timer is (re)armed.
func (d *Debouncer) Push(msg InboundMessage) {
	key := KeyOf(msg)

	d.mu.Lock()
	d.stats.TotalReceived++

	if !d.cfg.Enabled || d.stopped {
		d.stats.TotalFlushed++
		d.emitLocked(key, []InboundMessage{msg})
		return
	}

	pb, ok := d.pending[key]
	if !ok {
		pb = &pendingBatch{}
		d.pending[key] = pb
		d.stats.BatchesCreated++
	}
	pb.messages = append(pb.messages, msg)

	if d.flushNow(msg) || len(pb.messages) >= d.cfg.MaxMessages {
		msgs := d.takeLocked(key)
		d.emitLocked(key, msgs)
		return
	}

	if pb.timer != nil {
		pb.timer.Stop()
	}
	pb.gen++
	gen := pb.gen
	pb.timer = time.AfterFunc(d.cfg.Window, func() { d.expire(key, gen) })
	d.mu.Unlock()
}

func (d *Debouncer) expire(key DebounceKey, gen uint64) {
	d.mu.Lock()
	pb, ok := d.pending[key]
	if !ok || pb.gen != gen {
		d.mu.Unlock()
		return
	}
	d.stats.BatchesExpired++
	msgs := d.takeLocked(key)
	d.emitLocked(key, msgs)
}

// takeLocked removes the key's batch and counts it as flushed.
func (d *Debouncer) takeLocked(key DebounceKey) []InboundMessage {
	pb := d.pending[key]
	delete(d.pending, key)
	if pb.timer != nil {
		pb.timer.Stop()
	}
	d.stats.TotalFlushed++
	if n := len(pb.messages); n > 1 {
		d.stats.MessagesMerged += uint64(n - 1)
	}
	return pb.messages
}

// emitLocked hands the batch to the callback. It is entered with d.mu held
// and releases it only after taking flushMu, so callbacks observe the same
// order in which batches were taken.
func (d *Debouncer) emitLocked(key DebounceKey, msgs []InboundMessage) {
	d.flushMu.Lock()
	d.mu.Unlock()
	defer d.flushMu.Unlock()
	if d.onFlush != nil && len(msgs) > 0 {
		d.onFlush(newBatch(key, msgs))
	}
}

func (d *Debouncer) flushNow(msg InboundMessage) bool {
	if d.cfg.FlushOnMention && IsMention(msg) {
		return true
	}
	if d.cfg.FlushOnCommand && IsCommand(msg.Content) {
		return true
	}
	return false
}

// FlushAll drains every pending batch through the callback.
func (d *Debouncer) FlushAll() {
	for {
		d.mu.Lock()
		var key DebounceKey
		found := false
		for k := range d.pending {
			key, found = k, true
			break
		}
		if !found {
			d.mu.Unlock()
			return
		}
		msgs := d.takeLocked(key)
		d.emitLocked(key, msgs)
	}
}

// Stop flushes what is pending. Later pushes pass straight through.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.FlushAll()
}

// Pending returns the number of messages waiting in open batches.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, pb := range d.pending {
		n += len(pb.messages)
	}
	return n
}

// Stats returns a snapshot of the counters.
func (d *Debouncer) Stats() DebounceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// IsMention reports whether msg addresses someone.
func IsMention(msg InboundMessage) bool {
	if msg.Meta(MetaMentions) != "" {
		return true
	}
	return strings.Contains(msg.Content, "<@") || strings.Contains(msg.Content, "@")
}

// IsCommand reports whether text looks like a bot command.
func IsCommand(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "/") || strings.HasPrefix(t, "!") || strings.HasPrefix(t, ".")
}

// CombineMessages merges batch contents into one text:
// one message is returned as is, two are joined with a space, and more are
// summarized as "first (and N more messages)".
func CombineMessages(msgs []InboundMessage) string {
	switch len(msgs) {
	case 0:
		return ""
	case 1:
		return msgs[0].Content
	case 2:
		return msgs[0].Content + " " + strings.TrimSpace(msgs[1].Content)
	default:
		return fmt.Sprintf("%s (and %d more messages)", strings.TrimSpace(msgs[0].Content), len(msgs)-1)
	}
}

func newBatch(key DebounceKey, msgs []InboundMessage) Batch {
	combined := msgs[0]
	combined.Content = CombineMessages(msgs)
	meta := make(map[string]string, len(msgs[0].Metadata)+1)
	for k, v := range msgs[0].Metadata {
		meta[k] = v
	}
	meta[MetaBatchSize] = strconv.Itoa(len(msgs))
	combined.Metadata = meta
	return Batch{Key: key, Messages: msgs, Combined: combined}
}
