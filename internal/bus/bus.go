package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity bounds each direction of the MessageBus.
const DefaultQueueCapacity = 1000

var (
	// ErrQueueFull is returned when a publish would exceed the queue bound.
	// The message is not enqueued; callers log and drop it.
	ErrQueueFull = errors.New("message queue full")

	// ErrBusClosed is returned when publishing to a closed MessageBus.
	ErrBusClosed = errors.New("message bus closed")

	// ErrDuplicate is returned by ingestion for a message already seen.
	ErrDuplicate = errors.New("duplicate message")
)

// MessageBus holds the bounded inbound and outbound queues plus the event
// fan-out used by WebSocket clients. Publishing never blocks.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates a bus whose queues each hold up to capacity
// messages. capacity <= 0 selects DefaultQueueCapacity.
func NewMessageBus(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		done:     make(chan struct{}),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues msg, or returns ErrQueueFull / ErrBusClosed.
func (mb *MessageBus) PublishInbound(msg InboundMessage) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case mb.inbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// ConsumeInbound blocks until a message is available, the bus closes, or
// ctx is done.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-mb.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a reply, or returns ErrQueueFull / ErrBusClosed.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case mb.outbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubscribeOutbound blocks until a reply is available.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-mb.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Len returns the number of queued inbound messages.
func (mb *MessageBus) Len() int { return len(mb.inbound) }

// OutboundLen returns the number of queued outbound messages.
func (mb *MessageBus) OutboundLen() int { return len(mb.outbound) }

// Cap returns the inbound queue bound.
func (mb *MessageBus) Cap() int { return cap(mb.inbound) }

// Subscribe registers an event handler under id, replacing any previous one.
func (mb *MessageBus) Subscribe(id string, handler EventHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (mb *MessageBus) Unsubscribe(id string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.handlers, id)
}

// Broadcast delivers event to every subscriber. Handlers run on the
// caller's goroutine and must not block.
func (mb *MessageBus) Broadcast(event Event) {
	mb.mu.RLock()
	handlers := make([]EventHandler, 0, len(mb.handlers))
	for _, h := range mb.handlers {
		handlers = append(handlers, h)
	}
	mb.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Close stops consumers and rejects further publishes. Idempotent.
func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}
