package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const (
	defaultSendBuffer     = 256
	defaultRequestTimeout = 30 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 1 << 20
	rateLimitBurst = 5

	// maxInflightRequests caps concurrently running handlers per connection.
	// The read loop blocks once it is reached.
	maxInflightRequests = 32
)

// ErrClientClosed is returned by Request once the connection is gone.
var ErrClientClosed = errors.New("client closed")

// Client is one control-plane WebSocket connection. Frames leave through a
// bounded mailbox drained by a single writer goroutine; a full mailbox
// drops the frame.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	router *MethodRouter

	send    chan []byte
	seqMu   sync.Mutex // orders seq stamping with the mailbox push
	seq     atomic.Uint64
	dropped atomic.Uint64
	timeout time.Duration

	subMu sync.RWMutex
	subs  map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.ResponseFrame

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps conn and starts its writer. s may be nil in tests, in
// which case requests are answered by an empty router.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	buf := defaultSendBuffer
	timeout := defaultRequestTimeout
	router := NewMethodRouter(nil)
	if s != nil {
		router = s.router
		if s.cfg.Gateway.SendBuffer > 0 {
			buf = s.cfg.Gateway.SendBuffer
		}
		if s.cfg.Gateway.RequestTimeoutMs > 0 {
			timeout = time.Duration(s.cfg.Gateway.RequestTimeoutMs) * time.Millisecond
		}
	}

	c := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  s,
		router:  router,
		send:    make(chan []byte, buf),
		timeout: timeout,
		subs:    make(map[string]struct{}),
		pending: make(map[string]chan *protocol.ResponseFrame),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Dropped returns the number of frames lost to a full mailbox.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Run reads frames until the connection fails or ctx ends. Requests run on
// at most maxInflightRequests goroutines. Responses and events are handled
// inline so a handler waiting on Request can always be answered.
func (c *Client) Run(ctx context.Context) {
	var handlers errgroup.Group
	handlers.SetLimit(maxInflightRequests)
	defer handlers.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws: read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.allow(data) {
			continue
		}
		if protocol.DetectMessageType(data) != protocol.MessageRequest {
			c.process(ctx, data)
			continue
		}
		handlers.Go(func() error {
			c.process(ctx, data)
			return nil
		})
	}
}

func (c *Client) process(ctx context.Context, raw []byte) {
	if resp := c.router.ProcessFrame(ctx, c, raw); resp != nil {
		c.SendResponse(resp)
	}
}

// allow applies the per-client rate limit to requests. A limited request
// is answered with RATE_LIMITED here.
func (c *Client) allow(raw []byte) bool {
	if c.server == nil || !c.server.rateLimiter.Enabled() {
		return true
	}
	if protocol.DetectMessageType(raw) != protocol.MessageRequest {
		return true
	}
	if c.server.rateLimiter.Allow(c.id) {
		return true
	}
	id := ""
	if f, err := protocol.ParseMessage(raw); err == nil && f.Request != nil {
		id = f.Request.ID
	}
	slog.Warn("security.rate_limited", "client", c.id, "id", id)
	c.server.metrics.ObserveFrame("", protocol.ErrRateLimited)
	c.SendResponse(protocol.NewErrorResponse(id, protocol.ErrRateLimited, "rate limit exceeded"))
	return false
}

// writeLoop owns the connection: it is the only writer and it closes the
// socket after flushing queued frames once the client is closed.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if c.conn != nil {
			c.conn.Close()
		}
	}()
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				slog.Debug("ws: write failed", "client", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) enqueue(frame interface{}) bool {
	data, err := protocol.Encode(frame)
	if err != nil {
		slog.Error("ws: encode frame", "client", c.id, "error", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.dropped.Add(1)
		slog.Warn("ws: send buffer full, frame dropped", "client", c.id)
		return false
	}
}

// SendResponse queues a response frame.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) {
	c.enqueue(resp)
}

// SendEvent stamps the next per-connection seq on evt and queues it.
// Concurrent senders reach the mailbox in seq order.
func (c *Client) SendEvent(evt protocol.EventFrame) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.enqueue(evt.WithSeq(c.seq.Add(1)))
}

// DeliverEvent forwards a bus event when the client's subscription wants it.
func (c *Client) DeliverEvent(evt bus.Event) {
	if !c.Wants(evt) {
		return
	}
	c.SendEvent(*protocol.NewEvent(evt.Name, evt.Payload))
}

// Subscribe limits delivered platform events to the subscribed platforms.
func (c *Client) Subscribe(platform string) {
	c.subMu.Lock()
	c.subs[platform] = struct{}{}
	c.subMu.Unlock()
}

// Unsubscribe removes platform and reports whether it was subscribed.
func (c *Client) Unsubscribe(platform string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[platform]; !ok {
		return false
	}
	delete(c.subs, platform)
	return true
}

// Subscriptions returns the subscribed platforms, sorted.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for p := range c.subs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Wants reports whether evt passes the subscription filter. An empty
// subscription set receives everything, as do events without a platform.
func (c *Client) Wants(evt bus.Event) bool {
	if evt.Platform == "" {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[evt.Platform]
	return ok
}

// Request sends a server-initiated request and waits for the client's
// response. When the timeout elapses first, the pending entry is dropped
// and a TIMEOUT response is returned.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (*protocol.ResponseFrame, error) {
	req, err := protocol.NewRequest("", method, params)
	if err != nil {
		return nil, err
	}
	ch := make(chan *protocol.ResponseFrame, 1)

	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer c.forget(req.ID)

	if !c.enqueue(req) {
		select {
		case <-c.done:
			return nil, ErrClientClosed
		default:
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "send buffer full"), nil
		}
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		slog.Warn("ws: request timed out", "client", c.id, "method", method, "id", req.ID)
		return protocol.NewErrorResponse(req.ID, protocol.ErrTimeout, "request timed out: "+method), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// PendingRequests returns the number of unanswered server requests.
func (c *Client) PendingRequests() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Client) forget(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// resolvePending hands resp to the waiting Request call, if any.
func (c *Client) resolvePending(resp *protocol.ResponseFrame) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Close stops the client; the writer flushes queued frames and then
// closes the socket. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
