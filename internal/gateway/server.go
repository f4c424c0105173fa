package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/capabilities"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const maxWebhookBody = 1 << 20

// QueueLen reports inbound queue depth for gateway.status.
type QueueLen interface {
	Len() int
}

// RouteRegistrar mounts extra HTTP routes, such as the /v1 admin API.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the gateway server handling WebSocket and HTTP connections.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	router   *MethodRouter

	ingestor    channels.Ingestor
	slackEvents http.Handler
	metrics     *Metrics
	queue       QueueLen
	apiRoutes   []RouteRegistrar

	upgrader       websocket.Upgrader
	rateLimiter    *RateLimiter
	webhookLimiter *channels.WebhookRateLimiter
	clients        map[string]*Client
	mu             sync.RWMutex
	running        atomic.Bool

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		clients:  make(map[string]*Client),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm > 0 → enabled at that RPM; <= 0 → disabled.
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, rateLimitBurst)
	s.webhookLimiter = channels.NewWebhookRateLimiter(cfg.Gateway.WebhookRateLimit)

	s.router = NewMethodRouter(s)
	return s
}

// RateLimiter returns the server's per-client RPC limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// Router returns the method router for registering handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// Config returns the config the server was built with.
func (s *Server) Config() *config.Config { return s.cfg }

// SetIngestor sets the pipeline entry used by POST /webhook/{platform}.
func (s *Server) SetIngestor(in channels.Ingestor) { s.ingestor = in }

// SetSlackEvents mounts the Slack Events API handler at /slack/events.
func (s *Server) SetSlackEvents(h http.Handler) { s.slackEvents = h }

// AddRoutes mounts r on the mux. Call before BuildMux.
func (s *Server) AddRoutes(r RouteRegistrar) { s.apiRoutes = append(s.apiRoutes, r) }

// SetMetrics enables /metrics and per-frame counters.
func (s *Server) SetMetrics(m *Metrics) { s.metrics = m }

// SetQueue sets the queue reported by QueuedMessages.
func (s *Server) SetQueue(q QueueLen) { s.queue = q }

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool { return s.running.Load() }

// QueuedMessages returns the inbound queue depth, 0 without a queue.
func (s *Server) QueuedMessages() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}

// checkOrigin validates WebSocket connection origin against the allowed origins whitelist.
// If no origins are configured, all origins are allowed.
// Empty Origin header (non-browser clients like CLI/SDK) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// authorized checks the bearer token (header or ?token=) when one is configured.
func (s *Server) authorized(r *http.Request) bool {
	want := s.cfg.Gateway.Token
	if want == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// PlatformAllowed reports whether platform passes gateway.whitelist.
// An empty whitelist admits every platform.
func (s *Server) PlatformAllowed(platform string) bool {
	wl := s.cfg.Gateway.Whitelist
	return len(wl) == 0 || slices.Contains([]string(wl), platform)
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if you need the mux for additional listeners (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("POST /webhook/{platform}", s.handleWebhook)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.slackEvents != nil {
		mux.Handle("/slack/events", s.limitWebhook("slack", s.slackEvents))
	}
	for _, r := range s.apiRoutes {
		r.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start begins listening for WebSocket and HTTP connections. Connected
// clients receive gateway.shutdown when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)
	s.running.Store(true)
	defer s.running.Store(false)

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) shutdown() {
	s.BroadcastEvent(bus.Event{Name: protocol.EventGatewayShutdown})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		slog.Warn("security.ws_unauthorized", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%q}`, protocol.ProtocolVersion)
}

func (s *Server) limitWebhook(platform string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.webhookLimiter.Allow(remoteHost(r)) {
			slog.Warn("security.webhook_rate_limited", "platform", platform, "remote", r.RemoteAddr)
			s.metrics.ObserveWebhook(platform, "rate_limited")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWebhook accepts one normalized message for {platform}.
// 202 accepted, 200 duplicate, 400 invalid or incompatible protocol version,
// 429 rate limited, 503 queue full.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	reply := func(status int, outcome string) {
		s.metrics.ObserveWebhook(platform, outcome)
		writeJSON(w, status, map[string]string{"status": outcome})
	}

	if !s.webhookLimiter.Allow(remoteHost(r)) {
		slog.Warn("security.webhook_rate_limited", "platform", platform, "remote", r.RemoteAddr)
		reply(http.StatusTooManyRequests, "rate_limited")
		return
	}
	if !s.authorized(r) {
		reply(http.StatusUnauthorized, "unauthorized")
		return
	}
	if !s.PlatformAllowed(platform) {
		slog.Warn("webhook: platform not whitelisted", "platform", platform)
		reply(http.StatusForbidden, "forbidden")
		return
	}
	if s.ingestor == nil {
		reply(http.StatusServiceUnavailable, "unavailable")
		return
	}

	var msg bus.InboundMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err := dec.Decode(&msg); err != nil || msg.ID == "" || msg.ChannelID == "" {
		reply(http.StatusBadRequest, "invalid")
		return
	}
	msg.Platform = platform
	if msg.ProtocolVersion == "" {
		msg.ProtocolVersion = bus.ProtocolVersion
	}
	if !capabilities.VersionCompatible(msg.ProtocolVersion, bus.ProtocolVersion) {
		slog.Warn("webhook: protocol version mismatch",
			"platform", platform,
			"message_version", msg.ProtocolVersion,
			"server_version", bus.ProtocolVersion,
		)
		s.metrics.ObserveWebhook(platform, "version_mismatch")
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":         "version_mismatch",
			"error":          "Protocol version mismatch",
			"client_version": msg.ProtocolVersion,
			"server_version": bus.ProtocolVersion,
		})
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	switch err := s.ingestor.Ingest(r.Context(), msg); {
	case err == nil:
		reply(http.StatusAccepted, "accepted")
	case errors.Is(err, bus.ErrDuplicate):
		reply(http.StatusOK, "duplicate")
	case errors.Is(err, bus.ErrQueueFull), errors.Is(err, bus.ErrBusClosed):
		reply(http.StatusServiceUnavailable, "queue_full")
	default:
		slog.Error("webhook: ingest failed", "platform", platform, "error", err)
		reply(http.StatusInternalServerError, "error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ActiveConnections returns the number of connected clients.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// BroadcastEvent delivers evt to every connected client. Each client stamps
// its own seq and applies its platform subscription.
func (s *Server) BroadcastEvent(evt bus.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.DeliverEvent(evt)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	if s.eventPub != nil {
		s.eventPub.Subscribe(c.id, c.DeliverEvent)
	}
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	if s.eventPub != nil {
		s.eventPub.Unsubscribe(c.id)
	}
	s.rateLimiter.Forget(c.id)
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer creates a listener on :0 (random port) and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			s.shutdown()
		}()
		s.running.Store(true)
		defer s.running.Store(false)
		s.httpServer.Serve(ln)
	}

	return addr, start
}
