package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/clawgate/internal/tracing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// MethodHandler answers one request. client is nil when a frame is
// processed outside a WebSocket connection.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame) *protocol.ResponseFrame

// MethodRouter maps RPC method names to handlers.
type MethodRouter struct {
	server   *Server
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

// NewMethodRouter creates an empty router. server may be nil in tests.
func NewMethodRouter(server *Server) *MethodRouter {
	return &MethodRouter{
		server:   server,
		handlers: make(map[string]MethodHandler),
	}
}

// Register installs handler for method, replacing any previous one.
func (r *MethodRouter) Register(method string, handler MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Methods returns the registered method names, sorted.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (r *MethodRouter) metrics() *Metrics {
	if r.server == nil {
		return nil
	}
	return r.server.metrics
}

// Handle dispatches req. It always returns a response: an invalid envelope
// yields INVALID_PARAMS, an unknown method METHOD_NOT_FOUND, and a handler
// panic INTERNAL_ERROR.
func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) (resp *protocol.ResponseFrame) {
	if err := protocol.ValidateRequest(req); err != nil {
		id := ""
		if req != nil {
			id = req.ID
		}
		r.metrics().ObserveFrame("", protocol.ErrInvalidParams)
		return protocol.NewErrorResponse(id, protocol.ErrInvalidParams, err.Error())
	}

	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		slog.Debug("rpc: unknown method", "method", req.Method, "id", req.ID)
		r.metrics().ObserveFrame("unknown", protocol.ErrMethodNotFound)
		return protocol.NewErrorResponse(req.ID, protocol.ErrMethodNotFound, "Unknown method: "+req.Method)
	}

	ctx, span := tracing.Tracer().Start(ctx, "rpc "+req.Method)
	span.SetAttributes(attribute.String("rpc.method", req.Method), attribute.String("rpc.id", req.ID))
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("rpc: handler panic", "method", req.Method, "panic", rec, "stack", string(debug.Stack()))
			resp = protocol.NewErrorResponse(req.ID, protocol.ErrInternal, fmt.Sprintf("internal error: %v", rec))
		}
		outcome := "ok"
		if resp != nil && resp.Error != nil {
			outcome = resp.Error.Code
			span.SetStatus(codes.Error, resp.Error.Message)
		}
		span.SetAttributes(attribute.String("rpc.outcome", outcome))
		span.End()
		r.metrics().ObserveFrame(req.Method, outcome)
	}()

	resp = handler(ctx, client, req)
	if resp == nil {
		resp = protocol.NewOKResponse(req.ID, nil)
	}
	resp.ID = req.ID
	return resp
}

// ProcessFrame handles one raw frame from a client. Requests produce a
// response. Responses are matched against the client's pending
// server-initiated requests and events from clients are ignored; both
// return nil. Unparsable input yields INVALID_PARAMS with an empty id.
func (r *MethodRouter) ProcessFrame(ctx context.Context, client *Client, raw []byte) *protocol.ResponseFrame {
	frame, err := protocol.ParseMessage(raw)
	if err != nil {
		return protocol.NewErrorResponse("", protocol.ErrInvalidParams, err.Error())
	}
	switch {
	case frame.Request != nil:
		return r.Handle(ctx, client, frame.Request)
	case frame.Response != nil:
		if client != nil && !client.resolvePending(frame.Response) {
			slog.Debug("rpc: response for unknown request", "id", frame.Response.ID, "client", client.ID())
		}
	case frame.Event != nil:
		slog.Debug("rpc: ignoring client event", "event", frame.Event.Event)
	}
	return nil
}

// ErrEmptyParams is returned by ParseParams when a request has no params.
var ErrEmptyParams = errors.New("params required")

// ParseParams decodes req.Params into v.
func ParseParams(req *protocol.RequestFrame, v interface{}) error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return ErrEmptyParams
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// InvalidParams builds an INVALID_PARAMS response for req.
func InvalidParams(req *protocol.RequestFrame, err error) *protocol.ResponseFrame {
	return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidParams, err.Error())
}
