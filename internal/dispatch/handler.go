package dispatch

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// Request is one routed inbound message handed to the thread engine.
type Request struct {
	Message    bus.InboundMessage
	AgentID    string
	SessionKey sessions.SessionKey
	Decision   routing.RouteDecision

	// ThreadID is the assistant thread bound to SessionKey, empty when
	// auto_create_threads is off and nothing was linked. NewThread is set
	// on the message that created it.
	ThreadID    string
	NewThread   bool
	AssistantID string
}

// Response is the thread engine's reply. An empty Content with no Media
// sends nothing.
type Response struct {
	Content  string
	Media    []bus.MediaAttachment
	Metadata map[string]string
}

// Handler is the downstream assistant/thread collaborator.
type Handler interface {
	Handle(ctx context.Context, req Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (*Response, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// EchoHandler replies with the routed agent and the message content, so the
// gateway can run without a thread engine attached.
type EchoHandler struct{}

func (EchoHandler) Handle(_ context.Context, req Request) (*Response, error) {
	return &Response{Content: fmt.Sprintf("[%s] %s", req.AgentID, req.Message.Content)}, nil
}
