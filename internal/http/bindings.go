package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// BindingsHandler handles routing binding CRUD endpoints.
type BindingsHandler struct {
	svc    *routing.Service
	token  string
	events bus.EventPublisher
}

// NewBindingsHandler creates the /v1/bindings handler. events may be nil.
func NewBindingsHandler(svc *routing.Service, token string, events bus.EventPublisher) *BindingsHandler {
	return &BindingsHandler{svc: svc, token: token, events: events}
}

// RegisterRoutes registers all binding routes on the given mux.
func (h *BindingsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/bindings", requireToken(h.token, h.handleList))
	mux.HandleFunc("POST /v1/bindings", requireToken(h.token, h.handleCreate))
	mux.HandleFunc("GET /v1/bindings/{id}", requireToken(h.token, h.handleGet))
	mux.HandleFunc("PUT /v1/bindings/{id}", requireToken(h.token, h.handleUpdate))
	mux.HandleFunc("DELETE /v1/bindings/{id}", requireToken(h.token, h.handleDelete))
}

func (h *BindingsHandler) emitUpdated(action, id string) {
	if h.events == nil {
		return
	}
	h.events.Broadcast(bus.Event{
		Name:    protocol.EventRoutingUpdated,
		Payload: protocol.RoutingUpdatedPayload{Action: action, BindingID: id},
	})
}

func (h *BindingsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	platform := r.URL.Query().Get("platform")

	result := make([]routing.AgentBinding, 0)
	for _, b := range h.svc.ListBindings() {
		if agent != "" && b.AgentID != agent {
			continue
		}
		if platform != "" && (b.Platform == nil || *b.Platform != platform) {
			continue
		}
		result = append(result, b)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bindings": result,
		"total":    len(result),
	})
}

func (h *BindingsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body config.BindingConfig
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ID != "" {
		if _, exists := h.svc.GetBinding(body.ID); exists {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "binding already exists: " + body.ID})
			return
		}
	}
	added, ok := h.save(w, r, body, "bindings.create", 0)
	if !ok {
		return
	}
	h.emitUpdated("added", added.ID)
	writeJSON(w, http.StatusCreated, added)
}

func (h *BindingsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	b, ok := h.svc.GetBinding(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "binding not found"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleUpdate replaces a binding wholesale; the path id wins over the body.
func (h *BindingsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	prev, ok := h.svc.GetBinding(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "binding not found"})
		return
	}
	var body config.BindingConfig
	if !decodeBody(w, r, &body) {
		return
	}
	body.ID = id
	updated, ok := h.save(w, r, body, "bindings.update", prev.CreatedAt)
	if !ok {
		return
	}
	h.emitUpdated("updated", id)
	writeJSON(w, http.StatusOK, updated)
}

func (h *BindingsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := h.svc.RemoveBinding(r.Context(), id)
	if err != nil {
		slog.Error("bindings.delete", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete binding"})
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "binding not found"})
		return
	}
	h.emitUpdated("removed", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// save validates body and installs it through the routing service, writing
// the error response itself when that fails. A non-zero createdAt keeps the
// original creation time on update.
func (h *BindingsHandler) save(w http.ResponseWriter, r *http.Request, body config.BindingConfig, op string, createdAt int64) (routing.AgentBinding, bool) {
	b, err := routing.BindingFromConfig(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return routing.AgentBinding{}, false
	}
	if createdAt > 0 {
		b.CreatedAt = createdAt
	}
	saved, err := h.svc.AddBinding(r.Context(), b)
	if err != nil {
		if errors.Is(err, routing.ErrInvalidBinding) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return routing.AgentBinding{}, false
		}
		slog.Error(op, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save binding"})
		return routing.AgentBinding{}, false
	}
	return saved, true
}
