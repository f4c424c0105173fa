package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// SessionsHandler exposes the session registry read-side plus deletion.
type SessionsHandler struct {
	mgr   *sessions.Manager
	token string
}

func NewSessionsHandler(mgr *sessions.Manager, token string) *SessionsHandler {
	return &SessionsHandler{mgr: mgr, token: token}
}

// RegisterRoutes registers all session routes on the given mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions", requireToken(h.token, h.handleList))
	mux.HandleFunc("GET /v1/sessions/{key}", requireToken(h.token, h.handleGet))
	mux.HandleFunc("DELETE /v1/sessions/{key}", requireToken(h.token, h.handleDelete))
}

func (h *SessionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list := h.mgr.List(sessions.ListFilter{AgentID: q.Get("agent"), Platform: q.Get("platform")})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": list,
		"total":    len(list),
		"threads":  h.mgr.ThreadCount(q.Get("platform")),
	})
}

func (h *SessionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := pathSessionKey(w, r)
	if !ok {
		return
	}
	s, found := h.mgr.Get(key)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *SessionsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := pathSessionKey(w, r)
	if !ok {
		return
	}
	if err := h.mgr.Delete(key); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		slog.Error("sessions.delete", "session", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// pathSessionKey parses {key} into the canonical agent:-prefixed form.
func pathSessionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	k, err := sessions.ParseSessionKey(r.PathValue("key"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return "", false
	}
	return k.String(), true
}
