package api

import (
	"errors"
	"net/http"
	"strings"
)

// Presence records a player heartbeat: POST /api/presence?session=ID&token=T.
// The token identifies one viewer and is deduplicated within the presence
// window.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if h.Viewers == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("presence tracking disabled"))
		return
	}
	query := r.URL.Query()
	sessionID := strings.TrimSpace(query.Get("session"))
	token := strings.TrimSpace(query.Get("token"))
	if sessionID == "" || token == "" {
		writeError(w, http.StatusBadRequest, errors.New("session and token are required"))
		return
	}
	if err := h.Viewers.Activity(r.Context(), sessionID, token); err != nil {
		h.logger(r.Context()).Error("record presence", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("unable to record presence"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
