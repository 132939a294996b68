// Package api serves the public REST surface: read-only access to published
// sessions and the authenticated session listing.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/draftpad/server/logger"
	"github.com/draftpad/server/session"
)

// PublishedHandler serves published sessions without authentication. Drafts
// never appear here regardless of caller.
type PublishedHandler struct {
	store session.Store
}

func NewPublishedHandler(store session.Store) *PublishedHandler {
	return &PublishedHandler{store: store}
}

func (h *PublishedHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/published", h.HandleList)
	mux.HandleFunc("GET /api/published/{id}", h.HandleGet)
}

func (h *PublishedHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()

	sessions, err := h.store.ListPublished(r.Context())
	if err != nil {
		log.Error("failed to list published sessions", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *PublishedHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()
	id := r.PathValue("id")

	sess, err := h.store.GetPublished(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("failed to get published session", "sessionId", id, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
