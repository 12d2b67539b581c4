package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/afslabs/companion/internal/indexer"
	"github.com/afslabs/companion/internal/session"
	"github.com/afslabs/companion/internal/store"
	"github.com/afslabs/companion/pkg/types"
)

// Handlers exposes the session lifecycle and persona maintenance over HTTP.
type Handlers struct {
	sessions *session.Manager
	indexer  *indexer.Manager
	store    *store.Store
}

// NewHandlers wires the HTTP layer to the engine.
func NewHandlers(sessions *session.Manager, idx *indexer.Manager, st *store.Store) *Handlers {
	return &Handlers{sessions: sessions, indexer: idx, store: st}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type createSessionRequest struct {
	PersonaID       string `json:"persona_id"`
	InterlocutorID  string `json:"interlocutor_id"`
	RelationType    string `json:"relation_type"`
	RoleDescription string `json:"role_description"`
}

// CreateSession handles POST /api/sessions.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := h.sessions.CreateSession(req.PersonaID, req.InterlocutorID, req.RelationType, req.RoleDescription)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage handles POST /api/sessions/{id}/messages.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reply, err := h.sessions.SendMessage(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, session.ErrSessionClosed):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// SessionStatus handles GET /api/sessions/{id}.
func (h *Handlers) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ResumeSession handles POST /api/sessions/{id}/resume. Replayed replies for
// queued messages come back in arrival order.
func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	replies, err := h.sessions.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"replayed": replies})
}

// EndSession handles DELETE /api/sessions/{id}.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.EndSession(r.Context(), r.PathValue("id")); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, session.ErrSessionClosed):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// RebuildIndex handles POST /api/personas/{id}/reindex.
func (h *Handlers) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	personaID := r.PathValue("id")
	if err := h.indexer.RebuildIndex(r.Context(), personaID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := h.indexer.Stats(r.Context(), personaID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// IndexStats handles GET /api/personas/{id}/index.
func (h *Handlers) IndexStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.indexer.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// AffinityStats handles GET /api/personas/{id}/affinity.
func (h *Handlers) AffinityStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetAffinityStats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// AffinityHistory handles GET /api/personas/{id}/affinity/{interlocutor}/history.
// Entries come back newest first; ?limit= caps the page (default 50).
func (h *Handlers) AffinityHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.store.AffinityHistory(r.Context(), r.PathValue("id"), r.PathValue("interlocutor"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []types.AffinityHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
