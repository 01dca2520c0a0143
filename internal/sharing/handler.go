package sharing

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ravel-labs/ravel/internal/trajectory"
)

// Handler serves share links over HTTP: GET /share/{token} resolves the
// token, records a view, and returns the ATIF export of the shared
// trajectory. Routes are mounted with chi, matching the teacher's
// internal/server routing style.
type Handler struct {
	manager *Manager
	store   *trajectory.Store
}

// NewHandler constructs a share-link HTTP handler.
func NewHandler(manager *Manager, store *trajectory.Store) *Handler {
	return &Handler{manager: manager, store: store}
}

// Routes returns the chi router for the share-link endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{token}", h.getShare)
	r.Post("/conversations/{conversationID}", h.createShare)
	r.Delete("/conversations/{conversationID}", h.deleteShare)
	return r
}

func (h *Handler) createShare(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if _, err := h.store.Load(r.Context(), conversationID); err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	info, err := h.manager.Share(conversationID, &ShareOptions{Public: true})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data, err := MarshalShareInfo(info)
	if err != nil {
		http.Error(w, "failed to encode share info", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(data)
}

func (h *Handler) deleteShare(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := h.manager.Unshare(conversationID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getShare(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	info, err := h.manager.GetByToken(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	traj, err := h.store.Load(r.Context(), info.ConversationID)
	if err != nil {
		http.Error(w, "shared conversation not found", http.StatusNotFound)
		return
	}

	data, err := trajectory.Export(traj)
	if err != nil {
		http.Error(w, "failed to export trajectory", http.StatusInternalServerError)
		return
	}

	_ = h.manager.RecordView(token)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// MarshalShareInfo is a small helper used by the creation endpoint wired
// into cmd/ravelserver.
func MarshalShareInfo(info *ShareInfo) ([]byte, error) {
	return json.Marshal(info)
}
