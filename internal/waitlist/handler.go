package waitlist

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/internal/http/middleware"
	"github.com/wolfman30/slotkeeper/internal/http/respond"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

// Handler exposes the waitlist over HTTP.
type Handler struct {
	queue  *Queue
	logger *logging.Logger
}

func NewHandler(queue *Queue, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{queue: queue, logger: logger}
}

// Routes mounts the waitlist endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Join)
	r.Get("/", h.List)
	r.Post("/{id}/confirm", h.Confirm)
	r.Delete("/{id}", h.Leave)
}

// ListResponse wraps a list of entries.
type ListResponse struct {
	Entries []*Entry `json:"entries"`
	Count   int      `json:"count"`
}

// Join handles POST /v1/waitlist
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if p.Role != middleware.RoleClient {
		respond.Error(w, h.logger, apperr.NotAuthorized("only clients can join a waitlist"))
		return
	}
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	req.ClientID = p.ID
	entry, err := h.queue.Join(r.Context(), req)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, entry)
}

// List handles GET /v1/waitlist. Clients see their own entries; providers
// see one slot's queue selected by the slot query parameter.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var (
		entries []*Entry
		err     error
	)
	switch p.Role {
	case middleware.RoleClient:
		entries, err = h.queue.ListForClient(r.Context(), p.ID)
	case middleware.RoleProvider:
		slot, perr := time.Parse(time.RFC3339, r.URL.Query().Get("slot"))
		if perr != nil {
			respond.BadRequest(w, "slot must be RFC3339")
			return
		}
		entries, err = h.queue.ListGroup(r.Context(), p.ID, slot)
	default:
		err = apperr.NotAuthorized("role %s cannot list waitlists", p.Role)
	}
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	respond.JSON(w, http.StatusOK, ListResponse{Entries: entries, Count: len(entries)})
}

// Confirm handles POST /v1/waitlist/{id}/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	entry, err := h.queue.Confirm(r.Context(), chi.URLParam(r, "id"), p.ID)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, entry)
}

// Leave handles DELETE /v1/waitlist/{id}
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if err := h.queue.Leave(r.Context(), chi.URLParam(r, "id"), p.ID); err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
