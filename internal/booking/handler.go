package booking

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/slotkeeper/internal/apperr"
	"github.com/wolfman30/slotkeeper/internal/http/middleware"
	"github.com/wolfman30/slotkeeper/internal/http/respond"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

// Handler exposes the appointment lifecycle over HTTP.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates a new appointments handler
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Routes mounts the appointment endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/bulk-cancel", h.BulkCancel)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/transitions", h.Transition)
	r.Post("/{id}/waive-penalty", h.WaivePenalty)
}

// ActorFromRequest maps the authenticated principal to a booking actor.
func ActorFromRequest(r *http.Request) (Actor, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return Actor{}, false
	}
	return Actor{ID: p.ID, Role: Role(p.Role)}, true
}

// Create handles POST /v1/appointments
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromRequest(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if actor.Role != RoleClient {
		respond.Error(w, h.logger, apperr.NotAuthorized("only clients can request appointments"))
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	req.ClientID = actor.ID
	req.Source = "direct"

	appt, err := h.service.CreateAppointment(r.Context(), req)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, appt)
}

// ListResponse is the response for listing appointments
type ListResponse struct {
	Appointments []*Appointment `json:"appointments"`
	Count        int            `json:"count"`
	Offset       int            `json:"offset"`
	Limit        int            `json:"limit"`
}

// List handles GET /v1/appointments
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromRequest(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	filter := ListFilter{Limit: defaultListLimit}
	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit <= maxListLimit {
			filter.Limit = limit
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := ParseStatus(strings.TrimSpace(part))
			if !ok {
				respond.BadRequest(w, "unknown status "+strconv.Quote(part))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respond.BadRequest(w, key+" must be RFC3339")
			return
		}
		t = t.UTC()
		*dst = &t
	}

	appts, err := h.service.List(r.Context(), actor, filter)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if appts == nil {
		appts = []*Appointment{}
	}
	respond.JSON(w, http.StatusOK, ListResponse{
		Appointments: appts,
		Count:        len(appts),
		Offset:       filter.Offset,
		Limit:        filter.Limit,
	})
}

// Get handles GET /v1/appointments/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromRequest(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	appt, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, appt)
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Transition handles POST /v1/appointments/{id}/transitions
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromRequest(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		respond.BadRequest(w, "status is required")
		return
	}
	appt, err := h.service.Transition(r.Context(), chi.URLParam(r, "id"), actor, Status(strings.TrimSpace(req.Status)), strings.TrimSpace(req.Reason))
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, appt)
}

// WaivePenalty handles POST /v1/appointments/{id}/waive-penalty
func (h *Handler) WaivePenalty(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromRequest(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	appt, err := h.service.WaivePenalty(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, appt)
}

type bulkCancelRequest struct {
	AppointmentIDs []string `json:"appointment_ids"`
	Reason         string   `json:"reason"`
}

// BulkCancel handles POST /v1/appointments/bulk-cancel
func (h *Handler) BulkCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromRequest(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req bulkCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid request body")
		return
	}
	result, err := h.service.BulkCancel(r.Context(), actor, req.AppointmentIDs, strings.TrimSpace(req.Reason))
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, result)
}

// RemainingResponse reports free seats in one slot.
type RemainingResponse struct {
	ProviderID string    `json:"provider_id"`
	Slot       time.Time `json:"slot"`
	Remaining  int       `json:"remaining"`
}

// Remaining handles GET /v1/slots/remaining?provider_id=&slot=
func (h *Handler) Remaining(w http.ResponseWriter, r *http.Request) {
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		respond.BadRequest(w, "provider_id is required")
		return
	}
	slot, err := time.Parse(time.RFC3339, r.URL.Query().Get("slot"))
	if err != nil {
		respond.BadRequest(w, "slot must be RFC3339")
		return
	}
	slot = slot.UTC().Truncate(time.Second)
	remaining, err := h.service.Remaining(r.Context(), providerID, slot)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, RemainingResponse{ProviderID: providerID, Slot: slot, Remaining: remaining})
}
