package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/slotkeeper/internal/http/middleware"
	"github.com/wolfman30/slotkeeper/internal/http/respond"
	"github.com/wolfman30/slotkeeper/internal/policy"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

type policyResolver interface {
	Resolve(ctx context.Context, providerID string) policy.Policy
	Update(ctx context.Context, p policy.Policy) (policy.Policy, error)
}

type limitReader interface {
	Limit(ctx context.Context, providerID string) int
}

type limitWriter interface {
	SetLimit(ctx context.Context, providerID string, limit int) error
}

type ProviderSettingsConfig struct {
	Policies policyResolver
	Limits   limitReader
	// LimitStore is nil when limits come from static configuration.
	LimitStore limitWriter
	Logger     *logging.Logger
}

// ProviderSettingsHandler serves the calling provider's cancellation policy
// and slot capacity.
type ProviderSettingsHandler struct {
	policies   policyResolver
	limits     limitReader
	limitStore limitWriter
	logger     *logging.Logger
}

func NewProviderSettingsHandler(cfg ProviderSettingsConfig) *ProviderSettingsHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &ProviderSettingsHandler{
		policies:   cfg.Policies,
		limits:     cfg.Limits,
		limitStore: cfg.LimitStore,
		logger:     cfg.Logger,
	}
}

// Routes mounts the settings endpoints under /v1/providers/me.
func (h *ProviderSettingsHandler) Routes(r chi.Router) {
	r.Use(middleware.RequireRole(middleware.RoleProvider))
	r.Get("/cancellation-policy", h.GetPolicy)
	r.Put("/cancellation-policy", h.PutPolicy)
	r.Get("/capacity", h.GetCapacity)
	r.Put("/capacity", h.PutCapacity)
}

type policyRequest struct {
	ThresholdHours *int    `json:"threshold_hours"`
	NoShowCounts   *bool   `json:"no_show_counts"`
	ClientMessage  *string `json:"client_message"`
}

type CapacityResponse struct {
	ProviderID string `json:"provider_id"`
	Capacity   int    `json:"capacity"`
}

type capacityRequest struct {
	Capacity int `json:"capacity"`
}

// GetPolicy handles GET /v1/providers/me/cancellation-policy
func (h *ProviderSettingsHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	respond.JSON(w, http.StatusOK, h.policies.Resolve(r.Context(), p.ID))
}

// PutPolicy handles PUT /v1/providers/me/cancellation-policy. Omitted fields
// keep their current value.
func (h *ProviderSettingsHandler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid JSON body")
		return
	}

	current := h.policies.Resolve(r.Context(), p.ID)
	if req.ThresholdHours != nil {
		current.ThresholdHours = *req.ThresholdHours
	}
	if req.NoShowCounts != nil {
		current.NoShowCounts = *req.NoShowCounts
	}
	if req.ClientMessage != nil {
		current.ClientMessage = *req.ClientMessage
	}
	current.ProviderID = p.ID

	saved, err := h.policies.Update(r.Context(), current)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, saved)
}

// GetCapacity handles GET /v1/providers/me/capacity
func (h *ProviderSettingsHandler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	respond.JSON(w, http.StatusOK, CapacityResponse{
		ProviderID: p.ID,
		Capacity:   h.limits.Limit(r.Context(), p.ID),
	})
}

// PutCapacity handles PUT /v1/providers/me/capacity
func (h *ProviderSettingsHandler) PutCapacity(w http.ResponseWriter, r *http.Request) {
	if h.limitStore == nil {
		respond.JSON(w, http.StatusNotImplemented, respond.ErrorBody{Error: "capacity is not editable in this deployment"})
		return
	}
	p, _ := middleware.PrincipalFromContext(r.Context())

	var req capacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.BadRequest(w, "invalid JSON body")
		return
	}
	if err := h.limitStore.SetLimit(r.Context(), p.ID, req.Capacity); err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	h.logger.Info("capacity updated", "provider_id", p.ID, "capacity", req.Capacity)
	respond.JSON(w, http.StatusOK, CapacityResponse{ProviderID: p.ID, Capacity: req.Capacity})
}
