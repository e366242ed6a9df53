package sweeper

import (
	"net/http"

	"github.com/wolfman30/slotkeeper/internal/http/respond"
)

// Handler lets an external scheduler trigger a pass over HTTP.
type Handler struct {
	sweeper *Sweeper
}

func NewHandler(s *Sweeper) *Handler {
	return &Handler{sweeper: s}
}

// RunSweep handles POST /internal/sweeps
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	res := h.sweeper.RunOnce(r.Context())
	respond.JSON(w, http.StatusOK, res.Summary())
}
