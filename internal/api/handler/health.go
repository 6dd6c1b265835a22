package handler

import (
	"net/http"

	"github.com/mcoot/lobbymesh/internal/api/response"
	"github.com/mcoot/lobbymesh/internal/coordinator"
)

// HealthHandler reports what this instance currently owns
type HealthHandler struct {
	coord *coordinator.Coordinator
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(coord *coordinator.Coordinator) *HealthHandler {
	return &HealthHandler{coord: coord}
}

// Get handles GET /api/v1/health
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, response.HealthFromStats(h.coord.Instance(), h.coord.Stats()))
}
