package handler

import (
	"net/http"

	"github.com/alanyoungcy/copybot/internal/account"
)

// StatusSource produces the operator status report.
type StatusSource interface {
	Status() account.StatusReport
}

// StatusHandler serves the aggregated status report: hierarchy states,
// per-account connection state, and open position counts.
type StatusHandler struct {
	src StatusSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSource) *StatusHandler {
	return &StatusHandler{src: src}
}

// GetStatus returns the current status report.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Status())
}
