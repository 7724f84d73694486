package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/copybot/internal/account"
	"github.com/alanyoungcy/copybot/internal/domain"
)

// Liquidator triggers an immediate market exit of every open position on one
// account.
type Liquidator interface {
	ForceLiquidateAll(ctx context.Context, accountID string) (account.LiquidationSummary, error)
}

// LiquidateHandler serves the manual liquidation endpoint.
type LiquidateHandler struct {
	liquidator Liquidator
	logger     *slog.Logger
}

// NewLiquidateHandler creates a LiquidateHandler.
func NewLiquidateHandler(liquidator Liquidator, logger *slog.Logger) *LiquidateHandler {
	return &LiquidateHandler{
		liquidator: liquidator,
		logger:     logger.With(slog.String("handler", "liquidate")),
	}
}

// ForceLiquidate exits every open position on the account and returns the
// per-order outcome summary. Partial failure is reported, not retried.
// POST /api/accounts/{id}/liquidate
func (h *LiquidateHandler) ForceLiquidate(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}

	h.logger.Warn("manual liquidation requested",
		slog.String("account_id", accountID),
		slog.String("remote_addr", r.RemoteAddr))

	summary, err := h.liquidator.ForceLiquidateAll(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown account "+accountID)
			return
		}
		h.logger.Error("liquidation failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "liquidation failed")
		return
	}

	status := http.StatusOK
	if summary.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, summary)
}
