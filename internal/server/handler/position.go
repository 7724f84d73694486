package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// PositionHandler serves position and trade queries straight from the
// persistent stores, so the ops surface works even while an account worker
// is down.
type PositionHandler struct {
	positions domain.PositionStore
	trades    domain.TradeStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions domain.PositionStore, trades domain.TradeStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		trades:    trades,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

// ListPositions returns the open positions for one account.
// GET /api/positions?account_id=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id query parameter is required")
		return
	}

	positions, err := h.positions.GetOpen(r.Context(), accountID)
	if err != nil {
		h.logger.Error("list positions failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"count":      len(positions),
		"positions":  positions,
	})
}

// ListTrades returns the most recent completed trades for one account.
// GET /api/trades?account_id=...&limit=50
func (h *PositionHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id query parameter is required")
		return
	}

	trades, err := h.trades.ListRecent(r.Context(), accountID, parseLimit(r))
	if err != nil {
		h.logger.Error("list trades failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"count":      len(trades),
		"trades":     trades,
	})
}
