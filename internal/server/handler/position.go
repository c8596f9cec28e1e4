package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// PositionService is what the position endpoints need from the service
// layer.
type PositionService interface {
	Quote(ctx context.Context, req domain.QuoteRequest) (domain.PositionQuote, error)
	BuildAndExecute(ctx context.Context, req domain.QuoteRequest, id domain.ProtocolID) (domain.BuiltStrategy, domain.MultiTxResult, error)
	Close(ctx context.Context, positionID, wallet string, slippageBps int) (domain.BuiltStrategy, domain.MultiTxResult, error)
	Positions(ctx context.Context, wallet string) ([]domain.Position, error)
	History(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves quoting, opening, closing and listing positions.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger.With(slog.String("handler", "position"))}
}

// executeRequest is a QuoteRequest plus an optional venue choice.
type executeRequest struct {
	domain.QuoteRequest
	Protocol domain.ProtocolID `json:"protocol,omitempty"`
}

type closeRequest struct {
	Wallet      string `json:"wallet"`
	SlippageBps int    `json:"slippage_bps"`
}

// executionResponse pairs the plan with what happened on-chain.
type executionResponse struct {
	Strategy domain.BuiltStrategy `json:"strategy"`
	Result   domain.MultiTxResult `json:"result"`
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// Quote returns ranked quotes across venues.
// POST /api/quote
func (h *PositionHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req domain.QuoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pq, err := h.positions.Quote(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, pq)
}

// Execute builds and runs an opening strategy. A PARTIAL or FAILED run is
// still a 200; the result says what landed.
// POST /api/execute
func (h *PositionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	built, res, err := h.positions.BuildAndExecute(r.Context(), req.QuoteRequest, req.Protocol)
	if err != nil {
		writeServiceError(w, r, h.logger, "execute", err)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{Strategy: built, Result: res})
}

// Close unwinds an open position.
// POST /api/positions/{id}/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req closeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet is required")
		return
	}
	built, res, err := h.positions.Close(r.Context(), id, req.Wallet, req.SlippageBps)
	if err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{Strategy: built, Result: res})
}

// ListPositions returns a wallet's open positions, or its full history with
// status=all.
// GET /api/positions?wallet=...&status=all&limit=50&offset=0
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter required")
		return
	}

	var (
		positions []domain.Position
		err       error
	)
	if r.URL.Query().Get("status") == "all" {
		opts, perr := parseListOpts(r)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		positions, err = h.positions.History(r.Context(), wallet, opts)
	} else {
		positions, err = h.positions.Positions(r.Context(), wallet)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
