package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// ExecutionService is what the execution endpoints need.
type ExecutionService interface {
	InFlight(ctx context.Context, wallet string) (domain.ExecutionProgress, error)
	Cancel(executionID string) (domain.CancelState, error)
	Execution(ctx context.Context, executionID string) (domain.MultiTxResult, error)
	Executions(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.MultiTxResult, error)
}

// ExecutionHandler serves live and recorded executions.
type ExecutionHandler struct {
	executions ExecutionService
	logger     *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(executions ExecutionService, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{executions: executions, logger: logger.With(slog.String("handler", "execution"))}
}

type cancelResponse struct {
	ExecutionID string             `json:"execution_id"`
	State       domain.CancelState `json:"state"`
}

type listExecutionsResponse struct {
	Executions []domain.MultiTxResult `json:"executions"`
}

// InFlight returns the wallet's running execution.
// GET /api/executions/{wallet}/inflight
func (h *ExecutionHandler) InFlight(w http.ResponseWriter, r *http.Request) {
	p, err := h.executions.InFlight(r.Context(), r.PathValue("wallet"))
	if err != nil {
		writeServiceError(w, r, h.logger, "in-flight execution", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Cancel requests cancellation of a running execution.
// POST /api/executions/{id}/cancel
func (h *ExecutionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := h.executions.Cancel(id)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel execution", err)
		return
	}
	writeJSON(w, http.StatusAccepted, cancelResponse{ExecutionID: id, State: state})
}

// GetExecution returns one recorded result.
// GET /api/executions/{id}
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	res, err := h.executions.Execution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get execution", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListExecutions returns a wallet's recorded results, newest first.
// GET /api/executions?wallet=...&limit=50&offset=0
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter required")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.executions.Executions(r.Context(), wallet, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list executions", err)
		return
	}
	if list == nil {
		list = []domain.MultiTxResult{}
	}
	writeJSON(w, http.StatusOK, listExecutionsResponse{Executions: list})
}
