// Package service joins quoting, strategy building and execution into the
// operations the HTTP API and the monitor expose, and keeps the durable
// records (positions, executions, receipts, audit log) in step with what
// actually confirmed on-chain.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/notify"
	"github.com/alanyoungcy/sentinel/internal/strategy"
)

// Quoter produces ranked quotes.
type Quoter interface {
	Quote(ctx context.Context, req domain.QuoteRequest) (domain.PositionQuote, error)
}

// Executor runs built strategies and exposes their live state.
type Executor interface {
	Execute(ctx context.Context, s *domain.BuiltStrategy) (domain.MultiTxResult, error)
	Cancel(executionID string) (domain.CancelState, error)
	InFlight(ctx context.Context, wallet string) (domain.ExecutionProgress, error)
}

// Stores groups the persistence collaborators. Receipts and Audit may be nil.
type Stores struct {
	Positions  domain.PositionStore
	Executions domain.ExecutionStore
	Receipts   domain.ReceiptArchiver
	Audit      domain.AuditStore
}

// PositionService opens and closes leveraged positions.
type PositionService struct {
	quotes   Quoter
	builder  *strategy.Builder
	exec     Executor
	stores   Stores
	notifier *notify.Notifier
	network  string
	logger   *slog.Logger

	closeSlippageBps int
}

// NewPositionService creates a PositionService. notifier may be nil.
func NewPositionService(
	quotes Quoter,
	builder *strategy.Builder,
	exec Executor,
	stores Stores,
	notifier *notify.Notifier,
	network string,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		quotes:   quotes,
		builder:  builder,
		exec:     exec,
		stores:   stores,
		notifier: notifier,
		network:  network,
		logger:   logger.With(slog.String("component", "position_service")),
	}
}

// SetCloseSlippage sets the tolerance used when a close request passes 0.
func (s *PositionService) SetCloseSlippage(bps int) {
	s.closeSlippageBps = bps
}

// Quote returns the ranked quotes for req.
func (s *PositionService) Quote(ctx context.Context, req domain.QuoteRequest) (domain.PositionQuote, error) {
	return s.quotes.Quote(ctx, req)
}

// Build quotes req and assembles the opening plan on id, or on the
// recommended venue when id is empty.
func (s *PositionService) Build(ctx context.Context, req domain.QuoteRequest, id domain.ProtocolID) (domain.BuiltStrategy, error) {
	pq, err := s.quotes.Quote(ctx, req)
	if err != nil {
		return domain.BuiltStrategy{}, err
	}
	if id == "" {
		if pq.BestQuote == nil {
			return domain.BuiltStrategy{}, &domain.QuoteError{Err: domain.ErrNoQuotes}
		}
		id = pq.BestQuote.Protocol
	}
	return s.builder.Build(pq, id)
}

// BuildAndExecute builds the opening plan and runs it. Execution is detached
// from ctx: once the first step is under way only Cancel stops it.
func (s *PositionService) BuildAndExecute(ctx context.Context, req domain.QuoteRequest, id domain.ProtocolID) (domain.BuiltStrategy, domain.MultiTxResult, error) {
	built, err := s.Build(ctx, req, id)
	if err != nil {
		return built, domain.MultiTxResult{}, err
	}
	res, err := s.exec.Execute(context.WithoutCancel(ctx), &built)
	return built, res, err
}

// Close unwinds an open position owned by wallet. A zero slippageBps uses the
// configured close default.
func (s *PositionService) Close(ctx context.Context, positionID, wallet string, slippageBps int) (domain.BuiltStrategy, domain.MultiTxResult, error) {
	if slippageBps == 0 {
		slippageBps = s.closeSlippageBps
	}
	pos, err := s.stores.Positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.BuiltStrategy{}, domain.MultiTxResult{}, fmt.Errorf("position_service: %w", err)
	}
	if wallet != "" && pos.Wallet != wallet {
		return domain.BuiltStrategy{}, domain.MultiTxResult{}, fmt.Errorf("position_service: position %s: %w", positionID, domain.ErrUnauthorized)
	}

	built, err := s.builder.BuildClose(pos, slippageBps)
	if err != nil {
		return built, domain.MultiTxResult{}, err
	}
	res, err := s.exec.Execute(context.WithoutCancel(ctx), &built)
	return built, res, err
}

// Cancel forwards to the executor.
func (s *PositionService) Cancel(executionID string) (domain.CancelState, error) {
	return s.exec.Cancel(executionID)
}

// InFlight returns the wallet's running execution.
func (s *PositionService) InFlight(ctx context.Context, wallet string) (domain.ExecutionProgress, error) {
	return s.exec.InFlight(ctx, wallet)
}

// Positions returns the wallet's open positions.
func (s *PositionService) Positions(ctx context.Context, wallet string) ([]domain.Position, error) {
	return s.stores.Positions.ListOpen(ctx, wallet)
}

// History returns the wallet's positions of any status.
func (s *PositionService) History(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error) {
	return s.stores.Positions.ListHistory(ctx, wallet, opts)
}

// Executions returns the wallet's recorded results.
func (s *PositionService) Executions(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.MultiTxResult, error) {
	return s.stores.Executions.ListByWallet(ctx, wallet, opts)
}

// Execution returns one recorded result.
func (s *PositionService) Execution(ctx context.Context, executionID string) (domain.MultiTxResult, error) {
	return s.stores.Executions.GetByID(ctx, executionID)
}

// Requote implements executor.Requoter. Only swap steps move with the
// market; the quote is re-run for the strategy's request and the step's
// minimum output recomputed from the fresh prices.
func (s *PositionService) Requote(ctx context.Context, built domain.BuiltStrategy, step domain.StrategyStep) (domain.StrategyStep, error) {
	if step.Type != domain.StepSwap || built.Kind != domain.StrategyOpen {
		return step, fmt.Errorf("position_service: requote %s step: %w", step.Type, domain.ErrUnsupported)
	}
	pq, err := s.quotes.Quote(ctx, built.Request)
	if err != nil {
		return step, fmt.Errorf("position_service: requote: %w", err)
	}
	fresh, err := s.builder.RequoteSwap(step, pq.CurrentPrices)
	if err != nil {
		return step, err
	}
	s.logger.InfoContext(ctx, "swap requoted",
		slog.String("strategy_id", built.ID),
		slog.String("old_min_out", step.Bounds.MinAmountOut.String()),
		slog.String("new_min_out", fresh.Bounds.MinAmountOut.String()),
	)
	return fresh, nil
}

// OnResult is registered as the coordinator's result hook, so resumed
// executions are recorded the same way as live ones.
func (s *PositionService) OnResult(ctx context.Context, built domain.BuiltStrategy, res *domain.MultiTxResult) {
	switch built.Kind {
	case domain.StrategyOpen:
		s.recordOpen(ctx, built, res)
	case domain.StrategyClose:
		pos, err := s.stores.Positions.GetByID(ctx, built.PositionID)
		if err != nil {
			s.logger.ErrorContext(ctx, "load closed position failed",
				slog.String("position_id", built.PositionID),
				slog.String("error", err.Error()),
			)
			break
		}
		s.recordClose(ctx, pos, res)
	}
	s.persist(ctx, *res)
}

// recordOpen creates the position when collateral reached the venue and was
// not compensated away.
func (s *PositionService) recordOpen(ctx context.Context, built domain.BuiltStrategy, res *domain.MultiTxResult) {
	if !res.Confirmed(domain.StepDeposit) || res.RolledBack || built.Quote == nil {
		return
	}
	req := built.Request
	q := built.Quote

	borrowed := decimal.Zero
	if res.Confirmed(domain.StepBorrow) {
		borrowed = built.PlannedBorrow()
	}
	hf := q.HealthFactor
	if borrowed.IsZero() {
		hf = 0
	}
	entry := 0.0
	if amt := req.CollateralAmount.InexactFloat64(); amt > 0 {
		entry = q.CollateralValueUSD / amt
	}

	pos := domain.Position{
		ID:                   uuid.NewString(),
		Wallet:               built.Wallet,
		Protocol:             built.Protocol,
		Network:              s.network,
		Status:               domain.PositionOpen,
		CollateralToken:      req.CollateralToken,
		CollateralAmount:     req.CollateralAmount,
		BorrowToken:          req.BorrowToken,
		BorrowAmount:         borrowed,
		Leverage:             req.Leverage,
		LiquidationThreshold: q.LiquidationThreshold,
		EntryPrice:           entry,
		LiquidationPrice:     q.LiquidationPrice,
		OpenHealthFactor:     hf,
		OpenExecutionID:      res.ExecutionID,
		OpenedAt:             res.FinishedAt,
	}
	if borrowed.IsZero() {
		pos.Leverage = 1
		pos.LiquidationPrice = 0
	}
	if err := s.stores.Positions.Create(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "create position failed",
			slog.String("execution_id", res.ExecutionID),
			slog.String("error", err.Error()),
		)
		return
	}
	res.PositionID = pos.ID
	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("wallet", pos.Wallet),
		slog.String("protocol", string(pos.Protocol)),
		slog.String("borrowed", borrowed.String()),
	)
}

// recordClose marks the position closed on success. A confirmed repay
// without the withdraw leaves an open, debt-free position.
func (s *PositionService) recordClose(ctx context.Context, pos domain.Position, res *domain.MultiTxResult) {
	res.PositionID = pos.ID
	switch {
	case res.Status == domain.ExecSucceeded:
		closed := res.FinishedAt
		pos.Status = domain.PositionClosed
		pos.CloseExecutionID = res.ExecutionID
		pos.ClosedAt = &closed
	case res.Confirmed(domain.StepRepay):
		pos.BorrowAmount = decimal.Zero
		pos.LiquidationPrice = 0
	default:
		return
	}
	if err := s.stores.Positions.Update(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "update position failed",
			slog.String("position_id", pos.ID),
			slog.String("execution_id", res.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

// persist records the result, archives the receipt, writes the audit row and
// alerts on unresolved outcomes. Each failure is logged only.
func (s *PositionService) persist(ctx context.Context, res domain.MultiTxResult) {
	log := s.logger.With(slog.String("execution_id", res.ExecutionID))

	var receipt string
	if s.stores.Receipts != nil {
		key, err := s.stores.Receipts.Archive(ctx, res)
		if err != nil {
			log.WarnContext(ctx, "archive receipt failed", slog.String("error", err.Error()))
		}
		receipt = key
	}
	if err := s.stores.Executions.Record(ctx, res); err != nil {
		log.ErrorContext(ctx, "record execution failed", slog.String("error", err.Error()))
	}
	if s.stores.Audit != nil {
		detail := map[string]any{
			"execution_id": res.ExecutionID,
			"strategy_id":  res.StrategyID,
			"wallet":       res.Wallet,
			"protocol":     string(res.Protocol),
			"status":       string(res.Status),
			"signatures":   res.Signatures(),
		}
		if res.PositionID != "" {
			detail["position_id"] = res.PositionID
		}
		if receipt != "" {
			detail["receipt"] = receipt
		}
		if res.Error != "" {
			detail["error"] = res.Error
		}
		if sigs := res.UnconfirmedSignatures(); len(sigs) > 0 {
			detail["unconfirmed_signatures"] = sigs
		}
		if err := s.stores.Audit.Log(ctx, "execution."+string(res.Kind), detail); err != nil {
			log.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	s.alert(ctx, res)
}

func (s *PositionService) alert(ctx context.Context, res domain.MultiTxResult) {
	var event string
	switch res.Status {
	case domain.ExecPartial:
		event = notify.EventPartial
	case domain.ExecFailed:
		event = notify.EventExecutionFailed
	default:
		return
	}
	msg := fmt.Sprintf("wallet %s on %s: %s strategy %s", res.Wallet, res.Protocol, res.Kind, res.Status)
	if res.Error != "" {
		msg += "\n" + res.Error
	}
	if sig := res.LastConfirmedSignature; sig != "" {
		msg += "\nlast confirmed: " + sig
	}
	if sigs := res.UnconfirmedSignatures(); len(sigs) > 0 {
		msg += "\nsubmitted, not confirmed: " + strings.Join(sigs, ", ")
	}
	if err := s.notifier.Notify(ctx, event, "Execution "+string(res.Status), msg); err != nil {
		s.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}
