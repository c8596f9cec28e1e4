// Package strategy turns a chosen quote into an ordered, validated execution
// plan, and an open position into its closing plan.
package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/protocol"
)

// Options are the builder's limits and the recovery settings it attaches to
// every step.
type Options struct {
	MinLeverage      float64
	MaxLeverage      float64
	MinCollateralUSD float64
	MinHealthFactor  float64
	MaxSlippageBps   int
	QuoteMaxAge      time.Duration
	MaxFeeUSD        float64
	MaxRetries       int
	Backoff          domain.BackoffPolicy
	OnFailure        domain.FailureMode
}

// OptionsFromConfig maps the [strategy] config section.
func OptionsFromConfig(c config.StrategyConfig) Options {
	return Options{
		MinLeverage:      c.MinLeverage,
		MaxLeverage:      c.MaxLeverage,
		MinCollateralUSD: c.MinCollateralUSD,
		MinHealthFactor:  c.MinHealthFactor,
		MaxSlippageBps:   c.MaxSlippageBps,
		QuoteMaxAge:      c.QuoteMaxAge.Duration,
		MaxFeeUSD:        c.MaxFeeUSD,
		MaxRetries:       c.MaxRetries,
		Backoff: domain.BackoffPolicy{
			Base:       c.BackoffBase.Duration,
			Max:        c.BackoffMax.Duration,
			Multiplier: c.BackoffMultiplier,
		},
		OnFailure: domain.FailureMode(c.OnFailure),
	}
}

// Builder validates quotes and assembles strategies.
type Builder struct {
	registry *protocol.Registry
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewBuilder creates a Builder.
func NewBuilder(registry *protocol.Registry, opts Options, logger *slog.Logger) *Builder {
	if opts.OnFailure == "" {
		opts.OnFailure = domain.FailureRollback
	}
	return &Builder{
		registry: registry,
		opts:     opts,
		logger:   logger.With(slog.String("component", "strategy_builder")),
		now:      time.Now,
	}
}

// Options returns the builder's limits.
func (b *Builder) Options() Options { return b.opts }

type issues []domain.ValidationIssue

func (is *issues) add(field, format string, args ...any) {
	*is = append(*is, domain.ValidationIssue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (is issues) result() domain.ValidationResult {
	return domain.ValidationResult{Valid: len(is) == 0, Issues: is}
}

// Validate checks a quote against the request and the builder's limits. All
// failed checks are reported, not only the first.
func (b *Builder) Validate(q domain.ProtocolQuote, req domain.QuoteRequest) domain.ValidationResult {
	var is issues

	if req.Leverage < b.opts.MinLeverage {
		is.add("leverage", "%.2f is below the minimum %.2f", req.Leverage, b.opts.MinLeverage)
	}
	if b.opts.MaxLeverage > 0 && req.Leverage > b.opts.MaxLeverage {
		is.add("leverage", "%.2f exceeds the maximum %.2f", req.Leverage, b.opts.MaxLeverage)
	}
	if q.CollateralValueUSD < b.opts.MinCollateralUSD {
		is.add("collateral_amount", "collateral worth $%.2f is below the minimum $%.2f", q.CollateralValueUSD, b.opts.MinCollateralUSD)
	}

	if !req.WantsProtocol(q.Protocol) {
		is.add("protocol", "%s is excluded by the request filter", q.Protocol)
	} else if a, err := b.registry.Get(q.Protocol); err != nil {
		is.add("protocol", "%s is not available", q.Protocol)
	} else if !a.Supports(req.CollateralToken, req.BorrowToken) {
		is.add("protocol", "%s does not support %s/%s", q.Protocol, req.CollateralToken, req.BorrowToken)
	}

	if q.HealthFactor < b.opts.MinHealthFactor {
		is.add("health_factor", "%.3f is below the minimum %.3f", q.HealthFactor, b.opts.MinHealthFactor)
	}
	if b.opts.QuoteMaxAge > 0 {
		if age := b.now().Sub(q.QuotedAt); age > b.opts.QuoteMaxAge {
			is.add("quote", "quote is stale (%s old, max %s)", age.Round(time.Second), b.opts.QuoteMaxAge)
		}
	}
	if !q.BorrowAmount.IsPositive() {
		is.add("borrow_amount", "quote borrows nothing")
	}

	if sw := req.ProtectiveSwap; sw != nil {
		switch {
		case sw.ToToken == "":
			is.add("protective_swap.to_token", "required")
		case sw.ToToken == req.BorrowToken:
			is.add("protective_swap.to_token", "must differ from the borrow token %s", req.BorrowToken)
		default:
			if _, ok := protocol.LookupToken(sw.ToToken); !ok {
				is.add("protective_swap.to_token", "unknown token %s", sw.ToToken)
			}
		}
		if sw.SlippageBps <= 0 || sw.SlippageBps > b.opts.MaxSlippageBps {
			is.add("protective_swap.slippage_bps", "%d must be in (0, %d]", sw.SlippageBps, b.opts.MaxSlippageBps)
		}
	}

	return is.result()
}

// Build validates the chosen protocol's quote from pq and returns the opening
// plan: deposit, borrow and an optional protective swap. The borrow step's
// amount is the quote's BorrowAmount. When validation fails the returned
// strategy carries the issues, has no steps, and the error is a
// *domain.ValidationError.
func (b *Builder) Build(pq domain.PositionQuote, id domain.ProtocolID) (domain.BuiltStrategy, error) {
	req := pq.Request
	s := domain.BuiltStrategy{
		ID:       uuid.NewString(),
		Kind:     domain.StrategyOpen,
		Wallet:   req.Wallet,
		Protocol: id,
		Request:  req,
		BuiltAt:  b.now(),
	}

	q, ok := pq.QuoteFor(id)
	if !ok {
		s.Validation = domain.ValidationResult{Issues: []domain.ValidationIssue{{
			Field: "protocol", Message: fmt.Sprintf("no quote for %s", id),
		}}}
		return s, s.Validation.Err()
	}
	s.Quote = &q

	s.Validation = b.Validate(q, req)
	if !s.Validation.Valid {
		b.logger.Info("strategy rejected",
			slog.String("wallet", req.Wallet),
			slog.String("protocol", string(id)),
			slog.Int("issues", len(s.Validation.Issues)),
		)
		return s, s.Validation.Err()
	}

	recovery := b.recovery(b.opts.OnFailure)
	bounds := domain.StepBounds{MaxFeeUSD: b.opts.MaxFeeUSD, MaxSlippageBps: b.opts.MaxSlippageBps}

	s.Steps = []domain.StrategyStep{
		{
			Type:     domain.StepDeposit,
			Protocol: id,
			Params:   domain.StepParams{Token: req.CollateralToken, Amount: req.CollateralAmount},
		},
		{
			Type:     domain.StepBorrow,
			Protocol: id,
			Params:   domain.StepParams{Token: req.BorrowToken, Amount: q.BorrowAmount},
		},
	}
	if sw := req.ProtectiveSwap; sw != nil {
		swapBounds := bounds
		swapBounds.MaxSlippageBps = sw.SlippageBps
		swapBounds.MinAmountOut = minAmountOut(q.BorrowAmount, pq.CurrentPrices[req.BorrowToken], pq.CurrentPrices[sw.ToToken], sw.ToToken, sw.SlippageBps)
		s.Steps = append(s.Steps, domain.StrategyStep{
			Type:     domain.StepSwap,
			Protocol: id,
			Params: domain.StepParams{
				Token:       req.BorrowToken,
				Amount:      q.BorrowAmount,
				ToToken:     sw.ToToken,
				SlippageBps: sw.SlippageBps,
			},
			Bounds: swapBounds,
		})
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		st.Index = i
		st.DependsOn = i - 1
		st.Recovery = recovery
		st.Status = domain.StepPending
		if st.Type != domain.StepSwap {
			st.Bounds = bounds
		}
	}

	b.logger.Info("strategy built",
		slog.String("strategy_id", s.ID),
		slog.String("wallet", s.Wallet),
		slog.String("protocol", string(id)),
		slog.Int("steps", len(s.Steps)),
		slog.String("borrow", q.BorrowAmount.String()),
	)
	return s, nil
}

// BuildClose returns the plan that unwinds pos: repay the full debt, then
// withdraw the full collateral. Zero amounts mean "everything" to the
// adapters, which covers interest accrued since opening.
func (b *Builder) BuildClose(pos domain.Position, slippageBps int) (domain.BuiltStrategy, error) {
	var is issues
	if pos.Status != domain.PositionOpen {
		is.add("position", "%s is %s, not OPEN", pos.ID, pos.Status)
	}
	if _, err := b.registry.Get(pos.Protocol); err != nil {
		is.add("protocol", "%s is not available", pos.Protocol)
	}
	if slippageBps < 0 || slippageBps > b.opts.MaxSlippageBps {
		is.add("slippage_bps", "%d must be in [0, %d]", slippageBps, b.opts.MaxSlippageBps)
	}

	s := domain.BuiltStrategy{
		ID:         uuid.NewString(),
		Kind:       domain.StrategyClose,
		Wallet:     pos.Wallet,
		Protocol:   pos.Protocol,
		PositionID: pos.ID,
		Validation: is.result(),
		BuiltAt:    b.now(),
	}
	if !s.Validation.Valid {
		return s, s.Validation.Err()
	}

	// Nothing undoes a repay, so a failed close stays partial.
	recovery := b.recovery(domain.FailureLeavePartial)
	bounds := domain.StepBounds{MaxFeeUSD: b.opts.MaxFeeUSD, MaxSlippageBps: slippageBps}
	s.Steps = []domain.StrategyStep{
		{
			Index:     0,
			Type:      domain.StepRepay,
			Protocol:  pos.Protocol,
			Params:    domain.StepParams{Token: pos.BorrowToken},
			DependsOn: -1,
			Recovery:  recovery,
			Bounds:    bounds,
			Status:    domain.StepPending,
		},
		{
			Index:     1,
			Type:      domain.StepWithdraw,
			Protocol:  pos.Protocol,
			Params:    domain.StepParams{Token: pos.CollateralToken},
			DependsOn: 0,
			Recovery:  recovery,
			Bounds:    bounds,
			Status:    domain.StepPending,
		},
	}
	return s, nil
}

// RequoteSwap re-derives a swap step's minimum output from fresh prices. The
// input amount and slippage are kept; only the bound moves with the market.
func (b *Builder) RequoteSwap(step domain.StrategyStep, prices map[string]float64) (domain.StrategyStep, error) {
	if step.Type != domain.StepSwap {
		return step, fmt.Errorf("strategy: requote %s step: %w", step.Type, domain.ErrUnsupported)
	}
	p := step.Params
	out := minAmountOut(p.Amount, prices[p.Token], prices[p.ToToken], p.ToToken, p.SlippageBps)
	if out.IsZero() {
		return step, domain.NewValidationError("prices", "no price for %s or %s", p.Token, p.ToToken)
	}
	step.Bounds.MinAmountOut = out
	return step, nil
}

func (b *Builder) recovery(mode domain.FailureMode) domain.RecoveryConfig {
	return domain.RecoveryConfig{
		RetryableClasses: []domain.ErrorClass{
			domain.ErrorClassTransient,
			domain.ErrorClassBlockhashExpired,
			domain.ErrorClassSlippageExceeded,
		},
		MaxRetries: b.opts.MaxRetries,
		Backoff:    b.opts.Backoff,
		OnFailure:  mode,
	}
}

// minAmountOut is the least the swap may return at quote-time prices after
// slippage. It is zero when either price is unknown.
func minAmountOut(amount decimal.Decimal, fromPrice, toPrice float64, toToken string, slippageBps int) decimal.Decimal {
	if fromPrice <= 0 || toPrice <= 0 {
		return decimal.Zero
	}
	out := amount.
		Mul(decimal.NewFromFloat(fromPrice)).
		Div(decimal.NewFromFloat(toPrice)).
		Mul(decimal.NewFromInt(int64(10_000 - slippageBps))).
		Div(decimal.NewFromInt(10_000))
	places := int32(9)
	if tok, ok := protocol.LookupToken(toToken); ok {
		places = tok.Decimals
	}
	return out.Truncate(places)
}
