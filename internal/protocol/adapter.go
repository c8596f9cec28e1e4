// Package protocol contains one adapter per lending venue. Each adapter
// fetches the venue's market data over REST and encodes the venue's
// instructions; the Registry selects adapters by protocol id.
package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// Adapter is the capability interface every lending venue implements.
// Build* methods return unsigned instruction payloads; their failures surface
// as StepExecutionErrors during execution, never while quoting.
type Adapter interface {
	ID() domain.ProtocolID
	Supports(collateral, borrow string) bool
	MarketData(ctx context.Context, token string) (domain.MarketData, error)
	BuildDeposit(ctx context.Context, wallet string, p domain.StepParams) (domain.Instruction, error)
	BuildBorrow(ctx context.Context, wallet string, p domain.StepParams) (domain.Instruction, error)
	BuildSwap(ctx context.Context, wallet string, p domain.StepParams) (domain.Instruction, error)
	BuildRepay(ctx context.Context, wallet string, p domain.StepParams) (domain.Instruction, error)
	BuildWithdraw(ctx context.Context, wallet string, p domain.StepParams) (domain.Instruction, error)
	BuildClose(ctx context.Context, pos domain.Position) ([]domain.Instruction, error)
}

// Options configures a venue adapter.
type Options struct {
	BaseURL       string
	ProgramID     string
	Timeout       time.Duration
	NetworkFeeUSD float64
	// Tokens overrides the venue's default listing.
	Tokens []string
	// Swap routes protective swaps. Nil disables BuildSwap.
	Swap *SwapRouter
}

// BuildStep dispatches a strategy step to the matching builder.
func BuildStep(ctx context.Context, a Adapter, wallet string, step domain.StrategyStep) (domain.Instruction, error) {
	var (
		ins domain.Instruction
		err error
	)
	switch step.Type {
	case domain.StepDeposit:
		ins, err = a.BuildDeposit(ctx, wallet, step.Params)
	case domain.StepBorrow:
		ins, err = a.BuildBorrow(ctx, wallet, step.Params)
	case domain.StepSwap:
		ins, err = a.BuildSwap(ctx, wallet, step.Params)
	case domain.StepRepay:
		ins, err = a.BuildRepay(ctx, wallet, step.Params)
	case domain.StepWithdraw:
		ins, err = a.BuildWithdraw(ctx, wallet, step.Params)
	default:
		err = domain.NewStepError(domain.ErrorClassUnknown, fmt.Errorf("%w step type %q", domain.ErrUnsupported, step.Type))
	}
	if err != nil {
		return domain.Instruction{}, fmt.Errorf("%s: build %s: %w", a.ID(), step.Type, err)
	}
	return ins, nil
}

// venue carries the behaviour shared by all lending adapters: listing
// checks, account layout and instruction assembly. Concrete adapters supply
// the market address and the data encoder.
type venue struct {
	id        domain.ProtocolID
	programID string
	market    string
	tokens    map[string]bool
	feeUSD    float64
	swap      *SwapRouter
	encode    func(kind domain.StepType, amount uint64) []byte
}

func newVenue(id domain.ProtocolID, market string, defaults []string, opts Options, encode func(domain.StepType, uint64) []byte) venue {
	list := opts.Tokens
	if len(list) == 0 {
		list = defaults
	}
	tokens := make(map[string]bool, len(list))
	for _, t := range list {
		tokens[t] = true
	}
	return venue{
		id:        id,
		programID: opts.ProgramID,
		market:    market,
		tokens:    tokens,
		feeUSD:    opts.NetworkFeeUSD,
		swap:      opts.Swap,
		encode:    encode,
	}
}

func (v *venue) ID() domain.ProtocolID { return v.id }

// Supports reports whether both tokens are listed and distinct.
func (v *venue) Supports(collateral, borrow string) bool {
	return collateral != borrow && v.tokens[collateral] && v.tokens[borrow]
}

func (v *venue) listed(token string) error {
	if !v.tokens[token] {
		return domain.NewValidationError("token", "%s is not listed on %s", token, v.id)
	}
	return nil
}

func (v *venue) instruction(kind domain.StepType, wallet string, p domain.StepParams) (domain.Instruction, error) {
	if err := v.listed(p.Token); err != nil {
		return domain.Instruction{}, domain.NewStepError(domain.ErrorClassUnknown, err)
	}
	amount, err := stepAmount(kind, p)
	if err != nil {
		return domain.Instruction{}, err
	}
	tok, _ := LookupToken(p.Token)
	return domain.Instruction{
		Protocol:        v.id,
		Program:         v.programID,
		Kind:            kind,
		Accounts:        []string{wallet, v.market, tok.Mint},
		Data:            v.encode(kind, amount),
		EstimatedFeeUSD: v.feeUSD,
	}, nil
}

func (v *venue) BuildDeposit(_ context.Context, wallet string, p domain.StepParams) (domain.Instruction, error) {
	return v.instruction(domain.StepDeposit, wallet, p)
}

func (v *venue) BuildBorrow(_ context.Context, wallet string, p domain.StepParams) (domain.Instruction, error) {
	return v.instruction(domain.StepBorrow, wallet, p)
}

func (v *venue) BuildRepay(_ context.Context, wallet string, p domain.StepParams) (domain.Instruction, error) {
	return v.instruction(domain.StepRepay, wallet, p)
}

func (v *venue) BuildWithdraw(_ context.Context, wallet string, p domain.StepParams) (domain.Instruction, error) {
	return v.instruction(domain.StepWithdraw, wallet, p)
}

// BuildSwap asks the swap router for a live route.
func (v *venue) BuildSwap(ctx context.Context, wallet string, p domain.StepParams) (domain.Instruction, error) {
	if v.swap == nil {
		return domain.Instruction{}, domain.NewStepError(domain.ErrorClassUnknown,
			fmt.Errorf("%w: no swap router configured for %s", domain.ErrUnsupported, v.id))
	}
	ins, err := v.swap.Build(ctx, wallet, p)
	if err != nil {
		return domain.Instruction{}, err
	}
	ins.Protocol = v.id
	ins.EstimatedFeeUSD += v.feeUSD
	return ins, nil
}

// BuildClose returns repay-all then withdraw-all for the position. Neither
// instruction trades against a price, so there is no slippage to encode; the
// close tolerance lives on the strategy's step bounds.
func (v *venue) BuildClose(ctx context.Context, pos domain.Position) ([]domain.Instruction, error) {
	if pos.Protocol != v.id {
		return nil, fmt.Errorf("%s: position %s belongs to %s", v.id, pos.ID, pos.Protocol)
	}
	repay, err := v.BuildRepay(ctx, pos.Wallet, domain.StepParams{Token: pos.BorrowToken})
	if err != nil {
		return nil, err
	}
	withdraw, err := v.BuildWithdraw(ctx, pos.Wallet, domain.StepParams{Token: pos.CollateralToken})
	if err != nil {
		return nil, err
	}
	return []domain.Instruction{repay, withdraw}, nil
}
