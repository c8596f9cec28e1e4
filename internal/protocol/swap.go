package protocol

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// SwapRouter quotes and encodes token swaps through an aggregator route API.
type SwapRouter struct {
	programID string
	rest      *restClient
}

// NewSwapRouter creates a router against baseURL (e.g. a Jupiter v6 quote API).
func NewSwapRouter(baseURL, programID string, timeout time.Duration) *SwapRouter {
	return &SwapRouter{
		programID: programID,
		rest:      newRESTClient("swap", baseURL, timeout),
	}
}

// SwapQuote is a live route quote. Amounts are in token units.
type SwapQuote struct {
	InAmount       decimal.Decimal
	OutAmount      decimal.Decimal
	MinAmountOut   decimal.Decimal
	SlippageBps    int
	PriceImpactPct float64
}

type apiSwapQuote struct {
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
}

// Quote fetches a route for swapping amount of from into to.
func (r *SwapRouter) Quote(ctx context.Context, from, to string, amount decimal.Decimal, slippageBps int) (SwapQuote, error) {
	in, ok := LookupToken(from)
	if !ok {
		return SwapQuote{}, domain.NewValidationError("token", "unknown token %q", from)
	}
	out, ok := LookupToken(to)
	if !ok {
		return SwapQuote{}, domain.NewValidationError("to_token", "unknown token %q", to)
	}
	raw, err := baseUnits(amount, in.Decimals)
	if err != nil {
		return SwapQuote{}, err
	}

	var q apiSwapQuote
	err = r.rest.getJSON(ctx, "/quote", map[string]string{
		"inputMint":   in.Mint,
		"outputMint":  out.Mint,
		"amount":      strconv.FormatUint(raw, 10),
		"slippageBps": strconv.Itoa(slippageBps),
	}, &q)
	if err != nil {
		return SwapQuote{}, fmt.Errorf("swap: quote %s->%s: %w", from, to, err)
	}

	outAmt, err := decimal.NewFromString(q.OutAmount)
	if err != nil {
		return SwapQuote{}, fmt.Errorf("swap: parse outAmount %q: %w", q.OutAmount, err)
	}
	minOut, err := decimal.NewFromString(q.OtherAmountThreshold)
	if err != nil {
		return SwapQuote{}, fmt.Errorf("swap: parse otherAmountThreshold %q: %w", q.OtherAmountThreshold, err)
	}
	impact, _ := strconv.ParseFloat(q.PriceImpactPct, 64)

	return SwapQuote{
		InAmount:       amount,
		OutAmount:      outAmt.Shift(-out.Decimals),
		MinAmountOut:   minOut.Shift(-out.Decimals),
		SlippageBps:    q.SlippageBps,
		PriceImpactPct: impact,
	}, nil
}

// Build quotes a route and encodes the swap instruction. The instruction's
// MinAmountOut is what the coordinator checks against the step bounds.
func (r *SwapRouter) Build(ctx context.Context, wallet string, p domain.StepParams) (domain.Instruction, error) {
	if p.ToToken == "" {
		return domain.Instruction{}, domain.NewStepError(domain.ErrorClassUnknown, fmt.Errorf("swap: missing to_token"))
	}
	q, err := r.Quote(ctx, p.Token, p.ToToken, p.Amount, p.SlippageBps)
	if err != nil {
		if domain.IsValidation(err) {
			return domain.Instruction{}, domain.NewStepError(domain.ErrorClassUnknown, err)
		}
		return domain.Instruction{}, err
	}
	in, _ := LookupToken(p.Token)
	out, _ := LookupToken(p.ToToken)
	rawIn, err := baseUnits(p.Amount, in.Decimals)
	if err != nil {
		return domain.Instruction{}, domain.NewStepError(domain.ErrorClassUnknown, err)
	}
	rawMin, err := baseUnits(q.MinAmountOut, out.Decimals)
	if err != nil {
		return domain.Instruction{}, domain.NewStepError(domain.ErrorClassUnknown, err)
	}
	return domain.Instruction{
		Program:      r.programID,
		Kind:         domain.StepSwap,
		Accounts:     []string{wallet, in.Mint, out.Mint},
		Data:         anchorData("route", rawIn, rawMin, uint64(p.SlippageBps)),
		MinAmountOut: q.MinAmountOut,
	}, nil
}
