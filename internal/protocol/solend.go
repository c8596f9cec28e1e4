package protocol

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

const solendMainPool = "4UpD2fh7xH3VP9QQaXtsS1YY3bxzWhtfpks7FatyKvdY"

var solendTokens = []string{"SOL", "USDC", "USDT", "MSOL"}

// Solend is a native program; instructions are selected by a tag byte.
const (
	solendTagBorrow   byte = 10
	solendTagRepay    byte = 11
	solendTagDeposit  byte = 14
	solendTagWithdraw byte = 15
)

// wad is Solend's fixed-point scale.
var wad = decimal.New(1, 18)

// SolendAdapter quotes and builds instructions for Solend (Save).
type SolendAdapter struct {
	venue
	rest *restClient
}

// NewSolendAdapter creates a Solend adapter.
func NewSolendAdapter(opts Options) *SolendAdapter {
	return &SolendAdapter{
		venue: newVenue(domain.ProtocolSolend, solendMainPool, solendTokens, opts, solendEncode),
		rest:  newRESTClient("solend", opts.BaseURL, opts.Timeout),
	}
}

type solendReserveResult struct {
	Reserve struct {
		Address   string `json:"address"`
		Liquidity struct {
			Symbol      string  `json:"symbol"`
			Utilization float64 `json:"utilization"`
		} `json:"liquidity"`
		Config struct {
			LoanToValueRatio     float64 `json:"loanToValueRatio"`
			LiquidationThreshold float64 `json:"liquidationThreshold"`
			LiquidationBonus     float64 `json:"liquidationBonus"`
			BorrowFeeWad         string  `json:"borrowFeeWad"`
		} `json:"config"`
	} `json:"reserve"`
	Rates struct {
		SupplyInterest string `json:"supplyInterest"`
		BorrowInterest string `json:"borrowInterest"`
	} `json:"rates"`
}

type solendReservesResponse struct {
	Results []solendReserveResult `json:"results"`
}

// toDomain converts Solend's percentages and wad-scaled fee.
func (r solendReserveResult) toDomain(now time.Time) (domain.MarketData, error) {
	supply, err := strconv.ParseFloat(r.Rates.SupplyInterest, 64)
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("parse supplyInterest %q: %w", r.Rates.SupplyInterest, err)
	}
	borrow, err := strconv.ParseFloat(r.Rates.BorrowInterest, 64)
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("parse borrowInterest %q: %w", r.Rates.BorrowInterest, err)
	}
	feeBps := 0.0
	if r.Reserve.Config.BorrowFeeWad != "" {
		fee, err := decimal.NewFromString(r.Reserve.Config.BorrowFeeWad)
		if err != nil {
			return domain.MarketData{}, fmt.Errorf("parse borrowFeeWad %q: %w", r.Reserve.Config.BorrowFeeWad, err)
		}
		feeBps = fee.Div(wad).Shift(4).InexactFloat64()
	}
	cfg := r.Reserve.Config
	return domain.MarketData{
		Protocol:             domain.ProtocolSolend,
		Token:                r.Reserve.Liquidity.Symbol,
		SupplyAPY:            supply / 100,
		BorrowAPY:            borrow / 100,
		MaxLTV:               cfg.LoanToValueRatio / 100,
		LiquidationThreshold: cfg.LiquidationThreshold / 100,
		LiquidationPenalty:   cfg.LiquidationBonus / 100,
		Utilization:          r.Reserve.Liquidity.Utilization,
		BorrowFeeBps:         feeBps,
		FetchedAt:            now,
	}, nil
}

// MarketData returns the reserve parameters for token.
func (s *SolendAdapter) MarketData(ctx context.Context, token string) (domain.MarketData, error) {
	if err := s.listed(token); err != nil {
		return domain.MarketData{}, err
	}
	var resp solendReservesResponse
	err := s.rest.getJSON(ctx, "/v1/reserves", map[string]string{"scope": "all", "pool": s.market}, &resp)
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("solend: market data %s: %w", token, err)
	}
	for _, r := range resp.Results {
		if r.Reserve.Liquidity.Symbol != token {
			continue
		}
		m, err := r.toDomain(time.Now())
		if err != nil {
			return domain.MarketData{}, fmt.Errorf("solend: reserve %s: %w", r.Reserve.Address, err)
		}
		return m, nil
	}
	return domain.MarketData{}, fmt.Errorf("solend: reserve for %s: %w", token, domain.ErrNotFound)
}

func solendEncode(kind domain.StepType, amount uint64) []byte {
	switch kind {
	case domain.StepDeposit:
		return taggedData(solendTagDeposit, amount)
	case domain.StepBorrow:
		return taggedData(solendTagBorrow, amount)
	case domain.StepRepay:
		return taggedData(solendTagRepay, amount)
	case domain.StepWithdraw:
		return taggedData(solendTagWithdraw, amount)
	}
	return nil
}
