package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProtocolID identifies a lending venue.
type ProtocolID string

const (
	ProtocolKamino   ProtocolID = "kamino"
	ProtocolMarginfi ProtocolID = "marginfi"
	ProtocolSolend   ProtocolID = "solend"
)

// SwapIntent asks for the borrowed asset to be swapped after the borrow step,
// e.g. rotating into a stable asset as a protective measure.
type SwapIntent struct {
	ToToken     string `json:"to_token"`
	SlippageBps int    `json:"slippage_bps"`
}

// QuoteRequest is a user's desired leveraged position. It is immutable once
// created and never persisted.
type QuoteRequest struct {
	Wallet           string          `json:"wallet"`
	CollateralToken  string          `json:"collateral_token"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	BorrowToken      string          `json:"borrow_token"`
	Leverage         float64         `json:"leverage"`
	Protocols        []ProtocolID    `json:"protocols,omitempty"`
	ProtectiveSwap   *SwapIntent     `json:"protective_swap,omitempty"`
}

// WantsProtocol reports whether the request's optional filter admits p.
func (r QuoteRequest) WantsProtocol(p ProtocolID) bool {
	if len(r.Protocols) == 0 {
		return true
	}
	for _, want := range r.Protocols {
		if want == p {
			return true
		}
	}
	return false
}

// MarketData is one venue's lending parameters for a single token.
type MarketData struct {
	Protocol             ProtocolID `json:"protocol"`
	Token                string     `json:"token"`
	SupplyAPY            float64    `json:"supply_apy"`
	BorrowAPY            float64    `json:"borrow_apy"`
	MaxLTV               float64    `json:"max_ltv"`
	LiquidationThreshold float64    `json:"liquidation_threshold"`
	LiquidationPenalty   float64    `json:"liquidation_penalty"`
	Utilization          float64    `json:"utilization"`
	BorrowFeeBps         float64    `json:"borrow_fee_bps"`
	FetchedAt            time.Time  `json:"fetched_at"`
}

// QuoteFees is the estimated cost of opening a quoted position.
type QuoteFees struct {
	OriginationUSD float64 `json:"origination_usd"`
	NetworkUSD     float64 `json:"network_usd"`
	TotalUSD       float64 `json:"total_usd"`
}

// ProtocolQuote is one protocol's offer for a request. Computed fresh per
// request and never mutated after ranking.
type ProtocolQuote struct {
	Protocol             ProtocolID      `json:"protocol"`
	SupplyAPY            float64         `json:"supply_apy"`
	BorrowAPY            float64         `json:"borrow_apy"`
	NetAPY               float64         `json:"net_apy"`
	MaxLTV               float64         `json:"max_ltv"`
	LiquidationThreshold float64         `json:"liquidation_threshold"`
	LiquidationPenalty   float64         `json:"liquidation_penalty"`
	LiquidationPrice     float64         `json:"liquidation_price"`
	HealthFactor         float64         `json:"health_factor"`
	BorrowAmount         decimal.Decimal `json:"borrow_amount"`
	CollateralValueUSD   float64         `json:"collateral_value_usd"`
	BorrowValueUSD       float64         `json:"borrow_value_usd"`
	TotalPositionValue   float64         `json:"total_position_value"`
	CascadeProbability   float64         `json:"cascade_probability"`
	RiskScore            float64         `json:"risk_score"`
	Fees                 QuoteFees       `json:"fees"`
	BelowSafetyThreshold bool            `json:"below_safety_threshold"`
	IsRecommended        bool            `json:"is_recommended"`
	RecommendationReason string          `json:"recommendation_reason,omitempty"`
	QuotedAt             time.Time       `json:"quoted_at"`
}

// AdapterFailure records why a venue was dropped from a quote batch.
type AdapterFailure struct {
	Protocol ProtocolID `json:"protocol"`
	Reason   string     `json:"reason"`
}

// PositionQuote is the ranked batch of ProtocolQuotes for one request.
type PositionQuote struct {
	Request       QuoteRequest       `json:"request"`
	Quotes        []ProtocolQuote    `json:"quotes"`
	BestQuote     *ProtocolQuote     `json:"best_quote,omitempty"`
	CurrentPrices map[string]float64 `json:"current_prices"`
	Volatility    float64            `json:"volatility"`
	Diagnostics   []AdapterFailure   `json:"diagnostics,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// QuoteFor returns the quote for protocol p, if present.
func (q PositionQuote) QuoteFor(p ProtocolID) (ProtocolQuote, bool) {
	for _, pq := range q.Quotes {
		if pq.Protocol == p {
			return pq, true
		}
	}
	return ProtocolQuote{}, false
}
