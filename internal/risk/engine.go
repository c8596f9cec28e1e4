// Package risk implements the pure liquidation-risk model used to score
// quotes and snapshot open positions. Nothing in this package performs I/O.
//
// Formulas, with CV the collateral value and BV the borrow value in USD:
//
//	BV         = (leverage - 1) * CV, rejected when BV/CV > maxLTV
//	HF         = CV * LT / BV                 (MaxHealthFactor when BV == 0)
//	liqPrice   = BV / (collateralAmount * LT) (0 when BV == 0)
//	cascade    = 1 - exp(-K * (1/HF)^E * (1 + W*HVIX)), clamped to [0, 1]
//	ttl        = (price - liqPrice) / -trend hours (NoLiquidationHorizon when trend >= 0)
//	riskScore  = 100 * (wd*min(1, 1/HF) + wc*cascade + wt/(1 + ttlHours/horizon)) / (wd + wc + wt)
//	netAPY     = supplyAPY*leverage - borrowAPY*(leverage - 1)
package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
)

// MaxHealthFactor is returned when a position carries no debt. It stays a
// finite float so quotes remain JSON encodable.
const MaxHealthFactor = math.MaxFloat64

// NoLiquidationHorizon is returned by TimeToLiquidation when the price trend
// is flat or moving away from the liquidation price.
const NoLiquidationHorizon = time.Duration(math.MaxInt64)

// borrowDecimals is the precision at which borrow amounts are truncated.
const borrowDecimals = 9

// Params holds every tunable coefficient of the model.
type Params struct {
	// SafetyThreshold is the health factor below which a quote is flagged.
	SafetyThreshold float64
	// Cascade curve.
	CascadeK         float64
	CascadeExponent  float64
	VolatilityWeight float64
	// Score weights.
	DebtWeight    float64
	CascadeWeight float64
	TTLWeight     float64
	// HorizonHours normalises time-to-liquidation in the score.
	HorizonHours float64
}

// DefaultParams returns the coefficients used when nothing is configured.
func DefaultParams() Params {
	return Params{
		SafetyThreshold:  1.2,
		CascadeK:         0.5,
		CascadeExponent:  3,
		VolatilityWeight: 0.02,
		DebtWeight:       0.5,
		CascadeWeight:    0.3,
		TTLWeight:        0.2,
		HorizonHours:     72,
	}
}

// ParamsFromConfig maps the [risk] section plus the quote safety threshold.
func ParamsFromConfig(r config.RiskConfig, safetyThreshold float64) Params {
	return Params{
		SafetyThreshold:  safetyThreshold,
		CascadeK:         r.CascadeK,
		CascadeExponent:  r.CascadeExponent,
		VolatilityWeight: r.VolatilityWeight,
		DebtWeight:       r.DebtWeight,
		CascadeWeight:    r.CascadeWeight,
		TTLWeight:        r.TTLWeight,
		HorizonHours:     r.HorizonHours,
	}
}

// Engine evaluates the risk model for a fixed set of Params.
type Engine struct {
	p Params
}

// NewEngine creates an Engine. Zero-valued coefficients fall back to
// DefaultParams.
func NewEngine(p Params) *Engine {
	d := DefaultParams()
	if p.SafetyThreshold <= 0 {
		p.SafetyThreshold = d.SafetyThreshold
	}
	if p.CascadeK <= 0 {
		p.CascadeK = d.CascadeK
	}
	if p.CascadeExponent <= 0 {
		p.CascadeExponent = d.CascadeExponent
	}
	if p.VolatilityWeight <= 0 {
		p.VolatilityWeight = d.VolatilityWeight
	}
	if p.DebtWeight+p.CascadeWeight+p.TTLWeight <= 0 {
		p.DebtWeight, p.CascadeWeight, p.TTLWeight = d.DebtWeight, d.CascadeWeight, d.TTLWeight
	}
	if p.HorizonHours <= 0 {
		p.HorizonHours = d.HorizonHours
	}
	return &Engine{p: p}
}

// Params returns the effective coefficients.
func (e *Engine) Params() Params { return e.p }

// SafetyThreshold returns the health factor below which quotes are flagged.
func (e *Engine) SafetyThreshold() float64 { return e.p.SafetyThreshold }

// BorrowValue returns the USD value to borrow for the requested leverage. A
// request whose implied loan-to-value exceeds maxLTV is rejected, never
// clamped.
func BorrowValue(collateralValue, leverage, maxLTV float64) (float64, error) {
	if collateralValue <= 0 {
		return 0, domain.NewValidationError("collateral_amount", "collateral value must be positive, got %.2f", collateralValue)
	}
	if leverage < 1 || math.IsNaN(leverage) || math.IsInf(leverage, 0) {
		return 0, domain.NewValidationError("leverage", "leverage must be >= 1, got %v", leverage)
	}
	bv := (leverage - 1) * collateralValue
	if ltv := bv / collateralValue; ltv > maxLTV {
		return 0, domain.NewValidationError("leverage",
			"leverage %.2fx implies LTV %.4f above protocol max %.4f", leverage, ltv, maxLTV)
	}
	return bv, nil
}

// HealthFactor returns CV*LT/BV, or MaxHealthFactor when there is no debt.
func HealthFactor(collateralValue, liquidationThreshold, borrowValue float64) float64 {
	if borrowValue <= 0 {
		return MaxHealthFactor
	}
	return collateralValue * liquidationThreshold / borrowValue
}

// LiquidationPrice returns the collateral price at which the health factor
// reaches 1 with collateral amount and debt held fixed. It is 0 without debt.
func LiquidationPrice(borrowValue, collateralAmount, liquidationThreshold float64) float64 {
	if borrowValue <= 0 || collateralAmount <= 0 || liquidationThreshold <= 0 {
		return 0
	}
	return borrowValue / (collateralAmount * liquidationThreshold)
}

// NetAPY is the yield on the user's own collateral after borrowing costs.
func NetAPY(supplyAPY, borrowAPY, leverage float64) float64 {
	return supplyAPY*leverage - borrowAPY*(leverage-1)
}

// TimeToLiquidation linearly extrapolates trendPerHour (USD per hour) from
// price down to liqPrice.
func TimeToLiquidation(price, liqPrice, trendPerHour float64) time.Duration {
	if liqPrice <= 0 {
		return NoLiquidationHorizon
	}
	if price <= liqPrice {
		return 0
	}
	if trendPerHour >= 0 {
		return NoLiquidationHorizon
	}
	hours := (price - liqPrice) / -trendPerHour
	if hours >= float64(NoLiquidationHorizon)/float64(time.Hour) {
		return NoLiquidationHorizon
	}
	return time.Duration(hours * float64(time.Hour))
}

// CascadeProbability grows with 1/HF and with the volatility index.
func (e *Engine) CascadeProbability(hf, hvix float64) float64 {
	if hf <= 0 {
		return 1
	}
	if hvix < 0 {
		hvix = 0
	}
	x := e.p.CascadeK * math.Pow(1/hf, e.p.CascadeExponent) * (1 + e.p.VolatilityWeight*hvix)
	return clamp(1-math.Exp(-x), 0, 1)
}

// RiskScore is the weighted composite on a 0-100 scale.
func (e *Engine) RiskScore(hf, cascade float64, ttl time.Duration) float64 {
	debt := 1.0
	if hf > 0 {
		debt = clamp(1/hf, 0, 1)
	}
	inverseTTL := 0.0
	if ttl != NoLiquidationHorizon {
		inverseTTL = 1 / (1 + ttl.Hours()/e.p.HorizonHours)
	}
	wsum := e.p.DebtWeight + e.p.CascadeWeight + e.p.TTLWeight
	score := (e.p.DebtWeight*debt + e.p.CascadeWeight*clamp(cascade, 0, 1) + e.p.TTLWeight*inverseTTL) / wsum
	return clamp(score*100, 0, 100)
}

// Input is everything needed to quote one venue.
type Input struct {
	CollateralAmount decimal.Decimal
	CollateralPrice  float64
	BorrowPrice      float64
	Leverage         float64
	Market           domain.MarketData
	Volatility       float64
	// Trend is the collateral price drift in USD per hour.
	Trend         float64
	NetworkFeeUSD float64
}

// Quote turns market data for one venue into a scored ProtocolQuote. The
// recommendation fields are left for the aggregator to fill.
func (e *Engine) Quote(in Input, now time.Time) (domain.ProtocolQuote, error) {
	if in.CollateralPrice <= 0 {
		return domain.ProtocolQuote{}, domain.NewValidationError("collateral_token", "no price for collateral")
	}
	if in.BorrowPrice <= 0 {
		return domain.ProtocolQuote{}, domain.NewValidationError("borrow_token", "no price for borrow token")
	}
	amount := in.CollateralAmount.InexactFloat64()
	cv := amount * in.CollateralPrice

	bv, err := BorrowValue(cv, in.Leverage, in.Market.MaxLTV)
	if err != nil {
		return domain.ProtocolQuote{}, err
	}

	m := in.Market
	hf := HealthFactor(cv, m.LiquidationThreshold, bv)
	liq := LiquidationPrice(bv, amount, m.LiquidationThreshold)
	cascade := e.CascadeProbability(hf, in.Volatility)
	ttl := TimeToLiquidation(in.CollateralPrice, liq, in.Trend)

	origination := bv * m.BorrowFeeBps / 10_000
	return domain.ProtocolQuote{
		Protocol:             m.Protocol,
		SupplyAPY:            m.SupplyAPY,
		BorrowAPY:            m.BorrowAPY,
		NetAPY:               NetAPY(m.SupplyAPY, m.BorrowAPY, in.Leverage),
		MaxLTV:               m.MaxLTV,
		LiquidationThreshold: m.LiquidationThreshold,
		LiquidationPenalty:   m.LiquidationPenalty,
		LiquidationPrice:     liq,
		HealthFactor:         hf,
		BorrowAmount:         decimal.NewFromFloat(bv / in.BorrowPrice).Truncate(borrowDecimals),
		CollateralValueUSD:   cv,
		BorrowValueUSD:       bv,
		TotalPositionValue:   cv + bv,
		CascadeProbability:   cascade,
		RiskScore:            e.RiskScore(hf, cascade, ttl),
		Fees: domain.QuoteFees{
			OriginationUSD: origination,
			NetworkUSD:     in.NetworkFeeUSD,
			TotalUSD:       origination + in.NetworkFeeUSD,
		},
		BelowSafetyThreshold: hf < e.p.SafetyThreshold,
		QuotedAt:             now,
	}, nil
}

// Snapshot recomputes the risk metrics of an open position against live
// prices. trend is the collateral price drift in USD per hour.
func (e *Engine) Snapshot(pos domain.Position, prices map[string]float64, trend, hvix float64, now time.Time) domain.AccountSnapshot {
	collAmt := pos.CollateralAmount.InexactFloat64()
	price := prices[pos.CollateralToken]
	cv := collAmt * price
	bv := pos.BorrowAmount.InexactFloat64() * prices[pos.BorrowToken]

	hf := HealthFactor(cv, pos.LiquidationThreshold, bv)
	liq := LiquidationPrice(bv, collAmt, pos.LiquidationThreshold)
	cascade := e.CascadeProbability(hf, hvix)
	ttl := TimeToLiquidation(price, liq, trend)

	lev := 1.0
	if cv > 0 {
		lev = 1 + bv/cv
	}
	return domain.AccountSnapshot{
		PositionID:         pos.ID,
		Wallet:             pos.Wallet,
		HealthFactor:       hf,
		CollateralValue:    cv,
		BorrowedValue:      bv,
		Leverage:           lev,
		LiquidationPrice:   liq,
		RiskScore:          e.RiskScore(hf, cascade, ttl),
		CascadeProbability: cascade,
		TimeToLiquidation:  ttl,
		TakenAt:            now,
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
