package risk

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
)

func solMarket() domain.MarketData {
	return domain.MarketData{
		Protocol:             domain.ProtocolKamino,
		Token:                "SOL",
		SupplyAPY:            0.07,
		BorrowAPY:            0.05,
		MaxLTV:               0.80,
		LiquidationThreshold: 0.85,
		LiquidationPenalty:   0.05,
		BorrowFeeBps:         10,
	}
}

func TestBorrowValueRejectsAboveMaxLTV(t *testing.T) {
	// 10 SOL @ $140 at 2x: borrow $1,400 against $1,400 is LTV 1.0 > 0.8.
	_, err := BorrowValue(1400, 2, 0.80)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	bv, err := BorrowValue(1400, 1.5, 0.80)
	require.NoError(t, err)
	assert.InDelta(t, 700, bv, 1e-9)
}

func TestBorrowValueRejectsBadInputs(t *testing.T) {
	_, err := BorrowValue(0, 1.5, 0.8)
	assert.True(t, domain.IsValidation(err))
	_, err = BorrowValue(100, 0.5, 0.8)
	assert.True(t, domain.IsValidation(err))
}

func TestScenarioAHealthFactorWouldBeUnsafe(t *testing.T) {
	hf := HealthFactor(1400, 0.85, 1400)
	assert.InDelta(t, 0.85, hf, 1e-12)

	e := NewEngine(DefaultParams())
	_, err := e.Quote(Input{
		CollateralAmount: decimal.NewFromInt(10),
		CollateralPrice:  140,
		BorrowPrice:      1,
		Leverage:         2,
		Market:           solMarket(),
	}, time.Now())
	require.Error(t, err)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "leverage", ve.Issues[0].Field)
}

func TestHealthFactorSentinel(t *testing.T) {
	hf := HealthFactor(1000, 0.85, 0)
	assert.Equal(t, MaxHealthFactor, hf)

	// The sentinel must survive JSON encoding.
	_, err := json.Marshal(domain.ProtocolQuote{HealthFactor: hf})
	assert.NoError(t, err)

	assert.Zero(t, LiquidationPrice(0, 10, 0.85))
}

func TestHealthFactorStrictlyDecreasesWithLeverage(t *testing.T) {
	e := NewEngine(DefaultParams())
	prev := MaxHealthFactor
	for _, lev := range []float64{1.1, 1.2, 1.35, 1.5, 1.65, 1.75} {
		q, err := e.Quote(Input{
			CollateralAmount: decimal.NewFromInt(10),
			CollateralPrice:  140,
			BorrowPrice:      1,
			Leverage:         lev,
			Market:           solMarket(),
		}, time.Now())
		require.NoError(t, err, "leverage %v", lev)
		assert.Less(t, q.HealthFactor, prev, "leverage %v", lev)
		prev = q.HealthFactor
	}
}

func TestLiquidationPriceSolvesHealthFactorOne(t *testing.T) {
	bv, amount, lt := 700.0, 10.0, 0.85
	liq := LiquidationPrice(bv, amount, lt)
	assert.InDelta(t, 1.0, HealthFactor(amount*liq, lt, bv), 1e-12)
}

func TestCascadeProbabilityBoundsAndMonotonicity(t *testing.T) {
	e := NewEngine(DefaultParams())

	assert.Zero(t, e.CascadeProbability(MaxHealthFactor, 50))
	assert.Equal(t, 1.0, e.CascadeProbability(0, 0))

	low := e.CascadeProbability(2.0, 20)
	high := e.CascadeProbability(1.1, 20)
	assert.Greater(t, high, low)

	calm := e.CascadeProbability(1.3, 10)
	stormy := e.CascadeProbability(1.3, 90)
	assert.Greater(t, stormy, calm)
	assert.LessOrEqual(t, stormy, 1.0)
}

func TestRiskScoreMonotoneInLeverageAndVolatility(t *testing.T) {
	e := NewEngine(DefaultParams())
	score := func(lev, hvix float64) float64 {
		q, err := e.Quote(Input{
			CollateralAmount: decimal.NewFromInt(10),
			CollateralPrice:  140,
			BorrowPrice:      1,
			Leverage:         lev,
			Market:           solMarket(),
			Volatility:       hvix,
			Trend:            -1.5,
		}, time.Now())
		require.NoError(t, err)
		return q.RiskScore
	}

	prev := -1.0
	for _, lev := range []float64{1.1, 1.3, 1.5, 1.7} {
		s := score(lev, 40)
		assert.GreaterOrEqual(t, s, prev, "leverage %v", lev)
		assert.LessOrEqual(t, s, 100.0)
		prev = s
	}

	prev = -1.0
	for _, hvix := range []float64{0, 20, 60, 120} {
		s := score(1.5, hvix)
		assert.GreaterOrEqual(t, s, prev, "hvix %v", hvix)
		prev = s
	}
}

func TestTimeToLiquidation(t *testing.T) {
	assert.Equal(t, NoLiquidationHorizon, TimeToLiquidation(140, 80, 0))
	assert.Equal(t, NoLiquidationHorizon, TimeToLiquidation(140, 80, 2))
	assert.Equal(t, NoLiquidationHorizon, TimeToLiquidation(140, 0, -2))
	assert.Zero(t, TimeToLiquidation(80, 80, -2))
	assert.Equal(t, 30*time.Hour, TimeToLiquidation(140, 80, -2))
}

func TestNetAPY(t *testing.T) {
	assert.InDelta(t, 0.07*1.5-0.05*0.5, NetAPY(0.07, 0.05, 1.5), 1e-12)
	assert.InDelta(t, 0.07, NetAPY(0.07, 0.05, 1), 1e-12)
}

func TestQuoteFillsMetrics(t *testing.T) {
	e := NewEngine(DefaultParams())
	now := time.Unix(1_700_000_000, 0)
	q, err := e.Quote(Input{
		CollateralAmount: decimal.NewFromInt(10),
		CollateralPrice:  140,
		BorrowPrice:      1,
		Leverage:         1.5,
		Market:           solMarket(),
		NetworkFeeUSD:    0.01,
	}, now)
	require.NoError(t, err)

	assert.Equal(t, domain.ProtocolKamino, q.Protocol)
	assert.InDelta(t, 1400, q.CollateralValueUSD, 1e-9)
	assert.InDelta(t, 700, q.BorrowValueUSD, 1e-9)
	assert.True(t, q.BorrowAmount.Equal(decimal.NewFromInt(700)), "borrow %s", q.BorrowAmount)
	assert.InDelta(t, 1.7, q.HealthFactor, 1e-9)
	assert.InDelta(t, 700/(10*0.85), q.LiquidationPrice, 1e-9)
	assert.InDelta(t, 2100, q.TotalPositionValue, 1e-9)
	assert.InDelta(t, 0.7, q.Fees.OriginationUSD, 1e-9)
	assert.InDelta(t, 0.71, q.Fees.TotalUSD, 1e-9)
	assert.False(t, q.BelowSafetyThreshold)
	assert.False(t, q.IsRecommended)
	assert.Equal(t, now, q.QuotedAt)
}

func TestQuoteRequiresPrices(t *testing.T) {
	e := NewEngine(DefaultParams())
	_, err := e.Quote(Input{CollateralAmount: decimal.NewFromInt(1), BorrowPrice: 1, Leverage: 1.5, Market: solMarket()}, time.Now())
	assert.True(t, domain.IsValidation(err))
}

func TestSnapshot(t *testing.T) {
	e := NewEngine(DefaultParams())
	pos := domain.Position{
		ID:                   "pos-1",
		Wallet:               "w1",
		CollateralToken:      "SOL",
		CollateralAmount:     decimal.NewFromInt(10),
		BorrowToken:          "USDC",
		BorrowAmount:         decimal.NewFromInt(700),
		LiquidationThreshold: 0.85,
	}
	snap := e.Snapshot(pos, map[string]float64{"SOL": 120, "USDC": 1}, -2, 30, time.Now())

	assert.Equal(t, "pos-1", snap.PositionID)
	assert.InDelta(t, 1200, snap.CollateralValue, 1e-9)
	assert.InDelta(t, 700, snap.BorrowedValue, 1e-9)
	assert.InDelta(t, 1200*0.85/700, snap.HealthFactor, 1e-9)
	assert.InDelta(t, 1+700.0/1200, snap.Leverage, 1e-9)
	assert.Greater(t, snap.TimeToLiquidation, time.Duration(0))
	assert.NotEqual(t, NoLiquidationHorizon, snap.TimeToLiquidation)
}

func TestNewEngineFillsDefaults(t *testing.T) {
	e := NewEngine(Params{})
	assert.Equal(t, DefaultParams(), e.Params())
}

func TestParamsFromConfigMatchesDefaults(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, DefaultParams(), ParamsFromConfig(cfg.Risk, cfg.Quote.SafetyThreshold))
}
