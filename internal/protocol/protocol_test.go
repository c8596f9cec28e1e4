package protocol

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

func jsonServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestKaminoMarketData(t *testing.T) {
	srv := jsonServer(t, map[string]string{
		"/kamino-market/" + kaminoMainMarket + "/reserves/metrics": `[
			{"reserve":"r-usdc","liquidityToken":"USDC","supplyApy":"0.081","borrowApy":"0.102","maxLtv":"0.8","liquidationLtv":"0.85","liquidationBonus":"0.04","utilizationRatio":"0.77","borrowFee":"0"},
			{"reserve":"r-sol","liquidityToken":"SOL","supplyApy":"0.071","borrowApy":"0.052","maxLtv":"0.74","liquidationLtv":"0.8","liquidationBonus":"0.05","utilizationRatio":"0.61","borrowFee":"0.001"}
		]`,
	})
	k := NewKaminoAdapter(Options{BaseURL: srv.URL, ProgramID: "KLend"})

	m, err := k.MarketData(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolKamino, m.Protocol)
	assert.Equal(t, "SOL", m.Token)
	assert.InDelta(t, 0.071, m.SupplyAPY, 1e-12)
	assert.InDelta(t, 0.052, m.BorrowAPY, 1e-12)
	assert.InDelta(t, 0.74, m.MaxLTV, 1e-12)
	assert.InDelta(t, 0.8, m.LiquidationThreshold, 1e-12)
	assert.InDelta(t, 10, m.BorrowFeeBps, 1e-9)
	assert.False(t, m.FetchedAt.IsZero())
}

func TestMarketDataUnlistedTokenIsValidation(t *testing.T) {
	k := NewKaminoAdapter(Options{BaseURL: "http://127.0.0.1:0"})
	_, err := k.MarketData(context.Background(), "DOGE")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestMarketDataServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMarginfiAdapter(Options{BaseURL: srv.URL})
	_, err := m.MarketData(context.Background(), "SOL")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorClassTransient, domain.ClassOf(err))
	assert.Equal(t, int32(defaultRetryCount+1), calls.Load(), "5xx responses are retried")
}

func TestMarketDataTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	s := NewSolendAdapter(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := s.MarketData(ctx, "SOL")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorClassTransient, domain.ClassOf(err))
}

func TestMarginfiMarketDataConvertsPercent(t *testing.T) {
	srv := jsonServer(t, map[string]string{
		"/v1/banks": `{"banks":[{"address":"b1","token_symbol":"SOL","lending_rate":6.5,"borrowing_rate":4.0,
			"asset_weight_init":0.75,"asset_weight_maint":0.83,"utilization_rate":55,"origination_fee_bps":0}]}`,
	})
	m := NewMarginfiAdapter(Options{BaseURL: srv.URL})

	md, err := m.MarketData(context.Background(), "SOL")
	require.NoError(t, err)
	assert.InDelta(t, 0.065, md.SupplyAPY, 1e-12)
	assert.InDelta(t, 0.04, md.BorrowAPY, 1e-12)
	assert.InDelta(t, 0.75, md.MaxLTV, 1e-12)
	assert.InDelta(t, 0.83, md.LiquidationThreshold, 1e-12)
	assert.InDelta(t, 0.55, md.Utilization, 1e-12)
}

func TestMarginfiMissingBankIsNotFound(t *testing.T) {
	srv := jsonServer(t, map[string]string{"/v1/banks": `{"banks":[]}`})
	m := NewMarginfiAdapter(Options{BaseURL: srv.URL})
	_, err := m.MarketData(context.Background(), "USDC")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSolendMarketDataConvertsWad(t *testing.T) {
	srv := jsonServer(t, map[string]string{
		"/v1/reserves": `{"results":[{"reserve":{"address":"sr1","liquidity":{"symbol":"SOL","utilization":0.4},
			"config":{"loanToValueRatio":75,"liquidationThreshold":80,"liquidationBonus":5,"borrowFeeWad":"1000000000000000"}},
			"rates":{"supplyInterest":"4.2","borrowInterest":"6.1"}}]}`,
	})
	s := NewSolendAdapter(Options{BaseURL: srv.URL})

	md, err := s.MarketData(context.Background(), "SOL")
	require.NoError(t, err)
	assert.InDelta(t, 0.042, md.SupplyAPY, 1e-12)
	assert.InDelta(t, 0.061, md.BorrowAPY, 1e-12)
	assert.InDelta(t, 0.75, md.MaxLTV, 1e-12)
	assert.InDelta(t, 0.80, md.LiquidationThreshold, 1e-12)
	assert.InDelta(t, 0.05, md.LiquidationPenalty, 1e-12)
	assert.InDelta(t, 10, md.BorrowFeeBps, 1e-9)
}

func TestBuildStepEncodesAnchorInstruction(t *testing.T) {
	k := NewKaminoAdapter(Options{ProgramID: "KLend", NetworkFeeUSD: 0.02})
	step := domain.StrategyStep{
		Type:   domain.StepDeposit,
		Params: domain.StepParams{Token: "SOL", Amount: decimal.RequireFromString("1.5")},
	}

	ins, err := BuildStep(context.Background(), k, "wallet1", step)
	require.NoError(t, err)
	assert.Equal(t, "KLend", ins.Program)
	assert.Equal(t, domain.StepDeposit, ins.Kind)
	assert.Equal(t, []string{"wallet1", kaminoMainMarket, knownTokens["SOL"].Mint}, ins.Accounts)
	assert.InDelta(t, 0.02, ins.EstimatedFeeUSD, 1e-12)
	require.Len(t, ins.Data, 16)
	assert.Equal(t, anchorDiscriminator("deposit_reserve_liquidity_and_obligation_collateral"), ins.Data[:8])
	assert.Equal(t, uint64(1_500_000_000), binary.LittleEndian.Uint64(ins.Data[8:]))
}

func TestBuildStepSolendUsesTag(t *testing.T) {
	s := NewSolendAdapter(Options{ProgramID: "So1end"})
	step := domain.StrategyStep{
		Type:   domain.StepBorrow,
		Params: domain.StepParams{Token: "USDC", Amount: decimal.NewFromInt(700)},
	}
	ins, err := BuildStep(context.Background(), s, "w", step)
	require.NoError(t, err)
	require.Len(t, ins.Data, 9)
	assert.Equal(t, solendTagBorrow, ins.Data[0])
	assert.Equal(t, uint64(700_000_000), binary.LittleEndian.Uint64(ins.Data[1:]))
}

func TestBuildStepFailuresAreStepErrors(t *testing.T) {
	k := NewKaminoAdapter(Options{})

	_, err := BuildStep(context.Background(), k, "w", domain.StrategyStep{
		Type:   domain.StepDeposit,
		Params: domain.StepParams{Token: "DOGE", Amount: decimal.NewFromInt(1)},
	})
	var se *domain.StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.ErrorClassUnknown, se.Class)

	_, err = BuildStep(context.Background(), k, "w", domain.StrategyStep{
		Type:   domain.StepBorrow,
		Params: domain.StepParams{Token: "USDC"},
	})
	require.ErrorAs(t, err, &se)

	_, err = BuildStep(context.Background(), k, "w", domain.StrategyStep{Type: "stake"})
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestBuildCloseRepaysAndWithdrawsAll(t *testing.T) {
	m := NewMarginfiAdapter(Options{ProgramID: "MFv2"})
	pos := domain.Position{
		ID:              "p1",
		Wallet:          "w",
		Protocol:        domain.ProtocolMarginfi,
		CollateralToken: "SOL",
		BorrowToken:     "USDC",
	}
	ins, err := m.BuildClose(context.Background(), pos)
	require.NoError(t, err)
	require.Len(t, ins, 2)
	assert.Equal(t, domain.StepRepay, ins[0].Kind)
	assert.Equal(t, domain.StepWithdraw, ins[1].Kind)
	assert.Equal(t, uint64(repayAll), binary.LittleEndian.Uint64(ins[0].Data[8:16]))
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(ins[0].Data[16:24]))

	pos.Protocol = domain.ProtocolKamino
	_, err = m.BuildClose(context.Background(), pos)
	assert.Error(t, err)
}

func TestSwapRouterBuild(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		_, _ = w.Write([]byte(`{"inAmount":"700000000","outAmount":"699500000","otherAmountThreshold":"696000000","slippageBps":50,"priceImpactPct":"0.0004"}`))
	}))
	defer srv.Close()

	router := NewSwapRouter(srv.URL, "JUP6", time.Second)
	k := NewKaminoAdapter(Options{Swap: router, NetworkFeeUSD: 0.01})

	ins, err := k.BuildSwap(context.Background(), "w", domain.StepParams{
		Token:       "USDC",
		Amount:      decimal.NewFromInt(700),
		ToToken:     "USDT",
		SlippageBps: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolKamino, ins.Protocol)
	assert.Equal(t, "JUP6", ins.Program)
	assert.True(t, ins.MinAmountOut.Equal(decimal.NewFromInt(696)), "min out %s", ins.MinAmountOut)
	assert.InDelta(t, 0.01, ins.EstimatedFeeUSD, 1e-12)

	q := gotQuery.Load().(url.Values)
	assert.Equal(t, []string{"700000000"}, q["amount"])
	assert.Equal(t, []string{"50"}, q["slippageBps"])
}

func TestBuildSwapWithoutRouter(t *testing.T) {
	k := NewKaminoAdapter(Options{})
	_, err := k.BuildSwap(context.Background(), "w", domain.StepParams{Token: "USDC", ToToken: "USDT", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestRegistrySupportingHonoursFilter(t *testing.T) {
	reg := NewRegistry(
		NewSolendAdapter(Options{}),
		NewKaminoAdapter(Options{}),
		NewMarginfiAdapter(Options{}),
	)
	assert.Equal(t, []domain.ProtocolID{domain.ProtocolKamino, domain.ProtocolMarginfi, domain.ProtocolSolend}, reg.IDs())

	all := reg.Supporting(domain.QuoteRequest{CollateralToken: "SOL", BorrowToken: "USDC"})
	assert.Len(t, all, 3)

	jup := reg.Supporting(domain.QuoteRequest{CollateralToken: "JUP", BorrowToken: "USDC"})
	require.Len(t, jup, 1)
	assert.Equal(t, domain.ProtocolKamino, jup[0].ID())

	filtered := reg.Supporting(domain.QuoteRequest{
		CollateralToken: "SOL",
		BorrowToken:     "USDC",
		Protocols:       []domain.ProtocolID{domain.ProtocolSolend},
	})
	require.Len(t, filtered, 1)
	assert.Equal(t, domain.ProtocolSolend, filtered[0].ID())

	_, err := reg.Get("aave")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBaseUnits(t *testing.T) {
	n, err := baseUnits(decimal.RequireFromString("1.0000000019"), 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_001), n)

	_, err = baseUnits(decimal.NewFromInt(-1), 6)
	assert.Error(t, err)
}
