package strategy

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/protocol"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		MinLeverage:      1.1,
		MaxLeverage:      10,
		MinCollateralUSD: 10,
		MinHealthFactor:  1.0,
		MaxSlippageBps:   100,
		QuoteMaxAge:      30 * time.Second,
		MaxFeeUSD:        5,
		MaxRetries:       3,
		Backoff:          domain.BackoffPolicy{Base: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2},
		OnFailure:        domain.FailureRollback,
	}
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	reg := protocol.NewRegistry(
		protocol.NewKaminoAdapter(protocol.Options{}),
		protocol.NewSolendAdapter(protocol.Options{}),
	)
	b := NewBuilder(reg, testOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.now = func() time.Time { return testNow }
	return b
}

func positionQuote(swap *domain.SwapIntent) domain.PositionQuote {
	req := domain.QuoteRequest{
		Wallet:           "wallet-1",
		CollateralToken:  "SOL",
		CollateralAmount: decimal.NewFromInt(10),
		BorrowToken:      "USDC",
		Leverage:         1.5,
		ProtectiveSwap:   swap,
	}
	q := domain.ProtocolQuote{
		Protocol:           domain.ProtocolKamino,
		HealthFactor:       1.7,
		NetAPY:             0.07,
		BorrowAmount:       decimal.RequireFromString("700"),
		CollateralValueUSD: 1400,
		BorrowValueUSD:     700,
		IsRecommended:      true,
		QuotedAt:           testNow.Add(-2 * time.Second),
	}
	return domain.PositionQuote{
		Request:       req,
		Quotes:        []domain.ProtocolQuote{q},
		BestQuote:     &q,
		CurrentPrices: map[string]float64{"SOL": 140, "USDC": 1},
		Timestamp:     testNow,
	}
}

func TestBuildOpenPlan(t *testing.T) {
	b := newTestBuilder(t)
	pq := positionQuote(nil)

	s, err := b.Build(pq, domain.ProtocolKamino)
	require.NoError(t, err)

	assert.True(t, s.Validation.Valid)
	assert.Equal(t, domain.StrategyOpen, s.Kind)
	assert.NotEmpty(t, s.ID)
	require.Len(t, s.Steps, 2)

	assert.Equal(t, domain.StepDeposit, s.Steps[0].Type)
	assert.Equal(t, "SOL", s.Steps[0].Params.Token)
	assert.True(t, decimal.NewFromInt(10).Equal(s.Steps[0].Params.Amount))
	assert.Equal(t, -1, s.Steps[0].DependsOn)

	assert.Equal(t, domain.StepBorrow, s.Steps[1].Type)
	assert.Equal(t, 0, s.Steps[1].DependsOn)
	assert.Equal(t, 1, s.Steps[1].Index)

	for _, st := range s.Steps {
		assert.Equal(t, domain.StepPending, st.Status)
		assert.Equal(t, domain.ProtocolKamino, st.Protocol)
		assert.Equal(t, 3, st.Recovery.MaxRetries)
		assert.Equal(t, domain.FailureRollback, st.Recovery.OnFailure)
		assert.True(t, st.Recovery.Retryable(domain.ErrorClassTransient))
		assert.False(t, st.Recovery.Retryable(domain.ErrorClassInsufficientFunds))
		assert.Equal(t, 5.0, st.Bounds.MaxFeeUSD)
	}
}

func TestPlannedBorrowMatchesQuote(t *testing.T) {
	b := newTestBuilder(t)
	pq := positionQuote(&domain.SwapIntent{ToToken: "SOL", SlippageBps: 50})

	s, err := b.Build(pq, domain.ProtocolKamino)
	require.NoError(t, err)
	assert.True(t, s.PlannedBorrow().Equal(pq.Quotes[0].BorrowAmount))
}

func TestBuildProtectiveSwap(t *testing.T) {
	b := newTestBuilder(t)
	pq := positionQuote(&domain.SwapIntent{ToToken: "SOL", SlippageBps: 50})

	s, err := b.Build(pq, domain.ProtocolKamino)
	require.NoError(t, err)
	require.Len(t, s.Steps, 3)

	sw := s.Steps[2]
	assert.Equal(t, domain.StepSwap, sw.Type)
	assert.Equal(t, "USDC", sw.Params.Token)
	assert.Equal(t, "SOL", sw.Params.ToToken)
	assert.Equal(t, 50, sw.Params.SlippageBps)
	assert.Equal(t, 1, sw.DependsOn)
	assert.Equal(t, 50, sw.Bounds.MaxSlippageBps)
	// 700 USDC at $1 buys 5 SOL at $140, less 0.5%.
	assert.Equal(t, "4.975", sw.Bounds.MinAmountOut.String())
}

func TestSwapBoundZeroWithoutPrice(t *testing.T) {
	b := newTestBuilder(t)
	pq := positionQuote(&domain.SwapIntent{ToToken: "USDT", SlippageBps: 50})

	s, err := b.Build(pq, domain.ProtocolKamino)
	require.NoError(t, err)
	assert.True(t, s.Steps[2].Bounds.MinAmountOut.IsZero())
}

func TestValidateCollectsAllIssues(t *testing.T) {
	b := newTestBuilder(t)
	pq := positionQuote(&domain.SwapIntent{ToToken: "SOL", SlippageBps: 500})
	pq.Request.Leverage = 1.05
	q := pq.Quotes[0]
	q.CollateralValueUSD = 5
	q.HealthFactor = 0.9
	q.QuotedAt = testNow.Add(-time.Minute)

	res := b.Validate(q, pq.Request)
	assert.False(t, res.Valid)

	fields := map[string]bool{}
	for _, is := range res.Issues {
		fields[is.Field] = true
	}
	for _, f := range []string{"leverage", "collateral_amount", "health_factor", "quote", "protective_swap.slippage_bps"} {
		assert.True(t, fields[f], "missing issue for %s", f)
	}
}

func TestBuildRejectedHasNoSteps(t *testing.T) {
	b := newTestBuilder(t)
	pq := positionQuote(nil)
	pq.Quotes[0].HealthFactor = 0.8

	s, err := b.Build(pq, domain.ProtocolKamino)
	require.Error(t, err)

	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Empty(t, s.Steps)
	assert.False(t, s.Validation.Valid)
	assert.Equal(t, "health_factor", ve.Issues[0].Field)
}

func TestValidateProtocolChecks(t *testing.T) {
	b := newTestBuilder(t)

	t.Run("unsupported pair", func(t *testing.T) {
		pq := positionQuote(nil)
		pq.Request.CollateralToken = "JUP"
		q := pq.Quotes[0]
		q.Protocol = domain.ProtocolSolend
		res := b.Validate(q, pq.Request)
		require.False(t, res.Valid)
		assert.Contains(t, res.Issues[0].Message, "does not support JUP/USDC")
	})

	t.Run("unregistered protocol", func(t *testing.T) {
		pq := positionQuote(nil)
		q := pq.Quotes[0]
		q.Protocol = domain.ProtocolMarginfi
		res := b.Validate(q, pq.Request)
		require.False(t, res.Valid)
		assert.Equal(t, "protocol", res.Issues[0].Field)
	})

	t.Run("excluded by filter", func(t *testing.T) {
		pq := positionQuote(nil)
		pq.Request.Protocols = []domain.ProtocolID{domain.ProtocolSolend}
		res := b.Validate(pq.Quotes[0], pq.Request)
		require.False(t, res.Valid)
		assert.Contains(t, res.Issues[0].Message, "excluded")
	})

	t.Run("swap into borrow token", func(t *testing.T) {
		pq := positionQuote(&domain.SwapIntent{ToToken: "USDC", SlippageBps: 10})
		res := b.Validate(pq.Quotes[0], pq.Request)
		require.False(t, res.Valid)
		assert.Equal(t, "protective_swap.to_token", res.Issues[0].Field)
	})
}

func TestBuildUnknownProtocol(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.Build(positionQuote(nil), domain.ProtocolSolend)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestBuildClose(t *testing.T) {
	b := newTestBuilder(t)
	pos := domain.Position{
		ID:               "pos-1",
		Wallet:           "wallet-1",
		Protocol:         domain.ProtocolKamino,
		Status:           domain.PositionOpen,
		CollateralToken:  "SOL",
		CollateralAmount: decimal.NewFromInt(10),
		BorrowToken:      "USDC",
		BorrowAmount:     decimal.NewFromInt(700),
	}

	s, err := b.BuildClose(pos, 50)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyClose, s.Kind)
	assert.Equal(t, "pos-1", s.PositionID)
	require.Len(t, s.Steps, 2)

	assert.Equal(t, domain.StepRepay, s.Steps[0].Type)
	assert.Equal(t, "USDC", s.Steps[0].Params.Token)
	assert.True(t, s.Steps[0].Params.Amount.IsZero())
	assert.Equal(t, domain.StepWithdraw, s.Steps[1].Type)
	assert.Equal(t, "SOL", s.Steps[1].Params.Token)
	assert.Equal(t, 0, s.Steps[1].DependsOn)
	assert.Equal(t, domain.FailureLeavePartial, s.Steps[0].Recovery.OnFailure)
	assert.Equal(t, 50, s.Steps[1].Bounds.MaxSlippageBps)
}

func TestBuildCloseRejectsClosedPosition(t *testing.T) {
	b := newTestBuilder(t)
	pos := domain.Position{ID: "pos-2", Protocol: domain.ProtocolKamino, Status: domain.PositionClosed}

	s, err := b.BuildClose(pos, 500)
	require.Error(t, err)
	assert.Empty(t, s.Steps)
	assert.Len(t, s.Validation.Issues, 2)
}

func TestRequoteSwap(t *testing.T) {
	b := newTestBuilder(t)
	s, err := b.Build(positionQuote(&domain.SwapIntent{ToToken: "SOL", SlippageBps: 50}), domain.ProtocolKamino)
	require.NoError(t, err)

	// SOL rallied to $175: 700 USDC now buys 4 SOL, less 0.5%.
	fresh, err := b.RequoteSwap(s.Steps[2], map[string]float64{"SOL": 175, "USDC": 1})
	require.NoError(t, err)
	assert.Equal(t, "3.98", fresh.Bounds.MinAmountOut.String())
	assert.True(t, fresh.Params.Amount.Equal(s.Steps[2].Params.Amount))

	_, err = b.RequoteSwap(s.Steps[2], map[string]float64{"USDC": 1})
	assert.True(t, domain.IsValidation(err))

	_, err = b.RequoteSwap(s.Steps[1], nil)
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}
