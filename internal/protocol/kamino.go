package protocol

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

const kaminoMainMarket = "7u3HeHxYDLhnCoErrtycNokbQYbWGzLs6JSDqGAv5PfF"

var kaminoTokens = []string{"SOL", "USDC", "USDT", "JITOSOL", "MSOL", "JUP"}

// KaminoAdapter quotes and builds instructions for Kamino Lend.
type KaminoAdapter struct {
	venue
	rest *restClient
}

// NewKaminoAdapter creates a Kamino adapter.
func NewKaminoAdapter(opts Options) *KaminoAdapter {
	return &KaminoAdapter{
		venue: newVenue(domain.ProtocolKamino, kaminoMainMarket, kaminoTokens, opts, kaminoEncode),
		rest:  newRESTClient("kamino", opts.BaseURL, opts.Timeout),
	}
}

// kaminoReserve is one row of the reserves metrics endpoint. Kamino reports
// ratios as decimal strings.
type kaminoReserve struct {
	Reserve          string `json:"reserve"`
	LiquidityToken   string `json:"liquidityToken"`
	SupplyAPY        string `json:"supplyApy"`
	BorrowAPY        string `json:"borrowApy"`
	MaxLTV           string `json:"maxLtv"`
	LiquidationLTV   string `json:"liquidationLtv"`
	LiquidationBonus string `json:"liquidationBonus"`
	Utilization      string `json:"utilizationRatio"`
	BorrowFee        string `json:"borrowFee"`
}

func (r kaminoReserve) toDomain(now time.Time) (domain.MarketData, error) {
	var m domain.MarketData
	fields := []struct {
		dst *float64
		raw string
		key string
	}{
		{&m.SupplyAPY, r.SupplyAPY, "supplyApy"},
		{&m.BorrowAPY, r.BorrowAPY, "borrowApy"},
		{&m.MaxLTV, r.MaxLTV, "maxLtv"},
		{&m.LiquidationThreshold, r.LiquidationLTV, "liquidationLtv"},
		{&m.LiquidationPenalty, r.LiquidationBonus, "liquidationBonus"},
		{&m.Utilization, r.Utilization, "utilizationRatio"},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return domain.MarketData{}, fmt.Errorf("parse %s %q: %w", f.key, f.raw, err)
		}
		*f.dst = v
	}
	if r.BorrowFee != "" {
		fee, err := strconv.ParseFloat(r.BorrowFee, 64)
		if err != nil {
			return domain.MarketData{}, fmt.Errorf("parse borrowFee %q: %w", r.BorrowFee, err)
		}
		m.BorrowFeeBps = fee * 10_000
	}
	m.Protocol = domain.ProtocolKamino
	m.Token = r.LiquidityToken
	m.FetchedAt = now
	return m, nil
}

// MarketData returns the reserve metrics for token.
func (k *KaminoAdapter) MarketData(ctx context.Context, token string) (domain.MarketData, error) {
	if err := k.listed(token); err != nil {
		return domain.MarketData{}, err
	}
	var reserves []kaminoReserve
	path := fmt.Sprintf("/kamino-market/%s/reserves/metrics", k.market)
	if err := k.rest.getJSON(ctx, path, nil, &reserves); err != nil {
		return domain.MarketData{}, fmt.Errorf("kamino: market data %s: %w", token, err)
	}
	for _, r := range reserves {
		if r.LiquidityToken != token {
			continue
		}
		m, err := r.toDomain(time.Now())
		if err != nil {
			return domain.MarketData{}, fmt.Errorf("kamino: reserve %s: %w", r.Reserve, err)
		}
		return m, nil
	}
	return domain.MarketData{}, fmt.Errorf("kamino: reserve for %s: %w", token, domain.ErrNotFound)
}

func kaminoEncode(kind domain.StepType, amount uint64) []byte {
	switch kind {
	case domain.StepDeposit:
		return anchorData("deposit_reserve_liquidity_and_obligation_collateral", amount)
	case domain.StepBorrow:
		return anchorData("borrow_obligation_liquidity", amount)
	case domain.StepRepay:
		return anchorData("repay_obligation_liquidity", amount)
	case domain.StepWithdraw:
		return anchorData("withdraw_obligation_collateral_and_redeem_reserve_collateral", amount)
	}
	return nil
}
