package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

const marginfiGroup = "4qp6Fx6tnZkY5Wropq9wUYgtFxXKwE6viZxFHg3rdAG8"

var marginfiTokens = []string{"SOL", "USDC", "USDT", "JITOSOL", "MSOL"}

// MarginfiAdapter quotes and builds instructions for MarginFi v2.
type MarginfiAdapter struct {
	venue
	rest *restClient
}

// NewMarginfiAdapter creates a MarginFi adapter.
func NewMarginfiAdapter(opts Options) *MarginfiAdapter {
	return &MarginfiAdapter{
		venue: newVenue(domain.ProtocolMarginfi, marginfiGroup, marginfiTokens, opts, marginfiEncode),
		rest:  newRESTClient("marginfi", opts.BaseURL, opts.Timeout),
	}
}

// marginfiBank mirrors the banks endpoint. Rates and utilization are in
// percent; weights are fractions.
type marginfiBank struct {
	Address           string  `json:"address"`
	TokenSymbol       string  `json:"token_symbol"`
	LendingRate       float64 `json:"lending_rate"`
	BorrowingRate     float64 `json:"borrowing_rate"`
	AssetWeightInit   float64 `json:"asset_weight_init"`
	AssetWeightMaint  float64 `json:"asset_weight_maint"`
	UtilizationRate   float64 `json:"utilization_rate"`
	OriginationFeeBps float64 `json:"origination_fee_bps"`
}

type marginfiBanksResponse struct {
	Banks []marginfiBank `json:"banks"`
}

func (b marginfiBank) toDomain(now time.Time) domain.MarketData {
	return domain.MarketData{
		Protocol:             domain.ProtocolMarginfi,
		Token:                b.TokenSymbol,
		SupplyAPY:            b.LendingRate / 100,
		BorrowAPY:            b.BorrowingRate / 100,
		MaxLTV:               b.AssetWeightInit,
		LiquidationThreshold: b.AssetWeightMaint,
		// MarginFi pays liquidators a fixed 2.5% plus a 2.5% insurance fee.
		LiquidationPenalty: 0.05,
		Utilization:        b.UtilizationRate / 100,
		BorrowFeeBps:       b.OriginationFeeBps,
		FetchedAt:          now,
	}
}

// MarketData returns the bank parameters for token.
func (m *MarginfiAdapter) MarketData(ctx context.Context, token string) (domain.MarketData, error) {
	if err := m.listed(token); err != nil {
		return domain.MarketData{}, err
	}
	var resp marginfiBanksResponse
	if err := m.rest.getJSON(ctx, "/v1/banks", map[string]string{"group": m.market}, &resp); err != nil {
		return domain.MarketData{}, fmt.Errorf("marginfi: market data %s: %w", token, err)
	}
	for _, b := range resp.Banks {
		if b.TokenSymbol == token {
			return b.toDomain(time.Now()), nil
		}
	}
	return domain.MarketData{}, fmt.Errorf("marginfi: bank for %s: %w", token, domain.ErrNotFound)
}

func marginfiEncode(kind domain.StepType, amount uint64) []byte {
	switch kind {
	case domain.StepDeposit:
		return anchorData("lending_account_deposit", amount)
	case domain.StepBorrow:
		return anchorData("lending_account_borrow", amount)
	case domain.StepRepay:
		// repay_all flag rides along as a second argument
		all := uint64(0)
		if amount == repayAll {
			all = 1
		}
		return anchorData("lending_account_repay", amount, all)
	case domain.StepWithdraw:
		all := uint64(0)
		if amount == repayAll {
			all = 1
		}
		return anchorData("lending_account_withdraw", amount, all)
	}
	return nil
}
