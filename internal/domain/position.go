package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks the lifecycle of a leveraged position.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "OPEN"
	PositionClosed     PositionStatus = "CLOSED"
	PositionLiquidated PositionStatus = "LIQUIDATED"
)

// Position is the durable record of an opened leveraged position. The core
// only proposes writes; storage belongs to the persistence collaborator.
type Position struct {
	ID                   string          `json:"id"`
	Wallet               string          `json:"wallet"`
	Protocol             ProtocolID      `json:"protocol"`
	Network              string          `json:"network"`
	Status               PositionStatus  `json:"status"`
	CollateralToken      string          `json:"collateral_token"`
	CollateralAmount     decimal.Decimal `json:"collateral_amount"`
	BorrowToken          string          `json:"borrow_token"`
	BorrowAmount         decimal.Decimal `json:"borrow_amount"`
	Leverage             float64         `json:"leverage"`
	LiquidationThreshold float64         `json:"liquidation_threshold"`
	EntryPrice           float64         `json:"entry_price"`
	LiquidationPrice     float64         `json:"liquidation_price"`
	OpenHealthFactor     float64         `json:"open_health_factor"`
	OpenExecutionID      string          `json:"open_execution_id"`
	CloseExecutionID     string          `json:"close_execution_id,omitempty"`
	OpenedAt             time.Time       `json:"opened_at"`
	ClosedAt             *time.Time      `json:"closed_at,omitempty"`
}

// AccountSnapshot is a point-in-time risk measurement of a position.
type AccountSnapshot struct {
	ID                 int64         `json:"id"`
	PositionID         string        `json:"position_id"`
	Wallet             string        `json:"wallet"`
	HealthFactor       float64       `json:"health_factor"`
	CollateralValue    float64       `json:"collateral_value"`
	BorrowedValue      float64       `json:"borrowed_value"`
	Leverage           float64       `json:"leverage"`
	LiquidationPrice   float64       `json:"liquidation_price"`
	RiskScore          float64       `json:"risk_score"`
	CascadeProbability float64       `json:"cascade_probability"`
	TimeToLiquidation  time.Duration `json:"time_to_liquidation"`
	TakenAt            time.Time     `json:"taken_at"`
}
