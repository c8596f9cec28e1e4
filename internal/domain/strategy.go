package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// StepType is the on-chain action a strategy step performs.
type StepType string

const (
	StepDeposit  StepType = "deposit"
	StepBorrow   StepType = "borrow"
	StepSwap     StepType = "swap"
	StepRepay    StepType = "repay"
	StepWithdraw StepType = "withdraw"
)

// StepStatus is the per-step execution state.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepSigning    StepStatus = "SIGNING"
	StepSubmitted  StepStatus = "SUBMITTED"
	StepConfirming StepStatus = "CONFIRMING"
	StepConfirmed  StepStatus = "CONFIRMED"
	StepFailed     StepStatus = "FAILED"
)

var stepRank = map[StepStatus]int{
	StepPending:    0,
	StepSigning:    1,
	StepSubmitted:  2,
	StepConfirming: 3,
	StepConfirmed:  4,
	StepFailed:     4,
}

// Rank orders the stages PENDING < SIGNING < SUBMITTED < CONFIRMING <
// CONFIRMED/FAILED.
func (s StepStatus) Rank() int { return stepRank[s] }

// Terminal reports whether s is CONFIRMED or FAILED.
func (s StepStatus) Terminal() bool {
	return s == StepConfirmed || s == StepFailed
}

// CanAdvance reports whether a step may move from one status to another.
// Terminal states are final and no transition ever lowers the rank.
func CanAdvance(from, to StepStatus) bool {
	if from.Terminal() {
		return false
	}
	fr, ok1 := stepRank[from]
	tr, ok2 := stepRank[to]
	if !ok1 || !ok2 {
		return false
	}
	if to == StepFailed {
		return true
	}
	return tr > fr
}

// FailureMode decides what happens when a step fails for good after an
// earlier step already landed on-chain.
type FailureMode string

const (
	FailureRollback     FailureMode = "rollback"
	FailureLeavePartial FailureMode = "leave_partial"
)

// BackoffPolicy parameterises the retry delay.
type BackoffPolicy struct {
	Base       time.Duration `json:"base"`
	Max        time.Duration `json:"max"`
	Multiplier float64       `json:"multiplier"`
}

// Delay returns the wait before retry number attempt (1-based) for the given
// error class. Blockhash refreshes resubmit immediately.
func (b BackoffPolicy) Delay(attempt int, class ErrorClass) time.Duration {
	if class == ErrorClassBlockhashExpired || attempt <= 0 || b.Base <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// RecoveryConfig is the per-step recovery configuration attached by the
// strategy builder.
type RecoveryConfig struct {
	RetryableClasses []ErrorClass  `json:"retryable_classes"`
	MaxRetries       int           `json:"max_retries"`
	Backoff          BackoffPolicy `json:"backoff"`
	OnFailure        FailureMode   `json:"on_failure"`
}

// Retryable reports whether class is listed as retryable.
func (rc RecoveryConfig) Retryable(class ErrorClass) bool {
	for _, c := range rc.RetryableClasses {
		if c == class {
			return true
		}
	}
	return false
}

// StepParams are the protocol-independent parameters of a step.
type StepParams struct {
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	ToToken     string          `json:"to_token,omitempty"`
	SlippageBps int             `json:"slippage_bps,omitempty"`
}

// StepBounds are verified by the coordinator before a step is submitted.
type StepBounds struct {
	MaxFeeUSD      float64         `json:"max_fee_usd"`
	MaxSlippageBps int             `json:"max_slippage_bps"`
	MinAmountOut   decimal.Decimal `json:"min_amount_out"`
}

// StrategyStep is one atomic on-chain action.
type StrategyStep struct {
	Index     int            `json:"index"`
	Type      StepType       `json:"type"`
	Protocol  ProtocolID     `json:"protocol"`
	Params    StepParams     `json:"params"`
	DependsOn int            `json:"depends_on"` // -1 when the step has no dependency
	Recovery  RecoveryConfig `json:"recovery"`
	Bounds    StepBounds     `json:"bounds"`
	Status    StepStatus     `json:"status"`
}

// StrategyKind distinguishes opening from closing plans.
type StrategyKind string

const (
	StrategyOpen  StrategyKind = "open"
	StrategyClose StrategyKind = "close"
)

// ValidationResult is the outcome of strategy validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Err returns the result as a ValidationError, or nil when valid.
func (v ValidationResult) Err() error {
	if v.Valid {
		return nil
	}
	return &ValidationError{Issues: v.Issues}
}

// BuiltStrategy is an ordered execution plan. It is immutable once execution
// starts; the coordinator works on its own copy of Steps.
type BuiltStrategy struct {
	ID         string           `json:"id"`
	Kind       StrategyKind     `json:"kind"`
	Wallet     string           `json:"wallet"`
	Protocol   ProtocolID       `json:"protocol"`
	PositionID string           `json:"position_id,omitempty"`
	Request    QuoteRequest     `json:"request"`
	Quote      *ProtocolQuote   `json:"quote,omitempty"`
	Steps      []StrategyStep   `json:"steps"`
	Validation ValidationResult `json:"validation"`
	BuiltAt    time.Time        `json:"built_at"`
}

// PlannedBorrow sums the amounts of all borrow steps.
func (s BuiltStrategy) PlannedBorrow() decimal.Decimal {
	total := decimal.Zero
	for _, st := range s.Steps {
		if st.Type == StepBorrow {
			total = total.Add(st.Params.Amount)
		}
	}
	return total
}
