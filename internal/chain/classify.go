package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// Custom program error codes that map to a recovery class.
const (
	splInsufficientFunds   = 1    // spl-token: insufficient funds
	swapSlippageExceeded   = 6001 // aggregator: slippage tolerance exceeded
	lendingInsufficientLiq = 6013 // reserve has not enough liquidity
)

// Node error codes (JSON-RPC).
const (
	codeNodeUnhealthy = -32005
	codeSlotSkipped   = -32007
)

// classifyCall wraps an RPC transport or node error as a StepExecutionError.
func classifyCall(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StepExecutionError
	if errors.As(err, &se) {
		return err
	}
	return domain.NewStepError(classOfCall(err), fmt.Errorf("chain: %s: %w", op, err))
}

func classOfCall(err error) domain.ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorClassTransient
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return domain.ErrorClassTransient
		}
		return domain.ErrorClassUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrorClassTransient
	}

	msg := strings.ToLower(err.Error())
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeNodeUnhealthy, codeSlotSkipped:
			return domain.ErrorClassTransient
		}
	}
	return classOfMessage(msg)
}

func classOfMessage(msg string) domain.ErrorClass {
	switch {
	case strings.Contains(msg, "blockhash not found"), strings.Contains(msg, "block height exceeded"):
		return domain.ErrorClassBlockhashExpired
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient lamports"):
		return domain.ErrorClassInsufficientFunds
	case strings.Contains(msg, "slippage"):
		return domain.ErrorClassSlippageExceeded
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "eof"):
		return domain.ErrorClassTransient
	}
	return domain.ErrorClassUnknown
}

// classifyTxError maps the err field of a landed transaction's status.
// Examples: "BlockhashNotFound", {"InstructionError":[1,{"Custom":6001}]}.
func classifyTxError(raw json.RawMessage) error {
	class := domain.ErrorClassUnknown

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		switch name {
		case "BlockhashNotFound":
			class = domain.ErrorClassBlockhashExpired
		case "InsufficientFundsForFee", "InsufficientFundsForRent":
			class = domain.ErrorClassInsufficientFunds
		}
		return domain.NewStepError(class, fmt.Errorf("transaction failed: %s", name))
	}

	var ix struct {
		InstructionError []json.RawMessage `json:"InstructionError"`
	}
	if err := json.Unmarshal(raw, &ix); err == nil && len(ix.InstructionError) == 2 {
		var custom struct {
			Custom *int `json:"Custom"`
		}
		if err := json.Unmarshal(ix.InstructionError[1], &custom); err == nil && custom.Custom != nil {
			switch *custom.Custom {
			case splInsufficientFunds, lendingInsufficientLiq:
				class = domain.ErrorClassInsufficientFunds
			case swapSlippageExceeded:
				class = domain.ErrorClassSlippageExceeded
			}
		}
	}
	return domain.NewStepError(class, fmt.Errorf("transaction failed: %s", string(raw)))
}
