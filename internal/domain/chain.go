package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Commitment is the confirmation level requested when polling a signature.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Instruction is an unsigned, protocol-specific instruction payload produced
// by a protocol adapter.
type Instruction struct {
	Protocol        ProtocolID      `json:"protocol"`
	Program         string          `json:"program"`
	Kind            StepType        `json:"kind"`
	Accounts        []string        `json:"accounts"`
	Data            []byte          `json:"data"`
	EstimatedFeeUSD float64         `json:"estimated_fee_usd"`
	MinAmountOut    decimal.Decimal `json:"min_amount_out"`
}

// Blockhash is a recent blockhash with the last block height at which a
// transaction referencing it is still valid.
type Blockhash struct {
	Hash                 string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
}

// UnsignedTransaction is what the coordinator hands to the Signer.
type UnsignedTransaction struct {
	ID              string        `json:"id"`
	Wallet          string        `json:"wallet"`
	Instructions    []Instruction `json:"instructions"`
	RecentBlockhash Blockhash     `json:"recent_blockhash"`
	Message         []byte        `json:"message"`
}

// SignedTransaction is a transaction ready for submission.
type SignedTransaction struct {
	Unsigned  UnsignedTransaction `json:"unsigned"`
	Signature string              `json:"signature"`
	Raw       []byte              `json:"raw"`
}

// ConfirmStatus is one poll of a submitted signature.
type ConfirmStatus struct {
	Found      bool       `json:"found"`
	Commitment Commitment `json:"commitment,omitempty"`
	// Err is the on-chain execution error, if the transaction landed and failed.
	Err error `json:"-"`
}

// Reached reports whether the status satisfies the wanted commitment.
func (c ConfirmStatus) Reached(want Commitment) bool {
	if !c.Found {
		return false
	}
	rank := map[Commitment]int{CommitmentProcessed: 1, CommitmentConfirmed: 2, CommitmentFinalized: 3}
	return rank[c.Commitment] >= rank[want]
}

// Signer is the external wallet that authorises transactions. It may return a
// StepExecutionError with class USER_REJECTED.
type Signer interface {
	SignTransaction(ctx context.Context, tx UnsignedTransaction) (SignedTransaction, error)
}

// ChainRPC is the blockchain RPC collaborator.
type ChainRPC interface {
	LatestBlockhash(ctx context.Context, commitment Commitment) (Blockhash, error)
	Submit(ctx context.Context, tx SignedTransaction) (string, error)
	Confirm(ctx context.Context, signature string, commitment Commitment) (ConfirmStatus, error)
}
