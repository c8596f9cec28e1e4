package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// Token describes an SPL token the adapters know how to size.
type Token struct {
	Symbol   string
	Mint     string
	Decimals int32
}

// knownTokens is the token list shared by every venue.
var knownTokens = map[string]Token{
	"SOL":     {Symbol: "SOL", Mint: "So11111111111111111111111111111111111111112", Decimals: 9},
	"USDC":    {Symbol: "USDC", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
	"USDT":    {Symbol: "USDT", Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Decimals: 6},
	"JITOSOL": {Symbol: "JITOSOL", Mint: "J1toso1uCk3RLmjorhTtrVwY9HJ7X8V9yYac6Y7kGCPn", Decimals: 9},
	"MSOL":    {Symbol: "MSOL", Mint: "mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So", Decimals: 9},
	"JUP":     {Symbol: "JUP", Mint: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Decimals: 6},
}

// LookupToken returns the token metadata for symbol.
func LookupToken(symbol string) (Token, bool) {
	t, ok := knownTokens[symbol]
	return t, ok
}

// repayAll is the amount sentinel understood by every venue as "the full
// outstanding balance".
const repayAll = math.MaxUint64

// baseUnits converts a token amount to its integer on-chain representation,
// truncating any precision the token cannot hold.
func baseUnits(amount decimal.Decimal, decimals int32) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}
	raw := amount.Shift(decimals).Truncate(0)
	if !raw.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount %s overflows u64", amount)
	}
	return raw.BigInt().Uint64(), nil
}

// anchorDiscriminator is the 8-byte method selector Anchor programs expect.
func anchorDiscriminator(method string) []byte {
	sum := sha256.Sum256([]byte("global:" + method))
	return sum[:8]
}

// anchorData encodes an Anchor call with u64 arguments.
func anchorData(method string, args ...uint64) []byte {
	out := make([]byte, 0, 8+8*len(args))
	out = append(out, anchorDiscriminator(method)...)
	for _, a := range args {
		out = binary.LittleEndian.AppendUint64(out, a)
	}
	return out
}

// taggedData encodes a native-program call: one tag byte then u64 arguments.
func taggedData(tag byte, args ...uint64) []byte {
	out := make([]byte, 0, 1+8*len(args))
	out = append(out, tag)
	for _, a := range args {
		out = binary.LittleEndian.AppendUint64(out, a)
	}
	return out
}

// stepAmount resolves a step amount to base units. A zero amount on a repay
// means the full balance.
func stepAmount(kind domain.StepType, p domain.StepParams) (uint64, error) {
	tok, ok := LookupToken(p.Token)
	if !ok {
		return 0, domain.NewStepError(domain.ErrorClassUnknown, fmt.Errorf("unknown token %q", p.Token))
	}
	if p.Amount.IsZero() {
		if kind == domain.StepRepay || kind == domain.StepWithdraw {
			return repayAll, nil
		}
		return 0, domain.NewStepError(domain.ErrorClassUnknown, fmt.Errorf("%s amount must be positive", kind))
	}
	n, err := baseUnits(p.Amount, tok.Decimals)
	if err != nil {
		return 0, domain.NewStepError(domain.ErrorClassUnknown, err)
	}
	return n, nil
}
