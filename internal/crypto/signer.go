package crypto

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// sigLen is r || s || v.
const sigLen = 65

// KeySigner signs transaction messages with a local secp256k1 key. It is the
// headless stand-in for an external wallet: it only signs for the wallet it
// was configured with.
type KeySigner struct {
	privateKey *ecdsa.PrivateKey
	wallet     string
}

// NewKeySigner creates a KeySigner from a hex-encoded private key. wallet is
// the address strategies are built for; transactions for any other wallet are
// rejected.
func NewKeySigner(privateKeyHex, wallet string) (*KeySigner, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	if wallet == "" {
		return nil, errors.New("crypto/signer: wallet address is required")
	}
	return &KeySigner{privateKey: pk, wallet: wallet}, nil
}

// Wallet returns the wallet this signer signs for.
func (s *KeySigner) Wallet() string { return s.wallet }

// PublicKey returns the uncompressed public key, hex encoded.
func (s *KeySigner) PublicKey() string {
	return hex.EncodeToString(ethcrypto.FromECDSAPub(&s.privateKey.PublicKey))
}

// SignTransaction signs keccak256(tx.Message). The returned Raw payload is
// the message followed by the 65-byte signature.
func (s *KeySigner) SignTransaction(ctx context.Context, tx domain.UnsignedTransaction) (domain.SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.SignedTransaction{}, err
	}
	if tx.Wallet != s.wallet {
		return domain.SignedTransaction{}, domain.NewStepError(domain.ErrorClassUserRejected,
			fmt.Errorf("%w: signer holds no key for wallet %s", domain.ErrSigningFailed, tx.Wallet))
	}
	if len(tx.Message) == 0 {
		return domain.SignedTransaction{}, domain.NewStepError(domain.ErrorClassUnknown,
			fmt.Errorf("%w: empty message", domain.ErrSigningFailed))
	}

	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(tx.Message), s.privateKey)
	if err != nil {
		return domain.SignedTransaction{}, domain.NewStepError(domain.ErrorClassUnknown,
			fmt.Errorf("%w: %v", domain.ErrSigningFailed, err))
	}

	raw := make([]byte, 0, len(tx.Message)+len(sig))
	raw = append(raw, tx.Message...)
	raw = append(raw, sig...)
	return domain.SignedTransaction{
		Unsigned:  tx,
		Signature: hex.EncodeToString(sig),
		Raw:       raw,
	}, nil
}

// Verify reports whether signed.Raw carries a valid signature over its
// message by publicKeyHex.
func Verify(publicKeyHex string, signed domain.SignedTransaction) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(signed.Raw) < sigLen {
		return false
	}
	msg := signed.Raw[:len(signed.Raw)-sigLen]
	sig := signed.Raw[len(signed.Raw)-sigLen:]
	// VerifySignature takes r || s without the recovery byte.
	return ethcrypto.VerifySignature(pub, ethcrypto.Keccak256(msg), sig[:64])
}

var _ domain.Signer = (*KeySigner)(nil)
