// Package chain talks JSON-RPC to the cluster: blockhashes, submission
// (optionally through a bundle relay) and signature status polling.
package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
)

// Options configures the RPC client.
type Options struct {
	RPCURL         string
	BundleURL      string
	MEVProtection  bool
	RequestTimeout time.Duration
}

// OptionsFromConfig maps the [chain] config section.
func OptionsFromConfig(c config.ChainConfig) Options {
	return Options{
		RPCURL:         c.RPCURL,
		BundleURL:      c.BundleURL,
		MEVProtection:  c.MEVProtection,
		RequestTimeout: c.RequestTimeout.Duration,
	}
}

// Client implements domain.ChainRPC.
type Client struct {
	rpc    *rpc.Client
	bundle *rpc.Client
	opts   Options
	logger *slog.Logger
}

// Dial connects to the RPC endpoint and, with MEV protection on, the bundle
// relay.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	c, err := rpc.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", opts.RPCURL, err)
	}
	client := &Client{
		rpc:    c,
		opts:   opts,
		logger: logger.With(slog.String("component", "chain")),
	}
	if opts.MEVProtection {
		b, err := rpc.DialContext(ctx, opts.BundleURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("chain: dial bundle relay %s: %w", opts.BundleURL, err)
		}
		client.bundle = b
	}
	return client, nil
}

// Close releases both connections.
func (c *Client) Close() {
	c.rpc.Close()
	if c.bundle != nil {
		c.bundle.Close()
	}
}

func (c *Client) call(ctx context.Context, client *rpc.Client, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	return classifyCall(method, client.CallContext(ctx, result, method, args...))
}

type blockhashResponse struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

// LatestBlockhash fetches a recent blockhash at the given commitment.
func (c *Client) LatestBlockhash(ctx context.Context, commitment domain.Commitment) (domain.Blockhash, error) {
	var resp blockhashResponse
	err := c.call(ctx, c.rpc, &resp, "getLatestBlockhash", map[string]any{"commitment": commitment})
	if err != nil {
		return domain.Blockhash{}, err
	}
	return domain.Blockhash{
		Hash:                 resp.Value.Blockhash,
		LastValidBlockHeight: resp.Value.LastValidBlockHeight,
	}, nil
}

// Submit sends a signed transaction and returns its signature. With MEV
// protection the transaction goes to the bundle relay instead of the public
// mempool; the signature is then the one the signer produced.
func (c *Client) Submit(ctx context.Context, tx domain.SignedTransaction) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(tx.Raw)

	if c.bundle != nil {
		var bundleID string
		if err := c.call(ctx, c.bundle, &bundleID, "sendBundle", []string{encoded}); err != nil {
			return "", err
		}
		c.logger.Debug("bundle submitted",
			slog.String("bundle_id", bundleID),
			slog.String("signature", tx.Signature),
		)
		return tx.Signature, nil
	}

	var sig string
	err := c.call(ctx, c.rpc, &sig, "sendTransaction", encoded, map[string]any{
		"encoding":            "base64",
		"preflightCommitment": domain.CommitmentConfirmed,
	})
	if err != nil {
		return "", err
	}
	return sig, nil
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type statusesResponse struct {
	Value []*signatureStatus `json:"value"`
}

// Confirm polls the status of one signature. A transaction that landed but
// failed is reported with Found=true and a classified Err.
func (c *Client) Confirm(ctx context.Context, signature string, _ domain.Commitment) (domain.ConfirmStatus, error) {
	var resp statusesResponse
	err := c.call(ctx, c.rpc, &resp, "getSignatureStatuses", []string{signature},
		map[string]any{"searchTransactionHistory": true})
	if err != nil {
		return domain.ConfirmStatus{}, err
	}
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return domain.ConfirmStatus{}, nil
	}
	st := resp.Value[0]
	out := domain.ConfirmStatus{Found: true, Commitment: domain.Commitment(st.ConfirmationStatus)}
	if len(st.Err) > 0 && string(st.Err) != "null" {
		out.Err = classifyTxError(st.Err)
	}
	return out, nil
}

var _ domain.ChainRPC = (*Client)(nil)
