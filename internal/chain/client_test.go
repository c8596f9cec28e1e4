package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC calls from a method table. A handler returns
// either a result or an error object.
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *rpcError)
	calls    []string
	status   int
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()
	n := &fakeNode{handlers: map[string]func([]json.RawMessage) (any, *rpcError){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n.mu.Lock()
		n.calls = append(n.calls, req.Method)
		status := n.status
		h := n.handlers[req.Method]
		n.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if h == nil {
			resp["error"] = rpcError{Code: -32601, Message: "method not found"}
		} else if res, rerr := h(req.Params); rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = res
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *fakeNode) on(method string, h func([]json.RawMessage) (any, *rpcError)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func dial(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 2 * time.Second
	}
	c, err := Dial(context.Background(), opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestLatestBlockhash(t *testing.T) {
	node, srv := newFakeNode(t)
	node.on("getLatestBlockhash", func(p []json.RawMessage) (any, *rpcError) {
		var cfg map[string]string
		_ = json.Unmarshal(p[0], &cfg)
		assert.Equal(t, "finalized", cfg["commitment"])
		return map[string]any{
			"context": map[string]any{"slot": 1},
			"value":   map[string]any{"blockhash": "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", "lastValidBlockHeight": 3090},
		}, nil
	})

	c := dial(t, Options{RPCURL: srv.URL})
	bh, err := c.LatestBlockhash(context.Background(), domain.CommitmentFinalized)
	require.NoError(t, err)
	assert.Equal(t, "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", bh.Hash)
	assert.Equal(t, uint64(3090), bh.LastValidBlockHeight)
}

func TestSubmitPublic(t *testing.T) {
	node, srv := newFakeNode(t)
	node.on("sendTransaction", func(p []json.RawMessage) (any, *rpcError) {
		var raw string
		_ = json.Unmarshal(p[0], &raw)
		decoded, err := base64.StdEncoding.DecodeString(raw)
		assert.NoError(t, err)
		assert.Equal(t, []byte("signed-bytes"), decoded)
		return "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnb", nil
	})

	c := dial(t, Options{RPCURL: srv.URL})
	sig, err := c.Submit(context.Background(), domain.SignedTransaction{Raw: []byte("signed-bytes"), Signature: "local"})
	require.NoError(t, err)
	assert.Equal(t, "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnb", sig)
}

func TestSubmitThroughBundleRelay(t *testing.T) {
	node, srv := newFakeNode(t)
	relay, relaySrv := newFakeNode(t)
	relay.on("sendBundle", func(p []json.RawMessage) (any, *rpcError) {
		var txs []string
		_ = json.Unmarshal(p[0], &txs)
		assert.Len(t, txs, 1)
		return "bundle-1", nil
	})

	c := dial(t, Options{RPCURL: srv.URL, BundleURL: relaySrv.URL, MEVProtection: true})
	sig, err := c.Submit(context.Background(), domain.SignedTransaction{Raw: []byte("x"), Signature: "sig-local"})
	require.NoError(t, err)
	assert.Equal(t, "sig-local", sig)
	assert.Empty(t, node.calls, "public mempool must not see the transaction")
}

func TestConfirmStatuses(t *testing.T) {
	node, srv := newFakeNode(t)
	var reply any
	node.on("getSignatureStatuses", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"context": map[string]any{"slot": 5}, "value": []any{reply}}, nil
	})
	c := dial(t, Options{RPCURL: srv.URL})
	ctx := context.Background()

	reply = nil
	st, err := c.Confirm(ctx, "sig", domain.CommitmentConfirmed)
	require.NoError(t, err)
	assert.False(t, st.Found)

	reply = map[string]any{"slot": 5, "confirmations": 3, "err": nil, "confirmationStatus": "confirmed"}
	st, err = c.Confirm(ctx, "sig", domain.CommitmentConfirmed)
	require.NoError(t, err)
	assert.True(t, st.Reached(domain.CommitmentConfirmed))
	assert.False(t, st.Reached(domain.CommitmentFinalized))
	assert.NoError(t, st.Err)

	reply = map[string]any{"slot": 5, "err": map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 6001}}}, "confirmationStatus": "confirmed"}
	st, err = c.Confirm(ctx, "sig", domain.CommitmentConfirmed)
	require.NoError(t, err)
	require.Error(t, st.Err)
	assert.Equal(t, domain.ErrorClassSlippageExceeded, domain.ClassOf(st.Err))
}

func TestCallErrorsAreClassified(t *testing.T) {
	node, srv := newFakeNode(t)
	c := dial(t, Options{RPCURL: srv.URL})
	ctx := context.Background()

	node.on("sendTransaction", func([]json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}
	})
	_, err := c.Submit(ctx, domain.SignedTransaction{Raw: []byte("x")})
	assert.Equal(t, domain.ErrorClassBlockhashExpired, domain.ClassOf(err))

	node.on("sendTransaction", func([]json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32002, Message: "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit. insufficient funds"}
	})
	_, err = c.Submit(ctx, domain.SignedTransaction{Raw: []byte("x")})
	assert.Equal(t, domain.ErrorClassInsufficientFunds, domain.ClassOf(err))

	node.on("getLatestBlockhash", func([]json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32005, Message: "Node is unhealthy"}
	})
	_, err = c.LatestBlockhash(ctx, domain.CommitmentConfirmed)
	assert.Equal(t, domain.ErrorClassTransient, domain.ClassOf(err))

	node.mu.Lock()
	node.status = http.StatusTooManyRequests
	node.mu.Unlock()
	_, err = c.LatestBlockhash(ctx, domain.CommitmentConfirmed)
	assert.Equal(t, domain.ErrorClassTransient, domain.ClassOf(err))
}

func TestClassifyTxError(t *testing.T) {
	cases := map[string]domain.ErrorClass{
		`"BlockhashNotFound"`:                           domain.ErrorClassBlockhashExpired,
		`"InsufficientFundsForFee"`:                     domain.ErrorClassInsufficientFunds,
		`{"InstructionError":[2,{"Custom":1}]}`:         domain.ErrorClassInsufficientFunds,
		`{"InstructionError":[0,{"Custom":6001}]}`:      domain.ErrorClassSlippageExceeded,
		`{"InstructionError":[0,"InvalidAccountData"]}`: domain.ErrorClassUnknown,
		`"AccountInUse"`:                                domain.ErrorClassUnknown,
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			assert.Equal(t, want, domain.ClassOf(classifyTxError(json.RawMessage(raw))))
		})
	}
}

func TestCompileMessageDeterministic(t *testing.T) {
	tx := domain.UnsignedTransaction{
		Wallet:          "wallet",
		RecentBlockhash: domain.Blockhash{Hash: "hash-1"},
		Instructions: []domain.Instruction{
			{Program: "prog", Accounts: []string{"a", "b"}, Data: []byte{1, 2, 3}},
		},
	}
	m1 := CompileMessage(tx)
	m2 := CompileMessage(tx)
	assert.Equal(t, m1, m2)

	tx.RecentBlockhash.Hash = "hash-2"
	assert.NotEqual(t, m1, CompileMessage(tx))

	// u16 len "hash-1" | u16 len "wallet" | 1 ix | ...
	assert.Equal(t, []byte{6, 0}, m1[:2])
	assert.Equal(t, byte(1), m1[2+6+2+6])
}
