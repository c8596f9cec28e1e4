package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/sentinel/internal/cache/memory"
	"github.com/alanyoungcy/sentinel/internal/crypto"
	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/server/handler"
	"github.com/alanyoungcy/sentinel/internal/server/ws"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeService struct {
	quoteErr   error
	executeErr error
	closeErr   error
	gotReq     domain.QuoteRequest
	gotProto   domain.ProtocolID
	positions  []domain.Position
	history    []domain.Position
	gotOpts    domain.ListOpts
	inflight   map[string]domain.ExecutionProgress
}

func (f *fakeService) Quote(_ context.Context, req domain.QuoteRequest) (domain.PositionQuote, error) {
	f.gotReq = req
	return domain.PositionQuote{Request: req}, f.quoteErr
}

func (f *fakeService) BuildAndExecute(_ context.Context, req domain.QuoteRequest, id domain.ProtocolID) (domain.BuiltStrategy, domain.MultiTxResult, error) {
	f.gotReq, f.gotProto = req, id
	if f.executeErr != nil {
		return domain.BuiltStrategy{}, domain.MultiTxResult{}, f.executeErr
	}
	return domain.BuiltStrategy{ID: "s1", Wallet: req.Wallet},
		domain.MultiTxResult{ExecutionID: "e1", Status: domain.ExecPartial, Wallet: req.Wallet}, nil
}

func (f *fakeService) Close(_ context.Context, positionID, wallet string, _ int) (domain.BuiltStrategy, domain.MultiTxResult, error) {
	if f.closeErr != nil {
		return domain.BuiltStrategy{}, domain.MultiTxResult{}, f.closeErr
	}
	return domain.BuiltStrategy{ID: "c1", PositionID: positionID, Wallet: wallet},
		domain.MultiTxResult{ExecutionID: "e2", Status: domain.ExecSucceeded}, nil
}

func (f *fakeService) Positions(context.Context, string) ([]domain.Position, error) {
	return f.positions, nil
}

func (f *fakeService) History(_ context.Context, _ string, opts domain.ListOpts) ([]domain.Position, error) {
	f.gotOpts = opts
	return f.history, nil
}

func (f *fakeService) InFlight(_ context.Context, wallet string) (domain.ExecutionProgress, error) {
	p, ok := f.inflight[wallet]
	if !ok {
		return p, fmt.Errorf("executor: wallet %s: %w", wallet, domain.ErrNotFound)
	}
	return p, nil
}

func (f *fakeService) Cancel(id string) (domain.CancelState, error) {
	if id == "gone" {
		return domain.CancelNone, domain.ErrNotFound
	}
	return domain.CancelRequestedButSubmitted, nil
}

func (f *fakeService) Execution(_ context.Context, id string) (domain.MultiTxResult, error) {
	return domain.MultiTxResult{ExecutionID: id}, nil
}

func (f *fakeService) Executions(context.Context, string, domain.ListOpts) ([]domain.MultiTxResult, error) {
	return nil, nil
}

type countLimiter struct {
	mu    sync.Mutex
	count map[string]int
}

func (l *countLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == nil {
		l.count = make(map[string]int)
	}
	l.count[key]++
	return l.count[key] <= limit, nil
}

func newTestHandler(svc *fakeService, cfg Config, checks map[string]handler.Check) http.Handler {
	return newHandler(cfg, Handlers{
		Health:     handler.NewHealthHandler(checks, discard()),
		Positions:  handler.NewPositionHandler(svc, discard()),
		Executions: handler.NewExecutionHandler(svc, discard()),
	}, nil, discard())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestExecuteReturnsPlanAndResult(t *testing.T) {
	svc := &fakeService{}
	h := newTestHandler(svc, Config{}, nil)

	rec := do(t, h, http.MethodPost, "/api/execute",
		`{"wallet":"w1","collateral_token":"SOL","collateral_amount":"10","borrow_token":"USDC","leverage":1.5,"protocol":"solend"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, body, "strategy")
	assert.Contains(t, string(body["result"]), `"status":"PARTIAL"`)
	assert.Equal(t, domain.ProtocolSolend, svc.gotProto)
	assert.Equal(t, "10", svc.gotReq.CollateralAmount.String())
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", domain.NewValidationError("leverage", "too high"), http.StatusUnprocessableEntity},
		{"quote", &domain.QuoteError{Err: domain.ErrNoQuotes}, http.StatusBadGateway},
		{"busy wallet", &domain.CoordinationError{Wallet: "w1", Err: domain.ErrLockHeld}, http.StatusConflict},
		{"not found", fmt.Errorf("wrapped: %w", domain.ErrNotFound), http.StatusNotFound},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(&fakeService{executeErr: tc.err}, Config{}, nil)
			rec := do(t, h, http.MethodPost, "/api/execute", `{"wallet":"w1"}`)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	h := newTestHandler(&fakeService{executeErr: domain.NewValidationError("leverage", "too high")}, Config{}, nil)
	rec := do(t, h, http.MethodPost, "/api/execute", `{"wallet":"w1"}`)
	body := decode[map[string]any](t, rec)
	assert.NotEmpty(t, body["issues"])
}

func TestBadBodies(t *testing.T) {
	h := newTestHandler(&fakeService{}, Config{}, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/quote", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/quote", `{"nope":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/positions/p1/close", `{}`).Code)
}

func TestCloseOwnership(t *testing.T) {
	h := newTestHandler(&fakeService{closeErr: domain.ErrUnauthorized}, Config{}, nil)
	rec := do(t, h, http.MethodPost, "/api/positions/p1/close", `{"wallet":"w1","slippage_bps":50}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h = newTestHandler(&fakeService{}, Config{}, nil)
	rec = do(t, h, http.MethodPost, "/api/positions/p1/close", `{"wallet":"w1","slippage_bps":50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"position_id":"p1"`)
}

func TestListPositions(t *testing.T) {
	svc := &fakeService{history: []domain.Position{{ID: "old", Status: domain.PositionClosed}}}
	h := newTestHandler(svc, Config{}, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/positions", "").Code)

	rec := do(t, h, http.MethodGet, "/api/positions?wallet=w1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/positions?wallet=w1&status=all&limit=900&since=2026-01-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"old"`)
	assert.Equal(t, 500, svc.gotOpts.Limit)
	require.NotNil(t, svc.gotOpts.Since)

	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodGet, "/api/positions?wallet=w1&status=all&since=yesterday", "").Code)
}

func TestExecutionRoutes(t *testing.T) {
	svc := &fakeService{inflight: map[string]domain.ExecutionProgress{
		"w1": {ExecutionID: "e9", Wallet: "w1", Status: domain.ExecExecuting},
	}}
	h := newTestHandler(svc, Config{}, nil)

	rec := do(t, h, http.MethodGet, "/api/executions/w1/inflight", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"execution_id":"e9"`)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/executions/w2/inflight", "").Code)

	rec = do(t, h, http.MethodPost, "/api/executions/e9/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.CancelRequestedButSubmitted))
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/executions/gone/cancel", "").Code)

	rec = do(t, h, http.MethodGet, "/api/executions/e9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"executions":[]}`, do(t, h, http.MethodGet, "/api/executions?wallet=w1", "").Body.String())
}

func TestHealth(t *testing.T) {
	h := newTestHandler(&fakeService{}, Config{}, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
	})
	rec := do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])

	h = newTestHandler(&fakeService{}, Config{}, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return fmt.Errorf("connection refused") },
	})
	rec = do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
}

func TestSignedRequests(t *testing.T) {
	auth := &crypto.RequestAuth{Key: "k1", Secret: "s1"}
	h := newTestHandler(&fakeService{}, Config{Auth: auth}, nil)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", "").Code, "health is public")
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "").Code, "metrics is public")
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/quote", `{}`).Code)

	body := []byte(`{"wallet":"w1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/quote", bytes.NewReader(body))
	for k, v := range auth.Headers(http.MethodPost, "/api/quote", body, time.Now()) {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "the handler still sees the body")
	assert.Contains(t, rec.Body.String(), `"wallet":"w1"`)

	tampered := httptest.NewRequest(http.MethodPost, "/api/quote", strings.NewReader(`{"wallet":"w2"}`))
	tampered.Header = req.Header.Clone()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newTestHandler(&fakeService{}, Config{RateLimit: 2, Limiter: &countLimiter{}}, nil)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", "").Code)
	}
	rec := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(&fakeService{}, Config{CORSOrigins: []string{"https://app.example"}}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/execute", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)

	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsWalletEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := cachemem.NewEventBus(16)
	hub := ws.NewHub(bus, []string{"progress", "risk"}, discard())
	go hub.Run(ctx)

	h := newHandler(Config{}, Handlers{
		Health:     handler.NewHealthHandler(nil, discard()),
		Positions:  handler.NewPositionHandler(&fakeService{}, discard()),
		Executions: handler.NewExecutionHandler(&fakeService{}, discard()),
	}, hub, discard())
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?wallet=w1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() ws.Envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var env ws.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}
	assert.Equal(t, "hello", read().Type)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	// The relay goroutines subscribe asynchronously, so keep publishing
	// until the client has read an event.
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				bus.Publish(ctx, "risk", []byte(`{"wallet":"w2","health_factor":1.1}`))
				bus.Publish(ctx, "risk", []byte(`{"wallet":"w1","health_factor":1.3}`))
			}
		}
	}()
	env := read()

	assert.Equal(t, "event", env.Type)
	assert.Equal(t, "risk", env.Channel)
	assert.JSONEq(t, `{"wallet":"w1","health_factor":1.3}`, string(env.Payload), "other wallets are filtered out")
}
