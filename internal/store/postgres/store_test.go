package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/sentinel?sslmode=disable",
		DSN(config.PostgresConfig{Host: "db", User: "u", Password: "p", Database: "sentinel"}))
	assert.Equal(t, "postgres://x", DSN(config.PostgresConfig{DSN: "postgres://x", Host: "ignored"}))
	assert.Equal(t, "postgres://u:p%40ss@db:6543/s?sslmode=require",
		DSN(config.PostgresConfig{Host: "db", Port: 6543, User: "u", Password: "p@ss", Database: "s", SSLMode: "require"}))
}

func TestWithListOpts(t *testing.T) {
	since := time.Unix(100, 0)
	sql, args := withListOpts("SELECT * FROM t WHERE a = $1", []any{"w"}, "ts",
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND ts >= $2 ORDER BY ts DESC LIMIT $3 OFFSET $4", sql)
	assert.Equal(t, []any{"w", since, 10, 20}, args)

	sql, args = withListOpts("SELECT * FROM t WHERE TRUE", nil, "ts", domain.ListOpts{})
	assert.Equal(t, "SELECT * FROM t WHERE TRUE ORDER BY ts DESC", sql)
	assert.Empty(t, args)
}

// The tests below need a live database; set SENTINEL_TEST_POSTGRES_DSN.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("SENTINEL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SENTINEL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, config.PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx), "migrations must be idempotent")
	return c
}

func testPosition(wallet string) domain.Position {
	return domain.Position{
		ID:                   uuid.NewString(),
		Wallet:               wallet,
		Protocol:             domain.ProtocolKamino,
		Network:              "mainnet-beta",
		Status:               domain.PositionOpen,
		CollateralToken:      "SOL",
		CollateralAmount:     decimal.RequireFromString("10.5"),
		BorrowToken:          "USDC",
		BorrowAmount:         decimal.RequireFromString("735.123456"),
		Leverage:             2,
		LiquidationThreshold: 0.8,
		EntryPrice:           140,
		LiquidationPrice:     87.5,
		OpenHealthFactor:     1.6,
		OpenExecutionID:      uuid.NewString(),
		OpenedAt:             time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestPositionStore(t *testing.T) {
	c := testClient(t)
	ps := NewPositionStore(c.Pool())
	ctx := context.Background()
	wallet := "wallet-" + uuid.NewString()

	pos := testPosition(wallet)
	require.NoError(t, ps.Create(ctx, pos))

	got, err := ps.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, pos.CollateralAmount.Equal(got.CollateralAmount))
	assert.True(t, pos.BorrowAmount.Equal(got.BorrowAmount))
	assert.Equal(t, domain.PositionOpen, got.Status)
	assert.Nil(t, got.ClosedAt)

	open, err := ps.ListOpen(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, open, 1)

	closed := time.Now().UTC()
	got.Status = domain.PositionClosed
	got.CloseExecutionID = uuid.NewString()
	got.ClosedAt = &closed
	require.NoError(t, ps.Update(ctx, got))

	open, err = ps.ListOpen(ctx, wallet)
	require.NoError(t, err)
	assert.Empty(t, open)

	hist, err := ps.ListHistory(ctx, wallet, domain.ListOpts{Limit: 5})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, got.CloseExecutionID, hist[0].CloseExecutionID)

	_, err = ps.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, ps.Update(ctx, testPosition(wallet)), domain.ErrNotFound)
}

func TestSnapshotStore(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	pos := testPosition("wallet-" + uuid.NewString())
	require.NoError(t, NewPositionStore(c.Pool()).Create(ctx, pos))

	ss := NewSnapshotStore(c.Pool())
	_, err := ss.Latest(ctx, pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, hf := range []float64{1.6, 1.4, 1.25} {
		require.NoError(t, ss.Insert(ctx, domain.AccountSnapshot{
			PositionID:        pos.ID,
			Wallet:            pos.Wallet,
			HealthFactor:      hf,
			TimeToLiquidation: 90 * time.Minute,
			TakenAt:           base.Add(time.Duration(i) * time.Minute),
		}))
	}

	latest, err := ss.Latest(ctx, pos.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, latest.HealthFactor, 1e-9)
	assert.Equal(t, 90*time.Minute, latest.TimeToLiquidation)

	list, err := ss.List(ctx, pos.ID, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.InDelta(t, 1.4, list[1].HealthFactor, 1e-9)
}

func TestExecutionStore(t *testing.T) {
	c := testClient(t)
	es := NewExecutionStore(c.Pool())
	ctx := context.Background()

	res := domain.MultiTxResult{
		ExecutionID: uuid.NewString(),
		StrategyID:  uuid.NewString(),
		Kind:        domain.StrategyOpen,
		Wallet:      "wallet-" + uuid.NewString(),
		Protocol:    domain.ProtocolKamino,
		Status:      domain.ExecPartial,
		Steps: []domain.StepOutcome{
			{Index: 0, Type: domain.StepDeposit, Status: domain.StepConfirmed, Signature: "sig-0"},
			{Index: 1, Type: domain.StepBorrow, Status: domain.StepFailed, Retries: 3},
		},
		ErrorClass: domain.ErrorClassTransient,
		StartedAt:  time.Now().UTC().Truncate(time.Millisecond),
		FinishedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, es.Record(ctx, res))

	res.Status = domain.ExecFailed
	res.RolledBack = true
	require.NoError(t, es.Record(ctx, res))

	got, err := es.GetByID(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, got.Status)
	assert.True(t, got.RolledBack)
	assert.Equal(t, []string{"sig-0", ""}, got.Signatures())

	list, err := es.ListByWallet(ctx, res.Wallet, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = es.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStore(t *testing.T) {
	c := testClient(t)
	as := NewAuditStore(c.Pool())
	ctx := context.Background()
	since := time.Now().Add(-time.Second)

	id := uuid.NewString()
	require.NoError(t, as.Log(ctx, "execution.finished", map[string]any{"execution_id": id}))

	entries, err := as.List(ctx, domain.ListOpts{Since: &since, Limit: 50})
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Detail["execution_id"] == id {
			found = true
			assert.Equal(t, "execution.finished", e.Event)
		}
	}
	assert.True(t, found)
}
