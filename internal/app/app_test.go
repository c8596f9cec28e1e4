package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inMemoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Postgres.Enabled = false
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false
	cfg.Prices.Static = map[string]float64{"SOL": 150, "USDC": 1}
	cfg.Prices.Volatility = 40
	return &cfg
}

func TestNewRegistryHonoursEnabledVenues(t *testing.T) {
	cfg := config.Defaults()
	cfg.Protocols.Marginfi.Enabled = false

	ids := newRegistry(&cfg).IDs()
	assert.ElementsMatch(t, []domain.ProtocolID{domain.ProtocolKamino, domain.ProtocolSolend}, ids)
}

func TestWireInMemory(t *testing.T) {
	deps, cleanup, err := Wire(context.Background(), inMemoryConfig(), discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.PositionStore)
	assert.NotNil(t, deps.LockManager)
	assert.NotNil(t, deps.EventBus)
	assert.Nil(t, deps.Receipts)
	assert.Nil(t, deps.RateLimiter)
	assert.Empty(t, deps.HealthChecks)

	prices, err := deps.Prices.Prices(context.Background(), []string{"SOL"})
	require.NoError(t, err)
	assert.Equal(t, 150.0, prices["SOL"])
	hvix, err := deps.Prices.Volatility(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40.0, hvix)
}

func TestMonitorModeStopsOnCancel(t *testing.T) {
	cfg := inMemoryConfig()
	cfg.Mode = "monitor"
	cfg.Server.Enabled = false

	a := New(cfg, discardLogger())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor mode did not stop")
	}
}

func TestServerModeRequiresServer(t *testing.T) {
	cfg := inMemoryConfig()
	cfg.Mode = "server"
	cfg.Server.Enabled = false

	a := New(cfg, discardLogger())
	defer a.Close()
	require.ErrorContains(t, a.Run(context.Background()), "server.enabled is false")
}
