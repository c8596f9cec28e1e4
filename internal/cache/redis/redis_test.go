package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
)

// These tests need a live server; set SENTINEL_TEST_REDIS_ADDR to run them.
func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("SENTINEL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SENTINEL_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), config.RedisConfig{Addr: addr, DB: 15})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager(t *testing.T) {
	c := testClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()
	key := "wallet:" + uuid.NewString()

	lock, err := lm.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	lock.Release()
	lock.Release()
	assert.ErrorIs(t, lock.Refresh(ctx, time.Minute), domain.ErrLockLost)

	lock2, err := lm.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	lock2.Release()
}

func TestLockRefresh(t *testing.T) {
	c := testClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()
	key := "wallet:" + uuid.NewString()

	lock, err := lm.Acquire(ctx, key, 200*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(lock.Release)

	require.NoError(t, lock.Refresh(ctx, time.Minute))
	time.Sleep(300 * time.Millisecond)

	_, err = lm.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld, "refresh outlived the original ttl")
}

func TestProgressStore(t *testing.T) {
	c := testClient(t)
	ps := NewProgressStore(c, time.Hour)
	ctx := context.Background()

	older := domain.ExecutionProgress{ExecutionID: uuid.NewString(), Wallet: "w1", Status: domain.ExecExecuting, StartedAt: time.Now().Add(-time.Minute)}
	newer := domain.ExecutionProgress{ExecutionID: uuid.NewString(), Wallet: "w2", Status: domain.ExecExecuting, StartedAt: time.Now()}
	require.NoError(t, ps.Save(ctx, newer))
	require.NoError(t, ps.Save(ctx, older))
	t.Cleanup(func() {
		_ = ps.Delete(ctx, older.ExecutionID)
		_ = ps.Delete(ctx, newer.ExecutionID)
	})

	got, err := ps.Load(ctx, older.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.Wallet)

	active, err := ps.ListActive(ctx)
	require.NoError(t, err)
	var order []string
	for _, p := range active {
		if p.ExecutionID == older.ExecutionID || p.ExecutionID == newer.ExecutionID {
			order = append(order, p.ExecutionID)
		}
	}
	assert.Equal(t, []string{older.ExecutionID, newer.ExecutionID}, order)

	require.NoError(t, ps.Delete(ctx, older.ExecutionID))
	_, err = ps.Load(ctx, older.ExecutionID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQuoteCache(t *testing.T) {
	c := testClient(t)
	qc := NewQuoteCache(c)
	ctx := context.Background()
	key := uuid.NewString()

	_, err := qc.Get(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	best := domain.ProtocolQuote{Protocol: domain.ProtocolKamino, IsRecommended: true}
	require.NoError(t, qc.Set(ctx, key, domain.PositionQuote{Quotes: []domain.ProtocolQuote{best}, BestQuote: &best}, time.Minute))
	q, err := qc.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, q.BestQuote)
	assert.Equal(t, domain.ProtocolKamino, q.BestQuote.Protocol)
}

func TestPriceSourceDropsStalePrices(t *testing.T) {
	c := testClient(t)
	ps := NewPriceSource(c, time.Minute)
	ctx := context.Background()
	fresh, stale := "T"+uuid.NewString()[:8], "T"+uuid.NewString()[:8]

	require.NoError(t, ps.SetPrice(ctx, fresh, 140.5, -2, time.Now()))
	require.NoError(t, ps.SetPrice(ctx, stale, 1, 0, time.Now().Add(-time.Hour)))

	prices, err := ps.Prices(ctx, []string{fresh, stale, "MISSING"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{fresh: 140.5}, prices)

	trend, err := ps.Trend(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, -2.0, trend)
}

func TestEventBusPublishSubscribe(t *testing.T) {
	c := testClient(t)
	bus := NewEventBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	channel := "sentinel:test:" + uuid.NewString()

	ch, err := bus.Subscribe(ctx, channel)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, channel, []byte("one")))

	select {
	case msg := <-ch:
		assert.Equal(t, []byte("one"), msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}

	recent, err := bus.Recent(ctx, channel, 10)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one")}, recent)
}

func TestRateLimiter(t *testing.T) {
	c := testClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()
	key := uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
