package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

func TestLockContentionAndRelease(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()

	lock, err := lm.Acquire(ctx, "wallet:a", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "wallet:a", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "wallet:b", time.Minute)
	require.NoError(t, err)
	other.Release()

	lock.Release()
	lock.Release()
	again, err := lm.Acquire(ctx, "wallet:a", time.Minute)
	require.NoError(t, err)
	again.Release()
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()
	now := time.Now()
	lm.now = func() time.Time { return now }

	stale, err := lm.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := lm.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// The expired holder must neither release nor extend the new holder's lock.
	assert.ErrorIs(t, stale.Refresh(ctx, time.Hour), domain.ErrLockLost)
	stale.Release()
	_, err = lm.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	fresh.Release()
}

func TestLockRefreshExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()
	now := time.Now()
	lm.now = func() time.Time { return now }

	lock, err := lm.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	for range 5 {
		now = now.Add(800 * time.Millisecond)
		require.NoError(t, lock.Refresh(ctx, time.Second))
	}
	_, err = lm.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld, "refreshed lock is still held after several TTLs")

	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, lock.Refresh(ctx, time.Second), domain.ErrLockLost)
}

func TestQuoteCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := NewQuoteCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", domain.PositionQuote{Volatility: 12}, 8*time.Second))
	q, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 12.0, q.Volatility)

	now = now.Add(9 * time.Second)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProgressStore(t *testing.T) {
	ctx := context.Background()
	s := NewProgressStore()
	t0 := time.Now()

	require.NoError(t, s.Save(ctx, domain.ExecutionProgress{ExecutionID: "b", Status: domain.ExecExecuting, StartedAt: t0.Add(time.Second)}))
	require.NoError(t, s.Save(ctx, domain.ExecutionProgress{ExecutionID: "a", Status: domain.ExecExecuting, StartedAt: t0,
		Steps: []domain.StepProgress{{Status: domain.StepPending}}}))
	require.NoError(t, s.Save(ctx, domain.ExecutionProgress{ExecutionID: "c", Status: domain.ExecSucceeded}))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ExecutionID)

	p, err := s.Load(ctx, "a")
	require.NoError(t, err)
	p.Steps[0].Status = domain.StepConfirmed
	again, _ := s.Load(ctx, "a")
	assert.Equal(t, domain.StepPending, again.Steps[0].Status, "loaded progress must be a copy")

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Load(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventBusFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewEventBus(4)

	a, err := b.Subscribe(ctx, "executions")
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, "executions")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "executions", []byte("hello")))
	require.NoError(t, b.Publish(ctx, "other", []byte("ignored")))

	assert.Equal(t, []byte("hello"), <-a)
	assert.Equal(t, []byte("hello"), <-c)

	cancel()
	_, open := <-a
	assert.False(t, open)
}

func TestPriceSource(t *testing.T) {
	ctx := context.Background()
	p := NewPriceSource(map[string]float64{"SOL": 140})
	p.Set("USDC", 1)
	p.SetTrend("SOL", -2)
	p.SetVolatility(55)

	prices, err := p.Prices(ctx, []string{"SOL", "USDC", "JUP"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"SOL": 140, "USDC": 1}, prices)

	tr, _ := p.Trend(ctx, "SOL")
	assert.Equal(t, -2.0, tr)
	v, _ := p.Volatility(ctx)
	assert.Equal(t, 55.0, v)
}
