// Package memory implements the domain cache interfaces in process. It backs
// single-instance deployments without Redis and the package tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// LockManager implements domain.LockManager with a map of expiring tokens.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
}

type lockEntry struct {
	token   string
	expires time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]lockEntry), now: time.Now}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld while another
// holder's entry is unexpired.
func (m *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (domain.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.locks[key]; ok && now.Before(e.expires) {
		return nil, domain.ErrLockHeld
	}
	token := uuid.NewString()
	m.locks[key] = lockEntry{token: token, expires: now.Add(ttl)}
	return &lease{m: m, key: key, token: token}, nil
}

// lease only acts on the key while its token is the current one.
type lease struct {
	m     *LockManager
	key   string
	token string
	once  sync.Once
}

func (l *lease) Refresh(_ context.Context, ttl time.Duration) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	now := l.m.now()
	e, ok := l.m.locks[l.key]
	if !ok || e.token != l.token || !now.Before(e.expires) {
		return domain.ErrLockLost
	}
	e.expires = now.Add(ttl)
	l.m.locks[l.key] = e
	return nil
}

func (l *lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		if e, ok := l.m.locks[l.key]; ok && e.token == l.token {
			delete(l.m.locks, l.key)
		}
	})
}

// QuoteCache implements domain.QuoteCache with per-entry expiry.
type QuoteCache struct {
	mu      sync.Mutex
	entries map[string]quoteEntry
	now     func() time.Time
}

type quoteEntry struct {
	q       domain.PositionQuote
	expires time.Time
}

// NewQuoteCache creates an empty QuoteCache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{entries: make(map[string]quoteEntry), now: time.Now}
}

// Get returns the cached quote or domain.ErrNotFound once it has expired.
func (c *QuoteCache) Get(_ context.Context, key string) (domain.PositionQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		delete(c.entries, key)
		return domain.PositionQuote{}, domain.ErrNotFound
	}
	return e.q, nil
}

// Set stores q for ttl.
func (c *QuoteCache) Set(_ context.Context, key string, q domain.PositionQuote, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = quoteEntry{q: q, expires: c.now().Add(ttl)}
	return nil
}

// ProgressStore implements domain.ProgressStore in a map.
type ProgressStore struct {
	mu sync.RWMutex
	m  map[string]domain.ExecutionProgress
}

// NewProgressStore creates an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{m: make(map[string]domain.ExecutionProgress)}
}

// Save stores a deep copy of p.
func (s *ProgressStore) Save(_ context.Context, p domain.ExecutionProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Steps = append([]domain.StepProgress(nil), p.Steps...)
	p.Strategy.Steps = append([]domain.StrategyStep(nil), p.Strategy.Steps...)
	s.m[p.ExecutionID] = p
	return nil
}

// Load returns the progress for executionID.
func (s *ProgressStore) Load(_ context.Context, executionID string) (domain.ExecutionProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[executionID]
	if !ok {
		return domain.ExecutionProgress{}, fmt.Errorf("progress %s: %w", executionID, domain.ErrNotFound)
	}
	p.Steps = append([]domain.StepProgress(nil), p.Steps...)
	p.Strategy.Steps = append([]domain.StrategyStep(nil), p.Strategy.Steps...)
	return p, nil
}

// Delete removes the progress for executionID.
func (s *ProgressStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, executionID)
	return nil
}

// ListActive returns every non-terminal progress, oldest first.
func (s *ProgressStore) ListActive(_ context.Context) ([]domain.ExecutionProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ExecutionProgress, 0, len(s.m))
	for _, p := range s.m {
		if !p.Status.Terminal() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// EventBus implements domain.EventBus with buffered fan-out channels. Slow
// subscribers drop messages rather than block publishers.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string][]chan []byte
	size int
}

// NewEventBus creates a bus whose subscriber channels buffer size messages.
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = 64
	}
	return &EventBus{subs: make(map[string][]chan []byte), size: size}
}

// Publish delivers payload to every current subscriber of channel.
func (b *EventBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads that closes when ctx ends.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, b.size)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// PriceSource is a fixed price table, used for paper runs and tests.
type PriceSource struct {
	mu     sync.RWMutex
	prices map[string]float64
	trends map[string]float64
	hvix   float64
}

// NewPriceSource creates a PriceSource holding prices.
func NewPriceSource(prices map[string]float64) *PriceSource {
	p := &PriceSource{prices: make(map[string]float64), trends: make(map[string]float64)}
	for k, v := range prices {
		p.prices[k] = v
	}
	return p
}

// Set updates a token price.
func (p *PriceSource) Set(token string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[token] = price
}

// SetTrend updates a token's hourly drift.
func (p *PriceSource) SetTrend(token string, perHour float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trends[token] = perHour
}

// SetVolatility updates the HVIX reading.
func (p *PriceSource) SetVolatility(hvix float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hvix = hvix
}

// Prices returns the known prices among tokens. Missing tokens are omitted.
func (p *PriceSource) Prices(_ context.Context, tokens []string) (map[string]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		if v, ok := p.prices[t]; ok {
			out[t] = v
		}
	}
	return out, nil
}

// Trend returns the hourly drift of token.
func (p *PriceSource) Trend(_ context.Context, token string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trends[token], nil
}

// Volatility returns the HVIX reading.
func (p *PriceSource) Volatility(context.Context) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hvix, nil
}

var (
	_ domain.LockManager   = (*LockManager)(nil)
	_ domain.QuoteCache    = (*QuoteCache)(nil)
	_ domain.ProgressStore = (*ProgressStore)(nil)
	_ domain.EventBus      = (*EventBus)(nil)
	_ domain.PriceSource   = (*PriceSource)(nil)
)
