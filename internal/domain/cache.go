package domain

import (
	"context"
	"time"
)

// LockManager provides advisory locking keyed by string.
type LockManager interface {
	// Acquire returns ErrLockHeld when another holder owns the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held lease on a key.
type Lock interface {
	// Refresh pushes the expiry to ttl from now. It returns ErrLockLost once
	// the lease expired or another holder took the key.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release frees the key if this lease still holds it. It is idempotent.
	Release()
}

// QuoteCache holds recent PositionQuotes for the staleness window.
type QuoteCache interface {
	Get(ctx context.Context, key string) (PositionQuote, error)
	Set(ctx context.Context, key string, q PositionQuote, ttl time.Duration) error
}

// ProgressStore persists ExecutionProgress so an interrupted strategy can be
// resumed from its last confirmed step.
type ProgressStore interface {
	Save(ctx context.Context, p ExecutionProgress) error
	Load(ctx context.Context, executionID string) (ExecutionProgress, error)
	Delete(ctx context.Context, executionID string) error
	ListActive(ctx context.Context) ([]ExecutionProgress, error)
}

// PriceSource supplies oracle prices and the market volatility index. Feed
// ingestion happens elsewhere; this is the read side.
type PriceSource interface {
	Prices(ctx context.Context, tokens []string) (map[string]float64, error)
	// Trend returns the price drift of token in USD per hour.
	Trend(ctx context.Context, token string) (float64, error)
	// Volatility returns the current HVIX reading.
	Volatility(ctx context.Context) (float64, error)
}

// EventBus publishes execution and risk events for live subscribers.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// RateLimiter admits at most limit requests per window for a key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
