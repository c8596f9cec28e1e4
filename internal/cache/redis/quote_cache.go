package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// QuoteCache implements domain.QuoteCache as JSON strings with a TTL at
// "sentinel:quote:{fingerprint}".
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by c.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(key string) string {
	return keyPrefix + "quote:" + key
}

// Get returns the cached quote or domain.ErrNotFound.
func (qc *QuoteCache) Get(ctx context.Context, key string) (domain.PositionQuote, error) {
	raw, err := qc.rdb.Get(ctx, quoteKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PositionQuote{}, domain.ErrNotFound
		}
		return domain.PositionQuote{}, fmt.Errorf("redis: get quote %s: %w", key, err)
	}
	var q domain.PositionQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		return domain.PositionQuote{}, fmt.Errorf("redis: decode quote %s: %w", key, err)
	}
	return q, nil
}

// Set stores q for ttl.
func (qc *QuoteCache) Set(ctx context.Context, key string, q domain.PositionQuote, ttl time.Duration) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: encode quote %s: %w", key, err)
	}
	if err := qc.rdb.Set(ctx, quoteKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", key, err)
	}
	return nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
