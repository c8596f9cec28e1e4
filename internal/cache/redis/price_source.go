package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// PriceSource implements domain.PriceSource over hashes written by the
// oracle feeder: "sentinel:price:{token}" with fields price, trend and ts
// (Unix nanoseconds), and the HVIX reading at "sentinel:hvix".
type PriceSource struct {
	rdb *redis.Client
	// maxAge drops prices older than this. Zero accepts any age.
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceSource creates a PriceSource backed by c.
func NewPriceSource(c *Client, maxAge time.Duration) *PriceSource {
	return &PriceSource{rdb: c.Underlying(), maxAge: maxAge, now: time.Now}
}

const hvixKey = keyPrefix + "hvix"

func priceKey(token string) string {
	return keyPrefix + "price:" + token
}

// SetPrice stores the latest oracle price and its drift in USD per hour.
func (ps *PriceSource) SetPrice(ctx context.Context, token string, price, trend float64, ts time.Time) error {
	fields := map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"trend": strconv.FormatFloat(trend, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := ps.rdb.HSet(ctx, priceKey(token), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", token, err)
	}
	return nil
}

// SetVolatility stores the current HVIX reading.
func (ps *PriceSource) SetVolatility(ctx context.Context, hvix float64) error {
	if err := ps.rdb.Set(ctx, hvixKey, strconv.FormatFloat(hvix, 'f', -1, 64), 0).Err(); err != nil {
		return fmt.Errorf("redis: set hvix: %w", err)
	}
	return nil
}

// Prices returns the fresh prices among tokens, fetched in one pipeline.
// Missing or stale tokens are omitted.
func (ps *PriceSource) Prices(ctx context.Context, tokens []string) (map[string]float64, error) {
	if len(tokens) == 0 {
		return map[string]float64{}, nil
	}
	pipe := ps.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tokens))
	for _, t := range tokens {
		cmds[t] = pipe.HGetAll(ctx, priceKey(t))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}

	out := make(map[string]float64, len(tokens))
	for t, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		if !ps.fresh(vals["ts"]) {
			continue
		}
		p, err := strconv.ParseFloat(vals["price"], 64)
		if err != nil {
			continue
		}
		out[t] = p
	}
	return out, nil
}

// Trend returns the stored drift of token, or domain.ErrNotFound.
func (ps *PriceSource) Trend(ctx context.Context, token string) (float64, error) {
	v, err := ps.rdb.HGet(ctx, priceKey(token), "trend").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("redis: get trend %s: %w", token, err)
	}
	trend, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse trend %s: %w", token, err)
	}
	return trend, nil
}

// Volatility returns the stored HVIX, or domain.ErrNotFound.
func (ps *PriceSource) Volatility(ctx context.Context) (float64, error) {
	v, err := ps.rdb.Get(ctx, hvixKey).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("redis: get hvix: %w", err)
	}
	return v, nil
}

func (ps *PriceSource) fresh(ts string) bool {
	if ps.maxAge <= 0 {
		return true
	}
	nano, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	return ps.now().Sub(time.Unix(0, nano)) <= ps.maxAge
}

var _ domain.PriceSource = (*PriceSource)(nil)
