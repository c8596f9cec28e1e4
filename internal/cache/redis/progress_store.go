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

// ProgressStore implements domain.ProgressStore. Each execution is a JSON
// string at "sentinel:progress:{id}"; a sorted set scored by start time
// indexes the active ones.
type ProgressStore struct {
	rdb *redis.Client
	// ttl bounds how long an abandoned entry survives. Zero keeps it forever.
	ttl time.Duration
}

// NewProgressStore creates a ProgressStore backed by c.
func NewProgressStore(c *Client, ttl time.Duration) *ProgressStore {
	return &ProgressStore{rdb: c.Underlying(), ttl: ttl}
}

const activeKey = keyPrefix + "progress:active"

func progressKey(id string) string {
	return keyPrefix + "progress:" + id
}

// Save writes p and indexes it atomically.
func (ps *ProgressStore) Save(ctx context.Context, p domain.ExecutionProgress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: encode progress %s: %w", p.ExecutionID, err)
	}
	_, err = ps.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, progressKey(p.ExecutionID), raw, ps.ttl)
		pipe.ZAdd(ctx, activeKey, redis.Z{Score: float64(p.StartedAt.UnixNano()), Member: p.ExecutionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save progress %s: %w", p.ExecutionID, err)
	}
	return nil
}

// Load returns the progress of one execution or domain.ErrNotFound.
func (ps *ProgressStore) Load(ctx context.Context, executionID string) (domain.ExecutionProgress, error) {
	raw, err := ps.rdb.Get(ctx, progressKey(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ExecutionProgress{}, domain.ErrNotFound
		}
		return domain.ExecutionProgress{}, fmt.Errorf("redis: load progress %s: %w", executionID, err)
	}
	var p domain.ExecutionProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.ExecutionProgress{}, fmt.Errorf("redis: decode progress %s: %w", executionID, err)
	}
	return p, nil
}

// Delete removes an execution and its index entry.
func (ps *ProgressStore) Delete(ctx context.Context, executionID string) error {
	_, err := ps.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, progressKey(executionID))
		pipe.ZRem(ctx, activeKey, executionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete progress %s: %w", executionID, err)
	}
	return nil
}

// ListActive returns every indexed execution, oldest first. Index entries
// whose payload expired are pruned.
func (ps *ProgressStore) ListActive(ctx context.Context) ([]domain.ExecutionProgress, error) {
	ids, err := ps.rdb.ZRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list active: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = progressKey(id)
	}
	vals, err := ps.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list active: %w", err)
	}

	out := make([]domain.ExecutionProgress, 0, len(vals))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var p domain.ExecutionProgress
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("redis: decode progress %s: %w", ids[i], err)
		}
		out = append(out, p)
	}
	if len(stale) > 0 {
		_ = ps.rdb.ZRem(ctx, activeKey, stale...).Err()
	}
	return out, nil
}

var _ domain.ProgressStore = (*ProgressStore)(nil)
