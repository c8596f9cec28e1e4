package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// unlockLua deletes the lock only while it still holds the caller's token, so
// an expired holder cannot release a lock that has since been re-acquired.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the lock's expiry under the same token check.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and token-checked
// refresh and unlock. Wallet locks taken here hold across processes.
type LockManager struct {
	rdb       *redis.Client
	unlockSc  *redis.Script
	refreshSc *redis.Script
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:       c.Underlying(),
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

func lockKey(key string) string {
	return keyPrefix + "lock:" + key
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld when another
// holder owns it.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lock, error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}
	return &lease{lm: lm, key: lk, token: token}, nil
}

type lease struct {
	lm    *LockManager
	key   string
	token string
	once  sync.Once
}

func (l *lease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := l.lm.refreshSc.Run(ctx, l.lm.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return domain.ErrLockLost
	}
	return nil
}

// Release runs on a fresh context so it works after the caller's context is
// done.
func (l *lease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.lm.unlockSc.Run(ctx, l.lm.rdb, []string{l.key}, l.token).Err()
	})
}

var _ domain.LockManager = (*LockManager)(nil)
