package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/sentinel/internal/blob/s3"
	cachemem "github.com/alanyoungcy/sentinel/internal/cache/memory"
	"github.com/alanyoungcy/sentinel/internal/cache/redis"
	"github.com/alanyoungcy/sentinel/internal/config"
	"github.com/alanyoungcy/sentinel/internal/domain"
	"github.com/alanyoungcy/sentinel/internal/notify"
	"github.com/alanyoungcy/sentinel/internal/server/handler"
	storemem "github.com/alanyoungcy/sentinel/internal/store/memory"
	"github.com/alanyoungcy/sentinel/internal/store/postgres"
)

// progressTTL bounds how long an abandoned execution survives in Redis.
const progressTTL = 7 * 24 * time.Hour

// Dependencies bundles the storage, cache and notification collaborators the
// modes need. Each is backed by Postgres, Redis or S3 when configured and by
// an in-process implementation otherwise.
type Dependencies struct {
	// Stores
	PositionStore  domain.PositionStore
	SnapshotStore  domain.SnapshotStore
	ExecutionStore domain.ExecutionStore
	AuditStore     domain.AuditStore
	// Receipts is nil when S3 is disabled.
	Receipts domain.ReceiptArchiver

	// Caches and coordination
	LockManager   domain.LockManager
	ProgressStore domain.ProgressStore
	QuoteCache    domain.QuoteCache
	EventBus      domain.EventBus
	Prices        domain.PriceSource
	// RateLimiter is nil without Redis; the API then runs unlimited.
	RateLimiter domain.RateLimiter

	Notifier *notify.Notifier

	// HealthChecks probe each external backend for /api/health.
	HealthChecks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.Check)}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.SnapshotStore = postgres.NewSnapshotStore(pool)
		deps.ExecutionStore = postgres.NewExecutionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	} else {
		logger.Warn("postgres disabled; records are kept in memory")
		deps.PositionStore = storemem.NewPositionStore()
		deps.SnapshotStore = storemem.NewSnapshotStore()
		deps.ExecutionStore = storemem.NewExecutionStore()
		deps.AuditStore = storemem.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.ProgressStore = redis.NewProgressStore(redisClient, progressTTL)
		deps.QuoteCache = redis.NewQuoteCache(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
		deps.Prices = redis.NewPriceSource(redisClient, cfg.Prices.MaxAge.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		logger.Warn("redis disabled; locks, progress and prices are process-local")
		deps.LockManager = cachemem.NewLockManager()
		deps.ProgressStore = cachemem.NewProgressStore()
		deps.QuoteCache = cachemem.NewQuoteCache()
		deps.EventBus = cachemem.NewEventBus(256)
		prices := cachemem.NewPriceSource(cfg.Prices.Static)
		prices.SetVolatility(cfg.Prices.Volatility)
		deps.Prices = prices
	}

	// --- S3 receipt archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Receipts = s3blob.NewReceiptArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			cfg.S3.ReceiptPrefix,
		)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	deps.Notifier = notify.FromConfig(cfg.Notify, logger)

	return deps, cleanup, nil
}
