package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SENTINEL_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SENTINEL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.Address, "SENTINEL_WALLET_ADDRESS")
	setStr(&cfg.Wallet.PrivateKey, "SENTINEL_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "SENTINEL_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "SENTINEL_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.Network, "SENTINEL_CHAIN_NETWORK")
	setStr(&cfg.Chain.RPCURL, "SENTINEL_CHAIN_RPC_URL")
	setStr(&cfg.Chain.BundleURL, "SENTINEL_CHAIN_BUNDLE_URL")
	setBool(&cfg.Chain.MEVProtection, "SENTINEL_CHAIN_MEV_PROTECTION")
	setStr(&cfg.Chain.Commitment, "SENTINEL_CHAIN_COMMITMENT")
	setDuration(&cfg.Chain.RequestTimeout, "SENTINEL_CHAIN_REQUEST_TIMEOUT")
	setInt(&cfg.Chain.ConfirmPolls, "SENTINEL_CHAIN_CONFIRM_POLLS")
	setDuration(&cfg.Chain.ConfirmInterval, "SENTINEL_CHAIN_CONFIRM_INTERVAL")
	setDuration(&cfg.Chain.ConfirmTimeout, "SENTINEL_CHAIN_CONFIRM_TIMEOUT")

	// ── Protocols ──
	setVenue(&cfg.Protocols.Kamino, "SENTINEL_PROTOCOLS_KAMINO")
	setVenue(&cfg.Protocols.Marginfi, "SENTINEL_PROTOCOLS_MARGINFI")
	setVenue(&cfg.Protocols.Solend, "SENTINEL_PROTOCOLS_SOLEND")
	setVenue(&cfg.Protocols.Swap, "SENTINEL_PROTOCOLS_SWAP")

	// ── Quote ──
	setDuration(&cfg.Quote.AdapterTimeout, "SENTINEL_QUOTE_ADAPTER_TIMEOUT")
	setDuration(&cfg.Quote.OverallTimeout, "SENTINEL_QUOTE_OVERALL_TIMEOUT")
	setInt(&cfg.Quote.MaxConcurrency, "SENTINEL_QUOTE_MAX_CONCURRENCY")
	setDuration(&cfg.Quote.CacheTTL, "SENTINEL_QUOTE_CACHE_TTL")
	setFloat64(&cfg.Quote.SafetyThreshold, "SENTINEL_QUOTE_SAFETY_THRESHOLD")
	setFloat64(&cfg.Quote.NetworkFeeUSD, "SENTINEL_QUOTE_NETWORK_FEE_USD")

	// ── Risk ──
	setFloat64(&cfg.Risk.CascadeK, "SENTINEL_RISK_CASCADE_K")
	setFloat64(&cfg.Risk.CascadeExponent, "SENTINEL_RISK_CASCADE_EXPONENT")
	setFloat64(&cfg.Risk.VolatilityWeight, "SENTINEL_RISK_VOLATILITY_WEIGHT")
	setFloat64(&cfg.Risk.DebtWeight, "SENTINEL_RISK_DEBT_WEIGHT")
	setFloat64(&cfg.Risk.CascadeWeight, "SENTINEL_RISK_CASCADE_WEIGHT")
	setFloat64(&cfg.Risk.TTLWeight, "SENTINEL_RISK_TTL_WEIGHT")
	setFloat64(&cfg.Risk.HorizonHours, "SENTINEL_RISK_HORIZON_HOURS")

	// ── Strategy ──
	setFloat64(&cfg.Strategy.MinLeverage, "SENTINEL_STRATEGY_MIN_LEVERAGE")
	setFloat64(&cfg.Strategy.MaxLeverage, "SENTINEL_STRATEGY_MAX_LEVERAGE")
	setFloat64(&cfg.Strategy.MinCollateralUSD, "SENTINEL_STRATEGY_MIN_COLLATERAL_USD")
	setFloat64(&cfg.Strategy.MinHealthFactor, "SENTINEL_STRATEGY_MIN_HEALTH_FACTOR")
	setInt(&cfg.Strategy.MaxSlippageBps, "SENTINEL_STRATEGY_MAX_SLIPPAGE_BPS")
	setInt(&cfg.Strategy.CloseSlippageBps, "SENTINEL_STRATEGY_CLOSE_SLIPPAGE_BPS")
	setDuration(&cfg.Strategy.QuoteMaxAge, "SENTINEL_STRATEGY_QUOTE_MAX_AGE")
	setFloat64(&cfg.Strategy.MaxFeeUSD, "SENTINEL_STRATEGY_MAX_FEE_USD")
	setInt(&cfg.Strategy.MaxRetries, "SENTINEL_STRATEGY_MAX_RETRIES")
	setDuration(&cfg.Strategy.BackoffBase, "SENTINEL_STRATEGY_BACKOFF_BASE")
	setDuration(&cfg.Strategy.BackoffMax, "SENTINEL_STRATEGY_BACKOFF_MAX")
	setFloat64(&cfg.Strategy.BackoffMultiplier, "SENTINEL_STRATEGY_BACKOFF_MULTIPLIER")
	setStr(&cfg.Strategy.OnFailure, "SENTINEL_STRATEGY_ON_FAILURE")

	// ── Execution ──
	setDuration(&cfg.Execution.LockTTL, "SENTINEL_EXECUTION_LOCK_TTL")
	setInt(&cfg.Execution.MaxRequotes, "SENTINEL_EXECUTION_MAX_REQUOTES")
	setBool(&cfg.Execution.ResumeOnStart, "SENTINEL_EXECUTION_RESUME_ON_START")

	// ── Monitor ──
	setBool(&cfg.Monitor.Enabled, "SENTINEL_MONITOR_ENABLED")
	setStr(&cfg.Monitor.Cron, "SENTINEL_MONITOR_CRON")
	setFloat64(&cfg.Monitor.AlertHealthFactor, "SENTINEL_MONITOR_ALERT_HEALTH_FACTOR")
	setFloat64(&cfg.Monitor.AlertRiskScore, "SENTINEL_MONITOR_ALERT_RISK_SCORE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SENTINEL_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.DSN, "SENTINEL_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SENTINEL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SENTINEL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SENTINEL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SENTINEL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SENTINEL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SENTINEL_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SENTINEL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SENTINEL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SENTINEL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SENTINEL_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SENTINEL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SENTINEL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SENTINEL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SENTINEL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SENTINEL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SENTINEL_REDIS_TLS_ENABLED")

	// ── Prices ──
	setDuration(&cfg.Prices.MaxAge, "SENTINEL_PRICES_MAX_AGE")
	setFloat64(&cfg.Prices.Volatility, "SENTINEL_PRICES_VOLATILITY")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SENTINEL_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SENTINEL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SENTINEL_S3_REGION")
	setStr(&cfg.S3.Bucket, "SENTINEL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SENTINEL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SENTINEL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SENTINEL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SENTINEL_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ReceiptPrefix, "SENTINEL_S3_RECEIPT_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SENTINEL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SENTINEL_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SENTINEL_SERVER_API_KEY")
	setStr(&cfg.Server.APISecret, "SENTINEL_SERVER_API_SECRET")
	setStringSlice(&cfg.Server.CORSOrigins, "SENTINEL_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "SENTINEL_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SENTINEL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SENTINEL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SENTINEL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SENTINEL_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SENTINEL_MODE")
	setStr(&cfg.LogLevel, "SENTINEL_LOG_LEVEL")
}

// setVenue applies the <prefix>_ENABLED, _BASE_URL, _PROGRAM_ID and _TIMEOUT
// overrides for one venue.
func setVenue(dst *VenueConfig, prefix string) {
	setBool(&dst.Enabled, prefix+"_ENABLED")
	setStr(&dst.BaseURL, prefix+"_BASE_URL")
	setStr(&dst.ProgramID, prefix+"_PROGRAM_ID")
	setDuration(&dst.Timeout, prefix+"_TIMEOUT")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
