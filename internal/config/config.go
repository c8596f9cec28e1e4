// Package config defines the top-level configuration for the sentinel
// position engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SENTINEL_* environment variables.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Chain     ChainConfig     `toml:"chain"`
	Protocols ProtocolsConfig `toml:"protocols"`
	Quote     QuoteConfig     `toml:"quote"`
	Risk      RiskConfig      `toml:"risk"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Execution ExecutionConfig `toml:"execution"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Prices    PricesConfig    `toml:"prices"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// WalletConfig holds the signing key used by the local signer.
type WalletConfig struct {
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ChainConfig holds the RPC endpoints and confirmation parameters.
type ChainConfig struct {
	Network         string   `toml:"network"`
	RPCURL          string   `toml:"rpc_url"`
	BundleURL       string   `toml:"bundle_url"`
	MEVProtection   bool     `toml:"mev_protection"`
	Commitment      string   `toml:"commitment"`
	RequestTimeout  duration `toml:"request_timeout"`
	ConfirmPolls    int      `toml:"confirm_polls"`
	ConfirmInterval duration `toml:"confirm_interval"`
	ConfirmTimeout  duration `toml:"confirm_timeout"`
}

// VenueConfig holds one lending venue's API endpoint and program id.
type VenueConfig struct {
	Enabled   bool     `toml:"enabled"`
	BaseURL   string   `toml:"base_url"`
	ProgramID string   `toml:"program_id"`
	Timeout   duration `toml:"timeout"`
}

// ProtocolsConfig groups the supported venues and the swap router used for
// protective swaps.
type ProtocolsConfig struct {
	Kamino   VenueConfig `toml:"kamino"`
	Marginfi VenueConfig `toml:"marginfi"`
	Solend   VenueConfig `toml:"solend"`
	Swap     VenueConfig `toml:"swap"`
}

// QuoteConfig holds aggregator parameters.
type QuoteConfig struct {
	AdapterTimeout  duration `toml:"adapter_timeout"`
	OverallTimeout  duration `toml:"overall_timeout"`
	MaxConcurrency  int      `toml:"max_concurrency"`
	CacheTTL        duration `toml:"cache_ttl"`
	SafetyThreshold float64  `toml:"safety_threshold"`
	NetworkFeeUSD   float64  `toml:"network_fee_usd"`
}

// RiskConfig holds the risk-model coefficients.
type RiskConfig struct {
	CascadeK         float64 `toml:"cascade_k"`
	CascadeExponent  float64 `toml:"cascade_exponent"`
	VolatilityWeight float64 `toml:"volatility_weight"`
	DebtWeight       float64 `toml:"debt_weight"`
	CascadeWeight    float64 `toml:"cascade_weight"`
	TTLWeight        float64 `toml:"ttl_weight"`
	HorizonHours     float64 `toml:"horizon_hours"`
}

// StrategyConfig holds strategy-builder limits and the default recovery
// configuration attached to each step.
type StrategyConfig struct {
	MinLeverage       float64  `toml:"min_leverage"`
	MaxLeverage       float64  `toml:"max_leverage"`
	MinCollateralUSD  float64  `toml:"min_collateral_usd"`
	MinHealthFactor   float64  `toml:"min_health_factor"`
	MaxSlippageBps    int      `toml:"max_slippage_bps"`
	CloseSlippageBps  int      `toml:"close_slippage_bps"`
	QuoteMaxAge       duration `toml:"quote_max_age"`
	MaxFeeUSD         float64  `toml:"max_fee_usd"`
	MaxRetries        int      `toml:"max_retries"`
	BackoffBase       duration `toml:"backoff_base"`
	BackoffMax        duration `toml:"backoff_max"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	OnFailure         string   `toml:"on_failure"`
}

// ExecutionConfig holds coordinator parameters.
type ExecutionConfig struct {
	LockTTL       duration `toml:"lock_ttl"`
	MaxRequotes   int      `toml:"max_requotes"`
	ResumeOnStart bool     `toml:"resume_on_start"`
}

// MonitorConfig holds the periodic risk-snapshot schedule and alert levels.
type MonitorConfig struct {
	Enabled           bool    `toml:"enabled"`
	Cron              string  `toml:"cron"`
	AlertHealthFactor float64 `toml:"alert_health_factor"`
	AlertRiskScore    float64 `toml:"alert_risk_score"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	// Enabled false keeps records in process memory.
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// Enabled false swaps locks, progress, the quote cache, the event bus and
	// prices for in-process versions. Only one engine may run against a wallet.
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ReceiptPrefix  string `toml:"receipt_prefix"`
}

// PricesConfig configures the oracle price source. With Redis enabled prices
// are read from sentinel:price:{token} hashes kept fresh by an external
// feeder; otherwise Static seeds a fixed in-memory table.
type PricesConfig struct {
	MaxAge     duration           `toml:"max_age"`
	Static     map[string]float64 `toml:"static"`
	Volatility float64            `toml:"volatility"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	APISecret   string   `toml:"api_secret"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per minute per client; 0 disables limiting.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			Network:         "mainnet-beta",
			RPCURL:          "https://api.mainnet-beta.solana.com",
			BundleURL:       "https://mainnet.block-engine.jito.wtf/api/v1/bundles",
			MEVProtection:   true,
			Commitment:      "confirmed",
			RequestTimeout:  duration{10 * time.Second},
			ConfirmPolls:    30,
			ConfirmInterval: duration{time.Second},
			ConfirmTimeout:  duration{90 * time.Second},
		},
		Protocols: ProtocolsConfig{
			Kamino: VenueConfig{
				Enabled:   true,
				BaseURL:   "https://api.kamino.finance",
				ProgramID: "KLend2g3cP87fffoy8q1mQqGKjrxjC8boSyAYavgmjD",
				Timeout:   duration{5 * time.Second},
			},
			Marginfi: VenueConfig{
				Enabled:   true,
				BaseURL:   "https://api.marginfi.com",
				ProgramID: "MFv2hWf31Z9kbCa1snEPYctwafyhdvnV7FZnsebVacA",
				Timeout:   duration{5 * time.Second},
			},
			Solend: VenueConfig{
				Enabled:   true,
				BaseURL:   "https://api.solend.fi",
				ProgramID: "So1endDq2YkqhipRh3WViPa8hdiSpxWy6z3Z6tMCpAo",
				Timeout:   duration{5 * time.Second},
			},
			Swap: VenueConfig{
				Enabled:   true,
				BaseURL:   "https://quote-api.jup.ag/v6",
				ProgramID: "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4",
				Timeout:   duration{5 * time.Second},
			},
		},
		Quote: QuoteConfig{
			AdapterTimeout:  duration{5 * time.Second},
			OverallTimeout:  duration{10 * time.Second},
			MaxConcurrency:  8,
			CacheTTL:        duration{8 * time.Second},
			SafetyThreshold: 1.2,
			NetworkFeeUSD:   0.01,
		},
		Risk: RiskConfig{
			CascadeK:         0.5,
			CascadeExponent:  3,
			VolatilityWeight: 0.02,
			DebtWeight:       0.5,
			CascadeWeight:    0.3,
			TTLWeight:        0.2,
			HorizonHours:     72,
		},
		Strategy: StrategyConfig{
			MinLeverage:       1.1,
			MaxLeverage:       10,
			MinCollateralUSD:  10,
			MinHealthFactor:   1.0,
			MaxSlippageBps:    100,
			CloseSlippageBps:  50,
			QuoteMaxAge:       duration{30 * time.Second},
			MaxFeeUSD:         5,
			MaxRetries:        3,
			BackoffBase:       duration{500 * time.Millisecond},
			BackoffMax:        duration{10 * time.Second},
			BackoffMultiplier: 2,
			OnFailure:         "rollback",
		},
		Execution: ExecutionConfig{
			LockTTL:       duration{5 * time.Minute},
			MaxRequotes:   1,
			ResumeOnStart: true,
		},
		Monitor: MonitorConfig{
			Enabled:           true,
			Cron:              "*/1 * * * *",
			AlertHealthFactor: 1.2,
			AlertRiskScore:    70,
		},
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "sentinel",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "sentinel-receipts",
			ForcePathStyle: true,
			ReceiptPrefix:  "receipts",
		},
		Prices: PricesConfig{
			MaxAge:     duration{2 * time.Minute},
			Volatility: 50,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"execution.failed", "execution.partial", "risk.health_factor", "risk.score"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCommitments = map[string]bool{
	"processed": true,
	"confirmed": true,
	"finalized": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: executing strategies needs a signing key.
	needsWallet := c.Mode == "server" || c.Mode == "full"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.MEVProtection && c.Chain.BundleURL == "" {
		errs = append(errs, "chain: bundle_url is required when mev_protection is on")
	}
	if !validCommitments[c.Chain.Commitment] {
		errs = append(errs, fmt.Sprintf("chain: unknown commitment %q", c.Chain.Commitment))
	}
	if c.Chain.ConfirmPolls < 1 {
		errs = append(errs, "chain: confirm_polls must be >= 1")
	}

	// Protocols
	venues := map[string]VenueConfig{
		"kamino":   c.Protocols.Kamino,
		"marginfi": c.Protocols.Marginfi,
		"solend":   c.Protocols.Solend,
	}
	enabled := 0
	for name, v := range venues {
		if !v.Enabled {
			continue
		}
		enabled++
		if v.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("protocols.%s: base_url must not be empty", name))
		}
		if v.ProgramID == "" {
			errs = append(errs, fmt.Sprintf("protocols.%s: program_id must not be empty", name))
		}
	}
	if enabled == 0 {
		errs = append(errs, "protocols: at least one venue must be enabled")
	}
	if c.Protocols.Swap.Enabled && c.Protocols.Swap.BaseURL == "" {
		errs = append(errs, "protocols.swap: base_url must not be empty")
	}

	// Quote
	if c.Quote.AdapterTimeout.Duration <= 0 || c.Quote.OverallTimeout.Duration <= 0 {
		errs = append(errs, "quote: adapter_timeout and overall_timeout must be > 0")
	}
	if c.Quote.AdapterTimeout.Duration > c.Quote.OverallTimeout.Duration {
		errs = append(errs, "quote: adapter_timeout must not exceed overall_timeout")
	}
	if c.Quote.MaxConcurrency < 1 {
		errs = append(errs, "quote: max_concurrency must be >= 1")
	}
	if c.Quote.SafetyThreshold < 1 {
		errs = append(errs, "quote: safety_threshold must be >= 1")
	}

	// Risk
	if c.Risk.HorizonHours <= 0 {
		errs = append(errs, "risk: horizon_hours must be > 0")
	}
	if w := c.Risk.DebtWeight + c.Risk.CascadeWeight + c.Risk.TTLWeight; w <= 0 {
		errs = append(errs, "risk: score weights must sum to > 0")
	}

	// Strategy
	if c.Strategy.MinLeverage < 1 {
		errs = append(errs, "strategy: min_leverage must be >= 1")
	}
	if c.Strategy.MaxLeverage < c.Strategy.MinLeverage {
		errs = append(errs, "strategy: max_leverage must be >= min_leverage")
	}
	if c.Strategy.MaxRetries < 0 {
		errs = append(errs, "strategy: max_retries must be >= 0")
	}
	if c.Strategy.OnFailure != "rollback" && c.Strategy.OnFailure != "leave_partial" {
		errs = append(errs, fmt.Sprintf("strategy: on_failure must be rollback or leave_partial, got %q", c.Strategy.OnFailure))
	}
	if c.Strategy.MaxSlippageBps <= 0 || c.Strategy.MaxSlippageBps > 10_000 {
		errs = append(errs, "strategy: max_slippage_bps must be 1-10000")
	}

	// Execution
	if c.Execution.LockTTL.Duration <= 0 {
		errs = append(errs, "execution: lock_ttl must be > 0")
	}

	// Monitor
	if (c.Mode == "monitor" || c.Mode == "full") && c.Monitor.Enabled && c.Monitor.Cron == "" {
		errs = append(errs, "monitor: cron must not be empty")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Prices.MaxAge.Duration <= 0 {
			errs = append(errs, "prices: max_age must be > 0")
		}
	}

	// Prices
	for token, px := range c.Prices.Static {
		if px <= 0 {
			errs = append(errs, fmt.Sprintf("prices.static: %s must be > 0", token))
		}
	}
	if c.Prices.Volatility < 0 {
		errs = append(errs, "prices: volatility must not be negative")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if (c.Server.APIKey == "") != (c.Server.APISecret == "") {
			errs = append(errs, "server: api_key and api_secret must be set together")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
