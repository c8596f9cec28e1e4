package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	return cfg
}

func TestDefaultsValidateWithWallet(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresWalletForExecutingModes(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet: either private_key or encrypted_key_path")

	cfg.Mode = "monitor"
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.Strategy.OnFailure = "explode"
	cfg.Quote.AdapterTimeout = duration{20 * time.Second}
	cfg.Protocols.Kamino.Enabled = false
	cfg.Protocols.Marginfi.Enabled = false
	cfg.Protocols.Solend.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "on_failure must be rollback or leave_partial")
	assert.Contains(t, msg, "adapter_timeout must not exceed overall_timeout")
	assert.Contains(t, msg, "at least one venue must be enabled")
}

func TestValidateBundleURLNeededForMEV(t *testing.T) {
	cfg := validConfig()
	cfg.Chain.BundleURL = ""
	require.ErrorContains(t, cfg.Validate(), "bundle_url is required")

	cfg.Chain.MEVProtection = false
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.toml")
	body := `
mode = "monitor"

[quote]
cache_ttl = "3s"
safety_threshold = 1.5

[protocols.solend]
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 3*time.Second, cfg.Quote.CacheTTL.Duration)
	assert.Equal(t, 1.5, cfg.Quote.SafetyThreshold)
	assert.False(t, cfg.Protocols.Solend.Enabled)
	// untouched sections keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Quote.AdapterTimeout.Duration)
	assert.Equal(t, "https://api.kamino.finance", cfg.Protocols.Kamino.BaseURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_MODE", "server")
	t.Setenv("SENTINEL_QUOTE_ADAPTER_TIMEOUT", "2s")
	t.Setenv("SENTINEL_PROTOCOLS_MARGINFI_ENABLED", "false")
	t.Setenv("SENTINEL_STRATEGY_MAX_RETRIES", "5")
	t.Setenv("SENTINEL_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SENTINEL_POSTGRES_DSN", "postgres://u:p@db/sentinel")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 2*time.Second, cfg.Quote.AdapterTimeout.Duration)
	assert.False(t, cfg.Protocols.Marginfi.Enabled)
	assert.Equal(t, 5, cfg.Strategy.MaxRetries)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "postgres://u:p@db/sentinel", cfg.Postgres.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: decode")
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "key"
	cfg.Notify.Events = []string{"risk.score"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Wallet.PrivateKey)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Empty(t, out.Wallet.KeyPassword, "empty secrets stay empty")

	out.Notify.Events[0] = "mutated"
	assert.Equal(t, "risk.score", cfg.Notify.Events[0])
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}

func TestValidateSkipsDisabledStores(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Host = ""
	cfg.Redis.Addr = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: host must not be empty")
	assert.Contains(t, err.Error(), "redis: addr must not be empty")

	cfg.Postgres.Enabled = false
	cfg.Redis.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestLoadStaticPrices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.toml")
	body := `
[redis]
enabled = false

[prices]
volatility = 65
static = { SOL = 150.5, USDC = 1 }
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("SENTINEL_PRICES_MAX_AGE", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, map[string]float64{"SOL": 150.5, "USDC": 1}, cfg.Prices.Static)
	assert.Equal(t, 65.0, cfg.Prices.Volatility)
	assert.Equal(t, 45*time.Second, cfg.Prices.MaxAge.Duration)

	cfg.Prices.Static["SOL"] = -1
	require.ErrorContains(t, cfg.Validate(), "prices.static: SOL must be > 0")
}
