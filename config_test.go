package creditledger_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ronitervo/creditledger"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert.NoError(t, cl.DefaultConfig().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*cl.Config)
		want   string
	}{
		{"bad pricing", func(c *cl.Config) { c.Pricing.Decay = 0 }, "pricing"},
		{"missing action", func(c *cl.Config) { delete(c.Actions, cl.ActionRefine) }, "refine is required"},
		{"unknown action", func(c *cl.Config) { c.Actions["paint"] = cl.ActionConfig{} }, "unknown action"},
		{"negative estimate", func(c *cl.Config) { c.Actions[cl.ActionPlan] = cl.ActionConfig{OutputTokens: -1} }, "must not be negative"},
		{"product without id", func(c *cl.Config) { c.Products = []cl.ProductConfig{{Credits: 10}} }, "id is required"},
		{"duplicate product", func(c *cl.Config) {
			c.Products = []cl.ProductConfig{{ID: "p", Credits: 10}, {ID: "p", Credits: 20}}
		}, "duplicate product"},
		{"zero credit product", func(c *cl.Config) { c.Products = []cl.ProductConfig{{ID: "p"}} }, "credits must be positive"},
		{"tx attempts", func(c *cl.Config) { c.Ledger.MaxTxAttempts = 0 }, "max_tx_attempts"},
		{"input cap", func(c *cl.Config) { c.Ledger.MaxInputTokens = 0 }, "max_input_tokens"},
		{"stale after", func(c *cl.Config) { c.Purchases.StaleAfter = 0 }, "stale_after"},
		{"verifier timeout", func(c *cl.Config) {
			c.Purchases.VerifierURL = "http://verifier"
			c.Purchases.Timeout = 0
		}, "timeout"},
		{"provider", func(c *cl.Config) { c.Generator.Provider = "openai" }, "invalid provider"},
		{"keepalive", func(c *cl.Config) { c.Server.KeepAliveInterval = 0 }, "keepalive_interval"},
		{"redis addr", func(c *cl.Config) { c.Store.Driver = "redis" }, "redis_addr is required"},
		{"postgres dsn", func(c *cl.Config) { c.Store.Driver = "postgres" }, "postgres_dsn is required"},
		{"driver", func(c *cl.Config) { c.Store.Driver = "sqlite" }, "invalid driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cl.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("CREDITLEDGER_TEST_GEMINI_KEY", "gm-secret")

	path := filepath.Join(t.TempDir(), "creditledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pricing:
  input_usd_per_million: 2.5
  output_usd_per_million: 15
products:
  - id: credits_100
    credits: 100
  - id: credits_500
    credits: 550
ledger:
  refund_over_reservation: true
purchases:
  stale_after: 2m
generator:
  provider: mock
  api_key: ${CREDITLEDGER_TEST_GEMINI_KEY}
store:
  driver: redis
  redis_addr: localhost:6379
`), 0o600))

	cfg, err := cl.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.Pricing.InputUSDPerMillion)
	assert.Equal(t, 15.0, cfg.Pricing.OutputUSDPerMillion)
	assert.Equal(t, 0.10, cfg.Pricing.CreditRetailPriceUSD, "unset fields keep defaults")
	assert.Equal(t, map[string]float64{"credits_100": 100, "credits_500": 550}, cfg.ProductCredits())
	assert.True(t, cfg.Ledger.RefundOverReservation)
	assert.Equal(t, 8, cfg.Ledger.MaxTxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Purchases.StaleAfter)
	assert.Equal(t, "gm-secret", cfg.Generator.APIKey)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "creditledger", cfg.Store.Prefix)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := cl.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: [memory\n"), 0o600))
	_, err = cl.LoadConfig(path)
	assert.ErrorContains(t, err, "parse config")

	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\n"), 0o600))
	_, err = cl.LoadConfig(path)
	assert.ErrorContains(t, err, "invalid driver")
}
