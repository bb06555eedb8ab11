package creditledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ledger configuration.
type Config struct {
	Pricing   PricingConfig           `yaml:"pricing"`
	Actions   map[Action]ActionConfig `yaml:"actions"`
	Products  []ProductConfig         `yaml:"products"`
	Ledger    LedgerConfig            `yaml:"ledger"`
	Purchases PurchaseConfig          `yaml:"purchases"`
	Generator GeneratorConfig         `yaml:"generator"`
	Store     StoreConfig             `yaml:"store"`
	Server    ServerConfig            `yaml:"server"`
}

// PricingConfig holds the static model rates and the credit smoothing curve.
type PricingConfig struct {
	InputUSDPerMillion   float64 `yaml:"input_usd_per_million"`
	OutputUSDPerMillion  float64 `yaml:"output_usd_per_million"`
	CreditRetailPriceUSD float64 `yaml:"credit_retail_price_usd"`
	PlatformFeeRate      float64 `yaml:"platform_fee_rate"`
	TaxRate              float64 `yaml:"tax_rate"`
	SafetyMarginRate     float64 `yaml:"safety_margin_rate"`
	Baseline             float64 `yaml:"baseline"`
	Decay                float64 `yaml:"decay"`
	MinBilledCredits     float64 `yaml:"min_billed_credits"`
}

// ActionConfig is the expected output size of one action, used for
// reservation estimates before the real usage is known.
type ActionConfig struct {
	OutputTokens  int64 `yaml:"output_tokens"`
	ThoughtTokens int64 `yaml:"thought_tokens"`
}

// ProductConfig maps a store product to its fixed credit grant.
type ProductConfig struct {
	ID      string  `yaml:"id"`
	Credits float64 `yaml:"credits"`
}

// LedgerConfig tunes transactional behavior.
type LedgerConfig struct {
	MaxTxAttempts         int   `yaml:"max_tx_attempts"`
	MaxInputTokens        int64 `yaml:"max_input_tokens"`
	RefundOverReservation bool  `yaml:"refund_over_reservation"`
}

// PurchaseConfig tunes purchase crediting.
type PurchaseConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after"`
	// VerifierURL is the base URL of the receipt verification service.
	// Purchases are disabled when it is empty.
	VerifierURL   string        `yaml:"verifier_url"`
	VerifierToken string        `yaml:"verifier_token"`
	Timeout       time.Duration `yaml:"timeout"`
}

// GeneratorConfig selects the generation backend.
type GeneratorConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	Prefix        string `yaml:"prefix"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr                 string        `yaml:"addr"`
	TokenSecret          string        `yaml:"token_secret"`
	AttestationPublicKey string        `yaml:"attestation_public_key"`
	RequireAttestation   bool          `yaml:"require_attestation"`
	KeepAliveInterval    time.Duration `yaml:"keepalive_interval"`
}

// DefaultConfig returns a configuration with production defaults. LoadConfig
// overlays the file contents on top of it.
func DefaultConfig() Config {
	return Config{
		Pricing: PricingConfig{
			InputUSDPerMillion:   1.25,
			OutputUSDPerMillion:  10,
			CreditRetailPriceUSD: 0.10,
			PlatformFeeRate:      0.15,
			TaxRate:              0.255,
			SafetyMarginRate:     0.20,
			Baseline:             0.05,
			Decay:                0.5,
			MinBilledCredits:     0.01,
		},
		Actions: map[Action]ActionConfig{
			ActionPlan:     {OutputTokens: 1024, ThoughtTokens: 1024},
			ActionGenerate: {OutputTokens: 8192, ThoughtTokens: 4096},
			ActionEvaluate: {OutputTokens: 1024, ThoughtTokens: 1024},
			ActionRefine:   {OutputTokens: 8192, ThoughtTokens: 4096},
		},
		Ledger: LedgerConfig{
			MaxTxAttempts:  8,
			MaxInputTokens: 200_000,
		},
		Purchases: PurchaseConfig{
			StaleAfter: PurchaseStaleAfter,
			Timeout:    30 * time.Second,
		},
		Generator: GeneratorConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-pro",
			Timeout:  5 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "memory",
			Prefix: "creditledger",
		},
		Server: ServerConfig{
			Addr:              ":8080",
			KeepAliveInterval: 15 * time.Second,
		},
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditledger: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditledger: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if _, err := NewPricingCurve(c.Pricing); err != nil {
		return fmt.Errorf("creditledger: config: pricing: %w", err)
	}

	for _, a := range []Action{ActionPlan, ActionGenerate, ActionEvaluate, ActionRefine} {
		ac, ok := c.Actions[a]
		if !ok {
			return fmt.Errorf("creditledger: config: actions: %s is required", a)
		}
		if ac.OutputTokens < 0 || ac.ThoughtTokens < 0 {
			return fmt.Errorf("creditledger: config: actions: %s: token estimates must not be negative", a)
		}
	}
	for a := range c.Actions {
		if _, err := ParseAction(string(a)); err != nil {
			return fmt.Errorf("creditledger: config: actions: unknown action %q", a)
		}
	}

	ids := make(map[string]bool, len(c.Products))
	for i, p := range c.Products {
		if p.ID == "" {
			return fmt.Errorf("creditledger: config: products[%d]: id is required", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("creditledger: config: duplicate product id %q", p.ID)
		}
		ids[p.ID] = true
		if p.Credits <= 0 {
			return fmt.Errorf("creditledger: config: products[%d] (%s): credits must be positive", i, p.ID)
		}
	}

	if c.Ledger.MaxTxAttempts < 1 {
		return fmt.Errorf("creditledger: config: ledger: max_tx_attempts must be at least 1")
	}
	if c.Ledger.MaxInputTokens <= 0 {
		return fmt.Errorf("creditledger: config: ledger: max_input_tokens must be positive")
	}
	if c.Purchases.StaleAfter <= 0 {
		return fmt.Errorf("creditledger: config: purchases: stale_after must be positive")
	}
	if c.Purchases.VerifierURL != "" && c.Purchases.Timeout <= 0 {
		return fmt.Errorf("creditledger: config: purchases: timeout must be positive")
	}

	switch c.Generator.Provider {
	case "gemini", "mock":
	default:
		return fmt.Errorf("creditledger: config: generator: invalid provider %q", c.Generator.Provider)
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("creditledger: config: generator: timeout must be positive")
	}
	if c.Server.KeepAliveInterval <= 0 {
		return fmt.Errorf("creditledger: config: server: keepalive_interval must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("creditledger: config: store: redis_addr is required for driver redis")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("creditledger: config: store: postgres_dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("creditledger: config: store: invalid driver %q", c.Store.Driver)
	}

	return nil
}

// ProductCredits returns the product grants as a lookup table.
func (c Config) ProductCredits() map[string]float64 {
	m := make(map[string]float64, len(c.Products))
	for _, p := range c.Products {
		m[p.ID] = p.Credits
	}
	return m
}
