// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/paywall/app"
	"github.com/artpar/paywall/domain/experiment"
	"github.com/artpar/paywall/domain/pricing"
	"github.com/artpar/paywall/domain/quota"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       RedisConfig        `yaml:"redis"`
	Quota       QuotaConfig        `yaml:"quota"`
	Payment     PaymentConfig      `yaml:"payment"`
	Products    []ProductConfig    `yaml:"products"`
	Experiments []ExperimentConfig `yaml:"experiments"`
	Logging     LoggingConfig      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig configures the ledger storage.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "memory", "sqlite" or "postgres"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig moves confirmation idempotency to Redis when Addr is set.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password,omitempty"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// QuotaConfig configures the usage window and what gets offered when it runs out.
type QuotaConfig struct {
	Limit          int64                    `yaml:"limit"` // -1 for unlimited
	Window         time.Duration            `yaml:"window"`
	Retention      time.Duration            `yaml:"retention"`
	PruneInterval  time.Duration            `yaml:"prune_interval"`
	DefaultProduct string                   `yaml:"default_product"`
	UpgradeURL     string                   `yaml:"upgrade_url"`
	Features       map[string]FeatureConfig `yaml:"features"`

	// AllowClientOverrides lets gate requests raise the limit or switch to the
	// fail-open read path. Lowering the limit is always accepted.
	AllowClientOverrides bool          `yaml:"allow_client_overrides"`
	MaxClockSkew         time.Duration `yaml:"max_clock_skew"` // negative disables (default: 5m)
}

// FeatureConfig configures one metered feature.
type FeatureConfig struct {
	Path    string `yaml:"path"`    // "read" fails open, "spend" fails closed
	Product string `yaml:"product"` // Product offered when blocked
}

// PaymentConfig configures the payment provider.
// Use "none", "stripe" or "dummy".
type PaymentConfig struct {
	Provider            string `yaml:"provider"`
	StripeSecretKey     string `yaml:"stripe_secret_key,omitempty"`
	StripePublicKey     string `yaml:"stripe_public_key,omitempty"`
	StripeWebhookSecret string `yaml:"stripe_webhook_secret,omitempty"`
	StripeAPIURL        string `yaml:"stripe_api_url,omitempty"`
	DummySecret         string `yaml:"dummy_secret,omitempty"`
}

// ProductConfig configures a purchasable upgrade.
// Prices are decimal strings so "2.00" is never read through a float.
type ProductConfig struct {
	Type        string `yaml:"type"`
	BasePrice   string `yaml:"base_price"`
	Currency    string `yaml:"currency"`
	Message     string `yaml:"message"`
	Description string `yaml:"description"`
	Effect      string `yaml:"effect"` // "reset" or "grant"
	GrantUnits  int64  `yaml:"grant_units"`
}

// ExperimentConfig configures the pricing experiment for one product.
type ExperimentConfig struct {
	Key         string          `yaml:"key"`
	ProductType string          `yaml:"product_type"`
	Variants    []VariantConfig `yaml:"variants"`
}

// VariantConfig configures one pricing treatment.
type VariantConfig struct {
	ID         string `yaml:"id"`
	Multiplier string `yaml:"multiplier"`
	Label      string `yaml:"label"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable /metrics endpoint
	Path    string `yaml:"path"`    // Custom path (default: /metrics)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applying env expansion, overrides,
// defaults and validation exactly as Load does.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// Products and experiments fall back to the built-in token_limit offer.
//
// Environment variables:
//
//	PAYWALL_SERVER_HOST            - Server host (default: 0.0.0.0)
//	PAYWALL_SERVER_PORT            - Server port (default: 8080)
//	PAYWALL_DATABASE_DRIVER        - memory, sqlite or postgres (default: sqlite)
//	PAYWALL_DATABASE_DSN           - Database path or DSN (default: paywall.db)
//	PAYWALL_REDIS_ADDR             - Redis address for confirmation idempotency
//	PAYWALL_QUOTA_LIMIT            - Units per window, -1 for unlimited (default: 1000)
//	PAYWALL_QUOTA_WINDOW           - Trailing window (default: 24h)
//	PAYWALL_QUOTA_ALLOW_CLIENT_OVERRIDES - Accept limit/path overrides that loosen the quota (default: false)
//	PAYWALL_QUOTA_MAX_CLOCK_SKEW   - Max distance of a usage timestamp from now (default: 5m)
//	PAYWALL_PAYMENT_PROVIDER       - none, stripe or dummy (default: none)
//	PAYWALL_STRIPE_SECRET_KEY      - Stripe secret key
//	PAYWALL_STRIPE_WEBHOOK_SECRET  - Stripe webhook signing secret
//	PAYWALL_LOG_LEVEL              - Log level: debug, info, warn, error (default: info)
//	PAYWALL_LOG_FORMAT             - Log format: json or console (default: json)
//	PAYWALL_METRICS_ENABLED        - Enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	cfg := Config{Metrics: MetricsConfig{Enabled: true}}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies PAYWALL_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("PAYWALL_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PAYWALL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PAYWALL_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("PAYWALL_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Database configuration
	if v := os.Getenv("PAYWALL_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("PAYWALL_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Redis configuration
	if v := os.Getenv("PAYWALL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PAYWALL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PAYWALL_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	// Quota configuration
	if v := os.Getenv("PAYWALL_QUOTA_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Quota.Limit = n
		}
	}
	if v := os.Getenv("PAYWALL_QUOTA_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Quota.Window = d
		}
	}
	if v := os.Getenv("PAYWALL_QUOTA_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Quota.Retention = d
		}
	}
	if v := os.Getenv("PAYWALL_QUOTA_ALLOW_CLIENT_OVERRIDES"); v != "" {
		cfg.Quota.AllowClientOverrides = parseBool(v)
	}
	if v := os.Getenv("PAYWALL_QUOTA_MAX_CLOCK_SKEW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Quota.MaxClockSkew = d
		}
	}
	if v := os.Getenv("PAYWALL_QUOTA_DEFAULT_PRODUCT"); v != "" {
		cfg.Quota.DefaultProduct = v
	}
	if v := os.Getenv("PAYWALL_QUOTA_UPGRADE_URL"); v != "" {
		cfg.Quota.UpgradeURL = v
	}

	// Payment configuration
	if v := os.Getenv("PAYWALL_PAYMENT_PROVIDER"); v != "" {
		cfg.Payment.Provider = v
	}
	if v := os.Getenv("PAYWALL_STRIPE_SECRET_KEY"); v != "" {
		cfg.Payment.StripeSecretKey = v
	}
	if v := os.Getenv("PAYWALL_STRIPE_PUBLIC_KEY"); v != "" {
		cfg.Payment.StripePublicKey = v
	}
	if v := os.Getenv("PAYWALL_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Payment.StripeWebhookSecret = v
	}
	if v := os.Getenv("PAYWALL_PAYMENT_DUMMY_SECRET"); v != "" {
		cfg.Payment.DummySecret = v
	}

	// Logging configuration
	if v := os.Getenv("PAYWALL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PAYWALL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("PAYWALL_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("PAYWALL_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "paywall.db"
	}

	if cfg.Quota.Limit == 0 {
		cfg.Quota.Limit = 1000
	}
	if cfg.Quota.Window == 0 {
		cfg.Quota.Window = 24 * time.Hour
	}
	if cfg.Quota.Retention == 0 {
		cfg.Quota.Retention = 7 * 24 * time.Hour
	}
	if cfg.Quota.MaxClockSkew == 0 {
		cfg.Quota.MaxClockSkew = 5 * time.Minute
	}
	if cfg.Quota.PruneInterval == 0 {
		cfg.Quota.PruneInterval = time.Hour
	}

	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "none"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Default offer if none configured
	if len(cfg.Products) == 0 {
		cfg.Products = []ProductConfig{
			{
				Type:        "token_limit",
				BasePrice:   "2.00",
				Currency:    "USD",
				Message:     "You've reached your daily token limit. Upgrade to keep going.",
				Description: "Reset daily token limit",
				Effect:      string(pricing.EffectReset),
			},
		}
		if len(cfg.Experiments) == 0 {
			cfg.Experiments = []ExperimentConfig{
				{
					Key:         "token_limit",
					ProductType: "token_limit",
					Variants: []VariantConfig{
						{ID: experiment.ControlID, Multiplier: "1.0", Label: "Standard"},
						{ID: "discount", Multiplier: "0.75", Label: "25% off"},
						{ID: "premium", Multiplier: "1.2", Label: "Premium"},
					},
				},
			}
		}
	}
	for i := range cfg.Products {
		if cfg.Products[i].Currency == "" {
			cfg.Products[i].Currency = "USD"
		}
	}

	if cfg.Quota.DefaultProduct == "" && len(cfg.Products) > 0 {
		cfg.Quota.DefaultProduct = cfg.Products[0].Type
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: memory, sqlite, postgres, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is 'postgres'")
	}

	if cfg.Quota.Window < 0 {
		return fmt.Errorf("quota.window must be positive")
	}
	if cfg.Quota.Retention < cfg.Quota.Window {
		return fmt.Errorf("quota.retention (%s) must cover quota.window (%s)", cfg.Quota.Retention, cfg.Quota.Window)
	}
	for name, f := range cfg.Quota.Features {
		if _, err := quota.ParsePath(f.Path); err != nil {
			return fmt.Errorf("quota.features.%s: %w", name, err)
		}
	}

	validProviders := map[string]bool{"none": true, "stripe": true, "dummy": true}
	if !validProviders[cfg.Payment.Provider] {
		return fmt.Errorf("payment.provider must be one of: none, stripe, dummy")
	}
	if cfg.Payment.Provider == "stripe" && (cfg.Payment.StripeSecretKey == "" || cfg.Payment.StripeWebhookSecret == "") {
		return fmt.Errorf("payment.stripe_secret_key and payment.stripe_webhook_secret are required when payment.provider is 'stripe'")
	}
	if cfg.Payment.Provider == "dummy" && cfg.Payment.DummySecret == "" {
		return fmt.Errorf("payment.dummy_secret is required when payment.provider is 'dummy'")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	// The catalog and policy must build so a bad file never reaches the gateway.
	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return err
	}
	if _, ok := catalog.Product(cfg.Quota.DefaultProduct); !ok {
		return fmt.Errorf("quota.default_product %q is not a configured product", cfg.Quota.DefaultProduct)
	}
	for name, f := range cfg.Quota.Features {
		if f.Product == "" {
			continue
		}
		if _, ok := catalog.Product(f.Product); !ok {
			return fmt.Errorf("quota.features.%s: product %q is not configured", name, f.Product)
		}
	}

	return nil
}

// BuildCatalog converts the product and experiment sections into a validated
// pricing catalog.
func (c *Config) BuildCatalog() (*pricing.Catalog, error) {
	products := make([]pricing.Product, 0, len(c.Products))
	for i, p := range c.Products {
		price, err := decimal.NewFromString(p.BasePrice)
		if err != nil {
			return nil, fmt.Errorf("products[%d].base_price %q: %w", i, p.BasePrice, err)
		}
		products = append(products, pricing.Product{
			Type:        p.Type,
			BasePrice:   price,
			Currency:    p.Currency,
			Message:     p.Message,
			Description: p.Description,
			Effect:      pricing.Effect(p.Effect),
			GrantUnits:  p.GrantUnits,
		})
	}

	experiments := make([]experiment.Experiment, 0, len(c.Experiments))
	for i, e := range c.Experiments {
		variants := make([]experiment.Variant, 0, len(e.Variants))
		for j, v := range e.Variants {
			m, err := decimal.NewFromString(v.Multiplier)
			if err != nil {
				return nil, fmt.Errorf("experiments[%d].variants[%d].multiplier %q: %w", i, j, v.Multiplier, err)
			}
			variants = append(variants, experiment.Variant{ID: v.ID, Multiplier: m, Label: v.Label})
		}
		experiments = append(experiments, experiment.Experiment{
			Key:         e.Key,
			ProductType: e.ProductType,
			Variants:    variants,
		})
	}

	return pricing.New(products, experiments)
}

// Policy returns the quota policy the gateway enforces.
// Paths are validated by Load, so unparseable ones cannot reach here.
func (c *Config) Policy() app.Policy {
	features := make(map[string]app.FeaturePolicy, len(c.Quota.Features))
	for name, f := range c.Quota.Features {
		path, _ := quota.ParsePath(f.Path)
		features[name] = app.FeaturePolicy{Path: path, Product: f.Product}
	}
	return app.Policy{
		Limit:          c.Quota.Limit,
		Window:         c.Quota.Window,
		DefaultProduct: c.Quota.DefaultProduct,
		UpgradeURL:     c.Quota.UpgradeURL,
		Features:       features,
		AllowOverrides: c.Quota.AllowClientOverrides,
		MaxSkew:        c.Quota.MaxClockSkew,
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
