package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for giftvaultd.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	DatabaseURL   string       `yaml:"database"`
	Environment   string       `yaml:"environment"`
	Booking       Booking      `yaml:"booking"`
	Sweep         Sweep        `yaml:"sweep"`
	Replenish     Replenish    `yaml:"replenish"`
	Ledger        LedgerConfig `yaml:"ledger"`
	Vendor        VendorConfig `yaml:"vendor"`
}

// Booking tunes order creation.
type Booking struct {
	Cooldown Duration `yaml:"cooldown"`
}

// Sweep tunes reclamation of unclaimed orders.
type Sweep struct {
	OrderTTL Duration `yaml:"order_ttl"`
	Interval Duration `yaml:"interval"`
}

// Replenish tunes threshold-driven vendor restocking.
type Replenish struct {
	Interval Duration `yaml:"interval"`
}

// LedgerConfig describes the blockchain ledger RPC endpoint.
type LedgerConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// VendorConfig describes the gift-card vendor API endpoint.
type VendorConfig struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// Default returns the configuration applied before the YAML file and
// environment overlays.
func Default() Config {
	return Config{
		ListenAddress: ":8085",
		Environment:   "prod",
		Booking:       Booking{Cooldown: Duration{30 * time.Second}},
		Sweep: Sweep{
			OrderTTL: Duration{15 * time.Minute},
			Interval: Duration{time.Minute},
		},
		Replenish: Replenish{Interval: Duration{5 * time.Minute}},
		Ledger:    LedgerConfig{Timeout: Duration{15 * time.Second}},
		Vendor:    VendorConfig{Timeout: Duration{5 * time.Minute}},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. An empty path loads defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		raw, err := os.ReadFile(trimmed)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Environment variables override file values so deployments can keep
// credentials out of the config file.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("GIFTVAULT_DB_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("GIFTVAULT_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("GIFTVAULT_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("GIFTVAULT_LEDGER_URL")); v != "" {
		cfg.Ledger.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("GIFTVAULT_VENDOR_URL")); v != "" {
		cfg.Vendor.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("GIFTVAULT_VENDOR_API_KEY")); v != "" {
		cfg.Vendor.APIKey = v
	}
}

// Validate rejects configurations that cannot operate safely.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database is required")
	}
	if strings.TrimSpace(c.Environment) == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Booking.Cooldown.Duration < 0 {
		return fmt.Errorf("booking.cooldown must not be negative")
	}
	if c.Sweep.OrderTTL.Duration <= 0 {
		return fmt.Errorf("sweep.order_ttl must be positive")
	}
	if c.Sweep.Interval.Duration <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if c.Replenish.Interval.Duration <= 0 {
		return fmt.Errorf("replenish.interval must be positive")
	}
	if strings.TrimSpace(c.Ledger.URL) == "" {
		return fmt.Errorf("ledger.url is required")
	}
	return nil
}
