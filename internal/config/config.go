// Package config loads service configuration from the environment, with an
// optional YAML file underneath it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Market data providers.
const (
	ProviderHTTP   = "http"
	ProviderAlpaca = "alpaca"
)

// Config is the top-level configuration for the trading core.
type Config struct {
	Port        string `envconfig:"PORT" yaml:"port"`
	LogLevel    string `envconfig:"LOG_LEVEL" yaml:"log_level"`
	FrontendURL string `envconfig:"FRONTEND_URL" yaml:"frontend_url"`

	StoreDriver string `envconfig:"STORE_DRIVER" yaml:"store_driver"`
	SQLitePath  string `envconfig:"SQLITE_PATH" yaml:"sqlite_path"`
	DatabaseURL string `envconfig:"DATABASE_URL" yaml:"database_url"`

	RedisURL      string        `envconfig:"REDIS_URL" yaml:"redis_url"`
	CacheTTL      time.Duration `envconfig:"CACHE_TTL" yaml:"cache_ttl"`
	Provider      string        `envconfig:"PROVIDER" yaml:"provider"`
	MarketDataURL string        `envconfig:"MARKET_DATA_URL" yaml:"market_data_url"`
	Alpaca        Alpaca        `envconfig:"ALPACA" yaml:"alpaca"`

	Kafka Kafka `envconfig:"KAFKA" yaml:"kafka"`

	// SellPriceCheck applies the buy-side drift check to client-supplied
	// sell prices.
	SellPriceCheck bool `envconfig:"SELL_PRICE_CHECK" yaml:"sell_price_check"`
}

// Alpaca holds credentials for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `envconfig:"API_KEY" yaml:"api_key"`
	APISecret string `envconfig:"API_SECRET" yaml:"api_secret"`
	DataURL   string `envconfig:"DATA_URL" yaml:"data_url"`
}

// Kafka configures the ledger-change publisher. Publishing is off when
// Brokers is empty.
type Kafka struct {
	Brokers []string `envconfig:"BROKERS" yaml:"brokers"`
	Topic   string   `envconfig:"TOPIC" yaml:"topic"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:          "3001",
		LogLevel:      "info",
		FrontendURL:   "http://localhost:5173",
		StoreDriver:   DriverSQLite,
		SQLitePath:    "optionquest.db",
		CacheTTL:      60 * time.Second,
		Provider:      ProviderHTTP,
		MarketDataURL: "http://localhost:8081",
		Kafka:         Kafka{Topic: "ledger-changes"},
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables. Later sources win.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// No default tags: unset variables leave the file and built-in values alone.
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected drivers have what they need.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is required for the sqlite store")
		}
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.Provider {
	case ProviderHTTP:
		if c.MarketDataURL == "" {
			return fmt.Errorf("config: MARKET_DATA_URL is required for the http provider")
		}
	case ProviderAlpaca:
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("config: ALPACA_API_KEY and ALPACA_API_SECRET are required for the alpaca provider")
		}
	default:
		return fmt.Errorf("config: unknown PROVIDER %q", c.Provider)
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	return nil
}
