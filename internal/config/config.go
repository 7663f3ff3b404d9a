// Package config loads the application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the ordergate service.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Broker    Broker          `yaml:"broker"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Logging   Logging         `yaml:"logging"`
	Trading   TradingConfig   `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Broker selects and tunes the active broker adapter.
type Broker struct {
	// Name is "alpaca" or "simulator".
	Name            string `yaml:"name"`
	CallTimeoutSecs int    `yaml:"call_timeout_secs"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// SimulatorConfig tunes the execution simulator's failure injection.
type SimulatorConfig struct {
	SimulateLatency bool    `yaml:"simulate_latency"`
	RejectionRate   float64 `yaml:"rejection_rate"`
	PartialFillRate float64 `yaml:"partial_fill_rate"`
	InitialCash     float64 `yaml:"initial_cash"`
	Seed            int64   `yaml:"seed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines risk and execution parameters.
type TradingConfig struct {
	MaxPositionPct float64 `yaml:"max_position_pct"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ORDERGATE_BROKER"); v != "" {
		cfg.Broker.Name = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
