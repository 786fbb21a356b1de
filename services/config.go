package services

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/coordinator"
)

// Config collects the service-level settings: listen addresses, persistence,
// and the coordinator workflow constants.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogJSON     bool   `yaml:"log_json"`
	LogDebug    bool   `yaml:"log_debug"`

	// Postgres is optional; when nil the service runs on the in-memory store.
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`

	Coordinator coordinator.Config `yaml:"coordinator"`
}

// DefaultConfig returns a runnable local configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:  "127.0.0.1:8080",
		MetricsAddr: "127.0.0.1:9090",
		Coordinator: coordinator.DefaultConfig("coordinator-local"),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(body, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.Coordinator.CoordinatorID == "" {
		return fmt.Errorf("coordinator.coordinator_id must be set")
	}
	if c.Coordinator.FeePercent > 100 {
		return fmt.Errorf("coordinator.fee_percent must be at most 100")
	}
	if c.Coordinator.MinPayment > c.Coordinator.MaxPayment {
		return fmt.Errorf("coordinator.min_payment exceeds max_payment")
	}
	if c.Coordinator.MinRating > c.Coordinator.MaxRating {
		return fmt.Errorf("coordinator.min_rating exceeds max_rating")
	}
	return nil
}
