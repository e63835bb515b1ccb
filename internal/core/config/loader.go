package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/custody/internal/core/coldstorage"
	"github.com/vietddude/custody/internal/core/risk"
	"github.com/vietddude/custody/internal/infra/chain/jsonrpc"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding environment variables and fills defaults.
func Parse(data []byte) (*AppConfig, error) {
	cfg := AppConfig{
		Risk:        risk.DefaultConfig(),
		ColdStorage: coldstorage.DefaultConfig(),
	}
	cfg.ChainAdapter.JSONRPC.Retry = jsonrpc.DefaultRetryConfig

	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Auth.MFAWindow == 0 {
		cfg.Auth.MFAWindow = 5 * time.Minute
	}
	if cfg.Workflow.SweepInterval == 0 {
		cfg.Workflow.SweepInterval = time.Minute
	}
	if cfg.Workflow.SweepBatch == 0 {
		cfg.Workflow.SweepBatch = 500
	}
	if cfg.Workflow.StatusInterval == 0 {
		cfg.Workflow.StatusInterval = 30 * time.Second
	}
	if cfg.Workflow.AdapterTimeout == 0 {
		cfg.Workflow.AdapterTimeout = 30 * time.Second
	}
	if cfg.ChainAdapter.Driver == "" {
		cfg.ChainAdapter.Driver = "memory"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "custody.alerts"
	}
}

// Validate rejects settings that would weaken approval guarantees.
func (c *AppConfig) Validate() error {
	if c.ColdStorage.QuorumFloor < coldstorage.MinQuorumFloor {
		return fmt.Errorf("cold_storage.quorum_floor must be at least %d, got %d",
			coldstorage.MinQuorumFloor, c.ColdStorage.QuorumFloor)
	}
	if c.ColdStorage.FreshnessWindow <= 0 {
		return fmt.Errorf("cold_storage.freshness_window must be positive")
	}
	r := c.Risk
	if !(0 < r.LowBelow && r.LowBelow < r.MediumBelow && r.MediumBelow < r.HighBelow && r.HighBelow <= 100) {
		return fmt.Errorf("risk thresholds must ascend within 1..100, got %d/%d/%d",
			r.LowBelow, r.MediumBelow, r.HighBelow)
	}
	switch c.ChainAdapter.Driver {
	case "memory":
	case "jsonrpc":
		if c.ChainAdapter.JSONRPC.Endpoint == "" {
			return fmt.Errorf("chain_adapter.jsonrpc.endpoint is required")
		}
	default:
		return fmt.Errorf("unknown chain_adapter.driver %q", c.ChainAdapter.Driver)
	}
	for i, a := range c.Auth.Admins {
		if a.ID == "" {
			return fmt.Errorf("auth.admins[%d].id is required", i)
		}
	}
	return nil
}
