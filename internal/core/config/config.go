package config

import (
	"time"

	"github.com/vietddude/custody/internal/core/coldstorage"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/risk"
	"github.com/vietddude/custody/internal/infra/auth"
	"github.com/vietddude/custody/internal/infra/chain/jsonrpc"
	"github.com/vietddude/custody/internal/infra/kafka"
	redisclient "github.com/vietddude/custody/internal/infra/redis"
	"github.com/vietddude/custody/internal/infra/storage/postgres"
	"github.com/vietddude/custody/internal/tracing"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Database     postgres.Config    `yaml:"database"`
	Redis        redisclient.Config `yaml:"redis"`
	Kafka        kafka.Config       `yaml:"kafka"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      tracing.Config     `yaml:"tracing"`
	Auth         AuthConfig         `yaml:"auth"`
	Risk         risk.Config        `yaml:"risk"`
	ColdStorage  coldstorage.Config `yaml:"cold_storage"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	ChainAdapter ChainAdapterConfig `yaml:"chain_adapter"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// GRPCConfig holds the gRPC health endpoint. Port 0 disables it.
type GRPCConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AuthConfig holds session and step-up settings.
type AuthConfig struct {
	JWT       auth.JWTConfig `yaml:"jwt"`
	MFAWindow time.Duration  `yaml:"mfa_window"`
	Admins    []AdminSeed    `yaml:"admins"`
}

// AdminSeed provisions an operator at start-up.
type AdminSeed struct {
	ID         string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Roles      []domain.Role `yaml:"roles"`
	TOTPSecret string        `yaml:"totp_secret"`
}

// WorkflowConfig holds background and adapter timing.
type WorkflowConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepBatch     int           `yaml:"sweep_batch"`
	StatusInterval time.Duration `yaml:"status_interval"`
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`
}

// ChainAdapterConfig selects the transfer backend.
type ChainAdapterConfig struct {
	Driver  string         `yaml:"driver"` // memory, jsonrpc
	JSONRPC jsonrpc.Config `yaml:"jsonrpc"`
}
