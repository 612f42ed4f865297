package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure backends
	Tier Tier `json:"tier"`

	// Thresholds is the risk-synthesis tuning surface
	Thresholds Thresholds `json:"thresholds"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Thresholds holds the guardrail constants of the synthesis pipeline.
// Invalid values are a startup failure, never a request-time one.
type Thresholds struct {
	// FraudFloor is the minimum score enforced when ground truth confirms fraud.
	FraudFloor float64 `json:"fraudFloor"`

	// MaxPatternAdjustment caps the aggregate pattern contribution.
	MaxPatternAdjustment float64 `json:"maxPatternAdjustment"`

	// MinBaseScoreForPatterns is the baseline below which patterns never apply.
	MinBaseScoreForPatterns float64 `json:"minBaseScoreForPatterns"`

	// RemediationThreshold separates SUSPECTED_FRAUD from NOT_FRAUD.
	RemediationThreshold float64 `json:"remediationThreshold"`

	// PhaseTimeout bounds each orchestrator phase.
	PhaseTimeout time.Duration `json:"phaseTimeout"`
}

// DefaultThresholds returns the tuned production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FraudFloor:              0.60,
		MaxPatternAdjustment:    0.15,
		MinBaseScoreForPatterns: 0.35,
		RemediationThreshold:    0.30,
		PhaseTimeout:            30 * time.Second,
	}
}

// Validate checks the threshold surface. Called once at startup.
func (t Thresholds) Validate() error {
	if t.FraudFloor <= 0 || t.FraudFloor > 1 {
		return fmt.Errorf("fraud floor must be in (0,1], got %v", t.FraudFloor)
	}
	if t.MaxPatternAdjustment < 0 || t.MaxPatternAdjustment > 1 {
		return fmt.Errorf("max pattern adjustment must be in [0,1], got %v", t.MaxPatternAdjustment)
	}
	if t.MinBaseScoreForPatterns < 0 || t.MinBaseScoreForPatterns >= 1 {
		return fmt.Errorf("min base score for patterns must be in [0,1), got %v", t.MinBaseScoreForPatterns)
	}
	if t.RemediationThreshold <= 0 || t.RemediationThreshold >= 1 {
		return fmt.Errorf("remediation threshold must be in (0,1), got %v", t.RemediationThreshold)
	}
	if t.PhaseTimeout <= 0 {
		return fmt.Errorf("phase timeout must be positive, got %v", t.PhaseTimeout)
	}
	return nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:       TierCommunity,
		Thresholds: DefaultThresholds(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
