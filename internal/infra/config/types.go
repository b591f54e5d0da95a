package config

import (
	"fmt"
	"strings"
	"time"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// LoggingConfig selects the zap encoder.
type LoggingConfig struct {
	// Mode is "development" (console, debug level) or "production" (JSON, info level).
	Mode string `yaml:"mode"`
}

// BackoffKind selects the reconnect delay policy.
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffExponential BackoffKind = "exponential"
)

// ProcessorConfig controls the outbox processor loop.
type ProcessorConfig struct {
	Backoff       BackoffKind   `yaml:"backoff"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	MaxRetryDelay time.Duration `yaml:"maxRetryDelay"`
	AckPolicy     string        `yaml:"ackPolicy"`
}

func (c *ProcessorConfig) applyDefaults() {
	c.Backoff = BackoffKind(strings.ToLower(strings.TrimSpace(string(c.Backoff))))
	if c.Backoff == "" {
		c.Backoff = BackoffConstant
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	c.AckPolicy = strings.ToLower(strings.TrimSpace(c.AckPolicy))
	if c.AckPolicy == "" {
		c.AckPolicy = "on_delivery"
	}
}

func (c ProcessorConfig) validate() error {
	switch c.Backoff {
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("backoff must be constant or exponential")
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("maxRetryDelay must be >= retryDelay")
	}
	switch c.AckPolicy {
	case "on_delivery", "on_success":
	default:
		return fmt.Errorf("ackPolicy must be on_delivery or on_success")
	}
	return nil
}

// APIServerConfig configures the status HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls the pooled connection used by the write path and
// migrations. Replication and LISTEN connections default to the same DSN.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if c.DSN == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}
