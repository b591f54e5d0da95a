// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/infra/notify"
	"github.com/coachpo/pgoutbox/internal/infra/relay"
	"github.com/coachpo/pgoutbox/internal/infra/replication"
	"github.com/coachpo/pgoutbox/internal/infra/telemetry"
)

const (
	component = "config"

	// EnvDatabaseDSN overrides database.dsn.
	EnvDatabaseDSN = "PGOUTBOX_DATABASE_DSN"
	// EnvAPIAddr overrides apiServer.addr.
	EnvAPIAddr = "PGOUTBOX_API_ADDR"
)

// NotificationsConfig configures the LISTEN channel. The DSN defaults to database.dsn.
type NotificationsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Listener notify.Config `yaml:",inline"`
}

// AppConfig is the unified pgoutbox configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment         `yaml:"environment"`
	Logging       LoggingConfig       `yaml:"logging"`
	Database      DatabaseConfig      `yaml:"database"`
	Replication   replication.Config  `yaml:"replication"`
	Processor     ProcessorConfig     `yaml:"processor"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Relay         relay.Config        `yaml:"relay"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	APIServer     APIServerConfig     `yaml:"apiServer"`
}

// DefaultAppConfig returns the baseline configuration without a DSN.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Logging:     LoggingConfig{Mode: "development"},
		Database:    DatabaseConfig{RunMigrations: true},
		Replication: replication.DefaultConfig(),
		Processor:   ProcessorConfig{Backoff: BackoffConstant},
		Notifications: NotificationsConfig{
			Enabled:  true,
			Listener: notify.DefaultConfig(),
		},
		Relay: relay.Config{},
		Telemetry: TelemetryConfig{
			ServiceName:   "pgoutbox",
			EnableMetrics: true,
		},
		APIServer: APIServerConfig{Addr: ":8880"},
	}
}

// Load reads and validates an AppConfig from the provided YAML file. Fields
// absent from the file keep their defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault loads configPath when it exists and falls back to defaults
// plus environment overrides otherwise.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finish(DefaultAppConfig())
}

func finish(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		c.Database.DSN = dsn
	}
	if addr := strings.TrimSpace(os.Getenv(EnvAPIAddr)); addr != "" {
		c.APIServer.Addr = addr
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Logging.Mode = strings.ToLower(strings.TrimSpace(c.Logging.Mode))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "pgoutbox"
	}

	c.Database.applyDefaults()
	c.Processor.applyDefaults()

	c.Replication = c.Replication.Normalise()
	if c.Replication.DSN == "" {
		c.Replication.DSN = c.Database.DSN
	}
	c.Notifications.Listener = c.Notifications.Listener.Normalise()
	if c.Notifications.Listener.DSN == "" {
		c.Notifications.Listener.DSN = c.Database.DSN
	}
	c.Relay = c.Relay.Normalise()
}

// Validate performs semantic validation on the configuration. Every failure
// is an errs.CodeConfiguration error.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return invalid("environment must be one of dev, staging, prod", nil)
	}
	switch c.Logging.Mode {
	case "", "development", "production":
	default:
		return invalid("logging mode must be development or production", nil)
	}
	if err := c.Database.validate(); err != nil {
		return invalid("database", err)
	}
	if err := c.Replication.Validate(); err != nil {
		return err
	}
	if err := c.Processor.validate(); err != nil {
		return invalid("processor", err)
	}
	if c.Notifications.Enabled {
		if err := c.Notifications.Listener.Validate(); err != nil {
			return err
		}
	}
	if err := c.Relay.Validate(); err != nil {
		return err
	}
	return nil
}

// TelemetryConfig derives the telemetry provider settings, starting from the
// OTEL_* environment defaults.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	out := telemetry.DefaultConfig()
	out.Enabled = out.Enabled || c.Telemetry.Enabled
	out.EnableMetrics = c.Telemetry.EnableMetrics
	out.OTLPInsecure = out.OTLPInsecure || c.Telemetry.OTLPInsecure
	if c.Telemetry.OTLPEndpoint != "" {
		out.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.ServiceName != "" {
		out.ServiceName = c.Telemetry.ServiceName
	}
	out.Environment = string(c.Environment)
	return out
}

func invalid(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(component, errs.CodeConfiguration, opts...)
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
