// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Engine        EngineConfig        `yaml:"engine"`
	Claim         ClaimConfig         `yaml:"claim"`
	Actions       ActionsConfig       `yaml:"actions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// EngineConfig describes runner and scheduler behaviour.
type EngineConfig struct {
	MaxStepsPerRun       int           `yaml:"max_steps_per_run"`
	DefaultStepTimeout   time.Duration `yaml:"default_step_timeout"`
	RecoverOnStart       bool          `yaml:"recover_on_start"`
	SchedulePollInterval time.Duration `yaml:"schedule_poll_interval"`
	ScheduleBatchSize    int           `yaml:"schedule_batch_size"`
	Definitions          []string      `yaml:"definitions"`
}

// ClaimConfig describes how runners claim instances.
type ClaimConfig struct {
	Driver    string        `yaml:"driver"`
	AddrEnv   string        `yaml:"addr_env"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// ActionsConfig groups per-action settings.
type ActionsConfig struct {
	HTTP HTTPActionConfig `yaml:"http"`
	AI   AIActionConfig   `yaml:"ai"`
	Code CodeActionConfig `yaml:"code"`
}

// HTTPActionConfig describes the http_request action client.
type HTTPActionConfig struct {
	Timeout                 time.Duration `yaml:"timeout"`
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `yaml:"breaker_cooldown"`
}

// AIActionConfig describes the language model endpoint used by ai_task.
type AIActionConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// CodeActionConfig bounds the script sandbox.
type CodeActionConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxCallStack int           `yaml:"max_call_stack"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string        `yaml:"log_level"`
	ServiceName string        `yaml:"service_name"`
	Tracing     TracingConfig `yaml:"tracing"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "AUTOFLOW_DATABASE_URL",
			SQLitePath:      "autoflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Engine: EngineConfig{
			MaxStepsPerRun:       10000,
			RecoverOnStart:       true,
			SchedulePollInterval: 15 * time.Second,
			ScheduleBatchSize:    50,
		},
		Claim: ClaimConfig{
			Driver:    "local",
			AddrEnv:   "AUTOFLOW_REDIS_ADDR",
			TTL:       30 * time.Second,
			KeyPrefix: "autoflow:claim:",
		},
		Actions: ActionsConfig{
			HTTP: HTTPActionConfig{
				Timeout:                 30 * time.Second,
				BreakerFailureThreshold: 5,
				BreakerCooldown:         30 * time.Second,
			},
			AI: AIActionConfig{
				APIKeyEnv: "AUTOFLOW_AI_API_KEY",
				Timeout:   120 * time.Second,
			},
			Code: CodeActionConfig{
				Timeout:      5 * time.Second,
				MaxCallStack: 256,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			ServiceName: "autoflow",
			Tracing: TracingConfig{
				Exporter:   "otlp",
				SampleRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path skips the file and starts from
// Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres, sqlite)", c.Store.Driver))
	}

	switch c.Claim.Driver {
	case "local":
	case "redis":
		if c.Claim.AddrEnv == "" {
			errs = append(errs, "claim.addr_env is required for the redis driver")
		}
		if c.Claim.TTL <= 0 {
			errs = append(errs, "claim.ttl must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("claim.driver %q is not supported (local, redis)", c.Claim.Driver))
	}

	if c.Engine.MaxStepsPerRun < 1 {
		errs = append(errs, "engine.max_steps_per_run must be at least 1")
	}
	if c.Engine.SchedulePollInterval < 0 {
		errs = append(errs, "engine.schedule_poll_interval must not be negative")
	}

	switch c.Observability.Tracing.Exporter {
	case "", "otlp", "stdout":
	default:
		errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q is not supported (otlp, stdout)", c.Observability.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads AUTOFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AUTOFLOW_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("AUTOFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("AUTOFLOW_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("AUTOFLOW_CLAIM_DRIVER"); v != "" {
		cfg.Claim.Driver = v
	}
	if v := os.Getenv("AUTOFLOW_AI_ENDPOINT"); v != "" {
		cfg.Actions.AI.Endpoint = v
	}
	if v := os.Getenv("AUTOFLOW_AI_MODEL"); v != "" {
		cfg.Actions.AI.Model = v
	}
	if v := os.Getenv("AUTOFLOW_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.Tracing.Enabled = b
		}
	}
	if v := os.Getenv("AUTOFLOW_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
}
