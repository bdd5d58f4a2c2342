package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Store.SQLitePath != "/var/lib/autoflow/autoflow.db" {
		t.Errorf("Store.SQLitePath = %q", cfg.Store.SQLitePath)
	}
	if cfg.Engine.MaxStepsPerRun != 500 {
		t.Errorf("Engine.MaxStepsPerRun = %d, want 500", cfg.Engine.MaxStepsPerRun)
	}
	if len(cfg.Engine.Definitions) != 1 || cfg.Engine.Definitions[0] != "./workflows" {
		t.Errorf("Engine.Definitions = %v, want [./workflows]", cfg.Engine.Definitions)
	}
	if cfg.Claim.Driver != "redis" || cfg.Claim.TTL != 10*time.Second {
		t.Errorf("Claim = %+v, want redis with 10s ttl", cfg.Claim)
	}
	if cfg.Claim.KeyPrefix != "autoflow:claim:" {
		t.Errorf("Claim.KeyPrefix = %q, want default", cfg.Claim.KeyPrefix)
	}
	if cfg.Actions.HTTP.BreakerFailureThreshold != 3 {
		t.Errorf("Actions.HTTP.BreakerFailureThreshold = %d, want 3", cfg.Actions.HTTP.BreakerFailureThreshold)
	}
	if cfg.Actions.AI.Endpoint != "https://llm.internal/v1/complete" {
		t.Errorf("Actions.AI.Endpoint = %q", cfg.Actions.AI.Endpoint)
	}
	if cfg.Actions.Code.Timeout != 2*time.Second {
		t.Errorf("Actions.Code.Timeout = %v, want 2s", cfg.Actions.Code.Timeout)
	}
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing = %+v, want enabled stdout", cfg.Observability.Tracing)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_empty_path_uses_defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestLoad_invalid_drivers(t *testing.T) {
	_, err := Load("testdata/invalid_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown drivers should return error")
	}
	for _, want := range []string{"store.driver", "claim.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Engine.MaxStepsPerRun != 10000 {
		t.Errorf("default Engine.MaxStepsPerRun = %d, want 10000", cfg.Engine.MaxStepsPerRun)
	}
	if cfg.Claim.Driver != "local" {
		t.Errorf("default Claim.Driver = %q, want local", cfg.Claim.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() error = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTOFLOW_PORT", "3000")
	t.Setenv("AUTOFLOW_LOG_LEVEL", "error")
	t.Setenv("AUTOFLOW_STORE_DRIVER", "memory")
	t.Setenv("AUTOFLOW_CLAIM_DRIVER", "local")
	t.Setenv("AUTOFLOW_AI_MODEL", "large")
	t.Setenv("AUTOFLOW_TRACING_ENABLED", "false")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory (env override)", cfg.Store.Driver)
	}
	if cfg.Claim.Driver != "local" {
		t.Errorf("Claim.Driver = %q, want local (env override)", cfg.Claim.Driver)
	}
	if cfg.Actions.AI.Model != "large" {
		t.Errorf("Actions.AI.Model = %q, want large", cfg.Actions.AI.Model)
	}
	if cfg.Observability.Tracing.Enabled {
		t.Error("Tracing.Enabled = true, want false (env override)")
	}
}

func TestEnvOverrides_ignores_bad_port(t *testing.T) {
	t.Setenv("AUTOFLOW_PORT", "not-a-number")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090 from file", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"postgres without dsn env", func(c *Config) {
			c.Store.Driver = "postgres"
			c.Store.DSNEnv = ""
		}, "store.dsn_env"},
		{"sqlite without path", func(c *Config) {
			c.Store.Driver = "sqlite"
			c.Store.SQLitePath = ""
		}, "store.sqlite_path"},
		{"redis without ttl", func(c *Config) {
			c.Claim.Driver = "redis"
			c.Claim.TTL = 0
		}, "claim.ttl"},
		{"zero step limit", func(c *Config) { c.Engine.MaxStepsPerRun = 0 }, "engine.max_steps_per_run"},
		{"unknown exporter", func(c *Config) { c.Observability.Tracing.Exporter = "zipkin" }, "observability.tracing.exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should return error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
