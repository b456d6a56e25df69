package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.False(t, cfg.Server.TLSEnabled)
	assert.NotEmpty(t, cfg.Server.AllowedOrigins)

	// Collector defaults
	assert.Equal(t, "http://localhost:8090", cfg.Collector.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Collector.CallTimeout)

	// Oracle defaults
	assert.Equal(t, "anthropic", cfg.Oracle.Provider)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cfg.Oracle.Model)
	assert.Equal(t, 4096, cfg.Oracle.MaxTokens)

	// Loop defaults
	assert.Equal(t, 12, cfg.Loop.StepLimit)
	assert.Equal(t, 90*time.Second, cfg.Loop.DeadlineBuffer)
	assert.Equal(t, 100_000, cfg.Loop.CostCeiling)
	assert.Equal(t, 2, cfg.Loop.MaxAttempts)

	// Incident defaults
	assert.Equal(t, "sentinel-1", cfg.Incident.Owner)
	assert.Equal(t, 10*time.Minute, cfg.Incident.StalenessThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Incident.RecordTTL)

	// Watchdog defaults
	assert.True(t, cfg.Watchdog.Enabled)
	assert.Equal(t, time.Minute, cfg.Watchdog.Interval)

	// Database defaults
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "invalid port - too low",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 0
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "invalid port - too high",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 70000
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "missing collector base url",
			modifyFn: func(cfg *Config) {
				cfg.Collector.BaseURL = ""
			},
			wantError: true,
			errorMsg:  "collector base_url is required",
		},
		{
			name: "invalid collector base url",
			modifyFn: func(cfg *Config) {
				cfg.Collector.BaseURL = "not-a-url"
			},
			wantError: true,
			errorMsg:  "invalid URL",
		},
		{
			name: "invalid oracle provider",
			modifyFn: func(cfg *Config) {
				cfg.Oracle.Provider = "invalid"
			},
			wantError: true,
			errorMsg:  "invalid provider",
		},
		{
			name: "missing oracle model",
			modifyFn: func(cfg *Config) {
				cfg.Oracle.Model = ""
			},
			wantError: true,
			errorMsg:  "oracle model is required",
		},
		{
			name: "missing oracle api key is not fatal",
			modifyFn: func(cfg *Config) {
				cfg.Oracle.APIKey = ""
			},
			wantError: false,
		},
		{
			name: "zero step limit",
			modifyFn: func(cfg *Config) {
				cfg.Loop.StepLimit = 0
			},
			wantError: true,
			errorMsg:  "step_limit must be at least 1",
		},
		{
			name: "negative cost ceiling",
			modifyFn: func(cfg *Config) {
				cfg.Loop.CostCeiling = -1
			},
			wantError: true,
			errorMsg:  "cost_ceiling cannot be negative",
		},
		{
			name: "negative deadline buffer",
			modifyFn: func(cfg *Config) {
				cfg.Loop.DeadlineBuffer = -time.Second
			},
			wantError: true,
			errorMsg:  "deadline_buffer cannot be negative",
		},
		{
			name: "missing owner",
			modifyFn: func(cfg *Config) {
				cfg.Incident.Owner = ""
			},
			wantError: true,
			errorMsg:  "incident owner is required",
		},
		{
			name: "zero staleness threshold",
			modifyFn: func(cfg *Config) {
				cfg.Incident.StalenessThreshold = 0
			},
			wantError: true,
			errorMsg:  "staleness_threshold must be positive",
		},
		{
			name: "zero record ttl",
			modifyFn: func(cfg *Config) {
				cfg.Incident.RecordTTL = 0
			},
			wantError: true,
			errorMsg:  "record_ttl must be positive",
		},
		{
			name: "watchdog enabled with zero interval",
			modifyFn: func(cfg *Config) {
				cfg.Watchdog.Interval = 0
			},
			wantError: true,
			errorMsg:  "interval must be positive",
		},
		{
			name: "watchdog disabled with zero interval",
			modifyFn: func(cfg *Config) {
				cfg.Watchdog.Enabled = false
				cfg.Watchdog.Interval = 0
			},
			wantError: false,
		},
		{
			name: "missing sqlite path",
			modifyFn: func(cfg *Config) {
				cfg.Database.SQLitePath = ""
			},
			wantError: true,
			errorMsg:  "sqlite_path is required",
		},
		{
			name: "invalid log level",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Level = "invalid"
			},
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name: "invalid log format",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Format = "invalid"
			},
			wantError: true,
			errorMsg:  "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()

			if tt.wantError {
				assert.NotEmpty(t, errs, "expected validation errors but got none")
				found := false
				for _, err := range errs {
					if strings.Contains(err.Error(), tt.errorMsg) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected error message containing '%s', got: %v", tt.errorMsg, errs)
			} else {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
			}
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090

collector:
  base_url: "http://collectors:8090"
  call_timeout: 45s

oracle:
  provider: "anthropic"
  api_key: "test-oracle-key"
  model: "claude-3-5-sonnet-20241022"

loop:
  step_limit: 8
  deadline_buffer: 2m
  cost_ceiling: 50000

incident:
  owner: "sentinel-west-2"

logging:
  level: "debug"
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "http://collectors:8090", cfg.Collector.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Collector.CallTimeout)
	assert.Equal(t, "anthropic", cfg.Oracle.Provider)
	assert.Equal(t, "test-oracle-key", cfg.Oracle.APIKey)
	assert.Equal(t, 8, cfg.Loop.StepLimit)
	assert.Equal(t, 2*time.Minute, cfg.Loop.DeadlineBuffer)
	assert.Equal(t, 50000, cfg.Loop.CostCeiling)
	assert.Equal(t, "sentinel-west-2", cfg.Incident.Owner)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// Sections absent from the file keep their defaults.
	assert.Equal(t, 10*time.Minute, cfg.Incident.StalenessThreshold)
	assert.Equal(t, 2, cfg.Loop.MaxAttempts)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	os.Setenv("SENTINEL_COLLECTOR_BASE_URL", "http://env-collectors:9999")
	os.Setenv("SENTINEL_PORT", "7070")
	os.Setenv("ANTHROPIC_API_KEY", "env-oracle-key")
	defer func() {
		os.Unsetenv("SENTINEL_COLLECTOR_BASE_URL")
		os.Unsetenv("SENTINEL_PORT")
		os.Unsetenv("ANTHROPIC_API_KEY")
	}()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8081

collector:
  base_url: "http://localhost:8090"

oracle:
  provider: "anthropic"
  model: "claude-3-5-sonnet-20241022"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	cfg := mgr.Get(ctx)

	assert.Equal(t, 7070, cfg.Server.Port, "PORT should be overridden by environment variable")
	assert.Equal(t, "http://env-collectors:9999", cfg.Collector.BaseURL, "collector base URL should be overridden by environment variable")
	assert.Equal(t, "env-oracle-key", cfg.Oracle.APIKey, "API key should come from environment variable")
}

func TestConfigManagerMissingFile(t *testing.T) {
	configPath := "/tmp/nonexistent-config.yaml"

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	// Should not error - should use defaults
	require.NoError(t, err)

	cfg := mgr.Get(ctx)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8081, cfg.Server.Port)
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 99999

collector:
  base_url: ""

oracle:
  provider: "invalid-provider"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	err = mgr.Load(ctx)
	require.NoError(t, err)

	err = mgr.Validate(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}
