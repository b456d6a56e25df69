package config

import (
	"context"
	"time"
)

// Package config provides configuration management for sentinel-ai.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading on file change
//   - Manage sensitive data (API keys)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//  1. Environment variables (SENTINEL_* prefix)
//  2. YAML config file (default: /etc/sentinel/config.yaml)
//  3. Built-in defaults (lowest priority)

// Config holds the full runtime configuration.
type Config struct {
	Server struct {
		Port           int      `mapstructure:"port"`
		TLSEnabled     bool     `mapstructure:"tls_enabled"`
		TLSCertPath    string   `mapstructure:"tls_cert_path"`
		TLSKeyPath     string   `mapstructure:"tls_key_path"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`

	Collector struct {
		BaseURL        string        `mapstructure:"base_url"`
		APIKey         string        `mapstructure:"api_key"`
		CallTimeout    time.Duration `mapstructure:"call_timeout"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"collector"`

	Oracle struct {
		Provider  string        `mapstructure:"provider"`
		Model     string        `mapstructure:"model"`
		BaseURL   string        `mapstructure:"base_url"`
		APIKey    string        `mapstructure:"api_key"`
		MaxTokens int           `mapstructure:"max_tokens"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"oracle"`

	Loop struct {
		StepLimit         int           `mapstructure:"step_limit"`
		DeadlineBuffer    time.Duration `mapstructure:"deadline_buffer"`
		CostCeiling       int           `mapstructure:"cost_ceiling"`
		EvidenceBudget    int           `mapstructure:"evidence_budget"`
		MaxAttempts       int           `mapstructure:"max_attempts"`
		BackoffBase       time.Duration `mapstructure:"backoff_base"`
		InvocationTimeout time.Duration `mapstructure:"invocation_timeout"`
	} `mapstructure:"loop"`

	Incident struct {
		Owner              string        `mapstructure:"owner"`
		StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
		RecordTTL          time.Duration `mapstructure:"record_ttl"`
	} `mapstructure:"incident"`

	Watchdog struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"watchdog"`

	Database struct {
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"database"`

	Logging struct {
		Level        string `mapstructure:"level"`
		Format       string `mapstructure:"format"`
		AuditLogPath string `mapstructure:"audit_log_path"`
		AppLogPath   string `mapstructure:"app_log_path"`
	} `mapstructure:"logging"`
}

// ConfigManager defines the interface for configuration management.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	return &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}, nil
}

// NewConfigManagerWithDefaults creates a config manager with the default path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/sentinel/config.yaml")
}
