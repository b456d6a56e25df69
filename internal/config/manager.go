package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("SENTINEL")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// Config file is optional. Missing file means defaults + env vars.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Collector defaults
	m.viper.SetDefault("collector.base_url", defaults.Collector.BaseURL)
	m.viper.SetDefault("collector.api_key", defaults.Collector.APIKey)
	m.viper.SetDefault("collector.call_timeout", defaults.Collector.CallTimeout)
	m.viper.SetDefault("collector.connect_timeout", defaults.Collector.ConnectTimeout)

	// Oracle defaults
	m.viper.SetDefault("oracle.provider", defaults.Oracle.Provider)
	m.viper.SetDefault("oracle.model", defaults.Oracle.Model)
	m.viper.SetDefault("oracle.base_url", defaults.Oracle.BaseURL)
	m.viper.SetDefault("oracle.max_tokens", defaults.Oracle.MaxTokens)
	m.viper.SetDefault("oracle.timeout", defaults.Oracle.Timeout)

	// Loop defaults
	m.viper.SetDefault("loop.step_limit", defaults.Loop.StepLimit)
	m.viper.SetDefault("loop.deadline_buffer", defaults.Loop.DeadlineBuffer)
	m.viper.SetDefault("loop.cost_ceiling", defaults.Loop.CostCeiling)
	m.viper.SetDefault("loop.evidence_budget", defaults.Loop.EvidenceBudget)
	m.viper.SetDefault("loop.max_attempts", defaults.Loop.MaxAttempts)
	m.viper.SetDefault("loop.backoff_base", defaults.Loop.BackoffBase)
	m.viper.SetDefault("loop.invocation_timeout", defaults.Loop.InvocationTimeout)

	// Incident defaults
	m.viper.SetDefault("incident.owner", defaults.Incident.Owner)
	m.viper.SetDefault("incident.staleness_threshold", defaults.Incident.StalenessThreshold)
	m.viper.SetDefault("incident.record_ttl", defaults.Incident.RecordTTL)

	// Watchdog defaults
	m.viper.SetDefault("watchdog.enabled", defaults.Watchdog.Enabled)
	m.viper.SetDefault("watchdog.interval", defaults.Watchdog.Interval)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
	m.viper.SetDefault("logging.app_log_path", defaults.Logging.AppLogPath)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// Collector
	cfg.Collector.BaseURL = m.viper.GetString("collector.base_url")
	cfg.Collector.APIKey = m.viper.GetString("collector.api_key")
	cfg.Collector.CallTimeout = m.viper.GetDuration("collector.call_timeout")
	cfg.Collector.ConnectTimeout = m.viper.GetDuration("collector.connect_timeout")

	// Oracle
	cfg.Oracle.Provider = m.viper.GetString("oracle.provider")
	cfg.Oracle.Model = m.viper.GetString("oracle.model")
	cfg.Oracle.BaseURL = m.viper.GetString("oracle.base_url")
	cfg.Oracle.APIKey = m.viper.GetString("oracle.api_key")
	cfg.Oracle.MaxTokens = m.viper.GetInt("oracle.max_tokens")
	cfg.Oracle.Timeout = m.viper.GetDuration("oracle.timeout")

	// Loop
	cfg.Loop.StepLimit = m.viper.GetInt("loop.step_limit")
	cfg.Loop.DeadlineBuffer = m.viper.GetDuration("loop.deadline_buffer")
	cfg.Loop.CostCeiling = m.viper.GetInt("loop.cost_ceiling")
	cfg.Loop.EvidenceBudget = m.viper.GetInt("loop.evidence_budget")
	cfg.Loop.MaxAttempts = m.viper.GetInt("loop.max_attempts")
	cfg.Loop.BackoffBase = m.viper.GetDuration("loop.backoff_base")
	cfg.Loop.InvocationTimeout = m.viper.GetDuration("loop.invocation_timeout")

	// Incident
	cfg.Incident.Owner = m.viper.GetString("incident.owner")
	cfg.Incident.StalenessThreshold = m.viper.GetDuration("incident.staleness_threshold")
	cfg.Incident.RecordTTL = m.viper.GetDuration("incident.record_ttl")

	// Watchdog
	cfg.Watchdog.Enabled = m.viper.GetBool("watchdog.enabled")
	cfg.Watchdog.Interval = m.viper.GetDuration("watchdog.interval")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	// Oracle API key from environment
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		m.config.Oracle.APIKey = apiKey
	}
	if apiKey := os.Getenv("SENTINEL_ORACLE_API_KEY"); apiKey != "" {
		m.config.Oracle.APIKey = apiKey
	}

	// Collector credentials from environment
	if apiKey := os.Getenv("SENTINEL_COLLECTOR_API_KEY"); apiKey != "" {
		m.config.Collector.APIKey = apiKey
	}
	if baseURL := os.Getenv("SENTINEL_COLLECTOR_BASE_URL"); baseURL != "" {
		m.config.Collector.BaseURL = baseURL
	}

	// Port from environment, only override if explicitly set
	if portEnv := os.Getenv("SENTINEL_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}
}
