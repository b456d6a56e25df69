package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8081
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}

	// Collector defaults
	cfg.Collector.BaseURL = "http://localhost:8090"
	cfg.Collector.APIKey = ""
	cfg.Collector.CallTimeout = 30 * time.Second
	cfg.Collector.ConnectTimeout = 10 * time.Second

	// Oracle defaults
	cfg.Oracle.Provider = "anthropic"
	cfg.Oracle.Model = "claude-3-5-sonnet-20241022"
	cfg.Oracle.BaseURL = "https://api.anthropic.com/v1"
	cfg.Oracle.APIKey = ""
	cfg.Oracle.MaxTokens = 4096
	cfg.Oracle.Timeout = 120 * time.Second

	// Loop defaults
	cfg.Loop.StepLimit = 12
	cfg.Loop.DeadlineBuffer = 90 * time.Second
	cfg.Loop.CostCeiling = 100_000
	cfg.Loop.EvidenceBudget = 20_000
	cfg.Loop.MaxAttempts = 2
	cfg.Loop.BackoffBase = 500 * time.Millisecond
	cfg.Loop.InvocationTimeout = 10 * time.Minute

	// Incident defaults
	cfg.Incident.Owner = "sentinel-1"
	cfg.Incident.StalenessThreshold = 10 * time.Minute
	cfg.Incident.RecordTTL = 7 * 24 * time.Hour

	// Watchdog defaults
	cfg.Watchdog.Enabled = true
	cfg.Watchdog.Interval = time.Minute

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/sentinel/sentinel-ai.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AuditLogPath = "/var/log/sentinel/audit.log"
	cfg.Logging.AppLogPath = "/var/log/sentinel/app.log"

	return cfg
}
