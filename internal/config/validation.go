package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	// Validate collector configuration
	if c.Collector.BaseURL == "" {
		errs = append(errs, &ValidationError{
			Field:   "collector.base_url",
			Message: "collector base_url is required",
		})
	} else if u, err := url.Parse(c.Collector.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "collector.base_url",
			Message: fmt.Sprintf("invalid URL (expected scheme://host): %s", c.Collector.BaseURL),
		})
	}

	if c.Collector.CallTimeout <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "collector.call_timeout",
			Message: fmt.Sprintf("call_timeout must be positive, got %s", c.Collector.CallTimeout),
		})
	}

	if c.Collector.ConnectTimeout <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "collector.connect_timeout",
			Message: fmt.Sprintf("connect_timeout must be positive, got %s", c.Collector.ConnectTimeout),
		})
	}

	// Validate oracle configuration
	if c.Oracle.Provider != "anthropic" {
		errs = append(errs, &ValidationError{
			Field:   "oracle.provider",
			Message: fmt.Sprintf("invalid provider '%s', only 'anthropic' is supported", c.Oracle.Provider),
		})
	}

	if c.Oracle.Model == "" {
		errs = append(errs, &ValidationError{
			Field:   "oracle.model",
			Message: "oracle model is required",
		})
	}

	// A missing API key is not fatal here. The server starts in degraded
	// mode and event ingestion returns 503 until the key is configured.

	if c.Oracle.MaxTokens < 1 {
		errs = append(errs, &ValidationError{
			Field:   "oracle.max_tokens",
			Message: fmt.Sprintf("max_tokens must be at least 1, got %d", c.Oracle.MaxTokens),
		})
	}

	// Validate loop configuration
	if c.Loop.StepLimit < 1 {
		errs = append(errs, &ValidationError{
			Field:   "loop.step_limit",
			Message: fmt.Sprintf("step_limit must be at least 1, got %d", c.Loop.StepLimit),
		})
	}

	if c.Loop.DeadlineBuffer < 0 {
		errs = append(errs, &ValidationError{
			Field:   "loop.deadline_buffer",
			Message: fmt.Sprintf("deadline_buffer cannot be negative, got %s", c.Loop.DeadlineBuffer),
		})
	}

	if c.Loop.CostCeiling < 0 {
		errs = append(errs, &ValidationError{
			Field:   "loop.cost_ceiling",
			Message: fmt.Sprintf("cost_ceiling cannot be negative, got %d", c.Loop.CostCeiling),
		})
	}

	if c.Loop.EvidenceBudget < 0 {
		errs = append(errs, &ValidationError{
			Field:   "loop.evidence_budget",
			Message: fmt.Sprintf("evidence_budget cannot be negative, got %d", c.Loop.EvidenceBudget),
		})
	}

	if c.Loop.MaxAttempts < 0 {
		errs = append(errs, &ValidationError{
			Field:   "loop.max_attempts",
			Message: fmt.Sprintf("max_attempts cannot be negative, got %d", c.Loop.MaxAttempts),
		})
	}

	if c.Loop.InvocationTimeout <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "loop.invocation_timeout",
			Message: fmt.Sprintf("invocation_timeout must be positive, got %s", c.Loop.InvocationTimeout),
		})
	}

	// Validate incident configuration
	if c.Incident.Owner == "" {
		errs = append(errs, &ValidationError{
			Field:   "incident.owner",
			Message: "incident owner is required",
		})
	}

	if c.Incident.StalenessThreshold <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "incident.staleness_threshold",
			Message: fmt.Sprintf("staleness_threshold must be positive, got %s", c.Incident.StalenessThreshold),
		})
	}

	if c.Incident.RecordTTL <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "incident.record_ttl",
			Message: fmt.Sprintf("record_ttl must be positive, got %s", c.Incident.RecordTTL),
		})
	}

	// Validate watchdog configuration
	if c.Watchdog.Enabled && c.Watchdog.Interval <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "watchdog.interval",
			Message: fmt.Sprintf("interval must be positive when watchdog is enabled, got %s", c.Watchdog.Interval),
		})
	}

	// Validate database configuration
	if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	return errs
}
