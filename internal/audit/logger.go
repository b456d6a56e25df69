package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Incident lifecycle helpers
	LogIncidentReceived(ctx context.Context, key, functionName string) error
	LogDuplicateSkipped(ctx context.Context, key, status string) error
	LogStaleResumed(ctx context.Context, key string, age time.Duration) error

	// Investigation lifecycle helpers
	LogInvestigationStarted(ctx context.Context, key string) error
	LogInvestigationConcluded(ctx context.Context, key string, duration time.Duration) error
	LogInvestigationFailed(ctx context.Context, key, category string, err error) error
	LogToolCalled(ctx context.Context, key, tool string, duration time.Duration) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	auditZapLogger := zap.New(auditCore)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("incident_key", event.IncidentKey),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogIncidentReceived logs the arrival of a new incident event
func (l *auditLogger) LogIncidentReceived(ctx context.Context, key, functionName string) error {
	event := NewEvent(EventIncidentReceived).
		WithIncident(key, functionName).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Incident %s received", key))

	return l.Log(ctx, event)
}

// LogDuplicateSkipped logs a redelivered event resolved without a new run
func (l *auditLogger) LogDuplicateSkipped(ctx context.Context, key, status string) error {
	event := NewEvent(EventIncidentDuplicate).
		WithIncident(key, "").
		WithResult(ResultSkipped).
		WithMetadata("existing_status", status).
		WithDescription(fmt.Sprintf("Duplicate delivery for %s skipped (status %s)", key, status))

	return l.Log(ctx, event)
}

// LogStaleResumed logs an investigation re-entered after a crashed run
func (l *auditLogger) LogStaleResumed(ctx context.Context, key string, age time.Duration) error {
	event := NewEvent(EventIncidentStaleResumed).
		WithIncident(key, "").
		WithResult(ResultSuccess).
		WithMetadata("stale_age_seconds", age.Seconds()).
		WithDescription(fmt.Sprintf("Stale investigation %s resumed", key))

	return l.Log(ctx, event)
}

// LogInvestigationStarted logs when an investigation starts
func (l *auditLogger) LogInvestigationStarted(ctx context.Context, key string) error {
	event := NewEvent(EventInvestigationStarted).
		WithIncident(key, "").
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Investigation %s started", key))

	return l.Log(ctx, event)
}

// LogInvestigationConcluded logs a successful diagnosis
func (l *auditLogger) LogInvestigationConcluded(ctx context.Context, key string, duration time.Duration) error {
	event := NewEvent(EventInvestigationConcluded).
		WithIncident(key, "").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Investigation %s concluded", key))

	return l.Log(ctx, event)
}

// LogInvestigationFailed logs when an investigation fails
func (l *auditLogger) LogInvestigationFailed(ctx context.Context, key, category string, err error) error {
	event := NewEvent(EventInvestigationFailed).
		WithIncident(key, "").
		WithError(err, category).
		WithDescription(fmt.Sprintf("Investigation %s failed", key))

	return l.Log(ctx, event)
}

// LogToolCalled logs one collector invocation
func (l *auditLogger) LogToolCalled(ctx context.Context, key, tool string, duration time.Duration) error {
	event := NewEvent(EventToolCalled).
		WithIncident(key, "").
		WithTool(tool).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Collector %s called for %s", tool, key))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()

	return l.Sync()
}
