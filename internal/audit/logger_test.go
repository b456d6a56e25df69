package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) (Logger, *Config) {
	t.Helper()
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, config
}

func readAuditLog(t *testing.T, config *Config) string {
	t.Helper()
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	return string(content)
}

func TestNewLoggerWithInvalidLevel(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "invalid",
	}

	_, err := NewLogger(config)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}

	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected 'invalid log level' error, got: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}

	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}

	if config.LogLevel != "info" {
		t.Errorf("Expected log level 'info', got %s", config.LogLevel)
	}
}

func TestLogEvent(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()
	event := NewEvent(EventInvestigationStarted).
		WithCorrelationID("test-123").
		WithIncident("payments#2026-08-27T10:00:00Z", "payments").
		WithResult(ResultSuccess)

	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	// Force flush
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readAuditLog(t, config)
	if !strings.Contains(logContent, "test-123") {
		t.Error("Log does not contain correlation ID")
	}

	if !strings.Contains(logContent, "investigation.started") {
		t.Error("Log does not contain event type")
	}

	if !strings.Contains(logContent, "payments#2026-08-27T10:00:00Z") {
		t.Error("Log does not contain incident key")
	}
}

func TestLogInvestigationLifecycle(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()
	key := "payments#2026-08-27T10:00:00Z"

	if err := logger.LogIncidentReceived(ctx, key, "payments"); err != nil {
		t.Fatalf("LogIncidentReceived failed: %v", err)
	}

	if err := logger.LogInvestigationStarted(ctx, key); err != nil {
		t.Fatalf("LogInvestigationStarted failed: %v", err)
	}

	if err := logger.LogToolCalled(ctx, key, "get_recent_logs", 250*time.Millisecond); err != nil {
		t.Fatalf("LogToolCalled failed: %v", err)
	}

	if err := logger.LogInvestigationConcluded(ctx, key, 5*time.Second); err != nil {
		t.Fatalf("LogInvestigationConcluded failed: %v", err)
	}

	// Force flush
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readAuditLog(t, config)
	for _, want := range []string{
		"incident.received",
		"investigation.started",
		"investigation.tool_called",
		"investigation.concluded",
		"get_recent_logs",
	} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestLogDuplicateAndStale(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()
	key := "payments#2026-08-27T10:00:00Z"

	if err := logger.LogDuplicateSkipped(ctx, key, "INVESTIGATING"); err != nil {
		t.Fatalf("LogDuplicateSkipped failed: %v", err)
	}

	if err := logger.LogStaleResumed(ctx, key, 12*time.Minute); err != nil {
		t.Fatalf("LogStaleResumed failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readAuditLog(t, config)
	if !strings.Contains(logContent, "incident.duplicate_skipped") {
		t.Error("Log does not contain duplicate event")
	}
	if !strings.Contains(logContent, "skipped") {
		t.Error("Log does not contain skipped result")
	}
	if !strings.Contains(logContent, "incident.stale_resumed") {
		t.Error("Log does not contain stale resume event")
	}
}

func TestLogInvestigationFailed(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()
	err := logger.LogInvestigationFailed(ctx, "payments#2026-08-27T10:00:00Z", "auth",
		errTest("collector denied access"))
	if err != nil {
		t.Fatalf("LogInvestigationFailed failed: %v", err)
	}

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readAuditLog(t, config)
	if !strings.Contains(logContent, "investigation.failed") {
		t.Error("Log does not contain failed event")
	}
	if !strings.Contains(logContent, "collector denied access") {
		t.Error("Log does not contain error message")
	}
	if !strings.Contains(logContent, `"error_category":"auth"`) {
		t.Error("Log does not contain error category")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

func TestBufferAutoFlush(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()

	// Log multiple events
	for i := 0; i < 5; i++ {
		event := NewEvent(EventWatchdogSweep).WithResult(ResultSuccess)

		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	// Wait for auto-flush (1 second ticker)
	time.Sleep(1500 * time.Millisecond)

	content := readAuditLog(t, config)
	if len(content) == 0 {
		t.Error("Audit log is empty after auto-flush")
	}
}

func TestBufferFullFlush(t *testing.T) {
	logger, config := newTestLogger(t)

	ctx := context.Background()

	// Log 100+ events to trigger buffer flush
	for i := 0; i < 105; i++ {
		event := NewEvent(EventWatchdogSweep).WithResult(ResultSuccess)

		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	// Sync to ensure flush
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content := readAuditLog(t, config)

	// Count number of events (each event is a JSON line)
	lines := strings.Split(content, "\n")
	eventCount := 0
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			eventCount++
		}
	}

	if eventCount < 105 {
		t.Errorf("Expected at least 105 events, got %d", eventCount)
	}
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventToolCalled).
		WithCorrelationID("corr-123").
		WithIncident("payments#2026-08-27T10:00:00Z", "payments").
		WithTool("get_iam_state").
		WithDescription("Collector called").
		WithResult(ResultSuccess).
		WithDuration(3 * time.Second).
		WithMetadata("attempt", 1)

	if event.CorrelationID != "corr-123" {
		t.Errorf("Expected correlation ID 'corr-123', got %s", event.CorrelationID)
	}

	if event.IncidentKey != "payments#2026-08-27T10:00:00Z" {
		t.Errorf("Unexpected incident key %s", event.IncidentKey)
	}

	if event.FunctionName != "payments" {
		t.Errorf("Expected function 'payments', got %s", event.FunctionName)
	}

	if event.Tool != "get_iam_state" {
		t.Errorf("Expected tool 'get_iam_state', got %s", event.Tool)
	}

	if event.Result != ResultSuccess {
		t.Errorf("Expected result 'success', got %s", event.Result)
	}

	if event.DurationMs != 3000 {
		t.Errorf("Expected duration 3000ms, got %d", event.DurationMs)
	}

	if attempt, ok := event.Metadata["attempt"].(int); !ok || attempt != 1 {
		t.Errorf("Expected metadata attempt 1, got %v", event.Metadata["attempt"])
	}
}

func TestNewEventGeneratesCorrelationID(t *testing.T) {
	e1 := NewEvent(EventIncidentReceived)
	e2 := NewEvent(EventIncidentReceived)

	if e1.CorrelationID == "" {
		t.Fatal("Correlation ID not generated")
	}
	if e1.CorrelationID == e2.CorrelationID {
		t.Error("Generated correlation IDs should be unique")
	}
}
