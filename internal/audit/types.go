package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event
type EventType string

const (
	// Incident lifecycle events
	EventIncidentReceived     EventType = "incident.received"
	EventIncidentDuplicate    EventType = "incident.duplicate_skipped"
	EventIncidentStaleResumed EventType = "incident.stale_resumed"

	// Investigation events
	EventInvestigationStarted   EventType = "investigation.started"
	EventInvestigationConcluded EventType = "investigation.concluded"
	EventInvestigationFailed    EventType = "investigation.failed"
	EventToolCalled             EventType = "investigation.tool_called"
	EventEvidenceReduced        EventType = "investigation.evidence_reduced"
	EventDiagnosisSubmitted     EventType = "investigation.diagnosis_submitted"

	// Watchdog events
	EventWatchdogSweep       EventType = "watchdog.sweep"
	EventWatchdogStaleFailed EventType = "watchdog.stale_failed"
	EventRecordsPurged       EventType = "watchdog.records_purged"

	// Configuration events
	EventConfigLoaded EventType = "config.loaded"
	EventConfigReload EventType = "config.reload"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultSkipped Result = "skipped"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Incident context
	IncidentKey  string `json:"incident_key,omitempty"`
	FunctionName string `json:"function_name,omitempty"`

	// Action details
	Tool        string         `json:"tool,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Error information
	Error         string `json:"error,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with a fresh correlation ID
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		EventType:     eventType,
		Result:        ResultPending,
		Metadata:      make(map[string]any),
	}
}

// WithCorrelationID overrides the generated correlation ID
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithIncident sets the incident the event belongs to
func (e *Event) WithIncident(key, functionName string) *Event {
	e.IncidentKey = key
	e.FunctionName = functionName
	return e
}

// WithTool sets the collector involved
func (e *Event) WithTool(tool string) *Event {
	e.Tool = tool
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, category string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCategory = category
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value any) *Event {
	e.Metadata[key] = value
	return e
}
