package db

import (
	"context"
	"errors"
	"time"

	"github.com/sentinelops/sentinel-ai/internal/incident"
)

// Store is the main persistence interface for the incident engine.
type Store interface {
	IncidentStore
	EvidenceStore
	RunAuditStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// Sentinel errors for conditional writes. Callers branch on these to
// resolve duplicate deliveries and lost transition races.
var (
	// ErrAlreadyExists means CreateIfAbsent found an existing record.
	ErrAlreadyExists = errors.New("incident already exists")

	// ErrNotFound means no record exists for the key.
	ErrNotFound = errors.New("incident not found")

	// ErrPreconditionFailed means a conditional transition lost: the record
	// exists but its status no longer matches the expected value.
	ErrPreconditionFailed = errors.New("incident status precondition failed")
)

// maxErrorReasonLen caps the persisted failure reason.
const maxErrorReasonLen = 500

// ─── Incident store ───────────────────────────────────────────────────────────

// IncidentRecord is the DB representation of one incident.
type IncidentRecord struct {
	Key           string          `json:"incident_id"`
	FunctionName  string          `json:"function_name"`
	Status        incident.Status `json:"status"`
	Owner         string          `json:"owner"`
	ErrorReason   string          `json:"error_reason,omitempty"`
	ErrorCategory string          `json:"error_category,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// ErrorInfo carries the failure detail persisted with a FAILED transition.
type ErrorInfo struct {
	Reason   string `json:"reason"`
	Category string `json:"category"`
}

// IncidentStore persists incident lifecycle state. All status writes are
// conditional so concurrent workers cannot clobber each other.
type IncidentStore interface {
	// CreateIfAbsent inserts a new record, returning ErrAlreadyExists
	// without mutating anything when the key is taken.
	CreateIfAbsent(ctx context.Context, rec *IncidentRecord) error

	// TransitionIf moves the record from one status to another only if it
	// currently holds the expected status. info (optional) attaches failure
	// detail; the reason is truncated to a bounded length before writing.
	// Returns ErrNotFound or ErrPreconditionFailed when the guard fails.
	TransitionIf(ctx context.Context, key string, from, to incident.Status, info *ErrorInfo) error

	// Get retrieves a record by key, or ErrNotFound.
	Get(ctx context.Context, key string) (*IncidentRecord, error)

	// Touch refreshes updated_at on an INVESTIGATING record so the
	// watchdog does not reap a live run. Returns ErrPreconditionFailed if
	// the record is not INVESTIGATING.
	Touch(ctx context.Context, key string) error

	// ListStaleInvestigating returns INVESTIGATING records whose last
	// update is older than the cutoff.
	ListStaleInvestigating(ctx context.Context, cutoff time.Time) ([]*IncidentRecord, error)

	// List returns records ordered newest first.
	List(ctx context.Context, limit, offset int) ([]*IncidentRecord, error)

	// PurgeExpired deletes records whose TTL has passed, returning the
	// number removed. Evidence and run audits go with them.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ─── Evidence store ───────────────────────────────────────────────────────────

// EvidenceRecord is one collector result persisted for an incident.
type EvidenceRecord struct {
	ID          int64     `json:"id"`
	IncidentKey string    `json:"incident_id"`
	Collector   string    `json:"collector"`
	Payload     string    `json:"payload"` // JSON blob
	RawTokens   int       `json:"raw_tokens"`
	CreatedAt   time.Time `json:"created_at"`
}

// EvidenceStore persists the evidence bundle backing a diagnosis. The
// schema enforces that evidence always references an existing incident.
type EvidenceStore interface {
	// SaveEvidence writes all evidence items for an incident in one
	// transaction, replacing any earlier items.
	SaveEvidence(ctx context.Context, key string, items []*EvidenceRecord) error

	// GetEvidence returns the persisted evidence for an incident.
	GetEvidence(ctx context.Context, key string) ([]*EvidenceRecord, error)
}

// ─── Run audit store ──────────────────────────────────────────────────────────

// RunAuditRecord captures the full trail of one investigation run.
type RunAuditRecord struct {
	ID          int64     `json:"id"`
	IncidentKey string    `json:"incident_id"`
	Outcome     string    `json:"outcome"`
	Diagnosis   string    `json:"diagnosis,omitempty"` // JSON blob
	Reasoning   string    `json:"reasoning,omitempty"` // JSON trace
	TokensUsed  int       `json:"tokens_used"`
	Steps       int       `json:"steps"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunAuditStore persists per-run audit trails.
type RunAuditStore interface {
	// SaveRunAudit appends one run audit record.
	SaveRunAudit(ctx context.Context, rec *RunAuditRecord) error

	// GetRunAudits returns the audit trail for an incident, oldest first.
	GetRunAudits(ctx context.Context, key string) ([]*RunAuditRecord, error)
}

// truncateReason bounds a failure reason before persisting it.
func truncateReason(s string) string {
	if len(s) > maxErrorReasonLen {
		return s[:maxErrorReasonLen]
	}
	return s
}
