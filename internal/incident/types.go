package incident

import (
	"fmt"
	"strings"
	"time"
)

// Package incident defines the core domain types shared across the engine:
// the inbound alert event, the incident lifecycle status enum, and the
// structured diagnosis produced at the end of a successful investigation.

// Status is the lifecycle state of an incident record.
type Status string

const (
	StatusReceived      Status = "RECEIVED"
	StatusInvestigating Status = "INVESTIGATING"
	StatusDiagnosed     Status = "DIAGNOSED"
	StatusFailed        Status = "FAILED"
)

// Terminal reports whether no further automated transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDiagnosed || s == StatusFailed
}

// Event is the inbound alert that triggers an investigation. It identifies
// the failing function, carries an error classification hint from the
// monitoring side, and the occurrence timestamp the incident key is derived
// from.
type Event struct {
	FunctionName string    `json:"function_name"`
	ErrorType    string    `json:"error_type"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// Validate rejects events missing the fields the incident key is derived
// from. Rejection happens before any state mutation.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	if strings.TrimSpace(e.FunctionName) == "" {
		return fmt.Errorf("event missing function_name")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event missing timestamp")
	}
	return nil
}

// Key derives the deterministic incident key. Duplicate deliveries of the
// same event produce the same key and collide on the state store.
func (e *Event) Key() string {
	return e.FunctionName + "#" + e.Timestamp.UTC().Format(time.RFC3339)
}

// EvidencePointer cites a specific observation from collector output:
// which tool, which field, the observed value, and the interpretation.
type EvidencePointer struct {
	Collector      string `json:"collector"`
	Field          string `json:"field"`
	Value          string `json:"value"`
	Interpretation string `json:"interpretation"`
}

// RemediationStep is one proposed action. EvidenceBasis holds indices into
// the Diagnosis.Evidence slice that justify the step.
type RemediationStep struct {
	Action           string `json:"action"`
	Details          string `json:"details"`
	EvidenceBasis    []int  `json:"evidence_basis"`
	RiskLevel        string `json:"risk_level"`
	RequiresApproval bool   `json:"requires_approval"`
}

// Diagnosis is the terminal output of a successful investigation.
type Diagnosis struct {
	RootCause         string            `json:"root_cause"`
	FaultTypes        []string          `json:"fault_types"`
	AffectedResources []string          `json:"affected_resources"`
	Severity          string            `json:"severity"`
	Evidence          []EvidencePointer `json:"evidence"`
	RemediationPlan   []RemediationStep `json:"remediation_plan"`
}

// Validate enforces the evidence-citation contract: a diagnosis must name a
// root cause, carry at least one evidence pointer, and every remediation
// step must cite at least one in-range evidence index.
func (d *Diagnosis) Validate() error {
	if d == nil {
		return fmt.Errorf("diagnosis is nil")
	}
	if strings.TrimSpace(d.RootCause) == "" {
		return fmt.Errorf("diagnosis missing root_cause")
	}
	if len(d.FaultTypes) == 0 {
		return fmt.Errorf("diagnosis missing fault_types")
	}
	if len(d.Evidence) == 0 {
		return fmt.Errorf("diagnosis cites no evidence")
	}
	for i, step := range d.RemediationPlan {
		if len(step.EvidenceBasis) == 0 {
			return fmt.Errorf("remediation step %d cites no evidence", i)
		}
		for _, idx := range step.EvidenceBasis {
			if idx < 0 || idx >= len(d.Evidence) {
				return fmt.Errorf("remediation step %d cites evidence index %d out of range", i, idx)
			}
		}
	}
	return nil
}
