package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-ai/internal/audit"
	"github.com/sentinelops/sentinel-ai/internal/classify"
	"github.com/sentinelops/sentinel-ai/internal/db"
	"github.com/sentinelops/sentinel-ai/internal/incident"
	"github.com/sentinelops/sentinel-ai/internal/loop"
	"github.com/sentinelops/sentinel-ai/internal/metrics"
)

// Package orchestrator owns the incident lifecycle: it resolves duplicate
// deliveries, recovers crashed runs, drives the tool loop, and lands every
// incident in exactly one terminal state.

// maxReasoningBytes caps the persisted reasoning trace. Oversized traces
// keep the first step and the final three, which carry the conclusion.
const maxReasoningBytes = 350 * 1024

// LoopRunner abstracts the investigation loop for testing.
type LoopRunner interface {
	Run(ctx context.Context, event *incident.Event) (*loop.Result, error)
}

// Config tunes lifecycle policy.
type Config struct {
	// Owner identifies this worker in incident records.
	Owner string

	// StalenessThreshold is how long an INVESTIGATING record may go without
	// an update before a redelivery may take it over.
	StalenessThreshold time.Duration

	// RecordTTL is how long terminal records are retained.
	RecordTTL time.Duration
}

// DefaultConfig returns the production lifecycle policy.
func DefaultConfig() Config {
	return Config{
		Owner:              "sentinel-1",
		StalenessThreshold: 10 * time.Minute,
		RecordTTL:          7 * 24 * time.Hour,
	}
}

// Outcome summarizes how one delivery was resolved.
type Outcome struct {
	Key           string              `json:"incident_id"`
	Status        incident.Status     `json:"status"`
	Duplicate     bool                `json:"duplicate"`
	Resumed       bool                `json:"resumed"`
	Diagnosis     *incident.Diagnosis `json:"diagnosis,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
}

// Orchestrator coordinates stores, audit, and the loop runner.
type Orchestrator struct {
	store  db.Store
	runner LoopRunner
	audit  audit.Logger
	cfg    Config
	log    *zap.Logger
}

// New wires an orchestrator.
func New(store db.Store, runner LoopRunner, auditLog audit.Logger, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.Owner == "" {
		cfg.Owner = DefaultConfig().Owner
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = DefaultConfig().StalenessThreshold
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultConfig().RecordTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{store: store, runner: runner, audit: auditLog, cfg: cfg, log: log}
}

// HandleEvent resolves one event delivery end to end. Redeliveries of an
// event already handled (or being handled by a live worker) resolve as
// no-op duplicates; redeliveries after a crash resume the investigation.
// Malformed events are rejected before any state is touched.
func (o *Orchestrator) HandleEvent(ctx context.Context, event *incident.Event) (*Outcome, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("rejecting event: %w", err)
	}
	key := event.Key()
	o.auditLog(ctx, func(a audit.Logger) error { return a.LogIncidentReceived(ctx, key, event.FunctionName) })

	resumed, outcome, err := o.claim(ctx, key, event)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}

	return o.investigate(ctx, key, event, resumed)
}

// claim establishes ownership of the incident. It returns a non-nil
// outcome when the delivery resolves without running an investigation.
func (o *Orchestrator) claim(ctx context.Context, key string, event *incident.Event) (resumed bool, outcome *Outcome, err error) {
	rec, err := o.store.Get(ctx, key)
	switch {
	case errors.Is(err, db.ErrNotFound):
		now := time.Now().UTC()
		createErr := o.store.CreateIfAbsent(ctx, &db.IncidentRecord{
			Key:          key,
			FunctionName: event.FunctionName,
			Status:       incident.StatusReceived,
			Owner:        o.cfg.Owner,
			CreatedAt:    now,
			UpdatedAt:    now,
			ExpiresAt:    now.Add(o.cfg.RecordTTL),
		})
		if createErr == nil {
			break
		}
		if !errors.Is(createErr, db.ErrAlreadyExists) {
			return false, nil, fmt.Errorf("creating incident %s: %w", key, createErr)
		}
		// Lost the create race; re-read and fall through to dedup.
		rec, err = o.store.Get(ctx, key)
		if err != nil {
			return false, nil, fmt.Errorf("re-reading incident %s: %w", key, err)
		}
		return o.dedup(ctx, key, rec)

	case err != nil:
		return false, nil, fmt.Errorf("reading incident %s: %w", key, err)

	default:
		return o.dedup(ctx, key, rec)
	}

	// Fresh record: RECEIVED -> INVESTIGATING before any work starts.
	if err := o.store.TransitionIf(ctx, key, incident.StatusReceived, incident.StatusInvestigating, nil); err != nil {
		if errors.Is(err, db.ErrPreconditionFailed) {
			// Another worker advanced it between our create and claim.
			rec, gerr := o.store.Get(ctx, key)
			if gerr != nil {
				return false, nil, gerr
			}
			return o.dedup(ctx, key, rec)
		}
		return false, nil, fmt.Errorf("claiming incident %s: %w", key, err)
	}
	return false, nil, nil
}

// dedup decides what a redelivery means given the existing record.
func (o *Orchestrator) dedup(ctx context.Context, key string, rec *db.IncidentRecord) (bool, *Outcome, error) {
	switch {
	case rec.Status.Terminal():
		o.skipDuplicate(ctx, key, rec)
		return false, &Outcome{Key: key, Status: rec.Status, Duplicate: true, FailureReason: rec.ErrorReason}, nil

	case rec.Status == incident.StatusInvestigating:
		age := time.Since(rec.UpdatedAt)
		if age < o.cfg.StalenessThreshold {
			// A live worker owns it.
			o.skipDuplicate(ctx, key, rec)
			return false, &Outcome{Key: key, Status: rec.Status, Duplicate: true}, nil
		}
		// The previous worker died mid-run. Claim by refreshing the
		// heartbeat; the terminal transition guard settles any race with a
		// worker that is merely slow.
		if err := o.store.Touch(ctx, key); err != nil {
			if errors.Is(err, db.ErrPreconditionFailed) || errors.Is(err, db.ErrNotFound) {
				rec2, gerr := o.store.Get(ctx, key)
				if gerr != nil {
					return false, nil, gerr
				}
				o.skipDuplicate(ctx, key, rec2)
				return false, &Outcome{Key: key, Status: rec2.Status, Duplicate: true}, nil
			}
			return false, nil, err
		}
		metrics.StaleRecoveries.Inc()
		o.auditLog(ctx, func(a audit.Logger) error { return a.LogStaleResumed(ctx, key, age) })
		o.log.Warn("resuming stale investigation", zap.String("incident", key), zap.Duration("age", age))
		return true, nil, nil

	case rec.Status == incident.StatusReceived:
		// Created but never claimed (crash between the two writes, or we
		// lost the create race to a worker that has not claimed yet). Take
		// it through the normal claim transition.
		if err := o.store.TransitionIf(ctx, key, incident.StatusReceived, incident.StatusInvestigating, nil); err != nil {
			if errors.Is(err, db.ErrPreconditionFailed) {
				rec2, gerr := o.store.Get(ctx, key)
				if gerr != nil {
					return false, nil, gerr
				}
				return o.dedup(ctx, key, rec2)
			}
			return false, nil, err
		}
		return false, nil, nil

	default:
		return false, nil, fmt.Errorf("incident %s in unrecognized status %q", key, rec.Status)
	}
}

func (o *Orchestrator) skipDuplicate(ctx context.Context, key string, rec *db.IncidentRecord) {
	metrics.DuplicatesSkipped.Inc()
	o.auditLog(ctx, func(a audit.Logger) error { return a.LogDuplicateSkipped(ctx, key, string(rec.Status)) })
	o.log.Info("duplicate delivery skipped",
		zap.String("incident", key),
		zap.String("status", string(rec.Status)))
}

// investigate runs the loop and lands the incident in a terminal state.
func (o *Orchestrator) investigate(ctx context.Context, key string, event *incident.Event, resumed bool) (*Outcome, error) {
	o.auditLog(ctx, func(a audit.Logger) error { return a.LogInvestigationStarted(ctx, key) })
	start := time.Now()

	result, err := o.runner.Run(ctx, event)
	elapsed := time.Since(start)

	if err != nil {
		agentErr := classify.Classify(err)
		o.failBestEffort(ctx, key, agentErr.Message, string(agentErr.Category))
		metrics.IncidentsTotal.WithLabelValues(string(incident.StatusFailed)).Inc()
		metrics.InvestigationDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		o.auditLog(ctx, func(a audit.Logger) error {
			return a.LogInvestigationFailed(ctx, key, string(agentErr.Category), agentErr)
		})
		return nil, err
	}

	metrics.InvestigationDuration.WithLabelValues(string(result.Outcome)).Observe(elapsed.Seconds())

	switch result.Outcome {
	case loop.OutcomeConcluded:
		return o.conclude(ctx, key, event, result, elapsed, resumed)

	case loop.OutcomeDeadline, loop.OutcomeExhausted:
		// Budget outcomes are orderly failures: reason and category are
		// recorded, but the delivery itself succeeded.
		o.failBestEffort(ctx, key, result.Reason, string(result.Outcome))
		o.saveRunAudit(ctx, key, result, elapsed)
		metrics.IncidentsTotal.WithLabelValues(string(incident.StatusFailed)).Inc()
		o.auditLog(ctx, func(a audit.Logger) error {
			return a.LogInvestigationFailed(ctx, key, string(result.Outcome), errors.New(result.Reason))
		})
		return &Outcome{Key: key, Status: incident.StatusFailed, Resumed: resumed, FailureReason: result.Reason}, nil

	default:
		err := fmt.Errorf("loop returned unrecognized outcome %q", result.Outcome)
		o.failBestEffort(ctx, key, err.Error(), string(classify.CategoryUnknown))
		return nil, err
	}
}

// conclude persists evidence, then the audit trail, then flips the record
// to DIAGNOSED. The order matters: a diagnosis must never be visible
// before the evidence it cites.
func (o *Orchestrator) conclude(ctx context.Context, key string, event *incident.Event, result *loop.Result, elapsed time.Duration, resumed bool) (*Outcome, error) {
	if err := o.saveEvidence(ctx, key, result); err != nil {
		agentErr := classify.Classify(err)
		o.failBestEffort(ctx, key, "persisting evidence: "+agentErr.Message, string(agentErr.Category))
		return nil, fmt.Errorf("persisting evidence for %s: %w", key, err)
	}
	o.saveRunAudit(ctx, key, result, elapsed)

	if err := o.store.TransitionIf(ctx, key, incident.StatusInvestigating, incident.StatusDiagnosed, nil); err != nil {
		if errors.Is(err, db.ErrPreconditionFailed) {
			// A competing worker landed a terminal state first; its result
			// stands and this one resolves as a duplicate.
			rec, gerr := o.store.Get(ctx, key)
			if gerr != nil {
				return nil, gerr
			}
			o.skipDuplicate(ctx, key, rec)
			return &Outcome{Key: key, Status: rec.Status, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("transitioning %s to diagnosed: %w", key, err)
	}

	metrics.IncidentsTotal.WithLabelValues(string(incident.StatusDiagnosed)).Inc()
	o.auditLog(ctx, func(a audit.Logger) error { return a.LogInvestigationConcluded(ctx, key, elapsed) })
	o.log.Info("incident diagnosed",
		zap.String("incident", key),
		zap.String("function", event.FunctionName),
		zap.Int("steps", result.StepsTaken),
		zap.Int("tokens", result.TokensUsed),
		zap.Duration("elapsed", elapsed))
	return &Outcome{Key: key, Status: incident.StatusDiagnosed, Resumed: resumed, Diagnosis: result.Diagnosis}, nil
}

func (o *Orchestrator) saveEvidence(ctx context.Context, key string, result *loop.Result) error {
	items := make([]*db.EvidenceRecord, 0, result.Bundle.Len())
	now := time.Now().UTC()
	for collectorKey, item := range result.Bundle.Items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encoding evidence %s: %w", collectorKey, err)
		}
		items = append(items, &db.EvidenceRecord{
			IncidentKey: key,
			Collector:   collectorKey,
			Payload:     string(payload),
			RawTokens:   result.Bundle.RawSizes[collectorKey],
			CreatedAt:   now,
		})
	}
	return o.store.SaveEvidence(ctx, key, items)
}

// saveRunAudit persists the run trail. Failures here are logged and
// swallowed: the audit trail never decides an incident's fate.
func (o *Orchestrator) saveRunAudit(ctx context.Context, key string, result *loop.Result, elapsed time.Duration) {
	var diagnosisJSON string
	if result.Diagnosis != nil {
		if raw, err := json.Marshal(result.Diagnosis); err == nil {
			diagnosisJSON = string(raw)
		}
	}

	rec := &db.RunAuditRecord{
		IncidentKey: key,
		Outcome:     string(result.Outcome),
		Diagnosis:   diagnosisJSON,
		Reasoning:   encodeReasoning(result.Trace),
		TokensUsed:  result.TokensUsed,
		Steps:       result.StepsTaken,
		DurationMs:  elapsed.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.SaveRunAudit(ctx, rec); err != nil {
		o.log.Error("failed to save run audit", zap.String("incident", key), zap.Error(err))
	}
}

// encodeReasoning serializes the trace, keeping the first step and the
// final three when the full trace exceeds the size cap.
func encodeReasoning(trace []loop.Step) string {
	raw, err := json.Marshal(trace)
	if err != nil {
		return "[]"
	}
	if len(raw) <= maxReasoningBytes || len(trace) <= 4 {
		return string(raw)
	}

	kept := []any{trace[0]}
	kept = append(kept, map[string]any{
		"truncated":     true,
		"omitted_steps": len(trace) - 4,
	})
	for _, step := range trace[len(trace)-3:] {
		kept = append(kept, step)
	}
	reduced, err := json.Marshal(kept)
	if err != nil {
		return "[]"
	}
	return string(reduced)
}

// failBestEffort moves the incident to FAILED without masking the failure
// that brought us here. A lost transition means someone else already
// landed a terminal state, which is fine.
func (o *Orchestrator) failBestEffort(ctx context.Context, key, reason, category string) {
	err := o.store.TransitionIf(ctx, key, incident.StatusInvestigating, incident.StatusFailed,
		&db.ErrorInfo{Reason: reason, Category: category})
	if err != nil && !errors.Is(err, db.ErrPreconditionFailed) {
		o.log.Error("failed to record incident failure",
			zap.String("incident", key),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

func (o *Orchestrator) auditLog(ctx context.Context, fn func(audit.Logger) error) {
	if o.audit == nil {
		return
	}
	if err := fn(o.audit); err != nil {
		o.log.Warn("audit log write failed", zap.Error(err))
	}
}
