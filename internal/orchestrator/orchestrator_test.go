package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sentinelops/sentinel-ai/internal/classify"
	"github.com/sentinelops/sentinel-ai/internal/db"
	"github.com/sentinelops/sentinel-ai/internal/evidence"
	"github.com/sentinelops/sentinel-ai/internal/incident"
	"github.com/sentinelops/sentinel-ai/internal/loop"
)

func testEvent() *incident.Event {
	return &incident.Event{
		FunctionName: "payments",
		ErrorType:    "AccessDeniedException",
		ErrorMessage: "not authorized",
		Timestamp:    time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC),
	}
}

func concludedResult() *loop.Result {
	bundle := evidence.NewBundle()
	bundle.Add("logs", map[string]any{"log_group": "g", "events": []any{}})
	return &loop.Result{
		Outcome: loop.OutcomeConcluded,
		Diagnosis: &incident.Diagnosis{
			RootCause:  "execution role lacks dynamodb:GetItem",
			FaultTypes: []string{"iam_permission"},
			Severity:   "high",
			Evidence: []incident.EvidencePointer{{
				Collector: "get_recent_logs", Field: "events",
				Value: "AccessDeniedException", Interpretation: "role cannot read the table",
			}},
		},
		Bundle:     bundle,
		Trace:      []loop.Step{{Index: 0, Kind: "invoke", Tool: "get_recent_logs"}},
		TokensUsed: 500,
		StepsTaken: 1,
	}
}

type fakeRunner struct {
	result *loop.Result
	err    error
	calls  int
}

func (f *fakeRunner) Run(ctx context.Context, event *incident.Event) (*loop.Result, error) {
	f.calls++
	return f.result, f.err
}

// recordingStore tracks call order for write-ordering assertions.
type recordingStore struct {
	db.Store
	ops []string
}

func (r *recordingStore) SaveEvidence(ctx context.Context, key string, items []*db.EvidenceRecord) error {
	r.ops = append(r.ops, "save_evidence")
	return r.Store.SaveEvidence(ctx, key, items)
}

func (r *recordingStore) TransitionIf(ctx context.Context, key string, from, to incident.Status, info *db.ErrorInfo) error {
	r.ops = append(r.ops, "transition:"+string(from)+">"+string(to))
	return r.Store.TransitionIf(ctx, key, from, to, info)
}

func newTestStore(t *testing.T) db.Store {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newOrchestrator(store db.Store, runner LoopRunner) *Orchestrator {
	return New(store, runner, nil, DefaultConfig(), nil)
}

func TestHandleEventHappyPath(t *testing.T) {
	store := &recordingStore{Store: newTestStore(t)}
	runner := &fakeRunner{result: concludedResult()}
	o := newOrchestrator(store, runner)

	outcome, err := o.HandleEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if outcome.Status != incident.StatusDiagnosed {
		t.Fatalf("status %s", outcome.Status)
	}
	if outcome.Diagnosis == nil {
		t.Fatal("diagnosis missing from outcome")
	}

	rec, err := store.Get(context.Background(), testEvent().Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != incident.StatusDiagnosed {
		t.Errorf("persisted status %s", rec.Status)
	}

	items, err := store.GetEvidence(context.Background(), testEvent().Key())
	if err != nil {
		t.Fatalf("GetEvidence: %v", err)
	}
	if len(items) != 1 || items[0].Collector != "logs" {
		t.Errorf("evidence not persisted: %+v", items)
	}

	audits, err := store.GetRunAudits(context.Background(), testEvent().Key())
	if err != nil {
		t.Fatalf("GetRunAudits: %v", err)
	}
	if len(audits) != 1 || audits[0].Outcome != "concluded" {
		t.Errorf("run audit not persisted: %+v", audits)
	}

	// Evidence lands before the record turns DIAGNOSED.
	evIdx, diagIdx := -1, -1
	for i, op := range store.ops {
		switch op {
		case "save_evidence":
			evIdx = i
		case "transition:INVESTIGATING>DIAGNOSED":
			diagIdx = i
		}
	}
	if evIdx == -1 || diagIdx == -1 || evIdx > diagIdx {
		t.Errorf("write order wrong: %v", store.ops)
	}
}

func TestHandleEventDuplicateOfLiveRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	event := testEvent()

	// A live worker holds the incident: INVESTIGATING with a fresh heartbeat.
	now := time.Now().UTC()
	if err := store.CreateIfAbsent(ctx, &db.IncidentRecord{
		Key: event.Key(), FunctionName: event.FunctionName,
		Status: incident.StatusReceived, CreatedAt: now, UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if err := store.TransitionIf(ctx, event.Key(), incident.StatusReceived, incident.StatusInvestigating, nil); err != nil {
		t.Fatalf("TransitionIf: %v", err)
	}

	runner := &fakeRunner{result: concludedResult()}
	o := newOrchestrator(store, runner)

	outcome, err := o.HandleEvent(ctx, event)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if !outcome.Duplicate {
		t.Error("redelivery of a live run not marked duplicate")
	}
	if runner.calls != 0 {
		t.Errorf("duplicate started %d investigations", runner.calls)
	}
}

func TestHandleEventDuplicateOfTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	event := testEvent()

	runner := &fakeRunner{result: concludedResult()}
	o := newOrchestrator(store, runner)

	if _, err := o.HandleEvent(ctx, event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	outcome, err := o.HandleEvent(ctx, event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !outcome.Duplicate || outcome.Status != incident.StatusDiagnosed {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
	if runner.calls != 1 {
		t.Errorf("terminal duplicate re-ran the loop: %d calls", runner.calls)
	}
}

func TestHandleEventResumesStaleRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	event := testEvent()

	now := time.Now().UTC()
	if err := store.CreateIfAbsent(ctx, &db.IncidentRecord{
		Key: event.Key(), FunctionName: event.FunctionName,
		Status: incident.StatusReceived, CreatedAt: now, UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if err := store.TransitionIf(ctx, event.Key(), incident.StatusReceived, incident.StatusInvestigating, nil); err != nil {
		t.Fatalf("TransitionIf: %v", err)
	}

	runner := &fakeRunner{result: concludedResult()}
	cfg := DefaultConfig()
	cfg.StalenessThreshold = time.Nanosecond // everything is stale
	o := New(store, runner, nil, cfg, nil)

	time.Sleep(time.Millisecond)
	outcome, err := o.HandleEvent(ctx, event)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if !outcome.Resumed {
		t.Error("stale takeover not marked resumed")
	}
	if outcome.Status != incident.StatusDiagnosed {
		t.Errorf("status %s", outcome.Status)
	}
	if runner.calls != 1 {
		t.Errorf("runner called %d times", runner.calls)
	}
}

func TestHandleEventRecoversCrashBetweenWrites(t *testing.T) {
	// A predecessor created the record but died before claiming it.
	store := newTestStore(t)
	ctx := context.Background()
	event := testEvent()

	now := time.Now().UTC()
	if err := store.CreateIfAbsent(ctx, &db.IncidentRecord{
		Key: event.Key(), FunctionName: event.FunctionName,
		Status: incident.StatusReceived, CreatedAt: now, UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	runner := &fakeRunner{result: concludedResult()}
	o := newOrchestrator(store, runner)

	outcome, err := o.HandleEvent(ctx, event)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if outcome.Status != incident.StatusDiagnosed {
		t.Errorf("status %s", outcome.Status)
	}
	if runner.calls != 1 {
		t.Errorf("runner called %d times", runner.calls)
	}
}

func TestHandleEventRejectsMalformedEvent(t *testing.T) {
	store := newTestStore(t)
	runner := &fakeRunner{result: concludedResult()}
	o := newOrchestrator(store, runner)

	bad := &incident.Event{ErrorType: "Oops"} // no function name, no timestamp
	if _, err := o.HandleEvent(context.Background(), bad); err == nil {
		t.Fatal("malformed event accepted")
	}
	if runner.calls != 0 {
		t.Error("malformed event reached the loop")
	}

	// Nothing was written.
	records, err := store.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("malformed event created %d records", len(records))
	}
}

func TestHandleEventLoopFailureLandsInFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	event := testEvent()

	loopErr := classify.NewAgentError(classify.CategoryAuth, "collector rejected credentials")
	runner := &fakeRunner{err: loopErr}
	o := newOrchestrator(store, runner)

	_, err := o.HandleEvent(ctx, event)
	if err == nil {
		t.Fatal("loop failure swallowed")
	}
	var agentErr *classify.AgentError
	if !errors.As(err, &agentErr) || agentErr.Category != classify.CategoryAuth {
		t.Errorf("original error not preserved: %v", err)
	}

	rec, err := store.Get(ctx, event.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != incident.StatusFailed {
		t.Errorf("status %s", rec.Status)
	}
	if rec.ErrorCategory != "auth" {
		t.Errorf("error category %q", rec.ErrorCategory)
	}
	if !strings.Contains(rec.ErrorReason, "rejected credentials") {
		t.Errorf("error reason %q", rec.ErrorReason)
	}
}

func TestHandleEventBudgetOutcomeIsOrderlyFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	event := testEvent()

	runner := &fakeRunner{result: &loop.Result{
		Outcome: loop.OutcomeDeadline,
		Reason:  "deadline approaching",
		Bundle:  evidence.NewBundle(),
	}}
	o := newOrchestrator(store, runner)

	outcome, err := o.HandleEvent(ctx, event)
	if err != nil {
		t.Fatalf("budget outcome treated as delivery error: %v", err)
	}
	if outcome.Status != incident.StatusFailed {
		t.Errorf("status %s", outcome.Status)
	}
	if outcome.FailureReason != "deadline approaching" {
		t.Errorf("reason %q", outcome.FailureReason)
	}

	rec, err := store.Get(ctx, event.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ErrorCategory != "deadline" {
		t.Errorf("error category %q", rec.ErrorCategory)
	}
}

func TestEncodeReasoningTruncation(t *testing.T) {
	big := strings.Repeat("x", 64*1024)
	var trace []loop.Step
	for i := 0; i < 10; i++ {
		trace = append(trace, loop.Step{Index: i, Kind: "invoke", Tool: "get_recent_logs", Observation: big})
	}

	encoded := encodeReasoning(trace)
	if len(encoded) > maxReasoningBytes {
		t.Fatalf("encoded trace is %d bytes", len(encoded))
	}

	var kept []map[string]any
	if err := json.Unmarshal([]byte(encoded), &kept); err != nil {
		t.Fatalf("truncated trace not valid JSON: %v", err)
	}
	// First step, marker, final three.
	if len(kept) != 5 {
		t.Fatalf("kept %d entries, want 5", len(kept))
	}
	if kept[0]["index"].(float64) != 0 {
		t.Error("first step not preserved")
	}
	if kept[1]["truncated"] != true {
		t.Error("truncation marker missing")
	}
	if kept[4]["index"].(float64) != 9 {
		t.Error("final step not preserved")
	}

	small := encodeReasoning(trace[:2])
	var full []map[string]any
	if err := json.Unmarshal([]byte(small), &full); err != nil || len(full) != 2 {
		t.Errorf("small trace should be kept whole: %v len %d", err, len(full))
	}
}
