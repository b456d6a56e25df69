package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sentinelops/sentinel-ai/internal/db"
	"github.com/sentinelops/sentinel-ai/internal/incident"
)

func newTestStore(t *testing.T) db.Store {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedIncident(t *testing.T, s db.Store, key string, status incident.Status, ttl time.Duration) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateIfAbsent(ctx, &db.IncidentRecord{
		Key: key, FunctionName: "payments", Status: incident.StatusReceived,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(ttl),
	}); err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if status == incident.StatusReceived {
		return
	}
	if err := s.TransitionIf(ctx, key, incident.StatusReceived, incident.StatusInvestigating, nil); err != nil {
		t.Fatalf("TransitionIf: %v", err)
	}
	if status == incident.StatusInvestigating {
		return
	}
	if err := s.TransitionIf(ctx, key, incident.StatusInvestigating, status, nil); err != nil {
		t.Fatalf("TransitionIf: %v", err)
	}
}

func TestSweepFailsStaleInvestigations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedIncident(t, store, "stale#2026-08-27T09:00:00Z", incident.StatusInvestigating, time.Hour)
	seedIncident(t, store, "done#2026-08-27T09:30:00Z", incident.StatusDiagnosed, time.Hour)

	cfg := DefaultConfig()
	cfg.StalenessThreshold = time.Nanosecond
	w := New(store, nil, cfg, nil)

	time.Sleep(time.Millisecond)
	w.Sweep(ctx)

	rec, err := store.Get(ctx, "stale#2026-08-27T09:00:00Z")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != incident.StatusFailed {
		t.Errorf("stale record status %s", rec.Status)
	}
	if rec.ErrorReason != staleReason {
		t.Errorf("error reason %q", rec.ErrorReason)
	}
	if rec.ErrorCategory != "stale" {
		t.Errorf("error category %q", rec.ErrorCategory)
	}

	// The terminal record stays put.
	done, err := store.Get(ctx, "done#2026-08-27T09:30:00Z")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if done.Status != incident.StatusDiagnosed {
		t.Errorf("terminal record status changed to %s", done.Status)
	}
}

func TestSweepLeavesFreshRunsAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedIncident(t, store, "fresh#2026-08-27T10:00:00Z", incident.StatusInvestigating, time.Hour)

	cfg := DefaultConfig()
	cfg.StalenessThreshold = time.Hour
	w := New(store, nil, cfg, nil)
	w.Sweep(ctx)

	rec, err := store.Get(ctx, "fresh#2026-08-27T10:00:00Z")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != incident.StatusInvestigating {
		t.Errorf("fresh run reaped: %s", rec.Status)
	}
}

func TestSweepPurgesExpiredRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedIncident(t, store, "old#2026-08-20T10:00:00Z", incident.StatusDiagnosed, -time.Hour)
	seedIncident(t, store, "new#2026-08-27T10:00:00Z", incident.StatusDiagnosed, time.Hour)

	w := New(store, nil, DefaultConfig(), nil)
	w.Sweep(ctx)

	if _, err := store.Get(ctx, "old#2026-08-20T10:00:00Z"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expired record survived: %v", err)
	}
	if _, err := store.Get(ctx, "new#2026-08-27T10:00:00Z"); err != nil {
		t.Errorf("live record purged: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	store := newTestStore(t)

	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.StalenessThreshold = time.Nanosecond
	w := New(store, nil, cfg, nil)

	seedIncident(t, store, "stale#2026-08-27T09:00:00Z", incident.StatusInvestigating, time.Hour)

	w.Start()
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	rec, err := store.Get(context.Background(), "stale#2026-08-27T09:00:00Z")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != incident.StatusFailed {
		t.Errorf("background sweep did not reap: %s", rec.Status)
	}
}
