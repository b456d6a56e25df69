package watchdog

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelops/sentinel-ai/internal/audit"
	"github.com/sentinelops/sentinel-ai/internal/db"
	"github.com/sentinelops/sentinel-ai/internal/incident"
	"github.com/sentinelops/sentinel-ai/internal/metrics"
)

// Package watchdog is the safety net for investigations whose worker died
// without reaching a terminal state and was never redelivered. It
// periodically fails records that stopped heartbeating and purges records
// past their retention TTL.

// staleReason is the failure reason recorded for reaped investigations.
const staleReason = "stale watchdog timeout"

// Config tunes the sweep.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// StalenessThreshold is how long an INVESTIGATING record may go
	// without an update before the watchdog fails it.
	StalenessThreshold time.Duration
}

// DefaultConfig returns the production sweep policy.
func DefaultConfig() Config {
	return Config{
		Interval:           time.Minute,
		StalenessThreshold: 10 * time.Minute,
	}
}

// Watchdog sweeps the incident store in the background.
type Watchdog struct {
	store db.Store
	audit audit.Logger
	cfg   Config
	log   *zap.Logger
	stop  chan struct{}
	done  chan struct{}
}

// New builds a watchdog. Start must be called to begin sweeping.
func New(store db.Store, auditLog audit.Logger, cfg Config, log *zap.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = DefaultConfig().StalenessThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{
		store: store,
		audit: auditLog,
		cfg:   cfg,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (w *Watchdog) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Interval)
				w.Sweep(ctx)
				cancel()
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for a running sweep to finish.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

// Sweep fails stale investigations and purges expired records once. It is
// exported so operators can trigger it on demand.
func (w *Watchdog) Sweep(ctx context.Context) {
	metrics.WatchdogSweeps.Inc()
	if w.audit != nil {
		_ = w.audit.Log(ctx, audit.NewEvent(audit.EventWatchdogSweep).WithResult(audit.ResultSuccess))
	}

	w.reapStale(ctx)
	w.purgeExpired(ctx)
}

func (w *Watchdog) reapStale(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.StalenessThreshold)
	stale, err := w.store.ListStaleInvestigating(ctx, cutoff)
	if err != nil {
		w.log.Error("watchdog failed to list stale investigations", zap.Error(err))
		return
	}

	for _, rec := range stale {
		err := w.store.TransitionIf(ctx, rec.Key, incident.StatusInvestigating, incident.StatusFailed,
			&db.ErrorInfo{Reason: staleReason, Category: "stale"})
		if errors.Is(err, db.ErrPreconditionFailed) || errors.Is(err, db.ErrNotFound) {
			// The owner woke up (or a redelivery took over) between the
			// listing and the transition. Leave it alone.
			continue
		}
		if err != nil {
			w.log.Error("watchdog failed to reap stale investigation",
				zap.String("incident", rec.Key), zap.Error(err))
			continue
		}

		metrics.WatchdogStaleFailed.Inc()
		metrics.IncidentsTotal.WithLabelValues(string(incident.StatusFailed)).Inc()
		if w.audit != nil {
			_ = w.audit.Log(ctx, audit.NewEvent(audit.EventWatchdogStaleFailed).
				WithIncident(rec.Key, rec.FunctionName).
				WithResult(audit.ResultSuccess).
				WithDescription(staleReason))
		}
		w.log.Warn("watchdog failed stale investigation",
			zap.String("incident", rec.Key),
			zap.Time("last_update", rec.UpdatedAt))
	}
}

func (w *Watchdog) purgeExpired(ctx context.Context) {
	purged, err := w.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		w.log.Error("watchdog failed to purge expired records", zap.Error(err))
		return
	}
	if purged == 0 {
		return
	}

	metrics.RecordsPurged.Add(float64(purged))
	if w.audit != nil {
		_ = w.audit.Log(ctx, audit.NewEvent(audit.EventRecordsPurged).
			WithResult(audit.ResultSuccess).
			WithMetadata("purged", purged))
	}
	w.log.Info("watchdog purged expired incident records", zap.Int64("purged", purged))
}
