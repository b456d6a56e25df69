package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/sentinelops/sentinel-ai/internal/incident"
)

// schema defines the tables for the incident persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS incidents (
    incident_id    TEXT PRIMARY KEY,
    function_name  TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'RECEIVED',
    owner          TEXT NOT NULL DEFAULT '',
    error_reason   TEXT NOT NULL DEFAULT '',
    error_category TEXT NOT NULL DEFAULT '',
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL,
    expires_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_incidents_expires_at ON incidents(expires_at);
CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at DESC);
`,
	},
	// Migration 2: evidence rows reference their incident so a diagnosis can
	// never outlive the evidence it cites.
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS incident_evidence (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id  TEXT NOT NULL REFERENCES incidents(incident_id) ON DELETE CASCADE,
    collector    TEXT NOT NULL,
    payload      TEXT NOT NULL DEFAULT '{}',
    raw_tokens   INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_incident_id ON incident_evidence(incident_id);
`,
	},
	// Migration 3: per-run audit trail
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS run_audits (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id  TEXT NOT NULL REFERENCES incidents(incident_id) ON DELETE CASCADE,
    outcome      TEXT NOT NULL,
    diagnosis    TEXT NOT NULL DEFAULT '',
    reasoning    TEXT NOT NULL DEFAULT '',
    tokens_used  INTEGER NOT NULL DEFAULT 0,
    steps        INTEGER NOT NULL DEFAULT 0,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_audits_incident_id ON run_audits(incident_id);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Incidents ────────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateIfAbsent(ctx context.Context, rec *IncidentRecord) error {
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO incidents(incident_id, function_name, status, owner, created_at, updated_at, expires_at)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(incident_id) DO NOTHING
    `,
		rec.Key, rec.FunctionName, string(rec.Status), rec.Owner,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), rec.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *sqliteStore) TransitionIf(ctx context.Context, key string, from, to incident.Status, info *ErrorInfo) error {
	reason, category := "", ""
	if info != nil {
		reason = truncateReason(info.Reason)
		category = info.Category
	}

	result, err := s.db.ExecContext(ctx, `
        UPDATE incidents
        SET status = ?, error_reason = ?, error_category = ?, updated_at = ?
        WHERE incident_id = ? AND status = ?
    `,
		string(to), reason, category, time.Now().UTC(), key, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition incident: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a missing record from a lost race.
	if _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return ErrPreconditionFailed
}

func (s *sqliteStore) Get(ctx context.Context, key string) (*IncidentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT incident_id,function_name,status,owner,error_reason,error_category,created_at,updated_at,expires_at
         FROM incidents WHERE incident_id = ?`, key)
	rec, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) Touch(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE incidents SET updated_at = ?
        WHERE incident_id = ? AND status = ?
    `, time.Now().UTC(), key, string(incident.StatusInvestigating))
	if err != nil {
		return fmt.Errorf("touch incident: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.Get(ctx, key); err != nil {
			return err
		}
		return ErrPreconditionFailed
	}
	return nil
}

func (s *sqliteStore) ListStaleInvestigating(ctx context.Context, cutoff time.Time) ([]*IncidentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT incident_id,function_name,status,owner,error_reason,error_category,created_at,updated_at,expires_at
         FROM incidents WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`,
		string(incident.StatusInvestigating), cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*IncidentRecord
	for rows.Next() {
		rec, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) List(ctx context.Context, limit, offset int) ([]*IncidentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT incident_id,function_name,status,owner,error_reason,error_category,created_at,updated_at,expires_at
         FROM incidents ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*IncidentRecord
	for rows.Next() {
		rec, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM incidents WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*IncidentRecord, error) {
	rec := &IncidentRecord{}
	var status, createdAt, updatedAt, expiresAt string
	err := row.Scan(&rec.Key, &rec.FunctionName, &status, &rec.Owner,
		&rec.ErrorReason, &rec.ErrorCategory, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	rec.Status = incident.Status(status)
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	rec.ExpiresAt, _ = parseTime(expiresAt)
	return rec, nil
}

// ─── Evidence ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveEvidence(ctx context.Context, key string, items []*EvidenceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM incident_evidence WHERE incident_id=?`, key); err != nil {
		return fmt.Errorf("delete evidence: %w", err)
	}
	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO incident_evidence(incident_id, collector, payload, raw_tokens, created_at)
            VALUES(?,?,?,?,?)
        `, key, item.Collector, item.Payload, item.RawTokens, item.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetEvidence(ctx context.Context, key string) ([]*EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,incident_id,collector,payload,raw_tokens,created_at
         FROM incident_evidence WHERE incident_id=? ORDER BY id ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*EvidenceRecord
	for rows.Next() {
		rec := &EvidenceRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.IncidentKey, &rec.Collector, &rec.Payload, &rec.RawTokens, &ts); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Run audits ───────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveRunAudit(ctx context.Context, rec *RunAuditRecord) error {
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO run_audits(incident_id, outcome, diagnosis, reasoning, tokens_used, steps, duration_ms, created_at)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		rec.IncidentKey, rec.Outcome, rec.Diagnosis, rec.Reasoning,
		rec.TokensUsed, rec.Steps, rec.DurationMs, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run audit: %w", err)
	}
	id, _ := result.LastInsertId()
	rec.ID = id
	return nil
}

func (s *sqliteStore) GetRunAudits(ctx context.Context, key string) ([]*RunAuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,incident_id,outcome,diagnosis,reasoning,tokens_used,steps,duration_ms,created_at
         FROM run_audits WHERE incident_id=? ORDER BY id ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RunAuditRecord
	for rows.Next() {
		rec := &RunAuditRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.IncidentKey, &rec.Outcome, &rec.Diagnosis,
			&rec.Reasoning, &rec.TokensUsed, &rec.Steps, &rec.DurationMs, &ts); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
