// ABOUTME: SQLite archival of finished reconciliation sessions
// ABOUTME: Persists the event timeline plus summary statistics for later analysis
package export

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Hearback-Project/hearback-go/pkg/hearback"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store archives finished sessions in SQLite. WAL mode keeps reads open while
// a new session is being written.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive database at the given path. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// SaveSession archives one finished session: its summary, per-domain and
// per-pair statistics, and the full reconciled event timeline, atomically.
func (s *Store) SaveSession(ctx context.Context, summary hearback.Summary, events []timeline.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, ended_at, events, late, uncompensated, invalid, dropped_calibrations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.SessionID,
		summary.Start.UnixMicro(),
		summary.End.UnixMicro(),
		summary.Events,
		summary.Late,
		summary.Uncompensated,
		summary.Invalid,
		summary.DroppedCalibrations,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	eventStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (session_id, position, tick, domain, seq, kind, code, velocity, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare events: %w", err)
	}
	defer eventStmt.Close()

	for i, ev := range events {
		_, err := eventStmt.ExecContext(ctx, summary.SessionID, i, ev.Tick, string(ev.Domain),
			ev.Seq, ev.Payload.Kind, ev.Payload.Code, ev.Payload.Velocity, ev.Flags)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	for domain, d := range summary.Domains {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO domain_stats (session_id, domain, events, invalid, uncompensated, late, pushed, overflow, regressions)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			summary.SessionID, string(domain), d.Events, d.Invalid, d.Uncompensated,
			d.Late, d.Pushed, d.Overflow, d.Regressions)
		if err != nil {
			return fmt.Errorf("insert domain stats %s: %w", domain, err)
		}
	}

	for _, p := range summary.Pairs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pair_stats (session_id, stimulus, response, matched, mean_us, median_us, p95_us, p99_us, jitter_us, min_us, max_us)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			summary.SessionID, string(p.Stimulus), string(p.Response), p.Count,
			p.Mean, p.Median, p.P95, p.P99, p.Jitter, p.Min, p.Max)
		if err != nil {
			return fmt.Errorf("insert pair stats %s→%s: %w", p.Stimulus, p.Response, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SessionIDs lists archived sessions, newest first.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadEvents reads one session's reconciled timeline back, in output order.
func (s *Store) LoadEvents(ctx context.Context, sessionID string) ([]timeline.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick, domain, seq, kind, code, velocity, flags
		FROM events WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []timeline.Event
	for rows.Next() {
		var ev timeline.Event
		var domain string
		var kind, flags uint8
		if err := rows.Scan(&ev.Tick, &domain, &ev.Seq, &kind, &ev.Payload.Code, &ev.Payload.Velocity, &flags); err != nil {
			return nil, err
		}
		ev.Domain = timeline.DomainID(domain)
		ev.Payload.Kind = timeline.PayloadKind(kind)
		ev.Flags = timeline.Flags(flags)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadPairStats reads one session's latency distributions back.
func (s *Store) LoadPairStats(ctx context.Context, sessionID string) ([]hearback.PairStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stimulus, response, matched, mean_us, median_us, p95_us, p99_us, jitter_us, min_us, max_us
		FROM pair_stats WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load pair stats: %w", err)
	}
	defer rows.Close()

	var pairs []hearback.PairStats
	for rows.Next() {
		var p hearback.PairStats
		var stimulus, response string
		if err := rows.Scan(&stimulus, &response, &p.Count, &p.Mean, &p.Median, &p.P95, &p.P99, &p.Jitter, &p.Min, &p.Max); err != nil {
			return nil, err
		}
		p.Stimulus = timeline.DomainID(stimulus)
		p.Response = timeline.DomainID(response)
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
