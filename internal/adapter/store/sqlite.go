// Package store keeps run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"loginpilot/internal/domain"
	"loginpilot/internal/usecase/orchestrator"
)

// RunRecord summarizes one orchestrator run.
type RunRecord struct {
	ID         string
	Total      int
	StartedAt  time.Time
	FinishedAt time.Time // zero while running or after a crash
	Counters   domain.StatusCounters
}

// EntryRecord is the last known state of one entry of a run. Tokens are
// never stored, only a short hint.
type EntryRecord struct {
	RunID       string
	Index       int
	ProfileName string
	ProfileID   string
	TokenHint   string
	Status      domain.EntryStatus
	Message     string
	Username    string
	UserID      string
	UpdatedAt   time.Time
}

// SQLiteRunStore implements orchestrator.Recorder on SQLite.
type SQLiteRunStore struct {
	db *sql.DB
}

var _ orchestrator.Recorder = (*SQLiteRunStore)(nil)

// NewSQLiteRunStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	// Workers record concurrently; one connection serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run db: %w", err)
	}
	return &SQLiteRunStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id              TEXT PRIMARY KEY,
			total           INTEGER NOT NULL,
			started_at      TEXT NOT NULL,
			finished_at     TEXT NOT NULL DEFAULT '',
			success         INTEGER NOT NULL DEFAULT 0,
			error           INTEGER NOT NULL DEFAULT 0,
			action_required INTEGER NOT NULL DEFAULT 0,
			pending         INTEGER NOT NULL DEFAULT 0,
			processing      INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS run_entries (
			run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			idx          INTEGER NOT NULL,
			profile_name TEXT NOT NULL DEFAULT '',
			profile_id   TEXT NOT NULL DEFAULT '',
			token_hint   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			message      TEXT NOT NULL DEFAULT '',
			username     TEXT NOT NULL DEFAULT '',
			user_id      TEXT NOT NULL DEFAULT '',
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (run_id, idx)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRunStore) StartRun(ctx context.Context, runID string, total int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, total, started_at) VALUES (?, ?, ?)",
		runID, total, now(),
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// RecordEntry stores the entry's current state, replacing an earlier record
// of the same entry.
func (s *SQLiteRunStore) RecordEntry(ctx context.Context, runID string, e domain.CredentialEntry) error {
	var username, userID string
	if e.Info != nil {
		username, userID = e.Info.Username, e.Info.UserID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_entries (run_id, idx, profile_name, profile_id, token_hint, status, message, username, user_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, idx) DO UPDATE SET
			profile_name = excluded.profile_name,
			profile_id   = excluded.profile_id,
			token_hint   = excluded.token_hint,
			status       = excluded.status,
			message      = excluded.message,
			username     = excluded.username,
			user_id      = excluded.user_id,
			updated_at   = excluded.updated_at`,
		runID, e.Index, e.ProfileName, e.ProfileID, TokenHint(e.Token), string(e.Status), e.Message, username, userID, now(),
	)
	if err != nil {
		return fmt.Errorf("record entry %d of run %s: %w", e.Index, runID, err)
	}
	return nil
}

func (s *SQLiteRunStore) FinishRun(ctx context.Context, runID string, c domain.StatusCounters) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, success = ?, error = ?, action_required = ?, pending = ?, processing = ?
		WHERE id = ?`,
		now(), c.Success, c.Error, c.ActionRequired, c.Pending, c.Processing, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("store", "SQLiteRunStore.FinishRun", domain.ErrNotFound, runID)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *SQLiteRunStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total, started_at, finished_at, success, error, action_required, pending, processing
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		c := &r.Counters
		if err := rows.Scan(&r.ID, &r.Total, &started, &finished,
			&c.Success, &c.Error, &c.ActionRequired, &c.Pending, &c.Processing); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(timeLayout, started)
		r.FinishedAt, _ = time.Parse(timeLayout, finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunEntries returns the recorded entries of a run in input order.
func (s *SQLiteRunStore) RunEntries(ctx context.Context, runID string) ([]EntryRecord, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM runs WHERE id = ?", runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("store", "SQLiteRunStore.RunEntries", domain.ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, idx, profile_name, profile_id, token_hint, status, message, username, user_id, updated_at
		FROM run_entries WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EntryRecord
	for rows.Next() {
		var e EntryRecord
		var status, updated string
		if err := rows.Scan(&e.RunID, &e.Index, &e.ProfileName, &e.ProfileID, &e.TokenHint,
			&status, &e.Message, &e.Username, &e.UserID, &updated); err != nil {
			return nil, err
		}
		e.Status = domain.EntryStatus(status)
		e.UpdatedAt, _ = time.Parse(timeLayout, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TokenHint keeps the first characters of a token for recognition.
func TokenHint(token string) string {
	const keep = 6
	r := []rune(token)
	if len(r) <= keep {
		return "***"
	}
	return string(r[:keep]) + "***"
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}
