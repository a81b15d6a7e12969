// Package store persists a local audit trail of executed commands and
// helper process lifecycle events in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// CommandRecord is one completed command execution.
type CommandRecord struct {
	Function   string
	Success    bool
	Error      string
	DurationMS int64
	At         time.Time
}

// Store is the SQLite audit sink. Writes are best-effort: a failed
// insert is logged and never surfaces to the caller.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the store at the given DSN.
// Accepted forms: "sqlite:///path/to/file.db", "/path/to/file.db",
// ":memory:".
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commands(
			at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			function TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			duration_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS process_events(
			at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			name TEXT NOT NULL,
			event TEXT NOT NULL,
			pid INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordCommand implements dispatch.Recorder.
func (s *Store) RecordCommand(fn string, success bool, errMsg string, elapsed time.Duration) {
	_, err := s.db.Exec(`
		INSERT INTO commands(at, function, success, error, duration_ms)
		VALUES(?, ?, ?, ?, ?);`,
		time.Now().UTC(), fn, boolToInt(success), errMsg, elapsed.Milliseconds())
	if err != nil {
		s.logger.Warn("command audit insert failed", "function", fn, "error", err)
	}
}

// ProcessStarted implements supervisor.Recorder.
func (s *Store) ProcessStarted(name string, pid int) {
	s.insertProcessEvent(name, "started", &pid)
}

// ProcessStopped implements supervisor.Recorder.
func (s *Store) ProcessStopped(name string) {
	s.insertProcessEvent(name, "stopped", nil)
}

func (s *Store) insertProcessEvent(name, event string, pid *int) {
	_, err := s.db.Exec(`
		INSERT INTO process_events(at, name, event, pid)
		VALUES(?, ?, ?, ?);`,
		time.Now().UTC(), name, event, pid)
	if err != nil {
		s.logger.Warn("process audit insert failed", "name", name, "error", err)
	}
}

// RecentCommands returns up to limit command records, newest first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, function, success, COALESCE(error, ''), duration_ms
		FROM commands ORDER BY at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CommandRecord
	for rows.Next() {
		var r CommandRecord
		var success int
		if err := rows.Scan(&r.At, &r.Function, &success, &r.Error, &r.DurationMS); err != nil {
			return nil, err
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
