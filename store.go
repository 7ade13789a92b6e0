package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ExitRecord is one row of the worker exit audit log.
type ExitRecord struct {
	Name     string    `json:"name"`
	Code     *int      `json:"code"`
	Signal   string    `json:"signal,omitempty"`
	Restarts int       `json:"restarts"`
	ExitedAt time.Time `json:"exitedAt"`
}

// ExitStore is an append-only audit log of worker exits backed by SQLite.
// It is history only; supervisor state is never rebuilt from it.
type ExitStore struct {
	db *sql.DB
}

// OpenExitStore opens the SQLite database at path with WAL mode and a busy
// timeout, and creates the worker_exits table. Pass ":memory:" in tests.
func OpenExitStore(path string) (*ExitStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("gateway: failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS worker_exits (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		name      TEXT NOT NULL,
		code      INTEGER,
		signal    TEXT NOT NULL DEFAULT '',
		restarts  INTEGER NOT NULL,
		exited_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("gateway: failed to create worker_exits table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_worker_exits_name
		ON worker_exits(name, exited_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("gateway: failed to create worker_exits index: %w", err)
	}
	return &ExitStore{db: db}, nil
}

// Close releases the database.
func (s *ExitStore) Close() error {
	return s.db.Close()
}

// RecordExit appends one exit row.
func (s *ExitStore) RecordExit(ctx context.Context, rec ExitRecord) error {
	var code any
	if rec.Code != nil {
		code = *rec.Code
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_exits(name, code, signal, restarts, exited_at) VALUES(?,?,?,?,?)`,
		rec.Name, code, rec.Signal, rec.Restarts, rec.ExitedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListExits returns the newest exits first, at most limit rows. An empty name
// lists every worker.
func (s *ExitStore) ListExits(ctx context.Context, name string, limit int) ([]ExitRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT name, code, signal, restarts, exited_at FROM worker_exits`
	args := []any{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ExitRecord{}
	for rows.Next() {
		var (
			rec  ExitRecord
			code sql.NullInt64
			at   string
		)
		if err := rows.Scan(&rec.Name, &code, &rec.Signal, &rec.Restarts, &at); err != nil {
			return nil, err
		}
		if code.Valid {
			c := int(code.Int64)
			rec.Code = &c
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			rec.ExitedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes rows that exited before the cutoff.
func (s *ExitStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM worker_exits WHERE exited_at < ?`,
		before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
