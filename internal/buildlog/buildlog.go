// Package buildlog records finished builds in PostgreSQL.
package buildlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Entry is one finished build.
type Entry struct {
	ID          string
	RequestID   string
	Fingerprint string
	Outcome     string
	Error       string
	Order       int
	Cells       int
	Kinds       []string
	Started     time.Time
	Finished    time.Time
}

func (e Entry) Duration() time.Duration { return e.Finished.Sub(e.Started) }

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects with the lib/pq driver and checks the connection.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("buildlog open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("buildlog ping: %w", err)
	}
	return New(db, log), nil
}

func New(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{db: db, log: log}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS moc_builds (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		moc_order INT NOT NULL,
		cells INT NOT NULL DEFAULT 0,
		kinds TEXT[] NOT NULL DEFAULT '{}',
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_moc_builds_finished ON moc_builds(finished_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_moc_builds_fingerprint ON moc_builds(fingerprint)`,
}

// EnsureSchema creates the history table and its indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		s.log.Debug("buildlog schema exec", "idx", i)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("buildlog schema %d: %w", i, err)
		}
	}
	return nil
}

const insertEntry = `INSERT INTO moc_builds
	(id, request_id, fingerprint, outcome, error, moc_order, cells, kinds, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET outcome=EXCLUDED.outcome, error=EXCLUDED.error,
		cells=EXCLUDED.cells, finished_at=EXCLUDED.finished_at`

func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("buildlog: entry without id")
	}
	kinds := e.Kinds
	if kinds == nil {
		kinds = []string{}
	}
	_, err := s.db.ExecContext(ctx, insertEntry,
		e.ID, e.RequestID, e.Fingerprint, e.Outcome, e.Error,
		e.Order, e.Cells, pq.Array(kinds), e.Started.UTC(), e.Finished.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("buildlog record %s: %s (%s): %w", e.ID, pqErr.Code.Name(), pqErr.Code, err)
		}
		return fmt.Errorf("buildlog record %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns the last n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, request_id, fingerprint, outcome, error,
		moc_order, cells, kinds, started_at, finished_at
		FROM moc_builds ORDER BY finished_at DESC, id LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("buildlog recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Fingerprint, &e.Outcome, &e.Error,
			&e.Order, &e.Cells, pq.Array(&e.Kinds), &e.Started, &e.Finished); err != nil {
			return nil, fmt.Errorf("buildlog scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("buildlog rows: %w", err)
	}
	return out, nil
}
