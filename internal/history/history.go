// Package history keeps an audit trail of finished migration runs in sqlite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type Run struct {
	ID           string     `json:"id"`
	Pool         string     `json:"pool"`
	Kind         string     `json:"kind"`
	Sources      []string   `json:"sources"`
	Destinations []string   `json:"destinations"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	OK           bool       `json:"ok"`
	Error        string     `json:"error,omitempty"`
	Committed    []string   `json:"committed"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Pool  string
	Limit int
}

var ErrNotFound = errors.New("run not found")

type Store struct {
	logger zerolog.Logger
	db     *sql.DB
}

func Open(logger zerolog.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{logger: logger.With().Str("component", "migration-history").Logger(), db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS migration_runs (
			id TEXT PRIMARY KEY,
			pool TEXT NOT NULL,
			kind TEXT NOT NULL,
			sources TEXT NOT NULL,
			destinations TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			ok INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			committed TEXT
		)`,
		"CREATE INDEX IF NOT EXISTS idx_runs_pool_started ON migration_runs(pool, started_at)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Record inserts or replaces the row for r.ID. Runs are recorded when they
// start and again when they finish.
func (s *Store) Record(ctx context.Context, r Run) error {
	src, _ := json.Marshal(nonNil(r.Sources))
	dst, _ := json.Marshal(nonNil(r.Destinations))
	com, _ := json.Marshal(nonNil(r.Committed))
	var finished sql.NullInt64
	if r.FinishedAt != nil {
		finished = sql.NullInt64{Int64: r.FinishedAt.Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO migration_runs
		(id, pool, kind, sources, destinations, started_at, finished_at, ok, error, committed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Pool, r.Kind, string(src), string(dst), r.StartedAt.Unix(), finished, r.OK, r.Error, string(com))
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	s.logger.Debug().Str("id", r.ID).Str("pool", r.Pool).Bool("ok", r.OK).Msg("run recorded")
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, pool, kind, sources, destinations, started_at, finished_at, ok, error, committed
		FROM migration_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

// List returns runs newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	q := `SELECT id, pool, kind, sources, destinations, started_at, finished_at, ok, error, committed FROM migration_runs`
	args := []any{}
	if f.Pool != "" {
		q += " WHERE pool = ?"
		args = append(args, f.Pool)
	}
	q += " ORDER BY started_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	out := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                  Run
		src, dst           string
		started            int64
		finished           sql.NullInt64
		errText, committed sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Pool, &r.Kind, &src, &dst, &started, &finished, &r.OK, &errText, &committed); err != nil {
		return Run{}, err
	}
	_ = json.Unmarshal([]byte(src), &r.Sources)
	_ = json.Unmarshal([]byte(dst), &r.Destinations)
	if committed.Valid {
		_ = json.Unmarshal([]byte(committed.String), &r.Committed)
	}
	r.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		r.FinishedAt = &t
	}
	r.Error = errText.String
	return r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
