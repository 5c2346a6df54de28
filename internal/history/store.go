// Package history persists runs and their terminal results in SQLite.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/log"
)

//go:embed schema.sql
var schema string

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded run request.
type Run struct {
	ID         string
	Root       string
	Requested  []string
	StartedAt  time.Time
	FinishedAt *time.Time
	Cancelled  bool
	Dispatched int64
	Counts     map[job.State]int
}

// Record is one terminal result of a test within a run.
type Record struct {
	RunID      string
	TestID     string
	State      job.State
	Message    string
	RecordedAt time.Time
}

// Store is the history database.
type Store struct {
	db *sql.DB
}

// Open creates the parent directory if needed, opens the database at path
// and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// A single connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure history database: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	log.Debug(log.CatHistory, "Opened history", "path", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a new run.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, root, requested, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Root, strings.Join(r.Requested, "\n"), r.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun marks a run as finished.
func (s *Store) FinishRun(ctx context.Context, id string, at time.Time, cancelled bool, dispatched int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, cancelled = ?, dispatched = ? WHERE id = ?`,
		at.UnixMilli(), cancelled, dispatched, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// AddResult stores a terminal result. Non-terminal results are ignored.
func (s *Store) AddResult(ctx context.Context, rec Record) error {
	if !rec.State.IsTerminal() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (run_id, test_id, state, message, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		rec.RunID, rec.TestID, string(rec.State), rec.Message, rec.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first, with per-state result counts.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, root, requested, started_at, finished_at, cancelled, dispatched
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	for i := range runs {
		counts, err := s.counts(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Counts = counts
	}
	return runs, nil
}

// GetRun returns one run with its counts.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, root, requested, started_at, finished_at, cancelled, dispatched FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	r.Counts, err = s.counts(ctx, id)
	return r, err
}

// Results returns the results of a run in recording order.
func (s *Store) Results(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, test_id, state, message, recorded_at FROM results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var state string
		var at int64
		if err := rows.Scan(&rec.RunID, &rec.TestID, &state, &rec.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rec.State = job.State(state)
		rec.RecordedAt = time.UnixMilli(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastResult returns the most recent result recorded for a test.
func (s *Store) LastResult(ctx context.Context, testID string) (Record, bool, error) {
	var rec Record
	var state string
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, test_id, state, message, recorded_at FROM results
		WHERE test_id = ? ORDER BY recorded_at DESC, id DESC LIMIT 1`, testID,
	).Scan(&rec.RunID, &rec.TestID, &state, &rec.Message, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to query last result: %w", err)
	}
	rec.State = job.State(state)
	rec.RecordedAt = time.UnixMilli(at)
	return rec, true, nil
}

// Prune deletes runs started before cutoff together with their results.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	log.Info(log.CatHistory, "Pruned runs", "count", n, "before", cutoff.Format(time.RFC3339))
	return n, nil
}

func (s *Store) counts(ctx context.Context, runID string) (map[job.State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM results WHERE run_id = ? GROUP BY state`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[job.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[job.State(state)] = n
	}
	return counts, rows.Err()
}

// scanRun scans a runs row.
func scanRun(scanner interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var requested string
	var started int64
	var finished sql.NullInt64
	err := scanner.Scan(&r.ID, &r.Root, &requested, &started, &finished, &r.Cancelled, &r.Dispatched)
	if err != nil {
		return Run{}, err
	}
	if requested != "" {
		r.Requested = strings.Split(requested, "\n")
	}
	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		r.FinishedAt = &t
	}
	return r, nil
}
