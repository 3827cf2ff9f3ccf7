// Package history keeps a per-project ledger of past runs in a SQLite
// database alongside the output folders.
package history

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// DBFileName is the ledger file created inside the output directory.
const DBFileName = "np.db"

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Run is one recorded invocation.
type Run struct {
	ID              string
	Number          int
	Slug            string
	EstimatedTokens int
	TotalCost       float64
	CreatedAt       time.Time
}

// Result is one backend outcome within a run.
type Result struct {
	RunID      string
	Model      string
	State      string
	Cost       float64
	CostKnown  bool
	DurationMS int64
}

// Store wraps the ledger database.
type Store struct {
	db *sql.DB
}

// Open initializes the ledger at outputDir/np.db, creating the schema
// when missing. Pragmas ride the connection string so every pooled
// connection gets them.
func Open(outputDir string) (*Store, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	dbPath := filepath.Join(outputDir, DBFileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("failed to get user_version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS runs (
		  id               TEXT PRIMARY KEY,
		  number           INTEGER NOT NULL,
		  slug             TEXT NOT NULL,
		  estimated_tokens INTEGER NOT NULL,
		  total_cost       REAL NOT NULL,
		  created_at       INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS results (
		  run_id      TEXT NOT NULL REFERENCES runs(id),
		  model       TEXT NOT NULL,
		  state       TEXT NOT NULL,
		  cost        REAL NOT NULL,
		  cost_known  INTEGER NOT NULL,
		  duration_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_created
		ON runs(created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_results_run
		ON results(run_id);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", CurrentSchemaVersion)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}

	return nil
}

// NewRunID returns a fresh ULID for a run.
func NewRunID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// RecordRun persists a run and its per-backend results in one transaction.
func (s *Store) RecordRun(run Run, results []Result) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, number, slug, estimated_tokens, total_cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Number, run.Slug, run.EstimatedTokens, run.TotalCost, run.CreatedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, res := range results {
		known := 0
		if res.CostKnown {
			known = 1
		}
		_, err = tx.Exec(
			`INSERT INTO results (run_id, model, state, cost, cost_known, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, res.Model, res.State, res.Cost, known, res.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
	}

	return tx.Commit()
}

// RunWithResults pairs a run with its backend outcomes.
type RunWithResults struct {
	Run     Run
	Results []Result
}

// ListRuns returns the most recent runs, newest first, with their results.
func (s *Store) ListRuns(limit int) ([]RunWithResults, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, number, slug, estimated_tokens, total_cost, created_at
		 FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []RunWithResults
	for rows.Next() {
		var run Run
		var created int64
		if err := rows.Scan(&run.ID, &run.Number, &run.Slug, &run.EstimatedTokens, &run.TotalCost, &created); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, RunWithResults{Run: run})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		results, err := s.runResults(out[i].Run.ID)
		if err != nil {
			return nil, err
		}
		out[i].Results = results
	}
	return out, nil
}

func (s *Store) runResults(runID string) ([]Result, error) {
	rows, err := s.db.Query(
		`SELECT run_id, model, state, cost, cost_known, duration_ms
		 FROM results WHERE run_id = ? ORDER BY model`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var res Result
		var known int
		if err := rows.Scan(&res.RunID, &res.Model, &res.State, &res.Cost, &known, &res.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.CostKnown = known == 1
		out = append(out, res)
	}
	return out, rows.Err()
}
