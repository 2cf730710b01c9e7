package task

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store persists task run history in sqlite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// RunSummary is one row of the run history listing.
type RunSummary struct {
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  bool      `json:"succeeded"`
	Steps      int       `json:"steps"`
}

// NewStore opens (or creates) the history database at path.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// WAL keeps concurrent runs from blocking readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			succeeded INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON task_runs(started_at);

		CREATE TABLE IF NOT EXISTS step_results (
			run_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			step TEXT NOT NULL,
			server TEXT NOT NULL,
			tool TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			attempts INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			PRIMARY KEY (run_id, position),
			FOREIGN KEY (run_id) REFERENCES task_runs(id) ON DELETE CASCADE
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun writes one finished run and all its step results.
func (s *Store) RecordRun(ctx context.Context, res *Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO task_runs (id, name, mode, started_at, finished_at, succeeded) VALUES (?, ?, ?, ?, ?, ?)",
		res.TaskID, res.Name, string(res.Mode),
		res.StartedAt.Unix(), res.FinishedAt.Unix(), boolToInt(res.Succeeded),
	)
	if err != nil {
		return err
	}

	for i, step := range res.Steps {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO step_results (run_id, position, step, server, tool, status, result, error, attempts, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			res.TaskID, i, step.Step, step.Server, step.Tool, string(step.Status),
			string(step.Result), step.Error, step.Attempts, step.Duration.Milliseconds(),
		)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Debug().
		Str("task_id", res.TaskID).
		Int("steps", len(res.Steps)).
		Msg("Recorded task run")
	return nil
}

// RecentRuns lists the newest runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.mode, r.started_at, r.finished_at, r.succeeded,
			(SELECT COUNT(*) FROM step_results sr WHERE sr.run_id = r.id)
		FROM task_runs r
		ORDER BY r.started_at DESC, r.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var sum RunSummary
		var started, finished int64
		var succeeded int
		if err := rows.Scan(&sum.TaskID, &sum.Name, &sum.Mode, &started, &finished, &succeeded, &sum.Steps); err != nil {
			return nil, err
		}
		sum.StartedAt = time.Unix(started, 0)
		sum.FinishedAt = time.Unix(finished, 0)
		sum.Succeeded = succeeded != 0
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// StepsForRun returns the recorded step results of one run in order.
func (s *Store) StepsForRun(ctx context.Context, taskID string) ([]StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, server, tool, status, result, error, attempts, duration_ms
		FROM step_results
		WHERE run_id = ?
		ORDER BY position
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepResult
	for rows.Next() {
		var res StepResult
		var status, payload string
		var durationMS int64
		if err := rows.Scan(&res.Step, &res.Server, &res.Tool, &status, &payload, &res.Error, &res.Attempts, &durationMS); err != nil {
			return nil, err
		}
		res.Status = Status(status)
		if payload != "" {
			res.Result = []byte(payload)
		}
		res.Duration = time.Duration(durationMS) * time.Millisecond
		steps = append(steps, res)
	}
	return steps, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
