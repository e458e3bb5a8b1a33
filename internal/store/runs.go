package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/beetle/internal/ir"
)

// Run status values stored in import_runs.status.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// ImportRun is one row of import_runs.
type ImportRun struct {
	ID                  string     `json:"id"`
	ExternalSource      string     `json:"external_source"`
	TransformationsHash string     `json:"transformations_hash"`
	EngineVersion       string     `json:"engine_version"`
	Policy              string     `json:"policy"`
	Status              string     `json:"status"`
	RunAt               time.Time  `json:"run_at"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	Error               string     `json:"error,omitempty"`
}

// StepRecord is one row of import_run_steps.
type StepRecord struct {
	RunID      string    `json:"run_id"`
	Step       string    `json:"step"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// NewRunID generates a time-sortable import run id (UUIDv7).
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// StartRun records a running import. An empty run.ID is replaced with a
// fresh UUIDv7; the stored id is returned.
func (s *Store) StartRun(ctx context.Context, run ImportRun) (string, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_runs (id, external_source, transformations_hash, engine_version, policy, status, run_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ExternalSource, run.TransformationsHash, run.EngineVersion, run.Policy, RunRunning, run.RunAt.UTC(), run.StartedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("write import run %s: %w", run.ID, err)
	}
	return run.ID, nil
}

// FinishRun marks a run succeeded or failed. runErr is stored as text.
func (s *Store) FinishRun(ctx context.Context, id string, finishedAt time.Time, runErr error) error {
	status := RunSucceeded
	var msg sql.NullString
	if runErr != nil {
		status = RunFailed
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_runs SET status = ?, finished_at = ?, error = ? WHERE id = ?
	`, status, finishedAt.UTC(), msg, id)
	if err != nil {
		return fmt.Errorf("finish import run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish import run %s: no such run", id)
	}
	return nil
}

// WriteStepResults persists per-step results of a run.
func (s *Store) WriteStepResults(ctx context.Context, runID string, results []ir.StepResult) error {
	for _, r := range results {
		var msg sql.NullString
		if r.Err != nil {
			msg = sql.NullString{String: r.Err.Error(), Valid: true}
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO import_run_steps (run_id, step, started_at, finished_at, outcome, error)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, step) DO UPDATE SET
				started_at = excluded.started_at,
				finished_at = excluded.finished_at,
				outcome = excluded.outcome,
				error = excluded.error
		`, runID, r.Name, r.StartedAt.UTC(), r.FinishedAt.UTC(), string(r.Outcome), msg)
		if err != nil {
			return fmt.Errorf("write step result %s/%s: %w", runID, r.Name, err)
		}
	}
	return nil
}

// ReadRun returns the import run with the given id.
func (s *Store) ReadRun(ctx context.Context, id string) (ImportRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_source, transformations_hash, engine_version, policy, status, run_at, started_at, finished_at, error
		FROM import_runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ImportRun{}, fmt.Errorf("import run %s not found", id)
	}
	return run, err
}

// ListRuns returns the most recent import runs, newest first. limit <= 0
// returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]ImportRun, error) {
	query := `
		SELECT id, external_source, transformations_hash, engine_version, policy, status, run_at, started_at, finished_at, error
		FROM import_runs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list import runs: %w", err)
	}
	defer rows.Close()

	var runs []ImportRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ReadStepRecords returns the step results of a run ordered by start time
// and then name.
func (s *Store) ReadStepRecords(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step, started_at, finished_at, outcome, error
		FROM import_run_steps WHERE run_id = ?
		ORDER BY started_at, step
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("read step results of %s: %w", runID, err)
	}
	defer rows.Close()

	var records []StepRecord
	for rows.Next() {
		var rec StepRecord
		var msg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Step, &rec.StartedAt, &rec.FinishedAt, &rec.Outcome, &msg); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		rec.Error = msg.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (ImportRun, error) {
	var run ImportRun
	var finished sql.NullTime
	var msg sql.NullString
	err := row.Scan(&run.ID, &run.ExternalSource, &run.TransformationsHash, &run.EngineVersion,
		&run.Policy, &run.Status, &run.RunAt, &run.StartedAt, &finished, &msg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ImportRun{}, err
		}
		return ImportRun{}, fmt.Errorf("scan import run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	run.Error = msg.String
	return run, nil
}
