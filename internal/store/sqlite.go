package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BadgerOps/addonkit/internal/installer"
)

// Store keeps install history in SQLite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ installer.Recorder = (*Store)(nil)

// New opens the SQLite database at dbPath and runs migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// installer.Recorder
// ============================================================================

// BeginRun inserts a running InstallRun and returns its ID
func (s *Store) BeginRun(ctx context.Context, taskCount int) (int64, error) {
	const query = `
		INSERT INTO install_runs (started_at, finished_at, task_count, status)
		VALUES (?, ?, ?, 'running')
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), time.Time{}, taskCount)
	if err != nil {
		return 0, fmt.Errorf("failed to insert install run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// RecordTask stores one task outcome and its verification failures
func (s *Store) RecordTask(ctx context.Context, runID int64, res installer.TaskResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const insertTask = `
		INSERT INTO task_results (
			run_id, task_id, display_name, addon_type, target_path, status,
			scenario, error_kind, error_message, backup_path, duration_ms, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, insertTask,
		runID, res.TaskID, res.DisplayName, string(res.Kind), res.TargetPath, string(res.Status),
		res.Scenario, string(res.ErrorKind), res.Error, res.BackupPath,
		res.Duration.Milliseconds(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task result: %w", err)
	}
	taskRowID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	const insertFailure = `
		INSERT INTO verification_failures (
			task_result_id, path, algorithm, expected, actual, error
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, m := range res.Mismatches {
		if _, err := tx.ExecContext(ctx, insertFailure,
			taskRowID, m.Path, string(m.Algorithm), m.Expected, m.Actual, m.Error,
		); err != nil {
			return fmt.Errorf("failed to insert verification failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task result: %w", err)
	}
	return nil
}

// FinishRun stores the final counts and status of a run
func (s *Store) FinishRun(ctx context.Context, runID int64, report *installer.Report) error {
	stats, err := json.Marshal(report.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode run stats: %w", err)
	}

	const query = `
		UPDATE install_runs
		SET finished_at = ?, installed = ?, skipped = ?, failed = ?,
		    cancelled = ?, status = ?, stats_json = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		report.Finished.UTC(),
		report.Count(installer.StatusInstalled),
		report.Count(installer.StatusSkipped),
		report.Count(installer.StatusFailed),
		report.Count(installer.StatusCancelled),
		RunStatus(report),
		string(stats),
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update install run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("install run with id %d not found", runID)
	}
	return nil
}

// RunStatus summarizes a report as a single status word
func RunStatus(report *installer.Report) string {
	switch {
	case report.Cancelled:
		return "cancelled"
	case report.Count(installer.StatusFailed) == 0:
		return "success"
	case report.Count(installer.StatusInstalled) > 0:
		return "partial"
	default:
		return "failed"
	}
}

// ============================================================================
// InstallRun Operations
// ============================================================================

const runColumns = `
	id, started_at, finished_at, task_count, installed, skipped, failed,
	cancelled, status, stats_json
`

func scanRun(row interface{ Scan(...any) error }) (InstallRun, error) {
	var run InstallRun
	err := row.Scan(
		&run.ID, &run.StartedAt, &run.FinishedAt, &run.TaskCount, &run.Installed,
		&run.Skipped, &run.Failed, &run.Cancelled, &run.Status, &run.StatsJSON,
	)
	return run, err
}

// GetRun retrieves an InstallRun by ID
func (s *Store) GetRun(id int64) (*InstallRun, error) {
	query := "SELECT " + runColumns + " FROM install_runs WHERE id = ?"

	run, err := scanRun(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("install run with id %d not found", id)
		}
		return nil, fmt.Errorf("failed to query install run: %w", err)
	}
	return &run, nil
}

// ListRuns retrieves InstallRuns newest first, optionally filtered by status
func (s *Store) ListRuns(status string, limit int) ([]InstallRun, error) {
	query := "SELECT " + runColumns + " FROM install_runs"
	var args []interface{}

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}

	query += " ORDER BY started_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query install runs: %w", err)
	}
	defer rows.Close()

	var runs []InstallRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan install run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating install runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// TaskRecord Operations
// ============================================================================

const taskColumns = `
	id, run_id, task_id, display_name, addon_type, target_path, status,
	COALESCE(scenario, ''), COALESCE(error_kind, ''), COALESCE(error_message, ''),
	COALESCE(backup_path, ''), duration_ms, recorded_at
`

func (s *Store) queryTasks(query string, args ...interface{}) ([]TaskRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	var recs []TaskRecord
	for rows.Next() {
		rec := TaskRecord{}
		err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.TaskID, &rec.DisplayName, &rec.AddonType,
			&rec.TargetPath, &rec.Status, &rec.Scenario, &rec.ErrorKind,
			&rec.ErrorMessage, &rec.BackupPath, &rec.DurationMS, &rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return recs, nil
}

// ListTaskRecords retrieves the task outcomes of a run in install order
func (s *Store) ListTaskRecords(runID int64) ([]TaskRecord, error) {
	query := "SELECT " + taskColumns + " FROM task_results WHERE run_id = ? ORDER BY id"
	return s.queryTasks(query, runID)
}

// ListKeptBackups retrieves task outcomes that left a backup behind,
// newest first
func (s *Store) ListKeptBackups(limit int) ([]TaskRecord, error) {
	query := "SELECT " + taskColumns + " FROM task_results WHERE backup_path IS NOT NULL AND backup_path != '' ORDER BY id DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTasks(query, args...)
}

// ============================================================================
// VerificationFailure Operations
// ============================================================================

// ListVerificationFailures retrieves the mismatches recorded for a task
func (s *Store) ListVerificationFailures(taskRecordID int64) ([]VerificationFailure, error) {
	const query = `
		SELECT id, task_result_id, path, algorithm, expected,
		       COALESCE(actual, ''), COALESCE(error, '')
		FROM verification_failures
		WHERE task_result_id = ?
		ORDER BY path
	`

	rows, err := s.db.Query(query, taskRecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query verification failures: %w", err)
	}
	defer rows.Close()

	var failures []VerificationFailure
	for rows.Next() {
		f := VerificationFailure{}
		if err := rows.Scan(&f.ID, &f.TaskRecordID, &f.Path, &f.Algorithm, &f.Expected, &f.Actual, &f.Error); err != nil {
			return nil, fmt.Errorf("failed to scan verification failure: %w", err)
		}
		failures = append(failures, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verification failures: %w", err)
	}

	return failures, nil
}
