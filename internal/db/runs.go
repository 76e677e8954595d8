package db

import (
	"database/sql"
	"time"
)

// CreateRun creates a new run record
func (db *DB) CreateRun(run *Run) error {
	query := `
		INSERT INTO runs (run_id, integration, started_at, completed_at, duration_ms, error_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		run.RunID,
		run.Integration,
		run.StartedAt.UTC(),
		run.CompletedAt,
		run.DurationMs,
		run.ErrorCount,
	)
	return err
}

// GetRun retrieves a run by its ID
func (db *DB) GetRun(runID string) (*Run, error) {
	run := &Run{}

	query := `
		SELECT run_id, integration, started_at, completed_at, duration_ms, error_count
		FROM runs
		WHERE run_id = ?
	`

	err := db.QueryRow(query, runID).Scan(
		&run.RunID,
		&run.Integration,
		&run.StartedAt,
		&run.CompletedAt,
		&run.DurationMs,
		&run.ErrorCount,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return run, nil
}

// ListRuns retrieves the most recent runs of an integration
func (db *DB) ListRuns(integration string, limit int) ([]Run, error) {
	query := `
		SELECT run_id, integration, started_at, completed_at, duration_ms, error_count
		FROM runs
		WHERE integration = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := db.Query(query, integration, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var run Run
		err := rows.Scan(
			&run.RunID,
			&run.Integration,
			&run.StartedAt,
			&run.CompletedAt,
			&run.DurationMs,
			&run.ErrorCount,
		)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// CompleteRun marks a run as completed within a transaction
func (tx *Tx) CompleteRun(runID string, completedAt time.Time, durationMs int64, errorCount int) error {
	query := `
		UPDATE runs
		SET completed_at = ?, duration_ms = ?, error_count = ?
		WHERE run_id = ?
	`

	result, err := tx.Exec(query, completedAt.UTC(), durationMs, errorCount, runID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// CreateEndpointRun records the outcome of one endpoint call within a transaction
func (tx *Tx) CreateEndpointRun(run *EndpointRun) error {
	query := `
		INSERT INTO endpoint_runs (run_id, endpoint, recorded_at, files_written, files_skipped, total, days, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := tx.Exec(query,
		run.RunID,
		run.Endpoint,
		run.RecordedAt.UTC(),
		run.FilesWritten,
		run.FilesSkipped,
		run.Total,
		run.Days,
		run.Failed,
		run.Error,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

// GetEndpointRuns retrieves the endpoint outcomes of a run in insertion order
func (db *DB) GetEndpointRuns(runID string) ([]EndpointRun, error) {
	query := `
		SELECT id, run_id, endpoint, recorded_at, files_written, files_skipped, total, days, failed, error
		FROM endpoint_runs
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := db.Query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []EndpointRun{}
	for rows.Next() {
		var run EndpointRun
		err := rows.Scan(
			&run.ID,
			&run.RunID,
			&run.Endpoint,
			&run.RecordedAt,
			&run.FilesWritten,
			&run.FilesSkipped,
			&run.Total,
			&run.Days,
			&run.Failed,
			&run.Error,
		)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
