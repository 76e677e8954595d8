package runlog

import (
	"time"

	"github.com/livinlefevreloca/apisync/internal/db"
)

// DatabaseWriter mirrors run statistics into a database
type DatabaseWriter interface {
	WriteRun(runID, integration string, start time.Time) error
	WriteRecord(runID string, at time.Time, record Record) error
	CompleteRun(runID string, end time.Time, duration time.Duration, errorCount int) error
}

// DBAdapter adapts db.DB to implement DatabaseWriter. Endpoint outcomes are
// held until CompleteRun, which writes them together with the run's
// completion in one transaction so a run is never left half recorded.
type DBAdapter struct {
	db      *db.DB
	pending []*db.EndpointRun
}

// NewDBAdapter creates a new database adapter
func NewDBAdapter(database *db.DB) *DBAdapter {
	return &DBAdapter{db: database}
}

// WriteRun implements DatabaseWriter for db.DB
func (a *DBAdapter) WriteRun(runID, integration string, start time.Time) error {
	return a.db.CreateRun(&db.Run{
		RunID:       runID,
		Integration: integration,
		StartedAt:   start,
	})
}

// WriteRecord implements DatabaseWriter for db.DB
func (a *DBAdapter) WriteRecord(runID string, at time.Time, record Record) error {
	run := &db.EndpointRun{
		RunID:        runID,
		Endpoint:     record.Endpoint,
		RecordedAt:   at,
		FilesWritten: record.FilesWritten,
		FilesSkipped: record.FilesSkipped,
		Total:        record.Total,
		Days:         record.Days,
		Failed:       record.Failed,
	}
	if record.Error != "" {
		msg := record.Error
		run.Error = &msg
	}
	a.pending = append(a.pending, run)
	return nil
}

// CompleteRun implements DatabaseWriter for db.DB
func (a *DBAdapter) CompleteRun(runID string, end time.Time, duration time.Duration, errorCount int) error {
	pending := a.pending
	a.pending = nil

	return a.db.WithTransaction(func(tx *db.Tx) error {
		for _, run := range pending {
			if err := tx.CreateEndpointRun(run); err != nil {
				return err
			}
		}
		return tx.CompleteRun(runID, end, duration.Milliseconds(), errorCount)
	})
}
