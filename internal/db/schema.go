package db

import "time"

// Run represents one invocation of an integration
type Run struct {
	RunID       string     `json:"run_id"`
	Integration string     `json:"integration"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	ErrorCount  int        `json:"error_count"`
}

// EndpointRun represents the outcome of one endpoint call within a run
type EndpointRun struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Endpoint     string    `json:"endpoint"`
	RecordedAt   time.Time `json:"recorded_at"`
	FilesWritten int       `json:"files_written"`
	FilesSkipped int       `json:"files_skipped"`
	Total        int       `json:"total"`
	Days         int       `json:"days"`
	Failed       bool      `json:"failed"`
	Error        *string   `json:"error,omitempty"`
}
