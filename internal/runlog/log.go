package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/apisync/internal/fetch"
	"github.com/livinlefevreloca/apisync/internal/output"
)

// StampFormat names run log files and snapshot artifacts.
const StampFormat = "2006-01-02T15-04-05Z"

// RunsDir is the directory below an integration that holds run logs.
const RunsDir = "_runs"

// Stamp formats t as a file-name-safe UTC timestamp.
func Stamp(t time.Time) string {
	return t.UTC().Format(StampFormat)
}

// Log is the structured record of one invocation. It is not safe for
// concurrent use; invocations are single-threaded.
type Log struct {
	runID       string
	integration string
	start       time.Time

	entries []Entry
	records []Record
	errors  int

	sink    output.Sink
	db      DatabaseWriter
	metrics *Metrics
	now     func() time.Time
	logger  *slog.Logger

	closed bool
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithDatabase mirrors the run into a statistics database.
func WithDatabase(w DatabaseWriter) Option {
	return func(l *Log) {
		l.db = w
	}
}

// WithMetrics exports run metrics on Close.
func WithMetrics(m *Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

// New starts the run log for integration. The log file is written to sink
// when the log is closed.
func New(integration string, sink output.Sink, logger *slog.Logger, opts ...Option) *Log {
	l := &Log{
		runID:       uuid.New().String(),
		integration: integration,
		sink:        sink,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("run_id", l.runID)
	l.start = l.now()

	if l.db != nil {
		if err := l.db.WriteRun(l.runID, integration, l.start); err != nil {
			l.logger.Warn("failed to mirror run to database, disabling", "error", err)
			l.db = nil
		}
	}
	return l
}

// RunID returns the unique identifier of this invocation.
func (l *Log) RunID() string {
	return l.runID
}

// Start returns when the invocation began.
func (l *Log) Start() time.Time {
	return l.start
}

// Info appends an informational entry.
func (l *Log) Info(stage Stage, endpoint, message string) {
	l.append(Entry{Type: EntryInfo, Stage: stage, Endpoint: endpoint, Message: message})
	l.logger.Info(message, "stage", stage, "endpoint", endpoint)
}

// QueueNote records a queue-management note.
func (l *Log) QueueNote(endpoint, message string) {
	l.Info(StageQueueManagement, endpoint, message)
}

// Error appends an error entry. HTTP failures carry the decoded response
// payload as entry data.
func (l *Log) Error(stage Stage, endpoint string, err error) {
	entry := Entry{Type: EntryError, Stage: stage, Endpoint: endpoint, Message: err.Error()}

	var httpErr *fetch.HTTPError
	if errors.As(err, &httpErr) {
		data := map[string]any{"status": httpErr.StatusCode}
		if httpErr.Data != nil {
			data["response"] = httpErr.Data
		} else if len(httpErr.Body) > 0 {
			data["response"] = string(httpErr.Body)
		}
		entry.Data = data
	}

	l.errors++
	l.append(entry)
	l.logger.Error("endpoint error", "stage", stage, "endpoint", endpoint, "error", err)
}

// AddRun records the outcome of one endpoint call.
func (l *Log) AddRun(r Record) {
	at := l.now()
	if r.DateTime == "" {
		r.DateTime = at.UTC().Format(time.RFC3339)
	}
	l.records = append(l.records, r)

	if !r.Failed {
		l.append(Entry{
			Type:     EntrySuccess,
			Stage:    StageOutput,
			Endpoint: r.Endpoint,
			Message:  fmt.Sprintf("%s: %d written, %d skipped", r.Endpoint, r.FilesWritten, r.FilesSkipped),
			Data:     r,
		})
	}

	if l.db != nil {
		if err := l.db.WriteRecord(l.runID, at, r); err != nil {
			l.logger.Warn("failed to mirror endpoint run to database", "endpoint", r.Endpoint, "error", err)
		}
	}
	if l.metrics != nil {
		l.metrics.ObserveRecord(l.integration, r)
	}
}

// Entries returns a copy of the log entries.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Records returns a copy of the endpoint outcomes.
func (l *Log) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// ErrorCount returns the number of error entries.
func (l *Log) ErrorCount() int {
	return l.errors
}

// Key returns the run log's artifact key.
func (l *Log) Key() string {
	return path.Join(l.integration, RunsDir, Stamp(l.start)+".json")
}

// Close finalizes the run log and persists it. Mirror and metrics failures
// are logged; only a failure to write the log itself is returned. Closing
// twice is a no-op.
func (l *Log) Close(ctx context.Context) error {
	if l.closed {
		return nil
	}
	l.closed = true

	end := l.now()
	duration := end.Sub(l.start)

	doc := document{
		RunID:         l.runID,
		Integration:   l.integration,
		DateTime:      l.start.UTC().Format(time.RFC3339),
		StartTimeMs:   l.start.UnixMilli(),
		EndTimeMs:     end.UnixMilli(),
		RunDurationMs: duration.Milliseconds(),
		Entries:       l.entries,
	}
	if doc.Entries == nil {
		doc.Entries = []Entry{}
	}

	if l.db != nil {
		if err := l.db.CompleteRun(l.runID, end, duration, l.errors); err != nil {
			l.logger.Warn("failed to complete run in database", "error", err)
		}
	}
	if l.metrics != nil {
		l.metrics.ObserveRun(l.integration, end, duration, l.errors)
		if err := l.metrics.WriteTextfile(l.integration); err != nil {
			l.logger.Warn("failed to export metrics", "error", err)
		}
	}

	data, err := output.Encode(doc)
	if err != nil {
		return err
	}
	if err := l.sink.Write(ctx, l.Key(), data); err != nil {
		return fmt.Errorf("failed to write run log: %w", err)
	}

	l.logger.Info("run complete",
		"integration", l.integration,
		"duration", duration,
		"records", len(l.records),
		"errors", l.errors)
	return nil
}

func (l *Log) append(e Entry) {
	e.TimeMs = l.now().UnixMilli()
	l.entries = append(l.entries, e)
}
