package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/apisync/internal/db"
	"github.com/livinlefevreloca/apisync/internal/fetch"
	"github.com/livinlefevreloca/apisync/internal/output"
	"github.com/livinlefevreloca/apisync/internal/testutil"

	_ "github.com/mattn/go-sqlite3"
)

var testStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T, opts ...Option) (*Log, *testutil.MockClock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := testutil.NewMockClock(testStart)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	l := New("wahoo", output.NewLocalSink(dir), testutil.NewTestLogger().Logger(), opts...)
	return l, clock, dir
}

func readDocument(t *testing.T, dir string) document {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, "wahoo", "_runs", "2024-01-01T12-00-00Z.json"))
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

// =============================================================================
// Entries
// =============================================================================

func TestLog_EntriesInOrder(t *testing.T) {
	l, clock, _ := newTestLog(t)

	l.Info(StageStartup, "", "starting")
	clock.Advance(time.Second)
	l.QueueNote("user", "adding standard queue entry for user")
	l.AddRun(Record{Endpoint: "user", FilesWritten: 1, Total: 1})

	entries := l.Entries()
	require.Len(t, entries, 3)

	assert.Equal(t, EntryInfo, entries[0].Type)
	assert.Equal(t, StageStartup, entries[0].Stage)
	assert.Equal(t, testStart.UnixMilli(), entries[0].TimeMs)

	assert.Equal(t, StageQueueManagement, entries[1].Stage)
	assert.Equal(t, "user", entries[1].Endpoint)
	assert.Equal(t, testStart.Add(time.Second).UnixMilli(), entries[1].TimeMs)

	assert.Equal(t, EntrySuccess, entries[2].Type)
}

func TestLog_FailedRecordHasNoSuccessEntry(t *testing.T) {
	l, _, _ := newTestLog(t)

	l.AddRun(Record{Endpoint: "user", Failed: true, Error: "boom"})

	assert.Empty(t, l.Entries())
	require.Len(t, l.Records(), 1)
	assert.Equal(t, testStart.Format(time.RFC3339), l.Records()[0].DateTime)
}

func TestLog_ErrorCarriesHTTPPayload(t *testing.T) {
	l, _, _ := newTestLog(t)

	l.Error(StageHTTP, "workouts", &fetch.HTTPError{
		StatusCode: 401,
		Body:       []byte(`{"error":"invalid_token"}`),
		Data:       map[string]any{"error": "invalid_token"},
	})
	l.Error(StageParsingResponse, "workouts", errors.New("not a list"))

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, EntryError, entries[0].Type)
	assert.Equal(t, map[string]any{
		"status":   401,
		"response": map[string]any{"error": "invalid_token"},
	}, entries[0].Data)
	assert.Nil(t, entries[1].Data)
	assert.Equal(t, 2, l.ErrorCount())
}

// =============================================================================
// Close
// =============================================================================

func TestLog_CloseWritesDocument(t *testing.T) {
	l, clock, dir := newTestLog(t)

	l.Info(StageStartup, "", "starting")
	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, l.Close(context.Background()))

	doc := readDocument(t, dir)
	assert.Equal(t, l.RunID(), doc.RunID)
	assert.Equal(t, "wahoo", doc.Integration)
	assert.Equal(t, "2024-01-01T12:00:00Z", doc.DateTime)
	assert.Equal(t, testStart.UnixMilli(), doc.StartTimeMs)
	assert.Equal(t, int64(1500), doc.RunDurationMs)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, "starting", doc.Entries[0].Message)
}

func TestLog_CloseIsIdempotent(t *testing.T) {
	l, clock, dir := newTestLog(t)
	require.NoError(t, l.Close(context.Background()))

	clock.Advance(time.Minute)
	l.Info(StageOther, "", "late")
	require.NoError(t, l.Close(context.Background()))

	doc := readDocument(t, dir)
	assert.Empty(t, doc.Entries)
}

func TestLog_EmptyEntriesEncodeAsArray(t *testing.T) {
	l, _, dir := newTestLog(t)
	require.NoError(t, l.Close(context.Background()))

	raw, err := os.ReadFile(filepath.Join(dir, "wahoo", "_runs", "2024-01-01T12-00-00Z.json"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"entries": []`))
}

func TestStamp(t *testing.T) {
	loc := time.FixedZone("X", 2*3600)
	assert.Equal(t, "2024-01-01T10-00-00Z", Stamp(time.Date(2024, 1, 1, 12, 0, 0, 0, loc)))
}

// =============================================================================
// Database mirror
// =============================================================================

func TestLog_MirrorsToDatabase(t *testing.T) {
	database, err := db.OpenWithConfig(db.Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "stats.db") + "?_foreign_keys=on",
	})
	require.NoError(t, err)
	defer database.Close()

	l, clock, _ := newTestLog(t, WithDatabase(NewDBAdapter(database)))

	l.AddRun(Record{Endpoint: "workouts", FilesWritten: 2, Total: 5, Days: 2})
	l.Error(StageHTTP, "user", errors.New("timeout"))
	l.AddRun(Record{Endpoint: "user", Failed: true, Error: "timeout"})
	clock.Advance(2 * time.Second)
	require.NoError(t, l.Close(context.Background()))

	run, err := database.GetRun(l.RunID())
	require.NoError(t, err)
	assert.Equal(t, "wahoo", run.Integration)
	require.NotNil(t, run.DurationMs)
	assert.Equal(t, int64(2000), *run.DurationMs)
	assert.Equal(t, 1, run.ErrorCount)

	endpointRuns, err := database.GetEndpointRuns(l.RunID())
	require.NoError(t, err)
	require.Len(t, endpointRuns, 2)
	assert.Equal(t, "workouts", endpointRuns[0].Endpoint)
	assert.Equal(t, 2, endpointRuns[0].Days)
	assert.True(t, endpointRuns[1].Failed)
	require.NotNil(t, endpointRuns[1].Error)
	assert.Equal(t, "timeout", *endpointRuns[1].Error)
}

func TestDBAdapter_WritesEndpointRunsAtCompletion(t *testing.T) {
	database, err := db.OpenWithConfig(db.Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "stats.db") + "?_foreign_keys=on",
	})
	require.NoError(t, err)
	defer database.Close()

	a := NewDBAdapter(database)
	require.NoError(t, a.WriteRun("run-1", "wahoo", testStart))
	require.NoError(t, a.WriteRecord("run-1", testStart, Record{Endpoint: "user", FilesWritten: 1}))

	runs, err := database.GetEndpointRuns("run-1")
	require.NoError(t, err)
	assert.Empty(t, runs)

	require.NoError(t, a.CompleteRun("run-1", testStart.Add(time.Second), time.Second, 0))

	runs, err = database.GetEndpointRuns("run-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "user", runs[0].Endpoint)
}

func TestDBAdapter_FailedCompletionRollsBack(t *testing.T) {
	database, err := db.OpenWithConfig(db.Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "stats.db") + "?_foreign_keys=on",
	})
	require.NoError(t, err)
	defer database.Close()

	a := NewDBAdapter(database)
	require.NoError(t, a.WriteRun("run-1", "wahoo", testStart))
	require.NoError(t, a.WriteRecord("run-1", testStart, Record{Endpoint: "user"}))

	err = a.CompleteRun("run-2", testStart, time.Second, 0)
	assert.True(t, db.IsNotFound(err))

	runs, err := database.GetEndpointRuns("run-1")
	require.NoError(t, err)
	assert.Empty(t, runs)

	run, err := database.GetRun("run-1")
	require.NoError(t, err)
	assert.Nil(t, run.CompletedAt)
}

type failingWriter struct {
	records int
}

func (f *failingWriter) WriteRun(string, string, time.Time) error { return errors.New("db down") }
func (f *failingWriter) WriteRecord(string, time.Time, Record) error {
	f.records++
	return nil
}
func (f *failingWriter) CompleteRun(string, time.Time, time.Duration, int) error { return nil }

func TestLog_DatabaseFailureDisablesMirror(t *testing.T) {
	w := &failingWriter{}
	l, _, _ := newTestLog(t, WithDatabase(w))

	l.AddRun(Record{Endpoint: "user"})
	require.NoError(t, l.Close(context.Background()))

	assert.Equal(t, 0, w.records)
}

// =============================================================================
// Metrics
// =============================================================================

func TestLog_ExportsMetrics(t *testing.T) {
	metricsDir := t.TempDir()
	m := NewMetrics(metricsDir)
	l, clock, _ := newTestLog(t, WithMetrics(m))

	l.AddRun(Record{Endpoint: "workouts", FilesWritten: 2, FilesSkipped: 1, Total: 7})
	l.AddRun(Record{Endpoint: "workouts", Failed: true})
	clock.Advance(3 * time.Second)
	require.NoError(t, l.Close(context.Background()))

	assert.Equal(t, float64(1), promtest.ToFloat64(m.endpointRuns.WithLabelValues("wahoo", "workouts", "success")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.endpointRuns.WithLabelValues("wahoo", "workouts", "failed")))
	assert.Equal(t, float64(2), promtest.ToFloat64(m.files.WithLabelValues("wahoo", "workouts", "written")))
	assert.Equal(t, float64(7), promtest.ToFloat64(m.records.WithLabelValues("wahoo", "workouts")))
	assert.Equal(t, float64(3), promtest.ToFloat64(m.runDuration.WithLabelValues("wahoo")))

	raw, err := os.ReadFile(filepath.Join(metricsDir, "apisync_wahoo.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "apisync_endpoint_runs_total")
}

func TestMetrics_DisabledTextfile(t *testing.T) {
	m := NewMetrics("")
	assert.Equal(t, "", m.TextfilePath("wahoo"))
	assert.NoError(t, m.WriteTextfile("wahoo"))
}
