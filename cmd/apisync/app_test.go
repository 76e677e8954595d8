package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/apisync/internal/apis"
	"github.com/livinlefevreloca/apisync/internal/db"
	"github.com/livinlefevreloca/apisync/internal/orchestrator"
	"github.com/livinlefevreloca/apisync/internal/queue"
)

type env struct {
	config string
	output string
}

func setup(t *testing.T) env {
	t.Helper()
	root := t.TempDir()
	e := env{
		config: filepath.Join(root, "apisync.toml"),
		output: filepath.Join(root, "output"),
	}
	mocks := filepath.Join(root, "mocks")

	writeFile(t, filepath.Join(mocks, "wahoo", "user.json"), `{"id": 1, "first": "Ada"}`)
	writeFile(t, filepath.Join(mocks, "wahoo", "workouts.json"), `{
		"workouts": [
			{"id": 7, "starts": "2024-01-01T10:00:00.000Z"},
			{"id": 8, "starts": "2023-12-31T10:00:00.000Z"}
		],
		"total": 2
	}`)
	writeFile(t, filepath.Join(mocks, "wahoo", "workouts--7--workout_summary.json"), `{"calories_accum": "300.0"}`)
	writeFile(t, filepath.Join(mocks, "wahoo", "workouts--8--workout_summary.json"), `{"calories_accum": "120.0"}`)

	writeFile(t, e.config, fmt.Sprintf(`
[output]
dir = %q

[debug]
use_mocks = true
mocks_dir = %q

[stats]
enabled = true

[stats.database]
dsn = %q

[metrics]
textfile_dir = %q

[logging]
level = "error"
`, e.output, mocks, filepath.Join(root, "stats.db")+"?_foreign_keys=on", filepath.Join(root, "metrics")))

	return e
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func listDir(t *testing.T, path string) []string {
	t.Helper()
	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRun_ArchivesIntegration(t *testing.T) {
	e := setup(t)

	_, err := execute(t, "run", "wahoo", "-c", e.config)
	require.NoError(t, err)

	wahoo := filepath.Join(e.output, "wahoo")
	assert.ElementsMatch(t, []string{"2023-12-31.json", "2024-01-01.json"}, listDir(t, filepath.Join(wahoo, "workouts")))
	assert.ElementsMatch(t, []string{"7.json", "8.json"}, listDir(t, filepath.Join(wahoo, "workout_summary")))
	assert.Len(t, listDir(t, filepath.Join(wahoo, "user")), 1)
	assert.Len(t, listDir(t, filepath.Join(wahoo, "_runs")), 1)
	assert.FileExists(t, filepath.Join(filepath.Dir(e.output), "metrics", "apisync_wahoo.prom"))

	raw, err := os.ReadFile(filepath.Join(wahoo, queue.QueueFileName))
	require.NoError(t, err)
	var entries []queue.Entry
	require.NoError(t, json.Unmarshal(raw, &entries))
	assert.Len(t, entries, 2)
}

func TestRun_SingleEndpointLeavesQueueAlone(t *testing.T) {
	e := setup(t)

	_, err := execute(t, "run", "wahoo", "user", "-c", e.config)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(e.output, "wahoo", queue.QueueFileName))
	assert.Len(t, listDir(t, filepath.Join(e.output, "wahoo", "user")), 1)
}

func TestRun_UnsupportedIntegration(t *testing.T) {
	e := setup(t)

	_, err := execute(t, "run", "strava", "-c", e.config)
	assert.ErrorIs(t, err, apis.ErrUnsupported)
}

func TestRun_UnknownEndpoint(t *testing.T) {
	e := setup(t)

	_, err := execute(t, "run", "wahoo", "sleep", "-c", e.config)
	assert.ErrorIs(t, err, orchestrator.ErrUnknownEndpoint)
}

func TestRun_MissingConfigFile(t *testing.T) {
	_, err := execute(t, "run", "wahoo", "-c", filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestHistoric_SeedsOnce(t *testing.T) {
	e := setup(t)

	out, err := execute(t, "historic", "wahoo", "-c", e.config)
	require.NoError(t, err)
	assert.Equal(t, "added 1 historic entries\n", out)

	out, err = execute(t, "historic", "wahoo", "-c", e.config)
	require.NoError(t, err)
	assert.Equal(t, "added 0 historic entries\n", out)
}

func TestQueue_PrintsEntries(t *testing.T) {
	e := setup(t)

	out, err := execute(t, "queue", "wahoo", "-c", e.config)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	_, err = execute(t, "historic", "wahoo", "-c", e.config)
	require.NoError(t, err)

	out, err = execute(t, "queue", "wahoo", "-c", e.config)
	require.NoError(t, err)
	var entries []queue.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Historic)
	assert.Equal(t, "workouts", entries[0].Endpoint)
}

func TestRuns_ListsAndShowsRecordedRuns(t *testing.T) {
	e := setup(t)

	out, err := execute(t, "runs", "wahoo", "-c", e.config)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	_, err = execute(t, "run", "wahoo", "-c", e.config)
	require.NoError(t, err)

	out, err = execute(t, "runs", "wahoo", "-c", e.config)
	require.NoError(t, err)
	var runs []db.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "wahoo", runs[0].Integration)
	assert.NotNil(t, runs[0].CompletedAt)

	out, err = execute(t, "runs", "wahoo", runs[0].RunID, "-c", e.config)
	require.NoError(t, err)
	var detail struct {
		RunID     string           `json:"run_id"`
		Endpoints []db.EndpointRun `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, runs[0].RunID, detail.RunID)
	var endpoints []string
	for _, ep := range detail.Endpoints {
		endpoints = append(endpoints, ep.Endpoint)
	}
	assert.Contains(t, endpoints, "user")
	assert.Contains(t, endpoints, "workouts")
}

func TestRuns_UnknownRun(t *testing.T) {
	e := setup(t)

	_, err := execute(t, "runs", "wahoo", "missing", "-c", e.config)
	assert.ErrorContains(t, err, "run missing not found")
}

func TestRuns_StatsDisabled(t *testing.T) {
	e := setup(t)
	raw, err := os.ReadFile(e.config)
	require.NoError(t, err)
	writeFile(t, e.config, strings.Replace(string(raw), "enabled = true", "enabled = false", 1))

	_, err = execute(t, "runs", "wahoo", "-c", e.config)
	assert.ErrorIs(t, err, errStatsDisabled)
}
