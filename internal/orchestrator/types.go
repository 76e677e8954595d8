package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/livinlefevreloca/apisync/internal/endpoint"
	"github.com/livinlefevreloca/apisync/internal/fetch"
	"github.com/livinlefevreloca/apisync/internal/output"
	"github.com/livinlefevreloca/apisync/internal/queue"
	"github.com/livinlefevreloca/apisync/internal/runlog"
)

// ErrUnknownEndpoint is returned when an operator names an endpoint the
// integration does not define.
var ErrUnknownEndpoint = errors.New("orchestrator: unknown endpoint")

// Fetcher executes endpoint requests
type Fetcher interface {
	Fetch(ctx context.Context, req endpoint.Request, header http.Header) (*fetch.Response, error)
}

// Writer persists artifacts
type Writer interface {
	WriteKeyed(ctx context.Context, dir, key string, v any) (output.Result, error)
	WriteSnapshot(ctx context.Context, dir, stamp string, v any) (output.Result, error)
}

// Journal receives the structured record of an invocation
type Journal interface {
	queue.Journal
	Info(stage runlog.Stage, endpoint, message string)
	Error(stage runlog.Stage, endpoint string, err error)
	AddRun(r runlog.Record)
}

// Queue is the scheduling ledger consumed by Run
type Queue interface {
	Process(journal queue.Journal) ([]queue.RunItem, error)
	Add(entry queue.Entry) error
}

// HistoricQueue is the subset of the queue used to seed backfills
type HistoricQueue interface {
	HasHistoricEntryFor(name string) bool
	Add(entry queue.Entry) error
}

// Summary totals one invocation
type Summary struct {
	Due          int
	Processed    int
	Failed       int
	Secondary    int
	FilesWritten int
	FilesSkipped int
	Duration     time.Duration
}

// outcome is the result of processing one primary item
type outcome struct {
	record runlog.Record

	// data is the transformed payload, nil when the item failed before
	// producing one.
	data any
	ok   bool
}
