package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/livinlefevreloca/apisync/internal/auth"
	"github.com/livinlefevreloca/apisync/internal/endpoint"
	"github.com/livinlefevreloca/apisync/internal/queue"
	"github.com/livinlefevreloca/apisync/internal/runlog"
)

// Orchestrator runs one invocation of an integration: it pulls due work from
// the queue, fetches and writes each item in order, and hands follow-up work
// back to the queue.
type Orchestrator struct {
	integration *endpoint.Integration
	lookup      map[string]endpoint.Primary

	fetcher Fetcher
	writer  Writer
	journal Journal

	now    func() time.Time
	logger *slog.Logger

	// Per-invocation state
	runDate  time.Time
	session  *auth.Session
	produced map[string]any
	summary  Summary
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator for integration.
func New(
	integration *endpoint.Integration,
	fetcher Fetcher,
	writer Writer,
	journal Journal,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		integration: integration,
		lookup:      integration.Lookup(),
		fetcher:     fetcher,
		writer:      writer,
		journal:     journal,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("integration", integration.Name)
	return o
}

// Run processes every due item of q, then fans out to secondary endpoints.
// Transport, parsing and output failures are recorded and skipped; only a
// queue failure or cancellation stops the invocation early. Historic items
// left unprocessed by a cancellation stay queued as due.
func (o *Orchestrator) Run(ctx context.Context, q Queue) (Summary, error) {
	o.begin()
	defer o.end()

	items, err := q.Process(o.journal)
	if err != nil {
		o.journal.Error(runlog.StageQueueManagement, "", err)
		return o.summary, err
	}
	o.summary.Due = len(items)

	if len(items) == 0 {
		o.journal.Info(runlog.StageQueueManagement, "", "empty run queue")
		return o.summary, nil
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			o.requeueHistoric(q, items[i:])
			return o.summary, err
		}

		p, ok := o.lookup[item.Endpoint]
		if !ok {
			o.journal.QueueNote(item.Endpoint, fmt.Sprintf("removing unhandled endpoint %s from queue", item.Endpoint))
			continue
		}

		res := o.runPrimary(ctx, p, endpoint.RequestOverrides{Params: item.Params})
		if item.Historic && item.Params != nil {
			if err := o.advanceHistoric(q, p, item.Params, res); err != nil {
				o.journal.Error(runlog.StageQueueManagement, item.Endpoint, err)
				return o.summary, err
			}
		}
	}

	if err := o.runSecondaries(ctx); err != nil {
		return o.summary, err
	}
	return o.summary, nil
}

// RunEndpoint fetches one primary endpoint with its default params, followed
// by its secondaries. The queue is neither read nor written.
func (o *Orchestrator) RunEndpoint(ctx context.Context, name string) (Summary, error) {
	p, ok := o.lookup[name]
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s has no endpoint %q", ErrUnknownEndpoint, o.integration.Name, name)
	}

	o.begin()
	defer o.end()

	o.summary.Due = 1
	o.journal.Info(runlog.StageStartup, name, fmt.Sprintf("running %s on demand", name))
	o.runPrimary(ctx, p, endpoint.RequestOverrides{})

	if err := o.runSecondaries(ctx); err != nil {
		return o.summary, err
	}
	return o.summary, nil
}

// SeedHistoric adds an initial historic entry, due now, for every time-bound
// endpoint that defines historic params and has no historic entry yet. It
// returns the number of entries added.
func SeedHistoric(q HistoricQueue, integration *endpoint.Integration, now time.Time, logger *slog.Logger) (int, error) {
	added := 0
	for _, p := range integration.Primary {
		name := endpoint.Name(p)

		if q.HasHistoricEntryFor(name) {
			logger.Info("found historic entry", "endpoint", name)
			continue
		}

		tb, ok := p.(*endpoint.TimeBoundEndpoint)
		if !ok || tb.HistoricParams == nil {
			logger.Info("no historic entry needed", "endpoint", name)
			continue
		}

		logger.Info("adding initial historic entry", "endpoint", name)
		err := q.Add(queue.Entry{
			Endpoint: name,
			RunAfter: now.Unix(),
			Historic: true,
			Params:   tb.HistoricParams(),
		})
		if err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (o *Orchestrator) begin() {
	o.runDate = o.now()
	o.session = auth.NewSession(o.integration.Tokens, o.now, o.logger)
	o.produced = make(map[string]any)
	o.summary = Summary{}
}

func (o *Orchestrator) end() {
	o.session.Close()
	o.summary.Duration = o.now().Sub(o.runDate)
	o.logger.Info("invocation finished",
		"due", o.summary.Due,
		"processed", o.summary.Processed,
		"failed", o.summary.Failed,
		"secondary", o.summary.Secondary,
		"files_written", o.summary.FilesWritten,
		"files_skipped", o.summary.FilesSkipped,
		"duration", o.summary.Duration)
}

func (o *Orchestrator) headers(ctx context.Context) (http.Header, error) {
	header := o.integration.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	authHeader, err := o.session.Header(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize request: %w", err)
	}
	for k, vs := range authHeader {
		header[k] = vs
	}
	return header, nil
}
