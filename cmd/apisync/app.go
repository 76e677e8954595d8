package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/livinlefevreloca/apisync/internal/apis"
	"github.com/livinlefevreloca/apisync/internal/config"
	"github.com/livinlefevreloca/apisync/internal/db"
	"github.com/livinlefevreloca/apisync/internal/endpoint"
	"github.com/livinlefevreloca/apisync/internal/fetch"
	"github.com/livinlefevreloca/apisync/internal/orchestrator"
	"github.com/livinlefevreloca/apisync/internal/output"
	"github.com/livinlefevreloca/apisync/internal/queue"
	"github.com/livinlefevreloca/apisync/internal/runlog"
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newApp(configFile string, logOut io.Writer) (*app, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging, logOut)
	slog.SetDefault(logger)
	logger.Debug("configuration loaded",
		"config_file", configFile,
		"output_dir", cfg.Output.Dir,
		"storage", cfg.Storage.Backend,
		"stats", cfg.Stats.Enabled,
		"use_mocks", cfg.Debug.UseMocks)

	return &app{cfg: cfg, logger: logger}, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (a *app) integration(name string) (*endpoint.Integration, error) {
	return apis.Build(name, a.cfg)
}

func (a *app) sink(ctx context.Context) (output.Sink, error) {
	if a.cfg.Storage.Backend == config.StorageS3 {
		s3, err := output.NewS3Sink(ctx, a.cfg.S3Sink(), a.logger)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	return output.NewLocalSink(a.cfg.Output.Dir), nil
}

func (a *app) openQueue(integration *endpoint.Integration) (*queue.Queue, error) {
	store := queue.NewFileStore(a.cfg.Output.Dir, integration.Name)
	return queue.New(store, integration.Primary, a.logger.With("integration", integration.Name))
}

// run executes one invocation. With an endpoint name the queue is bypassed.
func (a *app) run(ctx context.Context, name, endpointName string) (err error) {
	integration, err := a.integration(name)
	if err != nil {
		return err
	}

	sink, err := a.sink(ctx)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}

	var opts []runlog.Option
	if a.cfg.Stats.Enabled {
		database, err := db.OpenWithConfig(a.cfg.Stats.Database)
		if err != nil {
			return fmt.Errorf("failed to open stats database: %w", err)
		}
		defer database.Close()
		opts = append(opts, runlog.WithDatabase(runlog.NewDBAdapter(database)))
	}
	if a.cfg.Metrics.TextfileDir != "" {
		opts = append(opts, runlog.WithMetrics(runlog.NewMetrics(a.cfg.Metrics.TextfileDir)))
	}

	journal := runlog.New(integration.Name, sink, a.logger, opts...)
	defer func() {
		if closeErr := journal.Close(context.WithoutCancel(ctx)); closeErr != nil {
			a.logger.Error("failed to write run log", "error", closeErr)
			if err == nil {
				err = closeErr
			}
		}
	}()
	journal.Info(runlog.StageStartup, "", fmt.Sprintf("starting %s run", integration.Name))

	client := fetch.NewClient(a.cfg.Fetch(integration.Name, integration.BaseURL), a.logger)
	writer := output.NewWriter(sink, integration.Name, a.logger)
	orch := orchestrator.New(integration, client, writer, journal, a.logger)

	if endpointName != "" {
		_, err = orch.RunEndpoint(ctx, endpointName)
	} else {
		var q *queue.Queue
		q, err = a.openQueue(integration)
		if err != nil {
			journal.Error(runlog.StageQueueManagement, "", err)
			return err
		}
		_, err = orch.Run(ctx, q)
	}
	return err
}

func (a *app) seedHistoric(name string) (int, error) {
	integration, err := a.integration(name)
	if err != nil {
		return 0, err
	}
	q, err := a.openQueue(integration)
	if err != nil {
		return 0, err
	}
	return orchestrator.SeedHistoric(q, integration, time.Now(), a.logger.With("integration", name))
}

func (a *app) printQueue(name string, w io.Writer) error {
	if err := apis.Supported(name); err != nil {
		return err
	}
	q, err := queue.New(queue.NewFileStore(a.cfg.Output.Dir, name), nil, a.logger)
	if err != nil {
		return err
	}
	data, err := output.Encode(q.Entries())
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

var errStatsDisabled = errors.New("stats database is disabled")

// runDetail is one run with its endpoint outcomes.
type runDetail struct {
	*db.Run
	Endpoints []db.EndpointRun `json:"endpoints"`
}

// printRuns writes the most recent runs of an integration as JSON, or a
// single run with its endpoint outcomes when runID is set.
func (a *app) printRuns(name, runID string, limit int, w io.Writer) error {
	if err := apis.Supported(name); err != nil {
		return err
	}
	if !a.cfg.Stats.Enabled {
		return errStatsDisabled
	}

	database, err := db.OpenWithConfig(a.cfg.Stats.Database)
	if err != nil {
		return fmt.Errorf("failed to open stats database: %w", err)
	}
	defer database.Close()

	var v any
	if runID == "" {
		runs, err := database.ListRuns(name, limit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		v = runs
	} else {
		run, err := database.GetRun(runID)
		if db.IsNotFound(err) || (err == nil && run.Integration != name) {
			return fmt.Errorf("run %s not found for %s", runID, name)
		}
		if err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}
		endpoints, err := database.GetEndpointRuns(runID)
		if err != nil {
			return fmt.Errorf("failed to load endpoint runs: %w", err)
		}
		v = runDetail{Run: run, Endpoints: endpoints}
	}

	data, err := output.Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
