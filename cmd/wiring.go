package cmd

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/config"
	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/export"
	gcsexport "github.com/parlcrawl/crawlkit/internal/export/gcs"
	pgexport "github.com/parlcrawl/crawlkit/internal/export/postgres"
	pubsubexport "github.com/parlcrawl/crawlkit/internal/export/pubsub"
	sqliteexport "github.com/parlcrawl/crawlkit/internal/export/sqlite"
	"github.com/parlcrawl/crawlkit/internal/fetcher"
	collyfetcher "github.com/parlcrawl/crawlkit/internal/fetcher/colly"
	headlessfetcher "github.com/parlcrawl/crawlkit/internal/fetcher/headless"
)

// defaultRegistry lists the fetchers a job may name.
func defaultRegistry() *fetcher.Registry {
	r := fetcher.NewRegistry()
	_ = r.Register(collyfetcher.Name, collyfetcher.Factory)
	_ = r.Register(headlessfetcher.Name, headlessfetcher.Factory)
	return r
}

// buildFetcher instantiates the job's fetcher.
func buildFetcher(cfg config.Config, logger *zap.Logger) (crawl.Fetcher, func(), error) {
	return defaultRegistry().Build(cfg.Job.Fetcher, cfg.Fetchers, logger)
}

// buildExporters creates every exporter enabled in cfg. The cleanup closes
// them all.
func buildExporters(ctx context.Context, cfg config.ExportConfig, logger *zap.Logger) ([]export.Exporter, func(), error) {
	var (
		exporters []export.Exporter
		closers   []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) ([]export.Exporter, func(), error) {
		cleanup()
		return nil, func() {}, err
	}
	closeErr := func(name string, fn func() error) func() {
		return func() {
			if err := fn(); err != nil {
				logger.Warn("close exporter", zap.String("exporter", name), zap.Error(err))
			}
		}
	}

	if cfg.SQLite.Path != "" {
		exp, err := sqliteexport.New(cfg.SQLite.Path, cfg.SQLite.Table)
		if err != nil {
			return fail(err)
		}
		exporters = append(exporters, exp)
		closers = append(closers, closeErr(exp.Name(), exp.Close))
	}
	if cfg.Postgres.DSN != "" {
		exp, err := pgexport.New(ctx, pgexport.Config{DSN: cfg.Postgres.DSN, Table: cfg.Postgres.Table})
		if err != nil {
			return fail(err)
		}
		exporters = append(exporters, exp)
		closers = append(closers, exp.Close)
	}
	if cfg.GCS.Bucket != "" {
		exp, err := gcsexport.New(ctx, gcsexport.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix}, logger)
		if err != nil {
			return fail(err)
		}
		exporters = append(exporters, exp)
		closers = append(closers, closeErr(exp.Name(), exp.Close))
	}
	if cfg.PubSub.Topic != "" {
		exp, err := pubsubexport.New(ctx, pubsubexport.Config{ProjectID: cfg.PubSub.ProjectID, Topic: cfg.PubSub.Topic}, logger)
		if err != nil {
			return fail(err)
		}
		exporters = append(exporters, exp)
		closers = append(closers, closeErr(exp.Name(), exp.Close))
	}
	return exporters, cleanup, nil
}

// workerArgs rebuilds the command line of a worker process so it derives
// the same plan as the parent.
func workerArgs(e *env, runID string) func(partition int) []string {
	cfg := e.cfg
	return func(partition int) []string {
		args := []string{"worker",
			"--run-id", runID,
			"--partition", strconv.Itoa(partition),
			"--processes", strconv.Itoa(cfg.Concurrency.Processes),
			"--concurrency", strconv.Itoa(cfg.Concurrency.PerPartition),
			"--out", cfg.Output.Dir,
			"--fetcher", cfg.Job.Fetcher,
			"--log-level", cfg.Logging.Level,
		}
		if e.cfgPath != "" {
			args = append(args, "--config", e.cfgPath)
		}
		if cfg.Logging.Development {
			args = append(args, "--dev")
		}
		return args
	}
}

func describe(summary crawl.RunSummary) string {
	return fmt.Sprintf("%s: %d succeeded, %d failed, %d pending of %d items",
		summary.State, summary.Succeeded, summary.Failed, summary.Pending, summary.Items)
}
