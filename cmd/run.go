package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/api"
	"github.com/parlcrawl/crawlkit/internal/config"
	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/dispatcher"
	"github.com/parlcrawl/crawlkit/internal/enumerate"
	iduuid "github.com/parlcrawl/crawlkit/internal/id/uuid"
	"github.com/parlcrawl/crawlkit/internal/orchestrator"
	"github.com/parlcrawl/crawlkit/internal/progress"
	"github.com/parlcrawl/crawlkit/internal/progress/sinks"
)

// newRunCmd creates the 'run' subcommand, which executes or resumes a job.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume a crawl job",
		Long: `Enumerates the configured work space, skips items already checkpointed in
the output directory, crawls the rest and merges shards into canonical output.
Exits non-zero when any item is left pending.`,
		RunE: runRunCommand,
	}
	cmd.Flags().Int("processes", 0, "number of partitions and the cap on concurrent workers")
	cmd.Flags().Int("concurrency", 0, "in-flight items per partition")
	cmd.Flags().String("mode", "", "worker mode: process or inprocess")
	cmd.Flags().String("fetcher", "", "fetcher name (http or headless)")
	cmd.Flags().String("status-addr", "", "serve run status and metrics on this address")
	return cmd
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := runJob(ctx, e)
	out, merr := json.MarshalIndent(summary, "", "  ")
	if merr == nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", describe(summary), err)
	}
	return nil
}

// runJob wires the orchestrator for the parent process and runs it.
func runJob(ctx context.Context, e *env) (crawl.RunSummary, error) {
	cfg, logger := e.cfg, e.logger
	runID, err := iduuid.New().NewID()
	if err != nil {
		return crawl.RunSummary{}, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return crawl.RunSummary{}, err
	}
	tally := sinks.NewTally()

	exporters, closeExporters, err := buildExporters(ctx, cfg.Export, logger)
	if err != nil {
		return crawl.RunSummary{}, fmt.Errorf("init exporters: %w", err)
	}
	defer closeExporters()

	deps := orchestrator.Deps{
		RunID:     runID,
		Exporters: exporters,
		Sinks:     []progress.Sink{promSink, tally},
		Logger:    logger,
	}
	if cfg.Concurrency.Mode == config.ModeProcess {
		deps.Launcher = dispatcher.ExecLauncher{
			Args:  workerArgs(e, runID),
			Grace: cfg.Concurrency.ShutdownGrace,
		}
	}
	// pages targets probe through the fetcher while planning
	if deps.Launcher == nil || strings.EqualFold(cfg.Job.Target.Kind, enumerate.KindPages) {
		f, cleanup, err := buildFetcher(cfg, logger)
		if err != nil {
			return crawl.RunSummary{}, err
		}
		defer cleanup()
		deps.Fetcher = f
	}

	o, err := orchestrator.New(cfg, deps)
	if err != nil {
		return crawl.RunSummary{}, err
	}
	defer func() {
		if cerr := o.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("close progress hub", zap.Error(cerr))
		}
	}()

	if cfg.Status.Addr != "" {
		srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		srv := api.NewServer(o, tally, reg, logger.Named("status"))
		go func() {
			if err := srv.Serve(srvCtx, cfg.Status.Addr); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	summary, err := o.Run(ctx)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("interrupted; rerun the same command to resume", zap.String("out", cfg.Output.Dir))
	}
	return summary, err
}
