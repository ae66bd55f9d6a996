package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parlcrawl/crawlkit/internal/logging"
	"github.com/parlcrawl/crawlkit/internal/orchestrator"
)

// newWorkerCmd creates the hidden 'worker' subcommand. The parent re-invokes
// the binary with it once per partition in process mode.
func newWorkerCmd() *cobra.Command {
	var (
		runID     string
		partition int
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Process one partition of a run (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := logging.ForWorker(e.logger, runID, partition)
			f, cleanup, err := buildFetcher(e.cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			o, err := orchestrator.New(e.cfg, orchestrator.Deps{
				Fetcher: f,
				RunID:   runID,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			summary, runErr := o.RunPartition(ctx, partition)
			if cerr := o.Close(cmd.Context()); cerr != nil && runErr == nil {
				runErr = cerr
			}
			out, err := json.Marshal(summary)
			if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier assigned by the parent")
	cmd.Flags().IntVar(&partition, "partition", -1, "partition index")
	cmd.Flags().Int("processes", 0, "number of partitions in the plan")
	cmd.Flags().Int("concurrency", 0, "in-flight items per partition")
	cmd.Flags().String("fetcher", "", "fetcher name")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("partition")
	return cmd
}
