package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parlcrawl/crawlkit/internal/export"
	"github.com/parlcrawl/crawlkit/internal/orchestrator"
)

// newExportCmd creates the 'export' subcommand, which replays the configured
// exports for the last finished run.
func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Re-run exports for the last completed run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := orchestrator.ReadSummary(e.cfg.Output.Dir)
			if err != nil {
				return err
			}
			if summary.State != string(orchestrator.StateDone) {
				return fmt.Errorf("last run %s ended %s; resume it before exporting", summary.RunID, summary.State)
			}
			exporters, cleanup, err := buildExporters(cmd.Context(), e.cfg.Export, e.logger)
			if err != nil {
				return err
			}
			defer cleanup()
			if len(exporters) == 0 {
				return errors.New("no exporters configured")
			}
			return export.Run(cmd.Context(), exporters, summary, e.logger)
		},
	}
}
