package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parlcrawl/crawlkit/internal/hash/sha256"
	"github.com/parlcrawl/crawlkit/internal/merge"
)

// newMergeCmd creates the 'merge' subcommand, which rebuilds canonical output
// from the shards without crawling.
func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Rebuild canonical output from shards",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			out := e.cfg.Output
			report, err := merge.New(merge.Config{
				ResultsDir:     out.ResultsDir(),
				CheckpointsDir: out.CheckpointsDir(),
				OutputDir:      out.Dir,
				FailureSamples: e.cfg.Merge.FailureSamples,
			}, sha256.New(), e.logger).Merge(cmd.Context())
			if err != nil {
				return fmt.Errorf("merge: %w", err)
			}
			raw, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		},
	}
}
