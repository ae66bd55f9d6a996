package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/parlcrawl/crawlkit/internal/checkpoint"
	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/orchestrator"
)

// partitionCounts is the checkpoint breakdown for one partition.
type partitionCounts struct {
	Partition int `json:"partition" yaml:"partition"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
}

// statusReport describes an output directory without running anything.
type statusReport struct {
	Job        string            `json:"job" yaml:"job"`
	OutputDir  string            `json:"output_dir" yaml:"output_dir"`
	Runs       int               `json:"runs" yaml:"runs"`
	LastRunID  string            `json:"last_run_id,omitempty" yaml:"last_run_id,omitempty"`
	LastState  string            `json:"last_state,omitempty" yaml:"last_state,omitempty"`
	LastRunAt  time.Time         `json:"last_run_at" yaml:"last_run_at"`
	Items      int               `json:"items" yaml:"items"`
	Succeeded  int               `json:"succeeded" yaml:"succeeded"`
	Failed     int               `json:"failed" yaml:"failed"`
	Pending    int               `json:"pending" yaml:"pending"`
	Partitions []partitionCounts `json:"partitions" yaml:"partitions"`
}

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize progress recorded in the output directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			report, err := buildStatus(cmd, e)
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), report, format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func buildStatus(cmd *cobra.Command, e *env) (statusReport, error) {
	dir := e.cfg.Output.Dir
	manifest, err := orchestrator.ReadManifest(dir)
	if err != nil {
		return statusReport{}, err
	}
	done, err := checkpoint.NewStore(e.cfg.Output.CheckpointsDir(), e.logger).Load(cmd.Context())
	if err != nil {
		return statusReport{}, err
	}

	report := statusReport{
		Job:       manifest.Job,
		OutputDir: dir,
		Runs:      manifest.Runs,
		LastRunID: manifest.LastRunID,
		LastState: manifest.LastState,
		LastRunAt: manifest.LastRunAt,
		Items:     manifest.Items,
	}
	byPartition := make(map[int]*partitionCounts)
	for _, entry := range done {
		pc, ok := byPartition[entry.Partition]
		if !ok {
			pc = &partitionCounts{Partition: entry.Partition}
			byPartition[entry.Partition] = pc
		}
		if entry.Status == crawl.StatusSuccess {
			pc.Succeeded++
		} else {
			pc.Failed++
		}
	}
	report.Succeeded, report.Failed = done.Counts()
	report.Pending = max(report.Items-report.Succeeded-report.Failed, 0)
	for _, pc := range byPartition {
		report.Partitions = append(report.Partitions, *pc)
	}
	sort.Slice(report.Partitions, func(i, j int) bool {
		return report.Partitions[i].Partition < report.Partitions[j].Partition
	})
	return report, nil
}

func writeStatus(w io.Writer, report statusReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return enc.Close()
	case "text", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "job\t%s\n", report.Job)
		fmt.Fprintf(tw, "output\t%s\n", report.OutputDir)
		fmt.Fprintf(tw, "runs\t%d\n", report.Runs)
		if report.LastRunID != "" {
			fmt.Fprintf(tw, "last run\t%s (%s)\n", report.LastRunID, report.LastState)
		}
		fmt.Fprintf(tw, "items\t%d\n", report.Items)
		fmt.Fprintf(tw, "succeeded\t%d\n", report.Succeeded)
		fmt.Fprintf(tw, "failed\t%d\n", report.Failed)
		fmt.Fprintf(tw, "pending\t%d\n", report.Pending)
		for _, pc := range report.Partitions {
			fmt.Fprintf(tw, "partition %d\t%d succeeded, %d failed\n", pc.Partition, pc.Succeeded, pc.Failed)
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("write status: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
