// Package merge folds per-partition shards into canonical output files.
// Output depends only on shard contents, so merging twice is byte-identical.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/checkpoint"
	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/journal"
	"github.com/parlcrawl/crawlkit/internal/sink"
)

// Canonical file names written into the output directory.
const (
	ResultsFile     = "results.jsonl"
	CheckpointsFile = "checkpoints.jsonl"
	ReportFile      = "merge_report.json"
)

// Record is one line of the canonical results file.
type Record struct {
	ID          string          `json:"id"`
	Ref         string          `json:"ref,omitempty"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Report summarises a merge.
type Report struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Unconfirmed counts results with no success checkpoint; those items are
	// still pending and are excluded from the canonical output.
	Unconfirmed int `json:"unconfirmed"`
	// MissingResults counts success checkpoints whose result line is lost.
	MissingResults       int                     `json:"missing_results"`
	Duplicates           int                     `json:"duplicates"`
	CheckpointDuplicates int                     `json:"checkpoint_duplicates"`
	ChecksumFailures     int                     `json:"checksum_failures"`
	ResultLines          journal.Stats           `json:"result_lines"`
	CheckpointLines      journal.Stats           `json:"checkpoint_lines"`
	Conflicts            []crawl.MergeConflict   `json:"conflicts,omitempty"`
	FailureSamples       []crawl.CheckpointEntry `json:"failure_samples,omitempty"`
}

// Config locates shards and output.
type Config struct {
	ResultsDir     string
	CheckpointsDir string
	OutputDir      string
	FailureSamples int
}

// Merger performs the merge step.
type Merger struct {
	cfg    Config
	hasher crawl.Hasher
	logger *zap.Logger
}

// New returns a Merger.
func New(cfg Config, hasher crawl.Hasher, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureSamples < 0 {
		cfg.FailureSamples = 0
	}
	return &Merger{cfg: cfg, hasher: hasher, logger: logger}
}

type candidate[T any] struct {
	value T
	pos   crawl.ShardPosition
	at    time.Time
}

// pick returns the latest candidate; ties go to the later read position.
func pick[T any](cands []candidate[T]) (candidate[T], []candidate[T]) {
	best := 0
	for i := 1; i < len(cands); i++ {
		if !cands[i].at.Before(cands[best].at) {
			best = i
		}
	}
	rest := make([]candidate[T], 0, len(cands)-1)
	rest = append(rest, cands[:best]...)
	rest = append(rest, cands[best+1:]...)
	return cands[best], rest
}

// Merge reads every shard and rewrites the canonical files.
func (m *Merger) Merge(ctx context.Context) (Report, error) {
	var report Report

	results, err := m.readResults(ctx, &report)
	if err != nil {
		return report, err
	}
	checkpoints, err := m.readCheckpoints(ctx, &report)
	if err != nil {
		return report, err
	}

	ids := make([]string, 0, len(checkpoints))
	for id := range checkpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	finalResults := make(map[string]sink.Record, len(results))
	for id, cands := range results {
		kept, discarded := pick(cands)
		finalResults[id] = kept.value
		for _, d := range discarded {
			report.Duplicates++
			report.Conflicts = append(report.Conflicts, crawl.MergeConflict{ItemID: id, Kept: kept.pos, Discarded: d.pos})
		}
	}
	sort.Slice(report.Conflicts, func(i, j int) bool {
		a, b := report.Conflicts[i], report.Conflicts[j]
		if a.ItemID != b.ItemID {
			return a.ItemID < b.ItemID
		}
		if a.Discarded.Shard != b.Discarded.Shard {
			return a.Discarded.Shard < b.Discarded.Shard
		}
		return a.Discarded.Line < b.Discarded.Line
	})

	entries := make([]crawl.CheckpointEntry, 0, len(ids))
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		kept, discarded := pick(checkpoints[id])
		report.CheckpointDuplicates += len(discarded)
		entry := kept.value
		entries = append(entries, entry)
		switch entry.Status {
		case crawl.StatusSuccess:
			res, ok := finalResults[id]
			if !ok {
				report.MissingResults++
				m.logger.Warn("success checkpoint without result", zap.String("item_id", id))
				continue
			}
			report.Succeeded++
			records = append(records, Record{
				ID:          id,
				Ref:         entry.Ref,
				Attempts:    entry.Attempts,
				CompletedAt: entry.CompletedAt,
				Payload:     res.Payload,
			})
		case crawl.StatusPermanentFailure:
			report.Failed++
			if len(report.FailureSamples) < m.cfg.FailureSamples {
				report.FailureSamples = append(report.FailureSamples, entry)
			}
		}
	}
	for id := range finalResults {
		if cands, ok := checkpoints[id]; !ok || !hasSuccess(cands) {
			report.Unconfirmed++
		}
	}

	if err := os.MkdirAll(m.cfg.OutputDir, 0o750); err != nil {
		return report, fmt.Errorf("create output dir: %w", err)
	}
	if err := journal.WriteAtomic(filepath.Join(m.cfg.OutputDir, ResultsFile), func(w io.Writer) error {
		return writeLines(w, records)
	}); err != nil {
		return report, err
	}
	if err := journal.WriteAtomic(filepath.Join(m.cfg.OutputDir, CheckpointsFile), func(w io.Writer) error {
		return writeLines(w, entries)
	}); err != nil {
		return report, err
	}
	if err := journal.WriteAtomic(filepath.Join(m.cfg.OutputDir, ReportFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}); err != nil {
		return report, err
	}

	m.logger.Info("merge complete",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("unconfirmed", report.Unconfirmed),
		zap.Int("torn_lines", report.ResultLines.Torn+report.CheckpointLines.Torn),
	)
	return report, nil
}

func hasSuccess(cands []candidate[crawl.CheckpointEntry]) bool {
	kept, _ := pick(cands)
	return kept.value.Status == crawl.StatusSuccess
}

func (m *Merger) readResults(ctx context.Context, report *Report) (map[string][]candidate[sink.Record], error) {
	paths, err := sink.ShardPaths(m.cfg.ResultsDir)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]candidate[sink.Record])
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("merge results: %w", err)
		}
		shard := filepath.Base(path)
		stats, err := journal.Scan(path, func(rec sink.Record, line int) error {
			if rec.ID == "" {
				return journal.ErrSkip
			}
			if m.hasher != nil {
				if verr := rec.Verify(m.hasher); verr != nil {
					report.ChecksumFailures++
					return journal.ErrSkip
				}
			}
			out[rec.ID] = append(out[rec.ID], candidate[sink.Record]{
				value: rec,
				pos:   crawl.ShardPosition{Shard: shard, Line: line},
				at:    rec.WrittenAt,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("merge results: %w", err)
		}
		report.ResultLines.Add(stats)
	}
	return out, nil
}

func (m *Merger) readCheckpoints(ctx context.Context, report *Report) (map[string][]candidate[crawl.CheckpointEntry], error) {
	store := checkpoint.NewStore(m.cfg.CheckpointsDir, m.logger)
	paths, err := store.ShardPaths()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]candidate[crawl.CheckpointEntry])
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("merge checkpoints: %w", err)
		}
		shard := filepath.Base(path)
		stats, err := journal.Scan(path, func(entry crawl.CheckpointEntry, line int) error {
			if entry.Validate() != nil {
				return journal.ErrSkip
			}
			out[entry.ItemID] = append(out[entry.ItemID], candidate[crawl.CheckpointEntry]{
				value: entry,
				pos:   crawl.ShardPosition{Shard: shard, Line: line},
				at:    entry.CompletedAt,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("merge checkpoints: %w", err)
		}
		report.CheckpointLines.Add(stats)
	}
	return out, nil
}

func writeLines[T any](w io.Writer, rows []T) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode canonical row: %w", err)
		}
	}
	return nil
}

// ReadResults loads the canonical results file.
func ReadResults(dir string) ([]Record, error) {
	var out []Record
	path := filepath.Join(dir, ResultsFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("canonical results not found in %s: run merge first", dir)
	}
	if _, err := journal.Scan(path, func(rec Record, _ int) error {
		out = append(out, rec)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read canonical results: %w", err)
	}
	return out, nil
}

// ReadReport loads merge_report.json.
func ReadReport(dir string) (Report, error) {
	var report Report
	raw, err := os.ReadFile(filepath.Join(dir, ReportFile)) //nolint:gosec // operator supplied dir
	if err != nil {
		return report, fmt.Errorf("read merge report: %w", err)
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		return report, fmt.Errorf("decode merge report: %w", err)
	}
	return report, nil
}
