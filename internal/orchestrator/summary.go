package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/journal"
)

// SummaryFile holds the outcome of the latest invocation.
const SummaryFile = "summary.json"

// WriteSummary atomically replaces dir/summary.json.
func WriteSummary(dir string, s crawl.RunSummary) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return journal.WriteAtomic(filepath.Join(dir, SummaryFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		return nil
	})
}

// ReadSummary loads dir/summary.json.
func ReadSummary(dir string) (crawl.RunSummary, error) {
	var s crawl.RunSummary
	raw, err := os.ReadFile(filepath.Join(dir, SummaryFile)) //nolint:gosec // operator supplied dir
	if err != nil {
		return s, fmt.Errorf("read summary: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode summary: %w", err)
	}
	return s, nil
}
