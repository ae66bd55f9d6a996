// Package checkpoint persists terminal item outcomes so a restarted job skips
// work that is already done. Each partition owns one append-only shard; the
// store reads every shard at startup, whatever partition count wrote it.
package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/journal"
)

const shardPattern = "part-*.checkpoint.jsonl"

// ShardPath returns the checkpoint shard path for a partition.
func ShardPath(dir string, partition int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%04d.checkpoint.jsonl", partition))
}

// Set is the loaded "already handled" set keyed by item ID.
type Set map[string]crawl.CheckpointEntry

// Has reports whether id reached a terminal outcome in a previous run.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Counts tallies entries by status.
func (s Set) Counts() (succeeded, failed int) {
	for _, e := range s {
		switch e.Status {
		case crawl.StatusSuccess:
			succeeded++
		case crawl.StatusPermanentFailure:
			failed++
		}
	}
	return succeeded, failed
}

// Store locates checkpoint shards under a directory.
type Store struct {
	dir    string
	sync   bool
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithoutSync disables fsync on shard appends.
func WithoutSync() Option {
	return func(s *Store) { s.sync = false }
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{dir: dir, sync: true, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

// ShardPaths lists existing shards in lexical order.
func (s *Store) ShardPaths() ([]string, error) {
	return journal.Glob(s.dir, shardPattern)
}

// Load reads every shard once. When an ID appears more than once the entry
// with the latest completion time wins.
func (s *Store) Load(ctx context.Context) (Set, error) {
	paths, err := s.ShardPaths()
	if err != nil {
		return nil, err
	}
	set := make(Set)
	var total journal.Stats
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("load checkpoints: %w", err)
		}
		stats, err := journal.Scan(path, func(entry crawl.CheckpointEntry, _ int) error {
			if entry.Validate() != nil {
				return journal.ErrSkip
			}
			if prev, ok := set[entry.ItemID]; ok && prev.CompletedAt.After(entry.CompletedAt) {
				return nil
			}
			set[entry.ItemID] = entry
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load checkpoint shard: %w", err)
		}
		total.Add(stats)
	}
	if total.Torn > 0 || total.Corrupt > 0 {
		s.logger.Warn("discarded unreadable checkpoint lines",
			zap.Int("torn", total.Torn),
			zap.Int("corrupt", total.Corrupt),
		)
	}
	s.logger.Debug("checkpoints loaded",
		zap.Int("shards", len(paths)),
		zap.Int("entries", len(set)),
	)
	return set, nil
}

// Shard opens the append-only shard for a partition.
func (s *Store) Shard(partition int) (*Shard, error) {
	var opts []journal.Option
	if !s.sync {
		opts = append(opts, journal.WithoutSync())
	}
	w, err := journal.Open(ShardPath(s.dir, partition), opts...)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint shard %d: %w", partition, err)
	}
	return &Shard{w: w, partition: partition}, nil
}

// Shard is the partition-owned checkpoint writer.
type Shard struct {
	w         *journal.Writer
	partition int
}

// MarkDone durably records a terminal outcome. It returns only after the
// entry has been synced to disk.
func (sh *Shard) MarkDone(ctx context.Context, entry crawl.CheckpointEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mark done %s: %w", entry.ItemID, err)
	}
	entry.Partition = sh.partition
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if err := sh.w.Append(entry); err != nil {
		return fmt.Errorf("mark done %s: %w", entry.ItemID, err)
	}
	return nil
}

// Close releases the shard file.
func (sh *Shard) Close() error {
	return sh.w.Close()
}
