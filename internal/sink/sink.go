// Package sink provides the durable result store. Each partition appends to
// its own JSON Lines shard; a merge step later produces canonical output.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/journal"
)

const shardPattern = "part-*.results.jsonl"

// ErrChecksumMismatch reports a record whose payload does not match its sum.
var ErrChecksumMismatch = errors.New("result checksum mismatch")

// Record is one line of a result shard.
type Record struct {
	ID        string          `json:"id"`
	Partition int             `json:"partition"`
	Attempt   int             `json:"attempt"`
	WrittenAt time.Time       `json:"written_at"`
	Sum       string          `json:"sum"`
	Payload   json.RawMessage `json:"payload"`
}

// Verify recomputes the payload digest.
func (r Record) Verify(hasher crawl.Hasher) error {
	sum, err := hasher.Hash(r.Payload)
	if err != nil {
		return fmt.Errorf("hash payload %s: %w", r.ID, err)
	}
	if sum != r.Sum {
		return fmt.Errorf("%w for %s", ErrChecksumMismatch, r.ID)
	}
	return nil
}

// ShardPath returns the result shard path for a partition.
func ShardPath(dir string, partition int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%04d.results.jsonl", partition))
}

// ShardPaths lists existing result shards under dir in lexical order.
func ShardPaths(dir string) ([]string, error) {
	return journal.Glob(dir, shardPattern)
}

// FileSink creates per-partition result shards under a directory.
type FileSink struct {
	dir      string
	maxBytes int64
	hasher   crawl.Hasher
	clock    crawl.Clock
	sync     bool
	logger   *zap.Logger
}

// Config describes a FileSink.
type Config struct {
	Dir string
	// MaxPayloadBytes rejects oversized payloads; zero disables the limit.
	MaxPayloadBytes int64
	// DisableSync skips fsync after each append.
	DisableSync bool
}

// NewFileSink returns a sink rooted at cfg.Dir.
func NewFileSink(cfg Config, hasher crawl.Hasher, clock crawl.Clock, logger *zap.Logger) (*FileSink, error) {
	if cfg.Dir == "" {
		return nil, errors.New("sink dir is required")
	}
	if hasher == nil || clock == nil {
		return nil, errors.New("sink requires hasher and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxPayloadBytes,
		hasher:   hasher,
		clock:    clock,
		sync:     !cfg.DisableSync,
		logger:   logger,
	}, nil
}

// Dir returns the shard directory.
func (s *FileSink) Dir() string { return s.dir }

// Shard opens the partition's result shard for appending.
func (s *FileSink) Shard(partition int) (*Shard, error) {
	var opts []journal.Option
	if !s.sync {
		opts = append(opts, journal.WithoutSync())
	}
	w, err := journal.Open(ShardPath(s.dir, partition), opts...)
	if err != nil {
		return nil, fmt.Errorf("open result shard %d: %w", partition, err)
	}
	return &Shard{sink: s, w: w, partition: partition}, nil
}

// Shard appends results for a single partition.
type Shard struct {
	sink      *FileSink
	w         *journal.Writer
	partition int
}

// Append validates and durably writes one result.
func (sh *Shard) Append(ctx context.Context, res crawl.Result, attempt int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append result %s: %w", res.ItemID, err)
	}
	if err := res.Validate(); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	if sh.sink.maxBytes > 0 && int64(len(res.Payload)) > sh.sink.maxBytes {
		return fmt.Errorf("result %s: %w: %d bytes exceeds max %d", res.ItemID, crawl.ErrPayloadTooLarge, len(res.Payload), sh.sink.maxBytes)
	}
	sum, err := sh.sink.hasher.Hash(res.Payload)
	if err != nil {
		return fmt.Errorf("hash result %s: %w", res.ItemID, err)
	}
	rec := Record{
		ID:        res.ItemID,
		Partition: sh.partition,
		Attempt:   attempt,
		WrittenAt: sh.sink.clock.Now(),
		Sum:       sum,
		Payload:   res.Payload,
	}
	if err := sh.w.Append(rec); err != nil {
		return fmt.Errorf("append result %s: %w", res.ItemID, err)
	}
	return nil
}

// Close releases the shard file.
func (sh *Shard) Close() error {
	return sh.w.Close()
}
