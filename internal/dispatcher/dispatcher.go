// Package dispatcher runs partitions with a bounded number of concurrent
// workers, relaunching a partition that exits abnormally.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Launcher runs one partition to completion.
type Launcher interface {
	Launch(ctx context.Context, partition int) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, partition int) error

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, partition int) error { return f(ctx, partition) }

// Config controls the coarse pool.
type Config struct {
	// Processes caps partitions running at once.
	Processes int
	// PartitionRetries is the number of relaunches after a failed run.
	PartitionRetries int
	// RetryDelay is the pause before a relaunch.
	RetryDelay time.Duration
}

// Result is the final state of one partition.
type Result struct {
	Partition int
	Attempts  int
	// Err is nil on success, a *crawl.PartitionCrash after exhausted
	// relaunches, or the context error when the run was interrupted.
	Err error
}

// Hooks observe partition lifecycle transitions. Any field may be nil.
type Hooks struct {
	OnStart  func(partition, attempt int)
	OnFinish func(Result)
}

// Dispatcher is the coarse concurrency controller.
type Dispatcher struct {
	launcher Launcher
	cfg      Config
	logger   *zap.Logger
}

// New returns a Dispatcher.
func New(launcher Launcher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Processes < 1 {
		cfg.Processes = 1
	}
	if cfg.PartitionRetries < 0 {
		cfg.PartitionRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{launcher: launcher, cfg: cfg, logger: logger}
}

// Run launches every partition and blocks until all have finished. A failing
// partition never aborts its siblings. Results are ordered by partition.
func (d *Dispatcher) Run(ctx context.Context, partitions []int, hooks Hooks) []Result {
	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(partitions))
		group   errgroup.Group
	)
	group.SetLimit(d.cfg.Processes)
	for _, p := range partitions {
		if ctx.Err() != nil {
			mu.Lock()
			results = append(results, Result{Partition: p, Err: ctx.Err()})
			mu.Unlock()
			continue
		}
		group.Go(func() error {
			res := d.runPartition(ctx, p, hooks)
			if hooks.OnFinish != nil {
				hooks.OnFinish(res)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Partition < results[j].Partition })
	return results
}

func (d *Dispatcher) runPartition(ctx context.Context, partition int, hooks Hooks) Result {
	logger := d.logger.With(zap.Int("partition", partition))
	maxRuns := d.cfg.PartitionRetries + 1
	var lastErr error
	for attempt := 1; attempt <= maxRuns; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Partition: partition, Attempts: attempt - 1, Err: fmt.Errorf("partition %d: %w", partition, err)}
		}
		if hooks.OnStart != nil {
			hooks.OnStart(partition, attempt)
		}
		err := d.launch(ctx, partition)
		if err == nil {
			logger.Info("partition done", zap.Int("attempt", attempt))
			return Result{Partition: partition, Attempts: attempt}
		}
		lastErr = err
		if ctx.Err() != nil {
			logger.Warn("partition interrupted", zap.Int("attempt", attempt), zap.Error(err))
			return Result{Partition: partition, Attempts: attempt, Err: fmt.Errorf("partition %d: %w", partition, ctx.Err())}
		}
		logger.Warn("partition failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRuns),
			zap.Error(err),
		)
		if attempt < maxRuns && d.cfg.RetryDelay > 0 {
			timer := time.NewTimer(d.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{Partition: partition, Attempts: attempt, Err: fmt.Errorf("partition %d: %w", partition, ctx.Err())}
			case <-timer.C:
			}
		}
	}
	return Result{
		Partition: partition,
		Attempts:  maxRuns,
		Err:       &crawl.PartitionCrash{Partition: partition, Attempts: maxRuns, Err: lastErr},
	}
}

func (d *Dispatcher) launch(ctx context.Context, partition int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("partition %d panic: %v", partition, r)
		}
	}()
	return d.launcher.Launch(ctx, partition)
}

// Failed filters results that did not complete.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// IsCrash reports whether err is a partition crash.
func IsCrash(err error) bool {
	var crash *crawl.PartitionCrash
	return errors.As(err, &crash)
}
