// Package worker runs the items of one partition under the fine-grained
// concurrency gate.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/checkpoint"
	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/executor"
	"github.com/parlcrawl/crawlkit/internal/gate"
)

// Executor handles one item; see executor.Executor.
type Executor interface {
	Execute(ctx context.Context, item crawl.WorkItem) (executor.Report, error)
}

// Summary tallies one partition run.
type Summary struct {
	Partition int           `json:"partition"`
	Total     int           `json:"total"`
	Skipped   int           `json:"skipped"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Peak      int64         `json:"peak_in_flight"`
	Duration  time.Duration `json:"duration"`
}

// Worker processes a single partition.
type Worker struct {
	partition crawl.Partition
	done      checkpoint.Set
	exec      Executor
	gate      *gate.Gate
	logger    *zap.Logger
}

// New returns a worker for partition. Items present in done are skipped.
func New(partition crawl.Partition, done checkpoint.Set, exec Executor, g *gate.Gate, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if g == nil {
		g = gate.New(1)
	}
	return &Worker{
		partition: partition,
		done:      done,
		exec:      exec,
		gate:      g,
		logger:    logger.With(zap.Int("partition", partition.Index)),
	}
}

// Run dispatches pending items in partition order, at most gate.Limit() at a
// time. Cancelling ctx stops new dispatches; items already in flight finish.
// The returned error is non-nil only when an outcome could not be persisted.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{Partition: w.partition.Index, Total: len(w.partition.Items)}

	pending := make([]crawl.WorkItem, 0, len(w.partition.Items))
	for _, item := range w.partition.Items {
		if w.done.Has(item.ID) {
			summary.Skipped++
			continue
		}
		pending = append(pending, item)
	}
	w.logger.Info("partition started",
		zap.Int("items", summary.Total),
		zap.Int("skipped", summary.Skipped),
		zap.Int("pending", len(pending)),
		zap.Int("concurrency", w.gate.Limit()),
	)

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fatalErr error
	)
	dispatched := 0
	for _, item := range pending {
		if err := w.gate.Acquire(dispatchCtx); err != nil {
			break
		}
		dispatched++
		wg.Add(1)
		go func(item crawl.WorkItem) {
			defer wg.Done()
			defer w.gate.Release()
			report, err := w.exec.Execute(dispatchCtx, item)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fatalErr == nil {
					fatalErr = err
					stopDispatch()
				}
				summary.Pending++
				return
			}
			switch report.Disposition {
			case executor.Succeeded:
				summary.Succeeded++
			case executor.Failed:
				summary.Failed++
			default:
				summary.Pending++
			}
		}(item)
	}
	wg.Wait()

	summary.Pending += len(pending) - dispatched
	summary.Peak = w.gate.Peak()
	summary.Duration = time.Since(start)

	fields := []zap.Field{
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("pending", summary.Pending),
		zap.Int64("peak_in_flight", summary.Peak),
		zap.Duration("duration", summary.Duration),
	}
	if fatalErr != nil {
		w.logger.Error("partition aborted", append(fields, zap.Error(fatalErr))...)
		return summary, fmt.Errorf("partition %d: %w", w.partition.Index, fatalErr)
	}
	if summary.Pending > 0 && ctx.Err() != nil {
		w.logger.Warn("partition interrupted", fields...)
		return summary, fmt.Errorf("partition %d interrupted: %w", w.partition.Index, context.Cause(ctx))
	}
	w.logger.Info("partition finished", fields...)
	return summary, nil
}

// IsInterrupted reports whether err came from cancellation rather than a
// storage failure.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
