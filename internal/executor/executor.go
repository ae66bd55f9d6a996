// Package executor runs one work item through fetch, retry and persistence.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/progress"
	"github.com/parlcrawl/crawlkit/internal/retry"
)

// ErrPersist wraps storage failures. These are partition-level problems and
// are the only errors Execute returns. A payload refused for its size is an
// item failure instead.
var ErrPersist = errors.New("persist outcome")

// Pauser receives the partition-wide blocked signal.
type Pauser interface {
	Pause(d time.Duration)
	WaitPause(ctx context.Context) error
}

// Disposition is the end state of one Execute call.
type Disposition string

// Dispositions.
const (
	Succeeded Disposition = "succeeded"
	Failed    Disposition = "failed"
	// Pending means the item was interrupted before reaching a terminal
	// outcome and has no checkpoint; the next run picks it up.
	Pending Disposition = "pending"
)

// Report describes how an item was handled.
type Report struct {
	Item        crawl.WorkItem
	Disposition Disposition
	Attempts    []crawl.AttemptRecord
	Reason      string
}

// Config holds executor tunables.
type Config struct {
	Partition int
	// AttemptTimeout bounds a single fetch; zero disables it.
	AttemptTimeout time.Duration
	// PauseOnBlock pauses the partition when the target signals a block.
	PauseOnBlock bool
}

// Executor applies the retry policy around a Fetcher and records outcomes.
type Executor struct {
	cfg         Config
	fetcher     crawl.Fetcher
	policy      *retry.Policy
	results     crawl.ResultWriter
	checkpoints crawl.CheckpointWriter
	pauser      Pauser
	clock       crawl.Clock
	emitter     progress.Emitter
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Fetcher     crawl.Fetcher
	Policy      *retry.Policy
	Results     crawl.ResultWriter
	Checkpoints crawl.CheckpointWriter
	Pauser      Pauser
	Clock       crawl.Clock
	Emitter     progress.Emitter
	Logger      *zap.Logger
}

// New validates deps and returns an Executor.
func New(cfg Config, deps Deps) (*Executor, error) {
	if deps.Fetcher == nil || deps.Results == nil || deps.Checkpoints == nil {
		return nil, errors.New("executor requires fetcher, result writer and checkpoint writer")
	}
	if deps.Clock == nil {
		return nil, errors.New("executor requires clock")
	}
	if deps.Policy == nil {
		deps.Policy = retry.New(retry.DefaultConfig())
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Executor{
		cfg:         cfg,
		fetcher:     deps.Fetcher,
		policy:      deps.Policy,
		results:     deps.Results,
		checkpoints: deps.Checkpoints,
		pauser:      deps.Pauser,
		clock:       deps.Clock,
		emitter:     deps.Emitter,
		logger:      deps.Logger.With(zap.Int("partition", cfg.Partition)),
		sleep:       sleepCtx,
	}, nil
}

// Execute fetches item until it succeeds, fails permanently or exhausts its
// attempts. Fetch errors are absorbed into the report. The fetch itself runs
// detached from ctx cancellation so an in-flight request finishes; ctx only
// stops further attempts and backoff sleeps.
func (e *Executor) Execute(ctx context.Context, item crawl.WorkItem) (Report, error) {
	report := Report{Item: item, Disposition: Pending}
	logger := e.logger.With(zap.String("item_id", item.ID))

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return report, nil
		}
		if e.pauser != nil {
			if err := e.pauser.WaitPause(ctx); err != nil {
				return report, nil
			}
		}

		started := e.clock.Now()
		res, err := e.attempt(ctx, item)
		if err == nil {
			res.ItemID = item.ID
			if verr := res.Validate(); verr != nil {
				err = crawl.Permanent("invalid result", verr)
			}
		}
		rec := crawl.AttemptRecord{ItemID: item.ID, Attempt: attempt, At: started, Dur: e.clock.Now().Sub(started)}

		if err == nil {
			// persistence completes even once shutdown has begun
			perr := e.results.Append(context.WithoutCancel(ctx), res, attempt)
			switch {
			case errors.Is(perr, crawl.ErrPayloadTooLarge):
				err = crawl.Permanent("result rejected", perr)
			case perr != nil:
				return report, fmt.Errorf("%w: result %s: %w", ErrPersist, item.ID, perr)
			}
		}

		if err == nil {
			rec.Outcome = crawl.OutcomeSuccess
			report.Attempts = append(report.Attempts, rec)
			e.emitAttempt(rec)
			if perr := e.markDone(ctx, item, crawl.StatusSuccess, attempt, ""); perr != nil {
				return report, perr
			}
			report.Disposition = Succeeded
			logger.Debug("item succeeded", zap.Int("attempt", attempt))
			return report, nil
		}

		class := e.policy.Classify(err)
		rec.Err = err.Error()
		rec.Outcome = crawl.OutcomeTransientFailure
		if class == retry.ClassPermanent {
			rec.Outcome = crawl.OutcomePermanentFailure
		}
		report.Attempts = append(report.Attempts, rec)
		e.emitAttempt(rec)

		if !e.policy.ShouldRetry(class, attempt) {
			report.Reason = err.Error()
			if perr := e.markDone(ctx, item, crawl.StatusPermanentFailure, attempt, report.Reason); perr != nil {
				return report, perr
			}
			report.Disposition = Failed
			logger.Warn("item failed permanently",
				zap.String("ref", item.Ref),
				zap.Int("attempts", attempt),
				zap.String("class", class.String()),
				zap.Error(err),
			)
			return report, nil
		}

		delay := e.policy.Delay(attempt, class, retry.RetryAfter(err))
		if class == retry.ClassBlocked && e.cfg.PauseOnBlock && e.pauser != nil {
			e.pauser.Pause(delay)
		}
		logger.Info("retrying item",
			zap.Int("attempt", attempt),
			zap.String("class", class.String()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return report, nil
		}
	}
}

func (e *Executor) attempt(ctx context.Context, item crawl.WorkItem) (res crawl.Result, err error) {
	fetchCtx := context.WithoutCancel(ctx)
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, e.cfg.AttemptTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = crawl.Permanent(fmt.Sprintf("fetcher panic: %v", r), nil)
		}
	}()
	return e.fetcher.FetchAndExtract(fetchCtx, item)
}

func (e *Executor) markDone(ctx context.Context, item crawl.WorkItem, status crawl.Status, attempts int, reason string) error {
	entry := crawl.CheckpointEntry{
		ItemID:      item.ID,
		Ref:         item.Ref,
		Status:      status,
		Attempts:    attempts,
		Reason:      reason,
		Partition:   e.cfg.Partition,
		CompletedAt: e.clock.Now(),
	}
	if err := e.checkpoints.MarkDone(context.WithoutCancel(ctx), entry); err != nil {
		return fmt.Errorf("%w: checkpoint %s: %w", ErrPersist, item.ID, err)
	}
	e.emitter.Emit(progress.Event{
		TS:        entry.CompletedAt,
		Stage:     progress.StageItemDone,
		Partition: e.cfg.Partition,
		ItemID:    item.ID,
		Attempt:   attempts,
		Outcome:   string(status),
		Note:      reason,
	})
	return nil
}

func (e *Executor) emitAttempt(rec crawl.AttemptRecord) {
	e.emitter.Emit(progress.Event{
		TS:        rec.At,
		Stage:     progress.StageItemAttempt,
		Partition: e.cfg.Partition,
		ItemID:    rec.ItemID,
		Attempt:   rec.Attempt,
		Outcome:   string(rec.Outcome),
		Dur:       rec.Dur,
		Note:      rec.Err,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
