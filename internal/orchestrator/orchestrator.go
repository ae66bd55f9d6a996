package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/checkpoint"
	"github.com/parlcrawl/crawlkit/internal/clock/system"
	"github.com/parlcrawl/crawlkit/internal/config"
	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/dispatcher"
	"github.com/parlcrawl/crawlkit/internal/enumerate"
	"github.com/parlcrawl/crawlkit/internal/executor"
	"github.com/parlcrawl/crawlkit/internal/export"
	"github.com/parlcrawl/crawlkit/internal/gate"
	"github.com/parlcrawl/crawlkit/internal/hash/sha256"
	iduuid "github.com/parlcrawl/crawlkit/internal/id/uuid"
	"github.com/parlcrawl/crawlkit/internal/merge"
	"github.com/parlcrawl/crawlkit/internal/partition"
	"github.com/parlcrawl/crawlkit/internal/progress"
	"github.com/parlcrawl/crawlkit/internal/progress/sinks"
	"github.com/parlcrawl/crawlkit/internal/retry"
	"github.com/parlcrawl/crawlkit/internal/sink"
	"github.com/parlcrawl/crawlkit/internal/worker"
)

// State is a step of the run state machine.
type State string

// Run states.
const (
	StatePlanning      State = "PLANNING"
	StateDispatching   State = "DISPATCHING"
	StateRunning       State = "RUNNING"
	StatePartitionDone State = "PARTITION_DONE"
	StateMerging       State = "MERGING"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// Partition states reported in snapshots.
const (
	PartitionPending     = "pending"
	PartitionRunning     = "running"
	PartitionDone        = "done"
	PartitionCrashed     = "crashed"
	PartitionInterrupted = "interrupted"
)

// ErrIncomplete is returned by Run when the job ends in FAILED. The wrapped
// errors name each partition that did not finish.
var ErrIncomplete = errors.New("crawl incomplete")

// PartitionStatus describes one partition in a snapshot.
type PartitionStatus struct {
	Index    int    `json:"index"`
	Items    int    `json:"items"`
	Pending  int    `json:"pending"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of a run for the status server.
type Snapshot struct {
	RunID      string            `json:"run_id"`
	Job        string            `json:"job"`
	State      State             `json:"state"`
	StartedAt  time.Time         `json:"started_at"`
	Items      int               `json:"items"`
	Skipped    int               `json:"skipped"`
	Partitions []PartitionStatus `json:"partitions"`
}

// Deps are the collaborators of an Orchestrator. Only Fetcher is required for
// in-process runs and worker processes. Pages targets also need it in the
// parent to probe for the last page.
type Deps struct {
	Fetcher crawl.Fetcher
	// Enumerator overrides the configured target.
	Enumerator crawl.Enumerator
	// Launcher overrides how partitions are started. Process mode requires
	// one; in-process mode defaults to RunPartition.
	Launcher  dispatcher.Launcher
	Exporters []export.Exporter
	// Sinks receive progress events in addition to the log sink.
	Sinks []progress.Sink
	// RunID fixes the run identifier; worker processes use it to join the
	// parent's run.
	RunID  string
	Clock  crawl.Clock
	Hasher crawl.Hasher
	Logger *zap.Logger
}

// Plan is the enumerated work space split into partitions.
type Plan struct {
	Items      []crawl.WorkItem
	Partitions []crawl.Partition
	Digest     string
}

// Orchestrator runs one crawl job.
type Orchestrator struct {
	cfg     config.Config
	deps    Deps
	runID   uuid.UUID
	logger  *zap.Logger
	store   *checkpoint.Store
	results *sink.FileSink
	policy  *retry.Policy
	hub     *progress.Hub

	planOnce sync.Once
	plan     Plan
	planErr  error

	mu   sync.RWMutex
	snap Snapshot
}

// New validates cfg and wires the storage layer.
func New(cfg config.Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	var runID uuid.UUID
	var err error
	if deps.RunID != "" {
		runID, err = iduuid.Parse(deps.RunID)
	} else {
		runID, err = iduuid.New().NewRawID()
	}
	if err != nil {
		return nil, err
	}
	logger := deps.Logger.With(zap.String("run_id", runID.String()))

	var storeOpts []checkpoint.Option
	if !cfg.Output.Fsync {
		storeOpts = append(storeOpts, checkpoint.WithoutSync())
	}
	results, err := sink.NewFileSink(sink.Config{
		Dir:             cfg.Output.ResultsDir(),
		MaxPayloadBytes: cfg.Output.MaxPayloadBytes,
		DisableSync:     !cfg.Output.Fsync,
	}, deps.Hasher, deps.Clock, logger)
	if err != nil {
		return nil, err
	}

	hubSinks := append([]progress.Sink{sinks.NewLogSink(logger)}, deps.Sinks...)
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		runID:   runID,
		logger:  logger,
		store:   checkpoint.NewStore(cfg.Output.CheckpointsDir(), logger, storeOpts...),
		results: results,
		policy: retry.New(retry.Config{
			MaxAttempts:      cfg.Retry.MaxAttempts,
			BaseDelay:        cfg.Retry.BaseDelay,
			MaxDelay:         cfg.Retry.MaxDelay,
			JitterMin:        cfg.Retry.JitterMin,
			JitterMax:        cfg.Retry.JitterMax,
			BlockedBaseDelay: cfg.Retry.BlockedBaseDelay,
		}),
		hub: progress.NewHub(progress.Config{Logger: logger}, hubSinks...),
	}
	o.snap = Snapshot{RunID: runID.String(), Job: cfg.Job.Name, State: StatePlanning}
	return o, nil
}

// RunID returns the run identifier.
func (o *Orchestrator) RunID() string { return o.runID.String() }

// Close drains progress sinks.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.hub.Close(ctx)
}

// Snapshot returns the current run state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snap := o.snap
	snap.Partitions = append([]PartitionStatus(nil), o.snap.Partitions...)
	return snap
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.snap.State = s
	o.mu.Unlock()
	o.logger.Info("run state", zap.String("state", string(s)))
}

func (o *Orchestrator) updatePartition(index int, fn func(*PartitionStatus)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if index >= 0 && index < len(o.snap.Partitions) {
		fn(&o.snap.Partitions[index])
	}
}

func (o *Orchestrator) emit(stage progress.Stage, partition int, note string) {
	o.hub.Emit(progress.Event{
		RunID:     progress.UUIDToBytes(o.runID),
		TS:        o.deps.Clock.Now(),
		Stage:     stage,
		Partition: partition,
		Note:      note,
	})
}

// Plan enumerates the work space and splits it. The result is computed once
// per Orchestrator and is identical across invocations with the same config.
func (o *Orchestrator) Plan(ctx context.Context) (Plan, error) {
	o.planOnce.Do(func() {
		enum := o.deps.Enumerator
		if enum == nil {
			target, err := o.target()
			if err != nil {
				o.planErr = err
				return
			}
			built, err := enumerate.Build(target)
			if err != nil {
				o.planErr = fmt.Errorf("build enumerator: %w", err)
				return
			}
			enum = built
		}
		items, err := enumerate.Collect(ctx, enum)
		if err != nil {
			o.planErr = fmt.Errorf("enumerate work space: %w", err)
			return
		}
		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		o.plan = Plan{
			Items:      items,
			Partitions: partition.Split(items, o.cfg.Concurrency.Processes),
			Digest:     sha256.Digest(ids),
		}
	})
	return o.plan, o.planErr
}

// RunPartition processes partition index to completion. Both launchers end
// up here: directly in-process, or via the worker subcommand in a child.
func (o *Orchestrator) RunPartition(ctx context.Context, index int) (worker.Summary, error) {
	if o.deps.Fetcher == nil {
		return worker.Summary{}, errors.New("run partition: fetcher is required")
	}
	plan, err := o.Plan(ctx)
	if err != nil {
		return worker.Summary{}, err
	}
	if index < 0 || index >= len(plan.Partitions) {
		return worker.Summary{}, fmt.Errorf("partition %d out of range [0,%d)", index, len(plan.Partitions))
	}
	part := plan.Partitions[index]

	done, err := o.store.Load(ctx)
	if err != nil {
		return worker.Summary{}, err
	}
	results, err := o.results.Shard(index)
	if err != nil {
		return worker.Summary{}, err
	}
	defer closeQuietly(o.logger, "result shard", results.Close)
	checkpoints, err := o.store.Shard(index)
	if err != nil {
		return worker.Summary{}, err
	}
	defer closeQuietly(o.logger, "checkpoint shard", checkpoints.Close)

	g := gate.New(o.cfg.Concurrency.PerPartition, gate.WithPacer(gate.NewPacer(gate.PacerConfig{
		RatePerSecond: o.cfg.Concurrency.RatePerSecond,
		Burst:         o.cfg.Concurrency.Burst,
		MinDelay:      o.cfg.Concurrency.PolitenessMin,
		MaxDelay:      o.cfg.Concurrency.PolitenessMax,
	})))
	exec, err := executor.New(executor.Config{
		Partition:      index,
		AttemptTimeout: o.cfg.Retry.AttemptTimeout,
		PauseOnBlock:   o.cfg.Retry.PauseOnBlock,
	}, executor.Deps{
		Fetcher:     o.deps.Fetcher,
		Policy:      o.policy,
		Results:     results,
		Checkpoints: checkpoints,
		Pauser:      g,
		Clock:       o.deps.Clock,
		Emitter:     progress.Scoped{Emitter: o.hub, RunID: progress.UUIDToBytes(o.runID), Partition: index},
		Logger:      o.logger,
	})
	if err != nil {
		return worker.Summary{}, err
	}
	return worker.New(part, done, exec, g, o.logger).Run(ctx)
}

// Run executes the whole state machine. The returned summary is always
// populated; the error wraps ErrIncomplete when the job ends in FAILED.
func (o *Orchestrator) Run(ctx context.Context) (crawl.RunSummary, error) {
	started := o.deps.Clock.Now()
	summary := crawl.RunSummary{
		RunID:     o.runID.String(),
		Job:       o.cfg.Job.Name,
		StartedAt: started,
		OutputDir: o.cfg.Output.Dir,
	}
	o.mu.Lock()
	o.snap.StartedAt = started
	o.mu.Unlock()
	o.emit(progress.StageRunStart, -1, "")

	o.setState(StatePlanning)
	plan, manifest, done, err := o.prepare(ctx, started)
	if err != nil {
		return o.finish(ctx, summary, manifest, nil, err)
	}
	summary.Invocation = manifest.Runs
	summary.Items = len(plan.Items)
	summary.Partitions = len(plan.Partitions)

	launch := make([]int, 0, len(plan.Partitions))
	statuses := make([]PartitionStatus, len(plan.Partitions))
	skipped := 0
	for i, part := range plan.Partitions {
		pending := 0
		for _, item := range part.Items {
			if !done.Has(item.ID) {
				pending++
			}
		}
		skipped += len(part.Items) - pending
		statuses[i] = PartitionStatus{Index: i, Items: len(part.Items), Pending: pending, State: PartitionPending}
		if pending == 0 {
			statuses[i].State = PartitionDone
			continue
		}
		launch = append(launch, i)
	}
	o.mu.Lock()
	o.snap.Items = len(plan.Items)
	o.snap.Skipped = skipped
	o.snap.Partitions = statuses
	o.mu.Unlock()
	o.logger.Info("plan ready",
		zap.Int("items", len(plan.Items)),
		zap.Int("partitions", len(plan.Partitions)),
		zap.Int("already_done", skipped),
		zap.Int("to_launch", len(launch)),
	)

	o.setState(StateDispatching)
	launcher, err := o.launcher()
	if err != nil {
		return o.finish(ctx, summary, manifest, plan.Items, err)
	}
	disp := dispatcher.New(launcher, dispatcher.Config{
		Processes:        o.cfg.Concurrency.Processes,
		PartitionRetries: o.cfg.Concurrency.PartitionRetries,
		RetryDelay:       o.cfg.Concurrency.RelaunchDelay,
	}, o.logger)

	o.setState(StateRunning)
	results := disp.Run(ctx, launch, dispatcher.Hooks{
		OnStart: func(p, attempt int) {
			o.updatePartition(p, func(s *PartitionStatus) {
				s.State = PartitionRunning
				s.Attempts = attempt
			})
			o.emit(progress.StagePartitionStart, p, fmt.Sprintf("attempt %d", attempt))
		},
		OnFinish: func(res dispatcher.Result) {
			o.updatePartition(res.Partition, func(s *PartitionStatus) {
				s.Attempts = res.Attempts
				switch {
				case res.Err == nil:
					s.State = PartitionDone
				case dispatcher.IsCrash(res.Err):
					s.State = PartitionCrashed
					s.Error = res.Err.Error()
				default:
					s.State = PartitionInterrupted
					s.Error = res.Err.Error()
				}
			})
			if res.Err != nil {
				o.emit(progress.StagePartitionCrash, res.Partition, res.Err.Error())
				return
			}
			o.emit(progress.StagePartitionDone, res.Partition, "")
		},
	})

	var partErrs []error
	for _, res := range dispatcher.Failed(results) {
		partErrs = append(partErrs, res.Err)
		summary.Crashed = append(summary.Crashed, res.Partition)
	}
	if len(partErrs) == 0 {
		o.setState(StatePartitionDone)
	}
	return o.finish(ctx, summary, manifest, plan.Items, errors.Join(partErrs...))
}

// prepare enumerates, records the invocation in the manifest and loads the
// checkpoint set.
func (o *Orchestrator) prepare(ctx context.Context, started time.Time) (Plan, Manifest, checkpoint.Set, error) {
	manifest, err := ReadManifest(o.cfg.Output.Dir)
	if err != nil {
		return Plan{}, manifest, nil, err
	}
	plan, err := o.Plan(ctx)
	if err != nil {
		return Plan{}, manifest, nil, err
	}
	if manifest.Runs > 0 && manifest.Digest != plan.Digest {
		o.logger.Warn("work space changed since last run; checkpoints are matched by id",
			zap.Int("previous_items", manifest.Items),
			zap.Int("items", len(plan.Items)),
		)
	}
	if manifest.FirstRunAt.IsZero() {
		manifest.FirstRunAt = started
	}
	manifest.Job = o.cfg.Job.Name
	manifest.Digest = plan.Digest
	manifest.Items = len(plan.Items)
	manifest.Partitions = len(plan.Partitions)
	manifest.Runs++
	manifest.LastRunID = o.runID.String()
	manifest.LastRunAt = started
	manifest.LastState = string(StateRunning)
	if err := WriteManifest(o.cfg.Output.Dir, manifest); err != nil {
		return plan, manifest, nil, err
	}
	done, err := o.store.Load(ctx)
	if err != nil {
		return plan, manifest, nil, err
	}
	return plan, manifest, done, nil
}

func (o *Orchestrator) launcher() (dispatcher.Launcher, error) {
	if o.deps.Launcher != nil {
		return o.deps.Launcher, nil
	}
	if o.cfg.Concurrency.Mode == config.ModeProcess {
		return nil, errors.New("process mode requires a launcher")
	}
	return dispatcher.LauncherFunc(func(ctx context.Context, p int) error {
		_, err := o.RunPartition(ctx, p)
		return err
	}), nil
}

// finish merges, tallies, writes the summary and runs exports. Merge and
// bookkeeping ignore cancellation so an interrupted run still leaves
// consistent canonical output.
func (o *Orchestrator) finish(
	ctx context.Context,
	summary crawl.RunSummary,
	manifest Manifest,
	items []crawl.WorkItem,
	runErr error,
) (crawl.RunSummary, error) {
	bg := context.WithoutCancel(ctx)

	if manifest.Runs > 0 {
		o.setState(StateMerging)
		report, err := merge.New(merge.Config{
			ResultsDir:     o.cfg.Output.ResultsDir(),
			CheckpointsDir: o.cfg.Output.CheckpointsDir(),
			OutputDir:      o.cfg.Output.Dir,
			FailureSamples: o.cfg.Merge.FailureSamples,
		}, o.deps.Hasher, o.logger).Merge(bg)
		if err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("merge: %w", err))
		}
		summary.Unconfirmed = report.Unconfirmed
		summary.FailureSamples = report.FailureSamples
	}

	if done, err := o.store.Load(bg); err != nil {
		runErr = errors.Join(runErr, err)
	} else {
		for _, item := range items {
			entry, ok := done[item.ID]
			switch {
			case !ok:
				summary.Pending++
			case entry.Status == crawl.StatusSuccess:
				summary.Succeeded++
			default:
				summary.Failed++
			}
		}
	}

	state := StateDone
	if runErr != nil {
		state = StateFailed
		summary.Error = runErr.Error()
	}
	summary.State = string(state)
	summary.FinishedAt = o.deps.Clock.Now()
	sort.Ints(summary.Crashed)
	o.setState(state)

	if manifest.Runs > 0 {
		manifest.LastState = string(state)
		if err := WriteManifest(o.cfg.Output.Dir, manifest); err != nil {
			o.logger.Error("write manifest", zap.Error(err))
		}
	}
	if err := WriteSummary(o.cfg.Output.Dir, summary); err != nil {
		o.logger.Error("write summary", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("state", summary.State),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("pending", summary.Pending),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if runErr != nil {
		o.emit(progress.StageRunError, -1, runErr.Error())
		o.logger.Error("run failed", append(fields, zap.Error(runErr))...)
		return summary, fmt.Errorf("%w: %w", ErrIncomplete, runErr)
	}

	o.emit(progress.StageRunDone, -1, "")
	o.logger.Info("run complete", fields...)
	if len(o.deps.Exporters) > 0 {
		if err := export.Run(bg, o.deps.Exporters, summary, o.logger); err != nil {
			o.logger.Warn("exports incomplete", zap.Error(err))
		}
	}
	return summary, nil
}

func closeQuietly(logger *zap.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn("close failed", zap.String("what", what), zap.Error(err))
	}
}
