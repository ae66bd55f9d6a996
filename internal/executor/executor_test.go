package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/checkpoint"
	"github.com/parlcrawl/crawlkit/internal/clock/system"
	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/hash/sha256"
	"github.com/parlcrawl/crawlkit/internal/journal"
	"github.com/parlcrawl/crawlkit/internal/retry"
	"github.com/parlcrawl/crawlkit/internal/sink"
)

// scriptedFetcher returns the queued errors in order, then succeeds.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []error
	calls  int
	before func(call int)
}

func (f *scriptedFetcher) FetchAndExtract(_ context.Context, item crawl.WorkItem) (crawl.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	var err error
	if call <= len(f.script) {
		err = f.script[call-1]
	}
	f.mu.Unlock()
	if f.before != nil {
		f.before(call)
	}
	if err != nil {
		return crawl.Result{}, err
	}
	return crawl.Result{Payload: json.RawMessage(`{"ref":"` + item.Ref + `"}`)}, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recorder captures writes in call order.
type recorder struct {
	mu          sync.Mutex
	ops         []string
	results     []crawl.Result
	checkpoints []crawl.CheckpointEntry
	failResults error
}

func (r *recorder) Append(_ context.Context, res crawl.Result, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failResults != nil {
		return r.failResults
	}
	r.ops = append(r.ops, "result:"+res.ItemID)
	r.results = append(r.results, res)
	return nil
}

func (r *recorder) MarkDone(_ context.Context, entry crawl.CheckpointEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "checkpoint:"+entry.ItemID)
	r.checkpoints = append(r.checkpoints, entry)
	return nil
}

type fakePauser struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (p *fakePauser) Pause(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses = append(p.pauses, d)
}

func (p *fakePauser) WaitPause(ctx context.Context) error { return ctx.Err() }

func fastPolicy() *retry.Policy {
	return retry.New(retry.Config{
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		BlockedBaseDelay: time.Millisecond,
	})
}

func newExecutor(t *testing.T, f crawl.Fetcher, rec *recorder, pauser Pauser) *Executor {
	t.Helper()
	exec, err := New(Config{Partition: 1, PauseOnBlock: true}, Deps{
		Fetcher:     f,
		Policy:      fastPolicy(),
		Results:     rec,
		Checkpoints: rec,
		Pauser:      pauser,
		Clock:       system.New(),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return exec
}

var item = crawl.WorkItem{ID: "2024-01-05", Ref: "https://example.test/?d=2024-01-05"}

func TestExecuteTransientThenSuccess(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{script: []error{crawl.Transient("reset", nil), context.DeadlineExceeded}}
	rec := &recorder{}
	report, err := newExecutor(t, f, rec, nil).Execute(context.Background(), item)
	require.NoError(t, err)

	require.Equal(t, Succeeded, report.Disposition)
	require.Equal(t, 3, f.Calls())
	require.Len(t, report.Attempts, 3)
	require.Equal(t, crawl.OutcomeTransientFailure, report.Attempts[0].Outcome)
	require.Equal(t, crawl.OutcomeSuccess, report.Attempts[2].Outcome)
	require.Equal(t, []string{"result:" + item.ID, "checkpoint:" + item.ID}, rec.ops)
	require.Equal(t, 3, rec.checkpoints[0].Attempts)
	require.Equal(t, crawl.StatusSuccess, rec.checkpoints[0].Status)
	require.Equal(t, 1, rec.checkpoints[0].Partition)
}

func TestExecuteNeverExceedsMaxAttempts(t *testing.T) {
	t.Parallel()

	script := make([]error, 10)
	for i := range script {
		script[i] = crawl.Transient("timeout", nil)
	}
	f := &scriptedFetcher{script: script}
	rec := &recorder{}
	report, err := newExecutor(t, f, rec, nil).Execute(context.Background(), item)
	require.NoError(t, err)

	require.Equal(t, 3, f.Calls())
	require.Equal(t, Failed, report.Disposition)
	require.Empty(t, rec.results)
	require.Len(t, rec.checkpoints, 1)
	require.Equal(t, crawl.StatusPermanentFailure, rec.checkpoints[0].Status)
	require.Equal(t, 3, rec.checkpoints[0].Attempts)
	require.Contains(t, rec.checkpoints[0].Reason, "timeout")
}

func TestExecutePermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{script: []error{crawl.Permanent("status 404", nil)}}
	rec := &recorder{}
	report, err := newExecutor(t, f, rec, nil).Execute(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, 1, f.Calls())
	require.Equal(t, Failed, report.Disposition)
	require.Equal(t, crawl.OutcomePermanentFailure, report.Attempts[0].Outcome)
	require.Equal(t, "permanent fetch error: status 404", report.Reason)
}

func TestExecuteBlockedPausesPartition(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{script: []error{crawl.Blocked("status 429", 5*time.Millisecond, nil)}}
	rec := &recorder{}
	pauser := &fakePauser{}
	report, err := newExecutor(t, f, rec, pauser).Execute(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, Succeeded, report.Disposition)
	require.Len(t, pauser.pauses, 1)
	require.GreaterOrEqual(t, pauser.pauses[0], 5*time.Millisecond)
}

func TestExecuteCancelDuringBackoffLeavesPending(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &scriptedFetcher{
		script: []error{crawl.Transient("reset", nil)},
		before: func(int) { cancel() },
	}
	rec := &recorder{}
	exec := newExecutor(t, f, rec, nil)
	exec.policy = retry.New(retry.Config{BaseDelay: time.Hour, MaxDelay: time.Hour})

	report, err := exec.Execute(ctx, item)
	require.NoError(t, err)
	require.Equal(t, Pending, report.Disposition)
	require.Equal(t, 1, f.Calls())
	require.Empty(t, rec.ops)
}

func TestExecuteInFlightFetchSurvivesCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var sawCanceled bool
	f := crawl.FetcherFunc(func(fctx context.Context, it crawl.WorkItem) (crawl.Result, error) {
		cancel()
		sawCanceled = fctx.Err() != nil
		return crawl.Result{Payload: json.RawMessage(`{}`)}, nil
	})
	rec := &recorder{}
	report, err := newExecutor(t, f, rec, nil).Execute(ctx, item)
	require.NoError(t, err)
	require.False(t, sawCanceled)
	require.Equal(t, Succeeded, report.Disposition)
	require.Len(t, rec.checkpoints, 1)
}

func TestExecuteRecoversFetcherPanic(t *testing.T) {
	t.Parallel()

	f := crawl.FetcherFunc(func(context.Context, crawl.WorkItem) (crawl.Result, error) {
		panic("selector exploded")
	})
	rec := &recorder{}
	report, err := newExecutor(t, f, rec, nil).Execute(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, Failed, report.Disposition)
	require.Contains(t, report.Reason, "selector exploded")
}

func TestExecuteInvalidPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	f := crawl.FetcherFunc(func(context.Context, crawl.WorkItem) (crawl.Result, error) {
		return crawl.Result{Payload: json.RawMessage(`{"broken"`)}, nil
	})
	rec := &recorder{}
	report, err := newExecutor(t, f, rec, nil).Execute(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, Failed, report.Disposition)
	require.Empty(t, rec.results)
}

func TestExecuteAttemptTimeout(t *testing.T) {
	t.Parallel()

	f := crawl.FetcherFunc(func(ctx context.Context, _ crawl.WorkItem) (crawl.Result, error) {
		<-ctx.Done()
		return crawl.Result{}, ctx.Err()
	})
	rec := &recorder{}
	exec := newExecutor(t, f, rec, nil)
	exec.cfg.AttemptTimeout = 5 * time.Millisecond

	report, err := exec.Execute(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, report.Attempts, 3)
	require.Equal(t, crawl.OutcomeTransientFailure, report.Attempts[0].Outcome)
	require.Equal(t, Failed, report.Disposition)
}

func TestExecutePersistFailureSurfaces(t *testing.T) {
	t.Parallel()

	rec := &recorder{failResults: errors.New("disk full")}
	_, err := newExecutor(t, &scriptedFetcher{}, rec, nil).Execute(context.Background(), item)
	require.ErrorIs(t, err, ErrPersist)
	require.Empty(t, rec.checkpoints)
}

func TestExecuteOversizedPayloadFailsItem(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs, err := sink.NewFileSink(sink.Config{Dir: dir, MaxPayloadBytes: 8, DisableSync: true}, sha256.New(), system.New(), nil)
	require.NoError(t, err)
	results, err := fs.Shard(0)
	require.NoError(t, err)
	rec := &recorder{}

	f := &scriptedFetcher{}
	exec, err := New(Config{}, Deps{
		Fetcher: f, Policy: fastPolicy(), Results: results, Checkpoints: rec, Clock: system.New(),
	})
	require.NoError(t, err)
	report, err := exec.Execute(context.Background(), item)
	require.NoError(t, err)
	require.NoError(t, results.Close())

	require.Equal(t, Failed, report.Disposition)
	require.Equal(t, 1, f.Calls())
	require.Len(t, report.Attempts, 1)
	require.Equal(t, crawl.OutcomePermanentFailure, report.Attempts[0].Outcome)
	require.Contains(t, report.Reason, "payload too large")

	require.Len(t, rec.checkpoints, 1)
	require.Equal(t, crawl.StatusPermanentFailure, rec.checkpoints[0].Status)
	require.Equal(t, 1, rec.checkpoints[0].Attempts)

	stats, err := journal.Scan(sink.ShardPath(dir, 0), func(sink.Record, int) error { return nil })
	require.NoError(t, err)
	require.Zero(t, stats.Records)
}

// TestExecuteWritesOneResultLine runs against the real shard files.
func TestExecuteWritesOneResultLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fs, err := sink.NewFileSink(sink.Config{Dir: dir, DisableSync: true}, sha256.New(), system.New(), nil)
	require.NoError(t, err)
	results, err := fs.Shard(0)
	require.NoError(t, err)
	store := checkpoint.NewStore(dir, nil, checkpoint.WithoutSync())
	shard, err := store.Shard(0)
	require.NoError(t, err)

	f := &scriptedFetcher{script: []error{crawl.Transient("a", nil), crawl.Transient("b", nil)}}
	exec, err := New(Config{}, Deps{
		Fetcher: f, Policy: fastPolicy(), Results: results, Checkpoints: shard, Clock: system.New(),
	})
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), item)
	require.NoError(t, err)
	require.NoError(t, results.Close())
	require.NoError(t, shard.Close())

	stats, err := journal.Scan(sink.ShardPath(dir, 0), func(sink.Record, int) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, stats.Records)

	set, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, set[item.ID].Attempts)
	require.Equal(t, crawl.StatusSuccess, set[item.ID].Status)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Fetcher: &scriptedFetcher{}, Results: &recorder{}, Checkpoints: &recorder{}})
	require.ErrorContains(t, err, "clock")
}
