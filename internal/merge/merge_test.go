package merge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/checkpoint"
	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/hash/sha256"
	"github.com/parlcrawl/crawlkit/internal/sink"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	t     *testing.T
	root  string
	clock *stepClock
	sink  *sink.FileSink
	store *checkpoint.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	fs, err := sink.NewFileSink(sink.Config{Dir: filepath.Join(root, "results"), DisableSync: true}, sha256.New(), clock, nil)
	require.NoError(t, err)
	return &fixture{
		t:     t,
		root:  root,
		clock: clock,
		sink:  fs,
		store: checkpoint.NewStore(filepath.Join(root, "checkpoints"), nil, checkpoint.WithoutSync()),
	}
}

func (f *fixture) success(partition int, id, payload string) {
	f.t.Helper()
	rs, err := f.sink.Shard(partition)
	require.NoError(f.t, err)
	require.NoError(f.t, rs.Append(context.Background(), crawl.Result{ItemID: id, Payload: json.RawMessage(payload)}, 1))
	require.NoError(f.t, rs.Close())
	f.mark(partition, id, crawl.StatusSuccess, "")
}

func (f *fixture) mark(partition int, id string, status crawl.Status, reason string) {
	f.t.Helper()
	cs, err := f.store.Shard(partition)
	require.NoError(f.t, err)
	require.NoError(f.t, cs.MarkDone(context.Background(), crawl.CheckpointEntry{
		ItemID: id, Status: status, Attempts: 1, Reason: reason, CompletedAt: f.clock.Now(),
	}))
	require.NoError(f.t, cs.Close())
}

func (f *fixture) merger() *Merger {
	return New(Config{
		ResultsDir:     filepath.Join(f.root, "results"),
		CheckpointsDir: filepath.Join(f.root, "checkpoints"),
		OutputDir:      f.root,
		FailureSamples: 5,
	}, sha256.New(), zap.NewNop())
}

func TestMergeCanonicalOutput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.success(1, "c", `{"n":3}`)
	f.success(0, "a", `{"n":1}`)
	f.mark(0, "b", crawl.StatusPermanentFailure, "status 404")

	report, err := f.merger().Merge(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, report.Duplicates)
	require.Len(t, report.FailureSamples, 1)
	require.Equal(t, "status 404", report.FailureSamples[0].Reason)

	records, err := ReadResults(f.root)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].ID)
	require.Equal(t, "c", records[1].ID)
	require.JSONEq(t, `{"n":3}`, string(records[1].Payload))

	onDisk, err := ReadReport(f.root)
	require.NoError(t, err)
	require.Equal(t, report.Succeeded, onDisk.Succeeded)
}

func TestMergeKeepsLatestDuplicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.success(0, "a", `{"v":"old"}`)
	f.success(1, "a", `{"v":"new"}`)

	report, err := f.merger().Merge(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Duplicates)
	require.Equal(t, 1, report.CheckpointDuplicates)
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, "part-0001.results.jsonl", report.Conflicts[0].Kept.Shard)
	require.Equal(t, "part-0000.results.jsonl", report.Conflicts[0].Discarded.Shard)

	records, err := ReadResults(f.root)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.JSONEq(t, `{"v":"new"}`, string(records[0].Payload))
}

func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.success(0, "b", `{"n":2}`)
	f.success(1, "a", `{"n":1}`)
	f.success(1, "b", `{"n":22}`)
	f.mark(0, "z", crawl.StatusPermanentFailure, "gone")

	read := func() [3][]byte {
		var out [3][]byte
		for i, name := range []string{ResultsFile, CheckpointsFile, ReportFile} {
			raw, err := os.ReadFile(filepath.Join(f.root, name))
			require.NoError(t, err)
			out[i] = raw
		}
		return out
	}

	_, err := f.merger().Merge(context.Background())
	require.NoError(t, err)
	first := read()
	_, err = f.merger().Merge(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, read())
}

func TestMergeDropsTornAndTamperedLines(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.success(0, "a", `{"n":1}`)

	path := sink.ShardPath(filepath.Join(f.root, "results"), 0)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = file.WriteString(`{"id":"b","partition":0,"attempt":1,"written_at":"2024-01-01T00:00:00Z","sum":"bogus","payload":{"x":1}}` + "\n" + `{"id":"c","pay`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	report, err := f.merger().Merge(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.ResultLines.Torn)
	require.Equal(t, 1, report.ChecksumFailures)
	require.Equal(t, 1, report.Succeeded)
}

func TestMergeExcludesUnconfirmedResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.success(0, "a", `{"n":1}`)
	rs, err := f.sink.Shard(0)
	require.NoError(t, err)
	// crash between result and checkpoint
	require.NoError(t, rs.Append(context.Background(), crawl.Result{ItemID: "b", Payload: json.RawMessage(`{}`)}, 1))
	require.NoError(t, rs.Close())
	f.mark(1, "lost", crawl.StatusSuccess, "")

	report, err := f.merger().Merge(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Unconfirmed)
	require.Equal(t, 1, report.MissingResults)
	require.Equal(t, 1, report.Succeeded)
}

func TestReadResultsWithoutMerge(t *testing.T) {
	t.Parallel()

	_, err := ReadResults(t.TempDir())
	require.ErrorContains(t, err, "run merge first")
}
