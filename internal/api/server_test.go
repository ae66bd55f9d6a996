package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/orchestrator"
	"github.com/parlcrawl/crawlkit/internal/progress"
	"github.com/parlcrawl/crawlkit/internal/progress/sinks"
)

type fakeSource struct {
	snap orchestrator.Snapshot
}

func (f *fakeSource) Snapshot() orchestrator.Snapshot { return f.snap }

func runningSnapshot() orchestrator.Snapshot {
	return orchestrator.Snapshot{
		RunID:     "0190b1c2-0000-7000-8000-000000000001",
		Job:       "sittings",
		State:     orchestrator.StateRunning,
		StartedAt: time.Now().Add(-time.Minute),
		Items:     10,
		Skipped:   2,
		Partitions: []orchestrator.PartitionStatus{
			{Index: 0, Items: 5, Pending: 3, State: orchestrator.PartitionRunning, Attempts: 1},
			{Index: 1, Items: 5, Pending: 5, State: orchestrator.PartitionPending},
		},
	}
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()

	src := &fakeSource{snap: orchestrator.Snapshot{State: orchestrator.StatePlanning}}
	s := NewServer(src, nil, prometheus.NewRegistry(), zap.NewNop())

	rec := do(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	src.snap.State = orchestrator.StateRunning
	rec = do(t, s, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "RUNNING")
}

func TestServer_StatusJoinsTally(t *testing.T) {
	t.Parallel()

	tally := sinks.NewTally()
	require.NoError(t, tally.Consume(context.Background(), []progress.Event{
		{Stage: progress.StageItemAttempt, Partition: 0},
		{Stage: progress.StageItemAttempt, Partition: 0},
		{Stage: progress.StageItemDone, Partition: 0, Outcome: "success"},
		{Stage: progress.StageItemAttempt, Partition: 0},
		{Stage: progress.StageItemDone, Partition: 0, Outcome: "permanent_failure"},
	}))
	s := NewServer(&fakeSource{snap: runningSnapshot()}, tally, prometheus.NewRegistry(), nil)

	rec := do(t, s, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "sittings", resp.Job)
	require.Equal(t, orchestrator.StateRunning, resp.State)
	require.Equal(t, 10, resp.Items)
	require.NotEmpty(t, resp.Uptime)
	require.Len(t, resp.Partitions, 2)
	require.NotNil(t, resp.Partitions[0].Counts)
	require.Equal(t, sinks.Counts{Attempts: 3, Succeeded: 1, Failed: 1}, *resp.Partitions[0].Counts)
	require.Nil(t, resp.Partitions[1].Counts)
	require.Equal(t, 3, resp.Totals.Attempts)
	require.Equal(t, orchestrator.PartitionRunning, resp.Partitions[0].State)
}

func TestServer_Partition(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeSource{snap: runningSnapshot()}, nil, prometheus.NewRegistry(), nil)

	tests := []struct {
		path string
		code int
	}{
		{path: "/v1/partitions/1", code: http.StatusOK},
		{path: "/v1/partitions/2", code: http.StatusNotFound},
		{path: "/v1/partitions/-1", code: http.StatusBadRequest},
		{path: "/v1/partitions/x", code: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			rec := do(t, s, tc.path)
			require.Equal(t, tc.code, rec.Code)
		})
	}

	rec := do(t, s, "/v1/partitions/1")
	var view PartitionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, 1, view.Index)
	require.Equal(t, 5, view.Pending)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := sinks.NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{Stage: progress.StageRunStart}}))

	s := NewServer(&fakeSource{snap: runningSnapshot()}, nil, reg, nil)
	require.Equal(t, http.StatusOK, do(t, s, "/v1/partitions/0").Code)
	rec := do(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "crawlkit_runs_started_total 1")
	require.Contains(t, body, `crawlkit_http_requests_total{code="200",method="GET",route="/v1/partitions/{partition}"} 1`)
}

type panicSource struct{}

func (panicSource) Snapshot() orchestrator.Snapshot { panic("boom") }

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	s := NewServer(panicSource{}, nil, prometheus.NewRegistry(), nil)
	rec := do(t, s, "/v1/status")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(&fakeSource{snap: runningSnapshot()}, nil, prometheus.NewRegistry(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	url := fmt.Sprintf("http://%s/healthz", ln.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
