package crawl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchErrorsUnwrap(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("fetch: %w", Blocked("status 429", 3*time.Second, context.DeadlineExceeded))

	var transient *TransientFetchError
	require.ErrorAs(t, wrapped, &transient)
	require.True(t, transient.Blocked)
	require.Equal(t, 3*time.Second, transient.RetryAfter)
	require.ErrorIs(t, wrapped, context.DeadlineExceeded)
	require.Contains(t, wrapped.Error(), "blocked by target: status 429")

	perm := Permanent("status 404", nil)
	var permanent *PermanentFetchError
	require.ErrorAs(t, perm, &permanent)
	require.Equal(t, "permanent fetch error: status 404", perm.Error())
}

func TestPartitionCrashMessage(t *testing.T) {
	t.Parallel()

	err := &PartitionCrash{Partition: 2, Attempts: 3, Err: errors.New("exit status 1")}
	require.Equal(t, "partition 2 crashed after 3 attempt(s): exit status 1", err.Error())
	require.ErrorContains(t, errors.Unwrap(err), "exit status 1")
}

func TestValidateTypes(t *testing.T) {
	t.Parallel()

	require.NoError(t, WorkItem{ID: "2024-01-01", Ref: "x"}.Validate())
	require.Error(t, WorkItem{ID: " "}.Validate())
	require.Error(t, WorkItem{ID: "a\nb"}.Validate())

	require.NoError(t, Result{ItemID: "a", Payload: []byte(`{"k":1}`)}.Validate())
	require.Error(t, Result{ItemID: "a"}.Validate())
	require.Error(t, Result{ItemID: "a", Payload: []byte(`{"k":`)}.Validate())

	entry := CheckpointEntry{ItemID: "a", Status: StatusSuccess, Attempts: 1}
	require.NoError(t, entry.Validate())
	entry.Status = "done"
	require.Error(t, entry.Validate())
	entry.Status = StatusPermanentFailure
	entry.Attempts = 0
	require.Error(t, entry.Validate())
}
