package crawl

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateItem signals that enumeration produced the same ID twice.
var ErrDuplicateItem = errors.New("duplicate work item id")

// ErrPayloadTooLarge is returned by a ResultWriter that refuses a payload
// over its size limit. It is an outcome of the item, not a storage failure.
var ErrPayloadTooLarge = errors.New("payload too large")

// TransientFetchError marks a failure worth retrying: timeouts, resets and
// rate limiting. Blocked is set when the target is refusing service, which
// pauses the whole partition rather than only the item.
type TransientFetchError struct {
	Reason     string
	Blocked    bool
	RetryAfter time.Duration
	Err        error
}

func (e *TransientFetchError) Error() string {
	prefix := "transient fetch error"
	if e.Blocked {
		prefix = "blocked by target"
	}
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", prefix, e.Reason)
	default:
		return prefix
	}
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError marks a failure that will not improve on retry.
type PermanentFetchError struct {
	Reason string
	Err    error
}

func (e *PermanentFetchError) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("permanent fetch error: %s: %v", e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("permanent fetch error: %v", e.Err)
	case e.Reason != "":
		return "permanent fetch error: " + e.Reason
	default:
		return "permanent fetch error"
	}
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(reason string, err error) error {
	return &TransientFetchError{Reason: reason, Err: err}
}

// Blocked wraps err as a rate-limit or block signal.
func Blocked(reason string, retryAfter time.Duration, err error) error {
	return &TransientFetchError{Reason: reason, Blocked: true, RetryAfter: retryAfter, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(reason string, err error) error {
	return &PermanentFetchError{Reason: reason, Err: err}
}

// PartitionCrash reports a partition that exited abnormally after all
// relaunches. Its pending items are picked up by the next invocation.
type PartitionCrash struct {
	Partition int
	Attempts  int
	Err       error
}

func (e *PartitionCrash) Error() string {
	return fmt.Sprintf("partition %d crashed after %d attempt(s): %v", e.Partition, e.Attempts, e.Err)
}

func (e *PartitionCrash) Unwrap() error { return e.Err }

// ShardPosition locates a line in a shard file.
type ShardPosition struct {
	Shard string `json:"shard"`
	Line  int    `json:"line"`
}

// MergeConflict records a duplicate ID found across shards. The later entry
// is kept and the earlier one discarded.
type MergeConflict struct {
	ItemID    string        `json:"id"`
	Kept      ShardPosition `json:"kept"`
	Discarded ShardPosition `json:"discarded"`
}

func (e *MergeConflict) Error() string {
	return fmt.Sprintf("duplicate item %s: kept %s:%d, discarded %s:%d",
		e.ItemID, e.Kept.Shard, e.Kept.Line, e.Discarded.Shard, e.Discarded.Line)
}
