package crawl

import (
	"context"
	"time"
)

// Fetcher performs the site-specific fetch and extraction for one item.
// Failures must be reported as *TransientFetchError or *PermanentFetchError;
// any other error is treated as transient.
type Fetcher interface {
	FetchAndExtract(ctx context.Context, item WorkItem) (Result, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, item WorkItem) (Result, error)

// FetchAndExtract calls f.
func (f FetcherFunc) FetchAndExtract(ctx context.Context, item WorkItem) (Result, error) {
	return f(ctx, item)
}

// Enumerator yields work items lazily. ok=false marks the end of the sequence.
type Enumerator interface {
	Next(ctx context.Context) (item WorkItem, ok bool, err error)
}

// ResultWriter durably appends a result for one partition. A payload over
// the writer's limit is rejected with ErrPayloadTooLarge.
type ResultWriter interface {
	Append(ctx context.Context, res Result, attempt int) error
}

// CheckpointWriter durably records a terminal outcome.
type CheckpointWriter interface {
	MarkDone(ctx context.Context, entry CheckpointEntry) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
