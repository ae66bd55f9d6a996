// Package crawl defines the shared vocabulary of a checkpointed crawl: work
// items, results, checkpoint entries, the fetcher contract and the typed errors
// that drive retry classification.
package crawl
