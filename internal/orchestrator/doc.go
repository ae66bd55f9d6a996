// Package orchestrator drives a crawl job end to end: it enumerates the work
// space, splits it into partitions, dispatches partition workers (in-process
// goroutines or child processes), merges their shards into canonical output
// and records the outcome.
//
// A run moves through PLANNING, DISPATCHING, RUNNING, PARTITION_DONE and
// MERGING before settling in DONE or FAILED. FAILED runs are resumable: the
// next invocation reloads checkpoints and only fetches what is missing.
package orchestrator
