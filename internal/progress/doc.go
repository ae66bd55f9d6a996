// Package progress carries crawl progress events from partition workers to
// pluggable sinks. Emitting never blocks the crawl: events are buffered and
// flushed in batches on a background goroutine.
package progress
