// Package fetcher holds the pieces shared by the built-in fetchers: HTTP
// status classification, CSS field extraction, the payload shape written to
// result shards and a name-keyed registry used by the CLI.
package fetcher
