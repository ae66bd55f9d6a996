// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and an in-memory tally used by the status endpoint.
package sinks
