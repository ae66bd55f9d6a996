// Package api serves the read-only status endpoint of a running crawl:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the run snapshot with per-partition counts.
//   - GET /v1/partitions/{partition} for a single partition.
package api
