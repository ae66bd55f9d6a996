package crawl

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WorkItem is the smallest unit of fetch work. IDs are unique within a job.
type WorkItem struct {
	ID  string `json:"id"`
	Ref string `json:"ref"`
}

// Validate rejects items that cannot be checkpointed.
func (w WorkItem) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("work item id is required")
	}
	if strings.ContainsAny(w.ID, "\r\n") {
		return fmt.Errorf("work item id %q contains a line break", w.ID)
	}
	return nil
}

// Partition is a contiguous, ordered slice of the enumerated work set.
type Partition struct {
	Index int
	Items []WorkItem
}

// Result is the extracted record for one item. Payload is opaque JSON.
type Result struct {
	ItemID  string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Validate ensures the payload is present and well formed.
func (r Result) Validate() error {
	if r.ItemID == "" {
		return errors.New("result item id is required")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("result %s: empty payload", r.ItemID)
	}
	if !json.Valid(r.Payload) {
		return fmt.Errorf("result %s: payload is not valid json", r.ItemID)
	}
	return nil
}

// Outcome labels a single fetch attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// AttemptRecord describes one fetch attempt.
type AttemptRecord struct {
	ItemID  string        `json:"id"`
	Attempt int           `json:"attempt"`
	Outcome Outcome       `json:"outcome"`
	Err     string        `json:"error,omitempty"`
	Dur     time.Duration `json:"dur"`
	At      time.Time     `json:"at"`
}

// Status is the terminal state recorded in a checkpoint.
type Status string

// Terminal statuses.
const (
	StatusSuccess          Status = "success"
	StatusPermanentFailure Status = "permanent_failure"
)

// Valid reports whether s is a known terminal status.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusPermanentFailure
}

// CheckpointEntry records that an item reached a terminal outcome.
type CheckpointEntry struct {
	ItemID      string    `json:"id"`
	Ref         string    `json:"ref,omitempty"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason,omitempty"`
	Partition   int       `json:"partition"`
	CompletedAt time.Time `json:"completed_at"`
}

// Validate checks the entry before it is persisted.
func (c CheckpointEntry) Validate() error {
	if c.ItemID == "" {
		return errors.New("checkpoint item id is required")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("checkpoint %s: unknown status %q", c.ItemID, c.Status)
	}
	if c.Attempts < 1 {
		return fmt.Errorf("checkpoint %s: attempts must be >= 1", c.ItemID)
	}
	return nil
}

// RunSummary is the outcome of one orchestrator invocation, written to
// summary.json and handed to exporters.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Job         string    `json:"job"`
	State       string    `json:"state"`
	Invocation  int       `json:"invocation"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Items       int       `json:"items"`
	Partitions  int       `json:"partitions"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Pending     int       `json:"pending"`
	Unconfirmed int       `json:"unconfirmed"`
	Crashed     []int     `json:"crashed_partitions,omitempty"`
	// FailureSamples holds a bounded sample of permanent failures with their
	// reasons.
	FailureSamples []CheckpointEntry `json:"failure_samples,omitempty"`
	OutputDir      string            `json:"output_dir"`
	Error          string            `json:"error,omitempty"`
}
