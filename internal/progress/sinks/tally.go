package sinks

import (
	"context"
	"sync"

	"github.com/parlcrawl/crawlkit/internal/progress"
)

// Counts is a snapshot of a Tally.
type Counts struct {
	Attempts  int `json:"attempts"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Tally keeps per-partition item counts in memory.
type Tally struct {
	mu    sync.Mutex
	parts map[int]*Counts
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{parts: make(map[int]*Counts)}
}

// Consume implements progress.Sink.
func (t *Tally) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		c, ok := t.parts[evt.Partition]
		if !ok {
			c = &Counts{}
			t.parts[evt.Partition] = c
		}
		switch evt.Stage {
		case progress.StageItemAttempt:
			c.Attempts++
		case progress.StageItemDone:
			if evt.Outcome == "success" {
				c.Succeeded++
			} else {
				c.Failed++
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (t *Tally) Close(context.Context) error { return nil }

// Snapshot copies the current counts.
func (t *Tally) Snapshot() map[int]Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]Counts, len(t.parts))
	for k, v := range t.parts {
		out[k] = *v
	}
	return out
}
