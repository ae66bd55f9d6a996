// Package gate bounds the number of items in flight within one partition and
// lets a blocked signal pause the whole partition.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting semaphore with in-flight instrumentation.
type Gate struct {
	sem      *semaphore.Weighted
	limit    int64
	inflight atomic.Int64
	peak     atomic.Int64
	pacer    *Pacer
	observer func(inflight int64)

	mu          sync.Mutex
	pausedUntil time.Time
	now         func() time.Time
}

// Option tunes a Gate.
type Option func(*Gate)

// WithPacer applies pacing after each acquisition.
func WithPacer(p *Pacer) Option {
	return func(g *Gate) { g.pacer = p }
}

// WithObserver is called with the in-flight count on every change.
func WithObserver(fn func(inflight int64)) Option {
	return func(g *Gate) { g.observer = fn }
}

// New returns a gate admitting at most limit concurrent holders.
func New(limit int, opts ...Option) *Gate {
	if limit < 1 {
		limit = 1
	}
	g := &Gate{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limit returns the configured bound.
func (g *Gate) Limit() int { return int(g.limit) }

// Acquire blocks until a slot is free, any pause has elapsed and the pacer
// admits the caller. Every successful Acquire must be paired with Release.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.WaitPause(ctx); err != nil {
		return err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("gate acquire: %w", err)
	}
	if g.pacer != nil {
		if err := g.pacer.Wait(ctx); err != nil {
			g.sem.Release(1)
			return err
		}
	}
	n := g.inflight.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	g.notify(n)
	return nil
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	n := g.inflight.Add(-1)
	g.sem.Release(1)
	g.notify(n)
}

// Do runs fn while holding a slot. The slot is released on every exit path,
// including panics.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context)) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	fn(ctx)
	return nil
}

func (g *Gate) notify(n int64) {
	if g.observer != nil {
		g.observer(n)
	}
}

// InFlight returns the current number of holders.
func (g *Gate) InFlight() int64 { return g.inflight.Load() }

// Peak returns the highest in-flight count observed.
func (g *Gate) Peak() int64 { return g.peak.Load() }

// Pause stops new attempts in the partition for d. Overlapping pauses extend
// to the latest deadline.
func (g *Gate) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := g.now().Add(d)
	g.mu.Lock()
	if until.After(g.pausedUntil) {
		g.pausedUntil = until
	}
	g.mu.Unlock()
}

// PausedFor returns the remaining pause, or zero.
func (g *Gate) PausedFor() time.Duration {
	g.mu.Lock()
	until := g.pausedUntil
	g.mu.Unlock()
	if rem := until.Sub(g.now()); rem > 0 {
		return rem
	}
	return 0
}

// WaitPause blocks until any partition-wide pause has elapsed.
func (g *Gate) WaitPause(ctx context.Context) error {
	for {
		rem := g.PausedFor()
		if rem <= 0 {
			return nil
		}
		timer := time.NewTimer(rem)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("gate pause: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
