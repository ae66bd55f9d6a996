package enumerate

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Range walks integers from..to inclusive.
type Range struct {
	cur, to, step int
	index         int
	renderer      *Renderer
}

// NewRange returns an integer enumerator.
func NewRange(from, to, step int, renderer *Renderer) (*Range, error) {
	if step < 1 {
		step = 1
	}
	if to < from {
		return nil, fmt.Errorf("range end %d is before start %d", to, from)
	}
	if renderer == nil {
		return nil, errors.New("range requires a renderer")
	}
	return &Range{cur: from, to: to, step: step, renderer: renderer}, nil
}

// Next implements crawl.Enumerator.
func (r *Range) Next(ctx context.Context) (crawl.WorkItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawl.WorkItem{}, false, fmt.Errorf("range enumerator: %w", err)
	}
	if r.cur > r.to {
		return crawl.WorkItem{}, false, nil
	}
	n := r.cur
	r.cur += r.step
	item, err := r.renderer.Render(Vars{Index: r.index, Key: strconv.Itoa(n), N: n})
	r.index++
	if err != nil {
		return crawl.WorkItem{}, false, err
	}
	return item, true, nil
}

// Probe reports whether page n, rendered as page, exists. Returning false
// ends the sequence.
type Probe func(ctx context.Context, n int, page crawl.WorkItem) (bool, error)

// Paged discovers pages one at a time until the probe reports the end. It
// suits listings whose total page count is unknown up front.
type Paged struct {
	probe    Probe
	next     int
	step     int
	max      int
	index    int
	done     bool
	renderer *Renderer
}

// NewPaged starts at page first. maxPages <= 0 means unbounded.
func NewPaged(probe Probe, first, step, maxPages int, renderer *Renderer) (*Paged, error) {
	if probe == nil || renderer == nil {
		return nil, errors.New("paged enumerator requires probe and renderer")
	}
	if step < 1 {
		step = 1
	}
	return &Paged{probe: probe, next: first, step: step, max: maxPages, renderer: renderer}, nil
}

// Next implements crawl.Enumerator.
func (p *Paged) Next(ctx context.Context) (crawl.WorkItem, bool, error) {
	if p.done || (p.max > 0 && p.index >= p.max) {
		return crawl.WorkItem{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return crawl.WorkItem{}, false, fmt.Errorf("paged enumerator: %w", err)
	}
	n := p.next
	item, err := p.renderer.Render(Vars{Index: p.index, Key: strconv.Itoa(n), N: n})
	if err != nil {
		return crawl.WorkItem{}, false, err
	}
	exists, err := p.probe(ctx, n, item)
	if err != nil {
		return crawl.WorkItem{}, false, fmt.Errorf("probe page %d: %w", n, err)
	}
	if !exists {
		p.done = true
		return crawl.WorkItem{}, false, nil
	}
	p.next += p.step
	p.index++
	return item, true, nil
}
