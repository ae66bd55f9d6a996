// Package enumerate produces the ordered work set for a job: calendar ranges,
// integer pages, item lists and probe-driven pagination.
package enumerate

import (
	"context"
	"fmt"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Collect drains enum into a slice, validating every item and rejecting
// duplicate IDs.
func Collect(ctx context.Context, enum crawl.Enumerator) ([]crawl.WorkItem, error) {
	var items []crawl.WorkItem
	seen := make(map[string]int)
	for {
		item, ok, err := enum.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerate item %d: %w", len(items), err)
		}
		if !ok {
			return items, nil
		}
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("enumerate item %d: %w", len(items), err)
		}
		if prev, dup := seen[item.ID]; dup {
			return nil, fmt.Errorf("%w: %q at positions %d and %d", crawl.ErrDuplicateItem, item.ID, prev, len(items))
		}
		seen[item.ID] = len(items)
		items = append(items, item)
	}
}

// Slice enumerates a fixed list.
type Slice struct {
	items []crawl.WorkItem
	next  int
}

// FromSlice returns an enumerator over items.
func FromSlice(items []crawl.WorkItem) *Slice {
	return &Slice{items: items}
}

// Next implements crawl.Enumerator.
func (s *Slice) Next(ctx context.Context) (crawl.WorkItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawl.WorkItem{}, false, fmt.Errorf("slice enumerator: %w", err)
	}
	if s.next >= len(s.items) {
		return crawl.WorkItem{}, false, nil
	}
	item := s.items[s.next]
	s.next++
	return item, true, nil
}

// window skips the first offset items and stops after limit.
type window struct {
	inner   crawl.Enumerator
	offset  int
	limit   int
	skipped int
	emitted int
}

// Window restricts enum to items [offset, offset+limit). limit <= 0 means no
// upper bound.
func Window(enum crawl.Enumerator, offset, limit int) crawl.Enumerator {
	if offset <= 0 && limit <= 0 {
		return enum
	}
	return &window{inner: enum, offset: max(offset, 0), limit: limit}
}

func (w *window) Next(ctx context.Context) (crawl.WorkItem, bool, error) {
	if w.limit > 0 && w.emitted >= w.limit {
		return crawl.WorkItem{}, false, nil
	}
	for w.skipped < w.offset {
		_, ok, err := w.inner.Next(ctx)
		if err != nil || !ok {
			return crawl.WorkItem{}, ok, err
		}
		w.skipped++
	}
	item, ok, err := w.inner.Next(ctx)
	if ok {
		w.emitted++
	}
	return item, ok, err
}
