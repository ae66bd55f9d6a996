// Package partition splits an ordered work set into contiguous partitions.
package partition

import "github.com/parlcrawl/crawlkit/internal/crawl"

// Range is a half-open [Start, End) index range into the work set.
type Range struct {
	Start int
	End   int
}

// Len returns the number of items in the range.
func (r Range) Len() int { return r.End - r.Start }

// Bounds computes P contiguous ranges over n items using start_i = i*n/P.
// P is capped at n so no partition is empty; n == 0 yields no ranges.
func Bounds(n, p int) []Range {
	if n <= 0 {
		return nil
	}
	if p < 1 {
		p = 1
	}
	if p > n {
		p = n
	}
	ranges := make([]Range, p)
	for i := range p {
		ranges[i] = Range{Start: i * n / p, End: (i + 1) * n / p}
	}
	return ranges
}

// Split partitions items without copying them; each partition aliases the
// input slice, which callers must treat as immutable.
func Split(items []crawl.WorkItem, p int) []crawl.Partition {
	ranges := Bounds(len(items), p)
	parts := make([]crawl.Partition, len(ranges))
	for i, r := range ranges {
		parts[i] = crawl.Partition{Index: i, Items: items[r.Start:r.End:r.End]}
	}
	return parts
}
