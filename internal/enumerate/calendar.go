package enumerate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Unit is a calendar step.
type Unit string

// Calendar units.
const (
	Day   Unit = "day"
	Month Unit = "month"
	Year  Unit = "year"
)

// Calendar walks an inclusive date range in fixed calendar steps.
type Calendar struct {
	unit     Unit
	step     int
	end      time.Time
	cur      time.Time
	index    int
	renderer *Renderer
}

// ParseDate accepts 2006-01-02, 2006-01 or 2006.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD, YYYY-MM or YYYY", s)
}

// NewCalendar returns an enumerator from start to end inclusive.
func NewCalendar(unit Unit, start, end time.Time, step int, renderer *Renderer) (*Calendar, error) {
	if step < 1 {
		step = 1
	}
	if renderer == nil {
		return nil, errors.New("calendar requires a renderer")
	}
	start, end = truncate(unit, start), truncate(unit, end)
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("unknown calendar unit %q", unit)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("calendar end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return &Calendar{unit: unit, step: step, end: end, cur: start, renderer: renderer}, nil
}

func truncate(unit Unit, t time.Time) time.Time {
	y, m, d := t.Date()
	switch unit {
	case Day:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

func (c *Calendar) advance(t time.Time, n int) time.Time {
	switch c.unit {
	case Month:
		return t.AddDate(0, n, 0)
	case Year:
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}

func (c *Calendar) key(t time.Time) string {
	switch c.unit {
	case Month:
		return t.Format("2006-01")
	case Year:
		return strconv.Itoa(t.Year())
	default:
		return t.Format(time.DateOnly)
	}
}

// Next implements crawl.Enumerator.
func (c *Calendar) Next(ctx context.Context) (crawl.WorkItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawl.WorkItem{}, false, fmt.Errorf("calendar enumerator: %w", err)
	}
	if c.cur.After(c.end) {
		return crawl.WorkItem{}, false, nil
	}
	period := c.cur
	c.cur = c.advance(c.cur, c.step)
	item, err := c.renderer.Render(Vars{
		Index: c.index,
		Key:   c.key(period),
		Date:  period,
		End:   c.advance(period, 1).AddDate(0, 0, -1),
	})
	c.index++
	if err != nil {
		return crawl.WorkItem{}, false, err
	}
	return item, true, nil
}
