package enumerate

import (
	"fmt"
	"strings"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Target kinds accepted by Build.
const (
	KindDates  = "dates"
	KindMonths = "months"
	KindYears  = "years"
	KindRange  = "range"
	KindList   = "list"
	KindPages  = "pages"
)

// Target describes the unit-of-work space of a job.
type Target struct {
	Kind        string
	Start       string
	End         string
	Step        int
	From        int
	To          int
	File        string
	IDTemplate  string
	RefTemplate string
	Offset      int
	Limit       int
	// MaxPages caps a pages target; zero means unbounded.
	MaxPages int
	// Probe checks whether a page exists. Required for pages targets.
	Probe Probe
}

// Build returns the enumerator for t with its offset and limit applied.
func Build(t Target) (crawl.Enumerator, error) {
	renderer, err := NewRenderer(t.IDTemplate, t.RefTemplate)
	if err != nil {
		return nil, err
	}
	var enum crawl.Enumerator
	switch strings.ToLower(t.Kind) {
	case KindDates, KindMonths, KindYears:
		start, err := ParseDate(t.Start)
		if err != nil {
			return nil, fmt.Errorf("target start: %w", err)
		}
		end, err := ParseDate(t.End)
		if err != nil {
			return nil, fmt.Errorf("target end: %w", err)
		}
		unit := map[string]Unit{KindDates: Day, KindMonths: Month, KindYears: Year}[strings.ToLower(t.Kind)]
		enum, err = NewCalendar(unit, start, end, t.Step, renderer)
		if err != nil {
			return nil, err
		}
	case KindRange:
		enum, err = NewRange(t.From, t.To, t.Step, renderer)
		if err != nil {
			return nil, err
		}
	case KindList:
		items, err := LoadList(t.File, renderer)
		if err != nil {
			return nil, err
		}
		enum = FromSlice(items)
	case KindPages:
		if t.Probe == nil {
			return nil, fmt.Errorf("%s target requires a probe", KindPages)
		}
		enum, err = NewPaged(t.Probe, t.From, t.Step, t.MaxPages, renderer)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return Window(enum, t.Offset, t.Limit), nil
}
