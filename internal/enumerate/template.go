package enumerate

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Vars is the data passed to ID and Ref templates.
type Vars struct {
	// Index is the 0-based position in the unwindowed sequence.
	Index int
	// Key is the natural key: 2006-01-02, 2006-01, 2006 or the page number.
	Key string
	// Date is the period start for calendar targets.
	Date time.Time
	// End is the last day of the period for calendar targets.
	End time.Time
	// N is the page or row number for range targets.
	N int
	// Ref is the raw reference for list targets.
	Ref string
}

// Renderer turns Vars into a WorkItem.
type Renderer struct {
	id  *template.Template
	ref *template.Template
}

var funcs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"pad": func(width, n int) string {
		return fmt.Sprintf("%0*d", width, n)
	},
}

// NewRenderer parses the ID and Ref templates. Empty templates default to
// the key and the raw ref (or key) respectively.
func NewRenderer(idTmpl, refTmpl string) (*Renderer, error) {
	if idTmpl == "" {
		idTmpl = "{{.Key}}"
	}
	if refTmpl == "" {
		refTmpl = "{{if .Ref}}{{.Ref}}{{else}}{{.Key}}{{end}}"
	}
	id, err := template.New("id").Funcs(funcs).Option("missingkey=error").Parse(idTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse id template: %w", err)
	}
	ref, err := template.New("ref").Funcs(funcs).Option("missingkey=error").Parse(refTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse ref template: %w", err)
	}
	return &Renderer{id: id, ref: ref}, nil
}

// Render executes both templates.
func (r *Renderer) Render(v Vars) (crawl.WorkItem, error) {
	var id, ref strings.Builder
	if err := r.id.Execute(&id, v); err != nil {
		return crawl.WorkItem{}, fmt.Errorf("render id for %s: %w", v.Key, err)
	}
	if err := r.ref.Execute(&ref, v); err != nil {
		return crawl.WorkItem{}, fmt.Errorf("render ref for %s: %w", v.Key, err)
	}
	return crawl.WorkItem{ID: strings.TrimSpace(id.String()), Ref: strings.TrimSpace(ref.String())}, nil
}
