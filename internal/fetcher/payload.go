package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Page is the payload the built-in fetchers write for each item.
type Page struct {
	URL      string            `json:"url"`
	Status   int               `json:"status"`
	Headless bool              `json:"headless,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Body     string            `json:"body,omitempty"`
}

// Extract evaluates each CSS selector against an HTML document and returns the
// whitespace-trimmed text of every match joined by newlines. Selectors that
// match nothing are omitted.
func Extract(body []byte, selectors map[string]string) (map[string]string, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	names := make([]string, 0, len(selectors))
	for name := range selectors {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make(map[string]string, len(selectors))
	for _, name := range names {
		var parts []string
		doc.Find(selectors[name]).Each(func(_ int, s *goquery.Selection) {
			if text := strings.TrimSpace(s.Text()); text != "" {
				parts = append(parts, text)
			}
		})
		if len(parts) > 0 {
			fields[name] = strings.Join(parts, "\n")
		}
	}
	return fields, nil
}

// Result wraps a page as the crawl result for item.
func Result(item crawl.WorkItem, page Page) (crawl.Result, error) {
	raw, err := json.Marshal(page)
	if err != nil {
		return crawl.Result{}, crawl.Permanent("encode payload", err)
	}
	return crawl.Result{ItemID: item.ID, Payload: raw}, nil
}
