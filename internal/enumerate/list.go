package enumerate

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

type listFile struct {
	Items []listEntry `yaml:"items"`
}

type listEntry struct {
	ID  string `yaml:"id"`
	Ref string `yaml:"ref"`
}

// LoadList reads a YAML file with an items list, or a plain text file with
// one reference per line (blank lines and # comments ignored).
func LoadList(path string, renderer *Renderer) ([]crawl.WorkItem, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read list %s: %w", path, err)
	}
	var entries []listEntry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc listFile
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse list %s: %w", path, err)
		}
		entries = doc.Items
	default:
		scanner := bufio.NewScanner(bytes.NewReader(raw))
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			entries = append(entries, listEntry{Ref: line})
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan list %s: %w", path, err)
		}
	}

	items := make([]crawl.WorkItem, 0, len(entries))
	for i, e := range entries {
		key := e.ID
		if key == "" {
			key = e.Ref
		}
		item, err := renderer.Render(Vars{Index: i, Key: key, Ref: e.Ref})
		if err != nil {
			return nil, err
		}
		if e.ID != "" {
			item.ID = e.ID
		}
		items = append(items, item)
	}
	return items, nil
}
