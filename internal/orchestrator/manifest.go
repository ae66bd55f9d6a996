package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/parlcrawl/crawlkit/internal/journal"
)

// ManifestFile records job identity across invocations.
const ManifestFile = "manifest.toml"

// Manifest is persisted in the output directory so a resumed run can tell
// whether the work space changed underneath it.
type Manifest struct {
	Job        string    `toml:"job"`
	Digest     string    `toml:"digest"`
	Items      int       `toml:"items"`
	Partitions int       `toml:"partitions"`
	Runs       int       `toml:"runs"`
	LastRunID  string    `toml:"last_run_id"`
	LastState  string    `toml:"last_state"`
	FirstRunAt time.Time `toml:"first_run_at"`
	LastRunAt  time.Time `toml:"last_run_at"`
}

// ReadManifest loads dir/manifest.toml. A missing file yields a zero manifest.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	path := filepath.Join(dir, ManifestFile)
	if _, err := toml.DecodeFile(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return m, nil
}

// WriteManifest atomically replaces dir/manifest.toml.
func WriteManifest(dir string, m Manifest) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return journal.WriteAtomic(filepath.Join(dir, ManifestFile), func(w io.Writer) error {
		if err := toml.NewEncoder(w).Encode(m); err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		return nil
	})
}
