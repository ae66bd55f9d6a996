// Package journal implements append-only JSON Lines files with fsync on every
// append and a tolerant reader that discards a torn trailing line.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends JSON records to a single file. It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
	sync bool
}

// Option tunes a Writer.
type Option func(*Writer)

// WithoutSync disables the per-append fsync. Only tests should use this.
func WithoutSync() Option {
	return func(w *Writer) { w.sync = false }
}

// Open opens path for appending, creating parent directories as needed. If a
// previous process died mid-write the file may end without a newline; a line
// break is appended so the next record starts on its own line and the torn
// fragment is skipped by readers.
func Open(path string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600) //nolint:gosec // path is built by callers
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	w := &Writer{f: f, path: path, sync: true}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.sealTornTail(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) sealTornTail() error {
	info, err := w.f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := w.f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read journal tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := w.f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("seal torn journal tail: %w", err)
	}
	return w.flush()
}

// Path returns the file path backing the writer.
func (w *Writer) Path() string { return w.path }

// Append marshals v as one line and persists it before returning.
func (w *Writer) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return errors.New("journal closed")
	}
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("append journal %s: %w", w.path, err)
	}
	return w.flush()
}

func (w *Writer) flush() error {
	if !w.sync {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("fsync journal %s: %w", w.path, err)
	}
	return nil
}

// Close releases the file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("close journal %s: %w", w.path, err)
	}
	return nil
}

// Stats summarises a scan.
type Stats struct {
	Records int `json:"records"`
	Torn    int `json:"torn"`
	Corrupt int `json:"corrupt"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Records += other.Records
	s.Torn += other.Torn
	s.Corrupt += other.Corrupt
}

// ErrSkip may be returned by a scan callback to count the line as corrupt
// without aborting the scan.
var ErrSkip = errors.New("skip journal record")

// Scan decodes every complete line of path into T and calls fn with the
// record and its 1-based line number. A final line without a newline is
// counted as torn; undecodable lines are counted as corrupt. A missing file
// yields empty stats.
func Scan[T any](path string, fn func(rec T, line int) error) (Stats, error) {
	var stats Stats
	f, err := os.Open(path) //nolint:gosec // path is built by callers
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats, nil
		}
		return stats, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return stats, fmt.Errorf("read journal %s: %w", path, readErr)
		}
		if len(raw) > 0 {
			lineNo++
			complete := raw[len(raw)-1] == '\n'
			body := bytes.TrimSpace(raw)
			switch {
			case !complete:
				stats.Torn++
			case len(body) == 0:
			default:
				var rec T
				if err := json.Unmarshal(body, &rec); err != nil {
					stats.Corrupt++
					break
				}
				if err := fn(rec, lineNo); err != nil {
					if errors.Is(err, ErrSkip) {
						stats.Corrupt++
						break
					}
					return stats, err
				}
				stats.Records++
			}
		}
		if errors.Is(readErr, io.EOF) {
			return stats, nil
		}
	}
}

// Glob lists journal files under dir matching pattern in lexical order.
func Glob(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob journals: %w", err)
	}
	return matches, nil
}

// WriteAtomic writes via a temp file in the same directory and renames it
// into place, so readers never observe a partial file.
func WriteAtomic(path string, fill func(io.Writer) error) (err error) {
	if err = os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	buf := bufio.NewWriter(tmp)
	if err = fill(buf); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = buf.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err = os.Chmod(tmp.Name(), 0o640); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
