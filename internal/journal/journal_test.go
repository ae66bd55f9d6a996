package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	ID string `json:"id"`
	N  int    `json:"n"`
}

func TestAppendAndScan(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "part-0000.jsonl")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(record{ID: "a", N: 1}))
	require.NoError(t, w.Append(record{ID: "b", N: 2}))
	require.NoError(t, w.Close())

	var got []record
	stats, err := Scan(path, func(rec record, _ int) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, Stats{Records: 2}, stats)
	require.Equal(t, []record{{"a", 1}, {"b", 2}}, got)
}

func TestScanDiscardsTornTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "torn.jsonl")
	content := "{\"id\":\"a\",\"n\":1}\nnot json\n{\"id\":\"b\",\"n\":2}\n{\"id\":\"c\",\"n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	var ids []string
	var lines []int
	stats, err := Scan(path, func(rec record, line int) error {
		ids = append(ids, rec.ID)
		lines = append(lines, line)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, Stats{Records: 2, Torn: 1, Corrupt: 1}, stats)
	require.Equal(t, []string{"a", "b"}, ids)
	require.Equal(t, []int{1, 3}, lines)
}

func TestOpenSealsTornTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "resume.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\",\"n\":1}\n{\"id\":\"b\""), 0o600))

	w, err := Open(path, WithoutSync())
	require.NoError(t, err)
	require.NoError(t, w.Append(record{ID: "c", N: 3}))
	require.NoError(t, w.Close())

	var ids []string
	stats, err := Scan(path, func(rec record, _ int) error {
		ids = append(ids, rec.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids)
	require.Equal(t, 1, stats.Corrupt)
	require.Zero(t, stats.Torn)
}

func TestScanMissingFile(t *testing.T) {
	t.Parallel()

	stats, err := Scan(filepath.Join(t.TempDir(), "absent.jsonl"), func(record, int) error { return nil })
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
}

func TestConcurrentAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "concurrent.jsonl")
	w, err := Open(path, WithoutSync())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			require.NoError(t, w.Append(record{ID: "x", N: n}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())
	require.Error(t, w.Append(record{ID: "late"}))

	stats, err := Scan(path, func(record, int) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 50, stats.Records)
}

func TestScanSkipCountsCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "skip.jsonl")
	w, err := Open(path, WithoutSync())
	require.NoError(t, err)
	require.NoError(t, w.Append(record{ID: "a"}))
	require.NoError(t, w.Append(record{ID: "b"}))
	require.NoError(t, w.Close())

	stats, err := Scan(path, func(rec record, _ int) error {
		if rec.ID == "a" {
			return ErrSkip
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, Stats{Records: 1, Corrupt: 1}, stats)
}

func TestWriteAtomic(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	path := filepath.Join(dir, "summary.json")
	require.NoError(t, WriteAtomic(path, func(w io.Writer) error {
		_, err := fmt.Fprint(w, "first")
		return err
	}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first", string(raw))

	// A failed fill leaves the previous file untouched and no temp behind.
	boom := errors.New("boom")
	err = WriteAtomic(path, func(w io.Writer) error {
		_, _ = fmt.Fprint(w, "partial")
		return boom
	})
	require.ErrorIs(t, err, boom)
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first", string(raw))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
