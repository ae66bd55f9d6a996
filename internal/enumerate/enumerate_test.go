package enumerate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

func TestBuildDates(t *testing.T) {
	t.Parallel()

	enum, err := Build(Target{
		Kind:        KindDates,
		Start:       "2024-01-01",
		End:         "2024-01-10",
		RefTemplate: `https://example.test/search?day={{.Date.Format "02/01/2006"}}`,
	})
	require.NoError(t, err)
	items, err := Collect(context.Background(), enum)
	require.NoError(t, err)
	require.Len(t, items, 10)
	require.Equal(t, "2024-01-01", items[0].ID)
	require.Equal(t, "https://example.test/search?day=10/01/2024", items[9].Ref)
}

func TestBuildMonthsExposesPeriodEnd(t *testing.T) {
	t.Parallel()

	enum, err := Build(Target{
		Kind:        KindMonths,
		Start:       "2024-01",
		End:         "2024-03-15",
		IDTemplate:  "uk_{{.Key}}",
		RefTemplate: `{{.Date.Format "2006-01-02"}}..{{.End.Format "2006-01-02"}}`,
	})
	require.NoError(t, err)
	items, err := Collect(context.Background(), enum)
	require.NoError(t, err)
	require.Equal(t, []crawl.WorkItem{
		{ID: "uk_2024-01", Ref: "2024-01-01..2024-01-31"},
		{ID: "uk_2024-02", Ref: "2024-02-01..2024-02-29"},
		{ID: "uk_2024-03", Ref: "2024-03-01..2024-03-31"},
	}, items)
}

func TestBuildYearsAndRangeWithWindow(t *testing.T) {
	t.Parallel()

	enum, err := Build(Target{Kind: KindYears, Start: "2010", End: "2020", Step: 5})
	require.NoError(t, err)
	items, err := Collect(context.Background(), enum)
	require.NoError(t, err)
	require.Equal(t, []string{"2010", "2015", "2020"}, ids(items))

	enum, err = Build(Target{
		Kind: KindRange, From: 1, To: 20, Offset: 5, Limit: 3,
		IDTemplate: "page-{{pad 3 .N}}", RefTemplate: "https://example.test/p/{{.N}}",
	})
	require.NoError(t, err)
	items, err = Collect(context.Background(), enum)
	require.NoError(t, err)
	require.Equal(t, []string{"page-006", "page-007", "page-008"}, ids(items))
	require.Equal(t, "https://example.test/p/6", items[0].Ref)
}

func TestBuildListYAMLAndText(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "items.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
items:
  - id: hearing-1
    ref: https://example.test/v/1
  - ref: https://example.test/v/2
`), 0o600))
	enum, err := Build(Target{Kind: KindList, File: yamlPath})
	require.NoError(t, err)
	items, err := Collect(context.Background(), enum)
	require.NoError(t, err)
	require.Equal(t, []crawl.WorkItem{
		{ID: "hearing-1", Ref: "https://example.test/v/1"},
		{ID: "https://example.test/v/2", Ref: "https://example.test/v/2"},
	}, items)

	txtPath := filepath.Join(dir, "items.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("# refs\nalpha\n\nbeta\n"), 0o600))
	enum, err = Build(Target{Kind: KindList, File: txtPath, IDTemplate: "{{upper .Key}}"})
	require.NoError(t, err)
	items, err = Collect(context.Background(), enum)
	require.NoError(t, err)
	require.Equal(t, []string{"ALPHA", "BETA"}, ids(items))
}

func TestCollectRejectsDuplicates(t *testing.T) {
	t.Parallel()

	enum := FromSlice([]crawl.WorkItem{{ID: "a"}, {ID: "b"}, {ID: "a"}})
	_, err := Collect(context.Background(), enum)
	require.ErrorIs(t, err, crawl.ErrDuplicateItem)

	_, err = Collect(context.Background(), FromSlice([]crawl.WorkItem{{ID: ""}}))
	require.Error(t, err)
}

func TestPagedStopsAtProbeEnd(t *testing.T) {
	t.Parallel()

	renderer, err := NewRenderer("p{{.N}}", "")
	require.NoError(t, err)
	paged, err := NewPaged(func(_ context.Context, n int, _ crawl.WorkItem) (bool, error) { return n <= 4, nil }, 1, 1, 0, renderer)
	require.NoError(t, err)
	items, err := Collect(context.Background(), paged)
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2", "p3", "p4"}, ids(items))

	item, ok, err := paged.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, item.ID)

	failing, err := NewPaged(func(context.Context, int, crawl.WorkItem) (bool, error) { return false, errors.New("offline") }, 1, 1, 0, renderer)
	require.NoError(t, err)
	_, err = Collect(context.Background(), failing)
	require.ErrorContains(t, err, "offline")

	capped, err := NewPaged(func(context.Context, int, crawl.WorkItem) (bool, error) { return true, nil }, 0, 2, 3, renderer)
	require.NoError(t, err)
	items, err = Collect(context.Background(), capped)
	require.NoError(t, err)
	require.Equal(t, []string{"p0", "p2", "p4"}, ids(items))
}

func TestBuildPagesProbesRenderedRefs(t *testing.T) {
	t.Parallel()

	var probed []string
	enum, err := Build(Target{
		Kind:        KindPages,
		From:        1,
		IDTemplate:  "hansard-p{{pad 3 .N}}",
		RefTemplate: "https://example.test/hansard?page={{.N}}",
		Limit:       10,
		Probe: func(_ context.Context, n int, page crawl.WorkItem) (bool, error) {
			probed = append(probed, page.Ref)
			return n <= 3, nil
		},
	})
	require.NoError(t, err)
	items, err := Collect(context.Background(), enum)
	require.NoError(t, err)
	require.Equal(t, []string{"hansard-p001", "hansard-p002", "hansard-p003"}, ids(items))
	require.Equal(t, "https://example.test/hansard?page=2", items[1].Ref)
	require.Equal(t, []string{
		"https://example.test/hansard?page=1",
		"https://example.test/hansard?page=2",
		"https://example.test/hansard?page=3",
		"https://example.test/hansard?page=4",
	}, probed)

	capped, err := Build(Target{
		Kind:     KindPages,
		MaxPages: 2,
		Probe:    func(context.Context, int, crawl.WorkItem) (bool, error) { return true, nil },
	})
	require.NoError(t, err)
	items, err = Collect(context.Background(), capped)
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1"}, ids(items))

	_, err = Build(Target{Kind: KindPages})
	require.ErrorContains(t, err, "requires a probe")
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	_, err := Build(Target{Kind: "weeks"})
	require.ErrorContains(t, err, "unknown target kind")
	_, err = Build(Target{Kind: KindDates, Start: "yesterday", End: "2024-01-01"})
	require.ErrorContains(t, err, "invalid date")
	_, err = Build(Target{Kind: KindDates, Start: "2024-02-01", End: "2024-01-01"})
	require.ErrorContains(t, err, "before start")
	_, err = Build(Target{Kind: KindRange, From: 5, To: 1})
	require.Error(t, err)
	_, err = Build(Target{Kind: KindRange, From: 1, To: 2, IDTemplate: "{{"})
	require.ErrorContains(t, err, "parse id template")
}

func ids(items []crawl.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
