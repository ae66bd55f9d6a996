package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/config"
	"github.com/parlcrawl/crawlkit/internal/crawl"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		status    int
		header    http.Header
		permanent bool
		blocked   bool
		retry     time.Duration
	}{
		{status: 200},
		{status: 429, header: http.Header{"Retry-After": {"120"}}, blocked: true, retry: 2 * time.Minute},
		{status: 503, blocked: true},
		{status: 403, blocked: true},
		{status: 404, permanent: true},
		{status: 410, permanent: true},
		{status: 400, permanent: true},
		{status: 500},
		{status: 502},
		{status: 408},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()
			header := tt.header
			if header == nil {
				header = http.Header{}
			}
			err := ClassifyStatus(tt.status, header, now)
			if tt.status == 200 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var perm *crawl.PermanentFetchError
			var trans *crawl.TransientFetchError
			if tt.permanent {
				require.ErrorAs(t, err, &perm)
				return
			}
			require.ErrorAs(t, err, &trans)
			require.Equal(t, tt.blocked, trans.Blocked)
			require.Equal(t, tt.retry, trans.RetryAfter)
		})
	}
}

func TestClassifyTransport(t *testing.T) {
	t.Parallel()

	var trans *crawl.TransientFetchError
	var perm *crawl.PermanentFetchError

	require.NoError(t, ClassifyTransport(nil))
	require.ErrorAs(t, ClassifyTransport(fmt.Errorf("get: %w", context.DeadlineExceeded)), &trans)
	require.ErrorAs(t, ClassifyTransport(syscall.ECONNRESET), &trans)
	require.ErrorAs(t, ClassifyTransport(&net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}), &perm)
	require.ErrorAs(t, ClassifyTransport(&url.Error{Op: "parse", URL: "::", Err: errors.New("bad")}), &perm)
	require.ErrorAs(t, ClassifyTransport(errors.New("mystery")), &trans)

	already := crawl.Permanent("selector missing", nil)
	require.Same(t, already, ClassifyTransport(already))
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.Zero(t, RetryAfter("", now))
	require.Zero(t, RetryAfter("soon", now))
	require.Zero(t, RetryAfter("-5", now))
	require.Equal(t, 30*time.Second, RetryAfter(" 30 ", now))
	require.Equal(t, time.Minute, RetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	require.Zero(t, RetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestExtractAndResult(t *testing.T) {
	t.Parallel()

	html := []byte(`<html><body><h1> Hansard </h1><ul><li>one</li><li> </li><li>two</li></ul></body></html>`)
	fields, err := Extract(html, map[string]string{"title": "h1", "items": "li", "missing": ".nope"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"title": "Hansard", "items": "one\ntwo"}, fields)

	none, err := Extract(html, nil)
	require.NoError(t, err)
	require.Nil(t, none)

	res, err := Result(crawl.WorkItem{ID: "2024-01-01", Ref: "https://example.com"}, Page{URL: "https://example.com", Status: 200, Fields: fields})
	require.NoError(t, err)
	require.Equal(t, "2024-01-01", res.ItemID)
	var page Page
	require.NoError(t, json.Unmarshal(res.Payload, &page))
	require.Equal(t, "Hansard", page.Fields["title"])
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	stub := crawl.FetcherFunc(func(context.Context, crawl.WorkItem) (crawl.Result, error) {
		return crawl.Result{}, nil
	})
	require.NoError(t, reg.Register("stub", func(config.FetchersConfig, *zap.Logger) (crawl.Fetcher, func(), error) {
		return stub, nil, nil
	}))
	require.Error(t, reg.Register("stub", func(config.FetchersConfig, *zap.Logger) (crawl.Fetcher, func(), error) {
		return stub, nil, nil
	}))
	require.NoError(t, reg.Register("broken", func(config.FetchersConfig, *zap.Logger) (crawl.Fetcher, func(), error) {
		return nil, nil, errors.New("no browser")
	}))
	require.Equal(t, []string{"broken", "stub"}, reg.Names())

	f, cleanup, err := reg.Build("stub", config.FetchersConfig{}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, f)
	require.NotNil(t, cleanup)
	cleanup()

	_, _, err = reg.Build("broken", config.FetchersConfig{}, zap.NewNop())
	require.ErrorContains(t, err, "no browser")
	_, _, err = reg.Build("missing", config.FetchersConfig{}, zap.NewNop())
	require.ErrorContains(t, err, "unknown fetcher")
}
