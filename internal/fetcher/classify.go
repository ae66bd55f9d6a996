package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// ClassifyStatus maps an HTTP status to a crawl error. A nil return means the
// response is usable.
func ClassifyStatus(status int, header http.Header, now time.Time) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable,
		status == http.StatusForbidden:
		return crawl.Blocked(fmt.Sprintf("http %d", status), RetryAfter(header.Get("Retry-After"), now), nil)
	case status == http.StatusNotFound:
		return crawl.Permanent("http 404 not found", nil)
	case status == http.StatusGone:
		return crawl.Permanent("http 410 gone", nil)
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status >= 500:
		return crawl.Transient(fmt.Sprintf("http %d", status), nil)
	default:
		return crawl.Permanent(fmt.Sprintf("http %d", status), nil)
	}
}

// ClassifyTransport maps a transport-level error to a crawl error. Errors the
// fetcher already classified pass through untouched.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	var transient *crawl.TransientFetchError
	var permanent *crawl.PermanentFetchError
	if errors.As(err, &transient) || errors.As(err, &permanent) {
		return err
	}
	var urlErr *url.Error
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return crawl.Transient("timeout", err)
	case errors.Is(err, context.Canceled):
		return crawl.Transient("canceled", err)
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return crawl.Permanent("host not found", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return crawl.Transient("timeout", err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return crawl.Transient("connection error", err)
	case errors.As(err, &urlErr) && urlErr.Op == "parse":
		return crawl.Permanent("invalid url", err)
	default:
		return crawl.Transient("fetch failed", err)
	}
}

// RetryAfter parses a Retry-After header given as seconds or an HTTP date.
// Unparseable or past values yield zero.
func RetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := when.Sub(now); d > 0 {
		return d
	}
	return 0
}
