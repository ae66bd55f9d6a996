// Package collyfetcher implements crawl.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/config"
	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/fetcher"
)

// Name is the registry key for this fetcher.
const Name = "http"

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	MaxBodyBytes  int
	IncludeBody   bool
	Selectors     map[string]string
	Headers       map[string]string
	RespectRobots bool
	Transport     http.RoundTripper
	Now           func() time.Time
}

// Fetcher fetches each item's Ref with a GET and extracts configured fields.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	attempts      *attemptTransport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type visitOutcome struct {
	url     string
	status  int
	headers http.Header
	body    []byte
	err     error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodyBytes
	base := cfg.Transport
	if base == nil {
		base = newHTTPTransport()
	}
	attempts := &attemptTransport{base: base}
	c.WithTransport(attempts)
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, baseCollector: c, attempts: attempts}
}

// Factory adapts New to the fetcher registry.
func Factory(cfg config.FetchersConfig, logger *zap.Logger) (crawl.Fetcher, func(), error) {
	logger.Debug("http fetcher configured",
		zap.String("user_agent", cfg.HTTP.UserAgent),
		zap.Int("selectors", len(cfg.HTTP.Selectors)),
	)
	return New(Config{
		UserAgent:     cfg.HTTP.UserAgent,
		Timeout:       cfg.HTTP.Timeout,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		IncludeBody:   cfg.HTTP.IncludeBody,
		Selectors:     cfg.HTTP.Selectors,
		Headers:       cfg.HTTP.Headers,
		RespectRobots: !cfg.HTTP.IgnoreRobotsTxt,
	}), nil, nil
}

// FetchAndExtract executes a single HTTP GET for item.Ref.
func (f *Fetcher) FetchAndExtract(ctx context.Context, item crawl.WorkItem) (crawl.Result, error) {
	var out visitOutcome
	key, release := f.attempts.track(ctx)
	defer release()
	collector := f.buildCollector(&out, key)
	if err := f.runCollector(ctx, collector, item.Ref); err != nil {
		return crawl.Result{}, err
	}
	if out.err != nil && out.status == 0 {
		return crawl.Result{}, classifyVisit(out.err)
	}
	if err := fetcher.ClassifyStatus(out.status, out.headers, f.cfg.Now()); err != nil {
		return crawl.Result{}, err
	}

	fields, err := fetcher.Extract(out.body, f.cfg.Selectors)
	if err != nil {
		return crawl.Result{}, crawl.Permanent("extract fields", err)
	}
	for name := range f.cfg.Selectors {
		if _, ok := fields[name]; !ok {
			return crawl.Result{}, crawl.Permanent(fmt.Sprintf("selector %q matched nothing", name), nil)
		}
	}
	page := fetcher.Page{URL: out.url, Status: out.status, Fields: fields}
	if f.cfg.IncludeBody {
		page.Body = string(out.body)
	}
	return fetcher.Result(item, page)
}

func (f *Fetcher) buildCollector(out *visitOutcome, attempt string) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	f.configureCollectorHooks(collector, out, attempt)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, out *visitOutcome, attempt string) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range f.cfg.Headers {
			r.Headers.Set(key, value)
		}
		if attempt != "" {
			r.Headers.Set(attemptHeader, attempt)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		out.url = r.Request.URL.String()
		out.status = r.StatusCode
		out.headers = r.Headers.Clone()
		out.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		out.err = err
		if r != nil && r.StatusCode != 0 {
			out.status = r.StatusCode
			if r.Headers != nil {
				out.headers = r.Headers.Clone()
			}
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return crawl.Transient("request canceled", ctx.Err())
	case err := <-done:
		if err != nil {
			return classifyVisit(err)
		}
		return nil
	}
}

// attemptHeader carries the attempt key from the collector to the transport.
// It never leaves the process.
const attemptHeader = "X-Crawlkit-Attempt"

var errAttemptOver = errors.New("fetch attempt already finished")

// attemptTransport binds each request to the context of the fetch attempt
// that issued it, so a cancelled or timed-out attempt aborts its round trip
// instead of leaving the visit running until the collector timeout. Clones
// share one transport, hence the lookup by key.
type attemptTransport struct {
	base  http.RoundTripper
	seq   atomic.Uint64
	calls sync.Map
}

func (t *attemptTransport) track(ctx context.Context) (string, func()) {
	key := strconv.FormatUint(t.seq.Add(1), 10)
	t.calls.Store(key, ctx)
	return key, func() { t.calls.Delete(key) }
}

func (t *attemptTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	key := req.Header.Get(attemptHeader)
	if key == "" {
		return t.base.RoundTrip(req)
	}
	v, ok := t.calls.Load(key)
	if !ok {
		return nil, errAttemptOver
	}
	ctx, _ := v.(context.Context)
	out := req.Clone(ctx)
	out.Header.Del(attemptHeader)
	return t.base.RoundTrip(out)
}

func classifyVisit(err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return crawl.Permanent("disallowed by robots.txt", err)
	case errors.Is(err, colly.ErrMissingURL), errors.Is(err, colly.ErrForbiddenDomain):
		return crawl.Permanent("invalid url", err)
	case errors.Is(err, colly.ErrMaxDepth), errors.Is(err, colly.ErrForbiddenURL):
		return crawl.Permanent("url not allowed", err)
	default:
		return fetcher.ClassifyTransport(err)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
