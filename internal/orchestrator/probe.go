package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/crawl"
	"github.com/parlcrawl/crawlkit/internal/enumerate"
	"github.com/parlcrawl/crawlkit/internal/retry"
)

// target returns the configured work space, attaching a fetcher-backed probe
// to pages targets.
func (o *Orchestrator) target() (enumerate.Target, error) {
	t := o.cfg.Job.Target.Enumerate()
	if !strings.EqualFold(t.Kind, enumerate.KindPages) {
		return t, nil
	}
	if o.deps.Fetcher == nil {
		return t, fmt.Errorf("%s target requires a fetcher to probe with", enumerate.KindPages)
	}
	t.Probe = o.probePage
	return t, nil
}

// probePage fetches page and reports whether it exists. A permanent failure
// such as a 404 ends pagination. Transient failures are retried under the
// run's retry policy; exhausting them fails planning.
func (o *Orchestrator) probePage(ctx context.Context, n int, page crawl.WorkItem) (bool, error) {
	logger := o.logger.With(zap.Int("page", n), zap.String("ref", page.Ref))
	for attempt := 1; ; attempt++ {
		err := o.fetchProbe(ctx, page)
		if err == nil {
			return true, nil
		}
		class := o.policy.Classify(err)
		if class == retry.ClassPermanent {
			logger.Info("pagination ended", zap.Error(err))
			return false, nil
		}
		if !o.policy.ShouldRetry(class, attempt) {
			return false, fmt.Errorf("page %s: %w", page.ID, err)
		}
		delay := o.policy.Delay(attempt, class, retry.RetryAfter(err))
		logger.Debug("retrying page probe", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, fmt.Errorf("page %s: %w", page.ID, ctx.Err())
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) fetchProbe(ctx context.Context, page crawl.WorkItem) (err error) {
	if timeout := o.cfg.Retry.AttemptTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = crawl.Permanent(fmt.Sprintf("fetcher panic: %v", r), nil)
		}
	}()
	_, err = o.deps.Fetcher.FetchAndExtract(ctx, page)
	return err
}
