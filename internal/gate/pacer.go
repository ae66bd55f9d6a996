package gate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// PacerConfig controls request pacing for one partition.
type PacerConfig struct {
	// RatePerSecond caps admissions; zero or less means unlimited.
	RatePerSecond float64
	Burst         int
	// MinDelay and MaxDelay add a uniform random pause before each fetch.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Pacer combines a token bucket with a randomized politeness delay.
type Pacer struct {
	limiter  *rate.Limiter
	minDelay time.Duration
	maxDelay time.Duration
}

// NewPacer builds a pacer; it returns nil when the config imposes nothing.
func NewPacer(cfg PacerConfig) *Pacer {
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if limit == rate.Inf && cfg.MaxDelay <= 0 {
		return nil
	}
	return &Pacer{
		limiter:  rate.NewLimiter(limit, burst),
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
	}
}

// Wait blocks for a token and the politeness delay.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	delay := p.delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("politeness wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (p *Pacer) delay() time.Duration {
	span := p.maxDelay - p.minDelay
	if span <= 0 {
		return p.minDelay
	}
	return p.minDelay + rand.N(span) //nolint:gosec // jitter, not security sensitive
}
