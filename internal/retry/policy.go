// Package retry classifies fetch failures and computes jittered exponential
// backoff delays.
package retry

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Class is the retry classification of an error.
type Class int

// Error classes.
const (
	ClassTransient Class = iota
	ClassBlocked
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassBlocked:
		return "blocked"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Config parameterises a Policy.
type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	JitterMin        time.Duration
	JitterMax        time.Duration
	BlockedBaseDelay time.Duration
}

// DefaultConfig mirrors the crawl defaults: three attempts, 1s doubling up to
// 30s, up to 500ms of jitter, and a 30s base when the target blocks us.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		JitterMax:        500 * time.Millisecond,
		BlockedBaseDelay: 30 * time.Second,
	}
}

// Policy is the single retry policy shared by every partition.
type Policy struct {
	cfg    Config
	jitter func(limit time.Duration) time.Duration
}

// New builds a Policy, filling zero fields from DefaultConfig.
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BlockedBaseDelay <= 0 {
		cfg.BlockedBaseDelay = def.BlockedBaseDelay
	}
	if cfg.JitterMin < 0 {
		cfg.JitterMin = 0
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	return &Policy{cfg: cfg, jitter: randomJitter}
}

// MaxAttempts is the total number of attempts allowed per item.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// Classify maps an error to a retry class. Anything that is not explicitly
// permanent is retried: timeouts, resets and unknown errors alike, bounded by
// the attempt cap.
func (p *Policy) Classify(err error) Class {
	var perm *crawl.PermanentFetchError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	var transient *crawl.TransientFetchError
	if errors.As(err, &transient) && transient.Blocked {
		return ClassBlocked
	}
	return ClassTransient
}

// ShouldRetry reports whether another attempt is allowed after attempt
// (1-based) failed with class.
func (p *Policy) ShouldRetry(class Class, attempt int) bool {
	return class != ClassPermanent && attempt < p.cfg.MaxAttempts
}

// Delay returns the wait before attempt+1: base*2^(attempt-1) capped at the
// max delay, plus uniform jitter. Blocked failures use the blocked base and
// never wait less than the server's Retry-After hint.
func (p *Policy) Delay(attempt int, class Class, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.cfg.BaseDelay
	ceiling := p.cfg.MaxDelay
	if class == ClassBlocked {
		base = p.cfg.BlockedBaseDelay
		ceiling = max(ceiling, base)
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(ceiling) {
		delay = float64(ceiling)
	}
	out := time.Duration(delay) + p.cfg.JitterMin + p.jitter(p.cfg.JitterMax-p.cfg.JitterMin)
	if class == ClassBlocked && hint > out {
		out = hint
	}
	return out
}

// RetryAfter extracts the server hint from a blocked error, if any.
func RetryAfter(err error) time.Duration {
	var transient *crawl.TransientFetchError
	if errors.As(err, &transient) {
		return transient.RetryAfter
	}
	return 0
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
