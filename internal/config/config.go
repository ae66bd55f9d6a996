// Package config loads and validates crawl job configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/parlcrawl/crawlkit/internal/enumerate"
)

// Isolation modes for partition workers.
const (
	ModeProcess   = "process"
	ModeInProcess = "inprocess"
)

// Config captures every knob of a crawl job. It is loaded once and passed by
// value; nothing mutates it after Load.
type Config struct {
	Job         JobConfig         `mapstructure:"job"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Output      OutputConfig      `mapstructure:"output"`
	Merge       MergeConfig       `mapstructure:"merge"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Status      StatusConfig      `mapstructure:"status"`
	Fetchers    FetchersConfig    `mapstructure:"fetchers"`
	Export      ExportConfig      `mapstructure:"export"`
}

// JobConfig names the job, its fetcher and its work space.
type JobConfig struct {
	Name    string       `mapstructure:"name"`
	Fetcher string       `mapstructure:"fetcher"`
	Target  TargetConfig `mapstructure:"target"`
}

// TargetConfig describes the unit-of-work space.
type TargetConfig struct {
	Kind        string `mapstructure:"kind"`
	Start       string `mapstructure:"start"`
	End         string `mapstructure:"end"`
	Step        int    `mapstructure:"step"`
	From        int    `mapstructure:"from"`
	To          int    `mapstructure:"to"`
	File        string `mapstructure:"file"`
	IDTemplate  string `mapstructure:"id_template"`
	RefTemplate string `mapstructure:"ref_template"`
	Offset      int    `mapstructure:"offset"`
	Limit       int    `mapstructure:"limit"`
	MaxPages    int    `mapstructure:"max_pages"`
}

// Enumerate converts the target into the enumerator description.
func (t TargetConfig) Enumerate() enumerate.Target {
	return enumerate.Target{
		Kind:        t.Kind,
		Start:       t.Start,
		End:         t.End,
		Step:        t.Step,
		From:        t.From,
		To:          t.To,
		File:        t.File,
		IDTemplate:  t.IDTemplate,
		RefTemplate: t.RefTemplate,
		Offset:      t.Offset,
		Limit:       t.Limit,
		MaxPages:    t.MaxPages,
	}
}

// ConcurrencyConfig controls both concurrency levels and pacing.
type ConcurrencyConfig struct {
	Processes        int           `mapstructure:"processes"`
	PerPartition     int           `mapstructure:"per_partition"`
	Mode             string        `mapstructure:"mode"`
	PartitionRetries int           `mapstructure:"partition_retries"`
	RelaunchDelay    time.Duration `mapstructure:"relaunch_delay"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
	PolitenessMin    time.Duration `mapstructure:"politeness_min"`
	PolitenessMax    time.Duration `mapstructure:"politeness_max"`
}

// RetryConfig parameterises the retry policy.
type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	JitterMin        time.Duration `mapstructure:"jitter_min"`
	JitterMax        time.Duration `mapstructure:"jitter_max"`
	BlockedBaseDelay time.Duration `mapstructure:"blocked_base_delay"`
	PauseOnBlock     bool          `mapstructure:"pause_on_block"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
}

// OutputConfig locates shards and canonical output.
type OutputConfig struct {
	Dir             string `mapstructure:"dir"`
	Fsync           bool   `mapstructure:"fsync"`
	MaxPayloadBytes int64  `mapstructure:"max_payload_bytes"`
}

// ResultsDir holds per-partition result shards.
func (o OutputConfig) ResultsDir() string { return filepath.Join(o.Dir, "shards", "results") }

// CheckpointsDir holds per-partition checkpoint shards.
func (o OutputConfig) CheckpointsDir() string { return filepath.Join(o.Dir, "shards", "checkpoints") }

// MergeConfig tunes the merge report.
type MergeConfig struct {
	FailureSamples int `mapstructure:"failure_samples"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is a zap level name such as debug, info or warn.
	Level string `mapstructure:"level"`
}

// StatusConfig enables the HTTP status server.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// FetchersConfig configures the built-in fetchers.
type FetchersConfig struct {
	HTTP     HTTPFetcherConfig     `mapstructure:"http"`
	Headless HeadlessFetcherConfig `mapstructure:"headless"`
}

// HTTPFetcherConfig configures the colly-backed fetcher.
type HTTPFetcherConfig struct {
	UserAgent       string            `mapstructure:"user_agent"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	MaxBodyBytes    int               `mapstructure:"max_body_bytes"`
	IncludeBody     bool              `mapstructure:"include_body"`
	Selectors       map[string]string `mapstructure:"selectors"`
	Headers         map[string]string `mapstructure:"headers"`
	IgnoreRobotsTxt bool              `mapstructure:"ignore_robots_txt"`
}

// HeadlessFetcherConfig configures the chromedp-backed fetcher.
type HeadlessFetcherConfig struct {
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout"`
	WaitSelector      string            `mapstructure:"wait_selector"`
	UserAgent         string            `mapstructure:"user_agent"`
	Selectors         map[string]string `mapstructure:"selectors"`
	MaxParallel       int               `mapstructure:"max_parallel"`
	ExecPath          string            `mapstructure:"exec_path"`
}

// ExportConfig lists optional post-merge exports.
type ExportConfig struct {
	Postgres PostgresExportConfig `mapstructure:"postgres"`
	SQLite   SQLiteExportConfig   `mapstructure:"sqlite"`
	GCS      GCSExportConfig      `mapstructure:"gcs"`
	PubSub   PubSubExportConfig   `mapstructure:"pubsub"`
}

// PostgresExportConfig upserts canonical results into a table.
type PostgresExportConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// SQLiteExportConfig writes canonical results into a local database.
type SQLiteExportConfig struct {
	Path  string `mapstructure:"path"`
	Table string `mapstructure:"table"`
}

// GCSExportConfig uploads canonical files to a bucket.
type GCSExportConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubExportConfig publishes the run summary.
type PubSubExportConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"processes":   "concurrency.processes",
	"concurrency": "concurrency.per_partition",
	"mode":        "concurrency.mode",
	"out":         "output.dir",
	"fetcher":     "job.fetcher",
	"status-addr": "status.addr",
	"dev":         "logging.development",
	"log-level":   "logging.level",
}

// Load builds a Config from defaults, an optional file, CRAWLKIT_* environment
// variables and any flags in fs that were set explicitly.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if flag := fs.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job.name", "crawl")
	v.SetDefault("job.fetcher", "http")
	v.SetDefault("job.target.kind", enumerate.KindDates)
	v.SetDefault("job.target.start", "")
	v.SetDefault("job.target.end", "")
	v.SetDefault("job.target.step", 1)
	v.SetDefault("job.target.from", 0)
	v.SetDefault("job.target.to", 0)
	v.SetDefault("job.target.file", "")
	v.SetDefault("job.target.id_template", "")
	v.SetDefault("job.target.ref_template", "")
	v.SetDefault("job.target.offset", 0)
	v.SetDefault("job.target.limit", 0)
	v.SetDefault("job.target.max_pages", 0)
	v.SetDefault("concurrency.processes", 4)
	v.SetDefault("concurrency.per_partition", 2)
	v.SetDefault("concurrency.mode", ModeProcess)
	v.SetDefault("concurrency.partition_retries", 1)
	v.SetDefault("concurrency.relaunch_delay", 2*time.Second)
	v.SetDefault("concurrency.shutdown_grace", 90*time.Second)
	v.SetDefault("concurrency.burst", 1)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter_min", 0)
	v.SetDefault("retry.jitter_max", 500*time.Millisecond)
	v.SetDefault("retry.blocked_base_delay", 30*time.Second)
	v.SetDefault("retry.pause_on_block", true)
	v.SetDefault("retry.attempt_timeout", 60*time.Second)
	v.SetDefault("output.dir", "data/out")
	v.SetDefault("output.fsync", true)
	v.SetDefault("output.max_payload_bytes", 16<<20)
	v.SetDefault("merge.failure_samples", 10)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("status.addr", "")
	v.SetDefault("fetchers.http.user_agent", "crawlkit/1.0")
	v.SetDefault("fetchers.http.timeout", 30*time.Second)
	v.SetDefault("fetchers.http.max_body_bytes", 10<<20)
	v.SetDefault("fetchers.headless.navigation_timeout", 45*time.Second)
	v.SetDefault("fetchers.headless.max_parallel", 1)
	v.SetDefault("export.postgres.table", "crawl_results")
	v.SetDefault("export.sqlite.table", "crawl_results")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Concurrency.Processes <= 0 {
		return fmt.Errorf("concurrency.processes must be > 0")
	}
	if c.Concurrency.PerPartition <= 0 {
		return fmt.Errorf("concurrency.per_partition must be > 0")
	}
	if c.Concurrency.Mode != ModeProcess && c.Concurrency.Mode != ModeInProcess {
		return fmt.Errorf("concurrency.mode must be %q or %q", ModeProcess, ModeInProcess)
	}
	if c.Concurrency.PartitionRetries < 0 {
		return fmt.Errorf("concurrency.partition_retries must be >= 0")
	}
	if c.Concurrency.PolitenessMax < c.Concurrency.PolitenessMin {
		return fmt.Errorf("concurrency.politeness_max must be >= politeness_min")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be > 0 and <= retry.max_delay")
	}
	if c.Retry.JitterMin < 0 || c.Retry.JitterMax < c.Retry.JitterMin {
		return fmt.Errorf("retry.jitter_max must be >= retry.jitter_min >= 0")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Job.Fetcher == "" {
		return fmt.Errorf("job.fetcher is required")
	}
	switch strings.ToLower(c.Job.Target.Kind) {
	case enumerate.KindDates, enumerate.KindMonths, enumerate.KindYears:
		if c.Job.Target.Start == "" || c.Job.Target.End == "" {
			return fmt.Errorf("job.target.start and job.target.end are required for %s targets", c.Job.Target.Kind)
		}
	case enumerate.KindRange:
	case enumerate.KindPages:
		if c.Job.Target.MaxPages < 0 {
			return fmt.Errorf("job.target.max_pages must be >= 0")
		}
	case enumerate.KindList:
		if c.Job.Target.File == "" {
			return fmt.Errorf("job.target.file is required for list targets")
		}
	default:
		return fmt.Errorf("job.target.kind %q is not supported", c.Job.Target.Kind)
	}
	if c.Export.PubSub.ProjectID != "" && c.Export.PubSub.Topic == "" {
		return fmt.Errorf("export.pubsub.topic must be set when project_id is set")
	}
	return nil
}
