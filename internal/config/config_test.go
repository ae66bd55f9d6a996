package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CRAWLKIT_JOB_TARGET_START", "2024-01-01")
	t.Setenv("CRAWLKIT_JOB_TARGET_END", "2024-01-31")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Concurrency.Processes)
	require.Equal(t, 2, cfg.Concurrency.PerPartition)
	require.Equal(t, ModeProcess, cfg.Concurrency.Mode)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
	require.True(t, cfg.Output.Fsync)
	require.Equal(t, filepath.Join("data/out", "shards", "results"), cfg.Output.ResultsDir())
	require.Equal(t, "2024-01-01", cfg.Job.Target.Start)
}

func TestLoadWithFileAndFlags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
job:
  name: uk-committees
  fetcher: headless
  target:
    kind: months
    start: "2021-01"
    end: "2025-04"
    id_template: "uk_{{.Key}}"
    offset: 2
    limit: 10
concurrency:
  processes: 8
  per_partition: 3
  mode: inprocess
  politeness_min: 3s
  politeness_max: 6s
retry:
  max_attempts: 5
  base_delay: 4s
  max_delay: 10s
fetchers:
  http:
    selectors:
      title: h1
export:
  sqlite:
    path: out.db
`), 0o600))

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.Int("processes", 0, "")
	fs.String("out", "", "")
	require.NoError(t, fs.Parse([]string{"--processes=2", "--out=" + dir}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	require.Equal(t, "uk-committees", cfg.Job.Name)
	require.Equal(t, "headless", cfg.Job.Fetcher)
	require.Equal(t, 2, cfg.Concurrency.Processes)
	require.Equal(t, 3, cfg.Concurrency.PerPartition)
	require.Equal(t, ModeInProcess, cfg.Concurrency.Mode)
	require.Equal(t, 3*time.Second, cfg.Concurrency.PolitenessMin)
	require.Equal(t, dir, cfg.Output.Dir)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, "h1", cfg.Fetchers.HTTP.Selectors["title"])
	require.Equal(t, "out.db", cfg.Export.SQLite.Path)

	target := cfg.Job.Target.Enumerate()
	require.Equal(t, "months", target.Kind)
	require.Equal(t, 2, target.Offset)
	require.Equal(t, 10, target.Limit)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Job: JobConfig{Fetcher: "http", Target: TargetConfig{Kind: "dates", Start: "2024-01-01", End: "2024-01-02"}},
		Concurrency: ConcurrencyConfig{Processes: 1, PerPartition: 1, Mode: ModeProcess},
		Retry:       RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Second},
		Output:      OutputConfig{Dir: "out"},
	}
	require.NoError(t, base.Validate())

	pages := base
	pages.Job.Target = TargetConfig{Kind: "pages", From: 1, MaxPages: 50}
	require.NoError(t, pages.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"processes", func(c *Config) { c.Concurrency.Processes = 0 }, "concurrency.processes"},
		{"per partition", func(c *Config) { c.Concurrency.PerPartition = 0 }, "concurrency.per_partition"},
		{"mode", func(c *Config) { c.Concurrency.Mode = "thread" }, "concurrency.mode"},
		{"attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"delays", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "retry.base_delay"},
		{"jitter", func(c *Config) { c.Retry.JitterMin = time.Second }, "retry.jitter_max"},
		{"output", func(c *Config) { c.Output.Dir = "" }, "output.dir"},
		{"dates", func(c *Config) { c.Job.Target.End = "" }, "job.target.start"},
		{"list", func(c *Config) { c.Job.Target = TargetConfig{Kind: "list"} }, "job.target.file"},
		{"max pages", func(c *Config) { c.Job.Target = TargetConfig{Kind: "pages", MaxPages: -1} }, "job.target.max_pages"},
		{"kind", func(c *Config) { c.Job.Target.Kind = "weeks" }, "job.target.kind"},
		{"pubsub", func(c *Config) { c.Export.PubSub.ProjectID = "p" }, "export.pubsub.topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
