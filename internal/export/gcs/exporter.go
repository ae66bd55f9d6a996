// Package gcs uploads a run's canonical output files to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Config names the destination bucket and object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// Bucket opens object writers. *storage.BucketHandle satisfies it through
// bucketHandle.
type Bucket interface {
	NewWriter(ctx context.Context, object, contentType string) io.WriteCloser
}

type bucketHandle struct {
	handle *storage.BucketHandle
}

func (b bucketHandle) NewWriter(ctx context.Context, object, contentType string) io.WriteCloser {
	w := b.handle.Object(object).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	return w
}

// Exporter copies every top-level file in the output directory (canonical
// results, checkpoints, merge report, summary and manifest) to
// gs://<bucket>/<prefix>/<run_id>/.
type Exporter struct {
	bucket Bucket
	name   string
	prefix string
	closer func() error
	logger *zap.Logger
}

// New dials GCS with application default credentials unless opts override them.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export.gcs.bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	exp := NewWithBucket(bucketHandle{handle: client.Bucket(cfg.Bucket)}, cfg, logger)
	exp.closer = client.Close
	return exp, nil
}

// NewWithBucket builds an exporter around an existing bucket.
func NewWithBucket(bucket Bucket, cfg Config, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		bucket: bucket,
		name:   cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		closer: func() error { return nil },
		logger: logger,
	}
}

// Name implements export.Exporter.
func (e *Exporter) Name() string { return "gcs" }

// Close releases the storage client.
func (e *Exporter) Close() error { return e.closer() }

// Export uploads the files and returns the first failure.
func (e *Exporter) Export(ctx context.Context, summary crawl.RunSummary) error {
	entries, err := os.ReadDir(summary.OutputDir)
	if err != nil {
		return fmt.Errorf("list output dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		object := path.Join(e.prefix, summary.RunID, entry.Name())
		if err := e.upload(ctx, filepath.Join(summary.OutputDir, entry.Name()), object); err != nil {
			return err
		}
		e.logger.Debug("uploaded", zap.String("uri", fmt.Sprintf("gs://%s/%s", e.name, object)))
	}
	return nil
}

func (e *Exporter) upload(ctx context.Context, src, object string) error {
	f, err := os.Open(src) //nolint:gosec // path comes from our own output dir
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	writer := e.bucket.NewWriter(ctx, object, contentType(src))
	if _, err := io.Copy(writer, f); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("copy object %s: %w (close writer: %v)", object, err, closeErr)
		}
		return fmt.Errorf("copy object %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer %s: %w", object, err)
	}
	return nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".jsonl":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	case ".toml":
		return "application/toml"
	default:
		return "application/octet-stream"
	}
}
