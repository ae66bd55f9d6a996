// Package pubsub announces finished runs on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Config names the project and topic.
type Config struct {
	ProjectID string
	Topic     string
}

// Exporter publishes the run summary as a JSON message.
type Exporter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New creates a Pub/Sub client. Options allow tests to point it at pstest.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Exporter, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("export.pubsub.project_id and topic are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Exporter{client: client, topic: client.Topic(cfg.Topic), logger: logger}, nil
}

// Name implements export.Exporter.
func (e *Exporter) Name() string { return "pubsub" }

// Close flushes pending messages and closes the client.
func (e *Exporter) Close() error {
	e.topic.Stop()
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// Export publishes summary and waits for the server ack.
func (e *Exporter) Export(ctx context.Context, summary crawl.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id":    summary.RunID,
			"job":       summary.Job,
			"state":     summary.State,
			"succeeded": strconv.Itoa(summary.Succeeded),
			"failed":    strconv.Itoa(summary.Failed),
		},
	}
	id, err := e.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	e.logger.Debug("summary published", zap.String("message_id", id))
	return nil
}
