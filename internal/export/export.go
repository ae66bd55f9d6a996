// Package export publishes a finished run's canonical output to external
// systems. Exporters run only after a successful merge; their failures are
// reported but never change the run state.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/crawl"
)

// Exporter ships canonical output somewhere else.
type Exporter interface {
	Name() string
	Export(ctx context.Context, summary crawl.RunSummary) error
}

// Run invokes every exporter in order and joins their failures.
func Run(ctx context.Context, exporters []Exporter, summary crawl.RunSummary, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []error
	for _, exp := range exporters {
		start := time.Now()
		if err := exp.Export(ctx, summary); err != nil {
			logger.Error("export failed", zap.String("exporter", exp.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("export %s: %w", exp.Name(), err))
			continue
		}
		logger.Info("export complete",
			zap.String("exporter", exp.Name()),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return errors.Join(errs...)
}
