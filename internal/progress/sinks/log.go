package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/parlcrawl/crawlkit/internal/progress"
)

// LogSink writes partition milestones at info level and item events at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("partition", evt.Partition),
		}
		if evt.ItemID != "" {
			fields = append(fields,
				zap.String("item_id", evt.ItemID),
				zap.Int("attempt", evt.Attempt),
				zap.String("outcome", evt.Outcome),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageItemAttempt, progress.StageItemDone:
			s.logger.Debug("progress event", fields...)
		case progress.StagePartitionCrash, progress.StageRunError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
