package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// LogSink emits one structured log line per notification.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each notification in the batch.
func (s *LogSink) Consume(_ context.Context, batch []crawler.Notification) error {
	for _, n := range batch {
		fields := []zap.Field{
			zap.String("job_id", n.JobID),
			zap.String("status", string(n.Status)),
			zap.String("phase", string(n.Phase)),
			zap.Int("processed_pages", n.ProcessedPages),
			zap.Int("total_pages", n.TotalPages),
			zap.Int("documents_crawled", n.DocumentsCrawled),
			zap.Int("snippets_extracted", n.SnippetsExtracted),
			zap.Int("percent", n.PercentComplete),
		}
		if n.Message != "" {
			fields = append(fields, zap.String("message", n.Message))
		}
		if n.Error != "" {
			fields = append(fields, zap.String("error", n.Error))
		}
		s.logger.Info("job notification", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
