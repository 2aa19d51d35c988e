// Package sinks contains progress.Sink implementations: a structured log
// sink and a Prometheus sink feeding the process metrics.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/progress"
)

// LogSink writes each progress event as a structured log line. This is the
// "logging sink" consumers point external tooling at during development.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site))
		}
		if evt.Link != "" {
			fields = append(fields, zap.String("link", evt.Link))
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Count > 0 {
			fields = append(fields, zap.Int64("count", evt.Count))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
