package sinks

import (
	"context"

	"github.com/aserikov/newsdedup/internal/metrics"
	"github.com/aserikov/newsdedup/internal/progress"
)

// PrometheusSink translates progress events into the shared process metrics.
// Collectors live in the metrics package; this sink only feeds them, so it
// can be constructed any number of times without registration conflicts.
type PrometheusSink struct{}

// NewPrometheusSink ensures the collectors exist and returns the sink.
func NewPrometheusSink() *PrometheusSink {
	metrics.Init()
	return &PrometheusSink{}
}

// Consume updates the metrics for each event in the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageFetchDone:
		metrics.ObserveFetchAttempt(evt.Site, "ok", int(evt.Bytes))
	case progress.StageFetchRetry:
		metrics.ObserveFetchAttempt(evt.Site, "retry", 0)
	case progress.StageFetchFailed:
		metrics.ObserveFetchFailure(evt.Site, evt.Kind)
	case progress.StageExtractError:
		metrics.ObserveExtractionError()
	case progress.StageDecision:
		metrics.ObserveDecision(evt.Kind)
	case progress.StageIndexRebuild:
		metrics.ObserveIndexRebuild(int(evt.Count))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
