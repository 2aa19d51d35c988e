package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"

	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/progress"
)

func sampleBatch() []progress.Event {
	runID := progress.RunIDBytes(uuid.New())
	return []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageFetchDone, Site: "www.inform.kz", Bytes: 2048, Dur: 120 * time.Millisecond},
		{RunID: runID, TS: time.Now(), Stage: progress.StageFetchRetry, Site: "www.inform.kz", Kind: "timeout", Attempt: 2},
		{RunID: runID, TS: time.Now(), Stage: progress.StageDecision, Kind: "insert", Link: "https://www.inform.kz/ru/article/1"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageIndexRebuild, Count: 42},
	}
}

func TestLogSink_WritesOneLinePerEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	batch := sampleBatch()
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, len(batch), logs.Len())

	first := logs.All()[0]
	require.Equal(t, "progress event", first.Message)
	fields := first.ContextMap()
	require.Equal(t, "FETCH_DONE", fields["stage"])
	require.Equal(t, "www.inform.kz", fields["site"])

	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSink_ConsumesWithoutError(t *testing.T) {
	t.Parallel()

	sink := NewPrometheusSink()
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))
}
