// Package progress defines the structured event stream emitted by the crawl
// pipeline: run lifecycle, fetch attempts and failures, extraction errors,
// ingestion decisions, and index rebuilds.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunPaused    Stage = "RUN_PAUSED"
	StageRunResumed   Stage = "RUN_RESUMED"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
	StageFetchStart   Stage = "FETCH_START"
	StageFetchDone    Stage = "FETCH_DONE"
	StageFetchRetry   Stage = "FETCH_RETRY"
	StageFetchFailed  Stage = "FETCH_FAILED"
	StageExtractError Stage = "EXTRACT_ERROR"
	StageDecision     Stage = "INGEST_DECISION"
	StageIndexRebuild Stage = "INDEX_REBUILD"
)

// Event captures a single milestone of pipeline progress.
type Event struct {
	// RunID identifies the crawl run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Site scopes fetch events to a host label.
	Site string
	// Link is the page URL the event concerns, if any.
	Link string
	// Kind carries stage-specific classification: the fetch error kind for
	// retries and failures, the resolver decision for INGEST_DECISION.
	Kind string
	// Attempt is the 1-based fetch attempt number.
	Attempt int
	// Bytes is the response size for completed fetches.
	Bytes int64
	// Count carries stage-specific totals: documents after a rebuild,
	// processed links on run completion.
	Count int64
	// Dur captures latency for fetches, rebuilds, and run completion.
	Dur time.Duration
	// Note attaches low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunPaused, StageRunResumed, StageRunDone, StageRunError, StageIndexRebuild:
	case StageFetchStart, StageFetchDone:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageFetchRetry, StageFetchFailed:
		if e.Kind == "" {
			return fmt.Errorf("%s requires failure kind", e.Stage)
		}
	case StageExtractError:
		if e.Link == "" {
			return errors.New("extract error requires link")
		}
	case StageDecision:
		if e.Kind == "" {
			return errors.New("ingest decision requires kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID form.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// RunIDBytes encodes a uuid.UUID into the Event form.
func RunIDBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
