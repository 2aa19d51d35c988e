// Package pipeline defines the core types shared across the ingestion
// subsystems: raw pages, article candidates and records, resolver decisions,
// and crawl run state.
package pipeline

import (
	"net/http"
	"time"
)

// RawPage is the result of a successful fetch.
type RawPage struct {
	Link        string
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	FetchedAt   time.Time
	Duration    time.Duration
	Attempts    int
	UsedHeadless bool
}

// ArticleCandidate is the ephemeral output of the Extractor. It carries no
// identity; the Resolver attaches the content fingerprint before the Store
// sees it.
type ArticleCandidate struct {
	Link        string
	Title       string
	PublishedAt time.Time
	Author      string
	Tags        []string
	Body        string
	RelatedLinks []string

	// Fingerprint is filled in by the Resolver from the normalized body.
	Fingerprint string
}

// ArticleRecord is the durable form owned by the Store.
type ArticleRecord struct {
	ID          int64     `json:"id"`
	Link        string    `json:"link"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
	Author      string    `json:"author,omitempty"`
	Tags        []string  `json:"tags"`
	Body        string    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	// AltLinks records alternate URLs that resolved to this record's
	// fingerprint (provenance for content-level dedup).
	AltLinks  []string  `json:"alt_links,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DecisionKind enumerates the Resolver outcomes.
type DecisionKind string

// Resolver decision kinds.
const (
	DecisionInsert DecisionKind = "insert"
	DecisionSkip   DecisionKind = "skip"
	DecisionUpdate DecisionKind = "update"
)

// Decision is the Resolver verdict for one candidate.
type Decision struct {
	Kind       DecisionKind
	ExistingID int64
	// ChangedFields lists what an Update must touch (title, date, tags, body).
	ChangedFields []string
	// AltLink is set on a fingerprint-matched Skip so the Store can record
	// the alternate URL against the existing record.
	AltLink string
}

// RunState is the lifecycle state of a crawl run.
type RunState string

// Crawl run states.
const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// Checkpoint is the durable resume point for a crawl run.
type Checkpoint struct {
	RunID          string
	State          RunState
	ProcessedCount int64
	LastLink       string
	LastError      string
	UpdatedAt      time.Time
}

// CrawlStatus is the control-plane view of the orchestrator.
type CrawlStatus struct {
	RunID          string   `json:"run_id,omitempty"`
	State          RunState `json:"state"`
	ProcessedCount int64    `json:"processed_count"`
	InsertedCount  int64    `json:"inserted_count"`
	SkippedCount   int64    `json:"skipped_count"`
	UpdatedCount   int64    `json:"updated_count"`
	FailedCount    int64    `json:"failed_count"`
	LastLink       string   `json:"last_link,omitempty"`
	LastError      string   `json:"last_error,omitempty"`
}

// Hit is a single similarity query result.
type Hit struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}
