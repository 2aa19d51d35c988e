// Package store defines the persistence contract for articles and crawl
// checkpoints. The store owns article identity: IDs are allocated inside the
// upsert transaction and are never reused, not even after Delete.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aserikov/newsdedup/internal/pipeline"
)

// Sentinel errors shared by every backend.
var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a concurrent writer claimed the same
	// link or fingerprint first. Callers re-resolve once and retry.
	ErrConflict = errors.New("store: conflict")
)

// Filter narrows List and Query results. Zero values mean "no constraint".
type Filter struct {
	Tag  string
	From time.Time
	To   time.Time
}

// Page is one keyset-paginated slice of records.
type Page struct {
	Records       []pipeline.ArticleRecord
	NextPageToken string
}

// ArticleIter walks matching records lazily in ascending ID order. Callers
// must call Close; Err reports the first failure encountered while iterating.
type ArticleIter interface {
	Next(ctx context.Context) bool
	Article() pipeline.ArticleRecord
	Err() error
	Close() error
}

// Store is the persistence surface of the pipeline.
type Store interface {
	// Upsert applies a resolver decision in a single transaction and
	// returns the durable record. Insert allocates a fresh identity; Skip
	// records the alternate link against the existing record; Update
	// rewrites the changed fields and refreshes the fingerprint.
	Upsert(ctx context.Context, decision pipeline.Decision, cand pipeline.ArticleCandidate) (pipeline.ArticleRecord, error)

	GetByID(ctx context.Context, id int64) (pipeline.ArticleRecord, error)
	GetByLink(ctx context.Context, link string) (pipeline.ArticleRecord, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (pipeline.ArticleRecord, error)

	// List returns one page in ascending ID order. pageToken is the value
	// returned by the previous page, empty for the first page.
	List(ctx context.Context, filter Filter, pageToken string, limit int) (Page, error)

	// Query streams every matching record; used by index rebuilds.
	Query(ctx context.Context, filter Filter) (ArticleIter, error)

	// KnownLinks reports which of the given links already have records,
	// including alternate links. Used to resume crawls without refetching.
	KnownLinks(ctx context.Context, links []string) (map[string]bool, error)

	// Delete removes a record. Its identity is retired, never reissued.
	Delete(ctx context.Context, id int64) error

	SaveCheckpoint(ctx context.Context, cp pipeline.Checkpoint) error
	LoadCheckpoint(ctx context.Context, runID string) (pipeline.Checkpoint, error)

	Close()
}
