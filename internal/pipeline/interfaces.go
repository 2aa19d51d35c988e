package pipeline

import (
	"context"
	"time"
)

// Fetcher retrieves a page, retrying transient failures internally. The
// returned error is a *FetchError once the retry budget is spent.
type Fetcher interface {
	Fetch(ctx context.Context, link string) (RawPage, error)
}

// Extractor parses a raw page into an article candidate. Pure; no I/O.
type Extractor interface {
	ExtractArticle(page RawPage) (ArticleCandidate, error)
}

// Resolver fingerprints a candidate and decides insert/skip/update.
type Resolver interface {
	Resolve(ctx context.Context, cand *ArticleCandidate) (Decision, error)
}

// BlobArchive writes raw artifacts and returns a URI.
type BlobArchive interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for fingerprinting.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
