// Package memory provides an in-memory Store for development and testing.
// It mirrors the Postgres backend's semantics, including single-writer
// upserts, conflict detection, and monotone identity allocation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/store"
)

// Store implements store.Store with mutex-guarded maps.
type Store struct {
	mu          sync.RWMutex
	articles    map[int64]pipeline.ArticleRecord
	byLink      map[string]int64
	byAltLink   map[string]int64
	byFP        map[string]int64
	checkpoints map[string]pipeline.Checkpoint
	nextID      int64
	clock       pipeline.Clock
}

// New constructs an empty Store. clock may be nil; time.Now is used then.
func New(clock pipeline.Clock) *Store {
	return &Store{
		articles:    make(map[int64]pipeline.ArticleRecord),
		byLink:      make(map[string]int64),
		byAltLink:   make(map[string]int64),
		byFP:        make(map[string]int64),
		checkpoints: make(map[string]pipeline.Checkpoint),
		clock:       clock,
	}
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

// Upsert applies a resolver decision atomically under the store lock.
func (s *Store) Upsert(_ context.Context, decision pipeline.Decision, cand pipeline.ArticleCandidate) (pipeline.ArticleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch decision.Kind {
	case pipeline.DecisionInsert:
		return s.insertLocked(cand)
	case pipeline.DecisionSkip:
		return s.skipLocked(decision)
	case pipeline.DecisionUpdate:
		return s.updateLocked(decision, cand)
	default:
		return pipeline.ArticleRecord{}, fmt.Errorf("unknown decision kind %q", decision.Kind)
	}
}

func (s *Store) insertLocked(cand pipeline.ArticleCandidate) (pipeline.ArticleRecord, error) {
	if _, taken := s.byLink[cand.Link]; taken {
		return pipeline.ArticleRecord{}, fmt.Errorf("link %q already stored: %w", cand.Link, store.ErrConflict)
	}
	if _, taken := s.byFP[cand.Fingerprint]; taken {
		return pipeline.ArticleRecord{}, fmt.Errorf("fingerprint already stored: %w", store.ErrConflict)
	}

	s.nextID++
	now := s.now()
	rec := pipeline.ArticleRecord{
		ID:          s.nextID,
		Link:        cand.Link,
		Title:       cand.Title,
		PublishedAt: cand.PublishedAt,
		Author:      cand.Author,
		Tags:        append([]string(nil), cand.Tags...),
		Body:        cand.Body,
		Fingerprint: cand.Fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.articles[rec.ID] = rec
	s.byLink[rec.Link] = rec.ID
	s.byFP[rec.Fingerprint] = rec.ID
	return rec, nil
}

func (s *Store) skipLocked(decision pipeline.Decision) (pipeline.ArticleRecord, error) {
	rec, ok := s.articles[decision.ExistingID]
	if !ok {
		return pipeline.ArticleRecord{}, fmt.Errorf("skip target %d: %w", decision.ExistingID, store.ErrNotFound)
	}
	if decision.AltLink != "" && !contains(rec.AltLinks, decision.AltLink) {
		rec.AltLinks = append(rec.AltLinks, decision.AltLink)
		rec.UpdatedAt = s.now()
		s.articles[rec.ID] = rec
		s.byAltLink[decision.AltLink] = rec.ID
	}
	return rec, nil
}

func (s *Store) updateLocked(decision pipeline.Decision, cand pipeline.ArticleCandidate) (pipeline.ArticleRecord, error) {
	rec, ok := s.articles[decision.ExistingID]
	if !ok {
		return pipeline.ArticleRecord{}, fmt.Errorf("update target %d: %w", decision.ExistingID, store.ErrNotFound)
	}

	for _, field := range decision.ChangedFields {
		switch field {
		case "body":
			if owner, taken := s.byFP[cand.Fingerprint]; taken && owner != rec.ID {
				return pipeline.ArticleRecord{}, fmt.Errorf("fingerprint owned by %d: %w", owner, store.ErrConflict)
			}
			delete(s.byFP, rec.Fingerprint)
			rec.Body = cand.Body
			rec.Fingerprint = cand.Fingerprint
			s.byFP[rec.Fingerprint] = rec.ID
		case "title":
			rec.Title = cand.Title
		case "published_at":
			rec.PublishedAt = cand.PublishedAt
		case "author":
			rec.Author = cand.Author
		case "tags":
			rec.Tags = unionTags(rec.Tags, cand.Tags)
		}
	}
	rec.UpdatedAt = s.now()
	s.articles[rec.ID] = rec
	return rec, nil
}

// GetByID returns the record with the given identity.
func (s *Store) GetByID(_ context.Context, id int64) (pipeline.ArticleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.articles[id]
	if !ok {
		return pipeline.ArticleRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// GetByLink returns the record whose canonical link matches.
func (s *Store) GetByLink(_ context.Context, link string) (pipeline.ArticleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byLink[link]
	if !ok {
		return pipeline.ArticleRecord{}, store.ErrNotFound
	}
	return s.articles[id], nil
}

// GetByFingerprint returns the record owning the fingerprint.
func (s *Store) GetByFingerprint(_ context.Context, fingerprint string) (pipeline.ArticleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFP[fingerprint]
	if !ok {
		return pipeline.ArticleRecord{}, store.ErrNotFound
	}
	return s.articles[id], nil
}

// List returns one keyset page in ascending ID order.
func (s *Store) List(_ context.Context, filter store.Filter, pageToken string, limit int) (store.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	afterID := int64(0)
	if pageToken != "" {
		parsed, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return store.Page{}, fmt.Errorf("invalid page token %q", pageToken)
		}
		afterID = parsed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sortedIDsLocked()
	var page store.Page
	for _, id := range ids {
		if id <= afterID {
			continue
		}
		rec := s.articles[id]
		if !matches(filter, rec) {
			continue
		}
		page.Records = append(page.Records, rec)
		if len(page.Records) == limit {
			page.NextPageToken = strconv.FormatInt(id, 10)
			break
		}
	}
	return page, nil
}

// Query returns a lazy iterator over a snapshot of matching IDs.
func (s *Store) Query(_ context.Context, filter store.Filter) (store.ArticleIter, error) {
	s.mu.RLock()
	ids := s.sortedIDsLocked()
	s.mu.RUnlock()

	return &iter{store: s, filter: filter, ids: ids}, nil
}

// KnownLinks reports which links already have records, alternates included.
func (s *Store) KnownLinks(_ context.Context, links []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	known := make(map[string]bool, len(links))
	for _, link := range links {
		_, byLink := s.byLink[link]
		_, byAlt := s.byAltLink[link]
		known[link] = byLink || byAlt
	}
	return known, nil
}

// Delete removes the record. The identity counter never moves backwards, so
// the ID is retired permanently.
func (s *Store) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.articles[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.articles, id)
	delete(s.byLink, rec.Link)
	delete(s.byFP, rec.Fingerprint)
	for _, alt := range rec.AltLinks {
		delete(s.byAltLink, alt)
	}
	return nil
}

// SaveCheckpoint upserts the checkpoint for its run.
func (s *Store) SaveCheckpoint(_ context.Context, cp pipeline.Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = s.now()
	s.checkpoints[cp.RunID] = cp
	return nil
}

// LoadCheckpoint fetches the checkpoint for a run.
func (s *Store) LoadCheckpoint(_ context.Context, runID string) (pipeline.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[runID]
	if !ok {
		return pipeline.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) sortedIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.articles))
	for id := range s.articles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type iter struct {
	store  *Store
	filter store.Filter
	ids    []int64
	pos    int
	cur    pipeline.ArticleRecord
	err    error
}

func (it *iter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for it.pos < len(it.ids) {
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		id := it.ids[it.pos]
		it.pos++

		it.store.mu.RLock()
		rec, ok := it.store.articles[id]
		it.store.mu.RUnlock()
		if !ok || !matches(it.filter, rec) {
			continue
		}
		it.cur = rec
		return true
	}
	return false
}

func (it *iter) Article() pipeline.ArticleRecord { return it.cur }
func (it *iter) Err() error                      { return it.err }
func (it *iter) Close() error                    { return nil }

func matches(filter store.Filter, rec pipeline.ArticleRecord) bool {
	if filter.Tag != "" && !contains(rec.Tags, filter.Tag) {
		return false
	}
	if !filter.From.IsZero() && rec.PublishedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && rec.PublishedAt.After(filter.To) {
		return false
	}
	return true
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func unionTags(existing, incoming []string) []string {
	out := append([]string(nil), existing...)
	have := make(map[string]struct{}, len(existing))
	for _, tag := range existing {
		have[tag] = struct{}{}
	}
	for _, tag := range incoming {
		if _, ok := have[tag]; !ok {
			have[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
