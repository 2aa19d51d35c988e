// Package index maintains an in-memory TF-IDF vector space over stored
// article bodies and answers cosine-similarity queries against it.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/textnorm"
)

// Stats is a point-in-time snapshot of index state.
type Stats struct {
	Documents     int       `json:"documents"`
	Terms         int       `json:"terms"`
	SinceRebuild  int       `json:"since_rebuild"`
	LastRebuildAt time.Time `json:"last_rebuild_at,omitempty"`
	Dirty         bool      `json:"dirty"`
}

type docVector struct {
	weights map[string]float64
	norm    float64
}

// state is the full indexed corpus. Rebuild constructs a fresh state aside
// and swaps it in under the write lock.
type state struct {
	counts   map[int64]map[string]int
	df       map[string]int
	postings map[string]map[int64]struct{}
	vectors  map[int64]*docVector
}

func newState() *state {
	return &state{
		counts:   make(map[int64]map[string]int),
		df:       make(map[string]int),
		postings: make(map[string]map[int64]struct{}),
		vectors:  make(map[int64]*docVector),
	}
}

// Index is safe for one writer and many concurrent readers. Incremental
// inserts weight only the new document against the statistics of the moment,
// so older vectors drift slightly stale until the next Rebuild.
type Index struct {
	mu            sync.RWMutex
	st            *state
	sinceRebuild  int
	lastRebuildAt time.Time
	dirty         bool
	logger        *zap.Logger
}

// New creates an empty index.
func New(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		st:     newState(),
		logger: logger.Named("index"),
	}
}

// Index adds or replaces one document.
func (ix *Index) Index(rec pipeline.ArticleRecord) error {
	terms := textnorm.Tokenize(rec.Body)
	if len(terms) == 0 {
		return fmt.Errorf("article %d has no indexable terms", rec.ID)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.st.remove(rec.ID)
	ix.st.add(rec.ID, terms)
	ix.sinceRebuild++
	return nil
}

// Remove drops a document from the corpus.
func (ix *Index) Remove(id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.st.remove(id)
}

// Query returns the k most similar documents, best first. Equal scores are
// ordered by ascending identity so results are deterministic.
func (ix *Index) Query(text string, k int) []pipeline.Hit {
	if k <= 0 {
		k = 10
	}
	terms := textnorm.Tokenize(text)
	if len(terms) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	queryVec, queryNorm := ix.st.vectorize(termCounts(terms))
	if queryNorm == 0 {
		return nil
	}

	// Only documents sharing at least one query term can score above zero.
	candidates := map[int64]struct{}{}
	for term := range queryVec {
		for id := range ix.st.postings[term] {
			candidates[id] = struct{}{}
		}
	}

	hits := make([]pipeline.Hit, 0, len(candidates))
	for id := range candidates {
		vec, ok := ix.st.vectors[id]
		if !ok || vec.norm == 0 {
			continue
		}
		dot := 0.0
		for term, qw := range queryVec {
			if dw, ok := vec.weights[term]; ok {
				dot += qw * dw
			}
		}
		if dot == 0 {
			continue
		}
		hits = append(hits, pipeline.Hit{ID: id, Score: dot / (queryNorm * vec.norm)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Rebuild recomputes every vector against final document frequencies. The
// new state is assembled off to the side; readers keep using the old one
// until the swap.
func (ix *Index) Rebuild(ctx context.Context, iter ArticleSource) error {
	fresh := newState()
	docs := 0
	for iter.Next(ctx) {
		rec := iter.Article()
		terms := textnorm.Tokenize(rec.Body)
		if len(terms) == 0 {
			continue
		}
		fresh.addCounts(rec.ID, termCounts(terms))
		docs++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("rebuild scan: %w", err)
	}
	fresh.reweightAll()

	ix.mu.Lock()
	ix.st = fresh
	ix.sinceRebuild = 0
	ix.lastRebuildAt = time.Now().UTC()
	ix.dirty = false
	ix.mu.Unlock()

	ix.logger.Info("index rebuilt", zap.Int("documents", docs))
	return nil
}

// ArticleSource is the slice of store.ArticleIter that Rebuild consumes.
type ArticleSource interface {
	Next(ctx context.Context) bool
	Article() pipeline.ArticleRecord
	Err() error
}

// Stats reports index size and staleness.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{
		Documents:     len(ix.st.vectors),
		Terms:         len(ix.st.df),
		SinceRebuild:  ix.sinceRebuild,
		LastRebuildAt: ix.lastRebuildAt,
		Dirty:         ix.dirty || ix.st.corrupt(),
	}
}

func (st *state) add(id int64, terms []string) {
	st.addCounts(id, termCounts(terms))
	weights, norm := st.vectorize(st.counts[id])
	st.vectors[id] = &docVector{weights: weights, norm: norm}
}

func (st *state) addCounts(id int64, counts map[string]int) {
	st.counts[id] = counts
	for term := range counts {
		st.df[term]++
		bucket, ok := st.postings[term]
		if !ok {
			bucket = make(map[int64]struct{})
			st.postings[term] = bucket
		}
		bucket[id] = struct{}{}
	}
}

func (st *state) remove(id int64) {
	counts, ok := st.counts[id]
	if !ok {
		return
	}
	for term := range counts {
		st.df[term]--
		if st.df[term] <= 0 {
			delete(st.df, term)
		}
		if bucket, ok := st.postings[term]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(st.postings, term)
			}
		}
	}
	delete(st.counts, id)
	delete(st.vectors, id)
}

// vectorize weights term counts with tf * (1 + log(N/df)) against the
// current corpus statistics without mutating them. The +1 keeps terms that
// appear in every document from vanishing, so a one-document corpus still
// has a usable vector.
func (st *state) vectorize(counts map[string]int) (map[string]float64, float64) {
	docs := len(st.counts)
	weights := make(map[string]float64, len(counts))
	sumSquares := 0.0
	for term, tf := range counts {
		df := st.df[term]
		if df == 0 || docs == 0 {
			continue
		}
		w := float64(tf) * (1 + math.Log(float64(docs)/float64(df)))
		weights[term] = w
		sumSquares += w * w
	}
	return weights, math.Sqrt(sumSquares)
}

func (st *state) reweightAll() {
	for id, counts := range st.counts {
		weights, norm := st.vectorize(counts)
		st.vectors[id] = &docVector{weights: weights, norm: norm}
	}
}

// corrupt reports documents with counts but no cached vector.
func (st *state) corrupt() bool {
	for id := range st.counts {
		if _, ok := st.vectors[id]; !ok {
			return true
		}
	}
	return false
}

func termCounts(terms []string) map[string]int {
	counts := make(map[string]int, len(terms))
	for _, term := range terms {
		counts[term]++
	}
	return counts
}
