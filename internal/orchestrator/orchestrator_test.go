package orchestrator

import (
	"context"
	csha256 "crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	archivemem "github.com/aserikov/newsdedup/internal/archive/memory"
	"github.com/aserikov/newsdedup/internal/clock/system"
	"github.com/aserikov/newsdedup/internal/extractor"
	"github.com/aserikov/newsdedup/internal/fetcher/detector"
	"github.com/aserikov/newsdedup/internal/hash/sha256"
	"github.com/aserikov/newsdedup/internal/id/uuid"
	"github.com/aserikov/newsdedup/internal/index"
	"github.com/aserikov/newsdedup/internal/metrics"
	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/policy/ratelimit"
	"github.com/aserikov/newsdedup/internal/progress"
	publishermem "github.com/aserikov/newsdedup/internal/publisher/memory"
	"github.com/aserikov/newsdedup/internal/resolver"
	"github.com/aserikov/newsdedup/internal/store"
	storemem "github.com/aserikov/newsdedup/internal/store/memory"
)

func articleHTML(title, body string) string {
	return fmt.Sprintf(`<html><body>
		<div class="article_title">%s</div>
		<div class="date_public_art">05.03.2021 14:30</div>
		<div class="article_news_body">%s</div>
	</body></html>`, title, body)
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	retries map[string]int
	started chan string
	release chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, link string) (pipeline.RawPage, error) {
	if trace := pipeline.ContextFetchTrace(ctx); trace != nil && trace.Retry != nil {
		f.mu.Lock()
		n := f.retries[link]
		f.mu.Unlock()
		for attempt := 1; attempt <= n; attempt++ {
			trace.Retry(attempt, pipeline.FetchConnectionReset, time.Millisecond)
		}
	}
	if f.started != nil {
		select {
		case f.started <- link:
		case <-ctx.Done():
			return pipeline.RawPage{}, ctx.Err()
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return pipeline.RawPage{}, ctx.Err()
		}
	}
	f.mu.Lock()
	body, ok := f.pages[link]
	f.mu.Unlock()
	if !ok {
		return pipeline.RawPage{}, &pipeline.FetchError{
			Link:     link,
			Kind:     pipeline.FetchNotFound,
			Attempts: 1,
			Err:      errors.New("status 404"),
		}
	}
	return pipeline.RawPage{
		Link:       link,
		FinalURL:   link,
		StatusCode: 200,
		Body:       []byte(body),
		Attempts:   1,
		Duration:   time.Millisecond,
	}, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	orch      *Orchestrator
	store     *storemem.Store
	index     *index.Index
	archive   *archivemem.Archive
	publisher *publishermem.Publisher
	emitter   *captureEmitter
	fetcher   *fakeFetcher
}

func newHarness(t *testing.T, cfg Config, fetcher *fakeFetcher) *harness {
	t.Helper()
	metrics.Init()
	logger := zaptest.NewLogger(t)
	clock := system.New()
	st := storemem.New(clock)
	ix := index.New(logger)
	arch := archivemem.New()
	pub := publishermem.New()
	emitter := &captureEmitter{}

	orch := New(cfg, Deps{
		Fetcher:   fetcher,
		Detector:  detector.NewHeuristic(0),
		Extractor: extractor.New(),
		Resolver:  resolver.New(st, sha256.New(), logger),
		Store:     st,
		Index:     ix,
		Limiter:   ratelimit.New(ratelimit.Config{DefaultRPS: 0}),
		Archive:   arch,
		Publisher: pub,
		Emitter:   emitter,
		Clock:     clock,
		IDs:       uuid.New(),
		Logger:    logger,
	})
	return &harness{
		orch:      orch,
		store:     st,
		index:     ix,
		archive:   arch,
		publisher: pub,
		emitter:   emitter,
		fetcher:   fetcher,
	}
}

func waitDone(t *testing.T, orch *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, orch.Wait(ctx))
}

func TestRunIngestsDistinctArticles(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.kz/a": articleHTML("Tenge strengthens", "The national currency gained against the dollar on strong exports."),
		"https://example.kz/b": articleHTML("Parliament session", "Lawmakers debated the new budget for the coming fiscal year."),
		"https://example.kz/c": articleHTML("Weather warning", "Heavy snowfall is expected across the northern regions overnight."),
	}}
	h := newHarness(t, Config{Workers: 2, PublishTopic: "ingest"}, fetcher)

	runID, err := h.orch.Start(context.Background(), StartRequest{SeedLinks: []string{
		"https://example.kz/a", "https://example.kz/b", "https://example.kz/c",
	}})
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	waitDone(t, h.orch)

	status := h.orch.Status()
	require.Equal(t, pipeline.RunCompleted, status.State)
	require.Equal(t, int64(3), status.ProcessedCount)
	require.Equal(t, int64(3), status.InsertedCount)
	require.Equal(t, int64(0), status.FailedCount)

	page, err := h.store.List(context.Background(), store.Filter{}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 3)

	hits := h.index.Query("budget lawmakers", 5)
	require.NotEmpty(t, hits)

	require.Len(t, h.publisher.Messages(), 3)

	cp, err := h.store.LoadCheckpoint(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, cp.State)
	require.Equal(t, int64(3), cp.ProcessedCount)
}

func TestRunDeduplicatesSameContent(t *testing.T) {
	t.Parallel()

	body := "An identical wire story republished under a second URL without edits."
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.kz/first":  articleHTML("Wire story", body),
		"https://example.kz/second": articleHTML("Wire story", body),
	}}
	h := newHarness(t, Config{Workers: 2}, fetcher)

	_, err := h.orch.Start(context.Background(), StartRequest{SeedLinks: []string{
		"https://example.kz/first", "https://example.kz/second",
	}})
	require.NoError(t, err)
	waitDone(t, h.orch)

	status := h.orch.Status()
	require.Equal(t, pipeline.RunCompleted, status.State)
	require.Equal(t, int64(1), status.InsertedCount)
	require.Equal(t, int64(1), status.SkippedCount)

	page, err := h.store.List(context.Background(), store.Filter{}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Len(t, page.Records[0].AltLinks, 1)
}

func TestRunSkipsFailedLinks(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.kz/ok":     articleHTML("Good page", "A perfectly ordinary article body with enough words to index."),
		"https://example.kz/nobody": `<html><body><div class="article_title">Shell</div></body></html>`,
	}}
	h := newHarness(t, Config{Workers: 1}, fetcher)

	_, err := h.orch.Start(context.Background(), StartRequest{SeedLinks: []string{
		"https://example.kz/ok",
		"https://example.kz/missing",
		"https://example.kz/nobody",
	}})
	require.NoError(t, err)
	waitDone(t, h.orch)

	status := h.orch.Status()
	require.Equal(t, pipeline.RunCompleted, status.State)
	require.Equal(t, int64(3), status.ProcessedCount)
	require.Equal(t, int64(1), status.InsertedCount)
	require.Equal(t, int64(2), status.FailedCount)

	stages := h.emitter.stages()
	require.Contains(t, stages, progress.StageFetchFailed)
	require.Contains(t, stages, progress.StageExtractError)
}

func TestRetriedFetchEmitsRetryEvents(t *testing.T) {
	t.Parallel()

	link := "https://example.kz/flaky"
	fetcher := &fakeFetcher{
		pages:   map[string]string{link: articleHTML("Flaky page", "Recovered after two connection resets on the way here.")},
		retries: map[string]int{link: 2},
	}
	h := newHarness(t, Config{Workers: 1}, fetcher)

	runID, err := h.orch.Start(context.Background(), StartRequest{SeedLinks: []string{link}})
	require.NoError(t, err)
	waitDone(t, h.orch)

	var retryEvents []progress.Event
	h.emitter.mu.Lock()
	for _, evt := range h.emitter.events {
		if evt.Stage == progress.StageFetchRetry {
			retryEvents = append(retryEvents, evt)
		}
	}
	h.emitter.mu.Unlock()

	require.Len(t, retryEvents, 2)
	for i, evt := range retryEvents {
		require.NoError(t, evt.Validate())
		require.Equal(t, runID, evt.RunUUID().String())
		require.Equal(t, link, evt.Link)
		require.Equal(t, string(pipeline.FetchConnectionReset), evt.Kind)
		require.Equal(t, i+1, evt.Attempt)
	}
}

func TestPauseAndResumeKeepCountsMonotone(t *testing.T) {
	t.Parallel()

	pages := map[string]string{}
	var links []string
	for i := 0; i < 4; i++ {
		link := fmt.Sprintf("https://example.kz/p%d", i)
		pages[link] = articleHTML(fmt.Sprintf("Title %d", i), fmt.Sprintf("Unique body number %d about a separate topic entirely.", i))
		links = append(links, link)
	}
	fetcher := &fakeFetcher{
		pages:   pages,
		started: make(chan string),
		release: make(chan struct{}),
	}
	h := newHarness(t, Config{Workers: 1}, fetcher)

	_, err := h.orch.Start(context.Background(), StartRequest{SeedLinks: links})
	require.NoError(t, err)

	// First fetch is in flight; pause takes effect before the next link.
	<-fetcher.started
	require.NoError(t, h.orch.Pause())
	fetcher.release <- struct{}{}

	require.Eventually(t, func() bool {
		return h.orch.Status().ProcessedCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, pipeline.RunPaused, h.orch.Status().State)

	// Still paused: no further fetch starts.
	select {
	case link := <-fetcher.started:
		t.Fatalf("fetch of %s started while paused", link)
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, int64(1), h.orch.Status().ProcessedCount)

	require.NoError(t, h.orch.Resume())
	go func() {
		for range fetcher.started {
			fetcher.release <- struct{}{}
		}
	}()
	waitDone(t, h.orch)
	close(fetcher.started)

	status := h.orch.Status()
	require.Equal(t, pipeline.RunCompleted, status.State)
	require.Equal(t, int64(4), status.ProcessedCount)
	require.Equal(t, int64(4), status.InsertedCount)
}

func TestPauseTransitionsAreChecked(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, &fakeFetcher{})
	require.ErrorIs(t, h.orch.Pause(), ErrNoRun)
	require.ErrorIs(t, h.orch.Resume(), ErrNoRun)
}

type failingStore struct {
	store.Store
	err error
}

func (s *failingStore) Upsert(_ context.Context, _ pipeline.Decision, _ pipeline.ArticleCandidate) (pipeline.ArticleRecord, error) {
	return pipeline.ArticleRecord{}, s.err
}

func TestPersistentStoreFailureFailsRun(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.kz/a": articleHTML("Doomed", "This article will never make it into the store."),
	}}
	metrics.Init()
	logger := zaptest.NewLogger(t)
	clock := system.New()
	mem := storemem.New(clock)
	st := &failingStore{Store: mem, err: errors.New("connection refused")}

	orch := New(Config{Workers: 1, StoreMaxRetries: 2}, Deps{
		Fetcher:   fetcher,
		Extractor: extractor.New(),
		Resolver:  resolver.New(mem, sha256.New(), logger),
		Store:     st,
		Index:     index.New(logger),
		Limiter:   ratelimit.New(ratelimit.Config{DefaultRPS: 0}),
		Clock:     clock,
		IDs:       uuid.New(),
		Logger:    logger,
	})

	_, err := orch.Start(context.Background(), StartRequest{SeedLinks: []string{"https://example.kz/a"}})
	require.NoError(t, err)
	waitDone(t, orch)

	status := orch.Status()
	require.Equal(t, pipeline.RunFailed, status.State)
	require.Contains(t, status.LastError, "connection refused")
	require.Equal(t, "https://example.kz/a", status.LastLink)
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		pages:   map[string]string{"https://example.kz/a": articleHTML("Busy", "A body that keeps the run occupied for a moment.")},
		started: make(chan string),
		release: make(chan struct{}),
	}
	h := newHarness(t, Config{Workers: 1}, fetcher)

	_, err := h.orch.Start(context.Background(), StartRequest{SeedLinks: []string{"https://example.kz/a"}})
	require.NoError(t, err)
	<-fetcher.started

	_, err = h.orch.Start(context.Background(), StartRequest{SeedLinks: []string{"https://example.kz/b"}})
	require.ErrorIs(t, err, ErrRunActive)

	fetcher.release <- struct{}{}
	waitDone(t, h.orch)
}

func TestSkipKnownLinksDropsStoredLinks(t *testing.T) {
	t.Parallel()

	known := "https://example.kz/known"
	fetcher := &fakeFetcher{pages: map[string]string{
		known:                    articleHTML("Known", "Already stored article body that must not be refetched."),
		"https://example.kz/new": articleHTML("New", "A fresh article body that has never been seen before."),
	}}
	h := newHarness(t, Config{Workers: 1, SkipKnownLinks: true}, fetcher)

	cand := pipeline.ArticleCandidate{Link: known, Title: "Known", Body: "seed", Fingerprint: "fp-seed"}
	_, err := h.store.Upsert(context.Background(), pipeline.Decision{Kind: pipeline.DecisionInsert}, cand)
	require.NoError(t, err)

	_, err = h.orch.Start(context.Background(), StartRequest{SeedLinks: []string{known, "https://example.kz/new"}})
	require.NoError(t, err)
	waitDone(t, h.orch)

	status := h.orch.Status()
	require.Equal(t, int64(1), status.ProcessedCount)
	require.Equal(t, int64(1), status.InsertedCount)
}

func TestStartWithoutSeedsFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Workers: 1}, &fakeFetcher{})
	_, err := h.orch.Start(context.Background(), StartRequest{})
	require.ErrorIs(t, err, ErrNoSeeds)
}

func TestRebuildTriggersAfterThreshold(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.kz/a": articleHTML("First", "Completely different content about financial markets today."),
		"https://example.kz/b": articleHTML("Second", "Another story concerning regional weather and road closures."),
		"https://example.kz/c": articleHTML("Third", "Sports results from the weekend football championship round."),
	}}
	h := newHarness(t, Config{Workers: 1, RebuildEvery: 2}, fetcher)

	_, err := h.orch.Start(context.Background(), StartRequest{SeedLinks: []string{
		"https://example.kz/a", "https://example.kz/b", "https://example.kz/c",
	}})
	require.NoError(t, err)
	waitDone(t, h.orch)

	require.Contains(t, h.emitter.stages(), progress.StageIndexRebuild)
	stats := h.index.Stats()
	require.Equal(t, 3, stats.Documents)
}

func TestArchiveReceivesRawPages(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{pages: map[string]string{
		"https://example.kz/a": articleHTML("Archived", "A body whose raw HTML must land in the blob archive."),
	}}
	h := newHarness(t, Config{Workers: 1, ArchivePrefix: "raw"}, fetcher)

	runID, err := h.orch.Start(context.Background(), StartRequest{SeedLinks: []string{"https://example.kz/a"}})
	require.NoError(t, err)
	waitDone(t, h.orch)

	digest := csha256.Sum256([]byte("https://example.kz/a"))
	path := fmt.Sprintf("raw/%s/%s.html", runID, hex.EncodeToString(digest[:16]))
	data, ok := h.archive.Object(path)
	require.True(t, ok)
	require.Contains(t, string(data), "Archived")
	require.Contains(t, h.emitter.stages(), progress.StageFetchDone)
}
