// Package orchestrator drives crawl runs: it expands seeds into article
// links, fans them out to a bounded worker pool, and walks each link through
// fetch, extraction, resolution, storage, and indexing.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/index"
	"github.com/aserikov/newsdedup/internal/metrics"
	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/progress"
	"github.com/aserikov/newsdedup/internal/seeds"
	"github.com/aserikov/newsdedup/internal/store"
)

// Control-plane errors.
var (
	// ErrRunActive is returned by Start while a run is running or paused.
	ErrRunActive = errors.New("orchestrator: a crawl run is already active")
	// ErrNoRun is returned by Pause/Resume/Status paths that need a run.
	ErrNoRun = errors.New("orchestrator: no crawl run")
	// ErrNotRunning is returned by Pause when the run is not running.
	ErrNotRunning = errors.New("orchestrator: run is not running")
	// ErrNotPaused is returned by Resume when the run is not paused.
	ErrNotPaused = errors.New("orchestrator: run is not paused")
	// ErrNoSeeds is returned by Start when expansion yields no links.
	ErrNoSeeds = errors.New("orchestrator: no links to crawl")
)

// Promoter decides whether a fetched page needs the headless fallback.
type Promoter interface {
	ShouldPromote(page pipeline.RawPage) bool
}

// Waiter paces requests per domain.
type Waiter interface {
	Wait(ctx context.Context, link string) error
}

// Indexer is the slice of the similarity index the orchestrator drives.
type Indexer interface {
	Index(rec pipeline.ArticleRecord) error
	Rebuild(ctx context.Context, src index.ArticleSource) error
	Stats() index.Stats
}

// Emitter receives progress events. Satisfied by *progress.Hub.
type Emitter interface {
	Emit(evt progress.Event)
}

// Config holds orchestrator tunables.
type Config struct {
	// Workers is the fetch pool size (default 4).
	Workers int
	// StoreMaxRetries bounds retries of transient store failures before the
	// run fails (default 3).
	StoreMaxRetries int
	// SkipKnownLinks drops already-stored links before crawling, so an
	// interrupted run resumes without refetching.
	SkipKnownLinks bool
	// RebuildEvery triggers an index rebuild after this many ingests.
	// Zero disables periodic rebuilds.
	RebuildEvery int
	// ArchivePrefix namespaces raw page objects in the blob archive.
	ArchivePrefix string
	// PublishTopic receives ingestion decision messages.
	PublishTopic string
}

// StartRequest selects the links a run will process: explicit seed links,
// a date range expanded through archive listings, or both.
type StartRequest struct {
	SeedLinks []string `json:"seed_links,omitempty"`
	// StartDate and EndDate are dd.mm.yyyy; EndDate is exclusive and
	// defaults to the day after StartDate.
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

// DecisionMessage is the payload published for each ingestion decision.
type DecisionMessage struct {
	RunID     string    `json:"run_id"`
	Link      string    `json:"link"`
	Decision  string    `json:"decision"`
	ArticleID int64     `json:"article_id"`
	TS        time.Time `json:"ts"`
}

// Orchestrator owns the crawl run lifecycle. At most one run is active at a
// time; a finished run stays inspectable through Status until the next Start.
type Orchestrator struct {
	cfg       Config
	fetcher   pipeline.Fetcher
	headless  pipeline.Fetcher
	detector  Promoter
	extractor pipeline.Extractor
	resolver  pipeline.Resolver
	store     store.Store
	index     Indexer
	limiter   Waiter
	archive   pipeline.BlobArchive
	publisher pipeline.Publisher
	emitter   Emitter
	expander  *seeds.Expander
	clock     pipeline.Clock
	ids       pipeline.IDGenerator
	logger    *zap.Logger

	mu  sync.Mutex
	run *run
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Fetcher   pipeline.Fetcher
	Headless  pipeline.Fetcher
	Detector  Promoter
	Extractor pipeline.Extractor
	Resolver  pipeline.Resolver
	Store     store.Store
	Index     Indexer
	Limiter   Waiter
	Archive   pipeline.BlobArchive
	Publisher pipeline.Publisher
	Emitter   Emitter
	Expander  *seeds.Expander
	Clock     pipeline.Clock
	IDs       pipeline.IDGenerator
	Logger    *zap.Logger
}

// New creates an Orchestrator in the Idle state.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.StoreMaxRetries <= 0 {
		cfg.StoreMaxRetries = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		fetcher:   deps.Fetcher,
		headless:  deps.Headless,
		detector:  deps.Detector,
		extractor: deps.Extractor,
		resolver:  deps.Resolver,
		store:     deps.Store,
		index:     deps.Index,
		limiter:   deps.Limiter,
		archive:   deps.Archive,
		publisher: deps.Publisher,
		emitter:   deps.Emitter,
		expander:  deps.Expander,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    logger.Named("orchestrator"),
	}
}

// run is the state of one crawl.
type run struct {
	id      string
	idBytes [16]byte
	ctx     context.Context
	cancel  context.CancelFunc
	gate    *pauseGate
	done    chan struct{}
	started time.Time

	state     pipeline.RunState // guarded by Orchestrator.mu
	lastLink  string            // guarded by Orchestrator.mu
	lastError string            // guarded by Orchestrator.mu

	processed atomic.Int64
	inserted  atomic.Int64
	skipped   atomic.Int64
	updated   atomic.Int64
	failed    atomic.Int64

	sinceRebuild atomic.Int64
	rebuilding   atomic.Bool
}

// Start expands the request into article links and launches a crawl run.
// It returns the run ID immediately; the crawl proceeds in the background.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	links, err := o.expandSeeds(ctx, req)
	if err != nil {
		return "", err
	}
	if o.cfg.SkipKnownLinks {
		links, err = o.filterKnown(ctx, links)
		if err != nil {
			return "", err
		}
	}
	if len(links) == 0 {
		return "", ErrNoSeeds
	}

	runID, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("allocate run id: %w", err)
	}
	parsed, err := uuid.Parse(runID)
	if err != nil {
		return "", fmt.Errorf("parse run id %q: %w", runID, err)
	}

	o.mu.Lock()
	if o.run != nil && (o.run.state == pipeline.RunRunning || o.run.state == pipeline.RunPaused) {
		o.mu.Unlock()
		return "", ErrRunActive
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:      runID,
		idBytes: progress.RunIDBytes(parsed),
		ctx:     runCtx,
		cancel:  cancel,
		gate:    newPauseGate(),
		done:    make(chan struct{}),
		started: o.clock.Now(),
		state:   pipeline.RunRunning,
	}
	o.run = r
	o.mu.Unlock()

	o.saveCheckpoint(r)
	o.emit(r, progress.Event{Stage: progress.StageRunStart, Count: int64(len(links))})
	o.logger.Info("crawl run started",
		zap.String("run_id", runID),
		zap.Int("links", len(links)),
		zap.Int("workers", o.cfg.Workers),
	)

	go o.crawl(r, links)
	return runID, nil
}

// Pause gates the workers after their current link. Idempotent transitions
// are rejected so callers learn the actual state.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.run == nil {
		o.mu.Unlock()
		return ErrNoRun
	}
	if o.run.state != pipeline.RunRunning {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.run.state = pipeline.RunPaused
	o.run.gate.pause()
	r := o.run
	o.mu.Unlock()

	o.saveCheckpoint(r)
	o.emit(r, progress.Event{Stage: progress.StageRunPaused})
	o.logger.Info("crawl run paused", zap.String("run_id", r.id))
	return nil
}

// Resume reopens the gate of a paused run.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.run == nil {
		o.mu.Unlock()
		return ErrNoRun
	}
	if o.run.state != pipeline.RunPaused {
		o.mu.Unlock()
		return ErrNotPaused
	}
	o.run.state = pipeline.RunRunning
	o.run.gate.resume()
	r := o.run
	o.mu.Unlock()

	o.saveCheckpoint(r)
	o.emit(r, progress.Event{Stage: progress.StageRunResumed})
	o.logger.Info("crawl run resumed", zap.String("run_id", r.id))
	return nil
}

// Status snapshots the current (or last finished) run.
func (o *Orchestrator) Status() pipeline.CrawlStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return pipeline.CrawlStatus{State: pipeline.RunIdle}
	}
	r := o.run
	return pipeline.CrawlStatus{
		RunID:          r.id,
		State:          r.state,
		ProcessedCount: r.processed.Load(),
		InsertedCount:  r.inserted.Load(),
		SkippedCount:   r.skipped.Load(),
		UpdatedCount:   r.updated.Load(),
		FailedCount:    r.failed.Load(),
		LastLink:       r.lastLink,
		LastError:      r.lastError,
	}
}

// Wait blocks until the current run finishes. Used by the crawl command and
// by tests; the HTTP API never calls it.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	r := o.run
	o.mu.Unlock()
	if r == nil {
		return ErrNoRun
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the active run, if any, and waits for the workers to drain.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	r := o.run
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	r.gate.resume()
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) expandSeeds(ctx context.Context, req StartRequest) ([]string, error) {
	links := append([]string(nil), req.SeedLinks...)
	if req.StartDate != "" {
		dates, err := seeds.GenerateDates(req.StartDate, req.EndDate)
		if err != nil {
			return nil, err
		}
		expanded, err := o.expander.Expand(ctx, dates)
		if err != nil {
			return nil, fmt.Errorf("expand date range: %w", err)
		}
		links = append(links, expanded...)
	}

	seen := make(map[string]struct{}, len(links))
	deduped := links[:0]
	for _, link := range links {
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		deduped = append(deduped, link)
	}
	return deduped, nil
}

func (o *Orchestrator) filterKnown(ctx context.Context, links []string) ([]string, error) {
	if len(links) == 0 {
		return links, nil
	}
	known, err := o.store.KnownLinks(ctx, links)
	if err != nil {
		return nil, fmt.Errorf("check known links: %w", err)
	}
	fresh := links[:0]
	for _, link := range links {
		if !known[link] {
			fresh = append(fresh, link)
		}
	}
	if dropped := len(links) - len(fresh); dropped > 0 {
		o.logger.Info("skipping already stored links", zap.Int("count", dropped))
	}
	return fresh, nil
}

// crawl feeds the link channel and waits for the pool, then finalizes the
// run state.
func (o *Orchestrator) crawl(r *run, links []string) {
	defer close(r.done)

	linkCh := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(r, linkCh)
		}()
	}

feed:
	for _, link := range links {
		select {
		case linkCh <- link:
		case <-r.ctx.Done():
			break feed
		}
	}
	close(linkCh)
	wg.Wait()
	o.finalize(r)
}

func (o *Orchestrator) finalize(r *run) {
	o.mu.Lock()
	failed := r.state == pipeline.RunFailed
	if !failed {
		r.state = pipeline.RunCompleted
	}
	lastError := r.lastError
	o.mu.Unlock()

	r.cancel()
	o.saveCheckpoint(r)

	elapsed := o.clock.Now().Sub(r.started)
	if failed {
		o.emit(r, progress.Event{
			Stage: progress.StageRunError,
			Note:  lastError,
			Count: r.processed.Load(),
			Dur:   elapsed,
		})
		o.logger.Error("crawl run failed",
			zap.String("run_id", r.id),
			zap.String("last_error", lastError),
			zap.Int64("processed", r.processed.Load()),
		)
		return
	}
	o.emit(r, progress.Event{
		Stage: progress.StageRunDone,
		Count: r.processed.Load(),
		Dur:   elapsed,
	})
	o.logger.Info("crawl run completed",
		zap.String("run_id", r.id),
		zap.Int64("processed", r.processed.Load()),
		zap.Int64("inserted", r.inserted.Load()),
		zap.Int64("skipped", r.skipped.Load()),
		zap.Int64("updated", r.updated.Load()),
		zap.Int64("failed", r.failed.Load()),
		zap.Duration("elapsed", elapsed),
	)
}

func (o *Orchestrator) worker(r *run, linkCh <-chan string) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for link := range linkCh {
		if err := r.gate.wait(r.ctx); err != nil {
			return
		}
		o.processLink(r, link)
		if r.ctx.Err() != nil {
			return
		}
	}
}

// processLink walks one link through the full pipeline. Fetch and extract
// failures skip the link; persistent store failures fail the run.
func (o *Orchestrator) processLink(r *run, link string) {
	site := metrics.SanitizeSite(link)

	if err := o.limiter.Wait(r.ctx, link); err != nil {
		return
	}

	o.emit(r, progress.Event{Stage: progress.StageFetchStart, Site: site, Link: link})
	fetchCtx := pipeline.WithFetchTrace(r.ctx, &pipeline.FetchTrace{
		Retry: func(attempt int, kind pipeline.FetchErrorKind, backoff time.Duration) {
			o.emit(r, progress.Event{
				Stage:   progress.StageFetchRetry,
				Site:    site,
				Link:    link,
				Kind:    string(kind),
				Attempt: attempt,
				Dur:     backoff,
			})
		},
	})
	page, err := o.fetchWithPromotion(fetchCtx, link)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		o.recordFetchFailure(r, site, link, err)
		return
	}
	o.emit(r, progress.Event{
		Stage:   progress.StageFetchDone,
		Site:    site,
		Link:    link,
		Attempt: page.Attempts,
		Bytes:   int64(len(page.Body)),
		Dur:     page.Duration,
	})
	o.archivePage(r, page)

	cand, err := o.extractor.ExtractArticle(page)
	if err != nil {
		o.logger.Warn("extraction failed", zap.String("link", link), zap.Error(err))
		o.emit(r, progress.Event{Stage: progress.StageExtractError, Link: link, Note: err.Error()})
		o.finishLink(r, link, false)
		return
	}

	decision, rec, err := o.ingest(r.ctx, cand)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		o.failRun(r, link, err)
		return
	}

	switch decision.Kind {
	case pipeline.DecisionInsert:
		r.inserted.Add(1)
	case pipeline.DecisionSkip:
		r.skipped.Add(1)
	case pipeline.DecisionUpdate:
		r.updated.Add(1)
	}
	o.emit(r, progress.Event{
		Stage: progress.StageDecision,
		Site:  site,
		Link:  link,
		Kind:  string(decision.Kind),
	})
	o.publishDecision(r, link, decision, rec)

	if decision.Kind != pipeline.DecisionSkip {
		if err := o.index.Index(rec); err != nil {
			o.logger.Warn("index insert failed", zap.Int64("id", rec.ID), zap.Error(err))
		}
		o.maybeRebuild(r)
	}
	o.finishLink(r, link, true)
}

// fetchWithPromotion runs the plain fetcher and, when the detector flags a
// script-rendered shell, retries once through the headless browser. A
// headless failure falls back to the plain page.
func (o *Orchestrator) fetchWithPromotion(ctx context.Context, link string) (pipeline.RawPage, error) {
	page, err := o.fetcher.Fetch(ctx, link)
	if err != nil {
		return pipeline.RawPage{}, err
	}
	if o.detector == nil || o.headless == nil || !o.detector.ShouldPromote(page) {
		return page, nil
	}
	rendered, err := o.headless.Fetch(ctx, link)
	if err != nil {
		o.logger.Debug("headless promotion failed, using plain page",
			zap.String("link", link),
			zap.Error(err),
		)
		return page, nil
	}
	return rendered, nil
}

func (o *Orchestrator) recordFetchFailure(r *run, site, link string, err error) {
	kind := string(pipeline.ClassifyFetchError(err))
	attempts := 1
	var fe *pipeline.FetchError
	if errors.As(err, &fe) {
		attempts = fe.Attempts
	}
	o.logger.Warn("fetch failed",
		zap.String("link", link),
		zap.String("kind", kind),
		zap.Int("attempts", attempts),
	)
	o.emit(r, progress.Event{
		Stage:   progress.StageFetchFailed,
		Site:    site,
		Link:    link,
		Kind:    kind,
		Attempt: attempts,
		Note:    err.Error(),
	})
	o.finishLink(r, link, false)
}

// ingest resolves and persists one candidate. A store conflict means a
// concurrent writer claimed the link or fingerprint first, so the candidate
// is re-resolved once against the winner. Other store failures are retried
// before becoming fatal.
func (o *Orchestrator) ingest(ctx context.Context, cand pipeline.ArticleCandidate) (pipeline.Decision, pipeline.ArticleRecord, error) {
	decision, err := o.resolver.Resolve(ctx, &cand)
	if err != nil {
		return pipeline.Decision{}, pipeline.ArticleRecord{}, fmt.Errorf("resolve %q: %w", cand.Link, err)
	}

	rec, err := o.upsertWithRetry(ctx, decision, cand)
	if errors.Is(err, store.ErrConflict) {
		decision, err = o.resolver.Resolve(ctx, &cand)
		if err != nil {
			return pipeline.Decision{}, pipeline.ArticleRecord{}, fmt.Errorf("re-resolve %q: %w", cand.Link, err)
		}
		rec, err = o.upsertWithRetry(ctx, decision, cand)
	}
	if err != nil {
		return pipeline.Decision{}, pipeline.ArticleRecord{}, fmt.Errorf("upsert %q: %w", cand.Link, err)
	}
	return decision, rec, nil
}

func (o *Orchestrator) upsertWithRetry(ctx context.Context, decision pipeline.Decision, cand pipeline.ArticleCandidate) (pipeline.ArticleRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.StoreMaxRetries; attempt++ {
		rec, err := o.store.Upsert(ctx, decision, cand)
		if err == nil {
			return rec, nil
		}
		// Conflicts need re-resolution, not a blind retry.
		if errors.Is(err, store.ErrConflict) || ctx.Err() != nil {
			return pipeline.ArticleRecord{}, err
		}
		lastErr = err
		o.logger.Warn("store upsert failed, retrying",
			zap.String("link", cand.Link),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < o.cfg.StoreMaxRetries {
			if err := sleepCtx(ctx, time.Duration(attempt)*100*time.Millisecond); err != nil {
				return pipeline.ArticleRecord{}, err
			}
		}
	}
	return pipeline.ArticleRecord{}, lastErr
}

// failRun marks the run failed and cancels the remaining workers. The store
// is the system of record; once it stops accepting writes there is nothing
// useful left to crawl.
func (o *Orchestrator) failRun(r *run, link string, err error) {
	o.mu.Lock()
	r.state = pipeline.RunFailed
	r.lastLink = link
	r.lastError = err.Error()
	o.mu.Unlock()

	r.failed.Add(1)
	r.processed.Add(1)
	r.gate.resume()
	r.cancel()
}

// finishLink advances counters and persists the checkpoint so an unclean
// stop resumes from stored state.
func (o *Orchestrator) finishLink(r *run, link string, ok bool) {
	if !ok {
		r.failed.Add(1)
	}
	r.processed.Add(1)
	o.mu.Lock()
	r.lastLink = link
	o.mu.Unlock()
	o.saveCheckpoint(r)
}

func (o *Orchestrator) maybeRebuild(r *run) {
	if o.cfg.RebuildEvery <= 0 {
		return
	}
	if r.sinceRebuild.Add(1) < int64(o.cfg.RebuildEvery) {
		return
	}
	if !r.rebuilding.CompareAndSwap(false, true) {
		return
	}
	defer r.rebuilding.Store(false)
	r.sinceRebuild.Store(0)

	started := o.clock.Now()
	iter, err := o.store.Query(r.ctx, store.Filter{})
	if err != nil {
		o.logger.Warn("index rebuild scan failed", zap.Error(err))
		return
	}
	defer iter.Close()
	if err := o.index.Rebuild(r.ctx, iter); err != nil {
		o.logger.Warn("index rebuild failed", zap.Error(err))
		return
	}
	stats := o.index.Stats()
	metrics.SetIndexDocuments(stats.Documents)
	o.emit(r, progress.Event{
		Stage: progress.StageIndexRebuild,
		Count: int64(stats.Documents),
		Dur:   o.clock.Now().Sub(started),
	})
}

// archivePage stores the raw HTML for audit and replay. Best effort; the
// blob store is not on the ingestion critical path.
func (o *Orchestrator) archivePage(r *run, page pipeline.RawPage) {
	if o.archive == nil {
		return
	}
	digest := sha256.Sum256([]byte(page.Link))
	path := fmt.Sprintf("%s/%s/%s.html", o.cfg.ArchivePrefix, r.id, hex.EncodeToString(digest[:16]))
	if _, err := o.archive.PutObject(r.ctx, path, "text/html; charset=utf-8", page.Body); err != nil {
		o.logger.Warn("raw page archive failed", zap.String("link", page.Link), zap.Error(err))
	}
}

func (o *Orchestrator) publishDecision(r *run, link string, decision pipeline.Decision, rec pipeline.ArticleRecord) {
	if o.publisher == nil {
		return
	}
	msg := DecisionMessage{
		RunID:     r.id,
		Link:      link,
		Decision:  string(decision.Kind),
		ArticleID: rec.ID,
		TS:        o.clock.Now(),
	}
	if _, err := o.publisher.Publish(r.ctx, o.cfg.PublishTopic, msg); err != nil {
		o.logger.Warn("decision publish failed", zap.String("link", link), zap.Error(err))
	}
}

func (o *Orchestrator) saveCheckpoint(r *run) {
	o.mu.Lock()
	cp := pipeline.Checkpoint{
		RunID:          r.id,
		State:          r.state,
		ProcessedCount: r.processed.Load(),
		LastLink:       r.lastLink,
		LastError:      r.lastError,
	}
	o.mu.Unlock()

	// The run context may already be canceled during finalize; checkpoints
	// still need to land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveCheckpoint(ctx, cp); err != nil {
		o.logger.Warn("checkpoint save failed", zap.String("run_id", r.id), zap.Error(err))
	}
}

func (o *Orchestrator) emit(r *run, evt progress.Event) {
	if o.emitter == nil {
		return
	}
	evt.RunID = r.idBytes
	evt.TS = o.clock.Now()
	o.emitter.Emit(evt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
