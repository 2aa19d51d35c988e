// Package app initializes and holds long-lived application services, acting
// as a dependency injection container. It is built once at startup from the
// validated configuration and torn down in reverse order by Close.
package app

import (
	"context"
	"fmt"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	archivegcs "github.com/aserikov/newsdedup/internal/archive/gcs"
	archivelocal "github.com/aserikov/newsdedup/internal/archive/local"
	archivenoop "github.com/aserikov/newsdedup/internal/archive/noop"
	"github.com/aserikov/newsdedup/internal/clock/system"
	"github.com/aserikov/newsdedup/internal/config"
	"github.com/aserikov/newsdedup/internal/extractor"
	collyfetcher "github.com/aserikov/newsdedup/internal/fetcher/colly"
	"github.com/aserikov/newsdedup/internal/fetcher/detector"
	"github.com/aserikov/newsdedup/internal/fetcher/headless"
	"github.com/aserikov/newsdedup/internal/hash/sha256"
	"github.com/aserikov/newsdedup/internal/id/uuid"
	"github.com/aserikov/newsdedup/internal/index"
	"github.com/aserikov/newsdedup/internal/logging"
	"github.com/aserikov/newsdedup/internal/metrics"
	"github.com/aserikov/newsdedup/internal/orchestrator"
	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/policy/ratelimit"
	"github.com/aserikov/newsdedup/internal/progress"
	"github.com/aserikov/newsdedup/internal/progress/sinks"
	publishernoop "github.com/aserikov/newsdedup/internal/publisher/noop"
	publisherpubsub "github.com/aserikov/newsdedup/internal/publisher/pubsub"
	"github.com/aserikov/newsdedup/internal/resolver"
	"github.com/aserikov/newsdedup/internal/seeds"
	"github.com/aserikov/newsdedup/internal/store"
	storemem "github.com/aserikov/newsdedup/internal/store/memory"
	storepg "github.com/aserikov/newsdedup/internal/store/postgres"
)

// closer pairs a shutdown hook with a name for error reporting.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App holds the shared, long-lived services of the ingestion pipeline.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        store.Store
	index        *index.Index
	hub          *progress.Hub
	orchestrator *orchestrator.Orchestrator

	closers []closer
}

// New builds every service from the configuration, failing fast on the first
// service that cannot start.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	logger.Info("initializing services",
		zap.String("database", cfg.Database.Provider),
		zap.String("archive", cfg.Archive.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
	)

	st, err := a.buildStore(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closer{"store", func(context.Context) error {
		st.Close()
		return nil
	}})

	a.index = index.New(logger)
	a.hub = progress.NewHub(progress.Config{
		BaseContext: context.Background(),
		Logger:      logger,
	}, sinks.NewLogSink(logger), sinks.NewPrometheusSink())
	a.closers = append(a.closers, closer{"progress hub", a.hub.Close})

	archive, err := a.buildArchive(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgents:   cfg.Fetch.UserAgents,
		Timeout:      cfg.FetchTimeout(),
		MaxRetries:   cfg.Fetch.MaxRetries,
		BackoffBase:  time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}, logger)

	browser, err := a.buildHeadless()
	if err != nil {
		a.closeAll()
		return nil, err
	}

	clock := system.New()
	ext := extractor.New()
	a.orchestrator = orchestrator.New(orchestrator.Config{
		Workers:         cfg.Crawl.Workers,
		StoreMaxRetries: cfg.Crawl.StoreMaxRetries,
		SkipKnownLinks:  cfg.Crawl.SkipKnownLinks,
		RebuildEvery:    cfg.Crawl.RebuildEvery,
		ArchivePrefix:   cfg.Archive.Prefix,
		PublishTopic:    cfg.Publisher.TopicName,
	}, orchestrator.Deps{
		Fetcher:   fetcher,
		Headless:  browser,
		Detector:  detector.NewHeuristic(cfg.Headless.PromotionThresh),
		Extractor: ext,
		Resolver:  resolver.New(st, sha256.New(), logger),
		Store:     st,
		Index:     a.index,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawl.PerDomainRPS,
			DefaultBurst: cfg.Crawl.PerDomainBurst,
		}),
		Archive:   archive,
		Publisher: publisher,
		Emitter:   a.hub,
		Expander:  seeds.NewExpander(cfg.Crawl.SiteBaseURL, fetcher, ext, logger),
		Clock:     clock,
		IDs:       uuid.New(),
		Logger:    logger,
	})
	a.closers = append(a.closers, closer{"orchestrator", a.orchestrator.Stop})

	logger.Info("services initialized")
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Store exposes the article store.
func (a *App) Store() store.Store { return a.store }

// Index exposes the similarity index.
func (a *App) Index() *index.Index { return a.index }

// Orchestrator exposes the crawl control surface.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// RebuildIndex loads every stored article into a fresh vector space.
func (a *App) RebuildIndex(ctx context.Context) error {
	iter, err := a.store.Query(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("scan articles: %w", err)
	}
	defer func() {
		if cerr := iter.Close(); cerr != nil {
			a.logger.Warn("article iterator close failed", zap.Error(cerr))
		}
	}()
	if err := a.index.Rebuild(ctx, iter); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	metrics.SetIndexDocuments(a.index.Stats().Documents)
	return nil
}

// Close shuts services down in reverse initialization order.
func (a *App) Close(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("service shutdown failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func (a *App) closeAll() {
	a.Close(context.Background())
}

func (a *App) buildStore(ctx context.Context) (store.Store, error) {
	clock := system.New()
	switch a.cfg.Database.Provider {
	case "postgres":
		if a.cfg.Database.Migrate {
			if err := storepg.Migrate(a.cfg.Database.DSN, a.logger); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		st, err := storepg.New(ctx, storepg.Config{
			DSN:      a.cfg.Database.DSN,
			MaxConns: a.cfg.Database.MaxConns,
			MinConns: a.cfg.Database.MinConns,
		}, clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return st, nil
	case "memory":
		return storemem.New(clock), nil
	default:
		return nil, fmt.Errorf("unknown database provider %q", a.cfg.Database.Provider)
	}
}

func (a *App) buildArchive(ctx context.Context) (pipeline.BlobArchive, error) {
	switch a.cfg.Archive.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, closer{"gcs client", func(context.Context) error {
			return client.Close()
		}})
		archive, err := archivegcs.New(client, archivegcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return archive, nil
	case "local":
		archive, err := archivelocal.New(archivelocal.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return archive, nil
	case "noop":
		return archivenoop.New(), nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", a.cfg.Archive.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context) (pipeline.Publisher, error) {
	switch a.cfg.Publisher.Provider {
	case "pubsub":
		pub, err := publisherpubsub.New(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, closer{"publisher", func(context.Context) error {
			return pub.Close()
		}})
		return pub, nil
	case "noop":
		return publishernoop.New(), nil
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", a.cfg.Publisher.Provider)
	}
}

func (a *App) buildHeadless() (pipeline.Fetcher, error) {
	if !a.cfg.Headless.Enabled {
		return headless.NewNoop(), nil
	}
	userAgent := ""
	if len(a.cfg.Fetch.UserAgents) > 0 {
		userAgent = a.cfg.Fetch.UserAgents[0]
	}
	browser, err := headless.NewChromedp(headless.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         userAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("init headless browser: %w", err)
	}
	a.closers = append(a.closers, closer{"headless browser", func(context.Context) error {
		browser.Close()
		return nil
	}})
	return browser, nil
}
