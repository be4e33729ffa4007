// Package app builds a crawl run from configuration. App owns every
// long-lived collaborator and closes them in reverse order of creation.
package app

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"cloud.google.com/go/storage"
	pubsubv2 "cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/domain-crawler/internal/api"
	"github.com/JakeFAU/domain-crawler/internal/archive"
	"github.com/JakeFAU/domain-crawler/internal/checkpoint"
	"github.com/JakeFAU/domain-crawler/internal/clock/system"
	"github.com/JakeFAU/domain-crawler/internal/config"
	"github.com/JakeFAU/domain-crawler/internal/control"
	"github.com/JakeFAU/domain-crawler/internal/crawler"
	"github.com/JakeFAU/domain-crawler/internal/engine"
	"github.com/JakeFAU/domain-crawler/internal/extract"
	"github.com/JakeFAU/domain-crawler/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/domain-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/domain-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/domain-crawler/internal/frontier"
	"github.com/JakeFAU/domain-crawler/internal/hash/sha256"
	"github.com/JakeFAU/domain-crawler/internal/id/uuid"
	"github.com/JakeFAU/domain-crawler/internal/logging"
	"github.com/JakeFAU/domain-crawler/internal/metrics"
	pubsubPublisher "github.com/JakeFAU/domain-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/domain-crawler/internal/ratelimit"
	"github.com/JakeFAU/domain-crawler/internal/scope"
	"github.com/JakeFAU/domain-crawler/internal/seed"
	"github.com/JakeFAU/domain-crawler/internal/state"
	"github.com/JakeFAU/domain-crawler/internal/storage/gcs"
	"github.com/JakeFAU/domain-crawler/internal/storage/local"
	"github.com/JakeFAU/domain-crawler/internal/storage/memory"
	"github.com/JakeFAU/domain-crawler/internal/storage/postgres"
	"github.com/JakeFAU/domain-crawler/internal/storage/sqlite"
)

// App holds one configured crawl run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	state    *state.State
	frontier *frontier.Frontier
	metrics  *metrics.Collectors
	signal   *control.Signal
	channel  *control.Channel
	engine   *engine.Engine
	server   *api.Server

	pool      *pgxpool.Pool
	gcsClient *storage.Client
	psClient  *pubsubv2.Client
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

// New wires every collaborator named by cfg. On error, whatever was already
// opened is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *App, err error) {
	if err := cfg.ValidateForCrawl(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runID, err := uuid.New("").NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	clock := system.New()
	st := state.New(runID, cfg.Crawl.StartURL, clock)

	a = &App{
		cfg:     cfg,
		logger:  logging.WithLineSink(logger, st, zapcore.InfoLevel).With(zap.String("run_id", runID)),
		clock:   clock,
		state:   st,
		metrics: metrics.New(),
		signal:  control.NewSignal(),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if err := a.buildFrontier(); err != nil {
		return a, err
	}
	fetcher, err := a.buildFetcher()
	if err != nil {
		return a, err
	}
	records, err := a.buildRecordStore(ctx)
	if err != nil {
		return a, err
	}
	persister, err := a.buildPersister(ctx)
	if err != nil {
		return a, err
	}
	archiver, err := a.buildArchiver(ctx)
	if err != nil {
		return a, err
	}
	publisher, err := a.buildPagePublisher(ctx)
	if err != nil {
		return a, err
	}
	if err := a.buildChannel(ctx, publisher); err != nil {
		return a, err
	}
	hooks, err := a.buildHooks()
	if err != nil {
		return a, err
	}

	extractor := extract.New(extract.Config{
		ExcludeSelectors:    cfg.Parser.ExcludeSelectors,
		PaginationSelectors: cfg.Parser.PaginationSelectors,
	}, clock)

	deps := engine.Dependencies{
		Frontier:   a.frontier,
		State:      a.state,
		Fetcher:    fetcher,
		Retry:      engine.NewRetryPolicy(a.retrySpec(), a.metrics, a.logger),
		Extractor:  extractor,
		Records:    records,
		Persister:  persister,
		Control:    a.channel,
		SetupHooks: hooks,
		Metrics:    a.metrics,
		Clock:      clock,
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	if cfg.Crawl.MaxRPS > 0 {
		deps.Limiter = ratelimit.New(ratelimit.Config{RPS: cfg.Crawl.MaxRPS, Burst: 1}, a.metrics)
	}

	a.engine, err = engine.New(engine.Config{
		StartURL:       cfg.Crawl.StartURL,
		Workers:        cfg.Crawl.Workers,
		DelayMin:       cfg.Crawl.DelayMin,
		DelayMax:       cfg.Crawl.DelayMax,
		DequeueTimeout: cfg.Crawl.DequeueTimeout,
		ConfirmDelay:   cfg.Crawl.ConfirmDelay,
		PollInterval:   cfg.Crawl.PollInterval,
		Resume:         cfg.Crawl.Resume,
		PageTopic:      cfg.PubSub.PageTopic,
	}, deps, a.logger)
	if err != nil {
		return a, fmt.Errorf("build engine: %w", err)
	}

	if cfg.Server.Enabled {
		if err := a.buildServer(ctx); err != nil {
			return a, err
		}
	}
	return a, nil
}

// RunID returns the identifier of this run.
func (a *App) RunID() string { return a.state.RunID() }

// Stop asks the run to end.
func (a *App) Stop() { a.engine.Stop() }

// Run executes the crawl, serving the control API alongside it when enabled.
func (a *App) Run(ctx context.Context) (crawler.Status, error) {
	if a.server == nil {
		return a.engine.Run(ctx)
	}
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	var g errgroup.Group
	addr := ":" + strconv.Itoa(a.cfg.Server.Port)
	g.Go(func() error {
		return api.ListenAndServe(serveCtx, addr, a.server.Handler(), a.logger)
	})

	status, err := a.engine.Run(ctx)
	stopServing()
	if serveErr := g.Wait(); serveErr != nil {
		a.logger.Warn("control API failed", zap.Error(serveErr))
	}
	return status, err
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) buildFrontier() error {
	cfg := a.cfg
	var robots scope.RobotsChecker
	if cfg.Scope.RespectRobots {
		robots = scope.NewRobots(cfg.Crawl.UserAgent, cfg.Scope.RobotsTimeout, nil, a.logger)
	}
	filter, err := scope.NewFilter(scope.Rules{
		TargetDomain:       cfg.Crawl.StartURL,
		Whitelist:          cfg.Scope.Whitelist,
		Blacklist:          cfg.Scope.Blacklist,
		ExcludedExtensions: cfg.Scope.ExcludedExtensions,
	}, robots)
	if err != nil {
		return fmt.Errorf("build scope filter: %w", err)
	}
	a.frontier = frontier.New(filter, a.logger)
	return nil
}

func (a *App) buildFetcher() (crawler.Fetcher, error) {
	cfg := a.cfg
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawl.UserAgent,
		Timeout:      cfg.Fetch.Timeout,
		Headers:      cfg.Fetch.Headers,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})
	if cfg.Fetch.Mode == config.FetchModeHTTP {
		return httpFetcher, nil
	}

	renderer, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.Fetch.MaxParallel,
		UserAgent:         cfg.Crawl.UserAgent,
		NavigationTimeout: cfg.Fetch.Timeout,
		SettleDelay:       cfg.Fetch.SettleDelay,
		Headers:           cfg.Fetch.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("build headless fetcher: %w", err)
	}
	a.onClose("headless browser", func() error { renderer.Close(); return nil })
	if cfg.Fetch.Mode == config.FetchModeHeadless {
		return renderer, nil
	}
	return auto.New(httpFetcher, renderer, auto.NewHeuristic(cfg.Fetch.AutoThreshold), a.logger)
}

func (a *App) retrySpec() engine.RetrySpec {
	return engine.RetrySpec{
		MaxRetries:     a.cfg.Retry.MaxRetries,
		InitialBackoff: a.cfg.Retry.InitialBackoff,
		MaxJitter:      a.cfg.Retry.MaxJitter,
	}
}

// postgresPool lazily opens the pool shared by every Postgres-backed store.
func (a *App) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := postgres.Connect(ctx, postgres.Config{DSN: a.cfg.Database.DSN, MaxConns: a.cfg.Database.MaxConns})
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.onClose("postgres pool", func() error { pool.Close(); return nil })
	return pool, nil
}

func (a *App) storageClient(ctx context.Context) (*storage.Client, error) {
	if a.gcsClient != nil {
		return a.gcsClient, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	a.gcsClient = client
	a.onClose("gcs client", client.Close)
	return client, nil
}

func (a *App) pubsubClient(ctx context.Context) (*pubsubv2.Client, error) {
	if a.psClient != nil {
		return a.psClient, nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	client, err := pubsubv2.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.psClient = client
	a.onClose("pubsub client", client.Close)
	return client, nil
}

func (a *App) buildRecordStore(ctx context.Context) (crawler.RecordStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.NewRecordStore(), nil
	case config.BackendPostgres:
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		store, err := postgres.NewRecordStoreWithPool(pool, "")
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := sqlite.Open(ctx, a.cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.onClose("sqlite", store.Close)
		return store, nil
	}
}

func (a *App) buildPersister(ctx context.Context) (*checkpoint.Persister, error) {
	cfg := a.cfg.Checkpoint
	var store checkpoint.Store
	switch cfg.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendGCS:
		client, err := a.storageClient(ctx)
		if err != nil {
			return nil, err
		}
		gcsStore, err := checkpoint.NewGCSStore(client, checkpoint.GCSConfig{Bucket: cfg.GCSBucket, Object: cfg.GCSObject})
		if err != nil {
			return nil, err
		}
		store = gcsStore
	case config.BackendPostgres:
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return nil, err
		}
		pgStore, err := checkpoint.NewPostgresStoreWithPool(pool, "", cfg.Key)
		if err != nil {
			return nil, err
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		store = pgStore
	default:
		path := cfg.Path
		if path == "" {
			path = config.DefaultCheckpointPath()
		}
		fileStore, err := checkpoint.NewFileStore(path)
		if err != nil {
			return nil, err
		}
		store = fileStore
	}
	persister, err := checkpoint.NewPersister(store, a.frontier, checkpoint.Config{
		Interval: cfg.Interval,
		RunID:    a.state.RunID(),
	}, a.clock, a.metrics, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build checkpoint persister: %w", err)
	}
	return persister, nil
}

func (a *App) buildArchiver(ctx context.Context) (*archive.Archiver, error) {
	cfg := a.cfg.Archive
	var blobs crawler.BlobStore
	switch cfg.Backend {
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("build page archive: %w", err)
		}
		blobs = store
	case config.BackendGCS:
		client, err := a.storageClient(ctx)
		if err != nil {
			return nil, err
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("build page archive: %w", err)
		}
		blobs = store
	default:
		return nil, nil
	}
	return archive.New(blobs, sha256.New())
}

func (a *App) buildPagePublisher(ctx context.Context) (*pubsubPublisher.Publisher, error) {
	needed := a.cfg.PubSub.PageTopic != "" || slices.Contains(a.cfg.Status.Publishers, config.BackendPubSub)
	if !needed {
		return nil, nil
	}
	client, err := a.pubsubClient(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := pubsubPublisher.New(client, map[string]string{"run_id": a.state.RunID()})
	if err != nil {
		return nil, err
	}
	a.onClose("pubsub publisher", func() error { pub.Close(); return nil })
	return pub, nil
}

func (a *App) buildChannel(ctx context.Context, pages *pubsubPublisher.Publisher) error {
	cfg := a.cfg
	files := control.NewFileStore(cfg.Status.File, cfg.Status.CommandFile)

	var redisStore *control.RedisStore
	if slices.Contains(cfg.Status.Publishers, config.BackendRedis) || slices.Contains(cfg.Status.StopSources, config.BackendRedis) {
		client := newRedisClient(cfg.Redis)
		a.onClose("redis client", client.Close)
		store, err := control.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Redis.StatusTTL)
		if err != nil {
			return err
		}
		redisStore = store
	}

	var publishers []control.Publisher
	for _, name := range cfg.Status.Publishers {
		switch name {
		case config.BackendFile:
			publishers = append(publishers, files)
		case config.BackendLog:
			publishers = append(publishers, control.NewLogPublisher(a.logger))
		case config.BackendRedis:
			publishers = append(publishers, redisStore)
		case config.BackendPubSub:
			topic, err := control.NewTopicPublisher(pages, cfg.PubSub.StatusTopic)
			if err != nil {
				return err
			}
			publishers = append(publishers, topic)
		case config.BackendPostgres:
			runs, err := a.runStore(ctx)
			if err != nil {
				return err
			}
			publishers = append(publishers, runs)
		}
	}

	// A stale stop instruction from an earlier run must not end this one.
	stops := []control.StopSource{a.signal}
	for _, name := range cfg.Status.StopSources {
		var src control.StopSource
		switch name {
		case config.BackendFile:
			src = files
		case config.BackendRedis:
			src = redisStore
		default:
			continue
		}
		if err := src.Clear(ctx); err != nil {
			return fmt.Errorf("clear %s stop source: %w", name, err)
		}
		stops = append(stops, src)
	}

	a.channel = control.NewChannel(a.state, a.frontier, publishers, stops, control.Config{
		Interval:     cfg.Status.Interval,
		PollInterval: cfg.Status.PollInterval,
	}, a.logger)
	return nil
}

func (a *App) runStore(ctx context.Context) (*postgres.RunStore, error) {
	pool, err := a.postgresPool(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := postgres.NewRunStoreWithPool(pool, a.cfg.Database.RunTable)
	if err != nil {
		return nil, err
	}
	if err := runs.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return runs, nil
}

func (a *App) buildHooks() ([]crawler.SetupHook, error) {
	if !a.cfg.Crawl.Sitemap {
		return nil, nil
	}
	sitemap, err := seed.NewSitemap(seed.SitemapConfig{
		StartURL:  a.cfg.Crawl.StartURL,
		UserAgent: a.cfg.Crawl.UserAgent,
		Timeout:   a.cfg.Fetch.Timeout,
	}, &http.Client{Timeout: a.cfg.Fetch.Timeout}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build sitemap hook: %w", err)
	}
	return []crawler.SetupHook{sitemap}, nil
}

func (a *App) buildServer(ctx context.Context) error {
	opts := api.Options{
		Status:  a.channel,
		Stop:    a.signal,
		Metrics: a.metrics,
		APIKey:  a.cfg.Server.APIKey,
		Logger:  a.logger,
	}
	if a.pool != nil || a.cfg.Database.DSN != "" {
		runs, err := a.runStore(ctx)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		opts.Runs = runs
	}
	server, err := api.NewServer(opts)
	if err != nil {
		return err
	}
	a.server = server
	return nil
}
