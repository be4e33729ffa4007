// Package engine drives a crawl run: it seeds the frontier, fans work out to
// a fixed worker pool, detects termination, and shuts everything down in
// order so the final checkpoint and status reflect the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/domain-crawler/internal/checkpoint"
	"github.com/JakeFAU/domain-crawler/internal/control"
	"github.com/JakeFAU/domain-crawler/internal/crawler"
	"github.com/JakeFAU/domain-crawler/internal/frontier"
	"github.com/JakeFAU/domain-crawler/internal/state"
)

const finalFlushTimeout = 30 * time.Second

// Config controls the run loop.
type Config struct {
	StartURL       string
	Workers        int
	DelayMin       time.Duration
	DelayMax       time.Duration
	DequeueTimeout time.Duration
	// ConfirmDelay is how long the frontier must stay idle before the run
	// is declared Finished.
	ConfirmDelay time.Duration
	PollInterval time.Duration
	Resume       bool
	PageTopic    string
}

// Dependencies are the collaborators of an Engine. Frontier, State, Fetcher,
// Retry and Extractor are required.
type Dependencies struct {
	Frontier   *frontier.Frontier
	State      *state.State
	Fetcher    crawler.Fetcher
	Retry      *RetryPolicy
	Extractor  crawler.Extractor
	Records    crawler.RecordStore
	Publisher  crawler.Publisher
	Archiver   Archiver
	Limiter    Limiter
	Persister  *checkpoint.Persister
	Control    *control.Channel
	SetupHooks []crawler.SetupHook
	Metrics    Metrics
	Clock      crawler.Clock
}

// Archiver keeps a copy of raw page bodies.
type Archiver interface {
	Save(ctx context.Context, rawURL, contentType, body string) (string, error)
}

// Engine runs one crawl.
type Engine struct {
	cfg       Config
	frontier  *frontier.Frontier
	state     *state.State
	fetcher   crawler.Fetcher
	retry     *RetryPolicy
	extractor crawler.Extractor
	records   crawler.RecordStore
	publisher crawler.Publisher
	archiver  Archiver
	limiter   Limiter
	persister *checkpoint.Persister
	control   *control.Channel
	hooks     []crawler.SetupHook
	metrics   Metrics
	clock     crawler.Clock
	pauser    pauser
	logger    *zap.Logger

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates deps and builds an Engine.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Frontier == nil:
		return nil, fmt.Errorf("frontier is required")
	case deps.State == nil:
		return nil, fmt.Errorf("state is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Retry == nil:
		return nil, fmt.Errorf("retry policy is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0")
	}
	if cfg.DelayMax < cfg.DelayMin {
		return nil, fmt.Errorf("delay max must be >= delay min")
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ConfirmDelay < 0 {
		cfg.ConfirmDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		cfg:       cfg,
		frontier:  deps.Frontier,
		state:     deps.State,
		fetcher:   deps.Fetcher,
		retry:     deps.Retry,
		extractor: deps.Extractor,
		records:   deps.Records,
		publisher: deps.Publisher,
		archiver:  deps.Archiver,
		limiter:   deps.Limiter,
		persister: deps.Persister,
		control:   deps.Control,
		hooks:     deps.SetupHooks,
		metrics:   metrics,
		clock:     deps.Clock,
		pauser:    timerPauser{},
		logger:    logger.Named("engine"),
		stopCh:    make(chan struct{}),
	}, nil
}

// Stop asks the run to end. It is safe to call from any goroutine, any number
// of times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stopCh)
		e.logger.Info("stop requested")
	})
}

// Stopped reports whether Stop has been called.
func (e *Engine) Stopped() bool {
	return e.stopped.Load()
}

// Run executes the crawl and returns its terminal status. An error is
// returned only when the run could not start, such as a failed setup hook.
// A hook that fails because ctx was cancelled counts as a clean stop.
func (e *Engine) Run(ctx context.Context) (crawler.Status, error) {
	e.state.SetStatus(crawler.StatusInitializing)
	e.logger.Info("crawl initializing",
		zap.String("run_id", e.state.RunID()),
		zap.String("start_url", e.cfg.StartURL),
		zap.Int("workers", e.cfg.Workers),
	)

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	bg, bgCtx := errgroup.WithContext(bgCtx)
	if e.control != nil {
		bg.Go(func() error { return e.control.Run(bgCtx, e.Stop) })
	}
	if e.persister != nil {
		bg.Go(func() error { return e.persister.Run(bgCtx) })
	}

	status, runErr := e.run(ctx)
	e.state.SetStatus(status)

	cancelBg()
	if err := bg.Wait(); err != nil {
		e.logger.Warn("background loop failed", zap.Error(err))
	}
	e.finalize(ctx)

	final := e.state.Status()
	e.logger.Info("crawl ended",
		zap.String("status", string(final)),
		zap.Int("crawled", e.state.Crawled()),
		zap.Int("visited", e.frontier.VisitedCount()),
		zap.Int("pending", e.frontier.Size()),
	)
	return final, runErr
}

func (e *Engine) run(ctx context.Context) (crawler.Status, error) {
	e.seed(ctx)

	for _, hook := range e.hooks {
		e.logger.Info("running setup hook", zap.String("hook", hook.Name()))
		if err := hook.Setup(ctx, e.seedFunc); err != nil {
			if ctx.Err() != nil {
				e.logger.Info("setup hook interrupted", zap.String("hook", hook.Name()), zap.Error(err))
				return crawler.StatusStopped, nil
			}
			e.logger.Error("setup hook failed", zap.String("hook", hook.Name()), zap.Error(err))
			return crawler.StatusStopped, fmt.Errorf("setup %s: %w", hook.Name(), err)
		}
	}
	if e.Stopped() || ctx.Err() != nil {
		return crawler.StatusStopped, nil
	}

	e.state.SetStatus(crawler.StatusRunning)
	e.logger.Info("crawl running", zap.Int("queued", e.frontier.Size()))

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	var wg sync.WaitGroup
	for i := range e.cfg.Workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run(workerCtx)
		}(newWorker(i+1, e))
	}

	status := e.monitor(ctx)
	cancelWorkers()
	wg.Wait()
	return status, nil
}

// seed restores the frontier from a checkpoint when resuming, and otherwise
// enqueues the start URL.
func (e *Engine) seed(ctx context.Context) {
	if e.cfg.Resume {
		if e.persister == nil {
			e.logger.Warn("resume requested without a checkpoint store; starting fresh")
		} else if e.persister.Restore(ctx, e.frontier, e.state) {
			return
		}
	}
	if e.cfg.StartURL == "" {
		return
	}
	if ok, reason := e.frontier.TryEnqueue(ctx, e.cfg.StartURL); !ok {
		e.logger.Warn("start url rejected",
			zap.String("url", e.cfg.StartURL),
			zap.String("reason", string(reason)),
		)
	}
}

func (e *Engine) seedFunc(ctx context.Context, rawURL string) bool {
	ok, reason := e.frontier.TryEnqueue(ctx, rawURL)
	if !ok && !reason.Quiet() {
		e.logger.Debug("seed rejected", zap.String("url", rawURL), zap.String("reason", string(reason)))
	}
	return ok
}

// monitor blocks until the run ends. The frontier must be idle on two
// consecutive checks, ConfirmDelay apart, before the run is Finished.
func (e *Engine) monitor(ctx context.Context) crawler.Status {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return crawler.StatusStopped
		case <-e.stopCh:
			return crawler.StatusStopped
		case <-ticker.C:
		}
		e.metrics.FrontierSize(e.frontier.Size())
		if !e.frontier.Idle() {
			continue
		}
		e.logger.Debug("frontier idle; confirming", zap.Duration("confirm_delay", e.cfg.ConfirmDelay))
		if !e.wait(ctx, e.cfg.ConfirmDelay) {
			return crawler.StatusStopped
		}
		if e.frontier.Idle() {
			return crawler.StatusFinished
		}
	}
}

// wait sleeps for d and reports false if the run was stopped or cancelled.
func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// finalize writes the last checkpoint and status. It runs on a detached
// context so a cancelled run still records where it stopped.
func (e *Engine) finalize(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	if e.persister != nil {
		if err := e.persister.Flush(flushCtx); err != nil {
			e.logger.Error("final checkpoint failed", zap.Error(err))
		}
	}
	if e.control != nil {
		if err := e.control.Publish(flushCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("final status publish failed", zap.Error(err))
		}
	}
}
