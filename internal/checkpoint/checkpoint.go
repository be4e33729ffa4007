// Package checkpoint persists frontier snapshots so an interrupted crawl can
// resume where it left off.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// ErrNotFound is returned by Store.Load when no checkpoint exists.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the durable pair of visited URLs and pending URLs.
type Checkpoint struct {
	RunID   string    `json:"run_id,omitempty"`
	SavedAt time.Time `json:"saved_at"`
	Visited []string  `json:"visited"`
	Pending []string  `json:"pending"`
}

// Empty reports whether the checkpoint holds no URLs at all.
func (c Checkpoint) Empty() bool {
	return len(c.Visited) == 0 && len(c.Pending) == 0
}

// Store reads and overwrites a single checkpoint.
type Store interface {
	Load(ctx context.Context) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// Source provides a consistent frontier snapshot.
type Source interface {
	Snapshot() (visited, pending []string)
}

// Target accepts a restored frontier.
type Target interface {
	Restore(visited, pending []string) int
}

// CrawlCounter receives the approximate crawled count after a restore.
type CrawlCounter interface {
	SetCrawled(n int)
}

// Metrics observes checkpoint writes.
type Metrics interface {
	CheckpointSaved(err error)
}

// Config tunes a Persister.
type Config struct {
	Interval time.Duration
	RunID    string
}

// Persister periodically snapshots a Source into a Store.
type Persister struct {
	store    Store
	source   Source
	interval time.Duration
	runID    string
	clock    crawler.Clock
	metrics  Metrics
	logger   *zap.Logger
}

// NewPersister wires a Persister. metrics and clock may be nil.
func NewPersister(store Store, source Source, cfg Config, clock crawler.Clock, metrics Metrics, logger *zap.Logger) (*Persister, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("checkpoint source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		store:    store,
		source:   source,
		interval: cfg.Interval,
		runID:    cfg.RunID,
		clock:    clock,
		metrics:  metrics,
		logger:   logger.Named("checkpoint"),
	}, nil
}

// Run flushes on every interval until ctx is done. Write failures are logged
// and never end the loop.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("checkpoint write failed", zap.Error(err))
			}
		}
	}
}

// Flush writes the current frontier snapshot.
func (p *Persister) Flush(ctx context.Context) error {
	visited, pending := p.source.Snapshot()
	cp := Checkpoint{
		RunID:   p.runID,
		SavedAt: p.now(),
		Visited: visited,
		Pending: pending,
	}
	err := p.store.Save(ctx, cp)
	if p.metrics != nil {
		p.metrics.CheckpointSaved(err)
	}
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	p.logger.Debug("checkpoint saved", zap.Int("visited", len(visited)), zap.Int("pending", len(pending)))
	return nil
}

// Restore loads the last checkpoint into target. The crawled count is
// approximated as |visited| - |pending|. It returns false when there was
// nothing usable to restore, in which case the caller should seed fresh.
func (p *Persister) Restore(ctx context.Context, target Target, counter CrawlCounter) bool {
	cp, err := p.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		p.logger.Info("no checkpoint found; starting fresh")
		return false
	case err != nil:
		p.logger.Warn("checkpoint unreadable; starting fresh", zap.Error(err))
		return false
	case cp.Empty():
		p.logger.Info("checkpoint is empty; starting fresh")
		return false
	}

	visited := target.Restore(cp.Visited, cp.Pending)
	pending := countDistinct(cp.Pending)
	if counter != nil {
		counter.SetCrawled(visited - pending)
	}
	p.logger.Info("resumed from checkpoint",
		zap.String("previous_run_id", cp.RunID),
		zap.Time("saved_at", cp.SavedAt),
		zap.Int("visited", visited),
		zap.Int("pending", pending),
	)
	return true
}

func (p *Persister) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}

func countDistinct(urls []string) int {
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u != "" {
			seen[u] = struct{}{}
		}
	}
	return len(seen)
}
