// Package control publishes crawl status snapshots and watches for external
// stop instructions.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/state"
)

// ErrNoStatus is returned when no status snapshot has been published yet.
var ErrNoStatus = errors.New("no status published")

// Publisher writes a status snapshot to an external-facing store.
type Publisher interface {
	Publish(ctx context.Context, snap state.Snapshot) error
}

// StopSource reports external stop instructions. Clear acknowledges one.
type StopSource interface {
	StopRequested(ctx context.Context) (bool, error)
	Clear(ctx context.Context) error
}

// StatusReader reads the last published snapshot.
type StatusReader interface {
	ReadStatus(ctx context.Context) (state.Snapshot, error)
}

// StopRequester writes a stop instruction for a running crawl.
type StopRequester interface {
	RequestStop(ctx context.Context) error
}

// Stats exposes frontier sizes for snapshots.
type Stats interface {
	Size() int
	VisitedCount() int
}

// Config tunes the publish and poll cadence.
type Config struct {
	Interval     time.Duration
	PollInterval time.Duration
}

// Channel drives status publishing and stop polling for one run.
type Channel struct {
	state      *state.State
	stats      Stats
	publishers []Publisher
	stops      []StopSource
	cfg        Config
	logger     *zap.Logger

	stopOnce sync.Once
}

// NewChannel wires a Channel. stats may be nil.
func NewChannel(st *state.State, stats Stats, publishers []Publisher, stops []StopSource, cfg Config, logger *zap.Logger) *Channel {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		state:      st,
		stats:      stats,
		publishers: publishers,
		stops:      stops,
		cfg:        cfg,
		logger:     logger.Named("control"),
	}
}

// Snapshot returns the current state enriched with frontier sizes.
func (c *Channel) Snapshot() state.Snapshot {
	snap := c.state.Snapshot()
	if c.stats != nil {
		snap.QueueSize = c.stats.Size()
		snap.VisitedCount = c.stats.VisitedCount()
	}
	return snap
}

// Publish sends the current snapshot to every publisher. Failures are logged
// and returned joined; one failing publisher does not block the others.
func (c *Channel) Publish(ctx context.Context) error {
	snap := c.Snapshot()
	var errs []error
	for _, p := range c.publishers {
		if err := p.Publish(ctx, snap); err != nil {
			c.logger.Warn("status publish failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run publishes on every interval and polls stop sources on every poll
// interval until ctx is done. onStop is invoked at most once.
func (c *Channel) Run(ctx context.Context, onStop func()) error {
	publish := time.NewTicker(c.cfg.Interval)
	defer publish.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	_ = c.Publish(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-publish.C:
			_ = c.Publish(ctx)
		case <-poll.C:
			if c.stopRequested(ctx) {
				c.stopOnce.Do(func() {
					if onStop != nil {
						onStop()
					}
				})
			}
		}
	}
}

func (c *Channel) stopRequested(ctx context.Context) bool {
	for _, src := range c.stops {
		requested, err := src.StopRequested(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("stop source poll failed", zap.Error(err))
			}
			continue
		}
		if !requested {
			continue
		}
		c.logger.Info("stop instruction received")
		if err := src.Clear(ctx); err != nil {
			c.logger.Warn("failed to clear stop instruction", zap.Error(err))
		}
		return true
	}
	return false
}
