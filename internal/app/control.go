package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-redis/redis/v8"

	"github.com/JakeFAU/domain-crawler/internal/config"
	"github.com/JakeFAU/domain-crawler/internal/control"
	"github.com/JakeFAU/domain-crawler/internal/state"
)

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Remote is the out-of-process view of a crawl used by the stop and status
// commands. It talks to the same stores the running crawl publishes to.
type Remote struct {
	readers    []control.StatusReader
	requesters []control.StopRequester
	closers    []func() error
}

// OpenRemote connects to the status stores and stop sources named by cfg.
func OpenRemote(cfg config.Config) (*Remote, error) {
	r := &Remote{}
	files := control.NewFileStore(cfg.Status.File, cfg.Status.CommandFile)

	usesRedis := slices.Contains(cfg.Status.Publishers, config.BackendRedis) ||
		slices.Contains(cfg.Status.StopSources, config.BackendRedis)
	var redisStore *control.RedisStore
	if usesRedis {
		client := newRedisClient(cfg.Redis)
		r.closers = append(r.closers, client.Close)
		store, err := control.NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.Redis.StatusTTL)
		if err != nil {
			r.Close()
			return nil, err
		}
		redisStore = store
	}

	for _, name := range cfg.Status.Publishers {
		switch name {
		case config.BackendFile:
			r.readers = append(r.readers, files)
		case config.BackendRedis:
			r.readers = append(r.readers, redisStore)
		}
	}
	for _, name := range cfg.Status.StopSources {
		switch name {
		case config.BackendFile:
			r.requesters = append(r.requesters, files)
		case config.BackendRedis:
			r.requesters = append(r.requesters, redisStore)
		}
	}
	return r, nil
}

// ReadStatus returns the first snapshot found, trying stores in
// configuration order. control.ErrNoStatus means no store holds one.
func (r *Remote) ReadStatus(ctx context.Context) (state.Snapshot, error) {
	var errs []error
	for _, reader := range r.readers {
		snap, err := reader.ReadStatus(ctx)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, control.ErrNoStatus) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return state.Snapshot{}, errors.Join(errs...)
	}
	return state.Snapshot{}, control.ErrNoStatus
}

// RequestStop writes a stop instruction to every stop source.
func (r *Remote) RequestStop(ctx context.Context) error {
	if len(r.requesters) == 0 {
		return fmt.Errorf("no stop sources configured")
	}
	var errs []error
	for _, req := range r.requesters {
		if err := req.RequestStop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases any connections.
func (r *Remote) Close() {
	for _, c := range r.closers {
		_ = c()
	}
	r.closers = nil
}
