package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/JakeFAU/domain-crawler/internal/state"
)

// RedisStore keeps the status snapshot and the stop command under two keys,
// so a crawl can be watched and stopped from another host.
type RedisStore struct {
	client     redis.Cmdable
	statusKey  string
	commandKey string
	statusTTL  time.Duration
}

// NewRedisStore builds a RedisStore. Keys are namespaced by prefix.
func NewRedisStore(client redis.Cmdable, prefix string, statusTTL time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = "domaincrawler"
	}
	return &RedisStore{
		client:     client,
		statusKey:  prefix + ":status",
		commandKey: prefix + ":command",
		statusTTL:  statusTTL,
	}, nil
}

// Keys returns the status and command keys.
func (s *RedisStore) Keys() (status, command string) {
	return s.statusKey, s.commandKey
}

// Publish implements Publisher.
func (s *RedisStore) Publish(ctx context.Context, snap state.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := s.client.Set(ctx, s.statusKey, data, s.statusTTL).Err(); err != nil {
		return fmt.Errorf("redis set status: %w", err)
	}
	return nil
}

// ReadStatus implements StatusReader.
func (s *RedisStore) ReadStatus(ctx context.Context) (state.Snapshot, error) {
	data, err := s.client.Get(ctx, s.statusKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return state.Snapshot{}, ErrNoStatus
		}
		return state.Snapshot{}, fmt.Errorf("redis get status: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return state.Snapshot{}, fmt.Errorf("decode status: %w", err)
	}
	return snap, nil
}

// StopRequested implements StopSource.
func (s *RedisStore) StopRequested(ctx context.Context) (bool, error) {
	val, err := s.client.Get(ctx, s.commandKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get command: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(val), CommandStop), nil
}

// Clear implements StopSource.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.commandKey).Err(); err != nil {
		return fmt.Errorf("redis del command: %w", err)
	}
	return nil
}

// RequestStop implements StopRequester.
func (s *RedisStore) RequestStop(ctx context.Context) error {
	if err := s.client.Set(ctx, s.commandKey, CommandStop, 0).Err(); err != nil {
		return fmt.Errorf("redis set command: %w", err)
	}
	return nil
}
