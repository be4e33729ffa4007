package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the Postgres checkpoint store.
type PostgresConfig struct {
	DSN      string
	Table    string
	Key      string
	MaxConns int32
}

type pgConn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// PostgresStore keeps one checkpoint row per key, so several crawls can share
// a database.
type PostgresStore struct {
	pool  pgConn
	table string
	key   string
}

// NewPostgresStore connects to Postgres and ensures the checkpoint table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPostgresStoreWithPool(pool, cfg.Table, cfg.Key)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(pool pgConn, table, key string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_checkpoints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if key == "" {
		key = "default"
	}
	return &PostgresStore{pool: pool, table: table, key: key}, nil
}

// EnsureSchema creates the checkpoint table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		checkpoint_key TEXT PRIMARY KEY,
		run_id TEXT NOT NULL DEFAULT '',
		visited JSONB NOT NULL,
		pending JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL
	)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) (Checkpoint, error) {
	query := fmt.Sprintf(`SELECT run_id, visited, pending, saved_at FROM %s WHERE checkpoint_key = $1`, s.table)
	var (
		cp      Checkpoint
		savedAt time.Time
	)
	err := s.pool.QueryRow(ctx, query, s.key).Scan(&cp.RunID, &cp.Visited, &cp.Pending, &savedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.SavedAt = savedAt
	return cp, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.Visited == nil {
		cp.Visited = []string{}
	}
	if cp.Pending == nil {
		cp.Pending = []string{}
	}
	query := fmt.Sprintf(`INSERT INTO %s (checkpoint_key, run_id, visited, pending, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (checkpoint_key) DO UPDATE
		SET run_id = EXCLUDED.run_id,
			visited = EXCLUDED.visited,
			pending = EXCLUDED.pending,
			saved_at = EXCLUDED.saved_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.key, cp.RunID, cp.Visited, cp.Pending, cp.SavedAt); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
