// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool shared by the stores in this package.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore writes scraped page rows into Postgres.
type RecordStore struct {
	pool  execCloser
	table string
}

// Connect opens a pgx pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
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
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewRecordStore creates a Postgres-backed RecordStore and ensures its table exists.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewRecordStoreWithPool(pool, cfg.Table)
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

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool execCloser, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scraped_pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the records table if it is missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		title TEXT,
		description TEXT,
		language TEXT,
		text_content TEXT,
		status_code INTEGER,
		scraped_at TIMESTAMPTZ NOT NULL
	)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *RecordStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Persist inserts record. A URL that already has a row is left untouched.
func (s *RecordStore) Persist(ctx context.Context, record crawler.Record) error {
	if record.URL == "" {
		return fmt.Errorf("record url is required")
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		url, title, description, language, text_content, status_code, scraped_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (url) DO NOTHING`, s.table)

	_, err := s.pool.Exec(ctx, query,
		record.URL,
		record.Title,
		record.Description,
		record.Language,
		record.TextContent,
		record.StatusCode,
		record.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}
