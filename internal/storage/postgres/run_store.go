package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/domain-crawler/internal/state"
)

type queryPool interface {
	execCloser
	Query(context.Context, string, ...any) (pgx.Rows, error)
}

// RunSummary is one row of the run history.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	StartURL   string     `json:"start_url"`
	Status     string     `json:"status"`
	Crawled    int        `json:"crawled"`
	QueueSize  int        `json:"queue_size"`
	Visited    int        `json:"visited"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunStore keeps one row per crawl run and updates it with every status
// snapshot, giving a queryable history of runs.
type RunStore struct {
	pool  queryPool
	table string
}

// NewRunStoreWithPool constructs a RunStore on an existing pool.
func NewRunStoreWithPool(pool queryPool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the runs table if it is missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT PRIMARY KEY,
		start_url TEXT,
		status TEXT NOT NULL,
		crawled INTEGER NOT NULL DEFAULT 0,
		queue_size INTEGER NOT NULL DEFAULT 0,
		visited INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Publish upserts the run row. finished_at is set the first time a terminal
// status is seen and never changed afterwards.
func (s *RunStore) Publish(ctx context.Context, snap state.Snapshot) error {
	if snap.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`INSERT INTO %[1]s (
		run_id, start_url, status, crawled, queue_size, visited, started_at, updated_at, finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8, CASE WHEN $9 THEN $8::timestamptz END)
	ON CONFLICT (run_id) DO UPDATE SET
		status = EXCLUDED.status,
		crawled = EXCLUDED.crawled,
		queue_size = EXCLUDED.queue_size,
		visited = EXCLUDED.visited,
		updated_at = EXCLUDED.updated_at,
		finished_at = COALESCE(%[1]s.finished_at, EXCLUDED.finished_at)`, s.table)

	_, err := s.pool.Exec(ctx, query,
		snap.RunID,
		snap.StartURL,
		string(snap.Status),
		snap.CrawledCount,
		snap.QueueSize,
		snap.VisitedCount,
		snap.StartedAt,
		snap.UpdatedAt,
		snap.Status.Terminal(),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// List returns runs newest first. An empty status matches every run.
func (s *RunStore) List(ctx context.Context, status string, limit, offset int) ([]RunSummary, error) {
	query := fmt.Sprintf(`SELECT run_id, COALESCE(start_url, ''), status, crawled, queue_size, visited,
		started_at, updated_at, finished_at
		FROM %s
		WHERE ($1 = '' OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`, s.table)

	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.StartURL, &r.Status, &r.Crawled, &r.QueueSize, &r.Visited,
			&r.StartedAt, &r.UpdatedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Close releases the underlying pool.
func (s *RunStore) Close() {
	s.pool.Close()
}
