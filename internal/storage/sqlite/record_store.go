// Package sqlite stores extracted records in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// Columns lists the exportable columns of scraped_pages in table order.
var Columns = []string{"url", "title", "description", "language", "text_content", "status_code", "scraped_at"}

const schema = `
CREATE TABLE IF NOT EXISTS scraped_pages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	title TEXT,
	description TEXT,
	language TEXT,
	text_content TEXT,
	status_code INTEGER,
	scraped_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scraped_pages_scraped_at ON scraped_pages(scraped_at);
`

// RecordStore writes records to the scraped_pages table.
type RecordStore struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*RecordStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Workers share one writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &RecordStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *RecordStore) Path() string { return s.path }

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Persist inserts record, ignoring URLs that are already stored.
func (s *RecordStore) Persist(ctx context.Context, record crawler.Record) error {
	if record.URL == "" {
		return fmt.Errorf("record url is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scraped_pages (url, title, description, language, text_content, status_code, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO NOTHING`,
		record.URL,
		record.Title,
		record.Description,
		record.Language,
		record.TextContent,
		record.StatusCode,
		record.ScrapedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *RecordStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scraped_pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Export writes the selected columns of every record to w as CSV, with a
// header row, ordered by insertion. An empty columns list exports them all.
func (s *RecordStore) Export(ctx context.Context, w io.Writer, columns []string) (int, error) {
	if len(columns) == 0 {
		columns = Columns
	}
	for _, c := range columns {
		if !slices.Contains(Columns, c) {
			return 0, fmt.Errorf("unknown column %q", c)
		}
	}

	// Column names are checked against the whitelist above.
	query := fmt.Sprintf("SELECT %s FROM scraped_pages ORDER BY id", strings.Join(columns, ", "))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := csv.NewWriter(w)
	if err := out.Write(columns); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	values := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	line := make([]string, len(columns))
	written := 0
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return written, fmt.Errorf("scan record: %w", err)
		}
		for i, v := range values {
			line[i] = v.String
		}
		if err := out.Write(line); err != nil {
			return written, fmt.Errorf("write row %d: %w", written+1, err)
		}
		written++
	}
	if err := rows.Err(); err != nil {
		return written, fmt.Errorf("iterate records: %w", err)
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return written, fmt.Errorf("flush csv: %w", err)
	}
	return written, nil
}
