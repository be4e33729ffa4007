package sqlite

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

func openTestStore(t *testing.T) *RecordStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "pages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordStore_PersistIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, store.Persist(ctx, crawler.Record{URL: "https://example.com/", Title: "first", StatusCode: 200, ScrapedAt: now}))
	require.NoError(t, store.Persist(ctx, crawler.Record{URL: "https://example.com/", Title: "second", StatusCode: 200, ScrapedAt: now}))
	require.NoError(t, store.Persist(ctx, crawler.Record{URL: "https://example.com/a", Title: "a", StatusCode: 200, ScrapedAt: now}))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Error(t, store.Persist(ctx, crawler.Record{}))
}

func TestRecordStore_Export(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.Persist(ctx, crawler.Record{
		URL:         "https://example.com/",
		Title:       "Home, sweet home",
		TextContent: "hello",
		StatusCode:  200,
		ScrapedAt:   now,
	}))
	require.NoError(t, store.Persist(ctx, crawler.Record{URL: "https://example.com/b", Title: "B", StatusCode: 404, ScrapedAt: now}))

	var buf bytes.Buffer
	n, err := store.Export(ctx, &buf, []string{"url", "title", "status_code"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"url", "title", "status_code"},
		{"https://example.com/", "Home, sweet home", "200"},
		{"https://example.com/b", "B", "404"},
	}, rows)
}

func TestRecordStore_ExportRejectsUnknownColumns(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	var buf bytes.Buffer
	_, err := store.Export(context.Background(), &buf, []string{"url", "password"})
	require.ErrorContains(t, err, `unknown column "password"`)
	require.Zero(t, buf.Len())
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
