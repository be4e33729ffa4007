package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
	"github.com/JakeFAU/domain-crawler/internal/state"
)

func TestRecordStore_PersistInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.Record{
		URL:         "https://example.com/",
		Title:       "Example",
		Description: "An example page",
		Language:    "en",
		TextContent: "hello world",
		StatusCode:  200,
		ScrapedAt:   now,
	}

	mock.ExpectExec("INSERT INTO scraped_pages").
		WithArgs(rec.URL, rec.Title, rec.Description, rec.Language, rec.TextContent, rec.StatusCode, rec.ScrapedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Persist(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStore_PersistWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "pages")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO pages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	err = store.Persist(context.Background(), crawler.Record{URL: "https://example.com/a"})
	require.ErrorContains(t, err, "insert record")

	require.Error(t, store.Persist(context.Background(), crawler.Record{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStore_EnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scraped_pages").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRecordStoreWithPool_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRecordStoreWithPool(mock, "pages; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
}

func TestRunStore_PublishUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	snap := state.Snapshot{
		RunID:        "run-1",
		Status:       crawler.StatusFinished,
		StartURL:     "https://example.com/",
		CrawledCount: 12,
		QueueSize:    0,
		VisitedCount: 12,
		StartedAt:    started,
		UpdatedAt:    started.Add(time.Minute),
	}

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs("run-1", snap.StartURL, "Finished", 12, 0, 12, snap.StartedAt, snap.UpdatedAt, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Publish(context.Background(), snap))
	require.Error(t, store.Publish(context.Background(), state.Snapshot{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStore_ListFiltersByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Hour)
	rows := mock.NewRows([]string{
		"run_id", "start_url", "status", "crawled", "queue_size", "visited", "started_at", "updated_at", "finished_at",
	}).AddRow("run-2", "https://example.com/", "Stopped", 5, 3, 8, started, finished, &finished)

	mock.ExpectQuery("SELECT run_id").
		WithArgs("Stopped", 10, 0).
		WillReturnRows(rows)

	runs, err := store.List(context.Background(), "Stopped", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-2", runs[0].RunID)
	require.Equal(t, 3, runs[0].QueueSize)
	require.NotNil(t, runs[0].FinishedAt)
	require.Equal(t, finished, *runs[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
