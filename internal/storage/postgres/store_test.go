package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

var articleCols = []string{
	"id", "content_hash", "title", "description", "content", "url", "image_url", "source_api",
	"source_name", "author", "country", "language", "published_at", "is_analyzed", "entities", "created_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, fixedClock{now: testNow}), mock
}

func TestInsertIfAbsentCreatesRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO articles")).
		WithArgs(
			"hash-1", "Quake", "", "", "https://example.com/q", "", "newsapi",
			"", "", "JP", "en", (*time.Time)(nil), []byte(`{"countries":null,"people":null,"organizations":null}`), testNow,
		).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), testNow))

	article, created, err := store.InsertIfAbsent(context.Background(), news.Article{
		ContentHash: "hash-1",
		Title:       "Quake",
		URL:         "https://example.com/q",
		SourceAPI:   "newsapi",
		Country:     "JP",
		Language:    "en",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(7), article.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentReturnsExistingOnConflict(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	published := testNow.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO articles")).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM articles WHERE content_hash = $1")).
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows(articleCols).AddRow(
			int64(3), "hash-1", "Quake", "desc", "", "https://example.com/q", "", "gnews",
			"Wire", "", "JP", "en", &published, false, []byte(`{"countries":["JP"]}`), testNow,
		))

	article, created, err := store.InsertIfAbsent(context.Background(), news.Article{ContentHash: "hash-1", Title: "quake"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(3), article.ID)
	require.Equal(t, "gnews", article.SourceAPI)
	require.Equal(t, published, article.PublishedAt)
	require.Equal(t, []string{"JP"}, article.Entities.Countries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetArticleNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM articles WHERE id = $1")).
		WithArgs(int64(99)).
		WillReturnRows(pgxmock.NewRows(articleCols))

	_, err := store.GetArticle(context.Background(), 99)
	require.ErrorIs(t, err, news.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnanalyzed(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE NOT is_analyzed")).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows(articleCols).
			AddRow(int64(1), "h1", "A", "", "", "", "", "rss", "", "", "", "en", nil, false, []byte(`{}`), testNow).
			AddRow(int64(2), "h2", "B", "", "", "", "", "rss", "", "", "", "en", nil, false, []byte(`{}`), testNow))

	articles, err := store.ListUnanalyzed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, articles, 2)
	require.True(t, articles[0].PublishedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAnalyzed(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE articles")).
		WithArgs(int64(5), []byte(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE articles")).
		WithArgs(int64(6), []byte(`{"countries":["FR"],"people":null,"organizations":null}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.MarkAnalyzed(context.Background(), 5, nil))
	err := store.MarkAnalyzed(context.Background(), 6, &news.Entities{Countries: []string{"FR"}})
	require.ErrorIs(t, err, news.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageQueries(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	ctx := context.Background()
	cutoff := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO api_usage")).
		WithArgs("newsapi", 100, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_usage")).
		WithArgs("newsapi").
		WillReturnRows(pgxmock.NewRows([]string{"api_name", "daily_limit", "used_today", "last_reset"}).
			AddRow("newsapi", 100, 42, cutoff.Add(-time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("WHERE api_name = $1 AND last_reset < $3")).
		WithArgs("newsapi", testNow, cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("SET used_today = used_today + 1")).
		WithArgs("gnews").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.EnsureSource(ctx, "newsapi", 100))
	usage, err := store.GetUsage(ctx, "newsapi")
	require.NoError(t, err)
	require.Equal(t, 42, usage.UsedToday)
	require.NoError(t, store.ResetUsage(ctx, "newsapi", testNow, cutoff))
	require.ErrorIs(t, store.IncrementUsage(ctx, "gnews"), news.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIngestion(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ingestion_log")).
		WithArgs("rss", 5, 3, 2, "success", "", int64(1500), "scheduler", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.RecordIngestion(context.Background(), news.IngestionLogEntry{
		SourceAPI:  "rss",
		Fetched:    5,
		Saved:      3,
		Duplicates: 2,
		Status:     news.IngestionSuccess,
		Duration:   1500 * time.Millisecond,
		Trigger:    news.TriggerScheduler,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailFor(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT email FROM users")).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"email"}).AddRow("u1@example.com"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT email FROM users")).
		WithArgs("u2").
		WillReturnRows(pgxmock.NewRows([]string{"email"}))

	address, err := store.EmailFor(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1@example.com", address)
	_, err = store.EmailFor(context.Background(), "u2")
	require.ErrorIs(t, err, news.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
}
