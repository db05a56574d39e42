package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

var watchlistCols = []string{"id", "user_id", "type", "value", "notify_socket", "notify_email", "created_at"}

func TestCreateWatchlistDuplicate(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO watchlists")).
		WithArgs("u1", "country", "JP", true, false, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO watchlists")).
		WithArgs("u1", "country", "JP", true, false, testNow).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "watchlists_user_type_value_key"})

	item := news.Watchlist{UserID: "u1", Type: news.WatchCountry, Value: "JP", NotifySocket: true}
	created, err := store.CreateWatchlist(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, int64(1), created.ID)

	_, err = store.CreateWatchlist(context.Background(), item)
	require.ErrorIs(t, err, news.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindWatchlistsByValue(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("lower(value) = lower($2)")).
		WithArgs("country", "jp").
		WillReturnRows(pgxmock.NewRows(watchlistCols).
			AddRow(int64(1), "u1", "country", "JP", true, false, testNow).
			AddRow(int64(2), "u2", "country", "JP", false, true, testNow))

	items, err := store.FindWatchlistsByValue(context.Background(), news.WatchCountry, "jp")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, news.WatchCountry, items[1].Type)
	require.True(t, items[1].NotifyEmail)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlertConflictReturnsExisting(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	articleID := int64(9)
	watchlistID := int64(3)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO user_alerts")).
		WithArgs("u1", &articleID, (*int64)(nil), &watchlistID, "article", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(20)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO user_alerts")).
		WithArgs("u1", &articleID, (*int64)(nil), &watchlistID, "article", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta("article_id IS NOT DISTINCT FROM $2")).
		WithArgs("u1", &articleID, (*int64)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "article_id", "crisis_id", "watchlist_id", "type", "is_read", "created_at",
		}).AddRow(int64(20), "u1", &articleID, nil, &watchlistID, "article", false, testNow))

	alert := news.UserAlert{UserID: "u1", ArticleID: &articleID, WatchlistID: &watchlistID, Type: news.AlertArticle}
	first, created, err := store.CreateAlert(context.Background(), alert)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(20), first.ID)

	second, created, err := store.CreateAlert(context.Background(), alert)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(20), second.ID)
	require.Equal(t, news.AlertArticle, second.Type)
	require.NoError(t, mock.ExpectationsWereMet())
}
