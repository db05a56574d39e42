package alerts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

func TestCreateWatchlistNormalizes(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	country, err := f.dispatcher.CreateWatchlist(ctx, news.Watchlist{UserID: "u1", Type: news.WatchCountry, Value: " jp "})
	require.NoError(t, err)
	assert.Equal(t, "JP", country.Value)

	keyword, err := f.dispatcher.CreateWatchlist(ctx, news.Watchlist{UserID: "u1", Type: news.WatchKeyword, Value: "Flood"})
	require.NoError(t, err)
	assert.Equal(t, "flood", keyword.Value)

	_, err = f.dispatcher.CreateWatchlist(ctx, news.Watchlist{UserID: "u1", Type: news.WatchKeyword, Value: "FLOOD "})
	require.ErrorIs(t, err, news.ErrDuplicate)
}

func TestCreateWatchlistValidates(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	tests := []news.Watchlist{
		{Type: news.WatchCountry, Value: "JP"},
		{UserID: "u1", Type: "region", Value: "EU"},
		{UserID: "u1", Type: news.WatchKeyword, Value: "   "},
	}
	for _, item := range tests {
		_, err := f.dispatcher.CreateWatchlist(ctx, item)
		require.ErrorIs(t, err, ErrInvalidWatchlist)
	}
}
