package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// ErrInvalidWatchlist is returned for watchlists missing required fields.
var ErrInvalidWatchlist = errors.New("invalid watchlist")

// NormalizeWatchlistValue canonicalizes a value for its type: country codes
// are upper-cased, keywords and categories lower-cased.
func NormalizeWatchlistValue(typ news.WatchlistType, value string) string {
	value = strings.TrimSpace(value)
	if typ == news.WatchCountry {
		return strings.ToUpper(value)
	}
	return strings.ToLower(value)
}

// CreateWatchlist validates, normalizes and stores a subscription. A repeat
// of an existing (user, type, value) fails with news.ErrDuplicate.
func (d *Dispatcher) CreateWatchlist(ctx context.Context, item news.Watchlist) (news.Watchlist, error) {
	item.UserID = strings.TrimSpace(item.UserID)
	if item.UserID == "" {
		return news.Watchlist{}, fmt.Errorf("%w: user_id is required", ErrInvalidWatchlist)
	}
	switch item.Type {
	case news.WatchCountry, news.WatchKeyword, news.WatchCategory:
	default:
		return news.Watchlist{}, fmt.Errorf("%w: unknown type %q", ErrInvalidWatchlist, item.Type)
	}
	item.Value = NormalizeWatchlistValue(item.Type, item.Value)
	if item.Value == "" {
		return news.Watchlist{}, fmt.Errorf("%w: value is required", ErrInvalidWatchlist)
	}
	created, err := d.watchlists.CreateWatchlist(ctx, item)
	if err != nil {
		return news.Watchlist{}, fmt.Errorf("create watchlist: %w", err)
	}
	return created, nil
}
