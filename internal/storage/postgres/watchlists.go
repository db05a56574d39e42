package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

const watchlistColumns = `id, user_id, type, value, notify_socket, notify_email, created_at`

func scanWatchlist(row pgx.Row) (news.Watchlist, error) {
	var (
		w   news.Watchlist
		typ string
	)
	if err := row.Scan(&w.ID, &w.UserID, &typ, &w.Value, &w.NotifySocket, &w.NotifyEmail, &w.CreatedAt); err != nil {
		return news.Watchlist{}, err
	}
	w.Type = news.WatchlistType(typ)
	return w, nil
}

// CreateWatchlist stores a subscription. A repeated (user, type, value)
// returns news.ErrDuplicate.
func (s *Store) CreateWatchlist(ctx context.Context, item news.Watchlist) (news.Watchlist, error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	query := `
		INSERT INTO watchlists (user_id, type, value, notify_socket, notify_email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id;
	`
	err := s.db.QueryRow(ctx, query,
		item.UserID,
		string(item.Type),
		item.Value,
		item.NotifySocket,
		item.NotifyEmail,
		item.CreatedAt,
	).Scan(&item.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return news.Watchlist{}, news.ErrDuplicate
		}
		return news.Watchlist{}, fmt.Errorf("insert watchlist: %w", err)
	}
	return item, nil
}

// FindWatchlistsByValue returns watchlists of typ whose value equals value,
// ignoring case.
func (s *Store) FindWatchlistsByValue(
	ctx context.Context,
	typ news.WatchlistType,
	value string,
) ([]news.Watchlist, error) {
	query := `
		SELECT ` + watchlistColumns + `
		FROM watchlists
		WHERE type = $1 AND lower(value) = lower($2)
		ORDER BY id;
	`
	return s.queryWatchlists(ctx, query, string(typ), value)
}

// ListWatchlistsByType returns every watchlist of the given type.
func (s *Store) ListWatchlistsByType(ctx context.Context, typ news.WatchlistType) ([]news.Watchlist, error) {
	query := `SELECT ` + watchlistColumns + ` FROM watchlists WHERE type = $1 ORDER BY id;`
	return s.queryWatchlists(ctx, query, string(typ))
}

func (s *Store) queryWatchlists(ctx context.Context, query string, args ...any) ([]news.Watchlist, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list watchlists: %w", err)
	}
	defer rows.Close()

	var out []news.Watchlist
	for rows.Next() {
		w, err := scanWatchlist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watchlist row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watchlists: %w", err)
	}
	return out, nil
}

// CreateAlert stores an alert unless the user already has one for the same
// article or crisis. The bool reports whether a row was created.
func (s *Store) CreateAlert(ctx context.Context, alert news.UserAlert) (news.UserAlert, bool, error) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	query := `
		INSERT INTO user_alerts (user_id, article_id, crisis_id, watchlist_id, type, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT DO NOTHING
		RETURNING id;
	`
	err := s.db.QueryRow(ctx, query,
		alert.UserID,
		alert.ArticleID,
		alert.CrisisID,
		alert.WatchlistID,
		string(alert.Type),
		alert.CreatedAt,
	).Scan(&alert.ID)
	switch {
	case err == nil:
		return alert, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return news.UserAlert{}, false, fmt.Errorf("insert alert: %w", err)
	}

	existing, err := s.findAlert(ctx, alert)
	if err != nil {
		return news.UserAlert{}, false, err
	}
	return existing, false, nil
}

func (s *Store) findAlert(ctx context.Context, alert news.UserAlert) (news.UserAlert, error) {
	query := `
		SELECT id, user_id, article_id, crisis_id, watchlist_id, type, is_read, created_at
		FROM user_alerts
		WHERE user_id = $1
		  AND article_id IS NOT DISTINCT FROM $2
		  AND crisis_id IS NOT DISTINCT FROM $3
		ORDER BY id
		LIMIT 1;
	`
	var (
		existing news.UserAlert
		typ      string
	)
	err := s.db.QueryRow(ctx, query, alert.UserID, alert.ArticleID, alert.CrisisID).Scan(
		&existing.ID,
		&existing.UserID,
		&existing.ArticleID,
		&existing.CrisisID,
		&existing.WatchlistID,
		&typ,
		&existing.IsRead,
		&existing.CreatedAt,
	)
	if err != nil {
		return news.UserAlert{}, fmt.Errorf("load existing alert: %w", err)
	}
	existing.Type = news.AlertType(typ)
	return existing, nil
}
