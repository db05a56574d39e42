package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// EmailFor returns the address registered for a user.
func (s *Store) EmailFor(ctx context.Context, userID string) (string, error) {
	var address string
	err := s.db.QueryRow(ctx, `SELECT email FROM users WHERE id = $1;`, userID).Scan(&address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", news.ErrNotFound
		}
		return "", fmt.Errorf("get user email: %w", err)
	}
	if address == "" {
		return "", news.ErrNotFound
	}
	return address, nil
}
