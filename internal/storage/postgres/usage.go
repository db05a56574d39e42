package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// EnsureSource creates the usage row or updates its daily limit.
func (s *Store) EnsureSource(ctx context.Context, name string, dailyLimit int) error {
	query := `
		INSERT INTO api_usage (api_name, daily_limit, used_today, last_reset)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (api_name) DO UPDATE
		SET daily_limit = EXCLUDED.daily_limit;
	`
	if _, err := s.db.Exec(ctx, query, name, dailyLimit, s.now()); err != nil {
		return fmt.Errorf("ensure api usage %s: %w", name, err)
	}
	return nil
}

// GetUsage returns the usage row for a source.
func (s *Store) GetUsage(ctx context.Context, name string) (news.APIUsage, error) {
	query := `
		SELECT api_name, daily_limit, used_today, last_reset
		FROM api_usage
		WHERE api_name = $1;
	`
	var usage news.APIUsage
	err := s.db.QueryRow(ctx, query, name).Scan(
		&usage.APIName,
		&usage.DailyLimit,
		&usage.UsedToday,
		&usage.LastReset,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.APIUsage{}, news.ErrNotFound
		}
		return news.APIUsage{}, fmt.Errorf("get api usage %s: %w", name, err)
	}
	return usage, nil
}

// ResetUsage zeroes the counter when the last reset predates cutoff. The
// condition lives in the UPDATE so concurrent readers reset at most once.
func (s *Store) ResetUsage(ctx context.Context, name string, at time.Time, cutoff time.Time) error {
	query := `
		UPDATE api_usage
		SET used_today = 0, last_reset = $2
		WHERE api_name = $1 AND last_reset < $3;
	`
	if _, err := s.db.Exec(ctx, query, name, at, cutoff); err != nil {
		return fmt.Errorf("reset api usage %s: %w", name, err)
	}
	return nil
}

// IncrementUsage adds one call to the source's counter.
func (s *Store) IncrementUsage(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `UPDATE api_usage SET used_today = used_today + 1 WHERE api_name = $1;`, name)
	if err != nil {
		return fmt.Errorf("increment api usage %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return news.ErrNotFound
	}
	return nil
}

// RecordIngestion appends an ingestion audit entry.
func (s *Store) RecordIngestion(ctx context.Context, entry news.IngestionLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	query := `
		INSERT INTO ingestion_log (
			source_api, fetched, saved, duplicates, status, error_text, duration_ms, trigger, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err := s.db.Exec(ctx, query,
		entry.SourceAPI,
		entry.Fetched,
		entry.Saved,
		entry.Duplicates,
		string(entry.Status),
		entry.ErrorText,
		entry.Duration.Milliseconds(),
		string(entry.Trigger),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion log: %w", err)
	}
	return nil
}
