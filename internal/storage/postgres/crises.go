package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

const crisisColumns = `id, title, type, description, severity, countries_affected, status,
	source_articles, ai_confidence, created_at, updated_at, resolved_at`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func scanCrisis(row pgx.Row) (news.CrisisEvent, error) {
	var (
		event    news.CrisisEvent
		severity string
		status   string
	)
	err := row.Scan(
		&event.ID,
		&event.Title,
		&event.Type,
		&event.Description,
		&severity,
		&event.CountriesAffected,
		&status,
		&event.SourceArticles,
		&event.AIConfidence,
		&event.CreatedAt,
		&event.UpdatedAt,
		&event.ResolvedAt,
	)
	if err != nil {
		return news.CrisisEvent{}, err
	}
	event.Severity = news.Severity(severity)
	event.Status = news.CrisisStatus(status)
	return event, nil
}

// CreateCrisis stores a new crisis event, defaulting to monitoring.
func (s *Store) CreateCrisis(ctx context.Context, event news.CrisisEvent) (news.CrisisEvent, error) {
	if event.Status == "" {
		event.Status = news.CrisisMonitoring
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	event.UpdatedAt = event.CreatedAt
	if event.CountriesAffected == nil {
		event.CountriesAffected = []string{}
	}
	if event.SourceArticles == nil {
		event.SourceArticles = []int64{}
	}
	query := `
		INSERT INTO crisis_events (
			title, type, description, severity, countries_affected, status,
			source_articles, ai_confidence, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id;
	`
	err := s.db.QueryRow(ctx, query,
		event.Title,
		event.Type,
		event.Description,
		string(event.Severity),
		event.CountriesAffected,
		string(event.Status),
		event.SourceArticles,
		event.AIConfidence,
		event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return news.CrisisEvent{}, fmt.Errorf("insert crisis: %w", err)
	}
	return event, nil
}

// GetCrisis fetches a crisis by ID.
func (s *Store) GetCrisis(ctx context.Context, id int64) (news.CrisisEvent, error) {
	event, err := scanCrisis(s.db.QueryRow(ctx, `SELECT `+crisisColumns+` FROM crisis_events WHERE id = $1;`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.CrisisEvent{}, news.ErrNotFound
		}
		return news.CrisisEvent{}, fmt.Errorf("get crisis: %w", err)
	}
	return event, nil
}

// FindRecentCrisisByTitlePrefix returns the newest event created at or after
// since whose title starts with prefix, ignoring case.
func (s *Store) FindRecentCrisisByTitlePrefix(
	ctx context.Context,
	prefix string,
	since time.Time,
) (news.CrisisEvent, error) {
	query := `
		SELECT ` + crisisColumns + `
		FROM crisis_events
		WHERE created_at >= $1 AND lower(title) LIKE $2 ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT 1;
	`
	pattern := likeEscaper.Replace(strings.ToLower(prefix)) + "%"
	event, err := scanCrisis(s.db.QueryRow(ctx, query, since, pattern))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.CrisisEvent{}, news.ErrNotFound
		}
		return news.CrisisEvent{}, fmt.Errorf("find crisis by title: %w", err)
	}
	return event, nil
}

// UpdateCrisisStatus moves an event from one status to another. It returns
// news.ErrNotFound when the event is missing or no longer in from.
func (s *Store) UpdateCrisisStatus(
	ctx context.Context,
	id int64,
	from, to news.CrisisStatus,
	at time.Time,
) (news.CrisisEvent, error) {
	query := `
		UPDATE crisis_events
		SET status = $3::text,
			updated_at = $4,
			resolved_at = CASE WHEN $3::text = 'resolved' THEN $4 ELSE resolved_at END
		WHERE id = $1 AND status = $2
		RETURNING ` + crisisColumns + `;
	`
	event, err := scanCrisis(s.db.QueryRow(ctx, query, id, string(from), string(to), at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.CrisisEvent{}, news.ErrNotFound
		}
		return news.CrisisEvent{}, fmt.Errorf("update crisis status: %w", err)
	}
	return event, nil
}
