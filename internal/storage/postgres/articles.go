package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

const articleColumns = `id, content_hash, title, description, content, url, image_url, source_api,
	source_name, author, country, language, published_at, is_analyzed, entities, created_at`

func scanArticle(row pgx.Row) (news.Article, error) {
	var (
		a         news.Article
		published *time.Time
		entities  []byte
	)
	err := row.Scan(
		&a.ID,
		&a.ContentHash,
		&a.Title,
		&a.Description,
		&a.Content,
		&a.URL,
		&a.ImageURL,
		&a.SourceAPI,
		&a.SourceName,
		&a.Author,
		&a.Country,
		&a.Language,
		&published,
		&a.IsAnalyzed,
		&entities,
		&a.CreatedAt,
	)
	if err != nil {
		return news.Article{}, err
	}
	a.PublishedAt = timeOrZero(published)
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &a.Entities); err != nil {
			return news.Article{}, fmt.Errorf("decode article entities: %w", err)
		}
	}
	return a, nil
}

// InsertIfAbsent inserts the article unless its content hash already exists,
// relying on the unique index. The existing row is returned on conflict.
func (s *Store) InsertIfAbsent(ctx context.Context, article news.Article) (news.Article, bool, error) {
	entities, err := json.Marshal(article.Entities)
	if err != nil {
		return news.Article{}, false, fmt.Errorf("encode article entities: %w", err)
	}
	if article.CreatedAt.IsZero() {
		article.CreatedAt = s.now()
	}
	query := `
		INSERT INTO articles (
			content_hash, title, description, content, url, image_url, source_api,
			source_name, author, country, language, published_at, entities, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id, created_at;
	`
	err = s.db.QueryRow(ctx, query,
		article.ContentHash,
		article.Title,
		article.Description,
		article.Content,
		article.URL,
		article.ImageURL,
		article.SourceAPI,
		article.SourceName,
		article.Author,
		article.Country,
		article.Language,
		nullTime(article.PublishedAt),
		entities,
		article.CreatedAt,
	).Scan(&article.ID, &article.CreatedAt)
	switch {
	case err == nil:
		return article, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return news.Article{}, false, fmt.Errorf("insert article: %w", err)
	}

	existing, err := scanArticle(s.db.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE content_hash = $1;`, article.ContentHash))
	if err != nil {
		return news.Article{}, false, fmt.Errorf("load duplicate article: %w", err)
	}
	return existing, false, nil
}

// GetArticle fetches an article by ID.
func (s *Store) GetArticle(ctx context.Context, id int64) (news.Article, error) {
	article, err := scanArticle(s.db.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1;`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.Article{}, news.ErrNotFound
		}
		return news.Article{}, fmt.Errorf("get article: %w", err)
	}
	return article, nil
}

// ListUnanalyzed returns up to limit unanalyzed articles, oldest first. A
// non-positive limit returns all of them.
func (s *Store) ListUnanalyzed(ctx context.Context, limit int) ([]news.Article, error) {
	var bound any
	if limit > 0 {
		bound = limit
	}
	query := `
		SELECT ` + articleColumns + `
		FROM articles
		WHERE NOT is_analyzed
		ORDER BY created_at, id
		LIMIT $1;
	`
	rows, err := s.db.Query(ctx, query, bound)
	if err != nil {
		return nil, fmt.Errorf("list unanalyzed articles: %w", err)
	}
	defer rows.Close()

	var out []news.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article row: %w", err)
		}
		out = append(out, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return out, nil
}

// MarkAnalyzed flags the article analyzed and stores entities when given.
func (s *Store) MarkAnalyzed(ctx context.Context, id int64, entities *news.Entities) error {
	var payload []byte
	if entities != nil {
		encoded, err := json.Marshal(entities)
		if err != nil {
			return fmt.Errorf("encode article entities: %w", err)
		}
		payload = encoded
	}
	query := `
		UPDATE articles
		SET is_analyzed = TRUE, entities = COALESCE($2::jsonb, entities)
		WHERE id = $1;
	`
	tag, err := s.db.Exec(ctx, query, id, payload)
	if err != nil {
		return fmt.Errorf("mark article analyzed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return news.ErrNotFound
	}
	return nil
}
