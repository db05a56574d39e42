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

const analysisColumns = `an.id, an.article_id, an.category, an.sub_categories, an.confidence,
	an.sentiment_label, an.sentiment_polarity, an.bias_score, an.fake_news_probability,
	an.topics, an.summary, an.entities, an.model, an.created_at`

func scanAnalysis(row pgx.Row, extra ...any) (news.Analysis, error) {
	var (
		a        news.Analysis
		topics   []byte
		entities []byte
	)
	dest := []any{
		&a.ID,
		&a.ArticleID,
		&a.Classification.Category,
		&a.Classification.SubCategories,
		&a.Classification.Confidence,
		&a.Sentiment.Label,
		&a.Sentiment.Polarity,
		&a.BiasScore,
		&a.FakeNewsProbability,
		&topics,
		&a.Summary,
		&entities,
		&a.Model,
		&a.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return news.Analysis{}, err
	}
	if len(topics) > 0 {
		if err := json.Unmarshal(topics, &a.Topics); err != nil {
			return news.Analysis{}, fmt.Errorf("decode analysis topics: %w", err)
		}
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &a.Entities); err != nil {
			return news.Analysis{}, fmt.Errorf("decode analysis entities: %w", err)
		}
	}
	return a, nil
}

// GetAnalysisByArticle returns the analysis for an article.
func (s *Store) GetAnalysisByArticle(ctx context.Context, articleID int64) (news.Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM article_analysis an WHERE an.article_id = $1;`
	analysis, err := scanAnalysis(s.db.QueryRow(ctx, query, articleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.Analysis{}, news.ErrNotFound
		}
		return news.Analysis{}, fmt.Errorf("get analysis: %w", err)
	}
	return analysis, nil
}

// CreateAnalysis stores the analysis unless the article already has one, in
// which case the existing row is returned.
func (s *Store) CreateAnalysis(ctx context.Context, analysis news.Analysis) (news.Analysis, error) {
	if analysis.Topics == nil {
		analysis.Topics = []news.Topic{}
	}
	if analysis.Classification.SubCategories == nil {
		analysis.Classification.SubCategories = []string{}
	}
	topics, err := json.Marshal(analysis.Topics)
	if err != nil {
		return news.Analysis{}, fmt.Errorf("encode analysis topics: %w", err)
	}
	entities, err := json.Marshal(analysis.Entities)
	if err != nil {
		return news.Analysis{}, fmt.Errorf("encode analysis entities: %w", err)
	}
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = s.now()
	}
	query := `
		INSERT INTO article_analysis (
			article_id, category, sub_categories, confidence, sentiment_label, sentiment_polarity,
			bias_score, fake_news_probability, topics, summary, entities, model, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (article_id) DO NOTHING
		RETURNING id, created_at;
	`
	err = s.db.QueryRow(ctx, query,
		analysis.ArticleID,
		analysis.Classification.Category,
		analysis.Classification.SubCategories,
		analysis.Classification.Confidence,
		analysis.Sentiment.Label,
		analysis.Sentiment.Polarity,
		analysis.BiasScore,
		analysis.FakeNewsProbability,
		topics,
		analysis.Summary,
		entities,
		analysis.Model,
		analysis.CreatedAt,
	).Scan(&analysis.ID, &analysis.CreatedAt)
	switch {
	case err == nil:
		return analysis, nil
	case errors.Is(err, pgx.ErrNoRows):
		return s.GetAnalysisByArticle(ctx, analysis.ArticleID)
	default:
		return news.Analysis{}, fmt.Errorf("insert analysis: %w", err)
	}
}

// ListAnalysesSince returns analyses created at or after since, joined with
// their article title and country. Empty filters match everything.
func (s *Store) ListAnalysesSince(
	ctx context.Context,
	since time.Time,
	category, sentiment string,
) ([]news.AnalyzedArticle, error) {
	query := `
		SELECT ` + analysisColumns + `, a.title, a.country
		FROM article_analysis an
		JOIN articles a ON a.id = an.article_id
		WHERE an.created_at >= $1
		  AND ($2 = '' OR an.category = $2)
		  AND ($3 = '' OR an.sentiment_label = $3)
		ORDER BY an.created_at, an.id;
	`
	rows, err := s.db.Query(ctx, query, since, category, sentiment)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []news.AnalyzedArticle
	for rows.Next() {
		var item news.AnalyzedArticle
		analysis, err := scanAnalysis(rows, &item.ArticleTitle, &item.Country)
		if err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}
		item.Analysis = analysis
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return out, nil
}
