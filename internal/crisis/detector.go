// Package crisis derives crisis events from recent negative crisis analyses
// and manages their status lifecycle.
package crisis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/metrics"
	"github.com/JakeFAU/crisiswatch/internal/news"
)

const (
	crisisCategory    = "crisis"
	negativeSentiment = "negative"
)

// Config controls detection windows.
type Config struct {
	Lookback       time.Duration
	DedupWindow    time.Duration
	TitlePrefixLen int
}

// Service detects crisis events and advances their status.
type Service struct {
	analyses news.AnalysisStore
	crises   news.CrisisStore
	clock    news.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Service.
func New(analyses news.AnalysisStore, crises news.CrisisStore, clock news.Clock, cfg Config, logger *zap.Logger) *Service {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 48 * time.Hour
	}
	if cfg.TitlePrefixLen <= 0 {
		cfg.TitlePrefixLen = 40
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{analyses: analyses, crises: crises, clock: clock, cfg: cfg, logger: logger}
}

// AutoDetectCrises scans the lookback window and creates one monitoring
// event per new crisis. Analyses without an affected country are skipped,
// as are titles matching an event created inside the dedup window.
func (s *Service) AutoDetectCrises(ctx context.Context) ([]news.CrisisEvent, error) {
	now := s.clock.Now()
	candidates, err := s.analyses.ListAnalysesSince(ctx, now.Add(-s.cfg.Lookback), crisisCategory, negativeSentiment)
	if err != nil {
		return nil, fmt.Errorf("list crisis analyses: %w", err)
	}

	var created []news.CrisisEvent
	for _, candidate := range candidates {
		logger := s.logger.With(zap.Int64("article_id", candidate.Analysis.ArticleID))
		countries := candidate.Analysis.Entities.Countries
		if len(countries) == 0 {
			logger.Debug("crisis candidate has no affected country")
			continue
		}
		prefix := TitlePrefix(candidate.ArticleTitle, s.cfg.TitlePrefixLen)
		if prefix == "" {
			continue
		}

		existing, err := s.crises.FindRecentCrisisByTitlePrefix(ctx, prefix, now.Add(-s.cfg.DedupWindow))
		if err == nil {
			logger.Debug("crisis already tracked", zap.Int64("crisis_id", existing.ID))
			continue
		}
		if !errors.Is(err, news.ErrNotFound) {
			return created, fmt.Errorf("find recent crisis: %w", err)
		}

		event, err := s.crises.CreateCrisis(ctx, s.eventFor(candidate, now))
		if err != nil {
			return created, fmt.Errorf("create crisis: %w", err)
		}
		metrics.ObserveCrisisCreated(string(event.Severity))
		logger.Info("crisis detected",
			zap.Int64("crisis_id", event.ID),
			zap.String("severity", string(event.Severity)),
			zap.Strings("countries", event.CountriesAffected),
		)
		created = append(created, event)
	}
	return created, nil
}

func (s *Service) eventFor(candidate news.AnalyzedArticle, now time.Time) news.CrisisEvent {
	analysis := candidate.Analysis
	description := analysis.Summary
	if description == "" {
		description = candidate.ArticleTitle
	}
	return news.CrisisEvent{
		Title:             strings.TrimSpace(candidate.ArticleTitle),
		Type:              crisisType(analysis.Classification),
		Description:       description,
		Severity:          Severity(analysis.FakeNewsProbability, analysis.BiasScore),
		CountriesAffected: normalizeCountries(analysis.Entities.Countries),
		Status:            news.CrisisMonitoring,
		SourceArticles:    []int64{analysis.ArticleID},
		AIConfidence:      analysis.Classification.Confidence,
		CreatedAt:         now,
	}
}

// Severity scores an analysis. A low fake-news probability is required to
// escalate; among credible reports a high bias score means high severity.
func Severity(fakeNewsProbability, biasScore float64) news.Severity {
	if fakeNewsProbability >= 0.4 {
		return news.SeverityLow
	}
	if biasScore > 0.7 {
		return news.SeverityHigh
	}
	return news.SeverityMedium
}

// TitlePrefix returns the first n runes of the trimmed title.
func TitlePrefix(title string, n int) string {
	runes := []rune(strings.TrimSpace(title))
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes)
}

func crisisType(c news.Classification) string {
	for _, sub := range c.SubCategories {
		if sub = strings.TrimSpace(sub); sub != "" {
			return sub
		}
	}
	return "general"
}

func normalizeCountries(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
