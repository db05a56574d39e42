// Package analysis turns unprocessed articles into structured intelligence
// via the completion service. Each article gets at most one attempt: on any
// failure it is marked analyzed and skipped so it never blocks later batches.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/completion"
	"github.com/JakeFAU/crisiswatch/internal/metrics"
	"github.com/JakeFAU/crisiswatch/internal/news"
	"github.com/JakeFAU/crisiswatch/internal/policy/ratelimit"
)

const limiterKey = "completion"

// Completer is the subset of the completion client the pipeline uses.
type Completer interface {
	GenerateResponse(
		ctx context.Context,
		messages []completion.Message,
		model string,
		opts ...completion.Option,
	) (completion.Response, error)
}

// Config controls Pipeline behavior.
type Config struct {
	Model           string
	MaxContentChars int
	BatchSize       int
	InterCallDelay  time.Duration

	// MaxBatchDuration caps one batch run. Articles not reached stay pending.
	MaxBatchDuration time.Duration
}

// Pipeline analyzes articles one at a time.
type Pipeline struct {
	articles  news.ArticleStore
	analyses  news.AnalysisStore
	completer Completer
	limiter   *ratelimit.Limiter
	clock     news.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pipeline. The limiter paces completion calls to one per
// InterCallDelay.
func New(
	articles news.ArticleStore,
	analyses news.AnalysisStore,
	completer Completer,
	limiter *ratelimit.Limiter,
	clock news.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = 3000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	limiter.SetInterval(limiterKey, cfg.InterCallDelay)
	return &Pipeline{
		articles:  articles,
		analyses:  analyses,
		completer: completer,
		limiter:   limiter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// AnalyzeArticle returns the stored analysis for the article, creating it
// if needed. It returns nil without error when the completion call or its
// output fails; the article is then marked analyzed.
func (p *Pipeline) AnalyzeArticle(ctx context.Context, articleID int64) (*news.Analysis, error) {
	analysis, _, err := p.analyze(ctx, articleID)
	return analysis, err
}

// analyze also reports whether this call finished analyzing the article,
// either by writing its analysis or by marking a previously stored one.
func (p *Pipeline) analyze(ctx context.Context, articleID int64) (*news.Analysis, bool, error) {
	article, err := p.articles.GetArticle(ctx, articleID)
	if err != nil {
		return nil, false, fmt.Errorf("get article %d: %w", articleID, err)
	}

	existing, err := p.analyses.GetAnalysisByArticle(ctx, articleID)
	switch {
	case err == nil:
		if !article.IsAnalyzed {
			if err := p.articles.MarkAnalyzed(ctx, articleID, &existing.Entities); err != nil {
				return nil, false, fmt.Errorf("mark article %d analyzed: %w", articleID, err)
			}
		}
		metrics.ObserveAnalysis("existing")
		return &existing, !article.IsAnalyzed, nil
	case !errors.Is(err, news.ErrNotFound):
		return nil, false, fmt.Errorf("get analysis %d: %w", articleID, err)
	}

	logger := p.logger.With(zap.Int64("article_id", articleID))
	resp, err := p.completer.GenerateResponse(
		ctx,
		buildMessages(article, p.cfg.MaxContentChars),
		p.cfg.Model,
		completion.WithJSONMode(),
		completion.WithTemperature(0.2),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, fmt.Errorf("analyze article %d: %w", articleID, ctx.Err())
		}
		logger.Warn("completion failed, skipping article",
			zap.String("kind", string(completion.KindOf(err))),
			zap.Error(err),
		)
		return nil, false, p.skip(ctx, articleID)
	}

	parsed, err := parseAnalysis(resp.Content())
	if err != nil {
		logger.Warn("unparseable analysis, skipping article", zap.Error(err))
		return nil, false, p.skip(ctx, articleID)
	}
	parsed.ArticleID = articleID
	parsed.Model = resp.Model
	if parsed.Model == "" {
		parsed.Model = p.cfg.Model
	}
	parsed.CreatedAt = p.clock.Now()

	stored, err := p.analyses.CreateAnalysis(ctx, parsed)
	if err != nil {
		return nil, false, fmt.Errorf("create analysis %d: %w", articleID, err)
	}
	if err := p.articles.MarkAnalyzed(ctx, articleID, &stored.Entities); err != nil {
		return nil, false, fmt.Errorf("mark article %d analyzed: %w", articleID, err)
	}
	metrics.ObserveAnalysis("created")
	logger.Info("article analyzed",
		zap.String("category", stored.Classification.Category),
		zap.String("sentiment", stored.Sentiment.Label),
		zap.Int("tokens", resp.Usage.TotalTokens),
	)
	return &stored, true, nil
}

func (p *Pipeline) skip(ctx context.Context, articleID int64) error {
	metrics.ObserveAnalysis("skipped")
	if err := p.articles.MarkAnalyzed(ctx, articleID, nil); err != nil {
		return fmt.Errorf("mark article %d skipped: %w", articleID, err)
	}
	return nil
}

// BatchAnalyzeUnprocessed analyzes up to limit unanalyzed articles, oldest
// first. A non-positive limit uses the configured batch size. Per-article
// failures are counted, not returned. When MaxBatchDuration elapses the run
// stops and reports a truncated result without error.
func (p *Pipeline) BatchAnalyzeUnprocessed(ctx context.Context, limit int) (news.BatchResult, error) {
	if limit <= 0 {
		limit = p.cfg.BatchSize
	}
	pending, err := p.articles.ListUnanalyzed(ctx, limit)
	if err != nil {
		return news.BatchResult{}, fmt.Errorf("list unanalyzed: %w", err)
	}

	batchCtx := ctx
	if p.cfg.MaxBatchDuration > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, p.cfg.MaxBatchDuration)
		defer cancel()
	}

	var result news.BatchResult
	for _, article := range pending {
		if err := p.limiter.Wait(batchCtx, limiterKey); err != nil {
			if ctx.Err() != nil {
				return result, fmt.Errorf("batch interrupted: %w", ctx.Err())
			}
			result.Truncated = true
			break
		}
		analysis, created, err := p.analyze(batchCtx, article.ID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return result, fmt.Errorf("batch interrupted: %w", ctx.Err())
			}
			if batchCtx.Err() != nil {
				result.Truncated = true
				break
			}
			p.logger.Error("analyze article", zap.Int64("article_id", article.ID), zap.Error(err))
			result.Failed++
		case analysis == nil:
			result.Failed++
		default:
			result.Processed++
			if created {
				result.Analyzed = append(result.Analyzed, article.ID)
			}
		}
		if result.Truncated {
			break
		}
	}
	p.logger.Info("analysis batch finished",
		zap.Int("selected", len(pending)),
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed),
		zap.Bool("truncated", result.Truncated),
	)
	return result, nil
}
