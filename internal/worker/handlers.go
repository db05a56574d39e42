package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Ingester runs source ingestion.
type Ingester interface {
	FetchFromSource(ctx context.Context, source string, trigger news.Trigger) (news.FetchResult, error)
	FetchAllSources(ctx context.Context, trigger news.Trigger) (news.IngestSummary, error)
}

// BatchAnalyzer analyzes pending articles.
type BatchAnalyzer interface {
	BatchAnalyzeUnprocessed(ctx context.Context, limit int) (news.BatchResult, error)
}

// CrisisDetector scans recent analyses for crises.
type CrisisDetector interface {
	AutoDetectCrises(ctx context.Context) ([]news.CrisisEvent, error)
}

// AlertDispatcher fans triggers out to subscribed users.
type AlertDispatcher interface {
	ProcessArticleAlerts(ctx context.Context, articleID int64) (news.AlertResult, error)
	NotifySubscribedUsers(ctx context.Context, crisisID int64) (news.AlertResult, error)
}

// Services are the operations task handlers call into.
type Services struct {
	Ingest   Ingester
	Analysis BatchAnalyzer
	Crisis   CrisisDetector
	Alerts   AlertDispatcher
	// Queue receives follow-up article_alerts and crisis_alerts tasks.
	Queue news.TaskQueue
	// MaxRetries applies to follow-up tasks.
	MaxRetries int
}

// DetectResult is the stored result of a detect_crises task.
type DetectResult struct {
	Created   int     `json:"created"`
	CrisisIDs []int64 `json:"crisis_ids"`
}

// Handlers returns the handler for every task type.
func Handlers(svc Services, logger *zap.Logger) map[string]Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return map[string]Handler{
		news.TaskIngestSource: func(ctx context.Context, task news.Task) (any, error) {
			var p news.IngestSourcePayload
			if err := decode(task, &p); err != nil {
				return nil, err
			}
			if p.Source == "" {
				return svc.Ingest.FetchAllSources(ctx, news.TriggerQueue)
			}
			return svc.Ingest.FetchFromSource(ctx, p.Source, news.TriggerQueue)
		},
		news.TaskAnalyzeBatch: func(ctx context.Context, task news.Task) (any, error) {
			var p news.AnalyzeBatchPayload
			if err := decode(task, &p); err != nil {
				return nil, err
			}
			result, err := svc.Analysis.BatchAnalyzeUnprocessed(ctx, p.Limit)
			if err != nil {
				return nil, err
			}
			// Category watchlists can only match once an analysis exists.
			for _, id := range result.Analyzed {
				payload := news.ArticleAlertsPayload{ArticleID: id}
				if _, err := svc.Queue.Enqueue(ctx, news.TaskArticleAlerts, payload, svc.MaxRetries); err != nil {
					logger.Error("enqueue article alerts", zap.Int64("article_id", id), zap.Error(err))
				}
			}
			return result, nil
		},
		news.TaskDetectCrises: func(ctx context.Context, _ news.Task) (any, error) {
			events, err := svc.Crisis.AutoDetectCrises(ctx)
			if err != nil {
				return nil, err
			}
			result := DetectResult{Created: len(events), CrisisIDs: make([]int64, 0, len(events))}
			for _, event := range events {
				result.CrisisIDs = append(result.CrisisIDs, event.ID)
				payload := news.CrisisAlertsPayload{CrisisID: event.ID}
				if _, err := svc.Queue.Enqueue(ctx, news.TaskCrisisAlerts, payload, svc.MaxRetries); err != nil {
					logger.Error("enqueue crisis alerts", zap.Int64("crisis_id", event.ID), zap.Error(err))
				}
			}
			return result, nil
		},
		news.TaskArticleAlerts: func(ctx context.Context, task news.Task) (any, error) {
			var p news.ArticleAlertsPayload
			if err := decode(task, &p); err != nil {
				return nil, err
			}
			return svc.Alerts.ProcessArticleAlerts(ctx, p.ArticleID)
		},
		news.TaskCrisisAlerts: func(ctx context.Context, task news.Task) (any, error) {
			var p news.CrisisAlertsPayload
			if err := decode(task, &p); err != nil {
				return nil, err
			}
			return svc.Alerts.NotifySubscribedUsers(ctx, p.CrisisID)
		},
	}
}

func decode(task news.Task, dst any) error {
	if len(task.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(task.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", task.Type, err)
	}
	return nil
}
