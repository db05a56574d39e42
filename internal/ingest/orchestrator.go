// Package ingest pulls normalized articles from source clients, stores the
// new ones and schedules alert fan-out for them.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/clock/system"
	"github.com/JakeFAU/crisiswatch/internal/metrics"
	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Config tunes orchestration side effects.
type Config struct {
	// ArchivePrefix is the object prefix for raw batch archives.
	ArchivePrefix string
	// AlertMaxRetries is the retry ceiling for article_alerts tasks.
	AlertMaxRetries int
}

// Orchestrator runs ingestion for a fixed set of sources.
type Orchestrator struct {
	clients  map[string]news.SourceClient
	order    []string
	articles news.ArticleStore
	logs     news.IngestionLogStore
	archive  news.BlobStore
	queue    news.TaskQueue
	clock    news.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Orchestrator. archive and queue are optional; without a
// queue no alert tasks are scheduled.
func New(
	clients []news.SourceClient,
	articles news.ArticleStore,
	logs news.IngestionLogStore,
	archive news.BlobStore,
	queue news.TaskQueue,
	clock news.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New(time.UTC)
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "raw"
	}
	if cfg.AlertMaxRetries < 0 {
		cfg.AlertMaxRetries = 0
	}
	o := &Orchestrator{
		clients:  make(map[string]news.SourceClient, len(clients)),
		articles: articles,
		logs:     logs,
		archive:  archive,
		queue:    queue,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	for _, c := range clients {
		if _, dup := o.clients[c.Name()]; dup {
			continue
		}
		o.clients[c.Name()] = c
		o.order = append(o.order, c.Name())
	}
	return o
}

// Sources lists configured source names in registration order.
func (o *Orchestrator) Sources() []string {
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// FetchFromSource ingests one batch from the named source. Duplicates and
// records without a title or hash are counted, not errors. Only storage
// failures are returned.
func (o *Orchestrator) FetchFromSource(ctx context.Context, source string, trigger news.Trigger) (news.FetchResult, error) {
	client, ok := o.clients[source]
	if !ok {
		return news.FetchResult{}, fmt.Errorf("source %q: %w", source, news.ErrNotFound)
	}
	if trigger == "" {
		trigger = news.TriggerAPI
	}
	logger := o.logger.With(zap.String("source", source), zap.String("trigger", string(trigger)))

	start := o.clock.Now()
	batch := client.Fetch(ctx)
	result := news.FetchResult{Source: source, Fetched: len(batch)}

	var created []int64
	var storeErr error
	for _, item := range batch {
		if strings.TrimSpace(item.Title) == "" || item.ContentHash == "" {
			continue
		}
		stored, isNew, err := o.articles.InsertIfAbsent(ctx, toArticle(source, item))
		if err != nil {
			storeErr = fmt.Errorf("insert article: %w", err)
			break
		}
		if isNew {
			result.Saved++
			created = append(created, stored.ID)
		} else {
			result.Duplicates++
		}
	}

	duration := o.clock.Now().Sub(start)
	result.DurationMs = duration.Milliseconds()
	switch {
	case storeErr != nil:
		result.Status = news.IngestionFailed
		result.ErrorText = storeErr.Error()
	case result.Fetched == 0:
		result.Status = news.IngestionEmpty
	default:
		result.Status = news.IngestionSuccess
	}

	metrics.ObserveIngest(source, "fetched", result.Fetched)
	metrics.ObserveIngest(source, "saved", result.Saved)
	metrics.ObserveIngest(source, "duplicate", result.Duplicates)
	metrics.ObserveIngest(source, "skipped", result.Fetched-result.Saved-result.Duplicates)

	entry := news.IngestionLogEntry{
		SourceAPI:  source,
		Fetched:    result.Fetched,
		Saved:      result.Saved,
		Duplicates: result.Duplicates,
		Status:     result.Status,
		ErrorText:  result.ErrorText,
		Duration:   duration,
		Trigger:    trigger,
		CreatedAt:  o.clock.Now(),
	}
	if err := o.logs.RecordIngestion(ctx, entry); err != nil {
		logger.Error("record ingestion", zap.Error(err))
		return result, errors.Join(storeErr, fmt.Errorf("record ingestion: %w", err))
	}

	o.archiveBatch(ctx, source, start, batch, logger)
	o.scheduleAlerts(ctx, created, logger)

	if storeErr != nil {
		logger.Error("ingestion failed", zap.Int("fetched", result.Fetched), zap.Error(storeErr))
		return result, storeErr
	}
	logger.Info("ingestion complete",
		zap.Int("fetched", result.Fetched),
		zap.Int("saved", result.Saved),
		zap.Int("duplicates", result.Duplicates),
		zap.Duration("duration", duration),
	)
	return result, nil
}

// FetchAllSources ingests every configured source one after another. A
// failing source does not stop the rest; its error is joined into the
// returned error.
func (o *Orchestrator) FetchAllSources(ctx context.Context, trigger news.Trigger) (news.IngestSummary, error) {
	var summary news.IngestSummary
	var errs []error
	for _, source := range o.order {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("fetch all sources: %w", err))
			break
		}
		result, err := o.FetchFromSource(ctx, source, trigger)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", source, err))
		}
		summary.Results = append(summary.Results, result)
		summary.Fetched += result.Fetched
		summary.Saved += result.Saved
		summary.Duplicates += result.Duplicates
	}
	return summary, errors.Join(errs...)
}

func (o *Orchestrator) archiveBatch(
	ctx context.Context,
	source string,
	at time.Time,
	batch []news.NormalizedArticle,
	logger *zap.Logger,
) {
	if o.archive == nil || len(batch) == 0 {
		return
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		logger.Warn("encode archive batch", zap.Error(err))
		return
	}
	objectPath := ArchivePath(o.cfg.ArchivePrefix, source, at)
	uri, err := o.archive.PutObject(ctx, objectPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		logger.Warn("archive batch", zap.String("path", objectPath), zap.Error(err))
		return
	}
	logger.Debug("batch archived", zap.String("uri", uri))
}

func (o *Orchestrator) scheduleAlerts(ctx context.Context, ids []int64, logger *zap.Logger) {
	if o.queue == nil {
		return
	}
	for _, id := range ids {
		payload := news.ArticleAlertsPayload{ArticleID: id}
		if _, err := o.queue.Enqueue(ctx, news.TaskArticleAlerts, payload, o.cfg.AlertMaxRetries); err != nil {
			logger.Warn("enqueue article alerts", zap.Int64("article_id", id), zap.Error(err))
		}
	}
}

// ArchivePath returns <prefix>/<source>/<yyyy>/<mm>/<dd>/<unixnano>.json in UTC.
func ArchivePath(prefix, source string, at time.Time) string {
	at = at.UTC()
	return path.Join(
		prefix,
		source,
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		strconv.FormatInt(at.UnixNano(), 10)+".json",
	)
}

func toArticle(source string, item news.NormalizedArticle) news.Article {
	return news.Article{
		ContentHash: item.ContentHash,
		Title:       strings.TrimSpace(item.Title),
		Description: item.Description,
		Content:     item.Content,
		URL:         item.URL,
		ImageURL:    item.Image,
		SourceAPI:   source,
		SourceName:  item.SourceName,
		Author:      item.Author,
		Country:     item.Country,
		Language:    item.Language,
		PublishedAt: item.PublishedAt,
	}
}
