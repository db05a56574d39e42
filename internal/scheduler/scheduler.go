// Package scheduler fires the periodic pipeline triggers on independent tickers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Enqueuer submits queue tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any, maxRetries int) (news.Task, error)
}

// Purger deletes finished tasks older than a cutoff.
type Purger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// Config sets the trigger cadence. A non-positive interval disables that trigger.
type Config struct {
	IngestInterval    time.Duration
	AnalysisInterval  time.Duration
	CrisisInterval    time.Duration
	RetentionInterval time.Duration
	// Retention is how long completed and failed tasks are kept.
	Retention         time.Duration
	AnalysisBatchSize int
	MaxRetries        int
	// RunOnStart fires every enabled trigger once before the first tick.
	RunOnStart bool
}

// Scheduler enqueues ingestion, analysis and detection tasks and sweeps the queue.
type Scheduler struct {
	queue   Enqueuer
	purger  Purger
	sources []string
	clock   news.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Scheduler for the given sources.
func New(queue Enqueuer, purger Purger, sources []string, clock news.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Scheduler{
		queue:   queue,
		purger:  purger,
		sources: sources,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts one loop per enabled trigger and blocks until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"ingest", s.cfg.IngestInterval, s.EnqueueIngest},
		{"analysis", s.cfg.AnalysisInterval, s.EnqueueAnalysis},
		{"crisis", s.cfg.CrisisInterval, s.EnqueueDetection},
		{"retention", s.cfg.RetentionInterval, func(ctx context.Context) error {
			_, err := s.Purge(ctx)
			return err
		}},
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		if job.interval <= 0 {
			s.logger.Info("trigger disabled", zap.String("trigger", job.name))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job.name, job.interval, job.fn)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	logger := s.logger.With(zap.String("trigger", name), zap.Duration("interval", interval))
	fire := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduled trigger failed", zap.Error(err))
		}
	}
	if s.cfg.RunOnStart {
		fire()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}

// EnqueueIngest submits one ingest_source task per configured source.
func (s *Scheduler) EnqueueIngest(ctx context.Context) error {
	for _, source := range s.sources {
		payload := news.IngestSourcePayload{Source: source}
		if _, err := s.queue.Enqueue(ctx, news.TaskIngestSource, payload, s.cfg.MaxRetries); err != nil {
			return fmt.Errorf("enqueue ingest %s: %w", source, err)
		}
	}
	s.logger.Debug("ingestion enqueued", zap.Int("sources", len(s.sources)))
	return nil
}

// EnqueueAnalysis submits an analyze_batch task.
func (s *Scheduler) EnqueueAnalysis(ctx context.Context) error {
	payload := news.AnalyzeBatchPayload{Limit: s.cfg.AnalysisBatchSize}
	if _, err := s.queue.Enqueue(ctx, news.TaskAnalyzeBatch, payload, s.cfg.MaxRetries); err != nil {
		return fmt.Errorf("enqueue analysis: %w", err)
	}
	return nil
}

// EnqueueDetection submits a detect_crises task.
func (s *Scheduler) EnqueueDetection(ctx context.Context) error {
	if _, err := s.queue.Enqueue(ctx, news.TaskDetectCrises, nil, s.cfg.MaxRetries); err != nil {
		return fmt.Errorf("enqueue detection: %w", err)
	}
	return nil
}

// Purge deletes finished tasks older than the retention window.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	n, err := s.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	s.logger.Info("queue retention sweep", zap.Int64("purged", n), zap.Time("cutoff", cutoff))
	return n, nil
}
