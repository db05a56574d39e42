// Package worker runs queue tasks through handlers registered by task type.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/metrics"
	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Handler executes one task and returns a JSON-serializable result.
type Handler func(ctx context.Context, task news.Task) (any, error)

// Notifier is implemented by queues that can signal newly claimable work.
type Notifier interface {
	Ready() <-chan struct{}
}

// Config controls Worker behavior.
type Config struct {
	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration
}

// Worker claims tasks from the queue and completes or fails them.
type Worker struct {
	id       string
	queue    news.TaskQueue
	handlers map[string]Handler
	wake     <-chan struct{}
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker identified by id.
func New(id string, queue news.TaskQueue, handlers map[string]Handler, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	w := &Worker{
		id:       id,
		queue:    queue,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", id)),
	}
	if n, ok := queue.(Notifier); ok {
		w.wake = n.Ready()
	}
	return w
}

// ID returns the worker's lock identity.
func (w *Worker) ID() string {
	return w.id
}

// Run blocks, processing tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		processed, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("queue dequeue failed", zap.Error(err))
		}
		if processed {
			continue
		}
		if !w.idle(ctx) {
			return
		}
	}
}

func (w *Worker) idle(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-timer.C:
		return true
	}
}

// RunOnce claims and executes at most one task. It reports whether a task
// was claimed. Handler failures are recorded on the task, not returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if task == nil {
		return false, nil
	}
	w.process(ctx, *task)
	return true, nil
}

func (w *Worker) process(ctx context.Context, task news.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("task_type", task.Type),
		zap.Int("attempt", task.RetryCount+1),
	)
	logger.Debug("task claimed")

	handler, ok := w.handlers[task.Type]
	if !ok {
		w.fail(ctx, task, fmt.Sprintf("no handler registered for task type %q", task.Type), logger)
		return
	}

	start := time.Now()
	result, err := w.invoke(ctx, handler, task)
	if err != nil {
		logger.Warn("task handler failed", zap.Duration("latency", time.Since(start)), zap.Error(err))
		w.fail(ctx, task, err.Error(), logger)
		return
	}
	if err := w.queue.Complete(ctx, task.ID, w.id, result); err != nil {
		if errors.Is(err, news.ErrLeaseLost) {
			logger.Warn("lease expired before completion, result dropped")
			return
		}
		logger.Error("complete task", zap.Error(err))
		return
	}
	metrics.ObserveTask(task.Type, "completed")
	logger.Info("task completed", zap.Duration("latency", time.Since(start)))
}

func (w *Worker) invoke(ctx context.Context, handler Handler, task news.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

func (w *Worker) fail(ctx context.Context, task news.Task, reason string, logger *zap.Logger) {
	updated, err := w.queue.Fail(ctx, task.ID, w.id, reason)
	if err != nil {
		if errors.Is(err, news.ErrLeaseLost) {
			logger.Warn("lease expired before failure was recorded", zap.String("error", reason))
			return
		}
		logger.Error("fail task", zap.Error(err))
		return
	}
	if updated.Status == news.TaskFailed {
		metrics.ObserveTask(task.Type, "failed")
		logger.Error("task failed permanently", zap.String("error", reason), zap.Int("retries", updated.RetryCount))
		return
	}
	metrics.ObserveTask(task.Type, "retried")
}
