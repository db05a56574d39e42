// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/news"
	"github.com/JakeFAU/crisiswatch/internal/worker"
)

// ErrUnknownTaskType is returned when no handler exists for a task type.
var ErrUnknownTaskType = errors.New("unknown task type")

// Dispatcher fans out queue work to a pool of workers and guards submissions.
type Dispatcher struct {
	queue   news.TaskQueue
	workers []*worker.Worker
	known   map[string]struct{}
	logger  *zap.Logger
}

// New creates a Dispatcher. taskTypes lists the types Enqueue accepts; when
// empty, every type is accepted.
func New(queue news.TaskQueue, workers []*worker.Worker, taskTypes []string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]struct{}, len(taskTypes))
	for _, t := range taskTypes {
		known[t] = struct{}{}
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		known:   known,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("count", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("workers stopped")
}

// Enqueue validates the task type and proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, taskType string, payload any, maxRetries int) (news.Task, error) {
	if len(d.known) > 0 {
		if _, ok := d.known[taskType]; !ok {
			return news.Task{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
		}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	task, err := d.queue.Enqueue(ctx, taskType, payload, maxRetries)
	if err != nil {
		return news.Task{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return task, nil
}
