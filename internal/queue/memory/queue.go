// Package memory provides a lease-based task queue for local development.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Queue is an in-memory news.TaskQueue. Claims happen under a single mutex,
// so at most one worker holds a task until it completes, fails or its lease
// expires.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*news.Task
	ids   news.IDGenerator
	clock news.Clock
	lease time.Duration
	ready chan struct{}
}

// NewQueue constructs a Queue whose claims expire after lease.
func NewQueue(ids news.IDGenerator, clock news.Clock, lease time.Duration) *Queue {
	return &Queue{
		tasks: make(map[string]*news.Task),
		ids:   ids,
		clock: clock,
		lease: lease,
		ready: make(chan struct{}, 1),
	}
}

// Ready is signaled whenever a task becomes pending.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Enqueue creates a pending task.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, maxRetries int) (news.Task, error) {
	if err := ctx.Err(); err != nil {
		return news.Task{}, fmt.Errorf("enqueue canceled: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return news.Task{}, fmt.Errorf("marshal payload: %w", err)
	}
	id, err := q.ids.NewID()
	if err != nil {
		return news.Task{}, fmt.Errorf("task id: %w", err)
	}
	now := q.clock.Now()
	task := &news.Task{
		ID:         id,
		Type:       taskType,
		Status:     news.TaskPending,
		Payload:    raw,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.mu.Lock()
	q.tasks[id] = task
	out := *task
	q.mu.Unlock()
	q.signal()
	return out, nil
}

// Dequeue claims the oldest pending task or expired lease, or returns nil.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*news.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dequeue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	expiry := now.Add(-q.lease)
	var candidate *news.Task
	for _, task := range q.tasks {
		claimable := task.Status == news.TaskPending ||
			(task.Status == news.TaskProcessing && task.LockedAt != nil && task.LockedAt.Before(expiry))
		if !claimable {
			continue
		}
		if candidate == nil || older(task, candidate) {
			candidate = task
		}
	}
	if candidate == nil {
		return nil, nil
	}
	lockedAt := now
	candidate.Status = news.TaskProcessing
	candidate.LockedBy = workerID
	candidate.LockedAt = &lockedAt
	candidate.UpdatedAt = now
	out := *candidate
	return &out, nil
}

func heldBy(task *news.Task, workerID string) bool {
	return task.Status == news.TaskProcessing && task.LockedBy == workerID
}

// Complete marks a processing task completed and stores its result.
func (q *Queue) Complete(_ context.Context, taskID, workerID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("complete task %s: %w", taskID, news.ErrNotFound)
	}
	if !heldBy(task, workerID) {
		return fmt.Errorf("complete task %s: %w", taskID, news.ErrLeaseLost)
	}
	now := q.clock.Now()
	task.Status = news.TaskCompleted
	task.Result = raw
	task.LockedBy = ""
	task.LockedAt = nil
	task.UpdatedAt = now
	task.CompletedAt = &now
	return nil
}

// Fail returns the task to pending while retries remain, else fails it.
func (q *Queue) Fail(_ context.Context, taskID, workerID, errText string) (news.Task, error) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return news.Task{}, fmt.Errorf("fail task %s: %w", taskID, news.ErrNotFound)
	}
	if !heldBy(task, workerID) {
		q.mu.Unlock()
		return news.Task{}, fmt.Errorf("fail task %s: %w", taskID, news.ErrLeaseLost)
	}
	now := q.clock.Now()
	task.ErrorText = errText
	task.LockedBy = ""
	task.LockedAt = nil
	task.UpdatedAt = now
	if task.RetryCount < task.MaxRetries {
		task.Status = news.TaskPending
		task.RetryCount++
	} else {
		task.Status = news.TaskFailed
		task.CompletedAt = &now
	}
	out := *task
	q.mu.Unlock()
	if out.Status == news.TaskPending {
		q.signal()
	}
	return out, nil
}

// PurgeExpired removes finished tasks last updated before the cutoff.
func (q *Queue) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var purged int64
	for id, task := range q.tasks {
		if task.Status != news.TaskCompleted && task.Status != news.TaskFailed {
			continue
		}
		if task.UpdatedAt.Before(before) {
			delete(q.tasks, id)
			purged++
		}
	}
	return purged, nil
}

// GetTask returns a snapshot of a task.
func (q *Queue) GetTask(_ context.Context, taskID string) (news.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return news.Task{}, news.ErrNotFound
	}
	return *task, nil
}

// Tasks returns snapshots of every task ordered by creation.
func (q *Queue) Tasks() []news.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]news.Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		out = append(out, *task)
	}
	slices.SortFunc(out, func(a, b news.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func older(a, b *news.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
