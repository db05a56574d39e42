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

// DefaultLease bounds how long a claimed task stays invisible to other workers.
const DefaultLease = 5 * time.Minute

const taskColumns = `task_id, task_type, status, payload, result, error_text, retry_count,
	max_retries, locked_by, locked_at, created_at, updated_at, completed_at`

func scanTask(row pgx.Row) (news.Task, error) {
	var (
		task     news.Task
		status   string
		payload  []byte
		result   []byte
		lockedBy *string
	)
	err := row.Scan(
		&task.ID,
		&task.Type,
		&status,
		&payload,
		&result,
		&task.ErrorText,
		&task.RetryCount,
		&task.MaxRetries,
		&lockedBy,
		&task.LockedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.CompletedAt,
	)
	if err != nil {
		return news.Task{}, err
	}
	task.Status = news.TaskStatus(status)
	if len(payload) > 0 {
		task.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	if lockedBy != nil {
		task.LockedBy = *lockedBy
	}
	return task, nil
}

// Queue is a lease-based task queue on the queue_tasks table. Claiming is a
// single conditional UPDATE so no two workers hold the same task.
type Queue struct {
	db    DBTX
	ids   news.IDGenerator
	now   func() time.Time
	lease time.Duration
}

// NewQueue constructs a Queue. A non-positive lease uses DefaultLease.
func NewQueue(db DBTX, ids news.IDGenerator, clock news.Clock, lease time.Duration) *Queue {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Queue{db: db, ids: ids, now: now, lease: lease}
}

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Enqueue creates a pending task.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, maxRetries int) (news.Task, error) {
	id, err := q.ids.NewID()
	if err != nil {
		return news.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	body, err := encodeJSON(payload)
	if err != nil {
		return news.Task{}, fmt.Errorf("encode task payload: %w", err)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	now := q.now()
	query := `
		INSERT INTO queue_tasks (task_id, task_type, status, payload, max_retries, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3, $4, $5, $5);
	`
	if _, err := q.db.Exec(ctx, query, id, taskType, body, maxRetries, now); err != nil {
		return news.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return news.Task{
		ID:         id,
		Type:       taskType,
		Status:     news.TaskPending,
		Payload:    body,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Dequeue claims the oldest pending task, or a processing task whose lease
// expired. It returns nil when nothing is claimable.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*news.Task, error) {
	now := q.now()
	query := `
		UPDATE queue_tasks
		SET status = 'processing', locked_by = $1, locked_at = $2, updated_at = $2
		WHERE task_id = (
			SELECT task_id
			FROM queue_tasks
			WHERE status = 'pending' OR (status = 'processing' AND locked_at < $3)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns + `;
	`
	task, err := scanTask(q.db.QueryRow(ctx, query, workerID, now, now.Add(-q.lease)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return &task, nil
}

// Complete marks a processing task completed and stores its result.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, result any) error {
	body, err := encodeJSON(result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	query := `
		UPDATE queue_tasks
		SET status = 'completed', result = $2, locked_by = NULL, locked_at = NULL,
			completed_at = $3, updated_at = $3
		WHERE task_id = $1 AND status = 'processing' AND locked_by = $4;
	`
	tag, err := q.db.Exec(ctx, query, taskID, body, q.now(), workerID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return q.settleMiss(ctx, taskID)
	}
	return nil
}

// Fail returns a processing task to pending with one more retry used, or
// marks it failed once retries are exhausted.
func (q *Queue) Fail(ctx context.Context, taskID, workerID, errText string) (news.Task, error) {
	query := `
		UPDATE queue_tasks
		SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
			retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			error_text = $2,
			locked_by = NULL,
			locked_at = NULL,
			updated_at = $3
		WHERE task_id = $1 AND status = 'processing' AND locked_by = $4
		RETURNING ` + taskColumns + `;
	`
	task, err := scanTask(q.db.QueryRow(ctx, query, taskID, errText, q.now(), workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.Task{}, q.settleMiss(ctx, taskID)
		}
		return news.Task{}, fmt.Errorf("fail task: %w", err)
	}
	return task, nil
}

// settleMiss explains why a Complete or Fail matched no row.
func (q *Queue) settleMiss(ctx context.Context, taskID string) error {
	if _, err := q.GetTask(ctx, taskID); err != nil {
		return err
	}
	return news.ErrLeaseLost
}

// PurgeExpired deletes completed and failed tasks last updated before before.
func (q *Queue) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM queue_tasks WHERE status IN ('completed', 'failed') AND updated_at < $1;`, before)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetTask fetches a task by ID.
func (q *Queue) GetTask(ctx context.Context, taskID string) (news.Task, error) {
	task, err := scanTask(q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE task_id = $1;`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return news.Task{}, news.ErrNotFound
		}
		return news.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}
