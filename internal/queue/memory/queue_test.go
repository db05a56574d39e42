package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("task-%03d", s.n.Add(1)), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue() (*Queue, *manualClock) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewQueue(&seqIDs{}, clock, 5*time.Minute), clock
}

func TestQueueFIFOAndComplete(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue()
	ctx := context.Background()

	first, err := q.Enqueue(ctx, news.TaskAnalyzeBatch, news.AnalyzeBatchPayload{Limit: 5}, 3)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Enqueue(ctx, news.TaskDetectCrises, nil, 3)
	require.NoError(t, err)

	claimed, err := q.Dequeue(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, first.ID, claimed.ID)
	require.Equal(t, news.TaskProcessing, claimed.Status)
	require.Equal(t, "worker-a", claimed.LockedBy)
	require.JSONEq(t, `{"limit":5}`, string(claimed.Payload))

	require.NoError(t, q.Complete(ctx, claimed.ID, "worker-a", news.BatchResult{Processed: 5}))
	done, err := q.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, news.TaskCompleted, done.Status)
	require.Empty(t, done.LockedBy)
	require.Nil(t, done.LockedAt)
	require.JSONEq(t, `{"processed":5,"failed":0}`, string(done.Result))

	require.ErrorIs(t, q.Complete(ctx, claimed.ID, "worker-a", nil), news.ErrLeaseLost)
	require.ErrorIs(t, q.Complete(ctx, "missing", "worker-a", nil), news.ErrNotFound)
}

func TestQueueDequeueEmpty(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	task, err := q.Dequeue(context.Background(), "w")
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestQueueLeaseExpiryReclaims(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, news.TaskIngestSource, news.IngestSourcePayload{Source: "gnews"}, 1)
	require.NoError(t, err)

	claimed, err := q.Dequeue(ctx, "crashed")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	none, err := q.Dequeue(ctx, "other")
	require.NoError(t, err)
	require.Nil(t, none)

	clock.Advance(5*time.Minute + time.Second)
	reclaimed, err := q.Dequeue(ctx, "other")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, claimed.ID, reclaimed.ID)
	require.Equal(t, "other", reclaimed.LockedBy)
}

func TestQueueStaleOwnerCannotSettle(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, news.TaskAnalyzeBatch, news.AnalyzeBatchPayload{Limit: 20}, 1)
	require.NoError(t, err)
	first, err := q.Dequeue(ctx, "slow")
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(5*time.Minute + time.Second)
	second, err := q.Dequeue(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, second)

	require.ErrorIs(t, q.Complete(ctx, first.ID, "slow", news.BatchResult{Processed: 1}), news.ErrLeaseLost)
	_, err = q.Fail(ctx, first.ID, "slow", "timeout")
	require.ErrorIs(t, err, news.ErrLeaseLost)

	held, err := q.GetTask(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, news.TaskProcessing, held.Status)
	require.Equal(t, "fresh", held.LockedBy)
	require.Zero(t, held.RetryCount)

	require.NoError(t, q.Complete(ctx, second.ID, "fresh", nil))
}

func TestQueueFailRetriesThenFails(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	ctx := context.Background()

	task, err := q.Enqueue(ctx, news.TaskCrisisAlerts, news.CrisisAlertsPayload{CrisisID: 1}, 2)
	require.NoError(t, err)

	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := q.Dequeue(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)
		_, err = q.Fail(ctx, claimed.ID, "w", "boom")
		require.NoError(t, err)
	}

	final, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, news.TaskFailed, final.Status)
	require.Equal(t, 2, final.RetryCount)
	require.Equal(t, "boom", final.ErrorText)

	none, err := q.Dequeue(ctx, "w")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestQueueConcurrentDequeueNeverDoubleClaims(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	ctx := context.Background()
	const total = 50
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, news.TaskArticleAlerts, news.ArticleAlertsPayload{ArticleID: int64(i)}, 0)
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]string)
		dups atomic.Int64
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := q.Dequeue(ctx, worker)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				if _, ok := seen[task.ID]; ok {
					dups.Add(1)
				}
				seen[task.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	require.Zero(t, dups.Load())
	require.Len(t, seen, total)
}

func TestQueuePurgeExpired(t *testing.T) {
	t.Parallel()

	q, clock := newTestQueue()
	ctx := context.Background()

	done, err := q.Enqueue(ctx, news.TaskDetectCrises, nil, 0)
	require.NoError(t, err)
	claimed, err := q.Dequeue(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, claimed.ID, "w", nil))

	pending, err := q.Enqueue(ctx, news.TaskDetectCrises, nil, 0)
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	purged, err := q.PurgeExpired(ctx, clock.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	_, err = q.GetTask(ctx, done.ID)
	require.ErrorIs(t, err, news.ErrNotFound)
	_, err = q.GetTask(ctx, pending.ID)
	require.NoError(t, err)
}

func TestQueueReadySignal(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	_, err := q.Enqueue(context.Background(), news.TaskDetectCrises, nil, 0)
	require.NoError(t, err)

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected ready signal after enqueue")
	}
}

func TestQueueCanceledContext(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Enqueue(ctx, news.TaskDetectCrises, nil, 0)
	require.ErrorIs(t, err, context.Canceled)
	_, err = q.Dequeue(ctx, "w")
	require.ErrorIs(t, err, context.Canceled)
}
