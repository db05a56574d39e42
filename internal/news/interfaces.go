package news

import (
	"context"
	"io"
	"time"
)

// ArticleStore persists articles behind a unique content hash.
type ArticleStore interface {
	// InsertIfAbsent inserts the article unless its content hash exists and
	// reports whether a new row was created.
	InsertIfAbsent(ctx context.Context, article Article) (Article, bool, error)
	GetArticle(ctx context.Context, id int64) (Article, error)
	ListUnanalyzed(ctx context.Context, limit int) ([]Article, error)
	MarkAnalyzed(ctx context.Context, id int64, entities *Entities) error
}

// UsageStore persists per-source quota rows.
type UsageStore interface {
	EnsureSource(ctx context.Context, name string, dailyLimit int) error
	GetUsage(ctx context.Context, name string) (APIUsage, error)
	// ResetUsage zeroes the counter if last_reset is before cutoff.
	ResetUsage(ctx context.Context, name string, at time.Time, cutoff time.Time) error
	IncrementUsage(ctx context.Context, name string) error
}

// IngestionLogStore records fetch audits.
type IngestionLogStore interface {
	RecordIngestion(ctx context.Context, entry IngestionLogEntry) error
}

// AnalysisStore persists article analyses.
type AnalysisStore interface {
	GetAnalysisByArticle(ctx context.Context, articleID int64) (Analysis, error)
	// CreateAnalysis inserts the analysis; an existing row for the article wins.
	CreateAnalysis(ctx context.Context, analysis Analysis) (Analysis, error)
	ListAnalysesSince(ctx context.Context, since time.Time, category, sentiment string) ([]AnalyzedArticle, error)
}

// CrisisStore persists crisis events.
type CrisisStore interface {
	CreateCrisis(ctx context.Context, event CrisisEvent) (CrisisEvent, error)
	GetCrisis(ctx context.Context, id int64) (CrisisEvent, error)
	FindRecentCrisisByTitlePrefix(ctx context.Context, prefix string, since time.Time) (CrisisEvent, error)
	// UpdateCrisisStatus moves the event from one status to another and fails
	// with ErrNotFound if the event is not currently in from.
	UpdateCrisisStatus(ctx context.Context, id int64, from, to CrisisStatus, at time.Time) (CrisisEvent, error)
}

// WatchlistStore persists user subscriptions.
type WatchlistStore interface {
	CreateWatchlist(ctx context.Context, item Watchlist) (Watchlist, error)
	FindWatchlistsByValue(ctx context.Context, typ WatchlistType, value string) ([]Watchlist, error)
	ListWatchlistsByType(ctx context.Context, typ WatchlistType) ([]Watchlist, error)
}

// AlertStore persists user alerts.
type AlertStore interface {
	// CreateAlert inserts the alert unless one exists for the same user and
	// trigger, and reports whether it was created.
	CreateAlert(ctx context.Context, alert UserAlert) (UserAlert, bool, error)
}

// TaskQueue is a lease-based work queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskType string, payload any, maxRetries int) (Task, error)
	// Dequeue claims the oldest available task, or returns nil when none is ready.
	Dequeue(ctx context.Context, workerID string) (*Task, error)
	// Complete and Fail settle a task only while workerID holds its lease;
	// otherwise they return ErrLeaseLost.
	Complete(ctx context.Context, taskID, workerID string, result any) error
	// Fail returns the task to pending while retries remain, otherwise marks
	// it failed permanently.
	Fail(ctx context.Context, taskID, workerID, errText string) (Task, error)
	// PurgeExpired deletes completed and failed tasks last updated before the cutoff.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
}

// SourceClient fetches and normalizes articles from one provider.
type SourceClient interface {
	Name() string
	Fetch(ctx context.Context) []NormalizedArticle
}

// QuotaGate is the subset of the quota tracker source clients use.
type QuotaGate interface {
	CanUse(ctx context.Context, source string) (bool, error)
	Increment(ctx context.Context, source string) error
}

// PushNotifier delivers realtime events to connected clients.
type PushNotifier interface {
	EmitToUser(ctx context.Context, userID, event string, payload any) error
	Broadcast(ctx context.Context, event string, payload any) error
}

// EmailSender delivers alert emails.
type EmailSender interface {
	SendAlert(ctx context.Context, userID, subject, body string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// TitleHasher derives the deduplication key for an article title.
type TitleHasher interface {
	HashTitle(title string) string
}
