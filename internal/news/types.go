// Package news defines the core types shared across the ingestion, analysis,
// crisis and alerting subsystems.
package news

import (
	"encoding/json"
	"time"
)

// Entities groups the named entities extracted from an article.
type Entities struct {
	Countries     []string `json:"countries"`
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
}

// NormalizedArticle is the canonical shape every source client produces.
type NormalizedArticle struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	URL         string    `json:"url"`
	Image       string    `json:"image"`
	PublishedAt time.Time `json:"published_at"`
	SourceName  string    `json:"source_name"`
	Author      string    `json:"author"`
	Country     string    `json:"country"`
	Language    string    `json:"language"`
	ContentHash string    `json:"content_hash"`
}

// Article is a persisted, deduplicated news item.
type Article struct {
	ID          int64     `json:"id"`
	ContentHash string    `json:"content_hash"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	URL         string    `json:"url"`
	ImageURL    string    `json:"image_url"`
	SourceAPI   string    `json:"source_api"`
	SourceName  string    `json:"source_name"`
	Author      string    `json:"author"`
	Country     string    `json:"country"`
	Language    string    `json:"language"`
	PublishedAt time.Time `json:"published_at"`
	IsAnalyzed  bool      `json:"is_analyzed"`
	Entities    Entities  `json:"entities"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIUsage is the per-source daily call budget row.
type APIUsage struct {
	APIName    string    `json:"api_name"`
	DailyLimit int       `json:"daily_limit"`
	UsedToday  int       `json:"used_today"`
	LastReset  time.Time `json:"last_reset"`
}

// IngestionStatus summarizes one fetch attempt.
type IngestionStatus string

// Ingestion outcomes recorded on the audit log.
const (
	IngestionSuccess IngestionStatus = "success"
	IngestionEmpty   IngestionStatus = "empty"
	IngestionFailed  IngestionStatus = "failed"
)

// Trigger identifies what started an ingestion run.
type Trigger string

// Known ingestion triggers.
const (
	TriggerScheduler Trigger = "scheduler"
	TriggerAPI       Trigger = "api"
	TriggerQueue     Trigger = "queue"
)

// IngestionLogEntry is the write-once audit row for a fetch attempt.
type IngestionLogEntry struct {
	ID         int64           `json:"id"`
	SourceAPI  string          `json:"source_api"`
	Fetched    int             `json:"fetched"`
	Saved      int             `json:"saved"`
	Duplicates int             `json:"duplicates"`
	Status     IngestionStatus `json:"status"`
	ErrorText  string          `json:"error_text,omitempty"`
	Duration   time.Duration   `json:"duration"`
	Trigger    Trigger         `json:"trigger"`
	CreatedAt  time.Time       `json:"created_at"`
}

// FetchResult is returned to callers of a single-source ingestion run.
type FetchResult struct {
	Source     string          `json:"source"`
	Fetched    int             `json:"fetched"`
	Saved      int             `json:"saved"`
	Duplicates int             `json:"duplicates"`
	Status     IngestionStatus `json:"status"`
	DurationMs int64           `json:"duration_ms"`
	ErrorText  string          `json:"error,omitempty"`
}

// IngestSummary aggregates the per-source results of a full ingestion pass.
type IngestSummary struct {
	Results    []FetchResult `json:"results"`
	Fetched    int           `json:"fetched"`
	Saved      int           `json:"saved"`
	Duplicates int           `json:"duplicates"`
}

// Classification is the category assignment produced by analysis.
type Classification struct {
	Category      string   `json:"category"`
	SubCategories []string `json:"sub_categories"`
	Confidence    float64  `json:"confidence"`
}

// Sentiment is the polarity assessment produced by analysis.
type Sentiment struct {
	Label    string  `json:"label"`
	Polarity float64 `json:"polarity"`
}

// Topic is a weighted topic tag.
type Topic struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Analysis is the structured intelligence derived from one article.
type Analysis struct {
	ID                  int64          `json:"id"`
	ArticleID           int64          `json:"article_id"`
	Classification      Classification `json:"classification"`
	Sentiment           Sentiment      `json:"sentiment"`
	BiasScore           float64        `json:"bias_score"`
	FakeNewsProbability float64        `json:"fake_news_probability"`
	Topics              []Topic        `json:"topics"`
	Summary             string         `json:"summary"`
	Entities            Entities       `json:"entities"`
	Model               string         `json:"model"`
	CreatedAt           time.Time      `json:"created_at"`
}

// AnalyzedArticle joins an analysis with the article fields crisis detection needs.
type AnalyzedArticle struct {
	Analysis     Analysis `json:"analysis"`
	ArticleTitle string   `json:"article_title"`
	Country      string   `json:"country"`
}

// BatchResult reports the outcome of a batch analysis run.
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`

	// Analyzed lists the articles whose analysis completed in this run.
	Analyzed  []int64 `json:"analyzed_ids,omitempty"`
	// Truncated is set when the run stopped early on its time budget.
	Truncated bool    `json:"truncated,omitempty"`
}

// Severity ranks crisis events.
type Severity string

// Crisis severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CrisisStatus is the lifecycle state of a crisis event.
type CrisisStatus string

// Crisis statuses. Transitions only move forward.
const (
	CrisisMonitoring CrisisStatus = "monitoring"
	CrisisActive     CrisisStatus = "active"
	CrisisResolved   CrisisStatus = "resolved"
)

// CrisisEvent is a detected or manually created crisis.
type CrisisEvent struct {
	ID                int64        `json:"id"`
	Title             string       `json:"title"`
	Type              string       `json:"type"`
	Description       string       `json:"description"`
	Severity          Severity     `json:"severity"`
	CountriesAffected []string     `json:"countries_affected"`
	Status            CrisisStatus `json:"status"`
	SourceArticles    []int64      `json:"source_articles"`
	AIConfidence      float64      `json:"ai_confidence"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	ResolvedAt        *time.Time   `json:"resolved_at,omitempty"`
}

// WatchlistType selects how a watchlist value is matched.
type WatchlistType string

// Watchlist kinds.
const (
	WatchCountry  WatchlistType = "country"
	WatchKeyword  WatchlistType = "keyword"
	WatchCategory WatchlistType = "category"
)

// Watchlist is a per-user subscription.
type Watchlist struct {
	ID           int64         `json:"id"`
	UserID       string        `json:"user_id"`
	Type         WatchlistType `json:"type"`
	Value        string        `json:"value"`
	NotifySocket bool          `json:"notify_socket"`
	NotifyEmail  bool          `json:"notify_email"`
	CreatedAt    time.Time     `json:"created_at"`
}

// AlertType distinguishes article alerts from crisis alerts.
type AlertType string

// Alert kinds.
const (
	AlertArticle AlertType = "article"
	AlertCrisis  AlertType = "crisis"
)

// UserAlert is the denormalized fan-out record, one per user and trigger.
type UserAlert struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	ArticleID   *int64    `json:"article_id,omitempty"`
	CrisisID    *int64    `json:"crisis_id,omitempty"`
	WatchlistID *int64    `json:"watchlist_id,omitempty"`
	Type        AlertType `json:"type"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

// AlertResult summarizes one fan-out run.
type AlertResult struct {
	MatchedUsers  int `json:"matched_users"`
	AlertsCreated int `json:"alerts_created"`
	PushSent      int `json:"push_sent"`
	EmailsSent    int `json:"emails_sent"`
	EmailsFailed  int `json:"emails_failed"`
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

// Task statuses.
const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a lease-based unit of background work.
type Task struct {
	ID          string          `json:"task_id"`
	Type        string          `json:"task_type"`
	Status      TaskStatus      `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorText   string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LockedBy    string          `json:"locked_by,omitempty"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Task types understood by the worker pool.
const (
	TaskIngestSource  = "ingest_source"
	TaskAnalyzeBatch  = "analyze_batch"
	TaskDetectCrises  = "detect_crises"
	TaskArticleAlerts = "article_alerts"
	TaskCrisisAlerts  = "crisis_alerts"
)

// IngestSourcePayload is the payload for TaskIngestSource.
type IngestSourcePayload struct {
	Source string `json:"source"`
}

// AnalyzeBatchPayload is the payload for TaskAnalyzeBatch.
type AnalyzeBatchPayload struct {
	Limit int `json:"limit"`
}

// ArticleAlertsPayload is the payload for TaskArticleAlerts.
type ArticleAlertsPayload struct {
	ArticleID int64 `json:"article_id"`
}

// CrisisAlertsPayload is the payload for TaskCrisisAlerts.
type CrisisAlertsPayload struct {
	CrisisID int64 `json:"crisis_id"`
}
