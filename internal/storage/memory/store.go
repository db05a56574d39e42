// Package memory provides in-process implementations of the news stores for
// development and tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Store implements every news persistence port in memory. Uniqueness rules
// match the Postgres schema: content hash per article, one analysis per
// article, (user, type, value) per watchlist and one alert per user and trigger.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	articleSeq  int64
	articles    map[int64]news.Article
	articleHash map[string]int64

	usage     map[string]news.APIUsage
	ingestion []news.IngestionLogEntry

	analysisSeq int64
	analyses    map[int64]news.Analysis

	crisisSeq int64
	crises    map[int64]news.CrisisEvent

	watchSeq   int64
	watchlists []news.Watchlist

	alertSeq int64
	alerts   []news.UserAlert

	emails map[string]string
}

// NewStore constructs an empty Store. A nil clock uses time.Now in UTC.
func NewStore(clock news.Clock) *Store {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Store{
		now:         now,
		articles:    make(map[int64]news.Article),
		articleHash: make(map[string]int64),
		usage:       make(map[string]news.APIUsage),
		analyses:    make(map[int64]news.Analysis),
		crises:      make(map[int64]news.CrisisEvent),
		emails:      make(map[string]string),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// InsertIfAbsent stores the article unless its content hash is taken.
func (s *Store) InsertIfAbsent(_ context.Context, article news.Article) (news.Article, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.articleHash[article.ContentHash]; ok {
		return s.articles[id], false, nil
	}
	s.articleSeq++
	article.ID = s.articleSeq
	if article.CreatedAt.IsZero() {
		article.CreatedAt = s.now()
	}
	s.articles[article.ID] = article
	s.articleHash[article.ContentHash] = article.ID
	return article, true, nil
}

// GetArticle fetches an article by ID.
func (s *Store) GetArticle(_ context.Context, id int64) (news.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	article, ok := s.articles[id]
	if !ok {
		return news.Article{}, news.ErrNotFound
	}
	return article, nil
}

// ListUnanalyzed returns up to limit unanalyzed articles, oldest first.
func (s *Store) ListUnanalyzed(_ context.Context, limit int) ([]news.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []news.Article
	for _, article := range s.articles {
		if !article.IsAnalyzed {
			out = append(out, article)
		}
	}
	slices.SortFunc(out, func(a, b news.Article) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkAnalyzed flags the article analyzed and stores entities when given.
func (s *Store) MarkAnalyzed(_ context.Context, id int64, entities *news.Entities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	article, ok := s.articles[id]
	if !ok {
		return news.ErrNotFound
	}
	article.IsAnalyzed = true
	if entities != nil {
		article.Entities = *entities
	}
	s.articles[id] = article
	return nil
}

// ArticleCount reports how many articles are stored.
func (s *Store) ArticleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.articles)
}

// EnsureSource creates the usage row or updates its daily limit.
func (s *Store) EnsureSource(_ context.Context, name string, dailyLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.usage[name]
	if !ok {
		row = news.APIUsage{APIName: name, LastReset: s.now()}
	}
	row.DailyLimit = dailyLimit
	s.usage[name] = row
	return nil
}

// GetUsage returns the usage row for a source.
func (s *Store) GetUsage(_ context.Context, name string) (news.APIUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.usage[name]
	if !ok {
		return news.APIUsage{}, news.ErrNotFound
	}
	return row, nil
}

// ResetUsage zeroes the counter when the last reset predates cutoff.
func (s *Store) ResetUsage(_ context.Context, name string, at time.Time, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.usage[name]
	if !ok {
		return news.ErrNotFound
	}
	if row.LastReset.Before(cutoff) {
		row.UsedToday = 0
		row.LastReset = at
		s.usage[name] = row
	}
	return nil
}

// IncrementUsage adds one call to the source's counter.
func (s *Store) IncrementUsage(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.usage[name]
	if !ok {
		return news.ErrNotFound
	}
	row.UsedToday++
	s.usage[name] = row
	return nil
}

// SetUsage overwrites a usage row.
func (s *Store) SetUsage(row news.APIUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[row.APIName] = row
}

// RecordIngestion appends an audit entry.
func (s *Store) RecordIngestion(_ context.Context, entry news.IngestionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = int64(len(s.ingestion) + 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.ingestion = append(s.ingestion, entry)
	return nil
}

// IngestionLog returns a copy of the audit entries.
func (s *Store) IngestionLog() []news.IngestionLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.ingestion)
}

// GetAnalysisByArticle returns the analysis for an article.
func (s *Store) GetAnalysisByArticle(_ context.Context, articleID int64) (news.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	analysis, ok := s.analyses[articleID]
	if !ok {
		return news.Analysis{}, news.ErrNotFound
	}
	return analysis, nil
}

// CreateAnalysis stores the analysis unless the article already has one, in
// which case the existing row is returned.
func (s *Store) CreateAnalysis(_ context.Context, analysis news.Analysis) (news.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.analyses[analysis.ArticleID]; ok {
		return existing, nil
	}
	s.analysisSeq++
	analysis.ID = s.analysisSeq
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = s.now()
	}
	s.analyses[analysis.ArticleID] = analysis
	return analysis, nil
}

// ListAnalysesSince returns analyses created at or after since, optionally
// filtered by category and sentiment label.
func (s *Store) ListAnalysesSince(
	_ context.Context,
	since time.Time,
	category, sentiment string,
) ([]news.AnalyzedArticle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []news.AnalyzedArticle
	for _, analysis := range s.analyses {
		if analysis.CreatedAt.Before(since) {
			continue
		}
		if category != "" && analysis.Classification.Category != category {
			continue
		}
		if sentiment != "" && analysis.Sentiment.Label != sentiment {
			continue
		}
		article := s.articles[analysis.ArticleID]
		out = append(out, news.AnalyzedArticle{
			Analysis:     analysis,
			ArticleTitle: article.Title,
			Country:      article.Country,
		})
	}
	slices.SortFunc(out, func(a, b news.AnalyzedArticle) int {
		if c := a.Analysis.CreatedAt.Compare(b.Analysis.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Analysis.ID, b.Analysis.ID)
	})
	return out, nil
}

// CreateCrisis stores a new crisis event.
func (s *Store) CreateCrisis(_ context.Context, event news.CrisisEvent) (news.CrisisEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crisisSeq++
	event.ID = s.crisisSeq
	now := s.now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = event.CreatedAt
	if event.Status == "" {
		event.Status = news.CrisisMonitoring
	}
	s.crises[event.ID] = event
	return event, nil
}

// GetCrisis fetches a crisis by ID.
func (s *Store) GetCrisis(_ context.Context, id int64) (news.CrisisEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.crises[id]
	if !ok {
		return news.CrisisEvent{}, news.ErrNotFound
	}
	return event, nil
}

// FindRecentCrisisByTitlePrefix returns the newest event created at or after
// since whose title starts with prefix, ignoring case.
func (s *Store) FindRecentCrisisByTitlePrefix(
	_ context.Context,
	prefix string,
	since time.Time,
) (news.CrisisEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(prefix)
	var (
		found news.CrisisEvent
		ok    bool
	)
	for _, event := range s.crises {
		if event.CreatedAt.Before(since) {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(event.Title), needle) {
			continue
		}
		if !ok || event.CreatedAt.After(found.CreatedAt) {
			found, ok = event, true
		}
	}
	if !ok {
		return news.CrisisEvent{}, news.ErrNotFound
	}
	return found, nil
}

// UpdateCrisisStatus moves an event from one status to another.
func (s *Store) UpdateCrisisStatus(
	_ context.Context,
	id int64,
	from, to news.CrisisStatus,
	at time.Time,
) (news.CrisisEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.crises[id]
	if !ok || event.Status != from {
		return news.CrisisEvent{}, news.ErrNotFound
	}
	event.Status = to
	event.UpdatedAt = at
	if to == news.CrisisResolved {
		resolved := at
		event.ResolvedAt = &resolved
	}
	s.crises[id] = event
	return event, nil
}

// CreateWatchlist stores a subscription, rejecting duplicates.
func (s *Store) CreateWatchlist(_ context.Context, item news.Watchlist) (news.Watchlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.watchlists {
		if existing.UserID == item.UserID && existing.Type == item.Type && existing.Value == item.Value {
			return news.Watchlist{}, news.ErrDuplicate
		}
	}
	s.watchSeq++
	item.ID = s.watchSeq
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	s.watchlists = append(s.watchlists, item)
	return item, nil
}

// FindWatchlistsByValue returns watchlists of typ whose value equals value,
// ignoring case.
func (s *Store) FindWatchlistsByValue(
	_ context.Context,
	typ news.WatchlistType,
	value string,
) ([]news.Watchlist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []news.Watchlist
	for _, item := range s.watchlists {
		if item.Type == typ && strings.EqualFold(item.Value, value) {
			out = append(out, item)
		}
	}
	return out, nil
}

// ListWatchlistsByType returns every watchlist of the given type.
func (s *Store) ListWatchlistsByType(_ context.Context, typ news.WatchlistType) ([]news.Watchlist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []news.Watchlist
	for _, item := range s.watchlists {
		if item.Type == typ {
			out = append(out, item)
		}
	}
	return out, nil
}

// CreateAlert stores an alert unless the user already has one for the same
// article or crisis.
func (s *Store) CreateAlert(_ context.Context, alert news.UserAlert) (news.UserAlert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.UserID != alert.UserID || existing.Type != alert.Type {
			continue
		}
		if sameID(existing.ArticleID, alert.ArticleID) && sameID(existing.CrisisID, alert.CrisisID) {
			return existing, false, nil
		}
	}
	s.alertSeq++
	alert.ID = s.alertSeq
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	s.alerts = append(s.alerts, alert)
	return alert, true, nil
}

// Alerts returns a copy of the stored alerts.
func (s *Store) Alerts() []news.UserAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.alerts)
}

// SetEmail registers a user's email address.
func (s *Store) SetEmail(userID, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[userID] = address
}

// EmailFor returns the address registered for a user.
func (s *Store) EmailFor(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	address, ok := s.emails[userID]
	if !ok || address == "" {
		return "", news.ErrNotFound
	}
	return address, nil
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
