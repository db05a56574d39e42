// Package alerts fans out articles and crisis events to users whose
// watchlists match them. Each user gets at most one alert per trigger, and
// push and email deliveries fail independently.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/metrics"
	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Push event names.
const (
	EventArticleAlert   = "new_article_alert"
	EventCrisisAlert    = "crisis_alert"
	EventCrisisDetected = "crisis_detected"
)

// Notification is the payload pushed to a user's channel.
type Notification struct {
	AlertID     int64          `json:"alert_id"`
	Type        news.AlertType `json:"type"`
	ArticleID   *int64         `json:"article_id,omitempty"`
	CrisisID    *int64         `json:"crisis_id,omitempty"`
	WatchlistID int64          `json:"watchlist_id"`
	MatchedOn   string         `json:"matched_on"`
	Title       string         `json:"title"`
	Summary     string         `json:"summary,omitempty"`
	URL         string         `json:"url,omitempty"`
	Severity    news.Severity  `json:"severity,omitempty"`
	Countries   []string       `json:"countries,omitempty"`
}

// Dispatcher matches triggers against watchlists and delivers alerts.
type Dispatcher struct {
	articles   news.ArticleStore
	analyses   news.AnalysisStore
	crises     news.CrisisStore
	watchlists news.WatchlistStore
	alerts     news.AlertStore
	push       news.PushNotifier
	email      news.EmailSender
	logger     *zap.Logger
}

// New constructs a Dispatcher.
func New(
	articles news.ArticleStore,
	analyses news.AnalysisStore,
	crises news.CrisisStore,
	watchlists news.WatchlistStore,
	alerts news.AlertStore,
	push news.PushNotifier,
	email news.EmailSender,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		articles:   articles,
		analyses:   analyses,
		crises:     crises,
		watchlists: watchlists,
		alerts:     alerts,
		push:       push,
		email:      email,
		logger:     logger,
	}
}

// userMatch merges every watchlist of one user that matched a trigger.
type userMatch struct {
	userID       string
	watchlist    news.Watchlist
	notifySocket bool
	notifyEmail  bool
}

// groupByUser collapses matches to one entry per user, keeping the first
// matching watchlist as the representative and OR-ing delivery flags.
func groupByUser(matches []news.Watchlist) []userMatch {
	index := make(map[string]int)
	var out []userMatch
	for _, w := range matches {
		if i, ok := index[w.UserID]; ok {
			out[i].notifySocket = out[i].notifySocket || w.NotifySocket
			out[i].notifyEmail = out[i].notifyEmail || w.NotifyEmail
			continue
		}
		index[w.UserID] = len(out)
		out = append(out, userMatch{
			userID:       w.UserID,
			watchlist:    w,
			notifySocket: w.NotifySocket,
			notifyEmail:  w.NotifyEmail,
		})
	}
	return out
}

// ProcessArticleAlerts alerts users whose country, keyword or category
// watchlists match the article. Category watchlists match only once the
// article has an analysis; running again after analysis adds those users
// and skips anyone already alerted. Alerts that cannot be stored are
// returned as an error after the remaining users are served.
func (d *Dispatcher) ProcessArticleAlerts(ctx context.Context, articleID int64) (news.AlertResult, error) {
	article, err := d.articles.GetArticle(ctx, articleID)
	if err != nil {
		return news.AlertResult{}, fmt.Errorf("get article %d: %w", articleID, err)
	}
	matches, err := d.matchArticle(ctx, article)
	if err != nil {
		return news.AlertResult{}, err
	}

	groups := groupByUser(matches)
	result := news.AlertResult{MatchedUsers: len(groups)}
	var errs []error
	for _, group := range groups {
		id := article.ID
		watchlistID := group.watchlist.ID
		note := Notification{
			Type:        news.AlertArticle,
			ArticleID:   &id,
			WatchlistID: watchlistID,
			MatchedOn:   matchedOn(group.watchlist),
			Title:       article.Title,
			Summary:     article.Description,
			URL:         article.URL,
		}
		if article.Country != "" {
			note.Countries = []string{article.Country}
		}
		alert := news.UserAlert{
			UserID:      group.userID,
			ArticleID:   &id,
			WatchlistID: &watchlistID,
			Type:        news.AlertArticle,
		}
		subject := "News alert: " + article.Title
		body := articleEmailBody(article, group.watchlist)
		if err := d.deliver(ctx, group, alert, EventArticleAlert, note, subject, body, &result); err != nil {
			errs = append(errs, err)
		}
	}
	d.logger.Info("article alerts processed",
		zap.Int64("article_id", articleID),
		zap.Int("matched_users", result.MatchedUsers),
		zap.Int("alerts_created", result.AlertsCreated),
	)
	return result, errors.Join(errs...)
}

func (d *Dispatcher) matchArticle(ctx context.Context, article news.Article) ([]news.Watchlist, error) {
	var matches []news.Watchlist
	if country := strings.TrimSpace(article.Country); country != "" {
		byCountry, err := d.watchlists.FindWatchlistsByValue(ctx, news.WatchCountry, strings.ToUpper(country))
		if err != nil {
			return nil, fmt.Errorf("find country watchlists: %w", err)
		}
		matches = append(matches, byCountry...)
	}

	keywords, err := d.watchlists.ListWatchlistsByType(ctx, news.WatchKeyword)
	if err != nil {
		return nil, fmt.Errorf("list keyword watchlists: %w", err)
	}
	haystack := strings.ToLower(article.Title + "\n" + article.Description)
	for _, w := range keywords {
		needle := strings.ToLower(strings.TrimSpace(w.Value))
		if needle != "" && strings.Contains(haystack, needle) {
			matches = append(matches, w)
		}
	}

	analysis, err := d.analyses.GetAnalysisByArticle(ctx, article.ID)
	switch {
	case err == nil && analysis.Classification.Category != "":
		byCategory, err := d.watchlists.FindWatchlistsByValue(ctx, news.WatchCategory, analysis.Classification.Category)
		if err != nil {
			return nil, fmt.Errorf("find category watchlists: %w", err)
		}
		matches = append(matches, byCategory...)
	case err != nil && !errors.Is(err, news.ErrNotFound):
		return nil, fmt.Errorf("get analysis %d: %w", article.ID, err)
	}
	return matches, nil
}

// NotifySubscribedUsers alerts users watching any affected country and
// broadcasts the crisis to every connected client. Alerts that cannot be
// stored are returned as an error after the remaining users are served.
func (d *Dispatcher) NotifySubscribedUsers(ctx context.Context, crisisID int64) (news.AlertResult, error) {
	event, err := d.crises.GetCrisis(ctx, crisisID)
	if err != nil {
		return news.AlertResult{}, fmt.Errorf("get crisis %d: %w", crisisID, err)
	}

	var matches []news.Watchlist
	for _, country := range event.CountriesAffected {
		byCountry, err := d.watchlists.FindWatchlistsByValue(ctx, news.WatchCountry, country)
		if err != nil {
			return news.AlertResult{}, fmt.Errorf("find country watchlists: %w", err)
		}
		matches = append(matches, byCountry...)
	}

	groups := groupByUser(matches)
	result := news.AlertResult{MatchedUsers: len(groups)}
	var errs []error
	for _, group := range groups {
		id := event.ID
		watchlistID := group.watchlist.ID
		note := Notification{
			Type:        news.AlertCrisis,
			CrisisID:    &id,
			WatchlistID: watchlistID,
			MatchedOn:   matchedOn(group.watchlist),
			Title:       event.Title,
			Summary:     event.Description,
			Severity:    event.Severity,
			Countries:   event.CountriesAffected,
		}
		alert := news.UserAlert{
			UserID:      group.userID,
			CrisisID:    &id,
			WatchlistID: &watchlistID,
			Type:        news.AlertCrisis,
		}
		subject := fmt.Sprintf("Crisis alert [%s]: %s", strings.ToUpper(string(event.Severity)), event.Title)
		if err := d.deliver(ctx, group, alert, EventCrisisAlert, note, subject, crisisEmailBody(event), &result); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		// Broadcast once, on the attempt that persists every alert.
		return result, err
	}
	if err := d.push.Broadcast(ctx, EventCrisisDetected, event); err != nil {
		metrics.ObserveAlertDelivery("broadcast", "failed")
		d.logger.Warn("crisis broadcast failed", zap.Int64("crisis_id", crisisID), zap.Error(err))
	} else {
		metrics.ObserveAlertDelivery("broadcast", "sent")
	}
	d.logger.Info("crisis alerts processed",
		zap.Int64("crisis_id", crisisID),
		zap.Int("matched_users", result.MatchedUsers),
		zap.Int("alerts_created", result.AlertsCreated),
	)
	return result, nil
}

// deliver persists the alert and, only when it is new, sends it on each
// enabled channel. Channel failures are logged and counted; only a failure
// to persist the alert is returned.
func (d *Dispatcher) deliver(
	ctx context.Context,
	group userMatch,
	alert news.UserAlert,
	event string,
	note Notification,
	subject, body string,
	result *news.AlertResult,
) error {
	logger := d.logger.With(zap.String("user_id", group.userID))
	stored, created, err := d.alerts.CreateAlert(ctx, alert)
	if err != nil {
		logger.Error("create alert", zap.Error(err))
		return fmt.Errorf("create alert for user %s: %w", group.userID, err)
	}
	if !created {
		logger.Debug("user already alerted", zap.Int64("alert_id", stored.ID))
		return nil
	}
	result.AlertsCreated++
	note.AlertID = stored.ID

	if group.notifySocket {
		if err := d.push.EmitToUser(ctx, group.userID, event, note); err != nil {
			metrics.ObserveAlertDelivery("push", "failed")
			logger.Warn("push delivery failed", zap.Error(err))
		} else {
			metrics.ObserveAlertDelivery("push", "sent")
			result.PushSent++
		}
	}
	if group.notifyEmail {
		if err := d.email.SendAlert(ctx, group.userID, subject, body); err != nil {
			metrics.ObserveAlertDelivery("email", "failed")
			result.EmailsFailed++
			logger.Warn("email delivery failed", zap.Error(err))
		} else {
			metrics.ObserveAlertDelivery("email", "sent")
			result.EmailsSent++
		}
	}
	return nil
}

func matchedOn(w news.Watchlist) string {
	return string(w.Type) + ":" + w.Value
}

func articleEmailBody(article news.Article, w news.Watchlist) string {
	var b strings.Builder
	b.WriteString(article.Title)
	b.WriteString("\n\n")
	if article.Description != "" {
		b.WriteString(article.Description)
		b.WriteString("\n\n")
	}
	if article.URL != "" {
		b.WriteString("Read more: ")
		b.WriteString(article.URL)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "You are receiving this because you watch %s %q.\n", w.Type, w.Value)
	return b.String()
}

func crisisEmailBody(event news.CrisisEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", event.Title)
	fmt.Fprintf(&b, "Severity: %s\n", event.Severity)
	fmt.Fprintf(&b, "Type: %s\n", event.Type)
	fmt.Fprintf(&b, "Countries: %s\n", strings.Join(event.CountriesAffected, ", "))
	fmt.Fprintf(&b, "Status: %s\n", event.Status)
	if event.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", event.Description)
	}
	return b.String()
}
