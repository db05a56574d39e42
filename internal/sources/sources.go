// Package sources implements the news provider clients. Every client checks
// credentials and quota before calling out, increments quota only after a
// successful response and never returns provider errors: failures are logged
// and whatever was parsed is returned.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/news"
	"github.com/JakeFAU/crisiswatch/internal/policy/ratelimit"
)

const (
	maxBodyBytes   = 10 << 20
	defaultTimeout = 30 * time.Second
	userAgent      = "crisiswatch/1.0"
)

// Config describes one configured provider.
type Config struct {
	Name     string
	Kind     string
	APIKey   string
	BaseURL  string
	PageSize int
	Query    string
	Country  string
	Language string
	Feeds    []string
}

// Deps are the collaborators shared by all clients.
type Deps struct {
	HTTPClient *http.Client
	Quota      news.QuotaGate
	Limiter    *ratelimit.Limiter
	Hasher     news.TitleHasher
	Logger     *zap.Logger
}

// New builds the client for cfg.Kind.
func New(cfg Config, deps Deps) (news.SourceClient, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Kind
	}
	b, err := newBase(cfg, deps)
	if err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case "newsapi":
		return &NewsAPI{base: b}, nil
	case "gnews":
		return &GNews{base: b}, nil
	case "guardian":
		return &Guardian{base: b}, nil
	case "rss":
		return NewRSS(b), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

type base struct {
	cfg     Config
	client  *http.Client
	quota   news.QuotaGate
	limiter *ratelimit.Limiter
	hasher  news.TitleHasher
	logger  *zap.Logger
}

func newBase(cfg Config, deps Deps) (*base, error) {
	if deps.Quota == nil {
		return nil, fmt.Errorf("source %s: quota gate is required", cfg.Name)
	}
	if deps.Hasher == nil {
		return nil, fmt.Errorf("source %s: title hasher is required", cfg.Name)
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &base{
		cfg:     cfg,
		client:  client,
		quota:   deps.Quota,
		limiter: deps.Limiter,
		hasher:  deps.Hasher,
		logger:  logger.With(zap.String("source", cfg.Name)),
	}, nil
}

// Name returns the configured source name.
func (b *base) Name() string {
	return b.cfg.Name
}

// ready reports whether a request may be issued now.
func (b *base) ready(ctx context.Context, needsKey bool) bool {
	if needsKey && strings.TrimSpace(b.cfg.APIKey) == "" {
		b.logger.Warn("source has no api key configured")
		return false
	}
	ok, err := b.quota.CanUse(ctx, b.cfg.Name)
	if err != nil {
		b.logger.Error("quota check failed", zap.Error(err))
		return false
	}
	return ok
}

// consumed records one successful call against the quota.
func (b *base) consumed(ctx context.Context) {
	if err := b.quota.Increment(ctx, b.cfg.Name); err != nil {
		b.logger.Error("quota increment failed", zap.Error(err))
	}
}

func (b *base) endpoint(path string, params url.Values) (string, error) {
	u, err := url.Parse(strings.TrimRight(b.cfg.BaseURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// getJSON performs a paced GET and decodes the JSON body into out.
func (b *base) getJSON(ctx context.Context, rawURL string, headers http.Header, out any) error {
	if err := b.limiter.Wait(ctx, b.cfg.Name); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Debug("close response body", zap.Error(closeErr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, snippet(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// finish trims fields and stamps the content hash.
func (b *base) finish(article news.NormalizedArticle) news.NormalizedArticle {
	article.Title = strings.TrimSpace(article.Title)
	article.Description = strings.TrimSpace(article.Description)
	article.Content = strings.TrimSpace(article.Content)
	article.URL = strings.TrimSpace(article.URL)
	article.Author = strings.TrimSpace(article.Author)
	if article.Country != "" {
		article.Country = strings.ToUpper(article.Country)
	}
	if article.Language == "" {
		article.Language = b.cfg.Language
	}
	if article.Country == "" && b.cfg.Country != "" {
		article.Country = strings.ToUpper(b.cfg.Country)
	}
	article.ContentHash = b.hasher.HashTitle(article.Title)
	return article
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
