package sources

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// GNews fetches top headlines from gnews.io.
type GNews struct {
	*base
}

type gnewsResponse struct {
	TotalArticles int      `json:"totalArticles"`
	Errors        []string `json:"errors"`
	Articles      []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Content     string `json:"content"`
		URL         string `json:"url"`
		Image       string `json:"image"`
		PublishedAt string `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

// Fetch returns the current top headlines.
func (c *GNews) Fetch(ctx context.Context) []news.NormalizedArticle {
	if !c.ready(ctx, true) {
		return nil
	}
	params := url.Values{}
	params.Set("apikey", c.cfg.APIKey)
	if c.cfg.Language != "" {
		params.Set("lang", c.cfg.Language)
	}
	if c.cfg.Country != "" {
		params.Set("country", strings.ToLower(c.cfg.Country))
	}
	if c.cfg.Query != "" {
		params.Set("q", c.cfg.Query)
	}
	if c.cfg.PageSize > 0 {
		params.Set("max", strconv.Itoa(c.cfg.PageSize))
	}
	endpoint, err := c.endpoint("/api/v4/top-headlines", params)
	if err != nil {
		c.logger.Error("build request url", zap.Error(err))
		return nil
	}

	var payload gnewsResponse
	if err := c.getJSON(ctx, endpoint, nil, &payload); err != nil {
		c.logger.Error("fetch top headlines", zap.Error(err))
		return nil
	}
	if len(payload.Errors) > 0 {
		c.logger.Error("provider returned error", zap.Strings("errors", payload.Errors))
		return nil
	}
	c.consumed(ctx)

	out := make([]news.NormalizedArticle, 0, len(payload.Articles))
	for _, item := range payload.Articles {
		out = append(out, c.finish(news.NormalizedArticle{
			Title:       item.Title,
			Description: item.Description,
			Content:     item.Content,
			URL:         item.URL,
			Image:       item.Image,
			PublishedAt: parseTime(item.PublishedAt),
			SourceName:  item.Source.Name,
		}))
	}
	c.logger.Debug("fetched articles", zap.Int("count", len(out)))
	return out
}
