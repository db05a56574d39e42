package sources

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// NewsAPI fetches top headlines from newsapi.org.
type NewsAPI struct {
	*base
}

type newsAPIResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Author      string `json:"author"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		URLToImage  string `json:"urlToImage"`
		PublishedAt string `json:"publishedAt"`
		Content     string `json:"content"`
	} `json:"articles"`
}

// NewsAPI truncates content and appends a marker such as "[+1234 chars]".
var truncatedMarker = regexp.MustCompile(`\s*\[\+\d+ chars\]$`)

// Fetch returns the current top headlines.
func (c *NewsAPI) Fetch(ctx context.Context) []news.NormalizedArticle {
	if !c.ready(ctx, true) {
		return nil
	}
	params := url.Values{}
	if c.cfg.Country != "" {
		params.Set("country", strings.ToLower(c.cfg.Country))
	}
	if c.cfg.Query != "" {
		params.Set("q", c.cfg.Query)
	}
	if c.cfg.PageSize > 0 {
		params.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	}
	endpoint, err := c.endpoint("/v2/top-headlines", params)
	if err != nil {
		c.logger.Error("build request url", zap.Error(err))
		return nil
	}

	var payload newsAPIResponse
	headers := http.Header{"X-Api-Key": []string{c.cfg.APIKey}}
	if err := c.getJSON(ctx, endpoint, headers, &payload); err != nil {
		c.logger.Error("fetch top headlines", zap.Error(err))
		return nil
	}
	if payload.Status != "" && payload.Status != "ok" {
		c.logger.Error("provider returned error",
			zap.String("code", payload.Code),
			zap.String("message", payload.Message),
		)
		return nil
	}
	c.consumed(ctx)

	out := make([]news.NormalizedArticle, 0, len(payload.Articles))
	for _, item := range payload.Articles {
		out = append(out, c.finish(news.NormalizedArticle{
			Title:       item.Title,
			Description: item.Description,
			Content:     truncatedMarker.ReplaceAllString(item.Content, ""),
			URL:         item.URL,
			Image:       item.URLToImage,
			PublishedAt: parseTime(item.PublishedAt),
			SourceName:  item.Source.Name,
			Author:      item.Author,
		}))
	}
	c.logger.Debug("fetched articles", zap.Int("count", len(out)))
	return out
}
