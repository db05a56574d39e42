package sources

import (
	"context"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Guardian fetches recent content from the Guardian open platform.
type Guardian struct {
	*base
}

type guardianResponse struct {
	Response struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Results []struct {
			WebTitle           string `json:"webTitle"`
			WebURL             string `json:"webUrl"`
			WebPublicationDate string `json:"webPublicationDate"`
			SectionName        string `json:"sectionName"`
			Fields             struct {
				TrailText string `json:"trailText"`
				BodyText  string `json:"bodyText"`
				Thumbnail string `json:"thumbnail"`
				Byline    string `json:"byline"`
			} `json:"fields"`
		} `json:"results"`
	} `json:"response"`
}

// Fetch returns the newest matching content items.
func (c *Guardian) Fetch(ctx context.Context) []news.NormalizedArticle {
	if !c.ready(ctx, true) {
		return nil
	}
	params := url.Values{}
	params.Set("api-key", c.cfg.APIKey)
	params.Set("order-by", "newest")
	params.Set("show-fields", "trailText,bodyText,thumbnail,byline")
	if c.cfg.Query != "" {
		params.Set("q", c.cfg.Query)
	}
	if c.cfg.PageSize > 0 {
		params.Set("page-size", strconv.Itoa(c.cfg.PageSize))
	}
	endpoint, err := c.endpoint("/search", params)
	if err != nil {
		c.logger.Error("build request url", zap.Error(err))
		return nil
	}

	var payload guardianResponse
	if err := c.getJSON(ctx, endpoint, nil, &payload); err != nil {
		c.logger.Error("search content", zap.Error(err))
		return nil
	}
	if payload.Response.Status != "ok" {
		c.logger.Error("provider returned error",
			zap.String("status", payload.Response.Status),
			zap.String("message", payload.Response.Message),
		)
		return nil
	}
	c.consumed(ctx)

	out := make([]news.NormalizedArticle, 0, len(payload.Response.Results))
	for _, item := range payload.Response.Results {
		out = append(out, c.finish(news.NormalizedArticle{
			Title:       item.WebTitle,
			Description: item.Fields.TrailText,
			Content:     item.Fields.BodyText,
			URL:         item.WebURL,
			Image:       item.Fields.Thumbnail,
			PublishedAt: parseTime(item.WebPublicationDate),
			SourceName:  "The Guardian",
			Author:      item.Fields.Byline,
		}))
	}
	c.logger.Debug("fetched articles", zap.Int("count", len(out)))
	return out
}
