package sources

import (
	"cmp"
	"context"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// RSS reads one or more RSS/Atom feeds. Each feed request counts as one call
// against the source's quota.
type RSS struct {
	*base
	parser *gofeed.Parser
}

// NewRSS wraps b with a gofeed parser that shares b's HTTP client.
func NewRSS(b *base) *RSS {
	parser := gofeed.NewParser()
	parser.Client = b.client
	parser.UserAgent = userAgent
	return &RSS{base: b, parser: parser}
}

// Fetch reads every configured feed, skipping the ones that fail.
func (c *RSS) Fetch(ctx context.Context) []news.NormalizedArticle {
	var out []news.NormalizedArticle
	for _, feedURL := range c.cfg.Feeds {
		if !c.ready(ctx, false) {
			break
		}
		if err := c.limiter.Wait(ctx, c.cfg.Name); err != nil {
			c.logger.Warn("rate limit wait aborted", zap.Error(err))
			break
		}
		feed, err := c.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			c.logger.Error("parse feed", zap.String("feed", feedURL), zap.Error(err))
			continue
		}
		c.consumed(ctx)
		for _, item := range feed.Items {
			if item == nil {
				continue
			}
			out = append(out, c.finish(c.normalizeItem(feed, item)))
		}
	}
	c.logger.Debug("fetched articles", zap.Int("count", len(out)), zap.Int("feeds", len(c.cfg.Feeds)))
	return out
}

func (c *RSS) normalizeItem(feed *gofeed.Feed, item *gofeed.Item) news.NormalizedArticle {
	article := news.NormalizedArticle{
		Title:       item.Title,
		Description: item.Description,
		Content:     cmp.Or(item.Content, item.Description),
		URL:         item.Link,
		SourceName:  feed.Title,
		Language:    feed.Language,
		Author:      authorOf(item),
	}
	if item.PublishedParsed != nil {
		article.PublishedAt = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		article.PublishedAt = item.UpdatedParsed.UTC()
	}
	if item.Image != nil {
		article.Image = item.Image.URL
	} else if len(item.Enclosures) > 0 && item.Enclosures[0] != nil &&
		strings.HasPrefix(item.Enclosures[0].Type, "image/") {
		article.Image = item.Enclosures[0].URL
	}
	return article
}

func authorOf(item *gofeed.Item) string {
	var names []string
	for _, author := range item.Authors {
		if author != nil && strings.TrimSpace(author.Name) != "" {
			names = append(names, strings.TrimSpace(author.Name))
		}
	}
	if len(names) == 0 && item.Author != nil {
		return strings.TrimSpace(item.Author.Name)
	}
	return strings.Join(names, ", ")
}
