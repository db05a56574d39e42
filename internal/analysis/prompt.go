package analysis

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/crisiswatch/internal/completion"
	"github.com/JakeFAU/crisiswatch/internal/news"
)

const systemPrompt = `You are a news intelligence analyst. Reply with a single JSON object and nothing else.`

const instructions = `Analyze the news article below and return strict JSON with exactly these fields:
{
  "category": one of "crisis", "politics", "economy", "health", "technology", "environment", "conflict", "sports", "entertainment", "other",
  "sub_categories": array of short lowercase strings,
  "confidence": number between 0 and 1,
  "sentiment": {"label": "positive" | "negative" | "neutral", "polarity": number between -1 and 1},
  "bias_score": number between 0 and 1,
  "fake_news_probability": number between 0 and 1,
  "topics": array of {"name": string, "score": number between 0 and 1},
  "summary": two sentence summary,
  "entities": {"countries": array of ISO 3166 alpha-2 codes, "people": array of names, "organizations": array of names}
}`

// buildMessages renders the fixed-schema prompt for an article, truncating
// its body to maxChars runes.
func buildMessages(article news.Article, maxChars int) []completion.Message {
	body := article.Content
	if strings.TrimSpace(body) == "" {
		body = article.Description
	}
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nTitle: ")
	b.WriteString(article.Title)
	if article.Description != "" && article.Description != body {
		b.WriteString("\nDescription: ")
		b.WriteString(article.Description)
	}
	if article.SourceName != "" {
		fmt.Fprintf(&b, "\nSource: %s", article.SourceName)
	}
	b.WriteString("\nContent: ")
	b.WriteString(truncate(body, maxChars))
	return []completion.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars]) + "..."
}
