package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// ErrMalformed marks completion output that could not be parsed into an
// analysis. Output that parses but carries empty optional fields is valid.
var ErrMalformed = errors.New("malformed analysis output")

type rawAnalysis struct {
	Category      *string   `json:"category"`
	SubCategories []string  `json:"sub_categories"`
	Confidence    *float64  `json:"confidence"`
	Sentiment     *struct {
		Label    *string  `json:"label"`
		Polarity *float64 `json:"polarity"`
	} `json:"sentiment"`
	BiasScore           *float64 `json:"bias_score"`
	FakeNewsProbability *float64 `json:"fake_news_probability"`
	Topics              []struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"topics"`
	Summary  string `json:"summary"`
	Entities struct {
		Countries     []string `json:"countries"`
		People        []string `json:"people"`
		Organizations []string `json:"organizations"`
	} `json:"entities"`
}

var sentimentLabels = map[string]bool{"positive": true, "negative": true, "neutral": true}

// parseAnalysis decodes completion content. Category and sentiment label are
// required; numeric scores default to zero and are clamped to their ranges.
func parseAnalysis(content string) (news.Analysis, error) {
	cleaned := stripCodeFence(content)
	if cleaned == "" {
		return news.Analysis{}, fmt.Errorf("%w: empty content", ErrMalformed)
	}
	var raw rawAnalysis
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return news.Analysis{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Category == nil || strings.TrimSpace(*raw.Category) == "" {
		return news.Analysis{}, fmt.Errorf("%w: missing category", ErrMalformed)
	}
	if raw.Sentiment == nil || raw.Sentiment.Label == nil {
		return news.Analysis{}, fmt.Errorf("%w: missing sentiment label", ErrMalformed)
	}
	label := strings.ToLower(strings.TrimSpace(*raw.Sentiment.Label))
	if !sentimentLabels[label] {
		return news.Analysis{}, fmt.Errorf("%w: unknown sentiment label %q", ErrMalformed, label)
	}

	out := news.Analysis{
		Classification: news.Classification{
			Category:      strings.ToLower(strings.TrimSpace(*raw.Category)),
			SubCategories: cleanList(raw.SubCategories, strings.ToLower),
			Confidence:    clamp(deref(raw.Confidence), 0, 1),
		},
		Sentiment: news.Sentiment{
			Label:    label,
			Polarity: clamp(deref(raw.Sentiment.Polarity), -1, 1),
		},
		BiasScore:           clamp(deref(raw.BiasScore), 0, 1),
		FakeNewsProbability: clamp(deref(raw.FakeNewsProbability), 0, 1),
		Summary:             strings.TrimSpace(raw.Summary),
		Entities: news.Entities{
			Countries:     cleanList(raw.Entities.Countries, strings.ToUpper),
			People:        cleanList(raw.Entities.People, nil),
			Organizations: cleanList(raw.Entities.Organizations, nil),
		},
	}
	for _, topic := range raw.Topics {
		name := strings.TrimSpace(topic.Name)
		if name == "" {
			continue
		}
		out.Topics = append(out.Topics, news.Topic{Name: name, Score: clamp(topic.Score, 0, 1)})
	}
	return out, nil
}

// stripCodeFence removes a surrounding Markdown code fence, with or without
// a language tag.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func cleanList(values []string, transform func(string) string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if transform != nil {
			v = transform(v)
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
