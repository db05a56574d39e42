package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crisiswatch/internal/completion"
	"github.com/JakeFAU/crisiswatch/internal/news"
	"github.com/JakeFAU/crisiswatch/internal/storage/memory"
)

const validJSON = `{"category":"Crisis","sub_categories":["flood","Flood"],"confidence":1.4,
"sentiment":{"label":"Negative","polarity":-0.8},"bias_score":0.3,"fake_news_probability":0.1,
"topics":[{"name":"weather","score":0.9},{"name":"","score":1}],"summary":"Rivers burst.",
"entities":{"countries":["bd"," BD ","in"],"people":[],"organizations":["Red Cross"]}}`

type fakeCompleter struct {
	mu       sync.Mutex
	calls    int
	content  string
	err      error
	messages [][]completion.Message
}

func (f *fakeCompleter) GenerateResponse(
	_ context.Context,
	messages []completion.Message,
	_ string,
	_ ...completion.Option,
) (completion.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.messages = append(f.messages, messages)
	if f.err != nil {
		return completion.Response{}, f.err
	}
	return completion.Response{
		Model:   "test-model",
		Choices: []completion.Choice{{Message: completion.Message{Role: "assistant", Content: f.content}}},
	}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func setup(t *testing.T, completer Completer) (*Pipeline, *memory.Store) {
	t.Helper()
	clock := fixedClock{now: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore(clock)
	p := New(store, store, completer, nil, clock, Config{Model: "m", MaxContentChars: 50}, nil)
	return p, store
}

func insert(t *testing.T, store *memory.Store, hash, title, content string) news.Article {
	t.Helper()
	article, created, err := store.InsertIfAbsent(context.Background(), news.Article{
		ContentHash: hash,
		Title:       title,
		Content:     content,
	})
	require.NoError(t, err)
	require.True(t, created)
	return article
}

func TestAnalyzeArticleIsIdempotent(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{content: "```json\n" + validJSON + "\n```"}
	p, store := setup(t, completer)
	ctx := context.Background()
	article := insert(t, store, "h1", "Floods in Bangladesh", "Rivers burst their banks.")

	first, err := p.AnalyzeArticle(ctx, article.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := p.AnalyzeArticle(ctx, article.ID)
	require.NoError(t, err)
	require.Equal(t, *first, *second)
	require.Equal(t, 1, completer.calls)

	require.Equal(t, "crisis", first.Classification.Category)
	require.Equal(t, []string{"flood"}, first.Classification.SubCategories)
	require.Equal(t, 1.0, first.Classification.Confidence)
	require.Equal(t, "negative", first.Sentiment.Label)
	require.Equal(t, []string{"BD", "IN"}, first.Entities.Countries)
	require.Len(t, first.Topics, 1)
	require.Equal(t, "test-model", first.Model)

	stored, err := store.GetArticle(ctx, article.ID)
	require.NoError(t, err)
	require.True(t, stored.IsAnalyzed)
	require.Equal(t, []string{"BD", "IN"}, stored.Entities.Countries)
}

func TestAnalyzeArticleMalformedOutputSkips(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{content: "Sorry, I cannot help with that."}
	p, store := setup(t, completer)
	ctx := context.Background()
	article := insert(t, store, "h1", "Title", "Body")

	got, err := p.AnalyzeArticle(ctx, article.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	stored, err := store.GetArticle(ctx, article.ID)
	require.NoError(t, err)
	require.True(t, stored.IsAnalyzed)
	_, err = store.GetAnalysisByArticle(ctx, article.ID)
	require.ErrorIs(t, err, news.ErrNotFound)
}

func TestAnalyzeArticleCompletionFailureSkips(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{err: &completion.Error{Kind: completion.KindAuth}}
	p, store := setup(t, completer)
	article := insert(t, store, "h1", "Title", "Body")

	got, err := p.AnalyzeArticle(context.Background(), article.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	unanalyzed, err := store.ListUnanalyzed(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, unanalyzed)
}

func TestAnalyzeArticleCanceledContextLeavesArticlePending(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{err: context.Canceled}
	p, store := setup(t, completer)
	article := insert(t, store, "h1", "Title", "Body")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.AnalyzeArticle(ctx, article.ID)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := store.GetArticle(context.Background(), article.ID)
	require.NoError(t, err)
	require.False(t, stored.IsAnalyzed)
}

func TestAnalyzeArticleNotFound(t *testing.T) {
	t.Parallel()

	p, _ := setup(t, &fakeCompleter{content: validJSON})
	_, err := p.AnalyzeArticle(context.Background(), 404)
	require.ErrorIs(t, err, news.ErrNotFound)
}

func TestAnalyzeArticleTruncatesContent(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{content: validJSON}
	p, store := setup(t, completer)
	article := insert(t, store, "h1", "Title", strings.Repeat("x", 500))

	_, err := p.AnalyzeArticle(context.Background(), article.ID)
	require.NoError(t, err)
	require.Len(t, completer.messages, 1)
	user := completer.messages[0][1].Content
	require.Contains(t, user, strings.Repeat("x", 50)+"...")
	require.NotContains(t, user, strings.Repeat("x", 51))
}

type flakyCompleter struct {
	fakeCompleter
	failEvery int
}

func (f *flakyCompleter) GenerateResponse(
	ctx context.Context,
	messages []completion.Message,
	model string,
	opts ...completion.Option,
) (completion.Response, error) {
	f.mu.Lock()
	n := f.calls + 1
	f.mu.Unlock()
	if n%f.failEvery == 0 {
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()
		return completion.Response{}, errors.New("server exploded")
	}
	return f.fakeCompleter.GenerateResponse(ctx, messages, model, opts...)
}

func TestBatchAnalyzeCountsFailuresWithoutAborting(t *testing.T) {
	t.Parallel()

	completer := &flakyCompleter{fakeCompleter: fakeCompleter{content: validJSON}, failEvery: 2}
	p, store := setup(t, completer)
	for _, h := range []string{"a", "b", "c", "d"} {
		insert(t, store, h, "Title "+h, "Body")
	}

	result, err := p.BatchAnalyzeUnprocessed(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Equal(t, 1, result.Failed)
	require.Len(t, result.Analyzed, 2)
	require.False(t, result.Truncated)

	remaining, err := store.ListUnanalyzed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestBatchAnalyzeHonorsInterCallDelay(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Now()}
	store := memory.NewStore(clock)
	completer := &fakeCompleter{content: validJSON}
	p := New(store, store, completer, nil, clock, Config{InterCallDelay: 40 * time.Millisecond}, nil)
	for _, h := range []string{"a", "b", "c"} {
		insert(t, store, h, "Title "+h, "Body")
	}

	start := time.Now()
	result, err := p.BatchAnalyzeUnprocessed(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 3, result.Processed)
	require.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

type flakyMarkStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyMarkStore) MarkAnalyzed(ctx context.Context, id int64, entities *news.Entities) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.MarkAnalyzed(ctx, id, entities)
}

func TestBatchAnalyzeRecoversStoredAnalysisAfterMarkFailure(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)}
	store := &flakyMarkStore{Store: memory.NewStore(clock), failures: 1}
	completer := &fakeCompleter{content: validJSON}
	p := New(store, store, completer, nil, clock, Config{Model: "m"}, nil)
	article := insert(t, store.Store, "h1", "Floods hit Dhaka", "Body")

	first, err := p.BatchAnalyzeUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, first.Failed)
	require.Empty(t, first.Analyzed)

	second, err := p.BatchAnalyzeUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, second.Processed)
	require.Equal(t, []int64{article.ID}, second.Analyzed)
	require.Equal(t, 1, completer.calls)

	remaining, err := store.ListUnanalyzed(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, remaining)

	stored, err := store.GetArticle(context.Background(), article.ID)
	require.NoError(t, err)
	require.True(t, stored.IsAnalyzed)
	require.Equal(t, []string{"BD", "IN"}, stored.Entities.Countries)

	third, err := p.BatchAnalyzeUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Zero(t, third.Processed)
}

type slowCompleter struct {
	fakeCompleter
	delay time.Duration
}

func (s *slowCompleter) GenerateResponse(
	ctx context.Context,
	messages []completion.Message,
	model string,
	opts ...completion.Option,
) (completion.Response, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return completion.Response{}, ctx.Err()
	}
	return s.fakeCompleter.GenerateResponse(ctx, messages, model, opts...)
}

func TestBatchAnalyzeStopsAtTimeBudget(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Now()}
	store := memory.NewStore(clock)
	completer := &slowCompleter{fakeCompleter: fakeCompleter{content: validJSON}, delay: 40 * time.Millisecond}
	p := New(store, store, completer, nil, clock, Config{MaxBatchDuration: 100 * time.Millisecond}, nil)
	for _, h := range []string{"a", "b", "c", "d", "e", "f"} {
		insert(t, store, h, "Title "+h, "Body")
	}

	result, err := p.BatchAnalyzeUnprocessed(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, result.Truncated)
	require.Less(t, result.Processed, 6)
	require.Zero(t, result.Failed)

	remaining, err := store.ListUnanalyzed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 6-result.Processed)
}
