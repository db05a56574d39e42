package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crisiswatch/internal/alerts"
	"github.com/JakeFAU/crisiswatch/internal/config"
	"github.com/JakeFAU/crisiswatch/internal/dispatcher"
	"github.com/JakeFAU/crisiswatch/internal/news"
	queuememory "github.com/JakeFAU/crisiswatch/internal/queue/memory"
)

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := serve(server, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServer_ReadyzReportsDatabaseFailure(t *testing.T) {
	t.Parallel()

	deps, _ := testDependencies(t)
	deps.Ready = pingerFunc(func(context.Context) error { return errors.New("connection refused") })
	server := NewServer(deps, config.Config{}, nil)

	rec := serve(server, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_IngestSource(t *testing.T) {
	t.Parallel()

	server, fakes := newTestServer(t, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/ingest/rss", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result news.FetchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 3, result.Saved)
	require.Equal(t, []string{"rss:api"}, fakes.ingest.calls)

	rec = serve(server, http.MethodPost, "/v1/ingest/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_IngestAllReportsPartialFailure(t *testing.T) {
	t.Parallel()

	server, fakes := newTestServer(t, config.Config{})
	fakes.ingest.allErr = errors.New("source gnews: db down")

	rec := serve(server, http.MethodPost, "/v1/ingest", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), `"saved":4`)
	require.Contains(t, rec.Body.String(), "db down")
}

func TestServer_AnalyzeArticle(t *testing.T) {
	t.Parallel()

	server, fakes := newTestServer(t, config.Config{})
	fakes.analysis.analyses[1] = &news.Analysis{ArticleID: 1, Summary: "flooding"}

	rec := serve(server, http.MethodPost, "/v1/articles/1/analyze", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "flooding")
	require.Contains(t, rec.Body.String(), `"skipped":false`)

	rec = serve(server, http.MethodPost, "/v1/articles/2/analyze", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"skipped":true`)

	rec = serve(server, http.MethodPost, "/v1/articles/404/analyze", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/articles/abc/analyze", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AnalyzeBatchLimit(t *testing.T) {
	t.Parallel()

	server, fakes := newTestServer(t, config.Config{Analysis: config.AnalysisConfig{BatchSize: 7}})

	rec := serve(server, http.MethodPost, "/v1/analysis/batch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 7, fakes.analysis.lastLimit)

	rec = serve(server, http.MethodPost, "/v1/analysis/batch?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, fakes.analysis.lastLimit)

	rec = serve(server, http.MethodPost, "/v1/analysis/batch?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CrisisEndpoints(t *testing.T) {
	t.Parallel()

	server, fakes := newTestServer(t, config.Config{})
	fakes.crisis.detected = []news.CrisisEvent{{ID: 11, Title: "Typhoon landfall", Severity: news.SeverityHigh}}

	rec := serve(server, http.MethodPost, "/v1/crises/detect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"created":1`)

	rec = serve(server, http.MethodPost, "/v1/crises/11/notify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{11}, fakes.alerts.crisisIDs)

	rec = serve(server, http.MethodPost, "/v1/crises/11/status", `{"status":"active"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"active"`)

	rec = serve(server, http.MethodPost, "/v1/crises/11/status", `{"status":"monitoring"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/crises/11/status", `{"status":"archived"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ArticleAlerts(t *testing.T) {
	t.Parallel()

	server, fakes := newTestServer(t, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/articles/5/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"matched_users":2`)
	require.Equal(t, []int64{5}, fakes.alerts.articleIDs)
}

func TestServer_CreateWatchlist(t *testing.T) {
	t.Parallel()

	server, fakes := newTestServer(t, config.Config{})
	body := `{"user_id":"u1","type":"country","value":"jp","notify_email":true}`

	rec := serve(server, http.MethodPost, "/v1/watchlists", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, fakes.alerts.created[0].NotifySocket)
	require.True(t, fakes.alerts.created[0].NotifyEmail)

	rec = serve(server, http.MethodPost, "/v1/watchlists", body)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/watchlists", `{"user_id":"","type":"country","value":"jp"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/watchlists", `{invalid`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TaskLifecycle(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{Queue: config.QueueConfig{DefaultMaxRetries: 1}})

	rec := serve(server, http.MethodPost, "/v1/tasks", `{"task_type":"analyze_batch","payload":{"limit":5}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var task news.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	require.Equal(t, news.TaskPending, task.Status)
	require.Equal(t, 1, task.MaxRetries)

	rec = serve(server, http.MethodPost, "/v1/tasks", `{"task_type":"reindex"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/tasks/dequeue", `{"worker_id":"ext-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed news.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	require.Equal(t, task.ID, claimed.ID)
	require.Equal(t, "ext-1", claimed.LockedBy)

	rec = serve(server, http.MethodPost, "/v1/tasks/dequeue", `{"worker_id":"ext-1"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/tasks/"+task.ID+"/fail", `{"error":"timeout"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/tasks/"+task.ID+"/fail", `{"worker_id":"ext-1","error":"timeout"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"pending"`)
	require.Contains(t, rec.Body.String(), `"retry_count":1`)

	rec = serve(server, http.MethodPost, "/v1/tasks/dequeue", `{"worker_id":"ext-2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", `{"worker_id":"ext-1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", `{"worker_id":"ext-2","result":{"processed":5}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/tasks/"+task.ID+"/complete", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/tasks/missing/complete", `{"worker_id":"ext-2"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/tasks/"+task.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)
	require.Contains(t, rec.Body.String(), `"processed":5`)

	rec = serve(server, http.MethodGet, "/v1/tasks/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	rec := serve(server, http.MethodPost, "/v1/crises/detect", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/crises/detect", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func serve(server *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

type testFakes struct {
	ingest   *fakeIngest
	analysis *fakeAnalysis
	crisis   *fakeCrisis
	alerts   *fakeAlerts
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, testFakes) {
	t.Helper()
	deps, fakes := testDependencies(t)
	return NewServer(deps, cfg, nil), fakes
}

func testDependencies(t *testing.T) (Dependencies, testFakes) {
	t.Helper()
	queue := queuememory.NewQueue(&seqIDs{}, fixedClock{}, time.Minute)
	fakes := testFakes{
		ingest:   &fakeIngest{},
		analysis: &fakeAnalysis{analyses: map[int64]*news.Analysis{}},
		crisis:   &fakeCrisis{status: map[int64]news.CrisisStatus{}},
		alerts:   &fakeAlerts{seen: map[string]bool{}},
	}
	deps := Dependencies{
		Ingest:   fakes.ingest,
		Analysis: fakes.analysis,
		Crisis:   fakes.crisis,
		Alerts:   fakes.alerts,
		Tasks: dispatcher.New(queue, nil, []string{
			news.TaskIngestSource, news.TaskAnalyzeBatch, news.TaskDetectCrises,
		}, nil),
		Queue: queue,
	}
	return deps, fakes
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("task-%d", s.n.Add(1)), nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

type fakeIngest struct {
	calls  []string
	allErr error
}

func (f *fakeIngest) FetchFromSource(_ context.Context, source string, trigger news.Trigger) (news.FetchResult, error) {
	if source == "unknown" {
		return news.FetchResult{}, fmt.Errorf("source %q: %w", source, news.ErrNotFound)
	}
	f.calls = append(f.calls, source+":"+string(trigger))
	return news.FetchResult{Source: source, Fetched: 5, Saved: 3, Duplicates: 2, Status: news.IngestionSuccess}, nil
}

func (f *fakeIngest) FetchAllSources(context.Context, news.Trigger) (news.IngestSummary, error) {
	return news.IngestSummary{Saved: 4}, f.allErr
}

type fakeAnalysis struct {
	analyses  map[int64]*news.Analysis
	lastLimit int
}

func (f *fakeAnalysis) AnalyzeArticle(_ context.Context, id int64) (*news.Analysis, error) {
	if id == 404 {
		return nil, fmt.Errorf("get article %d: %w", id, news.ErrNotFound)
	}
	return f.analyses[id], nil
}

func (f *fakeAnalysis) BatchAnalyzeUnprocessed(_ context.Context, limit int) (news.BatchResult, error) {
	f.lastLimit = limit
	return news.BatchResult{Processed: limit}, nil
}

type fakeCrisis struct {
	detected []news.CrisisEvent
	status   map[int64]news.CrisisStatus
}

func (f *fakeCrisis) AutoDetectCrises(context.Context) ([]news.CrisisEvent, error) {
	return f.detected, nil
}

func (f *fakeCrisis) UpdateStatus(_ context.Context, id int64, to news.CrisisStatus) (news.CrisisEvent, error) {
	from, ok := f.status[id]
	if !ok {
		from = news.CrisisMonitoring
	}
	if from == to || from == news.CrisisResolved || to == news.CrisisMonitoring {
		return news.CrisisEvent{}, fmt.Errorf("crisis %d %s -> %s: %w", id, from, to, news.ErrInvalidTransition)
	}
	f.status[id] = to
	return news.CrisisEvent{ID: id, Status: to}, nil
}

type fakeAlerts struct {
	articleIDs []int64
	crisisIDs  []int64
	created    []news.Watchlist
	seen       map[string]bool
}

func (f *fakeAlerts) ProcessArticleAlerts(_ context.Context, id int64) (news.AlertResult, error) {
	f.articleIDs = append(f.articleIDs, id)
	return news.AlertResult{MatchedUsers: 2, AlertsCreated: 2}, nil
}

func (f *fakeAlerts) NotifySubscribedUsers(_ context.Context, id int64) (news.AlertResult, error) {
	f.crisisIDs = append(f.crisisIDs, id)
	return news.AlertResult{}, nil
}

func (f *fakeAlerts) CreateWatchlist(_ context.Context, item news.Watchlist) (news.Watchlist, error) {
	if item.UserID == "" {
		return news.Watchlist{}, fmt.Errorf("%w: user_id is required", alerts.ErrInvalidWatchlist)
	}
	key := item.UserID + "|" + string(item.Type) + "|" + item.Value
	if f.seen[key] {
		return news.Watchlist{}, fmt.Errorf("create watchlist: %w", news.ErrDuplicate)
	}
	f.seen[key] = true
	item.ID = int64(len(f.created) + 1)
	f.created = append(f.created, item)
	return item, nil
}
