package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

func (s *Server) ingestAll(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Ingest.FetchAllSources(r.Context(), news.TriggerAPI)
	if err != nil {
		s.logger.Sugar().Warnw("ingestion finished with errors", "error", err)
		writeJSON(w, statusFor(err), map[string]any{"summary": summary, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) ingestSource(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	result, err := s.deps.Ingest.FetchFromSource(r.Context(), source, news.TriggerAPI)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) analyzeArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	analysis, err := s.deps.Analysis.AnalyzeArticle(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysis": analysis, "skipped": analysis == nil})
}

func (s *Server) analyzeBatch(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Analysis.BatchSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	result, err := s.deps.Analysis.BatchAnalyzeUnprocessed(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) detectCrises(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Crisis.AutoDetectCrises(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []news.CrisisEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": len(events), "events": events})
}

func (s *Server) notifyCrisis(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	result, err := s.deps.Alerts.NotifySubscribedUsers(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statusRequest struct {
	Status news.CrisisStatus `json:"status"`
}

func (s *Server) updateCrisisStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	switch req.Status {
	case news.CrisisMonitoring, news.CrisisActive, news.CrisisResolved:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}
	event, err := s.deps.Crisis.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) articleAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	result, err := s.deps.Alerts.ProcessArticleAlerts(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type watchlistRequest struct {
	UserID       string             `json:"user_id"`
	Type         news.WatchlistType `json:"type"`
	Value        string             `json:"value"`
	NotifySocket *bool              `json:"notify_socket"`
	NotifyEmail  *bool              `json:"notify_email"`
}

func (s *Server) createWatchlist(w http.ResponseWriter, r *http.Request) {
	var req watchlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	item := news.Watchlist{
		UserID:       req.UserID,
		Type:         req.Type,
		Value:        req.Value,
		NotifySocket: boolOrDefault(req.NotifySocket, true),
		NotifyEmail:  boolOrDefault(req.NotifyEmail, false),
	}
	created, err := s.deps.Alerts.CreateWatchlist(r.Context(), item)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type enqueueRequest struct {
	TaskType   string          `json:"task_type"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries *int            `json:"max_retries"`
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.TaskType) == "" {
		writeError(w, http.StatusBadRequest, "task_type required")
		return
	}
	maxRetries := valueOrDefault(req.MaxRetries, s.cfg.Queue.DefaultMaxRetries)
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	task, err := s.deps.Tasks.Enqueue(r.Context(), req.TaskType, payload, maxRetries)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

type dequeueRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) dequeueTask(w http.ResponseWriter, r *http.Request) {
	var req dequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id required")
		return
	}
	task, err := s.deps.Queue.Dequeue(r.Context(), req.WorkerID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Queue.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type completeRequest struct {
	WorkerID string          `json:"worker_id"`
	Result   json.RawMessage `json:"result"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id required")
		return
	}
	var result any
	if len(req.Result) > 0 {
		result = req.Result
	}
	if err := s.deps.Queue.Complete(r.Context(), taskID, req.WorkerID, result); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(news.TaskCompleted)})
}

type failRequest struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" || req.Error == "" {
		writeError(w, http.StatusBadRequest, "worker_id and error required")
		return
	}
	task, err := s.deps.Queue.Fail(r.Context(), chi.URLParam(r, "id"), req.WorkerID, req.Error)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func boolOrDefault(ptr *bool, def bool) bool {
	return valueOrDefault(ptr, def)
}
