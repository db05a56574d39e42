package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/alerts"
	"github.com/JakeFAU/crisiswatch/internal/config"
	"github.com/JakeFAU/crisiswatch/internal/dispatcher"
	"github.com/JakeFAU/crisiswatch/internal/metrics"
	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Ingester runs source ingestion.
type Ingester interface {
	FetchFromSource(ctx context.Context, source string, trigger news.Trigger) (news.FetchResult, error)
	FetchAllSources(ctx context.Context, trigger news.Trigger) (news.IngestSummary, error)
}

// Analyzer runs article analysis.
type Analyzer interface {
	AnalyzeArticle(ctx context.Context, articleID int64) (*news.Analysis, error)
	BatchAnalyzeUnprocessed(ctx context.Context, limit int) (news.BatchResult, error)
}

// CrisisManager detects crises and advances their status.
type CrisisManager interface {
	AutoDetectCrises(ctx context.Context) ([]news.CrisisEvent, error)
	UpdateStatus(ctx context.Context, id int64, to news.CrisisStatus) (news.CrisisEvent, error)
}

// AlertManager fans out alerts and manages subscriptions.
type AlertManager interface {
	ProcessArticleAlerts(ctx context.Context, articleID int64) (news.AlertResult, error)
	NotifySubscribedUsers(ctx context.Context, crisisID int64) (news.AlertResult, error)
	CreateWatchlist(ctx context.Context, item news.Watchlist) (news.Watchlist, error)
}

// TaskSubmitter validates and enqueues tasks.
type TaskSubmitter interface {
	Enqueue(ctx context.Context, taskType string, payload any, maxRetries int) (news.Task, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the services the HTTP handlers call into.
type Dependencies struct {
	Ingest   Ingester
	Analysis Analyzer
	Crisis   CrisisManager
	Alerts   AlertManager
	Tasks    TaskSubmitter
	Queue    news.TaskQueue
	// Ready is optional; when set, /readyz pings it.
	Ready Pinger
}

// Server wires HTTP handlers to the pipeline services and the task queue.
type Server struct {
	router chi.Router
	deps   Dependencies
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Dependencies, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(timeoutMiddleware(2 * time.Minute))

		r.Post("/ingest", s.ingestAll)
		r.Post("/ingest/{source}", s.ingestSource)
		r.Post("/analysis/batch", s.analyzeBatch)
		r.Route("/articles/{id}", func(r chi.Router) {
			r.Post("/analyze", s.analyzeArticle)
			r.Post("/alerts", s.articleAlerts)
		})
		r.Post("/crises/detect", s.detectCrises)
		r.Route("/crises/{id}", func(r chi.Router) {
			r.Post("/notify", s.notifyCrisis)
			r.Post("/status", s.updateCrisisStatus)
		})
		r.Post("/watchlists", s.createWatchlist)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.enqueueTask)
			r.Post("/dequeue", s.dequeueTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Post("/complete", s.completeTask)
				r.Post("/fail", s.failTask)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, news.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, news.ErrDuplicate), errors.Is(err, news.ErrInvalidTransition),
		errors.Is(err, news.ErrLeaseLost):
		return http.StatusConflict
	case errors.Is(err, alerts.ErrInvalidWatchlist), errors.Is(err, dispatcher.ErrUnknownTaskType):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
