// Package server builds the application's dependencies from configuration and
// runs the HTTP server, worker pool and scheduler until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/alerts"
	"github.com/JakeFAU/crisiswatch/internal/analysis"
	"github.com/JakeFAU/crisiswatch/internal/api"
	"github.com/JakeFAU/crisiswatch/internal/clock/system"
	"github.com/JakeFAU/crisiswatch/internal/completion"
	"github.com/JakeFAU/crisiswatch/internal/config"
	"github.com/JakeFAU/crisiswatch/internal/crisis"
	"github.com/JakeFAU/crisiswatch/internal/dispatcher"
	"github.com/JakeFAU/crisiswatch/internal/hash/sha256"
	"github.com/JakeFAU/crisiswatch/internal/id/uuid"
	"github.com/JakeFAU/crisiswatch/internal/ingest"
	"github.com/JakeFAU/crisiswatch/internal/metrics"
	"github.com/JakeFAU/crisiswatch/internal/news"
	"github.com/JakeFAU/crisiswatch/internal/notify/email"
	pushmemory "github.com/JakeFAU/crisiswatch/internal/notify/memory"
	pushpubsub "github.com/JakeFAU/crisiswatch/internal/notify/pubsub"
	"github.com/JakeFAU/crisiswatch/internal/policy/ratelimit"
	"github.com/JakeFAU/crisiswatch/internal/quota"
	queuememory "github.com/JakeFAU/crisiswatch/internal/queue/memory"
	"github.com/JakeFAU/crisiswatch/internal/scheduler"
	"github.com/JakeFAU/crisiswatch/internal/sources"
	gcsstorage "github.com/JakeFAU/crisiswatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crisiswatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/crisiswatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/crisiswatch/internal/storage/postgres"
	"github.com/JakeFAU/crisiswatch/internal/worker"
)

// Store is everything the services persist through. Both the Postgres and
// in-memory stores satisfy it.
type Store interface {
	news.ArticleStore
	news.UsageStore
	news.IngestionLogStore
	news.AnalysisStore
	news.CrisisStore
	news.WatchlistStore
	news.AlertStore
	email.RecipientDirectory
	Ping(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     *system.Clock
	store     Store
	queue     news.TaskQueue
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler

	pool         *pgxpool.Pool
	pubsubClient *pubsub.Client
	pubsubPush   *pushpubsub.Push
	storage      *storage.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New(loc)}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("sources", cfg.EnabledSources()),
		zap.String("timezone", loc.String()),
	)

	if err := app.setupStore(ctx); err != nil {
		app.Close()
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	push, err := app.setupPush(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	mailer, err := app.setupEmail()
	if err != nil {
		app.Close()
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{})
	clients, err := app.setupSources(ctx, limiter)
	if err != nil {
		app.Close()
		return nil, err
	}

	completer, err := completion.New(completion.Config{
		Endpoint: cfg.Completion.Endpoint,
		APIKey:   cfg.Completion.APIKey,
		Model:    cfg.Completion.Model,
		Timeout:  cfg.CompletionTimeout(),
		Retry: completion.RetryConfig{
			MaxRetries: cfg.Completion.MaxRetries,
			BaseDelay:  time.Duration(cfg.Completion.BaseDelayMs) * time.Millisecond,
		},
	}, &http.Client{Timeout: cfg.CompletionTimeout()}, logger.Named("completion"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("completion client init failed: %w", err)
	}

	analysisCfg := analysis.Config{
		Model:           cfg.Completion.Model,
		MaxContentChars: cfg.Completion.MaxContentChars,
		BatchSize:       cfg.Analysis.BatchSize,
		InterCallDelay:  time.Duration(cfg.Analysis.InterCallDelayMs) * time.Millisecond,
	}
	// Batches finish inside their task lease.
	analysisCfg.MaxBatchDuration = cfg.LeaseTimeout() * 4 / 5
	pipeline := analysis.New(app.store, app.store, completer, limiter, app.clock, analysisCfg, logger.Named("analysis"))

	detector := crisis.New(app.store, app.store, app.clock, crisis.Config{
		Lookback:       time.Duration(cfg.Crisis.LookbackHours) * time.Hour,
		DedupWindow:    time.Duration(cfg.Crisis.DedupWindowHours) * time.Hour,
		TitlePrefixLen: cfg.Crisis.TitlePrefixLen,
	}, logger.Named("crisis"))

	alerter := alerts.New(
		app.store, app.store, app.store, app.store, app.store,
		push, mailer, logger.Named("alerts"),
	)

	orchestrator := ingest.New(clients, app.store, app.store, archive, app.queue, app.clock, ingest.Config{
		ArchivePrefix:   cfg.Archive.Prefix,
		AlertMaxRetries: cfg.Queue.DefaultMaxRetries,
	}, logger.Named("ingest"))

	handlers := worker.Handlers(worker.Services{
		Ingest:     orchestrator,
		Analysis:   pipeline,
		Crisis:     detector,
		Alerts:     alerter,
		Queue:      app.queue,
		MaxRetries: cfg.Queue.DefaultMaxRetries,
	}, logger.Named("handlers"))
	app.dispatch = setupDispatcher(app, handlers)

	app.scheduler = scheduler.New(app.queue, app.queue, orchestrator.Sources(), app.clock, scheduler.Config{
		IngestInterval:    cfg.Schedule.IngestInterval,
		AnalysisInterval:  cfg.Schedule.AnalysisInterval,
		CrisisInterval:    cfg.Schedule.CrisisInterval,
		RetentionInterval: cfg.Schedule.RetentionInterval,
		Retention:         cfg.Retention(),
		AnalysisBatchSize: cfg.Analysis.BatchSize,
		MaxRetries:        cfg.Queue.DefaultMaxRetries,
	}, logger.Named("scheduler"))

	app.apiServer = api.NewServer(api.Dependencies{
		Ingest:   orchestrator,
		Analysis: pipeline,
		Crisis:   detector,
		Alerts:   alerter,
		Tasks:    app.dispatch,
		Queue:    app.queue,
		Ready:    app.store,
	}, cfg, logger.Named("api"))

	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	ids := uuid.New()
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		a.store = memorystorage.NewStore(a.clock)
		a.queue = queuememory.NewQueue(ids, a.clock, a.cfg.LeaseTimeout())
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	if a.cfg.DB.Migrate {
		version, dirty, err := pgstore.RunMigrations(pool)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		a.logger.Info("database migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	a.store = pgstore.New(pool, a.clock)
	a.queue = pgstore.NewQueue(pool, ids, a.clock, a.cfg.LeaseTimeout())
	a.logger.Info("postgres stores initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (news.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(ctx, client, gcsstorage.Config{
			Bucket:       a.cfg.Archive.GCSBucket,
			VerifyBucket: true,
		}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw batches to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw batches locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobStore, nil
	case "memory":
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw batch archive disabled")
		return nil, nil
	}
}

func (a *App) setupPush(ctx context.Context) (news.PushNotifier, error) {
	if a.cfg.Push.Backend != "pubsub" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory push channel")
		return pushmemory.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Push.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPush = pushpubsub.New(client.Topic(a.cfg.Push.Topic))
	a.logger.Info("Pub/Sub push channel initialized",
		zap.String("project", a.cfg.Push.ProjectID),
		zap.String("topic", a.cfg.Push.Topic),
	)
	return a.pubsubPush, nil
}

func (a *App) setupEmail() (news.EmailSender, error) {
	if !a.cfg.Email.Enabled {
		a.logger.Info("email delivery disabled")
		return email.Noop{}, nil
	}
	sender, err := email.New(email.Config{
		Host:     a.cfg.Email.SMTPHost,
		Port:     a.cfg.Email.SMTPPort,
		Username: a.cfg.Email.Username,
		Password: a.cfg.Email.Password,
		From:     a.cfg.Email.From,
	}, a.store, a.logger.Named("email"))
	if err != nil {
		return nil, fmt.Errorf("email sender init failed: %w", err)
	}
	return sender, nil
}

func (a *App) setupSources(ctx context.Context, limiter *ratelimit.Limiter) ([]news.SourceClient, error) {
	tracker := quota.New(a.store, a.clock, a.logger.Named("quota"))
	deps := sources.Deps{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Quota:      tracker,
		Limiter:    limiter,
		Hasher:     sha256.New(),
		Logger:     a.logger.Named("sources"),
	}
	var clients []news.SourceClient
	for _, name := range a.cfg.EnabledSources() {
		src := a.cfg.Sources[name]
		if err := tracker.Register(ctx, name, src.DailyLimit); err != nil {
			return nil, fmt.Errorf("register quota for %s: %w", name, err)
		}
		limiter.SetRate(name, src.RPS)
		client, err := sources.New(sources.Config{
			Name:     name,
			Kind:     src.Kind,
			APIKey:   src.APIKey,
			BaseURL:  src.BaseURL,
			PageSize: src.PageSize,
			Query:    src.Query,
			Country:  src.Country,
			Language: src.Language,
			Feeds:    src.Feeds,
		}, deps)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		clients = append(clients, client)
		a.logger.Info("source enabled",
			zap.String("source", name),
			zap.String("kind", src.Kind),
			zap.Int("daily_limit", src.DailyLimit),
		)
	}
	return clients, nil
}

func setupDispatcher(app *App, handlers map[string]worker.Handler) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		PollInterval: time.Duration(app.cfg.Queue.PollIntervalMs) * time.Millisecond,
	}
	ids := uuid.New()
	var workers []*worker.Worker
	for i := 0; i < app.cfg.Queue.Workers; i++ {
		workers = append(workers, worker.New(
			ids.WorkerID("worker"),
			app.queue,
			handlers,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	taskTypes := make([]string, 0, len(handlers))
	for t := range handlers {
		taskTypes = append(taskTypes, t)
	}
	app.logger.Info("worker pool configured",
		zap.Int("workers", len(workers)),
		zap.Duration("poll_interval", workerCfg.PollInterval),
		zap.Duration("lease", app.cfg.LeaseTimeout()),
	)
	return dispatcher.New(app.queue, workers, taskTypes, app.logger.Named("dispatcher"))
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.dispatch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases infrastructure clients. It is safe to call on a partially
// built App.
func (a *App) Close() {
	if a.pubsubPush != nil {
		a.pubsubPush.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	a.logger.Info("shutdown complete")
}
