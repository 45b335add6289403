// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/adintel/internal/analysis"
	"github.com/JakeFAU/adintel/internal/analysis/gemini"
	"github.com/JakeFAU/adintel/internal/api"
	"github.com/JakeFAU/adintel/internal/classifier"
	"github.com/JakeFAU/adintel/internal/clock/system"
	"github.com/JakeFAU/adintel/internal/config"
	"github.com/JakeFAU/adintel/internal/dispatcher"
	"github.com/JakeFAU/adintel/internal/id/uuid"
	"github.com/JakeFAU/adintel/internal/jobs"
	"github.com/JakeFAU/adintel/internal/logging"
	"github.com/JakeFAU/adintel/internal/media"
	"github.com/JakeFAU/adintel/internal/metrics"
	"github.com/JakeFAU/adintel/internal/orchestrator"
	"github.com/JakeFAU/adintel/internal/policy/ratelimit"
	"github.com/JakeFAU/adintel/internal/provider/apify"
	memorypublisher "github.com/JakeFAU/adintel/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/adintel/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/adintel/internal/queue/memory"
	"github.com/JakeFAU/adintel/internal/quota"
	"github.com/JakeFAU/adintel/internal/reconcile"
	gcsstorage "github.com/JakeFAU/adintel/internal/storage/gcs"
	localstorage "github.com/JakeFAU/adintel/internal/storage/local"
	memorystorage "github.com/JakeFAU/adintel/internal/storage/memory"
	pgstore "github.com/JakeFAU/adintel/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/adintel/internal/storage/sqlite"
	"github.com/JakeFAU/adintel/internal/telemetry"
	"github.com/JakeFAU/adintel/internal/webhook"
	"github.com/JakeFAU/adintel/internal/worker"
)

// Version is stamped at build time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	queue           *queueMemory.Queue
	sweeper         *reconcile.Sweeper
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	closers         []func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("database_backend", cfg.Database.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("version", Version),
	)

	tp, err := telemetry.InitTracerProvider(ctx, "adintel", Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.closers = append(app.closers, tp.Shutdown)

	clock := system.New()

	store, err := app.setupStore(ctx, clock)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobs(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	provider, err := apify.New(apify.Config{
		BaseURL:     cfg.Provider.BaseURL,
		Token:       cfg.Provider.Token,
		ActorID:     cfg.Provider.ActorID,
		CallbackURL: cfg.Provider.CallbackURL,
		Timeout:     cfg.Provider.Timeout,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("provider init failed: %w", err)
	}
	selector, err := classifier.New(classifier.Config{TrustedVideoPattern: cfg.Analysis.TrustedVideoPattern})
	if err != nil {
		return nil, fmt.Errorf("classifier init failed: %w", err)
	}
	gen, err := gemini.New(ctx, cfg.Analysis.APIKey)
	if err != nil {
		return nil, fmt.Errorf("analysis client init failed: %w", err)
	}
	engine := analysis.New(gen, media.New(nil, media.Config{}), analysis.Config{
		TextModel:   cfg.Analysis.TextModel,
		VisionModel: cfg.Analysis.VisionModel,
		VideoModel:  cfg.Analysis.VideoModel,
		MediaCap:    cfg.Analysis.MediaCapBytes,
		Timeout:     cfg.Analysis.Timeout,
	}, logger.Named("analysis"))

	ledger := quota.NewLedger(store, quota.Limits{
		FreeRequestCap:    cfg.Quota.FreeRequestCap,
		ProMonthly:        cfg.Quota.ProMonthly,
		EnterpriseMonthly: cfg.Quota.EnterpriseMonthly,
		UpgradeURL:        cfg.Quota.UpgradeURL,
	}, clock)

	app.queue = queueMemory.NewQueue(cfg.Worker.QueueDepth)
	app.dispatch = dispatcher.New(app.queue)

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Ledger:    ledger,
		Enqueuer:  app.dispatch,
		Provider:  provider,
		Selector:  selector,
		Analyzer:  engine,
		Blobs:     blobs,
		Publisher: publisher,
		Clock:     clock,
		IDs:       uuid.New(),
	}, orchestrator.Config{
		NotificationTopic: cfg.PubSub.TopicName,
		PayloadPrefix:     cfg.Storage.Prefix,
	}, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	workers := cfg.Worker.Concurrency
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		app.dispatch.Register(worker.New(app.queue, orch, worker.Config{
			TaskTimeout: cfg.Worker.TaskTimeout,
		}, logger.Named("worker").With(zap.Int("worker_id", i))))
	}
	logger.Info("workers registered", zap.Int("count", workers))

	if cfg.Reconcile.Enabled {
		app.sweeper = reconcile.New(store, app.dispatch, orch, clock, reconcile.Config{
			Interval:       cfg.Reconcile.Interval,
			RunningTimeout: cfg.Reconcile.RunningTimeout,
			QueuedTimeout:  cfg.Reconcile.QueuedTimeout,
		}, logger.Named("reconcile"))
	}

	gateway, err := webhook.New(cfg.Webhook.Secret, orch, clock, logger.Named("webhook"))
	if err != nil {
		return nil, fmt.Errorf("webhook gateway init failed: %w", err)
	}

	deps := api.Deps{
		Admitter: orch,
		Jobs:     store,
		Quota:    ledger,
		Webhooks: gateway,
		Ready:    store,
	}
	if cfg.RateLimit.Enabled {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
		})
	}
	app.apiServer = api.NewServer(deps, api.Config{
		AuthEnabled:     cfg.Auth.Enabled,
		APIKey:          cfg.Auth.APIKey,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
	}, logger.Named("api"))

	return app, nil
}

type storeWithPing interface {
	jobs.Store
	jobs.Pinger
}

func (a *App) setupStore(ctx context.Context, clock jobs.Clock) (storeWithPing, error) {
	switch a.cfg.Database.Backend {
	case config.BackendPostgres:
		s, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			s.Close()
			return nil
		})
		a.logger.Info("using postgres store")
		return s, nil
	case config.BackendSQLite:
		s, err := sqlitestore.Open(ctx, a.cfg.Database.SQLitePath, clock)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Database.SQLitePath))
		return s, nil
	default:
		a.logger.Warn("using in-memory store; jobs and quotas are lost on restart")
		return memorystorage.NewStore(memorystorage.WithClock(clock)), nil
	}
}

func (a *App) setupBlobs(ctx context.Context) (jobs.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		s, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return s, nil
	case config.BackendLocal:
		s, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return s, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (jobs.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

// Run starts the application and blocks until the context is canceled or
// a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	if a.sweeper != nil {
		if err := a.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start reconcile sweeper: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before shutdown deadline")
	}
	return a.Close(shutdownCtx)
}

// Close releases infrastructure in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
