// Package server wires the archiver's components into a runnable App.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/api"
	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/clock/system"
	"github.com/JakeFAU/archive-pipeline/internal/config"
	"github.com/JakeFAU/archive-pipeline/internal/coordinator"
	"github.com/JakeFAU/archive-pipeline/internal/dispatcher"
	"github.com/JakeFAU/archive-pipeline/internal/fetcher/wget"
	"github.com/JakeFAU/archive-pipeline/internal/fingerprint"
	"github.com/JakeFAU/archive-pipeline/internal/hash/sha1"
	"github.com/JakeFAU/archive-pipeline/internal/health"
	"github.com/JakeFAU/archive-pipeline/internal/id/uuid"
	"github.com/JakeFAU/archive-pipeline/internal/identity"
	"github.com/JakeFAU/archive-pipeline/internal/logging"
	"github.com/JakeFAU/archive-pipeline/internal/metrics"
	"github.com/JakeFAU/archive-pipeline/internal/pipeline"
	"github.com/JakeFAU/archive-pipeline/internal/plan"
	gcppublisher "github.com/JakeFAU/archive-pipeline/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/archive-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/archive-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/archive-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/archive-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/archive-pipeline/internal/telemetry"
	"github.com/JakeFAU/archive-pipeline/internal/upload"
	"github.com/JakeFAU/archive-pipeline/internal/workspace"
)

const serviceName = "archiver"

// Options adjust a single run without touching the loaded configuration.
type Options struct {
	// MaxBatches stops claiming after this many batches. Zero is unlimited.
	MaxBatches int
	// Executable overrides the binary hashed into the stats identity.
	Executable string
}

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	runner    *pipeline.Runner

	gcs       *gcsstorage.BlobStore
	audit     *pgstore.AuditStore
	publisher *gcppublisher.Publisher
	tracer    *sdktrace.TracerProvider

	running atomic.Bool
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("downloader", cfg.Coordinator.Downloader),
		zap.String("project", cfg.Coordinator.Project),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.build(ctx, opts); err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.cfg
	var err error
	a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     cfg.Pipeline.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}

	hasher := sha1.New()
	clock := system.New()

	statsID, err := identity.Compute(hasher, identity.Sources{
		Executable:    opts.Executable,
		FetcherScript: cfg.Fetcher.LuaScript,
	})
	if err != nil {
		return fmt.Errorf("pipeline identity: %w", err)
	}
	a.logger.Debug("pipeline identity", zap.Any("id", statsID))

	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	audit, err := a.setupDatabase(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	namer, err := fingerprint.New(cfg.Pipeline.WarcPrefix, hasher, clock)
	if err != nil {
		return fmt.Errorf("fingerprint namer init failed: %w", err)
	}
	ws, err := workspace.New(cfg.Pipeline.DataDir, namer, a.logger.Named("workspace"))
	if err != nil {
		return fmt.Errorf("workspace init failed: %w", err)
	}
	fetch, err := wget.New(FetcherConfig(cfg), a.logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("fetcher init failed: %w", err)
	}
	coord, err := coordinator.New(coordinator.Config{
		BaseURL:         cfg.Coordinator.URL,
		Project:         cfg.Coordinator.Project,
		Downloader:      cfg.Coordinator.Downloader,
		Version:         cfg.Pipeline.Version,
		Timeout:         cfg.CoordinatorTimeout(),
		MaxRetryElapsed: cfg.CoordinatorRetryBudget(),
	}, a.logger.Named("coordinator"))
	if err != nil {
		return fmt.Errorf("coordinator client init failed: %w", err)
	}

	gate, err := upload.NewGate(cfg.Pipeline.UploadConcurrency)
	if err != nil {
		return fmt.Errorf("upload gate init failed: %w", err)
	}
	metrics.SetUploadGate(gate.Ceiling(), gate.InFlight())
	uploader, err := upload.NewUploader(blobStore, gate, upload.Config{Prefix: cfg.Storage.Prefix}, a.logger.Named("upload"))
	if err != nil {
		return fmt.Errorf("uploader init failed: %w", err)
	}
	checker := health.NewChecker(nil, cfg.Health.Hosts, cfg.Health.Interval, a.logger.Named("health"))

	env, err := pipeline.NewEnv(checker, gate, pipeline.Config{
		KeepOnAbort: cfg.Pipeline.KeepOnAbort,
		StatsID:     statsID,
		EventTopic:  cfg.PubSub.TopicName,
	})
	if err != nil {
		return fmt.Errorf("pipeline env init failed: %w", err)
	}
	a.runner, err = pipeline.NewRunner(env, pipeline.Deps{
		Workspace:   ws,
		Planner:     plan.NewBuilder(plan.Config{UserAgent: cfg.Fetcher.UserAgent, ClientVersion: cfg.Fetcher.ClientVersion}, clock),
		Fetcher:     fetch,
		Coordinator: coord,
		Uploader:    uploader,
		Audit:       audit,
		Publisher:   publisher,
		Clock:       clock,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	a.dispatch, err = dispatcher.New(coord, a.runner, checker, uuid.New(), clock, dispatcher.Config{
		Loops:           cfg.Pipeline.ConcurrentItems,
		MultiItemSize:   cfg.Coordinator.MultiItemSize,
		IdleDelay:       cfg.IdleDelay(),
		MaxBatches:      opts.MaxBatches,
		ClaimsPerSecond: cfg.Coordinator.ClaimsPerSecond,
		Downloader:      cfg.Coordinator.Downloader,
		Version:         cfg.Pipeline.Version,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	a.logger.Info("dispatcher config",
		zap.Int("loops", cfg.Pipeline.ConcurrentItems),
		zap.Int("multi_item_size", cfg.Coordinator.MultiItemSize),
		zap.Int("upload_concurrency", cfg.Pipeline.UploadConcurrency),
		zap.Int("max_batches", opts.MaxBatches),
	)

	a.apiServer = api.NewServer(a.runner, gate, cfg.Auth, a.ready, a.logger.Named("api"))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (archive.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		return store, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Warn("using in-memory storage backend; uploads are not persisted")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) (archive.AuditStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, keeping transitions in memory")
		return memorystorage.NewAuditStore(), nil
	}
	store, err := pgstore.NewAuditStore(ctx, pgstore.AuditStoreConfig{
		DSN:   a.cfg.DB.DSN,
		Table: a.cfg.DB.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("audit store init failed: %w", err)
	}
	a.audit = store
	a.logger.Info("audit store initialized", zap.String("table", a.cfg.DB.Table))
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, completion events disabled")
		return nil, nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

// FetcherConfig maps the loaded configuration onto the fetcher's settings.
func FetcherConfig(cfg *config.Config) wget.Config {
	return wget.Config{
		Binary:        cfg.Fetcher.Binary,
		LuaScript:     cfg.Fetcher.LuaScript,
		Cookies:       cfg.Fetcher.Cookies,
		UserAgent:     cfg.Fetcher.UserAgent,
		ClientVersion: cfg.Fetcher.ClientVersion,
		BindAddress:   cfg.Fetcher.BindAddress,
		Version:       cfg.Pipeline.Version,
		Project:       cfg.Coordinator.Project,
		Timeout:       cfg.FetchTimeout(),
	}
}

// Handler exposes the admin API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) ready(context.Context) error {
	if !a.running.Load() {
		return errors.New("dispatcher not running")
	}
	return nil
}

// Run serves the admin API and claims batches until the dispatcher stops:
// on SIGINT/SIGTERM, after MaxBatches, or when DNS interference is detected.
// In-flight batches finish before Run returns. The interference error is
// returned so the process can exit non-zero.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	a.running.Store(true)
	a.logger.Info("dispatcher started")
	runErr := a.dispatch.Run(ctx)
	a.running.Store(false)
	a.logger.Info("shutdown initiated", zap.Error(runErr))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		a.logger.Warn("close failed", zap.Error(err))
	}
	return runErr
}

// Close releases infrastructure clients and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.audit != nil {
		a.audit.Close()
		a.audit = nil
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
	_ = a.logger.Sync()
}
