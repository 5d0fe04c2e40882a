// Package server builds the crawler engine from configuration and runs it
// next to the admin HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/docindex-crawler/internal/api"
	"github.com/JakeFAU/docindex-crawler/internal/clock/system"
	"github.com/JakeFAU/docindex-crawler/internal/config"
	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/engine"
	collyfetcher "github.com/JakeFAU/docindex-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/docindex-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/docindex-crawler/internal/hash/sha256"
	"github.com/JakeFAU/docindex-crawler/internal/headless/detector"
	"github.com/JakeFAU/docindex-crawler/internal/id/uuid"
	"github.com/JakeFAU/docindex-crawler/internal/logging"
	memorypublisher "github.com/JakeFAU/docindex-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/docindex-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/docindex-crawler/internal/queue"
	"github.com/JakeFAU/docindex-crawler/internal/repository/github"
	"github.com/JakeFAU/docindex-crawler/internal/scraper"
	gcsstorage "github.com/JakeFAU/docindex-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/docindex-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/docindex-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/docindex-crawler/internal/storage/postgres"
	"github.com/JakeFAU/docindex-crawler/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	engine    *engine.Engine
	apiServer *api.Server

	pgJobs       *pgstore.JobStore
	storage      *storage.Client
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	renderer     *headlessfetcher.Renderer
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.closeInfrastructure(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	clock := system.New()

	if a.cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: a.cfg.Tracing.ServiceName,
			SampleRatio: a.cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracer = tp
	}

	jobStore, err := a.setupJobStore(ctx)
	if err != nil {
		return err
	}
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: a.cfg.HTTP.Timeout}
	ghClient, err := github.NewClient(github.Config{
		Token:    a.cfg.GitHub.Token,
		BaseURL:  a.cfg.GitHub.BaseURL,
		MaxFiles: a.cfg.GitHub.MaxFiles,
	}, httpClient)
	if err != nil {
		return fmt.Errorf("github client init failed: %w", err)
	}
	repos := github.New(ghClient, clock, a.cfg.GitHub.MaxFiles, a.logger)

	docs := a.setupScraper()

	q := queue.New(jobStore, uuid.New(), clock, queue.Options{
		Concurrency:     a.cfg.Queue.Concurrency,
		MaxAttempts:     a.cfg.Queue.MaxAttempts,
		BackoffBase:     a.cfg.Queue.BackoffBase,
		BackoffMax:      a.cfg.Queue.BackoffMax,
		DefaultPriority: a.cfg.Queue.DefaultPriority,
	}, a.logger.Named("queue"))

	sink := engine.NewSink(
		blobStore,
		publisher,
		sha256.New(),
		engine.NewDeriver(0, a.logger),
		clock,
		engine.SinkConfig{
			Prefix:      a.cfg.Storage.Prefix,
			Topic:       a.cfg.PubSub.TopicName,
			ContentType: a.cfg.Storage.ContentType,
		},
		a.logger,
	)

	a.engine, err = engine.New(q, repos, docs, sink, clock, engine.Config{
		StatsInterval:   a.cfg.Maintenance.StatsInterval,
		CleanupInterval: a.cfg.Maintenance.CleanupInterval,
		Retention:       a.cfg.Maintenance.Retention,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	a.apiServer = api.NewServer(a.engine, a.cfg, a.logger)
	return nil
}

func (a *App) setupJobStore(ctx context.Context) (crawler.JobStore, error) {
	if a.cfg.Queue.Backend != "postgres" {
		a.logger.Info("using in-memory job store; jobs do not survive restarts")
		return memorystorage.NewJobStore(), nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
		DSN:             a.cfg.DB.DSN,
		Schema:          a.cfg.Queue.Schema,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %w", err)
	}
	a.pgJobs = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("job store schema: %w", err)
	}
	a.logger.Info("using postgres job store", zap.String("schema", a.cfg.Queue.Schema))
	return store, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.gcpPublisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.gcpPublisher, nil
}

func (a *App) setupScraper() *scraper.Scraper {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.Scraper.UserAgent,
		Timeout:     a.cfg.HTTP.Timeout,
		MaxBodySize: a.cfg.HTTP.MaxBodySize,
	})
	var opts []scraper.Option
	if a.cfg.Headless.Enabled {
		a.renderer = headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Scraper.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
			ExecPath:          a.cfg.Headless.ExecPath,
		})
		opts = append(opts, scraper.WithHeadless(a.renderer, detector.NewHeuristic(a.cfg.Headless.PromotionThresh)))
		a.logger.Info("headless rendering enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}
	return scraper.New(fetcher, scraper.Config{
		MaxPages:       a.cfg.Scraper.MaxPages,
		MaxDepth:       a.cfg.Scraper.MaxDepth,
		Delay:          a.cfg.Scraper.Delay,
		MaxLinks:       a.cfg.Scraper.MaxLinks,
		Markdown:       a.cfg.Scraper.Markdown,
		ValidateTarget: a.cfg.Scraper.ValidateTarget,
	}, a.logger, opts...)
}

// Engine exposes the crawler engine for embedding callers.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Run starts the engine, the maintenance loop and the HTTP server, then
// blocks until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.engine.RunMaintenance(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close drains the engine and releases external clients.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.engine != nil {
		if shutdownErr := a.engine.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("engine shutdown: %w", shutdownErr)
		}
	}
	a.closeInfrastructure(ctx)
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Stop()
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
	if a.pgJobs != nil {
		a.pgJobs.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
