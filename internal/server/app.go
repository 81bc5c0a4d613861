// Package server builds the application graph from configuration and runs
// the ops HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/api"
	"github.com/JakeFAU/codedox/internal/clock/system"
	"github.com/JakeFAU/codedox/internal/config"
	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/dedup"
	"github.com/JakeFAU/codedox/internal/extractor/gemini"
	"github.com/JakeFAU/codedox/internal/extractor/noop"
	collyfetcher "github.com/JakeFAU/codedox/internal/fetcher/colly"
	"github.com/JakeFAU/codedox/internal/fetcher/headless"
	"github.com/JakeFAU/codedox/internal/failures"
	"github.com/JakeFAU/codedox/internal/hash/sha256"
	"github.com/JakeFAU/codedox/internal/hash/xxhash"
	"github.com/JakeFAU/codedox/internal/headless/detector"
	"github.com/JakeFAU/codedox/internal/health"
	"github.com/JakeFAU/codedox/internal/id/uuid"
	"github.com/JakeFAU/codedox/internal/jobs"
	"github.com/JakeFAU/codedox/internal/logging"
	"github.com/JakeFAU/codedox/internal/naming"
	"github.com/JakeFAU/codedox/internal/orchestrator"
	"github.com/JakeFAU/codedox/internal/pipeline"
	"github.com/JakeFAU/codedox/internal/policy/ratelimit"
	"github.com/JakeFAU/codedox/internal/progress"
	progresssinks "github.com/JakeFAU/codedox/internal/progress/sinks"
	"github.com/JakeFAU/codedox/internal/results"
	gcsstorage "github.com/JakeFAU/codedox/internal/storage/gcs"
	localstorage "github.com/JakeFAU/codedox/internal/storage/local"
	memorystorage "github.com/JakeFAU/codedox/internal/storage/memory"
	pgstore "github.com/JakeFAU/codedox/internal/storage/postgres"
	"github.com/JakeFAU/codedox/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   crawler.Clock
	store   crawler.Store
	hub     *progress.Hub
	monitor *health.Monitor
	manager *orchestrator.Manager
	api     *api.Server

	storage      *storage.Client
	pubsubClient *pubsub.Client
	renderer     *headless.Renderer
	telemetry    *telemetry.Provider

	registerer prometheus.Registerer
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer sets the registry used by the Prometheus progress sink and
// the OpenTelemetry metrics bridge.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (app *App, err error) {
	app = &App{
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		clock:      system.New(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(app)
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = app.Close(closeCtx)
			app = nil
		}
	}()

	app.logger.Info("building application dependencies")

	if err = app.setupTelemetry(ctx); err != nil {
		return app, err
	}
	if err = app.setupStore(ctx); err != nil {
		return app, err
	}
	blobs, err := app.setupArchive(ctx)
	if err != nil {
		return app, err
	}
	if err = app.setupProgress(ctx); err != nil {
		return app, err
	}
	extractor, classifier, err := app.setupExtraction(ctx)
	if err != nil {
		return app, err
	}
	hasher, err := app.hasher()
	if err != nil {
		return app, err
	}
	fetcher, err := app.setupFetcher()
	if err != nil {
		return app, err
	}

	jobStore := jobs.NewStore(app.store, app.clock, uuid.New(), app.logger.Named("jobs"))
	tracker := progress.NewTracker(jobStore, app.hub, app.clock, cfg.Progress.HeartbeatInterval, app.logger.Named("progress"))
	ledger := failures.NewLedger(app.store, app.store, app.clock, app.logger.Named("failures"))
	resultStore := results.NewStore(results.Options{
		Documents: app.store,
		Jobs:      app.store,
		Hasher:    hasher,
		Namer:     naming.Default(classifier, app.logger.Named("naming")),
		Clock:     app.clock,
		BatchSize: cfg.Crawler.BatchSize,
		Logger:    app.logger.Named("results"),
	})

	crawl := pipeline.New(pipeline.Deps{
		Fetcher:   fetcher,
		Extractor: extractor,
		Dedup:     dedup.NewCache(app.store),
		Results:   resultStore,
		Failures:  ledger,
		Jobs:      jobStore,
		Progress:  tracker,
		Hasher:    hasher,
		Archive:   blobs,
		Logger:    app.logger.Named("pipeline"),
	}, pipeline.Config{
		Workers:          cfg.Crawler.Workers,
		StatusCheckEvery: cfg.Crawler.StatusCheckEvery,
		ProgressEvery:    cfg.Crawler.ProgressEvery,
		ArchivePrefix:    cfg.Storage.Prefix,
	})

	app.monitor = health.NewMonitor(app.store, app.clock, health.Config{
		Interval:         cfg.Health.Interval,
		StallThreshold:   cfg.Health.StallThreshold,
		WarningThreshold: cfg.Health.WarningThreshold,
	}, app.logger.Named("health"))

	app.manager = orchestrator.NewManager(orchestrator.Options{
		Jobs:           jobStore,
		Tracker:        tracker,
		Pipeline:       crawl,
		Ledger:         ledger,
		Health:         app.monitor,
		CancelTimeout:  cfg.Crawler.CancelTimeout,
		FreshHeartbeat: cfg.Health.StallThreshold,
		Clock:          app.clock,
		Logger:         app.logger.Named("orchestrator"),
	})
	app.api = api.NewServer(app.manager, app.store, app.logger.Named("api"))
	return app, nil
}

// Manager exposes the orchestrator for command-line use.
func (a *App) Manager() *orchestrator.Manager {
	return a.manager
}

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Serve starts the health monitor and the ops HTTP server and blocks until
// ctx is cancelled or the server fails.
func (a *App) Serve(ctx context.Context) error {
	a.monitor.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-errCh:
		serveErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return serveErr
}

// Close cancels every execution and releases resources in dependency order:
// orchestrator, monitor, notification hub, browser, clients, the store, then
// telemetry so spans from the shutdown are flushed.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
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
	if a.store != nil {
		a.store.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) setupTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	provider, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        tc.Enabled,
		ServiceName:    tc.ServiceName,
		ServiceVersion: tc.ServiceVersion,
		ProjectID:      tc.ProjectID,
		SampleRatio:    tc.SampleRatio,
	}, telemetry.WithRegisterer(a.registerer))
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.telemetry = provider
	if tc.Enabled {
		a.logger.Info("tracing enabled",
			zap.String("service", tc.ServiceName),
			zap.Bool("cloud_trace", tc.ProjectID != ""),
			zap.Float64("sample_ratio", tc.SampleRatio),
		)
	}
	return nil
}

func (a *App) setupFetcher() (*collyfetcher.Fetcher, error) {
	cc := a.cfg.Crawler
	fc := collyfetcher.Config{
		UserAgent:          cc.UserAgent,
		RespectRobots:      cc.RespectRobots,
		Timeout:            cc.RequestTimeout,
		Parallelism:        cc.Parallelism,
		Delay:              cc.Delay,
		ForbiddenThreshold: cc.ForbiddenThreshold,
	}
	hc := cc.Headless
	switch hc.Mode {
	case config.RenderAuto, config.RenderAlways:
		renderer, err := headless.New(headless.Config{
			MaxParallel:       hc.MaxParallel,
			UserAgent:         cc.UserAgent,
			NavigationTimeout: hc.NavigationTimeout,
			Settle:            hc.Settle,
			ExecPath:          hc.ExecPath,
		}, a.logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.renderer = renderer
		fc.Renderer = renderer
		fc.AlwaysRender = hc.Mode == config.RenderAlways
		fc.Detector = detector.NewHeuristic(hc.MinMarkdownChars)
		a.logger.Info("headless rendering enabled",
			zap.String("mode", hc.Mode),
			zap.Int("max_parallel", hc.MaxParallel),
		)
	default:
		a.logger.Debug("headless rendering disabled")
	}
	return collyfetcher.New(fc, a.logger.Named("fetcher")), nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory store")
		a.store = memorystorage.NewStore()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.store = pg
	if a.cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS page archive", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local page archive", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	case config.StorageMemory:
		a.logger.Info("using in-memory page archive")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("page archive disabled")
		return nil, nil
	}
}

func (a *App) setupProgress(ctx context.Context) error {
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.MetricsEnabled {
		sink, err := progresssinks.NewPrometheusSink(a.registerer)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}
	if rc := a.cfg.Notify.Redis; rc.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		sink, err := progresssinks.NewRedisSink(client, rc.ChannelPrefix)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("redis sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("redis notifications enabled", zap.String("addr", rc.Addr))
	}
	if pc := a.cfg.Notify.PubSub; pc.ProjectID != "" && pc.Topic != "" {
		client, err := pubsub.NewClient(ctx, pc.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		sink, err := progresssinks.NewPubSubSink(client.Publisher(pc.Topic))
		if err != nil {
			return fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("pubsub notifications enabled",
			zap.String("project", pc.ProjectID),
			zap.String("topic", pc.Topic),
		)
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   a.cfg.Progress.HubBatchWait(),
		SinkTimeout:    a.cfg.Progress.HubSinkTimeout(),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupExtraction(ctx context.Context) (crawler.CodeExtractor, crawler.NameClassifier, error) {
	ec := a.cfg.Extraction
	if ec.Provider != config.ProviderGemini {
		a.logger.Warn("code extraction disabled", zap.String("provider", ec.Provider))
		return noop.New(), nil, nil
	}
	client, err := gemini.NewClient(ctx, ec.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini client init failed: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: ec.RPS, DefaultBurst: ec.Burst})
	extractor := gemini.NewExtractor(client.Models, limiter, gemini.Config{
		Model:            ec.Model,
		MaxMarkdownChars: ec.MaxMarkdownChars,
		MaxAttempts:      ec.MaxAttempts,
		RetryDelay:       ec.RetryDelay,
	}, a.logger.Named("extractor"))

	var classifier crawler.NameClassifier
	if ec.ClassifierEnabled {
		classifier = gemini.NewClassifier(client.Models, limiter, ec.Model)
	}
	a.logger.Info("gemini extraction enabled",
		zap.String("model", ec.Model),
		zap.Float64("rps", ec.RPS),
		zap.Bool("classifier", ec.ClassifierEnabled),
	)
	return extractor, classifier, nil
}

func (a *App) hasher() (crawler.Hasher, error) {
	switch a.cfg.Dedup.Hash {
	case config.HashXXHash:
		return xxhash.New(), nil
	case config.HashSHA256, "":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported dedup hash %q", a.cfg.Dedup.Hash)
	}
}
