// Package app builds the long-lived services of the iterator from config
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/api"
	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/checkpoint"
	"github.com/JakeFAU/archive-bundle-iterator/internal/clock/system"
	"github.com/JakeFAU/archive-bundle-iterator/internal/config"
	"github.com/JakeFAU/archive-bundle-iterator/internal/format"
	"github.com/JakeFAU/archive-bundle-iterator/internal/hash/sha256"
	"github.com/JakeFAU/archive-bundle-iterator/internal/id/uuid"
	"github.com/JakeFAU/archive-bundle-iterator/internal/logging"
	"github.com/JakeFAU/archive-bundle-iterator/internal/metrics"
	"github.com/JakeFAU/archive-bundle-iterator/internal/policy/ratelimit"
	"github.com/JakeFAU/archive-bundle-iterator/internal/progress"
	progresssinks "github.com/JakeFAU/archive-bundle-iterator/internal/progress/sinks"
	"github.com/JakeFAU/archive-bundle-iterator/internal/publisher"
	memorypublisher "github.com/JakeFAU/archive-bundle-iterator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/archive-bundle-iterator/internal/publisher/pubsub"
	"github.com/JakeFAU/archive-bundle-iterator/internal/resolve"
	"github.com/JakeFAU/archive-bundle-iterator/internal/runner"
	blobstorage "github.com/JakeFAU/archive-bundle-iterator/internal/storage"
	gcsstorage "github.com/JakeFAU/archive-bundle-iterator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/archive-bundle-iterator/internal/storage/local"
	memorystorage "github.com/JakeFAU/archive-bundle-iterator/internal/storage/memory"
	pgstore "github.com/JakeFAU/archive-bundle-iterator/internal/storage/postgres"
	"github.com/JakeFAU/archive-bundle-iterator/internal/store"
	"github.com/JakeFAU/archive-bundle-iterator/internal/telemetry"
)

const serviceName = "bundleiter"

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	iterator    *bundle.Iterator
	checkpoints checkpoint.Store
	relay       *runner.Relay
	runner      *runner.Runner
	apiServer   *api.Server

	progressHub     *progress.Hub
	progressRing    *progresssinks.RingSink
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	pgPool          *pgxpool.Pool
	recordIndex     store.RecordIndex
	runRepo         store.RunRepository
	tracerShutdown  func(context.Context) error
	registerer      prometheus.Registerer
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, logger: logger, registerer: reg, relay: &runner.Relay{}}
	app.logger.Info("building application dependencies",
		zap.String("archive_dir", cfg.Archive.Dir),
		zap.String("format", cfg.Archive.Format),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	// Close releases whatever was opened before a failing step.
	fail := func(err error) (*App, error) {
		_ = app.Close(context.Background())
		return nil, err
	}

	if err := setupCheckpoint(app); err != nil {
		return fail(err)
	}
	if err := setupIterator(ctx, app); err != nil {
		return fail(err)
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return fail(err)
	}
	if err := setupDatabase(ctx, app); err != nil {
		return fail(err)
	}
	pub, err := setupPublisher(ctx, app)
	if err != nil {
		return fail(err)
	}
	emitter := setupProgress(ctx, app)

	app.runner, err = runner.New(runner.Deps{
		Iterator:  app.iterator,
		Blobs:     blobs,
		Index:     app.recordIndex,
		Publisher: pub,
		Progress:  emitter,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
		Relay:     app.relay,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Run.SinkRPS,
			DefaultBurst: cfg.Run.SinkBurst,
		}),
	}, runner.Config{
		BatchSize:         cfg.Run.BatchSize,
		MaxBatches:        cfg.Run.MaxBatches,
		Raw:               cfg.Run.Raw,
		BlobPrefix:        cfg.Run.BlobPrefix,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		UploadWorkers:     cfg.Run.UploadWorkers,
	}, app.logger)
	if err != nil {
		return fail(fmt.Errorf("runner init failed: %w", err))
	}

	opts := api.Options{
		Iterator: app.iterator,
		Runs:     app.runRepo,
		Ready:    app.ready,
		Logger:   app.logger,
	}
	if app.progressRing != nil {
		opts.Events = app.progressRing
	}
	app.apiServer = api.NewServer(opts)
	return app, nil
}

// Iterator returns the bundle iterator.
func (a *App) Iterator() *bundle.Iterator { return a.iterator }

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Iterate drives the iterator through the runner until the bundle is
// exhausted, run.max_batches is reached or ctx is canceled.
func (a *App) Iterate(ctx context.Context) (runner.Result, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	res, err := a.runner.Run(ctx)
	if err != nil {
		return res, fmt.Errorf("iterate: %w", err)
	}
	return res, nil
}

// Serve starts the admin server and blocks until the context is canceled
// or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
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
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.iterator != nil {
		if err := a.iterator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close iterator: %w", err))
		}
	}
	if c, ok := a.checkpoints.(*checkpoint.BuntStore); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint db: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
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
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	// Sync fails on terminals; nothing useful to do about it.
	_ = a.logger.Sync()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) ready(ctx context.Context) error {
	if a.pgPool != nil {
		if err := a.pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
	}
	return nil
}

func setupCheckpoint(app *App) error {
	cp := app.cfg.Checkpoint
	switch cp.Backend {
	case "bunt":
		s, err := checkpoint.OpenBuntStore(cp.ResultDir, cp.Timestamp, cp.Compress)
		if err != nil {
			return fmt.Errorf("checkpoint store init failed: %w", err)
		}
		app.checkpoints = s
	default:
		s, err := checkpoint.NewFileStore(cp.ResultDir, checkpoint.WithCompression(cp.Compress))
		if err != nil {
			return fmt.Errorf("checkpoint store init failed: %w", err)
		}
		app.checkpoints = s
		app.logger.Debug("file checkpoint store", zap.String("path", s.Path()))
	}
	return nil
}

func setupIterator(ctx context.Context, app *App) error {
	ac := app.cfg.Archive
	resolver, err := resolve.New(ac.ResolverCache, resolve.WithLogger(app.logger.Named("resolve")))
	if err != nil {
		return fmt.Errorf("resolver init failed: %w", err)
	}
	name := ac.Format
	if name == "" && ac.Sidecar != "" {
		sc, _, err := bundle.LoadSidecar(ac.Sidecar)
		if err != nil {
			return err
		}
		name = sc.ArcType
	}
	dec, err := format.ForBundle(name, ac.Dir, format.Options{
		Logger:   app.logger,
		Resolver: resolver,
		ODPBase:  ac.ODPBase,
	})
	if err != nil {
		return err
	}
	app.iterator, err = bundle.New(ctx, dec, bundle.Options{
		Dir:           ac.Dir,
		SidecarPath:   ac.Sidecar,
		Store:         app.checkpoints,
		BlockSize:     ac.BlockSize,
		MaxRecordSize: ac.MaxRecordSize,
		NormalizeUTF8: ac.NormalizeUTF8,
		DeferCommit:   true,
		Logger:        app.logger,
		Clock:         system.New(),
		Hasher:        sha256.New(),
		Heartbeat:     app.relay,
	})
	if err != nil {
		return err
	}
	st := app.iterator.Snapshot()
	app.logger.Info("bundle iterator ready",
		zap.String("format", st.Format),
		zap.Int("partitions", st.Partitions),
		zap.Int("partition", st.Partition),
		zap.String("phase", st.Phase),
	)
	return nil
}

func setupStorage(ctx context.Context, app *App) (blobstorage.BlobStore, error) {
	var blobStore blobstorage.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket:   app.cfg.Storage.Bucket,
			Metadata: app.cfg.Storage.Labels,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	case "noop":
		app.logger.Info("pages will not be stored")
		blobStore = blobstorage.NoOpStore{}
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memorystorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping run history in memory and skipping the record index")
		app.runRepo = memorystorage.NewRunStore()
		return nil
	}
	var err error
	app.pgPool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.ConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("postgres pool init failed: %w", err)
	}
	app.recordIndex, err = pgstore.NewRecordStore(app.pgPool, app.cfg.Database.RecordTable)
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	app.logger.Info("record store initialized", zap.String("table", app.cfg.Database.RecordTable))
	app.runRepo, err = pgstore.NewRunStore(app.pgPool)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) (publisher.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupProgress(ctx context.Context, app *App) progress.Emitter {
	pc := app.cfg.Progress
	if !pc.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.NopEmitter{}
	}
	app.progressRing = progresssinks.NewRingSink(pc.RingSize)
	sinkList := []progress.Sink{app.progressRing}
	if app.runRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runRepo, app.logger.Named("progress_store")))
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		app.logger.Warn("progress prometheus sink disabled", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if pc.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.Batch.MaxEvents,
		MaxBatchWait:   app.cfg.ProgressBatchWait(),
		SinkTimeout:    app.cfg.ProgressSinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", pc.BufferSize),
		zap.Int("max_batch_events", pc.Batch.MaxEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub
}
