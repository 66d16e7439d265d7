// Package server assembles a crawl run from configuration: fetcher, engine,
// progress sinks, status server, exporters and the completion publisher.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/api"
	"github.com/JakeFAU/hnsnap/internal/clock/system"
	"github.com/JakeFAU/hnsnap/internal/config"
	"github.com/JakeFAU/hnsnap/internal/crawler"
	"github.com/JakeFAU/hnsnap/internal/engine"
	"github.com/JakeFAU/hnsnap/internal/export"
	collyfetcher "github.com/JakeFAU/hnsnap/internal/fetcher/colly"
	"github.com/JakeFAU/hnsnap/internal/graph"
	"github.com/JakeFAU/hnsnap/internal/hash/sha256"
	"github.com/JakeFAU/hnsnap/internal/hn"
	"github.com/JakeFAU/hnsnap/internal/id/uuid"
	"github.com/JakeFAU/hnsnap/internal/metrics"
	"github.com/JakeFAU/hnsnap/internal/policy/ratelimit"
	"github.com/JakeFAU/hnsnap/internal/progress"
	progresssinks "github.com/JakeFAU/hnsnap/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/hnsnap/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/hnsnap/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/hnsnap/internal/storage/gcs"
	localstorage "github.com/JakeFAU/hnsnap/internal/storage/local"
	memorystorage "github.com/JakeFAU/hnsnap/internal/storage/memory"
	pgstore "github.com/JakeFAU/hnsnap/internal/storage/postgres"
	redisstore "github.com/JakeFAU/hnsnap/internal/store/redis"
	kafkastream "github.com/JakeFAU/hnsnap/internal/stream/kafka"
	"github.com/JakeFAU/hnsnap/internal/telemetry"
)

const (
	shutdownTimeout = 10 * time.Second
	tracerName      = "github.com/JakeFAU/hnsnap/internal/server"
)

// App holds the dependencies of one crawl run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	tracer   trace.Tracer

	client    *hn.Client
	engine    *engine.Engine
	hub       *progress.Hub
	exports   *export.Fanout
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	statusSrv *http.Server

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Summary is what a finished Run reports back to the CLI.
type Summary struct {
	Result         crawler.Result
	Exports        []export.Outcome
	NotificationID string
	NotifyErr      error
}

// Build wires every dependency named by cfg. Partially built resources are
// released when Build fails.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lists, err := cfg.Crawler.FrontierLists()
	if err != nil {
		return nil, err
	}
	app = &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	if err = setupTracing(ctx, app); err != nil {
		return app, err
	}
	collectors := metrics.New(app.registry)
	app.client = NewClient(cfg.API, collectors, logger.Named("fetcher"))

	emitter, err := setupProgress(ctx, app)
	if err != nil {
		return app, err
	}

	app.engine, err = engine.New(engine.Config{
		Lists:          lists,
		Workers:        cfg.Crawler.Workers,
		QueueCapacity:  cfg.Crawler.QueueCapacity,
		Timeout:        cfg.Crawler.Timeout,
		DrainGrace:     cfg.Crawler.DrainGrace,
		RequestTimeout: cfg.API.RequestTimeout,
		Tracer:         app.tracer,
	}, app.client, system.New(), uuid.New(), emitter, logger.Named("engine"))
	if err != nil {
		return app, fmt.Errorf("engine init failed: %w", err)
	}
	collectors.RegisterQueue(app.engine.QueueStats)

	if err = setupExporters(ctx, app); err != nil {
		return app, err
	}
	if app.publisher, err = setupPublisher(ctx, app); err != nil {
		return app, err
	}

	if cfg.Metrics.Addr != "" {
		status := api.NewServer(app.engine, api.Options{
			Metrics:    metrics.Handler(app.registry),
			Middleware: []func(http.Handler) http.Handler{collectors.Middleware},
		}, logger.Named("api"))
		app.statusSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           status.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return app, nil
}

// Engine exposes the run engine.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Run executes the crawl, exports the snapshot and publishes the completion
// notification. Cancelling ctx interrupts the crawl; exports and the
// notification still run, bounded by export.timeout.
func (a *App) Run(ctx context.Context) (Summary, error) {
	ctx, span := a.tracer.Start(ctx, "hnsnap.run")
	defer span.End()

	if a.statusSrv != nil {
		ln, err := net.Listen("tcp", a.statusSrv.Addr)
		if err != nil {
			return Summary{}, fmt.Errorf("listen %s: %w", a.statusSrv.Addr, err)
		}
		a.logger.Info("status server started", zap.String("addr", ln.Addr().String()))
		go func() {
			if err := a.statusSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status server error", zap.Error(err))
			}
		}()
	}

	report, err := a.engine.Run(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("run crawl: %w", err)
	}
	sum := Summary{Result: report.Result}
	span.SetAttributes(
		attribute.String("hnsnap.run_id", report.Result.RunID),
		attribute.String("hnsnap.reason", string(report.Result.Reason)),
	)

	exportCtx := context.WithoutCancel(ctx)
	snap := export.Snapshot{Result: report.Result, Records: report.Records}
	sum.Exports = a.exports.Run(exportCtx, snap)

	n := export.NewNotification(report.Result, export.Location(sum.Exports, export.BlobName))
	notifyCtx, cancel := exportCtx, context.CancelFunc(func() {})
	if a.cfg.Export.Timeout > 0 {
		notifyCtx, cancel = context.WithTimeout(exportCtx, a.cfg.Export.Timeout)
	}
	defer cancel()
	sum.NotificationID, sum.NotifyErr = export.Notify(notifyCtx, a.publisher, a.cfg.PubSub.TopicName, n)
	if sum.NotifyErr != nil {
		a.logger.Warn("completion notification failed", zap.Error(sum.NotifyErr))
	}
	return sum, nil
}

// Close stops the status server, flushes progress sinks and releases every
// client in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if a.statusSrv != nil {
		if err := a.statusSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("status server shutdown: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// NewClient builds an API client from cfg. observer may be nil.
func NewClient(cfg config.APIConfig, observer ratelimit.Observer, logger *zap.Logger) *hn.Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter collyfetcher.Waiter
	if cfg.RatePerSecond > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
			Observer:      observer,
		})
		logger.Info("rate limiting enabled",
			zap.Float64("rate_per_second", cfg.RatePerSecond),
			zap.Int("burst", cfg.Burst),
		)
	}
	logger.Debug("colly fetcher",
		zap.String("base_url", cfg.BaseURL),
		zap.String("version", cfg.Version),
		zap.Duration("timeout", cfg.RequestTimeout),
	)
	return hn.NewClient(collyfetcher.New(collyfetcher.Config{
		BaseURL:   cfg.BaseURL,
		Version:   cfg.Version,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
	}, limiter))
}

func setupTracing(ctx context.Context, app *App) error {
	tc := app.cfg.Telemetry
	if !tc.Enabled {
		app.tracer = telemetry.Tracer(tracerName)
		app.logger.Info("tracing disabled")
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{
		ServiceName: tc.ServiceName,
		Version:     tc.Version,
		ProjectID:   tc.ProjectID,
		SampleRatio: tc.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.onClose("tracer", tp.Shutdown)
	app.tracer = tp.Tracer(tracerName)
	app.logger.Info("tracing enabled",
		zap.String("service", tc.ServiceName),
		zap.Float64("sample_ratio", tc.SampleRatio),
		zap.Bool("cloud_trace", tc.ProjectID != ""),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if app.cfg.Redis.Addr != "" {
		store, err := redisstore.NewStatusStore(ctx, redisstore.Options{
			Addr:     app.cfg.Redis.Addr,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
			Prefix:   app.cfg.Redis.KeyPrefix,
			TTL:      app.cfg.Redis.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("redis status store init failed: %w", err)
		}
		app.onClose("redis", func(context.Context) error { return store.Close() })
		sinkList = append(sinkList, progresssinks.NewStatusSink(store, app.logger.Named("progress_status")))
		app.logger.Info("run status store enabled", zap.String("addr", app.cfg.Redis.Addr))
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.BatchEvents,
		MaxBatchWait:   app.cfg.Progress.BatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.hub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return app.hub, nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.onClose("gcs", func(context.Context) error { return client.Close() })
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS snapshot storage", zap.String("bucket", app.cfg.Storage.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local snapshot storage", zap.String("path", app.cfg.Storage.BaseDir))
		return store, nil
	default:
		app.logger.Info("using in-memory snapshot storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupExporters(ctx context.Context, app *App) error {
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return err
	}
	app.blobs = blobs
	exporters := []export.Exporter{export.NewBlob(blobs, sha256.New(), app.cfg.Export.Prefix)}

	if dsn := app.cfg.Database.DSN; dsn != "" {
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             dsn,
			Table:           app.cfg.Database.Table,
			MaxConns:        app.cfg.Database.MaxConns,
			MinConns:        app.cfg.Database.MinConns,
			MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("record store init failed: %w", err)
		}
		app.onClose("postgres", func(context.Context) error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		exporters = append(exporters, store)
		app.logger.Info("postgres export enabled", zap.String("table", app.cfg.Database.Table))
	} else {
		app.logger.Debug("no database DSN configured, skipping postgres export")
	}

	if uri := app.cfg.Neo4j.URI; uri != "" {
		driver, err := graph.Connect(ctx, uri, app.cfg.Neo4j.Username, app.cfg.Neo4j.Password)
		if err != nil {
			return err
		}
		app.onClose("neo4j", driver.Close)
		exporters = append(exporters, graph.NewWriter(driver, app.cfg.Neo4j.Database, app.logger.Named("graph")))
		app.logger.Info("neo4j export enabled", zap.String("uri", uri))
	}

	if brokers := app.cfg.Kafka.Brokers; len(brokers) > 0 {
		producer, err := kafkastream.NewProducer(brokers, app.cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("kafka producer init failed: %w", err)
		}
		app.onClose("kafka", func(context.Context) error { return producer.Close() })
		exporters = append(exporters, producer)
		app.logger.Info("kafka export enabled", zap.Strings("brokers", brokers), zap.String("topic", app.cfg.Kafka.Topic))
	}

	app.exports = export.NewFanout(app.cfg.Export.Timeout, app.logger.Named("export"), exporters...)
	return nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.onClose("pubsub", func(context.Context) error { return client.Close() })
	pub, err := gcppublisher.New(client, map[string]string{"source": "hnsnap"})
	if err != nil {
		return nil, err
	}
	app.onClose("pubsub_topics", func(context.Context) error { pub.Stop(); return nil })
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return pub, nil
}
