package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/attendance-tracker/internal/application"
	"github.com/example/attendance-tracker/internal/config"
	"github.com/example/attendance-tracker/internal/engine"
	httptransport "github.com/example/attendance-tracker/internal/http"
	"github.com/example/attendance-tracker/internal/ingest"
	"github.com/example/attendance-tracker/internal/matching"
	"github.com/example/attendance-tracker/internal/metrics"
	"github.com/example/attendance-tracker/internal/persistence/sqlite"
	"github.com/example/attendance-tracker/internal/persistence/sqlite/migration"
	"github.com/example/attendance-tracker/internal/remote"
	"github.com/example/attendance-tracker/internal/syncqueue"
)

// app holds the wired process components.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	storage   *sqlite.Storage
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	remote    *remote.Client
	queue     *syncqueue.Queue
	service   *application.AttendanceService
	scheduler *syncqueue.Scheduler
	engine    *engine.Engine
}

func newID() string {
	return uuid.NewString()
}

func storageConfig(cfg config.Config) migration.SQLiteConfig {
	return migration.DefaultSQLiteConfig(filepath.Clean(cfg.SQLite.Path))
}

// openStorage opens the database and applies pending migrations.
func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sqlite.Storage, error) {
	storage, err := sqlite.Open(storageConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	applied, err := storage.Migrate(ctx)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	if applied > 0 {
		logger.InfoContext(ctx, "applied migrations", "count", applied)
	}
	return storage, nil
}

func queueConfig(cfg config.Config) syncqueue.Config {
	return syncqueue.Config{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		InitialDelay:  cfg.Queue.InitialDelay.D(),
		BackoffFactor: cfg.Queue.BackoffFactor,
		MaxDelay:      cfg.Queue.MaxDelay.D(),
		TickInterval:  cfg.Queue.TickInterval.D(),
		DrainGrace:    cfg.Queue.DrainGrace.D(),
	}
}

// buildApp wires storage, remote client, queue, state machine and engine.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	storage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, storage: storage, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.remote, err = remote.NewClient(remote.Config{
		BaseURL:       cfg.Remote.BaseURL,
		Token:         cfg.Remote.Token,
		Timeout:       cfg.Remote.Timeout.D(),
		RatePerSecond: cfg.Remote.RatePerSecond,
	}, nil, logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	a.queue = syncqueue.New(newQueueStoreAdapter(storage), a.remote, syncqueue.Options{
		Config:      queueConfig(cfg),
		IDGenerator: newID,
		Logger:      logger,
		Observer:    a.metrics,
	})

	a.service = application.NewAttendanceService(application.AttendanceServiceDeps{
		Repository:  newAttendanceRepositoryAdapter(storage),
		Registrar:   a.remote,
		Publisher:   syncqueue.NewDispatcher(a.queue, logger),
		Observer:    a.metrics,
		Matcher:     matching.NewMatcher(cfg.Matching.Threshold),
		IDGenerator: newID,
		Now:         time.Now,
		Logger:      logger,
	})

	a.scheduler, err = syncqueue.NewScheduler(a.queue, cfg.Queue.TickInterval.D())
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	a.engine = engine.New(a.service, a.queue, engine.Options{
		Dedup: ingest.Options{
			Window:       cfg.Ingest.DedupWindow.D(),
			BatchDelay:   cfg.Ingest.BatchDelay.D(),
			MaxBatchSize: cfg.Ingest.MaxBatchSize,
			Logger:       logger,
			Observer:     a.metrics,
		},
		DrainGrace: cfg.Queue.DrainGrace.D(),
		Ender:      a.remote,
		Scheduler:  a.scheduler,
		Logger:     logger,
	})
	return a, nil
}

// handler builds the HTTP surface over the wired engine.
func (a *app) handler() http.Handler {
	middleware := []func(http.Handler) http.Handler{httptransport.RequestLogger(a.logger)}
	if a.cfg.HTTP.APIKeyHash != "" {
		middleware = append(middleware, httptransport.RequireAPIKey(a.cfg.HTTP.APIKeyHash, a.logger))
	}

	return httptransport.NewRouter(httptransport.RouterConfig{
		Sessions:   httptransport.NewSessionHandler(a.engine, a.service, a.logger),
		Attendance: httptransport.NewAttendanceHandler(a.engine, a.service, a.logger),
		Queue:      httptransport.NewQueueHandler(a.queue, a.logger),
		Metrics:    promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Health:     a.storage.Ping,
		Middleware: middleware,
	})
}

func (a *app) close() {
	if err := a.storage.Close(); err != nil {
		a.logger.Error("failed to close storage", "error", err)
	}
}
