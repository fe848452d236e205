// Package main is the entrypoint for the DubHub API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/dubhub/internal/api"
	"github.com/kiranshivaraju/dubhub/internal/api/handler"
	mw "github.com/kiranshivaraju/dubhub/internal/api/middleware"
	"github.com/kiranshivaraju/dubhub/internal/api/response"
	"github.com/kiranshivaraju/dubhub/internal/cache"
	"github.com/kiranshivaraju/dubhub/internal/channels"
	"github.com/kiranshivaraju/dubhub/internal/config"
	"github.com/kiranshivaraju/dubhub/internal/dubbing"
	"github.com/kiranshivaraju/dubhub/internal/notify"
	"github.com/kiranshivaraju/dubhub/internal/pipeline"
	"github.com/kiranshivaraju/dubhub/internal/pipeline/elevenlabs"
	"github.com/kiranshivaraju/dubhub/internal/pipeline/sim"
	"github.com/kiranshivaraju/dubhub/internal/pipeline/synclabs"
	"github.com/kiranshivaraju/dubhub/internal/pipeline/upload"
	"github.com/kiranshivaraju/dubhub/internal/pipeline/ytdlp"
	"github.com/kiranshivaraju/dubhub/internal/queue"
	"github.com/kiranshivaraju/dubhub/internal/storage"
	"github.com/kiranshivaraju/dubhub/internal/storage/local"
	"github.com/kiranshivaraju/dubhub/internal/storage/s3"
	"github.com/kiranshivaraju/dubhub/internal/store"
)

const (
	shutdownTimeout   = 30 * time.Second
	providerTimeout   = 60 * time.Second
	publishTimeout    = 10 * time.Minute
	streamHeartbeat   = 15 * time.Second
	channelCacheTTL   = 5 * time.Minute
	mediaRoutePrefix  = "/media"
	migrationsDirPath = "migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// worker is the job execution side: it accepts dispatches and is drained on shutdown.
type worker interface {
	queue.Dispatcher
	Shutdown(ctx context.Context) error
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"pipeline_mode", cfg.Pipeline.Mode,
		"storage", cfg.Storage.Backend,
		"queue", cfg.Queue.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, migrationsDirPath); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Media storage
	videos, media, err := newVideoStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create video storage: %w", err)
	}
	slog.Info("video storage ready", "backend", cfg.Storage.Backend)

	// 6. Notifications
	bus := notify.NewBus(cfg.Notify.Backlog)
	defer bus.Close()
	var publisher notify.Publisher = bus
	if cfg.Notify.RedisRelay {
		relay := notify.NewRedisRelay(bus, redisCache.Client())
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("event relay stopped", "error", err)
			}
		}()
		publisher = relay
		slog.Info("event relay enabled")
	}

	// 7. Pipeline and job machinery
	pgStore := store.NewPostgresStore(pool)
	registry := newRegistry(cfg)
	notifier := dubbing.NewNotifier(publisher, redisCache)
	directory := channels.NewStoreDirectory(pgStore, redisCache, channelCacheTTL)
	gate := dubbing.NewApprovalGate(pgStore, videos, registry, notifier)
	localizer := dubbing.NewWorker(pgStore, videos, directory, notifier)
	orchestrator := dubbing.NewOrchestrator(pgStore, videos, registry, localizer, gate, notifier)

	jobs, err := newJobWorker(ctx, cfg, orchestrator)
	if err != nil {
		return fmt.Errorf("create job queue: %w", err)
	}
	svc := dubbing.NewService(pgStore, redisCache, jobs, gate, notifier, registry)

	report, err := queue.Recover(ctx, pgStore, jobs, cfg.Queue.StaleAfter)
	if err != nil {
		slog.Error("job recovery incomplete", "error", err)
	}
	slog.Info("job recovery finished",
		"redispatched", report.Redispatched,
		"failed", report.Failed,
		"reopened", report.Reopened)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),

		HealthHandler: healthHandler(pgStore, redisCache),

		EnqueueHandler:   handler.NewEnqueueHandler(svc),
		ListJobsHandler:  handler.NewListJobsHandler(svc),
		JobStatsHandler:  handler.NewJobStatsHandler(svc),
		GetJobHandler:    handler.NewGetJobHandler(svc),
		JobStatusHandler: handler.NewJobStatusHandler(svc),
		CancelHandler:    handler.NewCancelHandler(svc),
		DecideHandler:    handler.NewDecideHandler(svc),
		EventStream:      handler.NewEventStreamHandler(bus, streamHeartbeat),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),

		Media: media,
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Event streams only end when their subscription does.
	srv.RegisterOnShutdown(bus.Close)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		slog.Error("job queue shutdown", "error", err)
	}
	if serveErr != nil {
		return serveErr
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newVideoStore returns the configured object store and, for the local
// backend, the handler that serves its files.
func newVideoStore(ctx context.Context, cfg *config.Config) (storage.VideoStore, http.Handler, error) {
	switch cfg.Storage.Backend {
	case "s3":
		st, err := s3.New(ctx, cfg.Storage.S3, cfg.Storage.PublicURLTTL)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("ping bucket %s: %w", cfg.Storage.S3.Bucket, err)
		}
		return st, nil, nil
	default:
		st, err := local.New(cfg.Storage.LocalDir, cfg.Server.PublicBaseURL+mediaRoutePrefix)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Handler(), nil
	}
}

// newRegistry builds the simulated provider and, unless the whole
// deployment is simulated, the live one.
func newRegistry(cfg *config.Config) *pipeline.Registry {
	simulated := sim.New(cfg.Pipeline.Simulation.StepDelay).Provider()
	if cfg.Simulated() {
		return pipeline.NewRegistry(nil, simulated)
	}

	p := cfg.Pipeline
	live := &pipeline.Provider{
		Name:       "live",
		Source:     ytdlp.NewFetcher(p.Source.YtDlpPath, p.Source.URLTemplate),
		Translator: elevenlabs.NewClient(p.ElevenLabs.BaseURL, p.ElevenLabs.APIKey, providerTimeout),
		LipSyncer:  synclabs.NewClient(p.SyncLabs.BaseURL, p.SyncLabs.APIKey, p.SyncLabs.Model, providerTimeout),
		Publisher:  upload.NewPublisher(p.Publisher.URL, p.Publisher.Token, publishTimeout),
		DubPoll: pipeline.PollPolicy{
			Interval: p.ElevenLabs.PollInterval,
			Timeout:  p.ElevenLabs.Timeout,
		},
		LipSyncPoll: pipeline.PollPolicy{
			Interval: p.SyncLabs.PollInterval,
			Timeout:  p.SyncLabs.Timeout,
		},
	}
	return pipeline.NewRegistry(live, simulated)
}

// newJobWorker returns the dispatcher jobs are enqueued on. With the amqp
// backend this process also consumes the queue.
func newJobWorker(ctx context.Context, cfg *config.Config, runner queue.Runner) (worker, error) {
	if cfg.Queue.Backend != "amqp" {
		return queue.NewInProcess(runner, cfg.Queue.MaxConcurrentJobs), nil
	}

	q, err := queue.DialAMQP(cfg.Queue.RabbitMQURL, cfg.Queue.Name)
	if err != nil {
		return nil, err
	}
	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := q.Consume(consumeCtx, runner, cfg.Queue.MaxConcurrentJobs); err != nil {
			slog.Error("job consumer stopped", "error", err)
		}
	}()
	slog.Info("consuming job queue", "queue", cfg.Queue.Name)
	return &amqpWorker{AMQP: q, cancel: cancel, done: done}, nil
}

// amqpWorker stops consuming on Shutdown and closes the connection once
// in-flight runs return.
type amqpWorker struct {
	*queue.AMQP
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *amqpWorker) Shutdown(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.Close()
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
