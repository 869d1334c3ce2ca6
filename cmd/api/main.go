package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "orderdesk/internal/api"
	"orderdesk/internal/config"
	"orderdesk/internal/logging"
	"orderdesk/internal/queue"
	"orderdesk/internal/ratelimit"
	"orderdesk/internal/registry"
	"orderdesk/internal/store"
	"orderdesk/internal/telemetry"
	"orderdesk/internal/transition"
	"orderdesk/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(logging.Config{Level: cfg.LogLevel, Environment: cfg.Env, ServiceName: "orderdesk-api"})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open store")
	}
	defer closeStore()

	statuses := registry.New(st, log)
	if cfg.StatusSeedPath != "" {
		created, err := statuses.SeedFile(ctx, cfg.StatusSeedPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.StatusSeedPath).Msg("seed statuses")
		}
		log.Info().Int("created", created).Msg("statuses seeded")
	}
	if cfg.FixturesPath != "" {
		if err := store.LoadFixturesFile(ctx, st, cfg.FixturesPath); err != nil {
			log.Fatal().Err(err).Str("path", cfg.FixturesPath).Msg("load fixtures")
		}
	}

	// The in-process queue has no other consumer, so the API runs the worker itself.
	var exec queue.Executor
	if cfg.QueueBackend == config.QueueBackendMemory {
		proc, release, err := worker.NewFromConfig(ctx, cfg, st, log)
		if err != nil {
			log.Fatal().Err(err).Msg("init action processor")
		}
		defer release()
		exec = proc
	}
	q, err := queue.New(cfg, exec, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init queue")
	}
	if exec != nil {
		if err := q.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("start queue")
		}
		defer q.Stop()
	}

	collector := telemetry.NewCollector(q, log)
	if exec != nil {
		sched, err := collector.Schedule(cfg.MetricsSchedule)
		if err != nil {
			log.Fatal().Err(err).Msg("schedule metrics")
		}
		defer sched.Stop()
	}

	// Rate limiting needs Redis, so it rides on the Redis queue's connection.
	var limiter api.Limiter
	if rq, ok := q.(*queue.RedisQueue); ok && cfg.RateLimitCapacity > 0 {
		defer rq.Client().Close()
		limiter = ratelimit.NewTokenBucket(rq.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	svc := transition.NewService(st, q, transition.Options{AutoStockIssue: cfg.AutoStockIssue}, log)
	server := api.New(svc, statuses, collector, st, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("port", cfg.HTTPPort).
		Str("store", cfg.StoreBackend).
		Str("queue", cfg.QueueBackend).
		Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
