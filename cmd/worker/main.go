package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"orderdesk/internal/config"
	"orderdesk/internal/logging"
	"orderdesk/internal/queue"
	"orderdesk/internal/store"
	"orderdesk/internal/telemetry"
	"orderdesk/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(logging.Config{Level: cfg.LogLevel, Environment: cfg.Env, ServiceName: "orderdesk-worker"})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.QueueBackend != config.QueueBackendRedis {
		log.Warn().Str("queue", cfg.QueueBackend).Msg("worker only sees jobs enqueued by this process; use QUEUE_BACKEND=redis to consume from the api")
	}

	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("open store")
	}
	defer closeStore()

	proc, release, err := worker.NewFromConfig(ctx, cfg, st, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init action processor")
	}
	defer release()

	q, err := queue.New(cfg, proc, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init queue")
	}

	collector := telemetry.NewCollector(q, log)
	sched, err := collector.Schedule(cfg.MetricsSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("schedule metrics")
	}
	defer sched.Stop()

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	if err := q.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start queue")
	}
	log.Info().
		Str("queue", cfg.QueueBackend).
		Int("concurrency", cfg.WorkerConcurrency).
		Int("max_attempts", cfg.MaxAttempts).
		Dur("backoff_base", cfg.BackoffBase).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker started")

	<-ctx.Done()
	log.Info().Msg("worker stopping")
	q.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
