// Package queue runs action batches produced by status transitions. Two backends share one
// state machine: waiting -> active -> completed | delayed | failed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"orderdesk/internal/config"
	"orderdesk/internal/models"
)

// Executor runs one action batch. A returned error fails the whole attempt.
type Executor interface {
	Execute(ctx context.Context, payload models.JobPayload) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, payload models.JobPayload) error

func (f ExecutorFunc) Execute(ctx context.Context, payload models.JobPayload) error {
	return f(ctx, payload)
}

// Queue is the contract both backends implement.
type Queue interface {
	// Enqueue adds a job keyed by payload.ID(). It reports false without error when a
	// waiting, delayed or active job already has that id.
	Enqueue(ctx context.Context, payload models.JobPayload) (bool, error)
	// Metrics returns current counts and up to limit recent failures (0 means the configured bound).
	Metrics(ctx context.Context, limit int) (models.QueueMetricsSnapshot, error)
	// Start begins consuming jobs in the background.
	Start(ctx context.Context) error
	// Stop halts consumption and waits for running jobs to return.
	Stop()
}

var ErrNoExecutor = errors.New("queue: no executor configured")

// Options tunes retry and consumption behaviour.
type Options struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	Concurrency       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	// HeartbeatInterval is how often a running job's lease is extended. Defaults to a third
	// of VisibilityTimeout.
	HeartbeatInterval time.Duration
	HistoryLimit      int
	Now               func() time.Time
}

// OptionsFromConfig maps runtime config onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		VisibilityTimeout: cfg.VisibilityTimeout,
		HistoryLimit:      cfg.FailureHistory,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = o.VisibilityTimeout / 3
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New selects the backend named by cfg.QueueBackend. exec may be nil for processes that only enqueue.
func New(cfg config.Config, exec Executor, log zerolog.Logger) (Queue, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.QueueBackend {
	case config.QueueBackendMemory, "":
		return NewMemoryQueue(exec, opts, log), nil
	case config.QueueBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisQueue(client, exec, opts, log), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// Backoff returns base * 2^attempt, capped at max when max is positive.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := float64(base) * math.Pow(2, float64(attempt))
	if wait > float64(math.MaxInt64) {
		wait = float64(math.MaxInt64)
	}
	d := time.Duration(wait)
	if max > 0 && d > max {
		d = max
	}
	return d
}

func newJob(payload models.JobPayload, opts Options) models.QueueJob {
	now := opts.Now().UTC()
	return models.QueueJob{
		ID:            payload.ID(),
		Payload:       payload,
		MaxAttempts:   opts.MaxAttempts,
		BackoffBaseMs: opts.BackoffBase.Milliseconds(),
		NextRunAt:     now,
		State:         models.JobWaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// recordFailure applies one failed attempt to job. It reports whether the job should retry.
func recordFailure(job *models.QueueJob, cause error, opts Options) bool {
	now := opts.Now().UTC()
	msg := cause.Error()
	job.Attempt++
	job.LastError = &msg
	job.UpdatedAt = now
	if job.Attempt < job.MaxAttempts {
		base := time.Duration(job.BackoffBaseMs) * time.Millisecond
		job.NextRunAt = now.Add(Backoff(base, opts.BackoffMax, job.Attempt))
		job.State = models.JobDelayed
		return true
	}
	job.State = models.JobFailed
	return false
}

func failureRecord(job models.QueueJob) models.FailureRecord {
	rec := models.FailureRecord{
		ID:         job.ID,
		OrderID:    job.Payload.OrderID,
		StatusCode: job.Payload.StatusCode,
		LogID:      job.Payload.LogID,
		FinishedAt: job.UpdatedAt,
		Attempts:   job.Attempt,
	}
	if job.LastError != nil {
		rec.Error = *job.LastError
	}
	return rec
}

// interrupted reports whether execErr came from the consumer shutting down rather than from
// the batch itself. Such runs are put back without counting an attempt.
func interrupted(ctx context.Context, execErr error) bool {
	return execErr != nil && ctx.Err() != nil
}

// execute runs the executor and turns a panic into an error.
func execute(ctx context.Context, exec Executor, payload models.JobPayload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action batch panicked: %v", r)
		}
	}()
	return exec.Execute(ctx, payload)
}
