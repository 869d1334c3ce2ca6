package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
	"orderdesk/internal/telemetry"
)

const backendRedis = "redis"

// RedisQueue coordinates ready, in-flight and scheduled jobs in Redis so several worker
// processes can share one queue.
type RedisQueue struct {
	client *redis.Client
	exec   Executor
	opts   Options
	log    zerolog.Logger

	jobPrefix    string
	readyKey     string
	inflightKey  string
	leaseKey     string
	scheduledKey string
	historyKey   string
	completedKey string
	failedKey    string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewRedisQueue(client *redis.Client, exec Executor, opts Options, log zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		client:       client,
		exec:         exec,
		opts:         opts.withDefaults(),
		log:          log.With().Str("component", "queue").Str("backend", backendRedis).Logger(),
		jobPrefix:    "orderdesk:queue:job:",
		readyKey:     "orderdesk:queue:ready",
		inflightKey:  "orderdesk:queue:inflight",
		leaseKey:     "orderdesk:queue:leases",
		scheduledKey: "orderdesk:queue:scheduled",
		historyKey:   "orderdesk:queue:failures",
		completedKey: "orderdesk:queue:completed",
		failedKey:    "orderdesk:queue:failed",
	}
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix + id
}

// Client exposes the underlying connection for health checks and shared limiters.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Enqueue stores the job record and pushes it onto the ready list unless a live job exists.
// The job record only exists while the job is waiting, delayed or active.
func (q *RedisQueue) Enqueue(ctx context.Context, payload models.JobPayload) (bool, error) {
	job := newJob(payload, q.opts)
	raw, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.client, []string{q.jobKey(job.ID), q.readyKey}, raw, job.ID).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if added == 0 {
		telemetry.DedupCounter.WithLabelValues(backendRedis).Inc()
		q.log.Debug().Str("job_id", job.ID).Msg("duplicate enqueue ignored")
		return false, nil
	}
	telemetry.EnqueueCounter.WithLabelValues(backendRedis).Inc()
	q.log.Debug().Str("job_id", job.ID).Int("actions", len(payload.Actions)).Msg("job enqueued")
	return true, nil
}

func (q *RedisQueue) Metrics(ctx context.Context, limit int) (models.QueueMetricsSnapshot, error) {
	if limit <= 0 || limit > q.opts.HistoryLimit {
		limit = q.opts.HistoryLimit
	}
	now := q.opts.Now().UTC()
	dayAgo := strconv.FormatInt(now.Add(-24*time.Hour).UnixMilli(), 10)
	hourAgo := strconv.FormatInt(now.Add(-time.Hour).UnixMilli(), 10)

	pipe := q.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, q.completedKey, "-inf", "("+dayAgo)
	pipe.ZRemRangeByScore(ctx, q.failedKey, "-inf", "("+dayAgo)
	waiting := pipe.LLen(ctx, q.readyKey)
	active := pipe.ZCard(ctx, q.inflightKey)
	delayed := pipe.ZCard(ctx, q.scheduledKey)
	processed := pipe.ZCount(ctx, q.completedKey, dayAgo, "+inf")
	failed := pipe.ZCount(ctx, q.failedKey, dayAgo, "+inf")
	failedHour := pipe.ZCount(ctx, q.failedKey, hourAgo, "+inf")
	history := pipe.LRange(ctx, q.historyKey, 0, int64(limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueMetricsSnapshot{}, fmt.Errorf("read queue metrics: %w", err)
	}

	snap := models.QueueMetricsSnapshot{
		Waiting:        waiting.Val(),
		Active:         active.Val(),
		Delayed:        delayed.Val(),
		Processed24h:   processed.Val(),
		Failed24h:      failed.Val(),
		FailedLastHour: failedHour.Val(),
		RecentFailures: []models.FailureRecord{},
		CollectedAt:    now,
	}
	for _, raw := range history.Val() {
		var rec models.FailureRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			q.log.Warn().Err(err).Msg("skipping unreadable failure record")
			continue
		}
		snap.RecentFailures = append(snap.RecentFailures, rec)
	}
	return snap, nil
}

// Start launches the maintenance loop and Concurrency consumers.
func (q *RedisQueue) Start(ctx context.Context) error {
	if q.exec == nil {
		return ErrNoExecutor
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true

	q.wg.Add(1)
	go q.maintain(ctx)
	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.consume(ctx, i)
	}
	q.log.Info().Int("concurrency", q.opts.Concurrency).Msg("redis queue started")
	return nil
}

func (q *RedisQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
	q.log.Info().Msg("redis queue stopped")
}

func (q *RedisQueue) maintain(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := q.PromoteScheduled(ctx, 100); err != nil && ctx.Err() == nil {
			q.log.Warn().Err(err).Msg("promote scheduled jobs failed")
		}
		if _, err := q.RequeueExpired(ctx, 100); err != nil && ctx.Err() == nil {
			q.log.Warn().Err(err).Msg("requeue expired leases failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) consume(ctx context.Context, worker int) {
	defer q.wg.Done()
	logger := q.log.With().Int("worker", worker).Logger()
	for ctx.Err() == nil {
		ran, err := q.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("queue iteration failed")
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.opts.PollInterval):
		}
	}
}

// errLeaseLost means the job's lease was reclaimed while it ran; the bookkeeping of that run is dropped.
var errLeaseLost = errors.New("queue: job lease lost")

// lease is one claim on an in-flight job. Only the holder of token may ack, reschedule or fail it.
type lease struct {
	id    string
	token string
}

// RunOnce leases the next ready job and executes it. It reports whether a job was taken.
func (q *RedisQueue) RunOnce(ctx context.Context) (bool, error) {
	l, err := q.dequeueWithLease(ctx)
	if err != nil || l.id == "" {
		return false, err
	}
	// Bookkeeping must land even when ctx is cancelled by Stop.
	bookCtx := context.WithoutCancel(ctx)

	job, err := q.loadJob(ctx, l.id)
	if errors.Is(err, redis.Nil) {
		_, err = dropLeaseScript.Run(bookCtx, q.client, []string{q.inflightKey, q.leaseKey}, l.id, l.token).Result()
		return true, err
	}
	if err != nil {
		return true, err
	}

	job.State = models.JobActive
	job.UpdatedAt = q.opts.Now().UTC()
	if err := q.saveJob(ctx, job); err != nil {
		return true, err
	}

	logger := q.log.With().Str("job_id", job.ID).Int("attempt", job.Attempt+1).Logger()
	stopHeartbeat := q.heartbeat(ctx, l, logger)
	start := time.Now()
	execErr := execute(ctx, q.exec, job.Payload)
	telemetry.JobDuration.Observe(time.Since(start).Seconds())
	stopHeartbeat()

	switch {
	case execErr == nil:
		if err := q.complete(bookCtx, l, job); err != nil {
			return true, q.leaseErr(logger, err)
		}
		telemetry.JobSuccess.WithLabelValues(backendRedis).Inc()
		logger.Info().Msg("job completed")
	case interrupted(ctx, execErr):
		job.State = models.JobWaiting
		job.UpdatedAt = q.opts.Now().UTC()
		if err := q.release(bookCtx, l, job); err != nil {
			return true, q.leaseErr(logger, err)
		}
		logger.Info().Err(execErr).Msg("job interrupted by shutdown, returned to ready list")
	default:
		if recordFailure(&job, execErr, q.opts) {
			if err := q.reschedule(bookCtx, l, job); err != nil {
				return true, q.leaseErr(logger, err)
			}
			telemetry.JobRetries.WithLabelValues(backendRedis).Inc()
			logger.Warn().Err(execErr).Time("next_run_at", job.NextRunAt).Msg("job failed, retry scheduled")
			return true, nil
		}
		if err := q.fail(bookCtx, l, job); err != nil {
			return true, q.leaseErr(logger, err)
		}
		telemetry.JobFailures.WithLabelValues(backendRedis).Inc()
		logger.Error().Err(errs.Terminal(job.ID, job.Attempt, execErr)).Msg("job failed permanently")
	}
	return true, nil
}

func (q *RedisQueue) leaseErr(logger zerolog.Logger, err error) error {
	if errors.Is(err, errLeaseLost) {
		logger.Warn().Msg("lease reclaimed while job ran, result discarded")
	}
	return err
}

// heartbeat extends the lease every HeartbeatInterval until the returned func is called.
func (q *RedisQueue) heartbeat(ctx context.Context, l lease, logger zerolog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := q.ExtendLease(ctx, l.id, l.token, q.opts.VisibilityTimeout)
			switch {
			case errors.Is(err, errLeaseLost):
				logger.Warn().Msg("lease lost, heartbeat stopped")
				return
			case err != nil && ctx.Err() == nil:
				logger.Warn().Err(err).Msg("extend lease failed")
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ExtendLease pushes the visibility deadline of an in-flight job forward, provided token still
// holds its lease.
func (q *RedisQueue) ExtendLease(ctx context.Context, id, token string, extension time.Duration) error {
	deadline := q.opts.Now().Add(extension).UnixMilli()
	ok, err := extendLeaseScript.Run(ctx, q.client, []string{q.inflightKey, q.leaseKey}, id, token, deadline).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return errLeaseLost
	}
	return nil
}

// Job returns the live job record with id.
func (q *RedisQueue) Job(ctx context.Context, id string) (models.QueueJob, bool, error) {
	job, err := q.loadJob(ctx, id)
	if errors.Is(err, redis.Nil) {
		return models.QueueJob{}, false, nil
	}
	if err != nil {
		return models.QueueJob{}, false, err
	}
	return job, true, nil
}

// PromoteScheduled moves due delayed jobs onto the ready list. It returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, limit int64) (int, error) {
	now := q.opts.Now().UnixMilli()
	return moveDueScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey}, now, limit).Int()
}

// RequeueExpired returns jobs whose lease ran out to the ready list without counting an attempt.
// The old lease is revoked, so a run that outlived it cannot ack the job.
func (q *RedisQueue) RequeueExpired(ctx context.Context, limit int64) (int, error) {
	now := q.opts.Now().UnixMilli()
	n, err := reclaimScript.Run(ctx, q.client, []string{q.inflightKey, q.leaseKey, q.readyKey}, now, limit).Int()
	if n > 0 {
		q.log.Warn().Int("jobs", n).Msg("reclaimed expired leases")
	}
	return n, err
}

func (q *RedisQueue) dequeueWithLease(ctx context.Context) (lease, error) {
	token := uuid.NewString()
	deadline := q.opts.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey, q.leaseKey}, deadline, token).Result()
	if errors.Is(err, redis.Nil) {
		return lease{}, nil
	}
	if err != nil {
		return lease{}, err
	}
	id, ok := res.(string)
	if !ok {
		return lease{}, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return lease{id: id, token: token}, nil
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (models.QueueJob, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return models.QueueJob{}, err
	}
	var job models.QueueJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.QueueJob{}, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return job, nil
}

func (q *RedisQueue) saveJob(ctx context.Context, job models.QueueJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.Set(ctx, q.jobKey(job.ID), raw, 0).Err()
}

func (q *RedisQueue) complete(ctx context.Context, l lease, job models.QueueJob) error {
	now := q.opts.Now().UTC()
	keys := []string{q.inflightKey, q.leaseKey, q.jobKey(job.ID), q.completedKey}
	ok, err := completeScript.Run(ctx, q.client, keys, l.id, l.token, now.UnixMilli(), stampMember(job.ID, now)).Int()
	return leaseResult(ok, err)
}

func (q *RedisQueue) reschedule(ctx context.Context, l lease, job models.QueueJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	keys := []string{q.inflightKey, q.leaseKey, q.jobKey(job.ID), q.scheduledKey}
	ok, err := rescheduleScript.Run(ctx, q.client, keys, l.id, l.token, raw, job.NextRunAt.UnixMilli()).Int()
	return leaseResult(ok, err)
}

func (q *RedisQueue) release(ctx context.Context, l lease, job models.QueueJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	keys := []string{q.inflightKey, q.leaseKey, q.jobKey(job.ID), q.readyKey}
	ok, err := releaseScript.Run(ctx, q.client, keys, l.id, l.token, raw).Int()
	return leaseResult(ok, err)
}

func (q *RedisQueue) fail(ctx context.Context, l lease, job models.QueueJob) error {
	rec, err := json.Marshal(failureRecord(job))
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}
	now := q.opts.Now().UTC()
	keys := []string{q.inflightKey, q.leaseKey, q.jobKey(job.ID), q.historyKey, q.failedKey}
	ok, err := failScript.Run(ctx, q.client, keys,
		l.id, l.token, rec, q.opts.HistoryLimit-1, now.UnixMilli(), stampMember(job.ID, now)).Int()
	return leaseResult(ok, err)
}

func leaseResult(ok int, err error) error {
	if err != nil {
		return err
	}
	if ok == 0 {
		return errLeaseLost
	}
	return nil
}

func stampMember(id string, at time.Time) string {
	return id + "@" + strconv.FormatInt(at.UnixNano(), 10)
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  redis.call('HSET', KEYS[3], job, ARGV[2])
  return job
end
return nil
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('HDEL', KEYS[2], id)
    redis.call('RPUSH', KEYS[3], id)
    moved = moved + 1
  end
end
return moved
`)

// The scripts below act only while ARGV[2] is still the lease token of ARGV[1].

var extendLeaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 1
`)

var dropLeaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[4])
return 1
`)

var rescheduleScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[3])
redis.call('LPUSH', KEYS[4], ARGV[1])
return 1
`)

var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
redis.call('LPUSH', KEYS[4], ARGV[3])
redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[4]))
redis.call('ZADD', KEYS[5], ARGV[5], ARGV[6])
return 1
`)
