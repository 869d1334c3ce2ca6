package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
	"orderdesk/internal/telemetry"
)

const backendMemory = "memory"

// MemoryQueue keeps jobs in process and runs them one at a time on a single goroutine.
type MemoryQueue struct {
	exec Executor
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	jobs      map[string]*models.QueueJob
	seq       map[string]uint64
	next      uint64
	completed []time.Time
	failed    []time.Time
	history   []models.FailureRecord

	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewMemoryQueue(exec Executor, opts Options, log zerolog.Logger) *MemoryQueue {
	q := &MemoryQueue{
		exec: exec,
		opts: opts.withDefaults(),
		log:  log.With().Str("component", "queue").Str("backend", backendMemory).Logger(),
		wake: make(chan struct{}, 1),
	}
	q.Reset()
	return q
}

// Reset drops every job, counter and failure record.
func (q *MemoryQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = make(map[string]*models.QueueJob)
	q.seq = make(map[string]uint64)
	q.next = 0
	q.completed = nil
	q.failed = nil
	q.history = nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, payload models.JobPayload) (bool, error) {
	job := newJob(payload, q.opts)
	q.mu.Lock()
	if existing, ok := q.jobs[job.ID]; ok && existing.State.Live() {
		q.mu.Unlock()
		telemetry.DedupCounter.WithLabelValues(backendMemory).Inc()
		q.log.Debug().Str("job_id", job.ID).Msg("duplicate enqueue ignored")
		return false, nil
	}
	q.jobs[job.ID] = &job
	q.next++
	q.seq[job.ID] = q.next
	q.mu.Unlock()

	telemetry.EnqueueCounter.WithLabelValues(backendMemory).Inc()
	q.log.Debug().Str("job_id", job.ID).Int("actions", len(payload.Actions)).Msg("job enqueued")
	q.signal()
	return true, nil
}

func (q *MemoryQueue) Metrics(_ context.Context, limit int) (models.QueueMetricsSnapshot, error) {
	if limit <= 0 || limit > q.opts.HistoryLimit {
		limit = q.opts.HistoryLimit
	}
	now := q.opts.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked(now)

	snap := models.QueueMetricsSnapshot{CollectedAt: now}
	for _, j := range q.jobs {
		switch j.State {
		case models.JobWaiting:
			snap.Waiting++
		case models.JobActive:
			snap.Active++
		case models.JobDelayed:
			snap.Delayed++
		}
	}
	snap.Processed24h = int64(len(q.completed))
	snap.Failed24h = int64(len(q.failed))
	hourAgo := now.Add(-time.Hour)
	for _, ts := range q.failed {
		if ts.After(hourAgo) {
			snap.FailedLastHour++
		}
	}
	n := len(q.history)
	if n > limit {
		n = limit
	}
	snap.RecentFailures = append([]models.FailureRecord{}, q.history[:n]...)
	return snap, nil
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (q *MemoryQueue) Start(ctx context.Context) error {
	if q.exec == nil {
		return ErrNoExecutor
	}
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true
	q.mu.Unlock()

	go q.loop(ctx)
	q.log.Info().Msg("memory queue started")
	return nil
}

func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.running = false
	q.mu.Unlock()

	cancel()
	<-done
	q.log.Info().Msg("memory queue stopped")
}

// Job returns a copy of the tracked job with id.
func (q *MemoryQueue) Job(id string) (models.QueueJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return models.QueueJob{}, false
	}
	return *j, true
}

// RunDue executes every job whose run time has passed, serially, and returns how many ran.
func (q *MemoryQueue) RunDue(ctx context.Context) int {
	ran := 0
	for ctx.Err() == nil {
		job, ok := q.claimDue()
		if !ok {
			return ran
		}
		q.run(ctx, job)
		ran++
	}
	return ran
}

func (q *MemoryQueue) loop(ctx context.Context) {
	defer close(q.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q.RunDue(ctx)
		wait := q.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// claimDue marks the earliest due job active and returns a copy.
func (q *MemoryQueue) claimDue() (models.QueueJob, bool) {
	now := q.opts.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*models.QueueJob
	for _, j := range q.jobs {
		if (j.State == models.JobWaiting || j.State == models.JobDelayed) && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return models.QueueJob{}, false
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].NextRunAt.Equal(due[b].NextRunAt) {
			return due[a].NextRunAt.Before(due[b].NextRunAt)
		}
		return q.seq[due[a].ID] < q.seq[due[b].ID]
	})
	j := due[0]
	j.State = models.JobActive
	j.UpdatedAt = now
	return *j, true
}

func (q *MemoryQueue) run(ctx context.Context, job models.QueueJob) {
	logger := q.log.With().Str("job_id", job.ID).Int("attempt", job.Attempt+1).Logger()
	start := time.Now()
	err := execute(ctx, q.exec, job.Payload)
	telemetry.JobDuration.Observe(time.Since(start).Seconds())

	now := q.opts.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		delete(q.jobs, job.ID)
		delete(q.seq, job.ID)
		q.completed = append(q.completed, now)
		telemetry.JobSuccess.WithLabelValues(backendMemory).Inc()
		logger.Info().Msg("job completed")
		return
	}

	if interrupted(ctx, err) {
		job.State = models.JobWaiting
		job.UpdatedAt = now
		q.jobs[job.ID] = &job
		logger.Info().Err(err).Msg("job interrupted by shutdown, will rerun")
		return
	}
	if recordFailure(&job, err, q.opts) {
		q.jobs[job.ID] = &job
		telemetry.JobRetries.WithLabelValues(backendMemory).Inc()
		logger.Warn().Err(err).Time("next_run_at", job.NextRunAt).Msg("job failed, retry scheduled")
		return
	}
	delete(q.jobs, job.ID)
	delete(q.seq, job.ID)
	q.failed = append(q.failed, now)
	q.history = append([]models.FailureRecord{failureRecord(job)}, q.history...)
	if len(q.history) > q.opts.HistoryLimit {
		q.history = q.history[:q.opts.HistoryLimit]
	}
	telemetry.JobFailures.WithLabelValues(backendMemory).Inc()
	logger.Error().Err(errs.Terminal(job.ID, job.Attempt, err)).Msg("job failed permanently")
}

func (q *MemoryQueue) untilNext() time.Duration {
	now := q.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	wait := time.Hour
	for _, j := range q.jobs {
		if j.State != models.JobWaiting && j.State != models.JobDelayed {
			continue
		}
		d := j.NextRunAt.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < wait {
			wait = d
		}
	}
	return wait
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pruneLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	q.completed = pruneBefore(q.completed, cutoff)
	q.failed = pruneBefore(q.failed, cutoff)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
