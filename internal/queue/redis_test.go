package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdesk/internal/models"
)

func newTestRedisQueue(t *testing.T, exec Executor, clock *fakeClock, maxAttempts int) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, exec, Options{
		MaxAttempts:       maxAttempts,
		BackoffBase:       time.Second,
		HistoryLimit:      2,
		VisibilityTimeout: time.Minute,
		Now:               clock.Now,
	}, zerolog.Nop())
}

func TestRedisQueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	exec := newCountingExecutor(0)
	q := newTestRedisQueue(t, exec, clock, 5)

	added, err := q.Enqueue(ctx, samplePayload("l1"))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = q.Enqueue(ctx, samplePayload("l1"))
	require.NoError(t, err)
	assert.False(t, added)

	ran, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	ran, err = q.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, exec.count("o1:done:l1"))

	snap, err := q.Metrics(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Processed24h)
	assert.Equal(t, int64(0), snap.Waiting)
	assert.Equal(t, int64(0), snap.Active)
}

func TestRedisQueueRetryThenFail(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	exec := newCountingExecutor(100)
	q := newTestRedisQueue(t, exec, clock, 3)
	id := models.JobID("o1", "done", "l1")

	_, err := q.Enqueue(ctx, samplePayload("l1"))
	require.NoError(t, err)

	_, err = q.RunOnce(ctx)
	require.NoError(t, err)
	job, ok, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.JobDelayed, job.State)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, clock.Now().Add(2*time.Second).UnixMilli(), job.NextRunAt.UnixMilli())

	snap, _ := q.Metrics(ctx, 0)
	assert.Equal(t, int64(1), snap.Delayed)

	added, _ := q.Enqueue(ctx, samplePayload("l1"))
	assert.False(t, added)

	moved, err := q.PromoteScheduled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	clock.Advance(2 * time.Second)
	moved, err = q.PromoteScheduled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	_, _ = q.PromoteScheduled(ctx, 10)
	_, err = q.RunOnce(ctx)
	require.NoError(t, err)

	_, ok, _ = q.Job(ctx, id)
	assert.False(t, ok)
	assert.Equal(t, 3, exec.count(id))

	snap, err = q.Metrics(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snap.RecentFailures, 1)
	assert.Equal(t, id, snap.RecentFailures[0].ID)
	assert.Equal(t, 3, snap.RecentFailures[0].Attempts)
	assert.Equal(t, int64(1), snap.Failed24h)
	assert.Equal(t, int64(1), snap.FailedLastHour)
	assert.Equal(t, int64(0), snap.Delayed)

	added, _ = q.Enqueue(ctx, samplePayload("l1"))
	assert.True(t, added, "finished jobs no longer block the id")
}

func TestRedisQueueHistoryTrimmed(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := newTestRedisQueue(t, newCountingExecutor(100), clock, 1)

	for _, logID := range []string{"l1", "l2", "l3"} {
		_, err := q.Enqueue(ctx, samplePayload(logID))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := q.RunOnce(ctx)
		require.NoError(t, err)
	}

	snap, err := q.Metrics(ctx, 10)
	require.NoError(t, err)
	require.Len(t, snap.RecentFailures, 2)
	assert.Equal(t, "l3", snap.RecentFailures[0].LogID)
	assert.Equal(t, int64(3), snap.Failed24h)
}

func TestRedisQueueReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := newTestRedisQueue(t, newCountingExecutor(0), clock, 5)

	_, err := q.Enqueue(ctx, samplePayload("l1"))
	require.NoError(t, err)
	l, err := q.dequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o1:done:l1", l.id)
	assert.NotEmpty(t, l.token)

	n, err := q.RequeueExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(2 * time.Minute)
	n, err = q.RequeueExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, _ := q.Metrics(ctx, 0)
	assert.Equal(t, int64(1), snap.Waiting)
	assert.Equal(t, int64(0), snap.Active)
}

// blockingExecutor holds every batch until release is closed and tracks overlap per job id.
type blockingExecutor struct {
	mu      sync.Mutex
	running map[string]int
	peak    int
	calls   int
	started chan struct{}
	release chan struct{}
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		running: make(map[string]int),
		started: make(chan struct{}, 10),
		release: make(chan struct{}),
	}
}

func (e *blockingExecutor) Execute(ctx context.Context, p models.JobPayload) error {
	e.mu.Lock()
	e.calls++
	e.running[p.ID()]++
	if e.running[p.ID()] > e.peak {
		e.peak = e.running[p.ID()]
	}
	e.mu.Unlock()
	e.started <- struct{}{}

	select {
	case <-e.release:
	case <-ctx.Done():
	}

	e.mu.Lock()
	e.running[p.ID()]--
	e.mu.Unlock()
	return ctx.Err()
}

func (e *blockingExecutor) stats() (calls, peak int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls, e.peak
}

func leaseDeadline(q *RedisQueue, id string) int64 {
	score, err := q.client.ZScore(context.Background(), q.inflightKey, id).Result()
	if err != nil {
		return 0
	}
	return int64(score)
}

func TestRedisQueueHeartbeatKeepsSlowJobLeased(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	exec := newBlockingExecutor()
	q := newTestRedisQueue(t, exec, clock, 5)
	q.opts.HeartbeatInterval = 10 * time.Millisecond
	id := models.JobID("o1", "done", "l1")

	_, err := q.Enqueue(ctx, samplePayload("l1"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.RunOnce(ctx)
		done <- err
	}()
	<-exec.started

	// The job outlives its original lease; the heartbeat must push the deadline past the clock.
	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		return leaseDeadline(q, id) > clock.Now().UnixMilli()
	}, 2*time.Second, 5*time.Millisecond)

	n, err := q.RequeueExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	ran, err := q.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "a leased job must not be handed to a second consumer")

	close(exec.release)
	require.NoError(t, <-done)

	calls, peak := exec.stats()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, peak)
	_, ok, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	snap, err := q.Metrics(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Processed24h)
	assert.Equal(t, int64(0), snap.Waiting)
	assert.Equal(t, int64(0), snap.Active)
}

func TestRedisQueueLostLeaseDiscardsResult(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	var q *RedisQueue
	calls := 0
	exec := ExecutorFunc(func(ctx context.Context, _ models.JobPayload) error {
		calls++
		if calls == 1 {
			// The lease runs out and the job is reclaimed while this run is still going.
			clock.Advance(2 * time.Minute)
			n, err := q.RequeueExpired(ctx, 10)
			if err != nil || n != 1 {
				return fmt.Errorf("reclaim: n=%d err=%v", n, err)
			}
		}
		return nil
	})
	q = newTestRedisQueue(t, exec, clock, 5)
	q.opts.HeartbeatInterval = time.Hour
	id := models.JobID("o1", "done", "l1")

	_, err := q.Enqueue(ctx, samplePayload("l1"))
	require.NoError(t, err)

	ran, err := q.RunOnce(ctx)
	assert.True(t, ran)
	require.ErrorIs(t, err, errLeaseLost)

	_, ok, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "the stale run must not delete the reclaimed job")
	snap, err := q.Metrics(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Waiting)
	assert.Equal(t, int64(0), snap.Processed24h)

	ran, err = q.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	snap, err = q.Metrics(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Waiting)
	assert.Equal(t, int64(1), snap.Processed24h)
	assert.Equal(t, 2, calls)
}

func TestRedisQueueShutdownReturnsJobWithoutAttempt(t *testing.T) {
	clock := newClock()
	exec := newBlockingExecutor()
	q := newTestRedisQueue(t, exec, clock, 3)
	id := models.JobID("o1", "done", "l1")

	_, err := q.Enqueue(context.Background(), samplePayload("l1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.RunOnce(ctx)
		done <- err
	}()
	<-exec.started
	cancel()
	require.NoError(t, <-done)

	job, ok, err := q.Job(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.JobWaiting, job.State)
	assert.Equal(t, 0, job.Attempt)
	snap, err := q.Metrics(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Waiting)
	assert.Equal(t, int64(0), snap.Active)
	assert.Equal(t, int64(0), snap.Delayed)
}
