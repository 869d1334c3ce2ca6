package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"orderdesk/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingExecutor fails the first failN calls for every job.
type countingExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	failN int
}

func newCountingExecutor(failN int) *countingExecutor {
	return &countingExecutor{calls: make(map[string]int), failN: failN}
}

func (e *countingExecutor) Execute(_ context.Context, p models.JobPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[p.ID()]++
	if e.calls[p.ID()] <= e.failN {
		return errors.New("collaborator unavailable")
	}
	return nil
}

func (e *countingExecutor) count(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func samplePayload(logID string) models.JobPayload {
	return models.JobPayload{
		OrderID:    "o1",
		StatusCode: "done",
		LogID:      logID,
		UserID:     "u1",
		Actions:    []models.ActionSpec{models.Action(models.ActionCharge)},
	}
}

func TestBackoffDoubles(t *testing.T) {
	base := 2 * time.Second
	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := Backoff(base, 0, attempt)
		assert.Equal(t, base*time.Duration(1<<attempt), d)
		assert.Greater(t, d, prev)
		prev = d
	}
	assert.Equal(t, 10*time.Second, Backoff(base, 10*time.Second, 4))
	assert.Equal(t, base, Backoff(base, 0, -1))
}

func TestRecordFailureStateMachine(t *testing.T) {
	clock := newClock()
	opts := Options{MaxAttempts: 3, BackoffBase: time.Second, Now: clock.Now}.withDefaults()
	job := newJob(samplePayload("l1"), opts)

	assert.True(t, recordFailure(&job, errors.New("x"), opts))
	assert.Equal(t, models.JobDelayed, job.State)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, clock.Now().Add(2*time.Second), job.NextRunAt)

	assert.True(t, recordFailure(&job, errors.New("x"), opts))
	assert.Equal(t, clock.Now().Add(4*time.Second), job.NextRunAt)

	assert.False(t, recordFailure(&job, errors.New("final"), opts))
	assert.Equal(t, models.JobFailed, job.State)
	rec := failureRecord(job)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, "final", rec.Error)
	assert.Equal(t, "l1", rec.LogID)
}
