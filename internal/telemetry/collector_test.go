package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderdesk/internal/models"
)

type stubSource struct {
	snap  models.QueueMetricsSnapshot
	err   error
	limit int
}

func (s *stubSource) Metrics(_ context.Context, limit int) (models.QueueMetricsSnapshot, error) {
	s.limit = limit
	return s.snap, s.err
}

func TestCollectPublishesGauges(t *testing.T) {
	src := &stubSource{snap: models.QueueMetricsSnapshot{
		Waiting: 3, Active: 1, Delayed: 2, Processed24h: 40, Failed24h: 5, FailedLastHour: 1,
		RecentFailures: []models.FailureRecord{{ID: "o1:done:l1", Attempts: 5}},
	}}
	c := NewCollector(src, zerolog.Nop())

	snap, err := c.Collect(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, src.limit)
	assert.Len(t, snap.RecentFailures, 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(QueueWaiting))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueDelayed))
	assert.Equal(t, 40.0, testutil.ToFloat64(QueueProcessed24h))
	assert.Equal(t, 5.0, testutil.ToFloat64(QueueFailed24h))
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueFailed1h))
}

func TestCollectPropagatesErrors(t *testing.T) {
	c := NewCollector(&stubSource{err: errors.New("redis unavailable")}, zerolog.Nop())
	_, err := c.Collect(context.Background(), 5)
	assert.ErrorContains(t, err, "redis unavailable")
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	c := NewCollector(&stubSource{}, zerolog.Nop())
	_, err := c.Schedule("every now and then")
	assert.Error(t, err)

	sched, err := c.Schedule("@every 1h")
	require.NoError(t, err)
	<-sched.Stop().Done()
}
