package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"orderdesk/internal/models"
)

// MetricsSource is implemented by every queue backend.
type MetricsSource interface {
	Metrics(ctx context.Context, limit int) (models.QueueMetricsSnapshot, error)
}

// Collector turns queue snapshots into gauge values.
type Collector struct {
	source MetricsSource
	log    zerolog.Logger
}

func NewCollector(source MetricsSource, log zerolog.Logger) *Collector {
	return &Collector{source: source, log: log.With().Str("component", "metrics").Logger()}
}

// Collect reads a snapshot with up to limit recent failures and publishes its counts.
func (c *Collector) Collect(ctx context.Context, limit int) (models.QueueMetricsSnapshot, error) {
	snap, err := c.source.Metrics(ctx, limit)
	if err != nil {
		return models.QueueMetricsSnapshot{}, fmt.Errorf("collect queue metrics: %w", err)
	}
	QueueWaiting.Set(float64(snap.Waiting))
	QueueActive.Set(float64(snap.Active))
	QueueDelayed.Set(float64(snap.Delayed))
	QueueProcessed24h.Set(float64(snap.Processed24h))
	QueueFailed24h.Set(float64(snap.Failed24h))
	QueueFailed1h.Set(float64(snap.FailedLastHour))
	return snap, nil
}

// Schedule runs Collect on the cron spec (for example "@every 15s") until Stop is called
// on the returned scheduler.
func (c *Collector) Schedule(spec string) (*cron.Cron, error) {
	sched := cron.New()
	_, err := sched.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := c.Collect(ctx, 0)
		if err != nil {
			c.log.Warn().Err(err).Msg("queue metrics collection failed")
			return
		}
		c.log.Debug().
			Int64("waiting", snap.Waiting).
			Int64("active", snap.Active).
			Int64("delayed", snap.Delayed).
			Int64("failed_1h", snap.FailedLastHour).
			Msg("queue metrics collected")
	})
	if err != nil {
		return nil, fmt.Errorf("schedule metrics collection %q: %w", spec, err)
	}
	sched.Start()
	return sched, nil
}
