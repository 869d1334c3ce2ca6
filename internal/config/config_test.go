package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, QueueBackendMemory, cfg.QueueBackend)
	assert.Equal(t, StoreBackendMemory, cfg.StoreBackend)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.True(t, cfg.NotifyDryRun)
	assert.True(t, cfg.AutoStockIssue)
	assert.InDelta(t, 0.1, cfg.PayrollPercent, 1e-9)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "Redis")
	t.Setenv("STORE_BACKEND", "POSTGRES")
	t.Setenv("FIXTURES_PATH", "config/fixtures.yaml")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("BACKOFF_BASE", "250ms")
	t.Setenv("NOTIFY_DRY_RUN", "false")
	t.Setenv("AUTO_STOCK_ISSUE", "0")
	t.Setenv("PAYROLL_PERCENT", "0.15")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg := Load()

	assert.Equal(t, QueueBackendRedis, cfg.QueueBackend)
	assert.Equal(t, StoreBackendPostgres, cfg.StoreBackend)
	assert.Equal(t, "config/fixtures.yaml", cfg.FixturesPath)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase)
	assert.False(t, cfg.NotifyDryRun)
	assert.False(t, cfg.AutoStockIssue)
	assert.InDelta(t, 0.15, cfg.PayrollPercent, 1e-9)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
}
