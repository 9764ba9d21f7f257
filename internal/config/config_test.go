package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "device-local", cfg.DeviceID)
	assert.Equal(t, 95.0, cfg.ConfidenceThreshold)
	assert.Equal(t, 10*time.Minute, cfg.DedupWindow)
	assert.Equal(t, 60*time.Minute, cfg.ReferenceSyncInterval)
	assert.Equal(t, 5*time.Minute, cfg.AttendanceSyncInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.RetentionHorizon)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "delete", cfg.RetentionMode)
	assert.Equal(t, "15 2 * * *", cfg.CleanupSchedule)
	assert.False(t, cfg.Production())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("CONFIDENCE_THRESHOLD", "97.5")
	t.Setenv("DEDUP_WINDOW", "5m")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("VALIDATION_SKIP", "true")

	cfg := Load()
	assert.True(t, cfg.Production())
	assert.Equal(t, 97.5, cfg.ConfidenceThreshold)
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.True(t, cfg.ValidationSkip)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CONFIDENCE_THRESHOLD", "high")
	t.Setenv("DEDUP_WINDOW", "soon")
	t.Setenv("BACKOFF_BASE", "-1s")
	t.Setenv("SYNC_BATCH_SIZE", "many")
	t.Setenv("FACE_SKIP", "maybe")

	cfg := Load()
	assert.Equal(t, 95.0, cfg.ConfidenceThreshold)
	assert.Equal(t, 10*time.Minute, cfg.DedupWindow)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase)
	assert.Equal(t, 50, cfg.SyncBatchSize)
	assert.True(t, cfg.FaceSkip)
}

func TestRedisOptions(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_PASSWORD", "s3cret")
	t.Setenv("REDIS_DB", "2")

	opts := Load().RedisOptions()
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "s3cret", opts.Password)
	assert.Equal(t, 2, opts.DB)
}
