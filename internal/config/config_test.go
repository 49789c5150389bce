package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "write_through", cfg.History.Policy)
	assert.Equal(t, 50, cfg.History.ChatCacheCap)
	assert.Equal(t, 10, cfg.History.AnalysisCacheCap)
	assert.Equal(t, time.Hour, cfg.History.CacheTTL)
	assert.Equal(t, 10, cfg.History.BatchThreshold)
	assert.Equal(t, 300*time.Second, cfg.History.FlushInterval)
	assert.Equal(t, 100, cfg.History.MaxPageSize)
	assert.Equal(t, "local", cfg.History.FlushTrigger)
}

func TestLoad_HistoryOverrides(t *testing.T) {
	t.Setenv("HISTORY_POLICY", "write_behind")
	t.Setenv("HISTORY_BATCH_THRESHOLD", "3")
	t.Setenv("HISTORY_FLUSH_INTERVAL", "30s")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "write_behind", cfg.History.Policy)
	assert.Equal(t, 3, cfg.History.BatchThreshold)
	assert.Equal(t, 30*time.Second, cfg.History.FlushInterval)
	assert.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
}
