package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dbexport/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 50, cfg.GlobalMaxParallelQueries)
	assert.Equal(t, 3, cfg.DefaultMaxParallelQueries)
	assert.Equal(t, 10*time.Second, cfg.ListenerInterval())
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace())
	assert.Equal(t, 10*time.Minute, cfg.StaleThreshold())
	assert.Equal(t, time.Hour, cfg.QueryTimeout())
	assert.Equal(t, "csv", cfg.DefaultExportType)
	assert.Equal(t, 22, cfg.DefaultSSHPort)
	assert.Equal(t, 1000, cfg.ExportChunkSize)
	assert.Equal(t, 9090, cfg.OpsPort)
	assert.Equal(t, 90, cfg.DataRetentionDays)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("GLOBAL_MAX_PARALLEL_QUERIES", "7")
	t.Setenv("LISTENER_INTERVAL_SECONDS", "2")
	t.Setenv("STALE_THRESHOLD_SECONDS", "120")
	t.Setenv("DEFAULT_SSH_HOST", "files.internal")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, 7, cfg.GlobalMaxParallelQueries)
	assert.Equal(t, 2*time.Second, cfg.ListenerInterval())
	assert.Equal(t, 2*time.Minute, cfg.StaleThreshold())
	assert.Equal(t, "files.internal", cfg.DefaultSSHHost)
}

func TestLoad_InvalidInt(t *testing.T) {
	t.Setenv("GLOBAL_MAX_PARALLEL_QUERIES", "lots")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=config.Load")
}
