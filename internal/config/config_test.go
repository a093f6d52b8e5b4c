package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("INTROSPECTION_CACHE_BACKEND", "")
	os.Unsetenv("INTROSPECTION_CACHE_BACKEND")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 1000, cfg.QueryMaxRows)
	assert.Equal(t, 5, cfg.RateLimit.MaxConcurrent)
	assert.Equal(t, 90*time.Second, cfg.RateLimit.QueueTimeout)
	assert.Equal(t, CacheMemory, cfg.Introspection.CacheBackend)
	assert.Equal(t, 5*time.Minute, cfg.Introspection.CacheTTL)
	assert.Equal(t, "@every 5m", cfg.WorkflowSweepSchedule)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUERY_DEFAULT_TIMEOUT", "15s")
	t.Setenv("RATE_LIMIT_MAX_PER_MINUTE", "7")
	t.Setenv("INTROSPECTION_CACHE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "cache:6380")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 7, cfg.RateLimit.MaxPerMinute)
	assert.Equal(t, CacheRedis, cfg.Introspection.CacheBackend)
	assert.Equal(t, "cache:6380", cfg.Introspection.RedisAddr)
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("WORKFLOW_MAX_AGE=10m\nDATASOURCES_FILE=/etc/gw.yaml\n"), 0o600))
	t.Setenv("WORKFLOW_MAX_AGE", "2h")
	t.Setenv("DATASOURCES_FILE", "")
	os.Unsetenv("DATASOURCES_FILE")

	cfg, err := Load(env, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.WorkflowMaxAge)
	assert.Equal(t, "/etc/gw.yaml", cfg.DataSourcesFile)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("INTROSPECTION_CACHE_BACKEND", "memcached")
	_, err := Load()
	assert.ErrorContains(t, err, "memcached")
}
