package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "data", cfg.Store.DataDir)
	assert.Equal(t, 15*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 30, cfg.Engine.RetentionDays)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "dev")
	t.Setenv("TICK_INTERVAL", "5s")
	t.Setenv("WORKERS", "8")
	t.Setenv("PARTITIONS", "alpha, beta ,gamma")
	t.Setenv("HTTP_ADDR", ":9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 5*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, cfg.Engine.Partitions)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("ENV", "staging")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsShortTick(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "100ms")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadPostgresRequiresCredentials(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("PG_USER", "engine")
	t.Setenv("PG_DATABASE", "schedengine")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "engine", cfg.Store.PG.User)
}
