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

	assert.Equal(t, DefaultCTFExchange, cfg.Chain.CTFExchange)
	assert.Equal(t, DefaultUSDCe, cfg.Chain.USDCe)
	assert.Equal(t, int64(500), cfg.Chain.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval())
	assert.Equal(t, 1000.0, cfg.Scheduler.WhaleThreshold)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "https://gamma-api.polymarket.com", cfg.Gamma.BaseURL)
	assert.Equal(t, "https://data-api.polymarket.com", cfg.DataAPI.BaseURL)
	assert.Equal(t, 600*time.Second, cfg.Traders.LevelCacheTTL())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RPC_URL", "https://polygon.example/rpc")
	t.Setenv("DATABASE_PATH", "/tmp/test.db")
	t.Setenv("WHALE_THRESHOLD", "2500")
	t.Setenv("SYNC_INTERVAL", "30")
	t.Setenv("ENABLE_SCHEDULER", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://polygon.example/rpc", cfg.Chain.RPCURL)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 2500.0, cfg.Scheduler.WhaleThreshold)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval())
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	// Chain not needed: defaults are valid without an RPC URL.
	assert.NoError(t, cfg.Validate(false))
	// Chain needed: the empty RPC URL must be rejected.
	assert.Error(t, cfg.Validate(true))

	cfg.Chain.RPCURL = "https://polygon.example/rpc"
	assert.NoError(t, cfg.Validate(true))

	cfg.API.Port = 0
	assert.Error(t, cfg.Validate(false))
}
