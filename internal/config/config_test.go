package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://arb1.arbitrum.io/rpc", cfg.Chain.RPCURL)
	assert.Equal(t, NetworkMainnet, cfg.Chain.Network)
	assert.Equal(t, 3003, cfg.Server.Port)
	assert.Equal(t, "./yield-tracker.db", cfg.Storage.ConnectionString)
	assert.Equal(t, 60*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, uint64(50000), cfg.Monitor.LookbackBlocks)
	assert.Equal(t, 365.0, cfg.Yield.PeriodsPerYear)
	assert.Equal(t, 8.5, cfg.Yield.FallbackAPY)
	assert.Equal(t, "@every 6h", cfg.Tracker.SnapshotSchedule)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chain:
  network: sepolia
  backup_nodes: "https://a.example,https://b.example"
storage:
  type: postgres
  connection_string: postgres://localhost/yield
yield:
  periods_per_year: 1095
`), 0o644))

	t.Setenv("ARBITRUM_RPC_URL", "https://rpc.example")
	t.Setenv("PORT", "8080")
	t.Setenv("POLL_INTERVAL", "30000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.example", cfg.Chain.RPCURL)
	assert.Equal(t, NetworkSepolia, cfg.Chain.Network)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Chain.BackupNodes)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, 1095.0, cfg.Yield.PeriodsPerYear)
	assert.Equal(t, uint64(421614), cfg.Chain.NetworkInfo().ChainID)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("UnknownNetwork", func(t *testing.T) {
		cfg := base()
		cfg.Chain.Network = "goerli"
		assert.Error(t, cfg.Validate())
	})
	t.Run("RedisWithoutURL", func(t *testing.T) {
		cfg := base()
		cfg.Cache.Type = "redis"
		assert.Error(t, cfg.Validate())
	})
	t.Run("NotificationsWithoutWebhooks", func(t *testing.T) {
		cfg := base()
		cfg.Notifications.Enabled = true
		assert.Error(t, cfg.Validate())
	})
	t.Run("ZeroPeriods", func(t *testing.T) {
		cfg := base()
		cfg.Yield.PeriodsPerYear = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestNetworkOverride(t *testing.T) {
	c := ChainConfig{Network: NetworkMainnet, USDsAddress: "0x0000000000000000000000000000000000000001"}
	n := c.NetworkInfo()
	assert.Equal(t, uint64(42161), n.ChainID)
	assert.Equal(t, "0x0000000000000000000000000000000000000001", n.USDsAddress)
	assert.Equal(t, "0x8EC1877698ACF262Fe8Ad8a295ad94D6ea258988", n.VaultAddress)
}
