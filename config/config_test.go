package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/meshnet/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.ValidateBasic())
	assert.Equal(t, "node0", cfg.NodeID)
	assert.Equal(t, config.DBBackendGoLevelDB, cfg.DBBackend)
	assert.EqualValues(t, 256, cfg.Mesh.MaxPeers)
	assert.Equal(t, 16, cfg.Router.DefaultTTL)
	assert.Equal(t, time.Second, cfg.Fault.RecoveryTimeout)
	assert.False(t, cfg.Instrumentation.Prometheus)
}

func TestTestConfig(t *testing.T) {
	cfg := config.TestConfig()
	require.NoError(t, cfg.ValidateBasic())
	assert.Equal(t, config.DBBackendMemDB, cfg.DBBackend)
	assert.Equal(t, time.Millisecond, cfg.Mesh.HandshakeDelay)
}

func TestConfigValidateBasic(t *testing.T) {
	testcases := map[string]func(*config.Config){
		"empty node id":     func(cfg *config.Config) { cfg.NodeID = "" },
		"bad log format":    func(cfg *config.Config) { cfg.LogFormat = "xml" },
		"bad db backend":    func(cfg *config.Config) { cfg.DBBackend = "closervdb" },
		"negative delay":    func(cfg *config.Config) { cfg.Mesh.HandshakeDelay = -1 },
		"negative ttl":      func(cfg *config.Config) { cfg.Router.DefaultTTL = -1 },
		"loss out of range": func(cfg *config.Config) { cfg.Fault.InjectedLossRate = 1.5 },
	}
	for name, mutate := range testcases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			mutate(cfg)
			require.Error(t, cfg.ValidateBasic())
		})
	}
}

func TestDBDir(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SetRoot("/tmp/meshnet-home")
	assert.Equal(t, filepath.Join("/tmp/meshnet-home", "data"), cfg.DBDir())

	cfg.DBPath = "/var/lib/meshnet"
	assert.Equal(t, "/var/lib/meshnet", cfg.DBDir())
}

func TestEnsureRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, config.EnsureRoot(root))
	for _, dir := range []string{"config", "data"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	root := t.TempDir()

	written := config.DefaultConfig()
	written.NodeID = "node-42"
	written.Moniker = "roundtrip"
	written.DBBackend = config.DBBackendMemDB
	written.Mesh.HandshakeDelay = 42 * time.Millisecond
	written.Mesh.StalePeerAge = 3 * time.Minute
	written.Router.GossipFanout = 5
	written.Fault.InjectedLossRate = 0.15
	written.Instrumentation.Prometheus = true

	require.NoError(t, config.WriteConfigFile(root, written))

	loaded, err := config.LoadConfigFile(root)
	require.NoError(t, err)
	assert.Equal(t, "node-42", loaded.NodeID)
	assert.Equal(t, "roundtrip", loaded.Moniker)
	assert.Equal(t, config.DBBackendMemDB, loaded.DBBackend)
	assert.Equal(t, 42*time.Millisecond, loaded.Mesh.HandshakeDelay)
	assert.Equal(t, 3*time.Minute, loaded.Mesh.StalePeerAge)
	assert.Equal(t, 5, loaded.Router.GossipFanout)
	assert.Equal(t, 0.15, loaded.Fault.InjectedLossRate)
	assert.True(t, loaded.Instrumentation.Prometheus)
	assert.Equal(t, root, loaded.RootDir)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := config.LoadConfigFile(t.TempDir())
	require.Error(t, err)
}
