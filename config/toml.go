package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// WriteConfigFile renders the config to TOML and writes it under
// <root>/config/config.toml, creating the directory layout if needed.
// Durations are written in their string form ("20ms") so the file stays
// human-editable; viper parses them back on load.
func WriteConfigFile(root string, cfg *Config) error {
	if err := EnsureRoot(root); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(configMap(cfg)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	path := filepath.Join(root, defaultConfigFilePath)
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// LoadConfigFile reads the config from <root>/config/config.toml through
// viper, applying it on top of the defaults.
func LoadConfigFile(root string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(root, defaultConfigFilePath))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetRoot(root)
	return cfg, cfg.ValidateBasic()
}

// EnsureRoot creates the root, config, and data directories if they are
// missing.
func EnsureRoot(root string) error {
	for _, dir := range []string{
		root,
		filepath.Join(root, defaultConfigDir),
		filepath.Join(root, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}
	return nil
}

// configMap lays the config out under the same keys viper unmarshals from.
func configMap(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"node-id":    cfg.NodeID,
		"moniker":    cfg.Moniker,
		"db-backend": cfg.DBBackend,
		"db-dir":     cfg.DBPath,
		"log-level":  cfg.LogLevel,
		"log-format": cfg.LogFormat,
		"mesh": map[string]interface{}{
			"max-peers":       cfg.Mesh.MaxPeers,
			"handshake-delay": cfg.Mesh.HandshakeDelay.String(),
			"base-latency":    cfg.Mesh.BaseLatency.String(),
			"latency-jitter":  cfg.Mesh.LatencyJitter.String(),
			"stale-peer-age":  cfg.Mesh.StalePeerAge.String(),
		},
		"router": map[string]interface{}{
			"hop-delay":     cfg.Router.HopDelay.String(),
			"default-ttl":   cfg.Router.DefaultTTL,
			"gossip-fanout": cfg.Router.GossipFanout,
		},
		"fault": map[string]interface{}{
			"recovery-timeout":     cfg.Fault.RecoveryTimeout.String(),
			"recovery-retries":     cfg.Fault.RecoveryRetries,
			"injected-loss-rate":   cfg.Fault.InjectedLossRate,
			"escalation-threshold": cfg.Fault.EscalationThreshold,
			"detect-interval":      cfg.Fault.DetectInterval.String(),
		},
		"instrumentation": map[string]interface{}{
			"prometheus":             cfg.Instrumentation.Prometheus,
			"prometheus-listen-addr": cfg.Instrumentation.PrometheusListenAddr,
			"namespace":              cfg.Instrumentation.Namespace,
		},
	}
}
