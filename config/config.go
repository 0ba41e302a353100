package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const (
	// LogFormatPlain is a format for colored text output.
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for structured JSON output.
	LogFormatJSON = "json"

	// DBBackendGoLevelDB uses goleveldb for the durable stores.
	DBBackendGoLevelDB = "goleveldb"
	// DBBackendMemDB keeps all stores in memory.
	DBBackendMemDB = "memdb"
)

var (
	// DefaultMeshnetDir is the default home directory, relative to $HOME.
	DefaultMeshnetDir = ".meshnet"

	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a meshnet node.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Mesh            *MeshConfig            `mapstructure:"mesh"`
	Router          *RouterConfig          `mapstructure:"router"`
	Fault           *FaultConfig           `mapstructure:"fault"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a meshnet node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Mesh:            DefaultMeshConfig(),
		Router:          DefaultRouterConfig(),
		Fault:           DefaultFaultConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing: in-memory
// databases and near-zero simulated delays.
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Mesh:            TestMeshConfig(),
		Router:          TestRouterConfig(),
		Fault:           TestFaultConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Mesh.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [mesh] section: %w", err)
	}
	if err := cfg.Router.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [router] section: %w", err)
	}
	if err := cfg.Fault.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [fault] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a meshnet node.
type BaseConfig struct {
	// The root directory for all data.
	RootDir string `mapstructure:"home"`

	// The ID of this node on the overlay.
	NodeID string `mapstructure:"node-id"`

	// A custom human readable name for this node.
	Moniker string `mapstructure:"moniker"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`
}

// DefaultBaseConfig returns a default base configuration for a meshnet node.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		NodeID:    "node0",
		Moniker:   "anonymous",
		DBBackend: DBBackendGoLevelDB,
		DBPath:    defaultDataDir,
		LogLevel:  "info",
		LogFormat: LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing a meshnet node.
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = DBBackendMemDB
	return cfg
}

// DBDir returns the full path to the database directory.
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation and returns an error if any check
// fails.
func (cfg BaseConfig) ValidateBasic() error {
	if cfg.NodeID == "" {
		return errors.New("node-id cannot be empty")
	}
	switch cfg.LogFormat {
	case "", LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case DBBackendGoLevelDB, DBBackendMemDB:
	default:
		return fmt.Errorf("unknown db backend %q", cfg.DBBackend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// MeshConfig

// MeshConfig defines the configuration of the peer registry and connection
// manager.
type MeshConfig struct {
	// Maximum number of peers to track. 0 means no limit.
	MaxPeers uint16 `mapstructure:"max-peers"`

	// Simulated handshake duration observed when establishing a link.
	HandshakeDelay time.Duration `mapstructure:"handshake-delay"`

	// Base latency estimate for links, and the upper bound of the random
	// jitter added on top of it.
	BaseLatency   time.Duration `mapstructure:"base-latency"`
	LatencyJitter time.Duration `mapstructure:"latency-jitter"`

	// Peers unseen for longer than this are pruned. 0 disables pruning.
	StalePeerAge time.Duration `mapstructure:"stale-peer-age"`
}

// DefaultMeshConfig returns a default configuration for the mesh.
func DefaultMeshConfig() *MeshConfig {
	return &MeshConfig{
		MaxPeers:       256,
		HandshakeDelay: 20 * time.Millisecond,
		BaseLatency:    10 * time.Millisecond,
		LatencyJitter:  15 * time.Millisecond,
		StalePeerAge:   10 * time.Minute,
	}
}

// TestMeshConfig returns a configuration for testing the mesh.
func TestMeshConfig() *MeshConfig {
	cfg := DefaultMeshConfig()
	cfg.HandshakeDelay = time.Millisecond
	cfg.BaseLatency = time.Millisecond
	cfg.LatencyJitter = 0
	return cfg
}

// ValidateBasic performs basic validation and returns an error if any check
// fails.
func (cfg *MeshConfig) ValidateBasic() error {
	if cfg.HandshakeDelay < 0 {
		return errors.New("handshake-delay cannot be negative")
	}
	if cfg.BaseLatency < 0 {
		return errors.New("base-latency cannot be negative")
	}
	if cfg.LatencyJitter < 0 {
		return errors.New("latency-jitter cannot be negative")
	}
	if cfg.StalePeerAge < 0 {
		return errors.New("stale-peer-age cannot be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// RouterConfig

// RouterConfig defines the configuration of the message router.
type RouterConfig struct {
	// Simulated forwarding delay applied per hop.
	HopDelay time.Duration `mapstructure:"hop-delay"`

	// Hop budget assigned to new messages.
	DefaultTTL int `mapstructure:"default-ttl"`

	// Number of neighbors a gossip round targets.
	GossipFanout int `mapstructure:"gossip-fanout"`
}

// DefaultRouterConfig returns a default configuration for the router.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		HopDelay:     5 * time.Millisecond,
		DefaultTTL:   16,
		GossipFanout: 3,
	}
}

// TestRouterConfig returns a configuration for testing the router.
func TestRouterConfig() *RouterConfig {
	cfg := DefaultRouterConfig()
	cfg.HopDelay = time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation and returns an error if any check
// fails.
func (cfg *RouterConfig) ValidateBasic() error {
	if cfg.HopDelay < 0 {
		return errors.New("hop-delay cannot be negative")
	}
	if cfg.DefaultTTL < 0 {
		return errors.New("default-ttl cannot be negative")
	}
	if cfg.GossipFanout < 0 {
		return errors.New("gossip-fanout cannot be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// FaultConfig

// FaultConfig defines the configuration of the fault manager.
type FaultConfig struct {
	// Bounded budget for a single recovery run.
	RecoveryTimeout time.Duration `mapstructure:"recovery-timeout"`

	// Internal bridging retries before recovery gives up.
	RecoveryRetries int `mapstructure:"recovery-retries"`

	// Loss rate installed by a message-loss fault.
	InjectedLossRate float64 `mapstructure:"injected-loss-rate"`

	// Escalation threshold recorded into recovery strategies.
	EscalationThreshold int `mapstructure:"escalation-threshold"`

	// Interval of the organic partition detection pass. 0 disables it.
	DetectInterval time.Duration `mapstructure:"detect-interval"`
}

// DefaultFaultConfig returns a default configuration for the fault manager.
func DefaultFaultConfig() *FaultConfig {
	return &FaultConfig{
		RecoveryTimeout:     time.Second,
		RecoveryRetries:     3,
		InjectedLossRate:    0.3,
		EscalationThreshold: 3,
		DetectInterval:      5 * time.Second,
	}
}

// TestFaultConfig returns a configuration for testing the fault manager.
func TestFaultConfig() *FaultConfig {
	cfg := DefaultFaultConfig()
	cfg.DetectInterval = 100 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation and returns an error if any check
// fails.
func (cfg *FaultConfig) ValidateBasic() error {
	if cfg.RecoveryTimeout < 0 {
		return errors.New("recovery-timeout cannot be negative")
	}
	if cfg.RecoveryRetries < 0 {
		return errors.New("recovery-retries cannot be negative")
	}
	if cfg.InjectedLossRate < 0 || cfg.InjectedLossRate > 1 {
		return errors.New("injected-loss-rate must be in [0,1]")
	}
	if cfg.DetectInterval < 0 {
		return errors.New("detect-interval cannot be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "meshnet",
	}
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
