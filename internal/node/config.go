// Package node provides the libp2p node that carries swap messages, the
// in-process hub used for local runs, and the daemon configuration.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"gopkg.in/yaml.v3"
)

// Network-specific constants for peer separation.
const (
	MainnetDHTPrefix   = "/swapd"
	MainnetDiscoveryNS = "swapd-mainnet"

	TestnetDHTPrefix   = "/swapd-testnet"
	TestnetDiscoveryNS = "swapd-testnet"

	SimnetDHTPrefix   = "/swapd-simnet"
	SimnetDiscoveryNS = "swapd-simnet"
)

// Config holds all configuration for the daemon.
type Config struct {
	// NetworkType is mainnet, testnet or simnet.
	NetworkType chain.Network `yaml:"network_type"`

	Identity IdentityConfig `yaml:"identity"`
	Network  NetworkConfig  `yaml:"network"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Swap     SwapSettings   `yaml:"swap"`

	// Coins lists the tickers activated at startup.
	Coins []string `yaml:"coins"`
}

// DHTPrefix returns the DHT protocol prefix for the configured network.
func (c *Config) DHTPrefix() string {
	switch c.NetworkType {
	case chain.Testnet:
		return TestnetDHTPrefix
	case chain.Simnet:
		return SimnetDHTPrefix
	default:
		return MainnetDHTPrefix
	}
}

// DiscoveryNamespace returns the discovery namespace for the configured network.
func (c *Config) DiscoveryNamespace() string {
	switch c.NetworkType {
	case chain.Testnet:
		return TestnetDiscoveryNS
	case chain.Simnet:
		return SimnetDiscoveryNS
	default:
		return MainnetDiscoveryNS
	}
}

// IsMainnet returns true if running on mainnet.
func (c *Config) IsMainnet() bool {
	return c.NetworkType == chain.Mainnet
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// KeyFile is the path to the node's libp2p private key file.
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds P2P network settings.
type NetworkConfig struct {
	ListenAddrs        []string      `yaml:"listen_addrs"`
	BootstrapPeers     []string      `yaml:"bootstrap_peers"`
	EnableMDNS         bool          `yaml:"enable_mdns"`
	EnableDHT          bool          `yaml:"enable_dht"`
	EnableRelay        bool          `yaml:"enable_relay"`
	EnableNAT          bool          `yaml:"enable_nat"`
	EnableHolePunching bool          `yaml:"enable_hole_punching"`
	ConnMgr            ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// SwapSettings are the operator-tunable swap timings. Zero values keep the
// protocol defaults.
type SwapSettings struct {
	NegotiationTimeout       time.Duration `yaml:"negotiation_timeout"`
	ResendInterval           time.Duration `yaml:"resend_interval"`
	FundingSpendPollInterval time.Duration `yaml:"funding_spend_poll_interval"`
	ConfirmationPollInterval time.Duration `yaml:"confirmation_poll_interval"`
	KickstartPollInterval    time.Duration `yaml:"kickstart_poll_interval"`
	LockDuration             uint64        `yaml:"lock_duration"`
}

// SwapConfig overlays the settings on the protocol defaults.
func (s SwapSettings) SwapConfig() config.SwapConfig {
	cfg := config.DefaultSwapConfig()
	if s.NegotiationTimeout > 0 {
		cfg.NegotiationTimeout = s.NegotiationTimeout
	}
	if s.ResendInterval > 0 {
		cfg.ResendInterval = s.ResendInterval
	}
	if s.FundingSpendPollInterval > 0 {
		cfg.FundingSpendPollInterval = s.FundingSpendPollInterval
	}
	if s.ConfirmationPollInterval > 0 {
		cfg.ConfirmationPollInterval = s.ConfirmationPollInterval
	}
	if s.KickstartPollInterval > 0 {
		cfg.KickstartPollInterval = s.KickstartPollInterval
	}
	if s.LockDuration > 0 {
		cfg.DefaultLockDuration = s.LockDuration
	}
	return cfg
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: chain.Mainnet,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4001",
				"/ip4/0.0.0.0/udp/4001/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		Storage: StorageConfig{
			DataDir: "~/.swapd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Coins: []string{"BTC", "KMD"},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from dataDir, creating a default file on
// first run.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.NetworkType {
	case chain.Mainnet, chain.Testnet, chain.Simnet:
	default:
		return fmt.Errorf("unknown network type %q", c.NetworkType)
	}
	for _, coin := range c.Coins {
		if _, ok := chain.Get(coin, c.NetworkType); !ok {
			return fmt.Errorf("coin %s is not available on %s", coin, c.NetworkType)
		}
	}
	return c.Swap.SwapConfig().Validate()
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# swapd configuration\n# Generated automatically on first run\n\n")
	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
