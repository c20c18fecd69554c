package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NetworkType != chain.Mainnet {
		t.Errorf("expected mainnet, got %s", cfg.NetworkType)
	}
	if cfg.Identity.KeyFile != "node.key" {
		t.Errorf("expected node.key, got %s", cfg.Identity.KeyFile)
	}
	if len(cfg.Network.ListenAddrs) != 2 {
		t.Errorf("expected 2 listen addresses, got %d", len(cfg.Network.ListenAddrs))
	}
	if !cfg.Network.EnableMDNS || !cfg.Network.EnableDHT {
		t.Error("expected mDNS and DHT enabled")
	}
	if cfg.Network.ConnMgr.LowWater != 50 || cfg.Network.ConnMgr.HighWater != 200 {
		t.Errorf("unexpected conn manager watermarks %d/%d", cfg.Network.ConnMgr.LowWater, cfg.Network.ConnMgr.HighWater)
	}
	if cfg.Network.ConnMgr.GracePeriod != time.Minute {
		t.Errorf("expected GracePeriod 1m, got %v", cfg.Network.ConnMgr.GracePeriod)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigNetworkSeparation(t *testing.T) {
	tests := []struct {
		network   chain.Network
		prefix    string
		namespace string
	}{
		{chain.Mainnet, MainnetDHTPrefix, MainnetDiscoveryNS},
		{chain.Testnet, TestnetDHTPrefix, TestnetDiscoveryNS},
		{chain.Simnet, SimnetDHTPrefix, SimnetDiscoveryNS},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.NetworkType = tt.network
		if got := cfg.DHTPrefix(); got != tt.prefix {
			t.Errorf("%s: DHTPrefix = %s, want %s", tt.network, got, tt.prefix)
		}
		if got := cfg.DiscoveryNamespace(); got != tt.namespace {
			t.Errorf("%s: DiscoveryNamespace = %s, want %s", tt.network, got, tt.namespace)
		}
		if got := cfg.IsMainnet(); got != (tt.network == chain.Mainnet) {
			t.Errorf("%s: IsMainnet = %v", tt.network, got)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NetworkType = "devnet"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown network")
	}

	cfg = DefaultConfig()
	cfg.NetworkType = chain.Testnet
	cfg.Coins = []string{"KMD"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for coin missing on testnet")
	}

	cfg = DefaultConfig()
	cfg.NetworkType = chain.Simnet
	cfg.Coins = []string{"DOC", "MARTY"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSwapSettingsOverlay(t *testing.T) {
	defaults := config.DefaultSwapConfig()

	got := SwapSettings{}.SwapConfig()
	if got != defaults {
		t.Errorf("empty settings should keep defaults, got %+v", got)
	}

	got = SwapSettings{
		NegotiationTimeout: 2 * time.Minute,
		ResendInterval:     5 * time.Second,
		LockDuration:       3600,
	}.SwapConfig()
	if got.NegotiationTimeout != 2*time.Minute {
		t.Errorf("NegotiationTimeout = %v", got.NegotiationTimeout)
	}
	if got.ResendInterval != 5*time.Second {
		t.Errorf("ResendInterval = %v", got.ResendInterval)
	}
	if got.DefaultLockDuration != 3600 {
		t.Errorf("DefaultLockDuration = %d", got.DefaultLockDuration)
	}
	if got.FundingSpendPollInterval != defaults.FundingSpendPollInterval {
		t.Errorf("FundingSpendPollInterval should keep default, got %v", got.FundingSpendPollInterval)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "swapd-config-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("expected data dir %s, got %s", tmpDir, cfg.Storage.DataDir)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ConfigFileName)); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "swapd-config-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultConfig()
	cfg.NetworkType = chain.Simnet
	cfg.Coins = []string{"DOC", "MARTY"}
	cfg.Network.EnableMDNS = false
	cfg.Swap.ResendInterval = 3 * time.Second
	cfg.Logging.Level = "debug"

	if err := cfg.Save(ConfigPath(tmpDir)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.NetworkType != chain.Simnet {
		t.Errorf("expected simnet, got %s", loaded.NetworkType)
	}
	if len(loaded.Coins) != 2 || loaded.Coins[0] != "DOC" {
		t.Errorf("unexpected coins %v", loaded.Coins)
	}
	if loaded.Network.EnableMDNS {
		t.Error("expected mDNS disabled")
	}
	if loaded.Swap.ResendInterval != 3*time.Second {
		t.Errorf("ResendInterval = %v", loaded.Swap.ResendInterval)
	}
	if loaded.Logging.Level != "debug" {
		t.Errorf("expected debug, got %s", loaded.Logging.Level)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "swapd-config-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	data := []byte("network_type: simnet\ncoins: [\"NOPE\"]\n")
	if err := os.WriteFile(ConfigPath(tmpDir), data, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(tmpDir); err == nil {
		t.Error("expected error for unknown coin")
	}
}
