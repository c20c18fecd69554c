package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestDefaultSwapConfig(t *testing.T) {
	cfg := DefaultSwapConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.MessageTimeout() != 100*time.Second {
		t.Errorf("MessageTimeout() = %v, want 100s", cfg.MessageTimeout())
	}
	if cfg.MaxStartedAtDiff != time.Minute {
		t.Errorf("MaxStartedAtDiff = %v, want 1m", cfg.MaxStartedAtDiff)
	}
}

func TestSwapConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *SwapConfig)
	}{
		{"zero resend", func(c *SwapConfig) { c.ResendInterval = 0 }},
		{"renew not shorter than ttl", func(c *SwapConfig) { c.LockRenewInterval = c.LockTTL }},
		{"negative skew", func(c *SwapConfig) { c.MaxStartedAtDiff = -time.Second }},
		{"zero lock duration", func(c *SwapConfig) { c.DefaultLockDuration = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSwapConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestDexFeeConfig(t *testing.T) {
	cfg := DefaultDexFeeConfig()

	if !cfg.IsNative("KMD") || !cfg.IsNative("kmd") {
		t.Error("KMD should be native")
	}
	if cfg.IsNative("BTC") {
		t.Error("BTC should not be native")
	}
	if !cfg.IsDiscounted("KMD-BEP20") {
		t.Error("KMD-BEP20 should be discounted")
	}
	if cfg.IsDiscounted("BTC") {
		t.Error("BTC should not be discounted")
	}

	want := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(777), 18)
	if !cfg.StandardRate.Equal(want) {
		t.Errorf("StandardRate = %s, want %s", cfg.StandardRate, want)
	}

	if !cfg.BurnShareFor("DOC").Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("BurnShareFor(DOC) = %s", cfg.BurnShareFor("DOC"))
	}
	if !cfg.BurnShareFor("BTC").IsZero() {
		t.Errorf("BurnShareFor(BTC) = %s, want 0", cfg.BurnShareFor("BTC"))
	}
}

func TestGetConfirmationSettings(t *testing.T) {
	kmd := GetConfirmationSettings("KMD", true)
	if kmd.Confirmations != 2 || !kmd.RequiresNotarization {
		t.Errorf("KMD mainnet = %+v", kmd)
	}
	unknown := GetConfirmationSettings("XYZ", false)
	if unknown.Confirmations != 1 {
		t.Errorf("unknown coin confirmations = %d, want 1", unknown.Confirmations)
	}
}

func TestSwapContracts(t *testing.T) {
	if !IsSwapDeployed(97) {
		t.Error("BSC testnet contracts should be deployed")
	}
	if IsSwapDeployed(1) {
		t.Error("mainnet contracts should not be registered")
	}

	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	RegisterSwapContracts(31337, &SwapContracts{MakerSwapV2: addr, TakerSwapV2: addr})
	defer RegisterSwapContracts(31337, nil)

	if got := GetSwapContracts(31337); got == nil || got.MakerSwapV2 != addr {
		t.Errorf("GetSwapContracts() = %+v", got)
	}
}

func TestValidateSwapContract(t *testing.T) {
	expected := GetSwapContracts(97).TakerSwapV2

	tests := []struct {
		name     string
		declared string
		expected common.Address
		wantErr  bool
	}{
		{"matching", expected.Hex(), expected, false},
		{"matching lowercase", "0x628c677e7b8889e64564d3f381565a9e6656aade", expected, false},
		{"different", "0x1111111111111111111111111111111111111111", expected, true},
		{"malformed", "0x1234", expected, true},
		{"no expectation", "0x1111111111111111111111111111111111111111", common.Address{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSwapContract(tt.declared, tt.expected)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSwapContract() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
