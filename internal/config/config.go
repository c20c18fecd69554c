// Package config provides the static protocol parameters of the swap engine.
// Timings, dex fee policy, confirmation requirements and swap contract
// addresses are defined here and nowhere else.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// Swap Timing
// =============================================================================

// SwapConfig holds swap timing parameters. Every polling loop and deadline in
// the engine reads its interval from here so tests can shrink them.
type SwapConfig struct {
	// NegotiationTimeout bounds the wait for each negotiation message.
	NegotiationTimeout time.Duration

	// CommunicationGrace is added to every message wait.
	CommunicationGrace time.Duration

	// ResendInterval is how often a pending message is rebroadcast.
	ResendInterval time.Duration

	// FundingSpendPollInterval is how often the maker checks for the taker
	// funding spend.
	FundingSpendPollInterval time.Duration

	// ConfirmationPollInterval is how often confirmations and spends are polled.
	ConfirmationPollInterval time.Duration

	// MaxStartedAtDiff is the allowed clock skew between maker and taker.
	MaxStartedAtDiff time.Duration

	// LockTTL is the lifetime of a swap reentrancy lock.
	LockTTL time.Duration

	// LockRenewInterval must be shorter than LockTTL.
	LockRenewInterval time.Duration

	// KickstartPollInterval is how often kickstart checks coin activation.
	KickstartPollInterval time.Duration

	// TransientRetryInterval and TransientRetryHorizon bound retries of
	// backend calls that failed with a transient error.
	TransientRetryInterval time.Duration
	TransientRetryHorizon  time.Duration

	// DefaultLockDuration is the lock duration in seconds used when a swap
	// does not specify one.
	DefaultLockDuration uint64
}

// DefaultSwapConfig returns the default swap timing configuration.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		NegotiationTimeout:       90 * time.Second,
		CommunicationGrace:       10 * time.Second,
		ResendInterval:           30 * time.Second,
		FundingSpendPollInterval: 30 * time.Second,
		ConfirmationPollInterval: 15 * time.Second,
		MaxStartedAtDiff:         60 * time.Second,
		LockTTL:                  2 * time.Minute,
		LockRenewInterval:        30 * time.Second,
		KickstartPollInterval:    5 * time.Second,
		TransientRetryInterval:   10 * time.Second,
		TransientRetryHorizon:    10 * time.Minute,
		DefaultLockDuration:      7800,
	}
}

// MessageTimeout returns how long to wait for a single peer message.
func (c SwapConfig) MessageTimeout() time.Duration {
	return c.NegotiationTimeout + c.CommunicationGrace
}

// Validate checks that the configuration is internally consistent.
func (c SwapConfig) Validate() error {
	positive := map[string]time.Duration{
		"negotiation timeout":         c.NegotiationTimeout,
		"resend interval":             c.ResendInterval,
		"funding spend poll interval": c.FundingSpendPollInterval,
		"confirmation poll interval":  c.ConfirmationPollInterval,
		"lock ttl":                    c.LockTTL,
		"lock renew interval":         c.LockRenewInterval,
		"kickstart poll interval":     c.KickstartPollInterval,
		"transient retry interval":    c.TransientRetryInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.LockRenewInterval >= c.LockTTL {
		return errors.New("lock renew interval must be shorter than lock ttl")
	}
	if c.MaxStartedAtDiff < 0 {
		return errors.New("max started_at diff must not be negative")
	}
	if c.DefaultLockDuration == 0 {
		return errors.New("default lock duration must be positive")
	}
	return nil
}

// =============================================================================
// Dex Fee
// =============================================================================

// DexFeeConfig holds the dex fee policy.
type DexFeeConfig struct {
	// NativeTicker is the platform coin. Pairs involving it pay no fee.
	NativeTicker string

	// DiscountTickers pay StandardRate * DiscountRate.
	DiscountTickers []string

	StandardRate decimal.Decimal
	DiscountRate decimal.Decimal

	// FeePubkey receives the dex fee. A taker using this key pays nothing.
	FeePubkey string

	// BurnPubkey receives the burn share where a coin burns part of the fee.
	BurnPubkey string

	// BurnShare maps a taker coin ticker to the fraction of the fee burned.
	// Coins not listed burn nothing.
	BurnShare map[string]decimal.Decimal
}

// DefaultDexFeeConfig returns the default dex fee policy.
func DefaultDexFeeConfig() DexFeeConfig {
	return DexFeeConfig{
		NativeTicker:    "KMD",
		DiscountTickers: []string{"KMD-BEP20", "KMD-ERC20"},
		StandardRate:    decimal.NewFromInt(1).DivRound(decimal.NewFromInt(777), 18),
		DiscountRate:    decimal.RequireFromString("0.9"),
		FeePubkey:       "03bc2c7ba671bae4a6fc835244c9762b41647b9827d4780a89a949b984a8ddcc06",
		BurnPubkey:      "02afef2f6a4b2a9bf2ac1fa8ec4b2bc1c5fa0fdc0f1e45b0db9c4a0ab2e4a2aa0a",
		BurnShare: map[string]decimal.Decimal{
			"DOC":   decimal.RequireFromString("0.25"),
			"MARTY": decimal.RequireFromString("0.25"),
		},
	}
}

// IsNative reports whether ticker is the platform coin.
func (d DexFeeConfig) IsNative(ticker string) bool {
	return strings.EqualFold(ticker, d.NativeTicker)
}

// IsDiscounted reports whether ticker qualifies for the discounted rate.
func (d DexFeeConfig) IsDiscounted(ticker string) bool {
	for _, t := range d.DiscountTickers {
		if strings.EqualFold(t, ticker) {
			return true
		}
	}
	return false
}

// BurnShareFor returns the burned fraction of the fee for a taker coin.
func (d DexFeeConfig) BurnShareFor(ticker string) decimal.Decimal {
	if share, ok := d.BurnShare[ticker]; ok {
		return share
	}
	return decimal.Zero
}

// =============================================================================
// Confirmations
// =============================================================================

// ConfirmationSettings describe how many confirmations a coin's payments need
// before the counterparty acts on them.
type ConfirmationSettings struct {
	Confirmations        uint64
	RequiresNotarization bool
}

// MainnetConfirmations are the per-coin confirmation requirements on mainnet.
var MainnetConfirmations = map[string]ConfirmationSettings{
	"BTC": {Confirmations: 2},
	"LTC": {Confirmations: 3},
	"KMD": {Confirmations: 2, RequiresNotarization: true},
	"ETH": {Confirmations: 6},
	"BNB": {Confirmations: 12},
}

// TestnetConfirmations are used on testnet and simnet, where waiting for
// confirmations only slows down testing.
var TestnetConfirmations = map[string]ConfirmationSettings{
	"BTC":   {Confirmations: 1},
	"DOC":   {Confirmations: 1},
	"MARTY": {Confirmations: 1},
}

// defaultConfirmations applies to coins without an entry.
var defaultConfirmations = ConfirmationSettings{Confirmations: 1}

// GetConfirmationSettings returns the confirmation settings for a coin.
func GetConfirmationSettings(symbol string, isMainnet bool) ConfirmationSettings {
	table := TestnetConfirmations
	if isMainnet {
		table = MainnetConfirmations
	}
	if s, ok := table[symbol]; ok {
		return s
	}
	return defaultConfirmations
}
