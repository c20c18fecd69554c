package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/coins"
	"github.com/klingon-exchange/swapd/internal/coins/utxo"
	"github.com/klingon-exchange/swapd/internal/node"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// simnetFaucet is the balance a simnet coin starts with, in whole coins.
var simnetFaucet = decimal.NewFromInt(10)

// openWallet unlocks the wallet in dataDir, creating one on first run.
func openWallet(dataDir string, network chain.Network, password string, log *logging.Logger) (*wallet.Wallet, error) {
	if password == "" {
		return nil, fmt.Errorf("wallet password not set, export %s", passwordEnv)
	}

	svc := wallet.NewService(&wallet.ServiceConfig{
		DataDir: dataDir,
		Network: network,
	})

	if svc.HasWallet() {
		if err := svc.LoadWallet(password, ""); err != nil {
			return nil, err
		}
		log.Info("Wallet unlocked", "network", network)
		return svc.Wallet()
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return nil, err
	}
	if err := svc.CreateWallet(mnemonic, "", password); err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "\nNew wallet created. Write down the recovery phrase:\n\n  %s\n\n", mnemonic)
	log.Info("Wallet created", "network", network)
	return svc.Wallet()
}

// activateCoins activates the configured coins. Simnet coins run on an
// in-memory chain funded from a local faucet.
func activateCoins(ctx context.Context, registry *coins.Registry, cfg *node.Config, w *wallet.Wallet, log *logging.Logger) error {
	backends, err := backend.NewDefaultRegistry(cfg.NetworkType)
	if err != nil {
		return err
	}

	for _, ticker := range cfg.Coins {
		params, ok := chain.Get(ticker, cfg.NetworkType)
		if !ok {
			return fmt.Errorf("coin %s is not available on %s", ticker, cfg.NetworkType)
		}
		if params.Type != chain.ChainTypeBitcoin {
			log.Warn("Skipping coin without a swap implementation", "ticker", ticker, "type", params.Type)
			continue
		}

		var memory *backend.Memory
		b, ok := backends.Get(ticker)
		if !ok {
			if cfg.NetworkType != chain.Simnet {
				log.Warn("Skipping coin without a backend", "ticker", ticker)
				continue
			}
			memory = backend.NewMemory(clock.NewDefaultClock(), true)
			b = memory
		}

		coin, err := registry.ActivateUTXO(&utxo.Config{
			Params:  params,
			Backend: b,
			Wallet:  w,
		})
		if err != nil {
			return fmt.Errorf("failed to activate %s: %w", ticker, err)
		}

		if memory != nil {
			value := simnetFaucet.Shift(int32(params.Decimals)).IntPart()
			if _, err := memory.Fund(coin.Address(), value); err != nil {
				return fmt.Errorf("failed to fund %s: %w", ticker, err)
			}
		}

		addr, _ := coin.MyAddress()
		balance, err := coin.MyBalance(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Balance unavailable", "ticker", ticker, "error", err)
		}
		log.Info("Coin ready", "ticker", ticker, "address", addr, "balance", balance)
	}
	return nil
}
