package coins

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/coins/utxo"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/lightningnetwork/lnd/clock"
)

func testConfig(t *testing.T, symbol string) *utxo.Config {
	t.Helper()
	w, err := wallet.NewFromSeed(bytes.Repeat([]byte{3}, 32), chain.Simnet)
	if err != nil {
		t.Fatal(err)
	}
	params, ok := chain.Get(symbol, chain.Simnet)
	if !ok {
		t.Fatalf("%s simnet params missing", symbol)
	}
	clk := clock.NewTestClock(time.Unix(1_700_000_000, 0))
	return &utxo.Config{Params: params, Backend: backend.NewMemory(clk, true), Wallet: w, Clock: clk}
}

func TestRegistryActivate(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.Get("DOC"); ok {
		t.Fatal("Get() found a coin in an empty registry")
	}
	if _, err := r.ActivateUTXO(testConfig(t, "DOC")); err != nil {
		t.Fatalf("ActivateUTXO() error = %v", err)
	}
	if _, err := r.ActivateUTXO(testConfig(t, "MARTY")); err != nil {
		t.Fatalf("ActivateUTXO() error = %v", err)
	}
	if _, err := r.ActivateUTXO(testConfig(t, "DOC")); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("ActivateUTXO(duplicate) error = %v, want ErrAlreadyActive", err)
	}

	got := r.List()
	if len(got) != 2 || got[0] != "DOC" || got[1] != "MARTY" {
		t.Fatalf("List() = %v", got)
	}
	if _, err := r.MakerCoin("DOC"); err != nil {
		t.Errorf("MakerCoin() error = %v", err)
	}
	if _, err := r.TakerCoin("MARTY"); err != nil {
		t.Errorf("TakerCoin() error = %v", err)
	}

	r.Deactivate("DOC")
	if _, err := r.MakerCoin("DOC"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("MakerCoin() after Deactivate error = %v, want ErrNotActive", err)
	}
}

func TestActivateUTXORejectsEVM(t *testing.T) {
	w, err := wallet.NewFromSeed(bytes.Repeat([]byte{3}, 32), chain.Testnet)
	if err != nil {
		t.Fatal(err)
	}
	params, _ := chain.Get("ETH", chain.Testnet)
	clk := clock.NewTestClock(time.Unix(0, 0))
	_, err = NewRegistry().ActivateUTXO(&utxo.Config{Params: params, Backend: backend.NewMemory(clk, false), Wallet: w})
	if err == nil {
		t.Fatal("ActivateUTXO(ETH) succeeded")
	}
}
