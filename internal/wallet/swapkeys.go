package wallet

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/internal/chain"
	"golang.org/x/crypto/hkdf"
)

// Coin type of the key that signs swap messages. It is not tied to any
// traded coin so the identity is the same whatever pair is swapped.
const messageKeyCoinType = 141

// swapBaseKey returns the private key bytes of the swap branch of a coin.
func (w *Wallet) swapBaseKey(coinType uint32) ([]byte, error) {
	key, err := w.DeriveKey(purposeBIP44, coinType, 0, branchSwap, 0)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv.Serialize(), nil
}

func expand(secret, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// HTLCKey derives the private key used in a swap's HTLC scripts on a coin.
// The same unique data always yields the same key, so a swap can be resumed
// from its persisted identifiers alone.
func (w *Wallet) HTLCKey(symbol string, uniqueData []byte) (*btcec.PrivateKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}
	base, err := w.swapBaseKey(params.CoinType)
	if err != nil {
		return nil, err
	}
	defer SecureClear(base)

	raw, err := expand(base, uniqueData, "swapd/htlc/"+symbol, 32)
	if err != nil {
		return nil, err
	}
	defer SecureClear(raw)

	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("derived zero htlc key")
	}
	return priv, nil
}

// SwapSecret derives the 32-byte secret a party commits to in a swap.
func (w *Wallet) SwapSecret(id uuid.UUID, role string) ([]byte, error) {
	base, err := w.swapBaseKey(messageKeyCoinType)
	if err != nil {
		return nil, err
	}
	defer SecureClear(base)
	return expand(base, id[:], "swapd/secret/"+role, 32)
}

// MessageKey returns the key that authenticates this node's swap messages.
func (w *Wallet) MessageKey() (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(purposeBIP44, messageKeyCoinType, 0, branchSwap, 1)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}
