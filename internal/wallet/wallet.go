// Package wallet provides HD keys derived from a BIP39 seed, the per-swap
// keys and secrets derived from them, and encrypted seed storage.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/tyler-smith/go-bip39"
)

// BIP44 purpose used for every derived key.
const purposeBIP44 = 44

// Change branches under an account. Swap keys live on their own branch so
// they never collide with receiving addresses.
const (
	branchExternal uint32 = 0
	branchSwap     uint32 = 2
)

type keyPath [5]uint32

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network

	mu    sync.Mutex
	cache map[keyPath]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic and optional passphrase.
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// Address encoding comes from the coin params; the master key network
	// only affects extended key serialization.
	params := &chaincfg.MainNetParams
	if network != chain.Mainnet {
		params = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[keyPath]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// DeriveKey derives the key at m/purpose'/coin'/account'/change/index.
func (w *Wallet) DeriveKey(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	path := keyPath{purpose, coinType, account, change, index}

	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[path]; ok {
		return key, nil
	}

	key := w.masterKey
	for i, child := range path {
		if i < 3 {
			child += hdkeychain.HardenedKeyStart
		}
		var err error
		if key, err = key.Derive(child); err != nil {
			return nil, fmt.Errorf("failed to derive path element %d: %w", i, err)
		}
	}

	w.cache[path] = key
	return key, nil
}

// DerivePrivateKey derives the private key of a coin's receiving address.
func (w *Wallet) DerivePrivateKey(symbol string, account, index uint32) (*btcec.PrivateKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}
	key, err := w.DeriveKey(purposeBIP44, params.CoinType, account, branchExternal, index)
	if err != nil {
		return nil, err
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privKey, nil
}

// DerivePublicKey derives the public key of a coin's receiving address.
func (w *Wallet) DerivePublicKey(symbol string, account, index uint32) (*btcec.PublicKey, error) {
	privKey, err := w.DerivePrivateKey(symbol, account, index)
	if err != nil {
		return nil, err
	}
	return privKey.PubKey(), nil
}

// DeriveAddress derives the receiving address of a bitcoin-family coin.
func (w *Wallet) DeriveAddress(symbol string, account, index uint32) (string, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return "", fmt.Errorf("unsupported chain: %s", symbol)
	}
	if params.Type != chain.ChainTypeBitcoin {
		return "", fmt.Errorf("address derivation not supported for %s chains", params.Type)
	}
	pubKey, err := w.DerivePublicKey(symbol, account, index)
	if err != nil {
		return "", err
	}
	addr, err := P2WPKHAddress(pubKey, params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// ClearCache drops all cached derived keys.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[keyPath]*hdkeychain.ExtendedKey)
}
