// Package chain defines per-coin parameters and the swap capabilities each coin
// family provides. All chain-specific values are hardcoded here.
package chain

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
)

// Network represents mainnet, testnet or the in-process simulation network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Simnet  Network = "simnet"
)

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin" // UTXO chains with script HTLCs
	ChainTypeEVM     ChainType = "evm"     // account chains with swap contracts
)

// SecretHashAlgo identifies how a swap secret is hashed. The value is the
// one-byte tag persisted with every swap.
type SecretHashAlgo uint8

const (
	// DHASH160 is RIPEMD160(SHA256(secret)), 20 bytes.
	DHASH160 SecretHashAlgo = 1
	// SHA256 is SHA256(secret), 32 bytes.
	SHA256 SecretHashAlgo = 2
)

// ErrNoCommonHashAlgo is returned when two coins share no secret hash algorithm.
var ErrNoCommonHashAlgo = errors.New("coins have no common secret hash algorithm")

// String returns the algorithm name.
func (a SecretHashAlgo) String() string {
	switch a {
	case DHASH160:
		return "DHASH160"
	case SHA256:
		return "SHA256"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Valid reports whether a is a known algorithm.
func (a SecretHashAlgo) Valid() bool {
	return a == DHASH160 || a == SHA256
}

// HashLen returns the digest length in bytes.
func (a SecretHashAlgo) HashLen() int {
	if a == SHA256 {
		return sha256.Size
	}
	return 20
}

// Hash hashes a secret.
func (a SecretHashAlgo) Hash(secret []byte) []byte {
	if a == SHA256 {
		h := sha256.Sum256(secret)
		return h[:]
	}
	return btcutil.Hash160(secret)
}

// Params contains all parameters of a coin needed by the swap engine.
type Params struct {
	Symbol   string
	Name     string
	Type     ChainType
	Decimals uint8

	// BIP44 coin type, used for key derivation.
	CoinType uint32

	// Address encoding for bitcoin-family coins.
	Net *chaincfg.Params

	// EVM chain id, 0 for non-EVM coins.
	ChainID uint64

	// SecretHashAlgos lists supported algorithms in preference order.
	SecretHashAlgos []SecretHashAlgo

	// SkipTakerPaymentSpendPreimage is set for coins whose taker payment can be
	// claimed by the maker alone, so no spend preimage is exchanged.
	SkipTakerPaymentSpendPreimage bool

	// RequiresSwapContract is set for coins whose HTLCs live in a contract.
	RequiresSwapContract bool

	// MinTxAmount is the smallest amount a transaction output may carry.
	MinTxAmount decimal.Decimal

	// TxFee is the flat network fee in smallest units used for HTLC spends.
	TxFee uint64
}

// SupportsHashAlgo reports whether the coin supports algo.
func (p *Params) SupportsHashAlgo(algo SecretHashAlgo) bool {
	for _, a := range p.SecretHashAlgos {
		if a == algo {
			return true
		}
	}
	return false
}

// SecretHashAlgoFor picks the secret hash algorithm for a coin pair: the first
// algorithm in the maker coin's preference list the taker coin also supports.
func SecretHashAlgoFor(maker, taker *Params) (SecretHashAlgo, error) {
	for _, a := range maker.SecretHashAlgos {
		if taker.SupportsHashAlgo(a) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %s/%s", ErrNoCommonHashAlgo, maker.Symbol, taker.Symbol)
}

var (
	registry   = make(map[string]map[Network]*Params)
	registryMu sync.RWMutex
)

// Register adds coin params to the registry.
func Register(symbol string, network Network, params *Params) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns coin params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// IsSupported returns true if the coin is registered on any network.
func IsSupported(symbol string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[symbol]
	return ok
}

// List returns the symbols registered for a network, sorted.
func List(network Network) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var symbols []string
	for symbol, nets := range registry {
		if _, ok := nets[network]; ok {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
