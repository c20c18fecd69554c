// Package backend provides the chain access the bitcoin-family swap coins
// need: unspent outputs, transaction lookup, spend search, confirmations and
// broadcasting. No private keys are handled here.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapd/internal/chain"
)

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrInvalidTx       = errors.New("invalid transaction")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrInputSpent      = errors.New("input already spent")
	ErrNonFinal        = errors.New("transaction is not final")
)

// Type represents the backend type.
type Type string

const (
	TypeEsplora Type = "esplora" // mempool.space / blockstream.info REST API
	TypeMemory  Type = "memory"  // in-process chain for simnet
)

// UTXO is an unspent output owned by an address.
type UTXO struct {
	OutPoint      wire.OutPoint
	Value         int64
	PkScript      []byte
	Confirmations uint32
}

// Tip describes the best block.
type Tip struct {
	Height     uint32
	MedianTime time.Time
}

// Backend is the chain access used by a bitcoin-family coin.
type Backend interface {
	// Type returns the backend type.
	Type() Type

	// Tip returns the current best block height and median time past.
	Tip(ctx context.Context) (Tip, error)

	// ListUnspent returns the unspent outputs paying to addr.
	ListUnspent(ctx context.Context, addr btcutil.Address) ([]UTXO, error)

	// GetTx returns a transaction known to the chain or its mempool.
	GetTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)

	// Confirmations returns the confirmation count of a transaction, 0 while
	// it is in the mempool.
	Confirmations(ctx context.Context, txid chainhash.Hash) (uint32, error)

	// GetSpendingTx returns the transaction spending op, or nil when op is
	// unspent.
	GetSpendingTx(ctx context.Context, op wire.OutPoint) (*wire.MsgTx, error)

	// Broadcast submits a signed transaction.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// IsTransient reports whether err is a connectivity failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Config contains backend configuration for one coin.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`

	// Timeout in seconds, default 30.
	Timeout int `yaml:"timeout,omitempty"`
}

// DefaultConfigs returns default backend configurations for the coins with
// a public Esplora API.
func DefaultConfigs() map[string]*Config {
	return map[string]*Config{
		"BTC": {
			Type:       TypeEsplora,
			MainnetURL: "https://mempool.space/api",
			TestnetURL: "https://mempool.space/testnet/api",
		},
		"LTC": {
			Type:       TypeEsplora,
			MainnetURL: "https://litecoinspace.org/api",
			TestnetURL: "https://litecoinspace.org/testnet/api",
		},
	}
}

// Registry holds backend instances by coin symbol.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// NewDefaultRegistry creates a registry with the default public backends for
// the given network. Simnet has no public backends.
func NewDefaultRegistry(network chain.Network) (*Registry, error) {
	r := NewRegistry()
	if network == chain.Simnet {
		return r, nil
	}

	for symbol, cfg := range DefaultConfigs() {
		url := cfg.MainnetURL
		if network == chain.Testnet {
			url = cfg.TestnetURL
		}
		if url == "" {
			continue
		}

		switch cfg.Type {
		case TypeEsplora:
			r.Register(symbol, NewEsploraBackend(url))
		default:
			return nil, fmt.Errorf("unsupported backend type %q for %s", cfg.Type, symbol)
		}
	}
	return r, nil
}

// Register adds a backend to the registry.
func (r *Registry) Register(symbol string, backend Backend) {
	r.backends[symbol] = backend
}

// Get returns a backend by symbol.
func (r *Registry) Get(symbol string) (Backend, bool) {
	b, ok := r.backends[symbol]
	return b, ok
}

// List returns all registered symbols.
func (r *Registry) List() []string {
	symbols := make([]string, 0, len(r.backends))
	for s := range r.backends {
		symbols = append(symbols, s)
	}
	return symbols
}
