// Package coins keeps the coins activated in the current session. The swap
// engine looks coins up here by ticker; kickstart waits until both coins of
// an unfinished swap show up.
package coins

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/klingon-exchange/swapd/internal/coins/utxo"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Registry errors
var (
	ErrAlreadyActive = errors.New("coin already activated")
	ErrNotActive     = errors.New("coin not activated")
)

// Registry holds the activated coins by ticker.
type Registry struct {
	mu    sync.RWMutex
	coins map[string]swap.Coin
	log   *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		coins: make(map[string]swap.Coin),
		log:   logging.GetDefault().Component("coins"),
	}
}

// Activate makes a coin available to swaps.
func (r *Registry) Activate(c swap.Coin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticker := c.Ticker()
	if _, ok := r.coins[ticker]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, ticker)
	}
	r.coins[ticker] = c
	r.log.Info("Coin activated", "ticker", ticker)
	return nil
}

// ActivateUTXO creates a bitcoin-family coin and activates it.
func (r *Registry) ActivateUTXO(cfg *utxo.Config) (*utxo.Coin, error) {
	c, err := utxo.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.Activate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Deactivate removes a coin. Running swaps keep their reference.
func (r *Registry) Deactivate(ticker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.coins, ticker)
}

// Get returns an activated coin.
func (r *Registry) Get(ticker string) (swap.Coin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coins[ticker]
	return c, ok
}

// MakerCoin returns an activated coin usable on the maker side.
func (r *Registry) MakerCoin(ticker string) (swap.MakerCoin, error) {
	c, ok := r.Get(ticker)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, ticker)
	}
	mc, ok := c.(swap.MakerCoin)
	if !ok {
		return nil, fmt.Errorf("%s cannot be used as maker coin", ticker)
	}
	return mc, nil
}

// TakerCoin returns an activated coin usable on the taker side.
func (r *Registry) TakerCoin(ticker string) (swap.TakerCoin, error) {
	c, ok := r.Get(ticker)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, ticker)
	}
	tc, ok := c.(swap.TakerCoin)
	if !ok {
		return nil, fmt.Errorf("%s cannot be used as taker coin", ticker)
	}
	return tc, nil
}

// List returns the activated tickers, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tickers := make([]string, 0, len(r.coins))
	for t := range r.coins {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}
