package swap

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LockedAmount is an amount of a coin reserved by a running swap that has
// not yet committed it on chain.
type LockedAmount struct {
	Coin   string
	Amount decimal.Decimal
}

type runningSwap struct {
	role   Role
	cancel context.CancelCauseFunc
}

// SwapsContext tracks the swaps running in this process and the funds they
// reserve.
type SwapsContext struct {
	mu      sync.RWMutex
	running map[uuid.UUID]*runningSwap
	locked  map[uuid.UUID]LockedAmount
}

// NewSwapsContext creates an empty registry.
func NewSwapsContext() *SwapsContext {
	return &SwapsContext{
		running: make(map[uuid.UUID]*runningSwap),
		locked:  make(map[uuid.UUID]LockedAmount),
	}
}

func (c *SwapsContext) register(id uuid.UUID, r *runningSwap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[id]; ok {
		return ErrSwapRunning
	}
	c.running[id] = r
	return nil
}

// unregister forgets a swap and releases its reservation.
func (c *SwapsContext) unregister(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
	delete(c.locked, id)
}

// IsRunning reports whether a swap is running.
func (c *SwapsContext) IsRunning(id uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.running[id]
	return ok
}

// Running returns the ids of running swaps in a stable order.
func (c *SwapsContext) Running() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// reserve locks amount for a swap that is about to start, unless balance
// minus what other swaps hold cannot cover it.
func (c *SwapsContext) reserve(id uuid.UUID, amount LockedAmount, balance decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[id]; ok {
		return ErrSwapRunning
	}
	if _, ok := c.locked[id]; ok {
		return ErrSwapRunning
	}
	available := balance.Sub(c.lockedTotal(amount.Coin))
	if available.LessThan(amount.Amount) {
		return fmt.Errorf("%w: %s available %s, required %s", ErrInsufficientBalance, amount.Coin, available, amount.Amount)
	}
	c.locked[id] = amount
	return nil
}

func (c *SwapsContext) lockAmount(id uuid.UUID, amount LockedAmount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked[id] = amount
}

func (c *SwapsContext) unlockAmount(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locked, id)
}

// LockedAmount returns the total amount of ticker reserved by running swaps.
func (c *SwapsContext) LockedAmount(ticker string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lockedTotal(ticker)
}

func (c *SwapsContext) lockedTotal(ticker string) decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.locked {
		if l.Coin == ticker {
			total = total.Add(l.Amount)
		}
	}
	return total
}

// cancelAll stops every running swap.
func (c *SwapsContext) cancelAll(cause error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.running {
		r.cancel(cause)
	}
}
