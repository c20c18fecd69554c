package swap

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// swapLock is the persisted reentrancy lock of one swap. Only the holder
// may drive or recover the swap. The lock expires unless renewed, so a
// crashed process does not block the swap forever.
type swapLock struct {
	store Store
	id    string
	owner string
	ttl   time.Duration
	clock clock.Clock
}

func acquireSwapLock(store Store, id, owner string, ttl time.Duration, clk clock.Clock) (*swapLock, error) {
	if err := store.AcquireSwapLock(id, owner, ttl, clk.Now()); err != nil {
		return nil, err
	}
	return &swapLock{store: store, id: id, owner: owner, ttl: ttl, clock: clk}, nil
}

// keepAlive renews the lock every interval until ctx ends. A failed renewal
// is reported through lost and ends the loop.
func (l *swapLock) keepAlive(ctx context.Context, interval time.Duration, lost func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.clock.TickAfter(interval):
		}
		if err := l.store.RenewSwapLock(l.id, l.owner, l.ttl, l.clock.Now()); err != nil {
			if ctx.Err() == nil {
				lost(err)
			}
			return
		}
	}
}

func (l *swapLock) release() error {
	return l.store.ReleaseSwapLock(l.id, l.owner)
}
