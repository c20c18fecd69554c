package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/pkg/logging"
	"github.com/lightningnetwork/lnd/clock"
)

// state is one node of a swap state machine. step performs the state's
// work and returns the next state, or nil when the state is terminal.
// Each state implements step by calling a run method whose result type
// admits only the successors the protocol allows.
type state interface {
	step(ctx context.Context) state
	// event is the persisted form of the state, nil for the initial state.
	event() Event
}

// interrupted is returned by a state whose context was cancelled. It is
// never persisted.
type interrupted struct{}

func (interrupted) step(context.Context) state { return nil }
func (interrupted) event() Event               { return nil }

// swapBase is the part of a swap shared by both roles: identity, timing,
// messaging and persistence.
type swapBase struct {
	id        uuid.UUID
	role      Role
	cfg       config.SwapConfig
	clock     clock.Clock
	log       *logging.Logger
	store     Store
	registry  *SwapsContext
	transport Transport
	msgKey    *btcec.PrivateKey
	otherPub  []byte
	mailbox   *Mailbox

	// lockFor returns the amount a state keeps reserved.
	lockFor func(Event) (LockedAmount, bool)
	// emit delivers an event to observers.
	emit func(Event)
}

// drive runs the machine from cur until a terminal state or cancellation.
// A resumed machine re-applies the side effects of its current event
// without persisting it again.
func (b *swapBase) drive(ctx context.Context, cur state, resumed bool) error {
	if ev := cur.event(); resumed && ev != nil {
		b.observe(ev)
	}
	for {
		next := cur.step(ctx)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if next == nil {
			return nil
		}
		if _, ok := next.(interrupted); ok {
			return errors.New("state interrupted without cancellation")
		}

		ev := next.event()
		if err := b.persist(ev); err != nil {
			return err
		}
		b.observe(ev)
		cur = next
	}
}

// persist appends ev to the swap's event log and marks the swap finished
// on a terminal event.
func (b *swapBase) persist(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", ev.Type(), err)
	}
	rec := &storage.EventRecord{Type: ev.Type(), Data: data, Terminal: ev.Terminal()}
	if _, err := b.store.StoreEvent(b.id.String(), rec); err != nil {
		return fmt.Errorf("failed to store %s: %w", ev.Type(), err)
	}
	if ev.Terminal() {
		if err := b.store.MarkFinished(b.id.String()); err != nil {
			return err
		}
	}
	return nil
}

// observe applies the in-memory effects of entering the state of ev.
func (b *swapBase) observe(ev Event) {
	b.log.Info("Swap state changed", "state", ev.Type())
	if b.registry != nil && b.lockFor != nil {
		if amount, ok := b.lockFor(ev); ok {
			b.registry.lockAmount(b.id, amount)
		} else {
			b.registry.unlockAmount(b.id)
		}
	}
	if b.emit != nil {
		b.emit(ev)
	}
}

func (b *swapBase) now() uint64 {
	return uint64(b.clock.Now().Unix())
}

func unixTime(ts uint64) time.Time {
	return time.Unix(int64(ts), 0)
}

func (b *swapBase) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.TickAfter(d):
		return nil
	}
}

// publish sends a message once.
func (b *swapBase) publish(ctx context.Context, kind MessageKind, data any) error {
	raw, err := EncodeMessage(b.msgKey, b.id, kind, data)
	if err != nil {
		return err
	}
	return b.transport.Publish(ctx, SwapTopic(b.id), raw)
}

// startResend publishes a message now and then every ResendInterval until
// the returned function is called.
func (b *swapBase) startResend(ctx context.Context, kind MessageKind, data any) (func(), error) {
	raw, err := EncodeMessage(b.msgKey, b.id, kind, data)
	if err != nil {
		return func() {}, err
	}
	topic := SwapTopic(b.id)
	send := func() {
		if err := b.transport.Publish(ctx, topic, raw); err != nil && ctx.Err() == nil {
			b.log.Warn("Failed to publish swap message", "kind", kind, "error", err)
		}
	}
	send()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-b.clock.TickAfter(b.cfg.ResendInterval):
				send()
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// waitMessage waits for a message of kind and decodes it into out.
func (b *swapBase) waitMessage(ctx context.Context, kind MessageKind, deadline time.Time, out any) error {
	raw, err := b.mailbox.Wait(ctx, b.clock, kind, deadline)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return nil
}

// retry calls fn until it succeeds, fails with a non-transient error, or
// transient failures outlast TransientRetryHorizon.
func retry[T any](ctx context.Context, b *swapBase, op string, fn func() (T, error)) (T, error) {
	start := b.clock.Now()
	for {
		v, err := fn()
		if err == nil || !IsTransient(err) {
			return v, err
		}
		if b.clock.Now().Sub(start) >= b.cfg.TransientRetryHorizon {
			return v, err
		}
		b.log.Warn("Transient error, retrying", "op", op, "error", err)
		if serr := b.sleep(ctx, b.cfg.TransientRetryInterval); serr != nil {
			return v, serr
		}
	}
}

func retryDo(ctx context.Context, b *swapBase, op string, fn func() error) error {
	_, err := retry(ctx, b, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// keepTrying calls fn until it succeeds or ctx ends. It is used where funds
// are at stake and giving up is never right.
func keepTrying[T any](ctx context.Context, b *swapBase, op string, fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		b.log.Warn("Operation failed, will retry", "op", op, "error", err)
		if serr := b.sleep(ctx, b.cfg.ConfirmationPollInterval); serr != nil {
			return v, serr
		}
	}
}

// awaitConfirmations waits for tx without a deadline.
func (b *swapBase) awaitConfirmations(ctx context.Context, coin Coin, tx Tx, confs uint64, nota bool) error {
	for {
		until := b.clock.Now().Add(b.cfg.MessageTimeout())
		err := coin.WaitForConfirmations(ctx, tx, confs, nota, until, b.cfg.ConfirmationPollInterval)
		if err == nil || ctx.Err() != nil {
			return err
		}
		b.log.Warn("Still waiting for confirmations", "tx", tx.Hash(), "error", err)
	}
}

// validateSwapContract checks a declared contract of a coin that locks
// funds in a contract.
func validateSwapContract(p *chain.Params, declared string, makerSide bool) error {
	if !p.RequiresSwapContract {
		return nil
	}
	contracts := config.GetSwapContracts(p.ChainID)
	if contracts == nil {
		return config.ErrSwapContractUnknown
	}
	expected := contracts.TakerSwapV2
	if makerSide {
		expected = contracts.MakerSwapV2
	}
	return config.ValidateSwapContract(declared, expected)
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
