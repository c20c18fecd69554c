package swap

import (
	"context"

	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/internal/storage"
)

// RecoverFunds performs the pending refund or maker payment spend of a
// stopped swap right away instead of waiting for Kickstart. It fails with
// ErrCannotRecoverYet while the lock time has not passed and with
// ErrNothingToRecover when the swap holds no recoverable funds.
func (m *Manager) RecoverFunds(ctx context.Context, id uuid.UUID) (*RecoveredFunds, error) {
	if m.registry.IsRunning(id) {
		return nil, ErrSwapRunning
	}
	rec, err := m.store.GetRepr(id.String())
	if err != nil {
		return nil, err
	}
	base, st, err := m.restore(rec)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := m.registry.register(id, &runningSwap{role: base.role, cancel: cancel}); err != nil {
		return nil, err
	}
	defer m.registry.unregister(id)

	lock, err := acquireSwapLock(m.store, id.String(), m.owner, m.cfg.LockTTL, m.clock)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			base.log.Warn("Failed to release swap lock", "error", err)
		}
	}()

	for {
		next, funds, err := m.recoverStep(ctx, rec, st)
		if err != nil {
			return nil, err
		}
		ev := next.event()
		if err := base.persist(ev); err != nil {
			return nil, err
		}
		base.observe(ev)
		if funds != nil {
			base.log.Info("Recovered funds", "action", funds.Action, "tx", funds.Tx.TxHash)
			return funds, nil
		}
		st = next
	}
}

// recoverStep runs one recovery attempt of st. A nil RecoveredFunds means
// the swap moved to another recoverable state.
func (m *Manager) recoverStep(ctx context.Context, rec *storage.SwapRecord, st state) (state, *RecoveredFunds, error) {
	switch s := st.(type) {
	case *makerPaymentRefundRequired:
		next, err := s.attempt(ctx)
		if err != nil {
			return nil, nil, err
		}
		return next, &RecoveredFunds{Action: ActionRefundedMakerPayment, Coin: rec.MakerCoin, Tx: next.ev.Refund}, nil

	case *takerFundingRefundRequired:
		next, err := s.attempt(ctx)
		if err != nil {
			return nil, nil, err
		}
		if refunded, ok := next.(*takerFundingRefunded); ok {
			return next, &RecoveredFunds{Action: ActionRefundedTakerFunding, Coin: rec.TakerCoin, Tx: refunded.ev.Refund}, nil
		}
		return next, nil, nil

	case *takerPaymentRefundRequired:
		next, err := s.attempt(ctx)
		if err != nil {
			return nil, nil, err
		}
		if refunded, ok := next.(*takerPaymentRefunded); ok {
			return next, &RecoveredFunds{Action: ActionRefundedTakerPayment, Coin: rec.TakerCoin, Tx: refunded.ev.Refund}, nil
		}
		return next, nil, nil

	case *takerPaymentSpent:
		spend, err := s.spendMakerPayment(ctx)
		if err != nil {
			return nil, nil, err
		}
		next := s.spent(spend)
		return next, &RecoveredFunds{Action: ActionSpentMakerPayment, Coin: rec.MakerCoin, Tx: next.ev.MakerPaymentSpend}, nil
	}
	return nil, nil, ErrNothingToRecover
}
