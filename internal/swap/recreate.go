package swap

import (
	"errors"
	"fmt"

	"github.com/klingon-exchange/swapd/internal/storage"
)

// Recreation errors.
var (
	ErrNoEvents         = errors.New("swap has no events")
	ErrAlreadyCompleted = errors.New("swap already completed")
	ErrAlreadyAborted   = errors.New("swap already aborted")
	ErrAlreadyRefunded  = errors.New("swap already refunded")
)

// parseTx decodes a persisted transaction of coin.
func parseTx(coin Coin, info TxInfo) (Tx, error) {
	tx, err := coin.ParseTx(info.TxHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s tx %s: %w", coin.Ticker(), info.TxHash, err)
	}
	return tx, nil
}

// recreate rebuilds the state a maker swap was in from its last event.
// It returns the initial state for a swap without events.
func (m *MakerSwap) recreate(rec *storage.SwapRecord) (state, error) {
	last := rec.LastEvent()
	if last == nil {
		return &makerInitialize{m: m}, nil
	}
	ev, err := DecodeMakerEvent(last.Type, last.Data)
	if err != nil {
		return nil, err
	}
	return ev.acceptMaker(makerRecreator{m})
}

type makerRecreator struct {
	m *MakerSwap
}

func (r makerRecreator) initialized(ev *MakerInitialized) (state, error) {
	return &makerInitialized{m: r.m, ev: ev}, nil
}

func (r makerRecreator) waitingForTakerFunding(ev *MakerWaitingForTakerFunding) (state, error) {
	return &makerWaitingForTakerFunding{m: r.m, ev: ev}, nil
}

func (r makerRecreator) takerFundingReceived(ev *MakerTakerFundingReceived) (state, error) {
	funding, err := parseTx(r.m.takerCoin, ev.TakerFunding)
	if err != nil {
		return nil, err
	}
	return &makerTakerFundingReceived{m: r.m, ev: ev, funding: funding}, nil
}

func (r makerRecreator) paymentSentFundingSpendGenerated(ev *MakerPaymentSentFundingSpendGenerated) (state, error) {
	funding, err := parseTx(r.m.takerCoin, ev.TakerFunding)
	if err != nil {
		return nil, err
	}
	payment, err := parseTx(r.m.makerCoin, ev.MakerPayment)
	if err != nil {
		return nil, err
	}
	return &makerPaymentSent{m: r.m, ev: ev, funding: funding, payment: payment}, nil
}

func (r makerRecreator) takerPaymentReceived(ev *MakerTakerPaymentReceived) (state, error) {
	return r.paymentReceived(ev, false)
}

func (r makerRecreator) takerPaymentReceivedSkipped(ev *MakerTakerPaymentReceivedSkipped) (state, error) {
	return r.paymentReceived(&MakerTakerPaymentReceived{
		MakerSwapData: ev.MakerSwapData,
		TakerFunding:  ev.TakerFunding,
		MakerPayment:  ev.MakerPayment,
		TakerPayment:  ev.TakerPayment,
	}, true)
}

func (r makerRecreator) paymentReceived(ev *MakerTakerPaymentReceived, skipped bool) (state, error) {
	funding, err := parseTx(r.m.takerCoin, ev.TakerFunding)
	if err != nil {
		return nil, err
	}
	makerPayment, err := parseTx(r.m.makerCoin, ev.MakerPayment)
	if err != nil {
		return nil, err
	}
	takerPayment, err := parseTx(r.m.takerCoin, ev.TakerPayment)
	if err != nil {
		return nil, err
	}
	return &makerTakerPaymentReceived{
		m:            r.m,
		ev:           ev,
		skipped:      skipped,
		funding:      funding,
		makerPayment: makerPayment,
		takerPayment: takerPayment,
	}, nil
}

func (r makerRecreator) takerPaymentSpent(ev *MakerTakerPaymentSpent) (state, error) {
	spend, err := parseTx(r.m.takerCoin, ev.TakerPaymentSpend)
	if err != nil {
		return nil, err
	}
	return &makerTakerPaymentSpent{m: r.m, ev: ev, spend: spend}, nil
}

func (r makerRecreator) paymentRefundRequired(ev *MakerPaymentRefundRequired) (state, error) {
	funding, err := parseTx(r.m.takerCoin, ev.TakerFunding)
	if err != nil {
		return nil, err
	}
	payment, err := parseTx(r.m.makerCoin, ev.MakerPayment)
	if err != nil {
		return nil, err
	}
	return &makerPaymentRefundRequired{m: r.m, ev: ev, funding: funding, payment: payment}, nil
}

func (makerRecreator) paymentRefunded(*MakerPaymentRefunded) (state, error) {
	return nil, ErrAlreadyRefunded
}

func (makerRecreator) completed(*MakerCompleted) (state, error) {
	return nil, ErrAlreadyCompleted
}

func (makerRecreator) aborted(*MakerAborted) (state, error) {
	return nil, ErrAlreadyAborted
}

// recreate rebuilds the state a taker swap was in from its last event.
func (t *TakerSwap) recreate(rec *storage.SwapRecord) (state, error) {
	last := rec.LastEvent()
	if last == nil {
		return &takerInitialize{t: t}, nil
	}
	ev, err := DecodeTakerEvent(last.Type, last.Data)
	if err != nil {
		return nil, err
	}
	return ev.acceptTaker(takerRecreator{t})
}

type takerRecreator struct {
	t *TakerSwap
}

func (r takerRecreator) initialized(ev *TakerInitialized) (state, error) {
	return &takerInitialized{t: r.t, ev: ev}, nil
}

func (r takerRecreator) negotiated(ev *TakerNegotiated) (state, error) {
	return &takerNegotiated{t: r.t, ev: ev}, nil
}

func (r takerRecreator) fundingSent(ev *TakerFundingSent) (state, error) {
	funding, err := parseTx(r.t.takerCoin, ev.TakerFunding)
	if err != nil {
		return nil, err
	}
	return &takerFundingSent{t: r.t, ev: ev, funding: funding}, nil
}

func (r takerRecreator) makerPaymentReceived(ev *TakerMakerPaymentReceived) (state, error) {
	funding, err := parseTx(r.t.takerCoin, ev.TakerFunding)
	if err != nil {
		return nil, err
	}
	makerPayment, err := parseTx(r.t.makerCoin, ev.MakerPayment)
	if err != nil {
		return nil, err
	}
	return &takerMakerPaymentReceived{t: r.t, ev: ev, funding: funding, makerPayment: makerPayment}, nil
}

func (r takerRecreator) paymentSent(ev *TakerPaymentSent) (state, error) {
	return r.sent(ev, false)
}

func (r takerRecreator) paymentSentSkipped(ev *TakerPaymentSentSkipped) (state, error) {
	return r.sent(&TakerPaymentSent{
		TakerSwapData: ev.TakerSwapData,
		TakerFunding:  ev.TakerFunding,
		MakerPayment:  ev.MakerPayment,
		TakerPayment:  ev.TakerPayment,
	}, true)
}

func (r takerRecreator) sent(ev *TakerPaymentSent, skipped bool) (state, error) {
	makerPayment, err := parseTx(r.t.makerCoin, ev.MakerPayment)
	if err != nil {
		return nil, err
	}
	payment, err := parseTx(r.t.takerCoin, ev.TakerPayment)
	if err != nil {
		return nil, err
	}
	return &takerPaymentSent{t: r.t, ev: ev, skipped: skipped, makerPayment: makerPayment, payment: payment}, nil
}

func (r takerRecreator) paymentSpent(ev *TakerPaymentSpent) (state, error) {
	makerPayment, err := parseTx(r.t.makerCoin, ev.MakerPayment)
	if err != nil {
		return nil, err
	}
	return &takerPaymentSpent{t: r.t, ev: ev, makerPayment: makerPayment}, nil
}

func (r takerRecreator) makerPaymentSpent(ev *TakerMakerPaymentSpent) (state, error) {
	spend, err := parseTx(r.t.makerCoin, ev.MakerPaymentSpend)
	if err != nil {
		return nil, err
	}
	return &takerMakerPaymentSpent{t: r.t, ev: ev, spend: spend}, nil
}

func (r takerRecreator) fundingRefundRequired(ev *TakerFundingRefundRequired) (state, error) {
	funding, err := parseTx(r.t.takerCoin, ev.TakerFunding)
	if err != nil {
		return nil, err
	}
	s := &takerFundingRefundRequired{t: r.t, ev: ev, funding: funding}
	if ev.MakerPayment != nil {
		if s.makerPayment, err = parseTx(r.t.makerCoin, *ev.MakerPayment); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (r takerRecreator) paymentRefundRequired(ev *TakerPaymentRefundRequired) (state, error) {
	payment, err := parseTx(r.t.takerCoin, ev.TakerPayment)
	if err != nil {
		return nil, err
	}
	s := &takerPaymentRefundRequired{t: r.t, ev: ev, payment: payment}
	if ev.MakerPayment != nil {
		if s.makerPayment, err = parseTx(r.t.makerCoin, *ev.MakerPayment); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (takerRecreator) fundingRefunded(*TakerFundingRefunded) (state, error) {
	return nil, ErrAlreadyRefunded
}

func (takerRecreator) paymentRefunded(*TakerPaymentRefunded) (state, error) {
	return nil, ErrAlreadyRefunded
}

func (takerRecreator) completed(*TakerCompleted) (state, error) {
	return nil, ErrAlreadyCompleted
}

func (takerRecreator) aborted(*TakerAborted) (state, error) {
	return nil, ErrAlreadyAborted
}
