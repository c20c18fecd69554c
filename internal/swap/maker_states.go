package swap

import (
	"bytes"
	"context"
	"errors"
)

var errMakerPaymentClaimed = errors.New("maker payment was claimed by the taker")

// Successor sets of the maker states. A state's run method can only return
// states that carry the matching marker.
type (
	makerInitializeNext interface {
		state
		afterMakerInitialize()
	}
	makerInitializedNext interface {
		state
		afterMakerInitialized()
	}
	makerWaitingForTakerFundingNext interface {
		state
		afterMakerWaitingForTakerFunding()
	}
	makerTakerFundingReceivedNext interface {
		state
		afterMakerTakerFundingReceived()
	}
	makerPaymentSentNext interface {
		state
		afterMakerPaymentSent()
	}
	makerTakerPaymentReceivedNext interface {
		state
		afterMakerTakerPaymentReceived()
	}
	makerTakerPaymentSpentNext interface {
		state
		afterMakerTakerPaymentSpent()
	}
	makerRefundRequiredNext interface {
		state
		afterMakerRefundRequired()
	}
)

func (*makerInitialized) afterMakerInitialize()                      {}
func (*makerAborted) afterMakerInitialize()                          {}
func (*makerWaitingForTakerFunding) afterMakerInitialized()          {}
func (*makerAborted) afterMakerInitialized()                         {}
func (*makerTakerFundingReceived) afterMakerWaitingForTakerFunding() {}
func (*makerAborted) afterMakerWaitingForTakerFunding()              {}
func (*makerPaymentSent) afterMakerTakerFundingReceived()            {}
func (*makerAborted) afterMakerTakerFundingReceived()                {}
func (*makerPaymentRefundRequired) afterMakerTakerFundingReceived()  {}
func (*makerTakerPaymentReceived) afterMakerPaymentSent()            {}
func (*makerPaymentRefundRequired) afterMakerPaymentSent()           {}
func (*makerTakerPaymentSpent) afterMakerTakerPaymentReceived()      {}
func (*makerPaymentRefundRequired) afterMakerTakerPaymentReceived()  {}
func (*makerCompleted) afterMakerTakerPaymentSpent()                 {}
func (*makerPaymentRefunded) afterMakerRefundRequired()              {}
func (*makerTakerPaymentSpent) afterMakerRefundRequired()            {}
func (interrupted) afterMakerInitialize()                            {}
func (interrupted) afterMakerInitialized()                           {}
func (interrupted) afterMakerWaitingForTakerFunding()                {}
func (interrupted) afterMakerTakerFundingReceived()                  {}
func (interrupted) afterMakerPaymentSent()                           {}
func (interrupted) afterMakerTakerPaymentReceived()                  {}
func (interrupted) afterMakerTakerPaymentSpent()                     {}
func (interrupted) afterMakerRefundRequired()                        {}

func (m *MakerSwap) aborted(reason AbortReason, details string) *makerAborted {
	m.log.Warn("Aborting swap", "reason", reason, "details", details)
	return &makerAborted{ev: &MakerAborted{Reason: reason, Details: details}}
}

// =============================================================================
// Initialize
// =============================================================================

// makerInitialize is the initial state. It is never persisted.
type makerInitialize struct {
	m *MakerSwap
}

func (s *makerInitialize) event() Event                   { return nil }
func (s *makerInitialize) step(ctx context.Context) state { return s.run(ctx) }

func (s *makerInitialize) run(ctx context.Context) makerInitializeNext {
	m := s.m
	makerBlock, err := retry(ctx, m.swapBase, "maker coin block", func() (uint64, error) {
		return m.makerCoin.CurrentBlock(ctx)
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return m.aborted(AbortFailedToGetStartBlock, err.Error())
	}
	takerBlock, err := retry(ctx, m.swapBase, "taker coin block", func() (uint64, error) {
		return m.takerCoin.CurrentBlock(ctx)
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return m.aborted(AbortFailedToGetStartBlock, err.Error())
	}
	return &makerInitialized{m: m, ev: &MakerInitialized{
		MakerCoinStartBlock:  makerBlock,
		TakerCoinStartBlock:  takerBlock,
		MakerPaymentLocktime: MakerPaymentLocktime(m.startedAt, m.lockDuration),
	}}
}

// =============================================================================
// Initialized: negotiation
// =============================================================================

type makerInitialized struct {
	m  *MakerSwap
	ev *MakerInitialized
}

func (s *makerInitialized) event() Event                   { return s.ev }
func (s *makerInitialized) step(ctx context.Context) state { return s.run(ctx) }

func (s *makerInitialized) run(ctx context.Context) makerInitializedNext {
	m := s.m
	stop, err := m.startResend(ctx, MsgMakerNegotiation, m.negotiation(s.ev))
	if err != nil {
		return m.aborted(AbortFailedToSendMessage, err.Error())
	}
	var reply TakerNegotiation
	err = m.waitMessage(ctx, MsgTakerNegotiation, m.clock.Now().Add(m.cfg.MessageTimeout()), &reply)
	stop()
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return m.aborted(AbortDidNotReceiveTakerNegotiation, err.Error())
	}
	if reply.Abort != nil {
		return m.aborted(AbortTakerAbortedNegotiation, reply.Abort.Reason)
	}
	if reply.Data == nil {
		return m.aborted(AbortTakerAbortedNegotiation, "empty negotiation")
	}

	if reason, details := m.validateTakerNegotiation(reply.Data); reason != "" {
		nack := MakerNegotiated{Negotiated: false, Reason: string(reason)}
		if err := m.publish(ctx, MsgMakerNegotiated, nack); err != nil {
			m.log.Warn("Failed to send negotiation refusal", "error", err)
		}
		return m.aborted(reason, details)
	}

	return &makerWaitingForTakerFunding{m: m, ev: &MakerWaitingForTakerFunding{MakerSwapData{
		MakerCoinStartBlock: s.ev.MakerCoinStartBlock,
		TakerCoinStartBlock: s.ev.TakerCoinStartBlock,
		Negotiation:         *reply.Data,
	}}}
}

// =============================================================================
// WaitingForTakerFunding
// =============================================================================

type makerWaitingForTakerFunding struct {
	m  *MakerSwap
	ev *MakerWaitingForTakerFunding
}

func (s *makerWaitingForTakerFunding) event() Event                   { return s.ev }
func (s *makerWaitingForTakerFunding) step(ctx context.Context) state { return s.run(ctx) }

func (s *makerWaitingForTakerFunding) run(ctx context.Context) makerWaitingForTakerFundingNext {
	m := s.m
	stop, err := m.startResend(ctx, MsgMakerNegotiated, MakerNegotiated{Negotiated: true})
	if err != nil {
		return m.aborted(AbortFailedToSendMessage, err.Error())
	}
	var info TakerFundingInfo
	err = m.waitMessage(ctx, MsgTakerFundingInfo, m.clock.Now().Add(m.cfg.MessageTimeout()), &info)
	stop()
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return m.aborted(AbortDidNotReceiveTakerFundingInfo, err.Error())
	}

	funding, err := m.takerCoin.ParseTx(info.Tx)
	if err != nil {
		return m.aborted(AbortFailedToParseFundingTx, err.Error())
	}
	return &makerTakerFundingReceived{m: m, funding: funding, ev: &MakerTakerFundingReceived{
		MakerSwapData: s.ev.MakerSwapData,
		TakerFunding:  txInfo(funding),
	}}
}

// =============================================================================
// TakerFundingReceived: validate, send the maker payment, generate the
// funding spend preimage
// =============================================================================

type makerTakerFundingReceived struct {
	m       *MakerSwap
	ev      *MakerTakerFundingReceived
	funding Tx
}

func (s *makerTakerFundingReceived) event() Event                   { return s.ev }
func (s *makerTakerFundingReceived) step(ctx context.Context) state { return s.run(ctx) }

func (s *makerTakerFundingReceived) run(ctx context.Context) makerTakerFundingReceivedNext {
	m := s.m
	d := m.deal(&s.ev.Negotiation)
	fundingHTLC := d.takerFunding()

	err := retryDo(ctx, m.swapBase, "validate taker funding", func() error {
		return m.takerCoin.ValidatePayment(ctx, s.funding, fundingHTLC)
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return m.aborted(AbortTakerFundingValidationFailed, err.Error())
	}

	until := unixTime(m.startedAt + m.lockDuration/3)
	err = m.takerCoin.WaitForConfirmations(ctx, s.funding, m.confs.TakerCoinConfs, m.confs.TakerCoinNota,
		until, m.cfg.ConfirmationPollInterval)
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return m.aborted(AbortTakerFundingNotConfirmed, err.Error())
	}

	payment, err := retry(ctx, m.swapBase, "send maker payment", func() (Tx, error) {
		return m.makerCoin.SendPayment(ctx, d.makerPayment())
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return m.aborted(AbortFailedToSendMakerPayment, err.Error())
	}
	m.log.Info("Sent maker payment", "tx", payment.Hash())

	preimage, err := retry(ctx, m.swapBase, "generate funding spend", func() (*SpendPreimage, error) {
		return m.takerCoin.GenSpendPreimage(ctx, s.funding, fundingHTLC, d.fundingSpendTarget())
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		m.log.Error("Failed to generate funding spend preimage", "error", err)
		return m.refundRequired(s.ev.MakerSwapData, s.funding, payment, RefundFailedToGenerateFundingSpend, nil)
	}

	return &makerPaymentSent{m: m, funding: s.funding, payment: payment, ev: &MakerPaymentSentFundingSpendGenerated{
		MakerSwapData:        s.ev.MakerSwapData,
		TakerFunding:         s.ev.TakerFunding,
		MakerPayment:         txInfo(payment),
		FundingSpendPreimage: preimageInfo(preimage),
	}}
}

// =============================================================================
// MakerPaymentSentFundingSpendGenerated: wait for the taker to spend its
// funding into the taker payment
// =============================================================================

type makerPaymentSent struct {
	m       *MakerSwap
	ev      *MakerPaymentSentFundingSpendGenerated
	funding Tx
	payment Tx
}

func (s *makerPaymentSent) event() Event                   { return s.ev }
func (s *makerPaymentSent) step(ctx context.Context) state { return s.run(ctx) }

func (s *makerPaymentSent) run(ctx context.Context) makerPaymentSentNext {
	m := s.m
	d := m.deal(&s.ev.Negotiation)
	fundingHTLC := d.takerFunding()

	info := MakerPaymentInfo{
		Tx:                 s.payment.Bytes(),
		FundingPreimageTx:  s.ev.FundingSpendPreimage.Preimage,
		FundingPreimageSig: s.ev.FundingSpendPreimage.Signature,
	}
	stop, err := m.startResend(ctx, MsgMakerPaymentInfo, info)
	if err != nil {
		m.log.Error("Failed to send maker payment info", "error", err)
	}
	defer stop()

	refund := func(reason RefundReason, secret []byte) makerPaymentSentNext {
		return m.refundRequired(s.ev.MakerSwapData, s.funding, s.payment, reason, secret)
	}

	deadline := unixTime(d.fundingSpendDeadline())
	for {
		outcome, err := m.takerCoin.SearchForSpend(ctx, s.funding, fundingHTLC, s.ev.TakerCoinStartBlock)
		switch {
		case ctx.Err() != nil:
			return interrupted{}
		case err != nil && IsTransient(err):
			m.log.Warn("Failed to search for funding spend", "error", err)
		case err != nil:
			m.log.Error("Funding spend search failed", "error", err)
			return refund(RefundFundingSpendSearchFailed, nil)
		case outcome != nil:
			return s.onFundingSpent(ctx, d, outcome, refund)
		}

		if !m.clock.Now().Before(deadline) {
			return refund(RefundTakerFundingSpendNotFound, nil)
		}
		if err := m.sleep(ctx, m.cfg.FundingSpendPollInterval); err != nil {
			return interrupted{}
		}
	}
}

func (s *makerPaymentSent) onFundingSpent(ctx context.Context, d *deal, outcome *SpendOutcome,
	refund func(RefundReason, []byte) makerPaymentSentNext) makerPaymentSentNext {
	m := s.m
	switch outcome.Kind {
	case TransferredToPayment:
	case RefundedSecret:
		var secret []byte
		if bytes.Equal(m.algo.Hash(outcome.Secret), d.takerSecretHash) {
			secret = outcome.Secret
		}
		return refund(RefundTakerFundingReclaimedSecret, secret)
	default:
		return refund(RefundTakerFundingReclaimedTimelock, nil)
	}

	takerPayment := outcome.Tx
	err := retryDo(ctx, m.swapBase, "validate taker payment", func() error {
		return m.takerCoin.ValidatePayment(ctx, takerPayment, d.takerPayment())
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		m.log.Error("Taker payment validation failed", "error", err)
		return refund(RefundTakerPaymentValidationFailed, nil)
	}

	ev := &MakerTakerPaymentReceived{
		MakerSwapData: s.ev.MakerSwapData,
		TakerFunding:  s.ev.TakerFunding,
		MakerPayment:  s.ev.MakerPayment,
		TakerPayment:  txInfo(takerPayment),
	}
	next := &makerTakerPaymentReceived{m: m, ev: ev, funding: s.funding, makerPayment: s.payment, takerPayment: takerPayment}
	if m.takerCoin.Params().SkipTakerPaymentSpendPreimage {
		next.skipped = true
	}
	return next
}

// =============================================================================
// TakerPaymentReceived: claim the taker payment
// =============================================================================

// makerTakerPaymentReceived is persisted as TakerPaymentReceived or, for
// coins without a spend preimage, as its skipped variant.
type makerTakerPaymentReceived struct {
	m            *MakerSwap
	ev           *MakerTakerPaymentReceived
	skipped      bool
	funding      Tx
	makerPayment Tx
	takerPayment Tx
}

func (s *makerTakerPaymentReceived) event() Event {
	if s.skipped {
		return &MakerTakerPaymentReceivedSkipped{
			MakerSwapData: s.ev.MakerSwapData,
			TakerFunding:  s.ev.TakerFunding,
			MakerPayment:  s.ev.MakerPayment,
			TakerPayment:  s.ev.TakerPayment,
		}
	}
	return s.ev
}

func (s *makerTakerPaymentReceived) step(ctx context.Context) state { return s.run(ctx) }

func (s *makerTakerPaymentReceived) run(ctx context.Context) makerTakerPaymentReceivedNext {
	m := s.m
	d := m.deal(&s.ev.Negotiation)
	htlc := d.takerPayment()
	target := d.takerPaymentSpendTarget()
	refund := func(reason RefundReason) makerTakerPaymentReceivedNext {
		return m.refundRequired(s.ev.MakerSwapData, s.funding, s.makerPayment, reason, nil)
	}

	// A restart after broadcasting the claim finds it here.
	if outcome, err := m.takerCoin.SearchForSpend(ctx, s.takerPayment, htlc, s.ev.TakerCoinStartBlock); err == nil &&
		outcome != nil && outcome.Kind == ClaimedByReceiver {
		return s.spent(outcome.Tx)
	}

	deadline := unixTime(htlc.LockTime)
	err := m.takerCoin.WaitForConfirmations(ctx, s.takerPayment, m.confs.TakerCoinConfs, m.confs.TakerCoinNota,
		deadline, m.cfg.ConfirmationPollInterval)
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return refund(RefundTakerPaymentNotConfirmed)
	}

	var preimage *SpendPreimage
	if !s.skipped {
		var msg TakerPaymentSpendPreimageMsg
		err := m.waitMessage(ctx, MsgTakerPaymentSpendPreimage, deadline, &msg)
		if ctx.Err() != nil {
			return interrupted{}
		}
		if err != nil {
			return refund(RefundDidNotReceiveSpendPreimage)
		}
		preimage = &SpendPreimage{Preimage: msg.PreimageTx, Signature: msg.Signature}
		err = retryDo(ctx, m.swapBase, "validate taker payment spend preimage", func() error {
			return m.takerCoin.ValidateSpendPreimage(ctx, s.takerPayment, htlc, target, preimage)
		})
		if ctx.Err() != nil {
			return interrupted{}
		}
		if err != nil {
			m.log.Error("Taker payment spend preimage rejected", "error", err)
			return refund(RefundSpendPreimageValidationFailed)
		}
	}

	spend, err := retry(ctx, m.swapBase, "spend taker payment", func() (Tx, error) {
		return m.takerCoin.SignAndBroadcastSpend(ctx, s.takerPayment, htlc, target, preimage, m.secret)
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		m.log.Error("Failed to spend taker payment", "error", err)
		return refund(RefundFailedToSpendTakerPayment)
	}
	m.log.Info("Spent taker payment", "tx", spend.Hash())
	return s.spent(spend)
}

func (s *makerTakerPaymentReceived) spent(spend Tx) *makerTakerPaymentSpent {
	return &makerTakerPaymentSpent{m: s.m, spend: spend, ev: &MakerTakerPaymentSpent{
		MakerSwapData:     s.ev.MakerSwapData,
		MakerPayment:      s.ev.MakerPayment,
		TakerPayment:      s.ev.TakerPayment,
		TakerPaymentSpend: txInfo(spend),
	}}
}

// =============================================================================
// TakerPaymentSpent
// =============================================================================

type makerTakerPaymentSpent struct {
	m     *MakerSwap
	ev    *MakerTakerPaymentSpent
	spend Tx
}

func (s *makerTakerPaymentSpent) event() Event                   { return s.ev }
func (s *makerTakerPaymentSpent) step(ctx context.Context) state { return s.run(ctx) }

func (s *makerTakerPaymentSpent) run(ctx context.Context) makerTakerPaymentSpentNext {
	m := s.m
	if err := m.awaitConfirmations(ctx, m.takerCoin, s.spend, m.confs.TakerCoinConfs, m.confs.TakerCoinNota); err != nil {
		return interrupted{}
	}
	return &makerCompleted{ev: &MakerCompleted{TakerPaymentSpend: s.ev.TakerPaymentSpend}}
}

// =============================================================================
// MakerPaymentRefundRequired
// =============================================================================

func (m *MakerSwap) refundRequired(data MakerSwapData, funding, payment Tx, reason RefundReason, takerSecret []byte) *makerPaymentRefundRequired {
	m.log.Warn("Maker payment refund required", "reason", reason)
	return &makerPaymentRefundRequired{m: m, funding: funding, payment: payment, ev: &MakerPaymentRefundRequired{
		MakerSwapData: data,
		TakerFunding:  txInfo(funding),
		MakerPayment:  txInfo(payment),
		Reason:        reason,
		TakerSecret:   takerSecret,
	}}
}

type makerPaymentRefundRequired struct {
	m       *MakerSwap
	ev      *MakerPaymentRefundRequired
	funding Tx
	payment Tx
}

func (s *makerPaymentRefundRequired) event() Event                   { return s.ev }
func (s *makerPaymentRefundRequired) step(ctx context.Context) state { return s.run(ctx) }

func (s *makerPaymentRefundRequired) run(ctx context.Context) makerRefundRequiredNext {
	m := s.m
	for {
		next, err := s.attempt(ctx)
		if ctx.Err() != nil {
			return interrupted{}
		}
		if err == nil {
			return next
		}
		if errors.Is(err, ErrCannotRecoverYet) {
			m.log.Debug("Maker payment not refundable yet")
		} else {
			m.log.Warn("Maker payment refund attempt failed", "error", err)
		}
		if err := m.sleep(ctx, m.cfg.ConfirmationPollInterval); err != nil {
			return interrupted{}
		}
	}
}

// attempt tries to refund the maker payment once. It prefers the taker
// secret, which works before the lock time. A claim of the taker payment
// found on chain ends the refund.
func (s *makerPaymentRefundRequired) attempt(ctx context.Context) (makerRefundRequiredNext, error) {
	m := s.m
	d := m.deal(&s.ev.Negotiation)
	htlc := d.makerPayment()

	spent, err := s.ownClaim(ctx, d)
	if err != nil {
		return nil, err
	}
	if spent != nil {
		return spent, nil
	}

	outcome, err := m.makerCoin.SearchForSpend(ctx, s.payment, htlc, s.ev.MakerCoinStartBlock)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		switch outcome.Kind {
		case RefundedTimelock, RefundedSecret:
			return s.refunded(outcome.Tx), nil
		default:
			m.log.Error("Maker payment claimed while refund is required", "tx", outcome.Tx.Hash())
			return nil, errMakerPaymentClaimed
		}
	}

	if len(s.ev.TakerSecret) == 0 {
		s.learnTakerSecret(ctx, d)
	}
	if len(s.ev.TakerSecret) > 0 {
		tx, err := m.makerCoin.RefundPaymentSecret(ctx, s.payment, htlc, s.ev.TakerSecret)
		if err != nil {
			return nil, err
		}
		return s.refunded(tx), nil
	}

	ok, err := m.makerCoin.CanRefundTimelock(ctx, htlc.LockTime)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCannotRecoverYet
	}
	tx, err := m.makerCoin.RefundPaymentTimelock(ctx, s.payment, htlc)
	if err != nil {
		return nil, err
	}
	return s.refunded(tx), nil
}

// ownClaim looks for a claim of the taker payment made by this node. A
// broadcast can reach the chain even when it reported an error.
func (s *makerPaymentRefundRequired) ownClaim(ctx context.Context, d *deal) (*makerTakerPaymentSpent, error) {
	m := s.m
	transfer, err := m.takerCoin.SearchForSpend(ctx, s.funding, d.takerFunding(), s.ev.TakerCoinStartBlock)
	if err != nil || transfer == nil || transfer.Kind != TransferredToPayment {
		return nil, err
	}
	claim, err := m.takerCoin.SearchForSpend(ctx, transfer.Tx, d.takerPayment(), s.ev.TakerCoinStartBlock)
	if err != nil || claim == nil || claim.Kind != ClaimedByReceiver {
		return nil, err
	}
	m.log.Info("Found own taker payment claim, refund not needed", "tx", claim.Tx.Hash())
	return &makerTakerPaymentSpent{m: m, spend: claim.Tx, ev: &MakerTakerPaymentSpent{
		MakerSwapData:     s.ev.MakerSwapData,
		MakerPayment:      s.ev.MakerPayment,
		TakerPayment:      txInfo(transfer.Tx),
		TakerPaymentSpend: txInfo(claim.Tx),
	}}, nil
}

// learnTakerSecret picks up the taker secret if the taker reclaimed its
// funding with it.
func (s *makerPaymentRefundRequired) learnTakerSecret(ctx context.Context, d *deal) {
	outcome, err := s.m.takerCoin.SearchForSpend(ctx, s.funding, d.takerFunding(), s.ev.TakerCoinStartBlock)
	if err != nil || outcome == nil || outcome.Kind != RefundedSecret {
		return
	}
	if bytes.Equal(s.m.algo.Hash(outcome.Secret), d.takerSecretHash) {
		s.ev.TakerSecret = outcome.Secret
	}
}

func (s *makerPaymentRefundRequired) refunded(tx Tx) *makerPaymentRefunded {
	s.m.log.Info("Refunded maker payment", "tx", tx.Hash())
	return &makerPaymentRefunded{ev: &MakerPaymentRefunded{
		MakerPayment: s.ev.MakerPayment,
		Refund:       txInfo(tx),
		Reason:       s.ev.Reason,
	}}
}

// =============================================================================
// Terminal states
// =============================================================================

type makerPaymentRefunded struct {
	ev *MakerPaymentRefunded
}

func (s *makerPaymentRefunded) event() Event               { return s.ev }
func (s *makerPaymentRefunded) step(context.Context) state { return nil }

type makerCompleted struct {
	ev *MakerCompleted
}

func (s *makerCompleted) event() Event               { return s.ev }
func (s *makerCompleted) step(context.Context) state { return nil }

type makerAborted struct {
	ev *MakerAborted
}

func (s *makerAborted) event() Event               { return s.ev }
func (s *makerAborted) step(context.Context) state { return nil }
