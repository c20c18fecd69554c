package swap

import (
	"context"
	"errors"
	"fmt"
)

type (
	takerInitializeNext interface {
		state
		afterTakerInitialize()
	}
	takerInitializedNext interface {
		state
		afterTakerInitialized()
	}
	takerNegotiatedNext interface {
		state
		afterTakerNegotiated()
	}
	takerFundingSentNext interface {
		state
		afterTakerFundingSent()
	}
	takerMakerPaymentReceivedNext interface {
		state
		afterTakerMakerPaymentReceived()
	}
	takerPaymentSentNext interface {
		state
		afterTakerPaymentSent()
	}
	takerPaymentSpentNext interface {
		state
		afterTakerPaymentSpent()
	}
	takerMakerPaymentSpentNext interface {
		state
		afterTakerMakerPaymentSpent()
	}
	takerFundingRefundRequiredNext interface {
		state
		afterTakerFundingRefundRequired()
	}
	takerPaymentRefundRequiredNext interface {
		state
		afterTakerPaymentRefundRequired()
	}
)

func (*takerInitialized) afterTakerInitialize()                      {}
func (*takerAborted) afterTakerInitialize()                          {}
func (*takerNegotiated) afterTakerInitialized()                      {}
func (*takerAborted) afterTakerInitialized()                         {}
func (*takerFundingSent) afterTakerNegotiated()                      {}
func (*takerAborted) afterTakerNegotiated()                          {}
func (*takerMakerPaymentReceived) afterTakerFundingSent()            {}
func (*takerFundingRefundRequired) afterTakerFundingSent()           {}
func (*takerPaymentSent) afterTakerMakerPaymentReceived()            {}
func (*takerFundingRefundRequired) afterTakerMakerPaymentReceived()  {}
func (*takerPaymentSpent) afterTakerPaymentSent()                    {}
func (*takerPaymentRefundRequired) afterTakerPaymentSent()           {}
func (*takerMakerPaymentSpent) afterTakerPaymentSpent()              {}
func (*takerCompleted) afterTakerMakerPaymentSpent()                 {}
func (*takerFundingRefunded) afterTakerFundingRefundRequired()       {}
func (*takerPaymentRefundRequired) afterTakerFundingRefundRequired() {}
func (*takerPaymentRefunded) afterTakerPaymentRefundRequired()       {}
func (*takerPaymentSpent) afterTakerPaymentRefundRequired()          {}
func (interrupted) afterTakerInitialize()                            {}
func (interrupted) afterTakerInitialized()                           {}
func (interrupted) afterTakerNegotiated()                            {}
func (interrupted) afterTakerFundingSent()                           {}
func (interrupted) afterTakerMakerPaymentReceived()                  {}
func (interrupted) afterTakerPaymentSent()                           {}
func (interrupted) afterTakerPaymentSpent()                          {}
func (interrupted) afterTakerMakerPaymentSpent()                     {}
func (interrupted) afterTakerFundingRefundRequired()                 {}
func (interrupted) afterTakerPaymentRefundRequired()                 {}

func (t *TakerSwap) aborted(reason AbortReason, details string) *takerAborted {
	t.log.Warn("Aborting swap", "reason", reason, "details", details)
	return &takerAborted{ev: &TakerAborted{Reason: reason, Details: details}}
}

// halfLockDeadline bounds the waits for the maker payment. Past it the
// taker keeps its funding.
func (t *TakerSwap) halfLockDeadline() uint64 {
	return t.startedAt + t.lockDuration/2
}

// =============================================================================
// Initialize
// =============================================================================

type takerInitialize struct {
	t *TakerSwap
}

func (s *takerInitialize) event() Event                   { return nil }
func (s *takerInitialize) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerInitialize) run(ctx context.Context) takerInitializeNext {
	t := s.t
	makerBlock, err := retry(ctx, t.swapBase, "maker coin block", func() (uint64, error) {
		return t.makerCoin.CurrentBlock(ctx)
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return t.aborted(AbortFailedToGetStartBlock, err.Error())
	}
	takerBlock, err := retry(ctx, t.swapBase, "taker coin block", func() (uint64, error) {
		return t.takerCoin.CurrentBlock(ctx)
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return t.aborted(AbortFailedToGetStartBlock, err.Error())
	}
	return &takerInitialized{t: t, ev: &TakerInitialized{
		MakerCoinStartBlock:  makerBlock,
		TakerCoinStartBlock:  takerBlock,
		TakerPaymentLocktime: TakerPaymentLocktime(t.startedAt, t.lockDuration),
		TakerFundingLocktime: TakerFundingLocktime(t.startedAt, t.lockDuration),
	}}
}

// =============================================================================
// Initialized: negotiation
// =============================================================================

type takerInitialized struct {
	t  *TakerSwap
	ev *TakerInitialized
}

func (s *takerInitialized) event() Event                   { return s.ev }
func (s *takerInitialized) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerInitialized) run(ctx context.Context) takerInitializedNext {
	t := s.t
	var mn MakerNegotiation
	err := t.waitMessage(ctx, MsgMakerNegotiation, t.clock.Now().Add(t.cfg.MessageTimeout()), &mn)
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return t.aborted(AbortDidNotReceiveMakerNegotiation, err.Error())
	}

	if reason, details := t.validateMakerNegotiation(&mn); reason != "" {
		reply := TakerNegotiation{Abort: &NegotiationAbort{Reason: string(reason)}}
		if err := t.publish(ctx, MsgTakerNegotiation, reply); err != nil {
			t.log.Warn("Failed to send negotiation abort", "error", err)
		}
		return t.aborted(reason, details)
	}

	data := t.negotiation(s.ev)
	stop, err := t.startResend(ctx, MsgTakerNegotiation, TakerNegotiation{Data: &data})
	if err != nil {
		return t.aborted(AbortFailedToSendMessage, err.Error())
	}
	var negotiated MakerNegotiated
	err = t.waitMessage(ctx, MsgMakerNegotiated, t.clock.Now().Add(t.cfg.MessageTimeout()), &negotiated)
	stop()
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return t.aborted(AbortDidNotReceiveMakerNegotiated, err.Error())
	}
	if !negotiated.Negotiated {
		return t.aborted(AbortMakerDidNotNegotiate, negotiated.Reason)
	}

	return &takerNegotiated{t: t, ev: &TakerNegotiated{TakerSwapData{
		MakerCoinStartBlock: s.ev.MakerCoinStartBlock,
		TakerCoinStartBlock: s.ev.TakerCoinStartBlock,
		Negotiation:         mn,
	}}}
}

// =============================================================================
// Negotiated: send the funding
// =============================================================================

type takerNegotiated struct {
	t  *TakerSwap
	ev *TakerNegotiated
}

func (s *takerNegotiated) event() Event                   { return s.ev }
func (s *takerNegotiated) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerNegotiated) run(ctx context.Context) takerNegotiatedNext {
	t := s.t
	d := t.deal(&s.ev.Negotiation)
	funding, err := retry(ctx, t.swapBase, "send taker funding", func() (Tx, error) {
		return t.takerCoin.SendPayment(ctx, d.takerFunding())
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return t.aborted(AbortFailedToSendTakerFunding, err.Error())
	}
	t.log.Info("Sent taker funding", "tx", funding.Hash())
	return &takerFundingSent{t: t, funding: funding, ev: &TakerFundingSent{
		TakerSwapData: s.ev.TakerSwapData,
		TakerFunding:  txInfo(funding),
	}}
}

// =============================================================================
// TakerFundingSent: wait for the maker payment
// =============================================================================

type takerFundingSent struct {
	t       *TakerSwap
	ev      *TakerFundingSent
	funding Tx
}

func (s *takerFundingSent) event() Event                   { return s.ev }
func (s *takerFundingSent) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerFundingSent) run(ctx context.Context) takerFundingSentNext {
	t := s.t
	d := t.deal(&s.ev.Negotiation)

	stop, err := t.startResend(ctx, MsgTakerFundingInfo, TakerFundingInfo{Tx: s.funding.Bytes()})
	if err != nil {
		t.log.Error("Failed to send taker funding info", "error", err)
	}
	var info MakerPaymentInfo
	err = t.waitMessage(ctx, MsgMakerPaymentInfo, unixTime(t.halfLockDeadline()), &info)
	stop()
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return t.fundingRefundRequired(s.ev.TakerSwapData, s.funding, nil, RefundDidNotReceiveMakerPaymentInfo)
	}

	payment, err := t.makerCoin.ParseTx(info.Tx)
	if err != nil {
		t.log.Error("Failed to parse maker payment", "error", err)
		return t.fundingRefundRequired(s.ev.TakerSwapData, s.funding, nil, RefundMakerPaymentValidationFailed)
	}
	err = retryDo(ctx, t.swapBase, "validate maker payment", func() error {
		return t.makerCoin.ValidatePayment(ctx, payment, d.makerPayment())
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		t.log.Error("Maker payment validation failed", "error", err)
		return t.fundingRefundRequired(s.ev.TakerSwapData, s.funding, payment, RefundMakerPaymentValidationFailed)
	}

	preimage := &SpendPreimage{Preimage: info.FundingPreimageTx, Signature: info.FundingPreimageSig}
	err = retryDo(ctx, t.swapBase, "validate funding spend preimage", func() error {
		return t.takerCoin.ValidateSpendPreimage(ctx, s.funding, d.takerFunding(), d.fundingSpendTarget(), preimage)
	})
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		t.log.Error("Funding spend preimage rejected", "error", err)
		return t.fundingRefundRequired(s.ev.TakerSwapData, s.funding, payment, RefundFundingPreimageValidationFailed)
	}

	return &takerMakerPaymentReceived{t: t, funding: s.funding, makerPayment: payment, ev: &TakerMakerPaymentReceived{
		TakerSwapData:        s.ev.TakerSwapData,
		TakerFunding:         s.ev.TakerFunding,
		MakerPayment:         txInfo(payment),
		FundingSpendPreimage: preimageInfo(preimage),
	}}
}

// =============================================================================
// MakerPaymentAndFundingSpendPreimgReceived: spend the funding into the
// taker payment
// =============================================================================

type takerMakerPaymentReceived struct {
	t            *TakerSwap
	ev           *TakerMakerPaymentReceived
	funding      Tx
	makerPayment Tx
}

func (s *takerMakerPaymentReceived) event() Event                   { return s.ev }
func (s *takerMakerPaymentReceived) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerMakerPaymentReceived) run(ctx context.Context) takerMakerPaymentReceivedNext {
	t := s.t
	d := t.deal(&s.ev.Negotiation)
	fundingHTLC := d.takerFunding()
	refund := func(reason RefundReason) takerMakerPaymentReceivedNext {
		return t.fundingRefundRequired(s.ev.TakerSwapData, s.funding, s.makerPayment, reason)
	}

	err := t.makerCoin.WaitForConfirmations(ctx, s.makerPayment, t.confs.MakerCoinConfs, t.confs.MakerCoinNota,
		unixTime(t.halfLockDeadline()), t.cfg.ConfirmationPollInterval)
	if ctx.Err() != nil {
		return interrupted{}
	}
	if err != nil {
		return refund(RefundMakerPaymentNotConfirmed)
	}

	var payment Tx
	outcome, err := t.takerCoin.SearchForSpend(ctx, s.funding, fundingHTLC, s.ev.TakerCoinStartBlock)
	if err == nil && outcome != nil && outcome.Kind == TransferredToPayment {
		payment = outcome.Tx
	} else {
		payment, err = retry(ctx, t.swapBase, "send taker payment", func() (Tx, error) {
			return t.takerCoin.SignAndBroadcastSpend(ctx, s.funding, fundingHTLC, d.fundingSpendTarget(),
				s.ev.FundingSpendPreimage.spendPreimage(), nil)
		})
		if ctx.Err() != nil {
			return interrupted{}
		}
		if err != nil {
			t.log.Error("Failed to send taker payment", "error", err)
			return refund(RefundFailedToSendTakerPayment)
		}
	}
	t.log.Info("Sent taker payment", "tx", payment.Hash())

	return &takerPaymentSent{
		t:            t,
		skipped:      t.takerCoin.Params().SkipTakerPaymentSpendPreimage,
		makerPayment: s.makerPayment,
		payment:      payment,
		ev: &TakerPaymentSent{
			TakerSwapData: s.ev.TakerSwapData,
			TakerFunding:  s.ev.TakerFunding,
			MakerPayment:  s.ev.MakerPayment,
			TakerPayment:  txInfo(payment),
		},
	}
}

// =============================================================================
// TakerPaymentSent: hand over the spend preimage and wait for the claim
// =============================================================================

// takerPaymentSent is persisted as TakerPaymentSent or, for coins without a
// spend preimage, as its skipped variant.
type takerPaymentSent struct {
	t            *TakerSwap
	ev           *TakerPaymentSent
	skipped      bool
	makerPayment Tx
	payment      Tx
}

func (s *takerPaymentSent) event() Event {
	if s.skipped {
		return &TakerPaymentSentSkipped{
			TakerSwapData: s.ev.TakerSwapData,
			TakerFunding:  s.ev.TakerFunding,
			MakerPayment:  s.ev.MakerPayment,
			TakerPayment:  s.ev.TakerPayment,
		}
	}
	return s.ev
}

func (s *takerPaymentSent) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerPaymentSent) run(ctx context.Context) takerPaymentSentNext {
	t := s.t
	d := t.deal(&s.ev.Negotiation)
	htlc := d.takerPayment()
	makerPayment := s.ev.MakerPayment
	refund := func(reason RefundReason) takerPaymentSentNext {
		return t.paymentRefundRequired(s.ev.TakerSwapData, &makerPayment, s.makerPayment, s.payment, reason)
	}

	if !s.skipped {
		preimage, err := retry(ctx, t.swapBase, "generate taker payment spend", func() (*SpendPreimage, error) {
			return t.takerCoin.GenSpendPreimage(ctx, s.payment, htlc, d.takerPaymentSpendTarget())
		})
		if ctx.Err() != nil {
			return interrupted{}
		}
		if err != nil {
			t.log.Error("Failed to generate taker payment spend preimage", "error", err)
			return refund(RefundFailedToGenerateSpendPreimage)
		}
		msg := TakerPaymentSpendPreimageMsg{PreimageTx: preimage.Preimage, Signature: preimage.Signature}
		stop, err := t.startResend(ctx, MsgTakerPaymentSpendPreimage, msg)
		if err != nil {
			t.log.Error("Failed to send taker payment spend preimage", "error", err)
		}
		defer stop()
	}

	deadline := unixTime(htlc.LockTime)
	for {
		outcome, err := t.takerCoin.SearchForSpend(ctx, s.payment, htlc, s.ev.TakerCoinStartBlock)
		switch {
		case ctx.Err() != nil:
			return interrupted{}
		case err != nil:
			t.log.Warn("Failed to search for taker payment spend", "error", err)
		case outcome != nil && outcome.Kind == ClaimedByReceiver:
			secret, err := t.takerCoin.ExtractSecret(d.makerSecretHash, t.algo, outcome.Tx)
			if err != nil {
				t.log.Error("Failed to extract maker secret", "tx", outcome.Tx.Hash(), "error", err)
				break
			}
			return t.paymentSpent(s.ev.TakerSwapData, makerPayment, s.makerPayment, s.ev.TakerPayment, outcome.Tx, secret)
		case outcome != nil:
			return refund(RefundMakerDidNotSpendTakerPayment)
		}

		if !t.clock.Now().Before(deadline) {
			return refund(RefundMakerDidNotSpendTakerPayment)
		}
		if err := t.sleep(ctx, t.cfg.ConfirmationPollInterval); err != nil {
			return interrupted{}
		}
	}
}

// =============================================================================
// TakerPaymentSpent: claim the maker payment
// =============================================================================

func (t *TakerSwap) paymentSpent(data TakerSwapData, makerPaymentInfo TxInfo, makerPayment Tx,
	takerPayment TxInfo, spend Tx, secret []byte) *takerPaymentSpent {
	t.log.Info("Maker claimed taker payment", "tx", spend.Hash())
	return &takerPaymentSpent{t: t, makerPayment: makerPayment, ev: &TakerPaymentSpent{
		TakerSwapData:     data,
		MakerPayment:      makerPaymentInfo,
		TakerPayment:      takerPayment,
		TakerPaymentSpend: txInfo(spend),
		MakerSecret:       secret,
	}}
}

type takerPaymentSpent struct {
	t            *TakerSwap
	ev           *TakerPaymentSpent
	makerPayment Tx
}

func (s *takerPaymentSpent) event() Event                   { return s.ev }
func (s *takerPaymentSpent) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerPaymentSpent) run(ctx context.Context) takerPaymentSpentNext {
	spend, err := keepTrying(ctx, s.t.swapBase, "spend maker payment", func() (Tx, error) {
		return s.spendMakerPayment(ctx)
	})
	if err != nil {
		return interrupted{}
	}
	return s.spent(spend)
}

// spendMakerPayment claims the maker payment with the maker secret unless
// an earlier claim is already on chain.
func (s *takerPaymentSpent) spendMakerPayment(ctx context.Context) (Tx, error) {
	t := s.t
	htlc := t.deal(&s.ev.Negotiation).makerPayment()
	outcome, err := t.makerCoin.SearchForSpend(ctx, s.makerPayment, htlc, s.ev.MakerCoinStartBlock)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		if outcome.Kind == ClaimedByReceiver {
			return outcome.Tx, nil
		}
		return nil, fmt.Errorf("maker payment already spent as %s", outcome.Kind)
	}
	spend, err := t.makerCoin.SpendPayment(ctx, s.makerPayment, htlc, s.ev.MakerSecret)
	if err != nil {
		return nil, err
	}
	t.log.Info("Spent maker payment", "tx", spend.Hash())
	return spend, nil
}

func (s *takerPaymentSpent) spent(spend Tx) *takerMakerPaymentSpent {
	return &takerMakerPaymentSpent{t: s.t, spend: spend, ev: &TakerMakerPaymentSpent{
		TakerSwapData:     s.ev.TakerSwapData,
		MakerPayment:      s.ev.MakerPayment,
		TakerPayment:      s.ev.TakerPayment,
		TakerPaymentSpend: s.ev.TakerPaymentSpend,
		MakerSecret:       s.ev.MakerSecret,
		MakerPaymentSpend: txInfo(spend),
	}}
}

// =============================================================================
// MakerPaymentSpent
// =============================================================================

type takerMakerPaymentSpent struct {
	t     *TakerSwap
	ev    *TakerMakerPaymentSpent
	spend Tx
}

func (s *takerMakerPaymentSpent) event() Event                   { return s.ev }
func (s *takerMakerPaymentSpent) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerMakerPaymentSpent) run(ctx context.Context) takerMakerPaymentSpentNext {
	t := s.t
	if err := t.awaitConfirmations(ctx, t.makerCoin, s.spend, t.confs.MakerCoinConfs, t.confs.MakerCoinNota); err != nil {
		return interrupted{}
	}
	return &takerCompleted{ev: &TakerCompleted{MakerPaymentSpend: s.ev.MakerPaymentSpend}}
}

// =============================================================================
// TakerFundingRefundRequired
// =============================================================================

func (t *TakerSwap) fundingRefundRequired(data TakerSwapData, funding, makerPayment Tx, reason RefundReason) *takerFundingRefundRequired {
	t.log.Warn("Taker funding refund required", "reason", reason)
	ev := &TakerFundingRefundRequired{
		TakerSwapData: data,
		TakerFunding:  txInfo(funding),
		Reason:        reason,
	}
	if makerPayment != nil {
		info := txInfo(makerPayment)
		ev.MakerPayment = &info
	}
	return &takerFundingRefundRequired{t: t, ev: ev, funding: funding, makerPayment: makerPayment}
}

type takerFundingRefundRequired struct {
	t            *TakerSwap
	ev           *TakerFundingRefundRequired
	funding      Tx
	makerPayment Tx
}

func (s *takerFundingRefundRequired) event() Event                   { return s.ev }
func (s *takerFundingRefundRequired) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerFundingRefundRequired) run(ctx context.Context) takerFundingRefundRequiredNext {
	t := s.t
	for {
		next, err := s.attempt(ctx)
		if ctx.Err() != nil {
			return interrupted{}
		}
		if err == nil {
			return next
		}
		t.log.Warn("Taker funding refund attempt failed", "error", err)
		if err := t.sleep(ctx, t.cfg.ConfirmationPollInterval); err != nil {
			return interrupted{}
		}
	}
}

// attempt reclaims the funding with the taker secret. If the funding was
// already spent into the taker payment, that payment needs the refund
// instead.
func (s *takerFundingRefundRequired) attempt(ctx context.Context) (takerFundingRefundRequiredNext, error) {
	t := s.t
	d := t.deal(&s.ev.Negotiation)
	htlc := d.takerFunding()

	outcome, err := t.takerCoin.SearchForSpend(ctx, s.funding, htlc, s.ev.TakerCoinStartBlock)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		switch outcome.Kind {
		case TransferredToPayment:
			return t.paymentRefundRequired(s.ev.TakerSwapData, s.ev.MakerPayment, s.makerPayment, outcome.Tx, s.ev.Reason), nil
		case RefundedSecret, RefundedTimelock:
			return s.refunded(outcome.Tx), nil
		default:
			return nil, fmt.Errorf("unexpected funding spend %s", outcome.Kind)
		}
	}

	tx, err := t.takerCoin.RefundPaymentSecret(ctx, s.funding, htlc, t.secret)
	if err != nil {
		return nil, err
	}
	return s.refunded(tx), nil
}

func (s *takerFundingRefundRequired) refunded(tx Tx) *takerFundingRefunded {
	s.t.log.Info("Refunded taker funding", "tx", tx.Hash())
	return &takerFundingRefunded{ev: &TakerFundingRefunded{
		TakerFunding: s.ev.TakerFunding,
		Refund:       txInfo(tx),
		Reason:       s.ev.Reason,
	}}
}

// =============================================================================
// TakerPaymentRefundRequired
// =============================================================================

func (t *TakerSwap) paymentRefundRequired(data TakerSwapData, makerPaymentInfo *TxInfo, makerPayment, payment Tx,
	reason RefundReason) *takerPaymentRefundRequired {
	t.log.Warn("Taker payment refund required", "reason", reason)
	return &takerPaymentRefundRequired{t: t, makerPayment: makerPayment, payment: payment, ev: &TakerPaymentRefundRequired{
		TakerSwapData: data,
		MakerPayment:  makerPaymentInfo,
		TakerPayment:  txInfo(payment),
		Reason:        reason,
	}}
}

type takerPaymentRefundRequired struct {
	t            *TakerSwap
	ev           *TakerPaymentRefundRequired
	makerPayment Tx
	payment      Tx
}

func (s *takerPaymentRefundRequired) event() Event                   { return s.ev }
func (s *takerPaymentRefundRequired) step(ctx context.Context) state { return s.run(ctx) }

func (s *takerPaymentRefundRequired) run(ctx context.Context) takerPaymentRefundRequiredNext {
	t := s.t
	for {
		next, err := s.attempt(ctx)
		if ctx.Err() != nil {
			return interrupted{}
		}
		if err == nil {
			return next
		}
		if errors.Is(err, ErrCannotRecoverYet) {
			t.log.Debug("Taker payment not refundable yet")
		} else {
			t.log.Warn("Taker payment refund attempt failed", "error", err)
		}
		if err := t.sleep(ctx, t.cfg.ConfirmationPollInterval); err != nil {
			return interrupted{}
		}
	}
}

// attempt refunds the taker payment after its lock time. A maker claim
// found instead moves the swap on to claiming the maker payment.
func (s *takerPaymentRefundRequired) attempt(ctx context.Context) (takerPaymentRefundRequiredNext, error) {
	t := s.t
	d := t.deal(&s.ev.Negotiation)
	htlc := d.takerPayment()

	outcome, err := t.takerCoin.SearchForSpend(ctx, s.payment, htlc, s.ev.TakerCoinStartBlock)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		switch outcome.Kind {
		case ClaimedByReceiver:
			if s.makerPayment == nil || s.ev.MakerPayment == nil {
				return nil, errors.New("taker payment claimed but maker payment is unknown")
			}
			secret, err := t.takerCoin.ExtractSecret(d.makerSecretHash, t.algo, outcome.Tx)
			if err != nil {
				return nil, err
			}
			return t.paymentSpent(s.ev.TakerSwapData, *s.ev.MakerPayment, s.makerPayment, s.ev.TakerPayment, outcome.Tx, secret), nil
		default:
			return s.refunded(outcome.Tx), nil
		}
	}

	ok, err := t.takerCoin.CanRefundTimelock(ctx, htlc.LockTime)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCannotRecoverYet
	}
	tx, err := t.takerCoin.RefundPaymentTimelock(ctx, s.payment, htlc)
	if err != nil {
		return nil, err
	}
	return s.refunded(tx), nil
}

func (s *takerPaymentRefundRequired) refunded(tx Tx) *takerPaymentRefunded {
	s.t.log.Info("Refunded taker payment", "tx", tx.Hash())
	return &takerPaymentRefunded{ev: &TakerPaymentRefunded{
		TakerPayment: s.ev.TakerPayment,
		Refund:       txInfo(tx),
		Reason:       s.ev.Reason,
	}}
}

// =============================================================================
// Terminal states
// =============================================================================

type takerFundingRefunded struct {
	ev *TakerFundingRefunded
}

func (s *takerFundingRefunded) event() Event               { return s.ev }
func (s *takerFundingRefunded) step(context.Context) state { return nil }

type takerPaymentRefunded struct {
	ev *TakerPaymentRefunded
}

func (s *takerPaymentRefunded) event() Event               { return s.ev }
func (s *takerPaymentRefunded) step(context.Context) state { return nil }

type takerCompleted struct {
	ev *TakerCompleted
}

func (s *takerCompleted) event() Event               { return s.ev }
func (s *takerCompleted) step(context.Context) state { return nil }

type takerAborted struct {
	ev *TakerAborted
}

func (s *takerAborted) event() Event               { return s.ev }
func (s *takerAborted) step(context.Context) state { return nil }
