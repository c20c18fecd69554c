package swap

import (
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/swapd/pkg/helpers"
)

// Event is one persisted transition of a swap. The event of a state holds
// everything needed to rebuild that state after a restart.
type Event interface {
	// Type is the persisted name of the event.
	Type() string
	// Terminal reports whether the swap ends with this event.
	Terminal() bool
}

// MakerEvent is an event of a maker swap.
type MakerEvent interface {
	Event
	acceptMaker(v makerEventVisitor) (state, error)
}

// TakerEvent is an event of a taker swap.
type TakerEvent interface {
	Event
	acceptTaker(v takerEventVisitor) (state, error)
}

// makerEventVisitor must handle every maker event, so adding an event
// without teaching recreation about it does not compile.
type makerEventVisitor interface {
	initialized(*MakerInitialized) (state, error)
	waitingForTakerFunding(*MakerWaitingForTakerFunding) (state, error)
	takerFundingReceived(*MakerTakerFundingReceived) (state, error)
	paymentSentFundingSpendGenerated(*MakerPaymentSentFundingSpendGenerated) (state, error)
	takerPaymentReceived(*MakerTakerPaymentReceived) (state, error)
	takerPaymentReceivedSkipped(*MakerTakerPaymentReceivedSkipped) (state, error)
	takerPaymentSpent(*MakerTakerPaymentSpent) (state, error)
	paymentRefundRequired(*MakerPaymentRefundRequired) (state, error)
	paymentRefunded(*MakerPaymentRefunded) (state, error)
	completed(*MakerCompleted) (state, error)
	aborted(*MakerAborted) (state, error)
}

type takerEventVisitor interface {
	initialized(*TakerInitialized) (state, error)
	negotiated(*TakerNegotiated) (state, error)
	fundingSent(*TakerFundingSent) (state, error)
	makerPaymentReceived(*TakerMakerPaymentReceived) (state, error)
	paymentSent(*TakerPaymentSent) (state, error)
	paymentSentSkipped(*TakerPaymentSentSkipped) (state, error)
	paymentSpent(*TakerPaymentSpent) (state, error)
	makerPaymentSpent(*TakerMakerPaymentSpent) (state, error)
	fundingRefundRequired(*TakerFundingRefundRequired) (state, error)
	paymentRefundRequired(*TakerPaymentRefundRequired) (state, error)
	fundingRefunded(*TakerFundingRefunded) (state, error)
	paymentRefunded(*TakerPaymentRefunded) (state, error)
	completed(*TakerCompleted) (state, error)
	aborted(*TakerAborted) (state, error)
}

// PreimageInfo is a persisted spend preimage.
type PreimageInfo struct {
	Preimage  helpers.HexBytes `json:"preimage"`
	Signature helpers.HexBytes `json:"signature"`
}

func preimageInfo(p *SpendPreimage) PreimageInfo {
	return PreimageInfo{Preimage: p.Preimage, Signature: p.Signature}
}

func (p PreimageInfo) spendPreimage() *SpendPreimage {
	return &SpendPreimage{Preimage: p.Preimage, Signature: p.Signature}
}

// =============================================================================
// Maker events
// =============================================================================

// MakerSwapData is carried by every maker event after negotiation.
type MakerSwapData struct {
	MakerCoinStartBlock uint64               `json:"maker_coin_start_block"`
	TakerCoinStartBlock uint64               `json:"taker_coin_start_block"`
	Negotiation         TakerNegotiationData `json:"negotiation_data"`
}

// MakerInitialized: start blocks are known and funds are reserved.
type MakerInitialized struct {
	MakerCoinStartBlock  uint64 `json:"maker_coin_start_block"`
	TakerCoinStartBlock  uint64 `json:"taker_coin_start_block"`
	MakerPaymentLocktime uint64 `json:"maker_payment_locktime"`
}

// MakerWaitingForTakerFunding: negotiation succeeded.
type MakerWaitingForTakerFunding struct {
	MakerSwapData
}

// MakerTakerFundingReceived: the taker announced its funding transaction.
type MakerTakerFundingReceived struct {
	MakerSwapData
	TakerFunding TxInfo `json:"taker_funding"`
}

// MakerPaymentSentFundingSpendGenerated: the maker payment is on chain and
// the funding spend preimage was generated.
type MakerPaymentSentFundingSpendGenerated struct {
	MakerSwapData
	TakerFunding         TxInfo       `json:"taker_funding"`
	MakerPayment         TxInfo       `json:"maker_payment"`
	FundingSpendPreimage PreimageInfo `json:"funding_spend_preimage"`
}

// MakerTakerPaymentReceived: the taker spent its funding into the taker
// payment.
type MakerTakerPaymentReceived struct {
	MakerSwapData
	TakerFunding TxInfo `json:"taker_funding"`
	MakerPayment TxInfo `json:"maker_payment"`
	TakerPayment TxInfo `json:"taker_payment"`
}

// MakerTakerPaymentReceivedSkipped is MakerTakerPaymentReceived for coins
// that skip the taker payment spend preimage.
type MakerTakerPaymentReceivedSkipped struct {
	MakerSwapData
	TakerFunding TxInfo `json:"taker_funding"`
	MakerPayment TxInfo `json:"maker_payment"`
	TakerPayment TxInfo `json:"taker_payment"`
}

// MakerTakerPaymentSpent: the maker claimed the taker payment.
type MakerTakerPaymentSpent struct {
	MakerSwapData
	MakerPayment      TxInfo `json:"maker_payment"`
	TakerPayment      TxInfo `json:"taker_payment"`
	TakerPaymentSpend TxInfo `json:"taker_payment_spend"`
}

// MakerPaymentRefundRequired: the maker payment must be taken back.
type MakerPaymentRefundRequired struct {
	MakerSwapData
	TakerFunding TxInfo           `json:"taker_funding"`
	MakerPayment TxInfo           `json:"maker_payment"`
	Reason       RefundReason     `json:"reason"`
	TakerSecret  helpers.HexBytes `json:"taker_secret,omitempty"`
}

// MakerPaymentRefunded ends a maker swap with its payment refunded.
type MakerPaymentRefunded struct {
	MakerPayment TxInfo       `json:"maker_payment"`
	Refund       TxInfo       `json:"refund"`
	Reason       RefundReason `json:"reason"`
}

// MakerCompleted ends a successful maker swap.
type MakerCompleted struct {
	TakerPaymentSpend TxInfo `json:"taker_payment_spend"`
}

// MakerAborted ends a maker swap before the maker committed funds.
type MakerAborted struct {
	Reason  AbortReason `json:"reason"`
	Details string      `json:"details,omitempty"`
}

func (*MakerInitialized) Type() string                      { return "Initialized" }
func (*MakerWaitingForTakerFunding) Type() string           { return "WaitingForTakerFunding" }
func (*MakerTakerFundingReceived) Type() string             { return "TakerFundingReceived" }
func (*MakerPaymentSentFundingSpendGenerated) Type() string { return "MakerPaymentSentFundingSpendGenerated" }
func (*MakerTakerPaymentReceived) Type() string             { return "TakerPaymentReceived" }
func (*MakerTakerPaymentReceivedSkipped) Type() string {
	return "TakerPaymentReceivedAndPreimageValidationSkipped"
}
func (*MakerTakerPaymentSpent) Type() string     { return "TakerPaymentSpent" }
func (*MakerPaymentRefundRequired) Type() string { return "MakerPaymentRefundRequired" }
func (*MakerPaymentRefunded) Type() string       { return "MakerPaymentRefunded" }
func (*MakerCompleted) Type() string             { return "Completed" }
func (*MakerAborted) Type() string               { return "Aborted" }

func (*MakerInitialized) Terminal() bool                      { return false }
func (*MakerWaitingForTakerFunding) Terminal() bool           { return false }
func (*MakerTakerFundingReceived) Terminal() bool             { return false }
func (*MakerPaymentSentFundingSpendGenerated) Terminal() bool { return false }
func (*MakerTakerPaymentReceived) Terminal() bool             { return false }
func (*MakerTakerPaymentReceivedSkipped) Terminal() bool      { return false }
func (*MakerTakerPaymentSpent) Terminal() bool                { return false }
func (*MakerPaymentRefundRequired) Terminal() bool            { return false }
func (*MakerPaymentRefunded) Terminal() bool                  { return true }
func (*MakerCompleted) Terminal() bool                        { return true }
func (*MakerAborted) Terminal() bool                          { return true }

func (e *MakerInitialized) acceptMaker(v makerEventVisitor) (state, error) {
	return v.initialized(e)
}
func (e *MakerWaitingForTakerFunding) acceptMaker(v makerEventVisitor) (state, error) {
	return v.waitingForTakerFunding(e)
}
func (e *MakerTakerFundingReceived) acceptMaker(v makerEventVisitor) (state, error) {
	return v.takerFundingReceived(e)
}
func (e *MakerPaymentSentFundingSpendGenerated) acceptMaker(v makerEventVisitor) (state, error) {
	return v.paymentSentFundingSpendGenerated(e)
}
func (e *MakerTakerPaymentReceived) acceptMaker(v makerEventVisitor) (state, error) {
	return v.takerPaymentReceived(e)
}
func (e *MakerTakerPaymentReceivedSkipped) acceptMaker(v makerEventVisitor) (state, error) {
	return v.takerPaymentReceivedSkipped(e)
}
func (e *MakerTakerPaymentSpent) acceptMaker(v makerEventVisitor) (state, error) {
	return v.takerPaymentSpent(e)
}
func (e *MakerPaymentRefundRequired) acceptMaker(v makerEventVisitor) (state, error) {
	return v.paymentRefundRequired(e)
}
func (e *MakerPaymentRefunded) acceptMaker(v makerEventVisitor) (state, error) {
	return v.paymentRefunded(e)
}
func (e *MakerCompleted) acceptMaker(v makerEventVisitor) (state, error) {
	return v.completed(e)
}
func (e *MakerAborted) acceptMaker(v makerEventVisitor) (state, error) {
	return v.aborted(e)
}

var makerEventTypes = map[string]func() MakerEvent{
	"Initialized":                           func() MakerEvent { return &MakerInitialized{} },
	"WaitingForTakerFunding":                func() MakerEvent { return &MakerWaitingForTakerFunding{} },
	"TakerFundingReceived":                  func() MakerEvent { return &MakerTakerFundingReceived{} },
	"MakerPaymentSentFundingSpendGenerated": func() MakerEvent { return &MakerPaymentSentFundingSpendGenerated{} },
	"TakerPaymentReceived":                  func() MakerEvent { return &MakerTakerPaymentReceived{} },
	"TakerPaymentReceivedAndPreimageValidationSkipped": func() MakerEvent {
		return &MakerTakerPaymentReceivedSkipped{}
	},
	"TakerPaymentSpent":          func() MakerEvent { return &MakerTakerPaymentSpent{} },
	"MakerPaymentRefundRequired": func() MakerEvent { return &MakerPaymentRefundRequired{} },
	"MakerPaymentRefunded":       func() MakerEvent { return &MakerPaymentRefunded{} },
	"Completed":                  func() MakerEvent { return &MakerCompleted{} },
	"Aborted":                    func() MakerEvent { return &MakerAborted{} },
}

// DecodeMakerEvent decodes a persisted maker event.
func DecodeMakerEvent(typ string, data []byte) (MakerEvent, error) {
	newEvent, ok := makerEventTypes[typ]
	if !ok {
		return nil, fmt.Errorf("unknown maker event %q", typ)
	}
	ev := newEvent()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode maker event %s: %w", typ, err)
	}
	return ev, nil
}

// =============================================================================
// Taker events
// =============================================================================

// TakerSwapData is carried by every taker event after negotiation.
type TakerSwapData struct {
	MakerCoinStartBlock uint64           `json:"maker_coin_start_block"`
	TakerCoinStartBlock uint64           `json:"taker_coin_start_block"`
	Negotiation         MakerNegotiation `json:"negotiation_data"`
}

// TakerInitialized: start blocks are known and funds are reserved.
type TakerInitialized struct {
	MakerCoinStartBlock  uint64 `json:"maker_coin_start_block"`
	TakerCoinStartBlock  uint64 `json:"taker_coin_start_block"`
	TakerPaymentLocktime uint64 `json:"taker_payment_locktime"`
	TakerFundingLocktime uint64 `json:"taker_funding_locktime"`
}

// TakerNegotiated: the maker accepted the taker's terms.
type TakerNegotiated struct {
	TakerSwapData
}

// TakerFundingSent: the taker funding is on chain.
type TakerFundingSent struct {
	TakerSwapData
	TakerFunding TxInfo `json:"taker_funding"`
}

// TakerMakerPaymentReceived: the maker payment and the funding spend
// preimage were received and validated.
type TakerMakerPaymentReceived struct {
	TakerSwapData
	TakerFunding         TxInfo       `json:"taker_funding"`
	MakerPayment         TxInfo       `json:"maker_payment"`
	FundingSpendPreimage PreimageInfo `json:"funding_spend_preimage"`
}

// TakerPaymentSent: the funding was spent into the taker payment.
type TakerPaymentSent struct {
	TakerSwapData
	TakerFunding TxInfo `json:"taker_funding"`
	MakerPayment TxInfo `json:"maker_payment"`
	TakerPayment TxInfo `json:"taker_payment"`
}

// TakerPaymentSentSkipped is TakerPaymentSent for coins whose maker claims
// the taker payment alone.
type TakerPaymentSentSkipped struct {
	TakerSwapData
	TakerFunding TxInfo `json:"taker_funding"`
	MakerPayment TxInfo `json:"maker_payment"`
	TakerPayment TxInfo `json:"taker_payment"`
}

// TakerPaymentSpent: the maker claimed the taker payment, revealing the
// maker secret.
type TakerPaymentSpent struct {
	TakerSwapData
	MakerPayment      TxInfo           `json:"maker_payment"`
	TakerPayment      TxInfo           `json:"taker_payment"`
	TakerPaymentSpend TxInfo           `json:"taker_payment_spend"`
	MakerSecret       helpers.HexBytes `json:"maker_secret"`
}

// TakerMakerPaymentSpent: the taker claimed the maker payment.
type TakerMakerPaymentSpent struct {
	TakerSwapData
	MakerPayment      TxInfo           `json:"maker_payment"`
	TakerPayment      TxInfo           `json:"taker_payment"`
	TakerPaymentSpend TxInfo           `json:"taker_payment_spend"`
	MakerSecret       helpers.HexBytes `json:"maker_secret"`
	MakerPaymentSpend TxInfo           `json:"maker_payment_spend"`
}

// TakerFundingRefundRequired: the funding must be taken back.
type TakerFundingRefundRequired struct {
	TakerSwapData
	TakerFunding TxInfo       `json:"taker_funding"`
	MakerPayment *TxInfo      `json:"maker_payment,omitempty"`
	Reason       RefundReason `json:"reason"`
}

// TakerPaymentRefundRequired: the taker payment must be taken back.
type TakerPaymentRefundRequired struct {
	TakerSwapData
	MakerPayment *TxInfo      `json:"maker_payment,omitempty"`
	TakerPayment TxInfo       `json:"taker_payment"`
	Reason       RefundReason `json:"reason"`
}

// TakerFundingRefunded ends a taker swap with its funding refunded.
type TakerFundingRefunded struct {
	TakerFunding TxInfo       `json:"taker_funding"`
	Refund       TxInfo       `json:"refund"`
	Reason       RefundReason `json:"reason"`
}

// TakerPaymentRefunded ends a taker swap with its payment refunded.
type TakerPaymentRefunded struct {
	TakerPayment TxInfo       `json:"taker_payment"`
	Refund       TxInfo       `json:"refund"`
	Reason       RefundReason `json:"reason"`
}

// TakerCompleted ends a successful taker swap.
type TakerCompleted struct {
	MakerPaymentSpend TxInfo `json:"maker_payment_spend"`
}

// TakerAborted ends a taker swap before the taker committed funds.
type TakerAborted struct {
	Reason  AbortReason `json:"reason"`
	Details string      `json:"details,omitempty"`
}

func (*TakerInitialized) Type() string           { return "Initialized" }
func (*TakerNegotiated) Type() string            { return "Negotiated" }
func (*TakerFundingSent) Type() string           { return "TakerFundingSent" }
func (*TakerMakerPaymentReceived) Type() string  { return "MakerPaymentAndFundingSpendPreimgReceived" }
func (*TakerPaymentSent) Type() string           { return "TakerPaymentSent" }
func (*TakerPaymentSentSkipped) Type() string    { return "TakerPaymentSentAndPreimageSendingSkipped" }
func (*TakerPaymentSpent) Type() string          { return "TakerPaymentSpent" }
func (*TakerMakerPaymentSpent) Type() string     { return "MakerPaymentSpent" }
func (*TakerFundingRefundRequired) Type() string { return "TakerFundingRefundRequired" }
func (*TakerPaymentRefundRequired) Type() string { return "TakerPaymentRefundRequired" }
func (*TakerFundingRefunded) Type() string       { return "TakerFundingRefunded" }
func (*TakerPaymentRefunded) Type() string       { return "TakerPaymentRefunded" }
func (*TakerCompleted) Type() string             { return "Completed" }
func (*TakerAborted) Type() string               { return "Aborted" }

func (*TakerInitialized) Terminal() bool           { return false }
func (*TakerNegotiated) Terminal() bool            { return false }
func (*TakerFundingSent) Terminal() bool           { return false }
func (*TakerMakerPaymentReceived) Terminal() bool  { return false }
func (*TakerPaymentSent) Terminal() bool           { return false }
func (*TakerPaymentSentSkipped) Terminal() bool    { return false }
func (*TakerPaymentSpent) Terminal() bool          { return false }
func (*TakerMakerPaymentSpent) Terminal() bool     { return false }
func (*TakerFundingRefundRequired) Terminal() bool { return false }
func (*TakerPaymentRefundRequired) Terminal() bool { return false }
func (*TakerFundingRefunded) Terminal() bool       { return true }
func (*TakerPaymentRefunded) Terminal() bool       { return true }
func (*TakerCompleted) Terminal() bool             { return true }
func (*TakerAborted) Terminal() bool               { return true }

func (e *TakerInitialized) acceptTaker(v takerEventVisitor) (state, error) {
	return v.initialized(e)
}
func (e *TakerNegotiated) acceptTaker(v takerEventVisitor) (state, error) {
	return v.negotiated(e)
}
func (e *TakerFundingSent) acceptTaker(v takerEventVisitor) (state, error) {
	return v.fundingSent(e)
}
func (e *TakerMakerPaymentReceived) acceptTaker(v takerEventVisitor) (state, error) {
	return v.makerPaymentReceived(e)
}
func (e *TakerPaymentSent) acceptTaker(v takerEventVisitor) (state, error) {
	return v.paymentSent(e)
}
func (e *TakerPaymentSentSkipped) acceptTaker(v takerEventVisitor) (state, error) {
	return v.paymentSentSkipped(e)
}
func (e *TakerPaymentSpent) acceptTaker(v takerEventVisitor) (state, error) {
	return v.paymentSpent(e)
}
func (e *TakerMakerPaymentSpent) acceptTaker(v takerEventVisitor) (state, error) {
	return v.makerPaymentSpent(e)
}
func (e *TakerFundingRefundRequired) acceptTaker(v takerEventVisitor) (state, error) {
	return v.fundingRefundRequired(e)
}
func (e *TakerPaymentRefundRequired) acceptTaker(v takerEventVisitor) (state, error) {
	return v.paymentRefundRequired(e)
}
func (e *TakerFundingRefunded) acceptTaker(v takerEventVisitor) (state, error) {
	return v.fundingRefunded(e)
}
func (e *TakerPaymentRefunded) acceptTaker(v takerEventVisitor) (state, error) {
	return v.paymentRefunded(e)
}
func (e *TakerCompleted) acceptTaker(v takerEventVisitor) (state, error) {
	return v.completed(e)
}
func (e *TakerAborted) acceptTaker(v takerEventVisitor) (state, error) {
	return v.aborted(e)
}

var takerEventTypes = map[string]func() TakerEvent{
	"Initialized":      func() TakerEvent { return &TakerInitialized{} },
	"Negotiated":       func() TakerEvent { return &TakerNegotiated{} },
	"TakerFundingSent": func() TakerEvent { return &TakerFundingSent{} },
	"MakerPaymentAndFundingSpendPreimgReceived": func() TakerEvent {
		return &TakerMakerPaymentReceived{}
	},
	"TakerPaymentSent": func() TakerEvent { return &TakerPaymentSent{} },
	"TakerPaymentSentAndPreimageSendingSkipped": func() TakerEvent {
		return &TakerPaymentSentSkipped{}
	},
	"TakerPaymentSpent":          func() TakerEvent { return &TakerPaymentSpent{} },
	"MakerPaymentSpent":          func() TakerEvent { return &TakerMakerPaymentSpent{} },
	"TakerFundingRefundRequired": func() TakerEvent { return &TakerFundingRefundRequired{} },
	"TakerPaymentRefundRequired": func() TakerEvent { return &TakerPaymentRefundRequired{} },
	"TakerFundingRefunded":       func() TakerEvent { return &TakerFundingRefunded{} },
	"TakerPaymentRefunded":       func() TakerEvent { return &TakerPaymentRefunded{} },
	"Completed":                  func() TakerEvent { return &TakerCompleted{} },
	"Aborted":                    func() TakerEvent { return &TakerAborted{} },
}

// DecodeTakerEvent decodes a persisted taker event.
func DecodeTakerEvent(typ string, data []byte) (TakerEvent, error) {
	newEvent, ok := takerEventTypes[typ]
	if !ok {
		return nil, fmt.Errorf("unknown taker event %q", typ)
	}
	ev := newEvent()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode taker event %s: %w", typ, err)
	}
	return ev, nil
}
