// Package swap implements the maker and taker state machines of v2 atomic
// swaps. Each swap is an event-sourced state machine: every transition is
// persisted before the next one runs, and an interrupted swap resumes from
// its last event.
package swap

import (
	"errors"

	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/shopspring/decimal"
)

// Engine errors
var (
	ErrSwapRunning         = errors.New("swap is already running")
	ErrSwapNotRunning      = errors.New("swap is not running")
	ErrCoinNotActive       = errors.New("coin not activated")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidParams       = errors.New("invalid swap parameters")
	ErrSwapLockLost        = errors.New("swap lock lost")
	ErrNothingToRecover    = errors.New("nothing to recover")
	ErrCannotRecoverYet    = errors.New("funds cannot be recovered yet")
	ErrUnknownSwapType     = errors.New("unknown swap type")
)

// Swap types persisted with every swap.
const (
	MakerSwapType = "maker_v2"
	TakerSwapType = "taker_v2"
)

// SwapVersion is the protocol version written to the swap record.
const SwapVersion = 2

// Role is the local side of a swap.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// Confirmations are the confirmation requirements of both coins.
type Confirmations struct {
	MakerCoinConfs uint64 `json:"maker_coin_confs"`
	MakerCoinNota  bool   `json:"maker_coin_nota"`
	TakerCoinConfs uint64 `json:"taker_coin_confs"`
	TakerCoinNota  bool   `json:"taker_coin_nota"`
}

// MakerSwapParams start a maker swap.
type MakerSwapParams struct {
	UUID         uuid.UUID
	MakerCoin    string
	TakerCoin    string
	MakerVolume  decimal.Decimal
	TakerVolume  decimal.Decimal
	TakerPremium decimal.Decimal

	// TakerPubkey authenticates the taker's messages.
	TakerPubkey []byte

	// LockDuration in seconds, zero means the configured default.
	LockDuration uint64

	// Confirmations overrides the per-coin defaults when set.
	Confirmations *Confirmations

	// PerSwapP2PKey signs this swap's messages with a key derived for the
	// swap instead of the node identity.
	PerSwapP2PKey bool
}

// TakerSwapParams start a taker swap.
type TakerSwapParams struct {
	UUID         uuid.UUID
	MakerCoin    string
	TakerCoin    string
	MakerVolume  decimal.Decimal
	TakerVolume  decimal.Decimal
	TakerPremium decimal.Decimal

	// MakerPubkey authenticates the maker's messages.
	MakerPubkey []byte

	LockDuration  uint64
	Confirmations *Confirmations
	PerSwapP2PKey bool
}

// AbortReason tells why a swap was aborted before funds were committed.
type AbortReason string

const (
	AbortDidNotReceiveMakerNegotiation    AbortReason = "DidNotReceiveMakerNegotiation"
	AbortDidNotReceiveTakerNegotiation    AbortReason = "DidNotReceiveTakerNegotiation"
	AbortDidNotReceiveMakerNegotiated     AbortReason = "DidNotReceiveMakerNegotiated"
	AbortDidNotReceiveTakerFundingInfo    AbortReason = "DidNotReceiveTakerFundingInfo"
	AbortTakerAbortedNegotiation          AbortReason = "TakerAbortedNegotiation"
	AbortMakerDidNotNegotiate             AbortReason = "MakerDidNotNegotiate"
	AbortTooLargeStartedAtDiff            AbortReason = "TooLargeStartedAtDiff"
	AbortMakerProvidedInvalidLocktime     AbortReason = "MakerProvidedInvalidLocktime"
	AbortTakerProvidedInvalidFundingLock  AbortReason = "TakerProvidedInvalidFundingLocktime"
	AbortTakerProvidedInvalidPaymentLock  AbortReason = "TakerProvidedInvalidPaymentLocktime"
	AbortTakerProvidedInconsistentDexFee  AbortReason = "TakerProvidedInconsistentDexFee"
	AbortFailedToParsePubkey              AbortReason = "FailedToParsePubkey"
	AbortSecretHashUnexpectedLen          AbortReason = "SecretHashUnexpectedLen"
	AbortInvalidSwapContract              AbortReason = "InvalidSwapContract"
	AbortFailedToParseFundingTx           AbortReason = "FailedToParseFundingTx"
	AbortTakerFundingValidationFailed     AbortReason = "TakerFundingValidationFailed"
	AbortTakerFundingNotConfirmed         AbortReason = "TakerFundingNotConfirmed"
	AbortFailedToSendMakerPayment         AbortReason = "FailedToSendMakerPayment"
	AbortFailedToSendTakerFunding         AbortReason = "FailedToSendTakerFunding"
	AbortFailedToGetStartBlock            AbortReason = "FailedToGetStartBlock"
	AbortFailedToSendMessage              AbortReason = "FailedToSendMessage"
	AbortMissingTakerCoinAddress          AbortReason = "MissingTakerCoinAddress"
)

// RefundReason tells why committed funds have to be refunded.
type RefundReason string

const (
	RefundFailedToGenerateFundingSpend    RefundReason = "FailedToGenerateFundingSpend"
	RefundTakerFundingSpendNotFound       RefundReason = "TakerFundingSpendNotFound"
	RefundTakerFundingReclaimedTimelock   RefundReason = "TakerFundingReclaimedTimelock"
	RefundTakerFundingReclaimedSecret     RefundReason = "TakerFundingReclaimedSecret"
	RefundFundingSpendSearchFailed        RefundReason = "FundingSpendSearchFailed"
	RefundTakerPaymentValidationFailed    RefundReason = "TakerPaymentValidationFailed"
	RefundTakerPaymentNotConfirmed        RefundReason = "TakerPaymentNotConfirmed"
	RefundDidNotReceiveSpendPreimage      RefundReason = "DidNotReceiveTakerPaymentSpendPreimage"
	RefundSpendPreimageValidationFailed   RefundReason = "TakerPaymentSpendPreimageValidationFailed"
	RefundFailedToSpendTakerPayment       RefundReason = "FailedToSpendTakerPayment"
	RefundDidNotReceiveMakerPaymentInfo   RefundReason = "DidNotReceiveMakerPaymentInfo"
	RefundMakerPaymentValidationFailed    RefundReason = "MakerPaymentValidationFailed"
	RefundFundingPreimageValidationFailed RefundReason = "FundingSpendPreimageValidationFailed"
	RefundMakerPaymentNotConfirmed        RefundReason = "MakerPaymentNotConfirmed"
	RefundFailedToSendTakerPayment        RefundReason = "FailedToSendTakerPayment"
	RefundFailedToGenerateSpendPreimage   RefundReason = "FailedToGenerateTakerPaymentSpendPreimage"
	RefundMakerDidNotSpendTakerPayment    RefundReason = "MakerDidNotSpendTakerPayment"
)

// TxInfo is a transaction as persisted in events.
type TxInfo struct {
	TxHex  helpers.HexBytes `json:"tx_hex"`
	TxHash string           `json:"tx_hash"`
}

func txInfo(tx Tx) TxInfo {
	return TxInfo{TxHex: tx.Bytes(), TxHash: tx.Hash()}
}

// RecoveredFunds reports what RecoverFunds did.
type RecoveredFunds struct {
	Action string
	Coin   string
	Tx     TxInfo
}

// Recovery actions.
const (
	ActionRefundedMakerPayment = "RefundedMakerPayment"
	ActionRefundedTakerFunding = "RefundedTakerFunding"
	ActionRefundedTakerPayment = "RefundedTakerPayment"
	ActionSpentMakerPayment    = "SpentMakerPayment"
)
