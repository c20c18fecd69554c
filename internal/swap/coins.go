package swap

import (
	"context"
	"errors"
	"time"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/shopspring/decimal"
)

// Coin errors.
var (
	// ErrTransient marks failures of the coin's chain access that are worth
	// retrying: RPC unavailability, timeouts, rate limiting.
	ErrTransient = errors.New("transient coin error")

	// ErrValidation marks a counterparty artifact that does not match the
	// negotiated parameters.
	ErrValidation = errors.New("validation failed")

	// ErrConfirmationTimeout is returned when a transaction did not reach the
	// required confirmations before the deadline.
	ErrConfirmationTimeout = errors.New("confirmation deadline passed")
)

// Tx is a transaction of a swap coin.
type Tx interface {
	// Hash returns the transaction id as the coin displays it.
	Hash() string
	// Bytes returns the raw serialization.
	Bytes() []byte
}

// HTLCKind names the three contracts of a v2 swap.
type HTLCKind uint8

const (
	// TakerFundingHTLC holds the taker's trade amount, dex fee and spend fee.
	// It is spent together by both parties into the taker payment.
	TakerFundingHTLC HTLCKind = iota + 1
	// TakerPaymentHTLC is claimed by the maker with the maker secret.
	TakerPaymentHTLC
	// MakerPaymentHTLC is claimed by the taker with the maker secret.
	MakerPaymentHTLC
)

// String returns the contract name.
func (k HTLCKind) String() string {
	switch k {
	case TakerFundingHTLC:
		return "taker_funding"
	case TakerPaymentHTLC:
		return "taker_payment"
	case MakerPaymentHTLC:
		return "maker_payment"
	default:
		return "unknown"
	}
}

// HTLC describes one hashed timelock contract. The sender can always take
// the funds back after LockTime; with RefundHash set it can also take them
// back early by revealing the refund preimage. The receiver spends with the
// ClaimHash preimage (when set) and, with Cosign, the sender's signature.
type HTLC struct {
	Kind         HTLCKind
	Amount       decimal.Decimal
	LockTime     uint64
	SenderPub    []byte
	ReceiverPub  []byte
	RefundHash   []byte
	ClaimHash    []byte
	Cosign       bool
	HashAlgo     chain.SecretHashAlgo
	SwapContract string

	// UniqueData selects the local HTLC key, see Coin.DeriveHTLCPubkey.
	UniqueData []byte
}

// SpendTarget is what a spend of an HTLC pays to. The network fee is the
// difference between the HTLC amount and the outputs.
type SpendTarget struct {
	// Payment is the HTLC created by the spend. When nil the spend pays the
	// whole remainder to Destination.
	Payment *HTLC

	// Destination address; empty means the spender's own address.
	Destination string

	DexFee     decimal.Decimal
	DexFeeBurn decimal.Decimal
	FeePubkey  []byte
	BurnPubkey []byte
}

// SpendPreimage is an unsigned spend of a two-party HTLC together with the
// signature of the party that generated it.
type SpendPreimage struct {
	Preimage  []byte
	Signature []byte
}

// SpendKind classifies how an HTLC output was spent.
type SpendKind uint8

const (
	// TransferredToPayment: the taker funding was spent into the taker payment.
	TransferredToPayment SpendKind = iota + 1
	// ClaimedByReceiver: a payment was claimed with the claim secret.
	ClaimedByReceiver
	// RefundedTimelock: the sender took the funds back after the lock time.
	RefundedTimelock
	// RefundedSecret: the sender took the funds back revealing the refund secret.
	RefundedSecret
)

// String returns the outcome name.
func (k SpendKind) String() string {
	switch k {
	case TransferredToPayment:
		return "transferred_to_payment"
	case ClaimedByReceiver:
		return "claimed_by_receiver"
	case RefundedTimelock:
		return "refunded_timelock"
	case RefundedSecret:
		return "refunded_secret"
	default:
		return "unknown"
	}
}

// SpendOutcome is a spend found on chain.
type SpendOutcome struct {
	Kind SpendKind
	Tx   Tx
	// Secret is the refund preimage for RefundedSecret.
	Secret []byte
}

// Coin is the capability set every swap coin provides, whichever side of
// the swap it is on.
type Coin interface {
	Ticker() string
	Params() *chain.Params

	// DeriveHTLCPubkey returns the compressed public key this node uses in
	// the HTLCs of the swap identified by uniqueData.
	DeriveHTLCPubkey(uniqueData []byte) ([]byte, error)

	// SwapContractAddress is the contract the coin locks funds in, empty
	// for script-based coins.
	SwapContractAddress() string

	MyAddress() (string, error)
	MyBalance(ctx context.Context) (decimal.Decimal, error)
	CurrentBlock(ctx context.Context) (uint64, error)

	// CanRefundTimelock reports whether the chain has passed lockTime.
	CanRefundTimelock(ctx context.Context, lockTime uint64) (bool, error)

	ParseTx(raw []byte) (Tx, error)
	ParsePubkey(raw []byte) error
	ParseSignature(raw []byte) error
	ParsePreimage(raw []byte) (Tx, error)

	// SendPayment locks htlc.Amount in the contract. Calling it again for an
	// already funded contract returns the existing transaction.
	SendPayment(ctx context.Context, htlc HTLC) (Tx, error)

	// ValidatePayment checks that tx funds htlc exactly.
	ValidatePayment(ctx context.Context, tx Tx, htlc HTLC) error

	RefundPaymentTimelock(ctx context.Context, tx Tx, htlc HTLC) (Tx, error)
	RefundPaymentSecret(ctx context.Context, tx Tx, htlc HTLC, secret []byte) (Tx, error)

	// SearchForSpend looks for a spend of the contract funded by tx. It
	// returns nil when the contract is unspent.
	SearchForSpend(ctx context.Context, tx Tx, htlc HTLC, fromBlock uint64) (*SpendOutcome, error)

	// ExtractSecret returns the preimage of secretHash revealed by spendTx.
	ExtractSecret(secretHash []byte, algo chain.SecretHashAlgo, spendTx Tx) ([]byte, error)

	// WaitForConfirmations blocks until tx has confs confirmations (and a
	// notarization when requested), polling every poll, or until the
	// deadline passes with ErrConfirmationTimeout.
	WaitForConfirmations(ctx context.Context, tx Tx, confs uint64, notarized bool, until time.Time, poll time.Duration) error
}

// MakerCoin is the coin the maker pays with. The taker claims the maker
// payment with the maker secret.
type MakerCoin interface {
	Coin

	// SpendPayment claims the contract funded by tx with the claim secret.
	SpendPayment(ctx context.Context, tx Tx, htlc HTLC, secret []byte) (Tx, error)
}

// TakerCoin is the coin the taker pays with. Its funding and payment
// contracts are spent cooperatively through exchanged preimages.
type TakerCoin interface {
	Coin

	// GenSpendPreimage builds the unsigned spend of the contract funded by
	// tx and signs it with the local HTLC key.
	GenSpendPreimage(ctx context.Context, tx Tx, htlc HTLC, target SpendTarget) (*SpendPreimage, error)

	// ValidateSpendPreimage checks that preimage spends the contract funded
	// by tx to target and carries a valid counterparty signature.
	ValidateSpendPreimage(ctx context.Context, tx Tx, htlc HTLC, target SpendTarget, preimage *SpendPreimage) error

	// SignAndBroadcastSpend completes preimage with the local signature and
	// the claim secret, if the contract has one, and broadcasts it. A nil
	// preimage builds a spend to target that needs no cosignature.
	SignAndBroadcastSpend(ctx context.Context, tx Tx, htlc HTLC, target SpendTarget, preimage *SpendPreimage, secret []byte) (Tx, error)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
