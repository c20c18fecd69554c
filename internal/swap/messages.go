package swap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/pkg/helpers"
)

// Message errors
var (
	ErrInvalidEnvelope = errors.New("invalid message envelope")
	ErrWrongSender     = errors.New("message from unexpected sender")
	ErrWrongSwap       = errors.New("message for another swap")
	ErrMessageTimeout  = errors.New("timed out waiting for message")
)

// Transport broadcasts and receives raw swap messages. Both the libp2p node
// and the in-process hub implement it.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) (<-chan []byte, func(), error)
}

// SwapTopic returns the gossip topic of a swap.
func SwapTopic(id uuid.UUID) string {
	return "swapv2/" + id.String()
}

// MessageKind identifies a swap message.
type MessageKind string

const (
	MsgMakerNegotiation          MessageKind = "MakerNegotiation"
	MsgTakerNegotiation          MessageKind = "TakerNegotiation"
	MsgMakerNegotiated           MessageKind = "MakerNegotiated"
	MsgTakerFundingInfo          MessageKind = "TakerFundingInfo"
	MsgMakerPaymentInfo          MessageKind = "MakerPaymentInfo"
	MsgTakerPaymentSpendPreimage MessageKind = "TakerPaymentSpendPreimage"
)

// SwapMessage is the signed payload of every swap message.
type SwapMessage struct {
	Kind MessageKind     `json:"kind"`
	UUID string          `json:"uuid"`
	Data json.RawMessage `json:"data"`
}

// envelope carries a payload and a compact recoverable signature over its
// sha256 digest.
type envelope struct {
	Payload []byte `json:"payload"`
	Sig     []byte `json:"sig"`
}

// MakerNegotiation opens the negotiation.
type MakerNegotiation struct {
	StartedAt             uint64           `json:"started_at"`
	PaymentLocktime       uint64           `json:"payment_locktime"`
	SecretHash            helpers.HexBytes `json:"secret_hash"`
	MakerCoinHTLCPub      helpers.HexBytes `json:"maker_coin_htlc_pub"`
	TakerCoinHTLCPub      helpers.HexBytes `json:"taker_coin_htlc_pub"`
	MakerCoinSwapContract string           `json:"maker_coin_swap_contract,omitempty"`
	TakerCoinSwapContract string           `json:"taker_coin_swap_contract,omitempty"`
	TakerCoinAddress      string           `json:"taker_coin_address"`
}

// TakerNegotiationData is the taker's side of the deal.
type TakerNegotiationData struct {
	StartedAt             uint64           `json:"started_at"`
	FundingLocktime       uint64           `json:"funding_locktime"`
	PaymentLocktime       uint64           `json:"payment_locktime"`
	TakerSecretHash       helpers.HexBytes `json:"taker_secret_hash"`
	MakerCoinHTLCPub      helpers.HexBytes `json:"maker_coin_htlc_pub"`
	TakerCoinHTLCPub      helpers.HexBytes `json:"taker_coin_htlc_pub"`
	MakerCoinSwapContract string           `json:"maker_coin_swap_contract,omitempty"`
	TakerCoinSwapContract string           `json:"taker_coin_swap_contract,omitempty"`
	DexFee                DexFee           `json:"dex_fee"`
}

// NegotiationAbort ends the negotiation.
type NegotiationAbort struct {
	Reason string `json:"reason"`
}

// TakerNegotiation answers MakerNegotiation with either data or an abort.
type TakerNegotiation struct {
	Data  *TakerNegotiationData `json:"data,omitempty"`
	Abort *NegotiationAbort     `json:"abort,omitempty"`
}

// MakerNegotiated closes the negotiation.
type MakerNegotiated struct {
	Negotiated bool   `json:"negotiated"`
	Reason     string `json:"reason,omitempty"`
}

// TakerFundingInfo announces the taker funding transaction.
type TakerFundingInfo struct {
	Tx helpers.HexBytes `json:"tx"`
}

// MakerPaymentInfo announces the maker payment together with the maker's
// half of the funding spend.
type MakerPaymentInfo struct {
	Tx                 helpers.HexBytes `json:"tx"`
	FundingPreimageTx  helpers.HexBytes `json:"funding_preimage_tx"`
	FundingPreimageSig helpers.HexBytes `json:"funding_preimage_sig"`
}

// TakerPaymentSpendPreimageMsg carries the taker's half of the taker
// payment spend.
type TakerPaymentSpendPreimageMsg struct {
	PreimageTx helpers.HexBytes `json:"preimage_tx"`
	Signature  helpers.HexBytes `json:"signature"`
}

// EncodeMessage serializes and signs a swap message.
func EncodeMessage(key *btcec.PrivateKey, id uuid.UUID, kind MessageKind, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	payload, err := json.Marshal(SwapMessage{Kind: kind, UUID: id.String(), Data: raw})
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig := ecdsa.SignCompact(key, digest[:], true)
	return json.Marshal(envelope{Payload: payload, Sig: sig})
}

// DecodeMessage verifies an envelope and returns the message with the
// compressed public key that signed it.
func DecodeMessage(raw []byte) (*SwapMessage, []byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(env.Sig) != 65 {
		return nil, nil, fmt.Errorf("%w: signature length %d", ErrInvalidEnvelope, len(env.Sig))
	}
	digest := sha256.Sum256(env.Payload)
	pub, _, err := ecdsa.RecoverCompact(env.Sig, digest[:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	var msg SwapMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &msg, pub.SerializeCompressed(), nil
}

// checkSender verifies that a decoded message belongs to swap id and was
// signed by expected.
func checkSender(msg *SwapMessage, sender []byte, id uuid.UUID, expected []byte) error {
	if msg.UUID != id.String() {
		return fmt.Errorf("%w: %s", ErrWrongSwap, msg.UUID)
	}
	if !bytes.Equal(sender, expected) {
		return fmt.Errorf("%w: %x", ErrWrongSender, sender)
	}
	return nil
}

// parsePeerPubkey validates a counterparty identity key and returns it in
// compressed form.
func parsePeerPubkey(raw []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: peer pubkey: %v", ErrInvalidParams, err)
	}
	return pub.SerializeCompressed(), nil
}
