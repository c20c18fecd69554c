package swap

import (
	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/shopspring/decimal"
)

// Lock times of the three contracts, from the started_at of the party that
// creates them and the swap's lock duration.

// TakerFundingLocktime is when the taker can take its funding back.
func TakerFundingLocktime(takerStartedAt, lockDuration uint64) uint64 {
	return takerStartedAt + 3*lockDuration
}

// TakerPaymentLocktime is when the taker can take its payment back.
func TakerPaymentLocktime(takerStartedAt, lockDuration uint64) uint64 {
	return takerStartedAt + lockDuration
}

// MakerPaymentLocktime is when the maker can take its payment back.
func MakerPaymentLocktime(makerStartedAt, lockDuration uint64) uint64 {
	return makerStartedAt + 2*lockDuration
}

// feePolicy is the dex fee configuration with decoded keys.
type feePolicy struct {
	feePubkey  []byte
	burnPubkey []byte
}

// deal is everything both parties agreed on. Both sides build identical
// contracts from it.
type deal struct {
	id        uuid.UUID
	makerCoin *chain.Params
	takerCoin *chain.Params

	makerVolume decimal.Decimal
	takerVolume decimal.Decimal
	premium     decimal.Decimal
	dexFee      DexFee

	algo            chain.SecretHashAlgo
	makerSecretHash []byte
	takerSecretHash []byte

	makerStartedAt uint64
	takerStartedAt uint64
	lockDuration   uint64

	makerMakerCoinPub []byte
	makerTakerCoinPub []byte
	takerMakerCoinPub []byte
	takerTakerCoinPub []byte

	makerTakerCoinAddress string
	makerCoinContract     string
	takerCoinContract     string

	fees feePolicy
}

// txFee returns the flat spend fee of a coin as an amount.
func txFee(p *chain.Params) decimal.Decimal {
	return helpers.FromBaseUnits(p.TxFee, p.Decimals)
}

// fundingAmount covers the taker payment, the dex fee and the fee of the
// funding spend.
func fundingAmount(takerCoin *chain.Params, takerVolume, premium decimal.Decimal, fee DexFee) decimal.Decimal {
	return takerVolume.Add(premium).Add(fee.Total()).Add(txFee(takerCoin))
}

func (d *deal) takerFunding() HTLC {
	return HTLC{
		Kind:         TakerFundingHTLC,
		Amount:       fundingAmount(d.takerCoin, d.takerVolume, d.premium, d.dexFee),
		LockTime:     TakerFundingLocktime(d.takerStartedAt, d.lockDuration),
		SenderPub:    d.takerTakerCoinPub,
		ReceiverPub:  d.makerTakerCoinPub,
		RefundHash:   d.takerSecretHash,
		Cosign:       true,
		HashAlgo:     d.algo,
		SwapContract: d.takerCoinContract,
		UniqueData:   d.id[:],
	}
}

func (d *deal) takerPayment() HTLC {
	return HTLC{
		Kind:         TakerPaymentHTLC,
		Amount:       d.takerVolume.Add(d.premium),
		LockTime:     TakerPaymentLocktime(d.takerStartedAt, d.lockDuration),
		SenderPub:    d.takerTakerCoinPub,
		ReceiverPub:  d.makerTakerCoinPub,
		ClaimHash:    d.makerSecretHash,
		Cosign:       !d.takerCoin.SkipTakerPaymentSpendPreimage,
		HashAlgo:     d.algo,
		SwapContract: d.takerCoinContract,
		UniqueData:   d.id[:],
	}
}

func (d *deal) makerPayment() HTLC {
	return HTLC{
		Kind:         MakerPaymentHTLC,
		Amount:       d.makerVolume,
		LockTime:     MakerPaymentLocktime(d.makerStartedAt, d.lockDuration),
		SenderPub:    d.makerMakerCoinPub,
		ReceiverPub:  d.takerMakerCoinPub,
		RefundHash:   d.takerSecretHash,
		ClaimHash:    d.makerSecretHash,
		HashAlgo:     d.algo,
		SwapContract: d.makerCoinContract,
		UniqueData:   d.id[:],
	}
}

// fundingSpendTarget turns the funding into the taker payment and pays the
// dex fee.
func (d *deal) fundingSpendTarget() SpendTarget {
	payment := d.takerPayment()
	return SpendTarget{
		Payment:    &payment,
		DexFee:     d.dexFee.Fee,
		DexFeeBurn: d.dexFee.Burn,
		FeePubkey:  d.fees.feePubkey,
		BurnPubkey: d.fees.burnPubkey,
	}
}

// takerPaymentSpendTarget pays the taker payment to the maker.
func (d *deal) takerPaymentSpendTarget() SpendTarget {
	return SpendTarget{Destination: d.makerTakerCoinAddress}
}

// fundingSpendDeadline is how long the maker waits for the funding spend.
func (d *deal) fundingSpendDeadline() uint64 {
	return d.makerStartedAt + 2*d.lockDuration/3
}
