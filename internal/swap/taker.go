package swap

import (
	"bytes"
	"fmt"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/shopspring/decimal"
)

// TakerSwap is the taker side of a v2 swap. The taker funds first, spends
// the funding into its payment once the maker paid, and claims the maker
// payment with the secret the maker reveals.
type TakerSwap struct {
	*swapBase

	makerCoin MakerCoin
	takerCoin TakerCoin
	fees      feePolicy

	makerVolume decimal.Decimal
	takerVolume decimal.Decimal
	premium     decimal.Decimal
	dexFee      DexFee

	startedAt    uint64
	lockDuration uint64
	confs        Confirmations

	secret     []byte
	secretHash []byte
	algo       chain.SecretHashAlgo

	makerCoinPub []byte
	takerCoinPub []byte
}

func newTakerSwap(base *swapBase, rec *storage.SwapRecord, makerCoin MakerCoin, takerCoin TakerCoin, fees feePolicy) (*TakerSwap, error) {
	id := base.id
	makerPub, err := makerCoin.DeriveHTLCPubkey(id[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive maker coin htlc key: %w", err)
	}
	takerPub, err := takerCoin.DeriveHTLCPubkey(id[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive taker coin htlc key: %w", err)
	}

	t := &TakerSwap{
		swapBase:     base,
		makerCoin:    makerCoin,
		takerCoin:    takerCoin,
		fees:         fees,
		makerVolume:  rec.MakerVolume,
		takerVolume:  rec.TakerVolume,
		premium:      rec.TakerPremium,
		dexFee:       DexFee{Fee: rec.DexFee, Burn: rec.DexFeeBurn},
		startedAt:    uint64(rec.StartedAt),
		lockDuration: rec.LockDuration,
		confs: Confirmations{
			MakerCoinConfs: rec.MakerCoinConfs,
			MakerCoinNota:  rec.MakerCoinNota,
			TakerCoinConfs: rec.TakerCoinConfs,
			TakerCoinNota:  rec.TakerCoinNota,
		},
		secret:       rec.Secret,
		secretHash:   rec.SecretHash,
		algo:         chain.SecretHashAlgo(rec.SecretHashAlgo),
		makerCoinPub: makerPub,
		takerCoinPub: takerPub,
	}
	base.lockFor = t.lockedAmount
	return t, nil
}

// lockedAmount reserves the funding until it is sent.
func (t *TakerSwap) lockedAmount(ev Event) (LockedAmount, bool) {
	switch ev.(type) {
	case *TakerInitialized, *TakerNegotiated:
		p := t.takerCoin.Params()
		return LockedAmount{
			Coin:   t.takerCoin.Ticker(),
			Amount: fundingAmount(p, t.takerVolume, t.premium, t.dexFee).Add(txFee(p)),
		}, true
	}
	return LockedAmount{}, false
}

func (t *TakerSwap) deal(n *MakerNegotiation) *deal {
	return &deal{
		id:                    t.id,
		makerCoin:             t.makerCoin.Params(),
		takerCoin:             t.takerCoin.Params(),
		makerVolume:           t.makerVolume,
		takerVolume:           t.takerVolume,
		premium:               t.premium,
		dexFee:                t.dexFee,
		algo:                  t.algo,
		makerSecretHash:       n.SecretHash,
		takerSecretHash:       t.secretHash,
		makerStartedAt:        n.StartedAt,
		takerStartedAt:        t.startedAt,
		lockDuration:          t.lockDuration,
		makerMakerCoinPub:     n.MakerCoinHTLCPub,
		makerTakerCoinPub:     n.TakerCoinHTLCPub,
		takerMakerCoinPub:     t.makerCoinPub,
		takerTakerCoinPub:     t.takerCoinPub,
		makerTakerCoinAddress: n.TakerCoinAddress,
		makerCoinContract:     t.makerCoin.SwapContractAddress(),
		takerCoinContract:     t.takerCoin.SwapContractAddress(),
		fees:                  t.fees,
	}
}

func (t *TakerSwap) negotiation(ev *TakerInitialized) TakerNegotiationData {
	return TakerNegotiationData{
		StartedAt:             t.startedAt,
		FundingLocktime:       ev.TakerFundingLocktime,
		PaymentLocktime:       ev.TakerPaymentLocktime,
		TakerSecretHash:       t.secretHash,
		MakerCoinHTLCPub:      t.makerCoinPub,
		TakerCoinHTLCPub:      t.takerCoinPub,
		MakerCoinSwapContract: t.makerCoin.SwapContractAddress(),
		TakerCoinSwapContract: t.takerCoin.SwapContractAddress(),
		DexFee:                t.dexFee,
	}
}

// validateMakerNegotiation checks the maker's terms and returns the abort
// reason of the first violation.
func (t *TakerSwap) validateMakerNegotiation(n *MakerNegotiation) (AbortReason, string) {
	maxDiff := uint64(t.cfg.MaxStartedAtDiff.Seconds())
	if diff := absDiff(n.StartedAt, t.startedAt); diff > maxDiff {
		return AbortTooLargeStartedAtDiff, fmt.Sprintf("diff %d exceeds %d", diff, maxDiff)
	}
	if want := MakerPaymentLocktime(n.StartedAt, t.lockDuration); n.PaymentLocktime != want {
		return AbortMakerProvidedInvalidLocktime, fmt.Sprintf("got %d, expected %d", n.PaymentLocktime, want)
	}
	if len(n.SecretHash) != t.algo.HashLen() {
		return AbortSecretHashUnexpectedLen, fmt.Sprintf("got %d bytes", len(n.SecretHash))
	}
	if bytes.Equal(n.SecretHash, t.secretHash) {
		return AbortSecretHashUnexpectedLen, "maker reused the taker secret hash"
	}
	if err := t.makerCoin.ParsePubkey(n.MakerCoinHTLCPub); err != nil {
		return AbortFailedToParsePubkey, err.Error()
	}
	if err := t.takerCoin.ParsePubkey(n.TakerCoinHTLCPub); err != nil {
		return AbortFailedToParsePubkey, err.Error()
	}
	if err := validateSwapContract(t.makerCoin.Params(), n.MakerCoinSwapContract, true); err != nil {
		return AbortInvalidSwapContract, err.Error()
	}
	if err := validateSwapContract(t.takerCoin.Params(), n.TakerCoinSwapContract, false); err != nil {
		return AbortInvalidSwapContract, err.Error()
	}
	if n.TakerCoinAddress == "" {
		return AbortMissingTakerCoinAddress, "maker did not declare a taker coin address"
	}
	return "", ""
}
