package swap

import (
	"bytes"
	"fmt"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/shopspring/decimal"
)

// MakerSwap is the maker side of a v2 swap. The maker sends its payment
// after the taker funded, then claims the taker payment with its secret.
type MakerSwap struct {
	*swapBase

	makerCoin MakerCoin
	takerCoin TakerCoin
	dexCfg    config.DexFeeConfig
	fees      feePolicy

	makerVolume decimal.Decimal
	takerVolume decimal.Decimal
	premium     decimal.Decimal

	startedAt    uint64
	lockDuration uint64
	confs        Confirmations

	secret     []byte
	secretHash []byte
	algo       chain.SecretHashAlgo

	makerCoinPub     []byte
	takerCoinPub     []byte
	takerCoinAddress string
}

func newMakerSwap(base *swapBase, rec *storage.SwapRecord, makerCoin MakerCoin, takerCoin TakerCoin, dexCfg config.DexFeeConfig, fees feePolicy) (*MakerSwap, error) {
	id := base.id
	makerPub, err := makerCoin.DeriveHTLCPubkey(id[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive maker coin htlc key: %w", err)
	}
	takerPub, err := takerCoin.DeriveHTLCPubkey(id[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive taker coin htlc key: %w", err)
	}
	addr, err := takerCoin.MyAddress()
	if err != nil {
		return nil, err
	}

	m := &MakerSwap{
		swapBase:       base,
		makerCoin:      makerCoin,
		takerCoin:      takerCoin,
		dexCfg:         dexCfg,
		fees:           fees,
		makerVolume:    rec.MakerVolume,
		takerVolume:    rec.TakerVolume,
		premium:        rec.TakerPremium,
		startedAt:      uint64(rec.StartedAt),
		lockDuration:   rec.LockDuration,
		confs: Confirmations{
			MakerCoinConfs: rec.MakerCoinConfs,
			MakerCoinNota:  rec.MakerCoinNota,
			TakerCoinConfs: rec.TakerCoinConfs,
			TakerCoinNota:  rec.TakerCoinNota,
		},
		secret:           rec.Secret,
		secretHash:       rec.SecretHash,
		algo:             chain.SecretHashAlgo(rec.SecretHashAlgo),
		makerCoinPub:     makerPub,
		takerCoinPub:     takerPub,
		takerCoinAddress: addr,
	}
	base.lockFor = m.lockedAmount
	return m, nil
}

// lockedAmount reserves the maker payment until it is sent.
func (m *MakerSwap) lockedAmount(ev Event) (LockedAmount, bool) {
	switch ev.(type) {
	case *MakerInitialized, *MakerWaitingForTakerFunding, *MakerTakerFundingReceived:
		return LockedAmount{
			Coin:   m.makerCoin.Ticker(),
			Amount: m.makerVolume.Add(txFee(m.makerCoin.Params())),
		}, true
	}
	return LockedAmount{}, false
}

func (m *MakerSwap) deal(n *TakerNegotiationData) *deal {
	return &deal{
		id:                    m.id,
		makerCoin:             m.makerCoin.Params(),
		takerCoin:             m.takerCoin.Params(),
		makerVolume:           m.makerVolume,
		takerVolume:           m.takerVolume,
		premium:               m.premium,
		dexFee:                n.DexFee,
		algo:                  m.algo,
		makerSecretHash:       m.secretHash,
		takerSecretHash:       n.TakerSecretHash,
		makerStartedAt:        m.startedAt,
		takerStartedAt:        n.StartedAt,
		lockDuration:          m.lockDuration,
		makerMakerCoinPub:     m.makerCoinPub,
		makerTakerCoinPub:     m.takerCoinPub,
		takerMakerCoinPub:     n.MakerCoinHTLCPub,
		takerTakerCoinPub:     n.TakerCoinHTLCPub,
		makerTakerCoinAddress: m.takerCoinAddress,
		makerCoinContract:     m.makerCoin.SwapContractAddress(),
		takerCoinContract:     m.takerCoin.SwapContractAddress(),
		fees:                  m.fees,
	}
}

func (m *MakerSwap) negotiation(ev *MakerInitialized) MakerNegotiation {
	return MakerNegotiation{
		StartedAt:             m.startedAt,
		PaymentLocktime:       ev.MakerPaymentLocktime,
		SecretHash:            m.secretHash,
		MakerCoinHTLCPub:      m.makerCoinPub,
		TakerCoinHTLCPub:      m.takerCoinPub,
		MakerCoinSwapContract: m.makerCoin.SwapContractAddress(),
		TakerCoinSwapContract: m.takerCoin.SwapContractAddress(),
		TakerCoinAddress:      m.takerCoinAddress,
	}
}

// validateTakerNegotiation checks the taker's terms and returns the abort
// reason of the first violation.
func (m *MakerSwap) validateTakerNegotiation(n *TakerNegotiationData) (AbortReason, string) {
	maxDiff := uint64(m.cfg.MaxStartedAtDiff.Seconds())
	if diff := absDiff(n.StartedAt, m.startedAt); diff > maxDiff {
		return AbortTooLargeStartedAtDiff, fmt.Sprintf("diff %d exceeds %d", diff, maxDiff)
	}
	if want := TakerFundingLocktime(n.StartedAt, m.lockDuration); n.FundingLocktime != want {
		return AbortTakerProvidedInvalidFundingLock, fmt.Sprintf("got %d, expected %d", n.FundingLocktime, want)
	}
	if want := TakerPaymentLocktime(n.StartedAt, m.lockDuration); n.PaymentLocktime != want {
		return AbortTakerProvidedInvalidPaymentLock, fmt.Sprintf("got %d, expected %d", n.PaymentLocktime, want)
	}
	if len(n.TakerSecretHash) != m.algo.HashLen() {
		return AbortSecretHashUnexpectedLen, fmt.Sprintf("got %d bytes", len(n.TakerSecretHash))
	}
	if bytes.Equal(n.TakerSecretHash, m.secretHash) {
		return AbortSecretHashUnexpectedLen, "taker reused the maker secret hash"
	}
	if err := m.makerCoin.ParsePubkey(n.MakerCoinHTLCPub); err != nil {
		return AbortFailedToParsePubkey, err.Error()
	}
	if err := m.takerCoin.ParsePubkey(n.TakerCoinHTLCPub); err != nil {
		return AbortFailedToParsePubkey, err.Error()
	}
	if err := validateSwapContract(m.makerCoin.Params(), n.MakerCoinSwapContract, true); err != nil {
		return AbortInvalidSwapContract, err.Error()
	}
	if err := validateSwapContract(m.takerCoin.Params(), n.TakerCoinSwapContract, false); err != nil {
		return AbortInvalidSwapContract, err.Error()
	}

	takerParams := m.takerCoin.Params()
	expected := ComputeDexFee(m.dexCfg, m.makerCoin.Ticker(), takerParams, m.takerVolume, m.otherPub)
	if !expected.Equal(n.DexFee, takerParams.Decimals) {
		return AbortTakerProvidedInconsistentDexFee,
			fmt.Sprintf("got %s+%s, expected %s+%s", n.DexFee.Fee, n.DexFee.Burn, expected.Fee, expected.Burn)
	}
	return "", ""
}
