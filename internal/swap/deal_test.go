package swap

import (
	"bytes"
	"testing"

	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/shopspring/decimal"
)

func TestLocktimes(t *testing.T) {
	const started, lock = 1_700_000_000, 7800
	if got := TakerFundingLocktime(started, lock); got != started+3*lock {
		t.Errorf("TakerFundingLocktime() = %d", got)
	}
	if got := TakerPaymentLocktime(started, lock); got != started+lock {
		t.Errorf("TakerPaymentLocktime() = %d", got)
	}
	if got := MakerPaymentLocktime(started, lock); got != started+2*lock {
		t.Errorf("MakerPaymentLocktime() = %d", got)
	}
	// Taker payment expires first, the funding last.
	if !(TakerPaymentLocktime(started, lock) < MakerPaymentLocktime(started, lock) &&
		MakerPaymentLocktime(started, lock) < TakerFundingLocktime(started, lock)) {
		t.Error("locktimes out of order")
	}
}

func TestDealContracts(t *testing.T) {
	f := newTestFixture(t)
	m, _ := f.makerSwap(t)
	ts, _ := f.takerSwap(t)

	tn := ts.negotiation(&TakerInitialized{
		TakerFundingLocktime: TakerFundingLocktime(ts.startedAt, ts.lockDuration),
		TakerPaymentLocktime: TakerPaymentLocktime(ts.startedAt, ts.lockDuration),
	})
	tn.DexFee = DexFee{Fee: decimal.RequireFromString("0.0003"), Burn: decimal.RequireFromString("0.0001")}
	d := m.deal(&tn)

	funding := d.takerFunding()
	wantFunding := decimal.RequireFromString("0.5").Add(decimal.RequireFromString("0.0004")).Add(decimal.RequireFromString("0.00001"))
	if !funding.Amount.Equal(wantFunding) {
		t.Errorf("funding amount = %s, want %s", funding.Amount, wantFunding)
	}
	if !bytes.Equal(funding.RefundHash, ts.secretHash) || funding.ClaimHash != nil || !funding.Cosign {
		t.Error("funding must be refundable with the taker secret and spent cooperatively")
	}

	payment := d.takerPayment()
	if !payment.Amount.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("taker payment amount = %s", payment.Amount)
	}
	if !bytes.Equal(payment.ClaimHash, m.secretHash) || !payment.Cosign {
		t.Error("taker payment must be claimed with the maker secret and a cosignature")
	}

	makerPayment := d.makerPayment()
	if !bytes.Equal(makerPayment.ClaimHash, m.secretHash) || !bytes.Equal(makerPayment.RefundHash, ts.secretHash) {
		t.Error("maker payment hashes wrong")
	}
	if makerPayment.LockTime != MakerPaymentLocktime(m.startedAt, m.lockDuration) {
		t.Errorf("maker payment locktime = %d", makerPayment.LockTime)
	}

	target := d.fundingSpendTarget()
	if target.Payment == nil || target.Payment.Kind != TakerPaymentHTLC {
		t.Error("funding spend must create the taker payment")
	}
	if d.fundingSpendDeadline() != m.startedAt+2*m.lockDuration/3 {
		t.Errorf("fundingSpendDeadline() = %d", d.fundingSpendDeadline())
	}

	f.takerCoin.params.SkipTakerPaymentSpendPreimage = true
	if d.takerPayment().Cosign {
		t.Error("taker payment of a skipping coin must not need a cosignature")
	}
}

func validTakerNegotiation(m *MakerSwap, takerPub []byte) TakerNegotiationData {
	started := m.startedAt + 5
	takerParams := m.takerCoin.Params()
	return TakerNegotiationData{
		StartedAt:        started,
		FundingLocktime:  TakerFundingLocktime(started, m.lockDuration),
		PaymentLocktime:  TakerPaymentLocktime(started, m.lockDuration),
		TakerSecretHash:  bytes.Repeat([]byte{0x77}, 20),
		MakerCoinHTLCPub: bytes.Repeat([]byte{0x02}, 33),
		TakerCoinHTLCPub: bytes.Repeat([]byte{0x03}, 33),
		DexFee:           ComputeDexFee(config.DefaultDexFeeConfig(), m.makerCoin.Ticker(), takerParams, m.takerVolume, takerPub),
	}
}

func TestValidateTakerNegotiation(t *testing.T) {
	f := newTestFixture(t)

	tests := []struct {
		name   string
		modify func(m *MakerSwap, n *TakerNegotiationData)
		want   AbortReason
	}{
		{
			name:   "valid",
			modify: func(*MakerSwap, *TakerNegotiationData) {},
		},
		{
			name: "started_at too far apart",
			modify: func(m *MakerSwap, n *TakerNegotiationData) {
				n.StartedAt = m.startedAt + 61
				n.FundingLocktime = TakerFundingLocktime(n.StartedAt, m.lockDuration)
				n.PaymentLocktime = TakerPaymentLocktime(n.StartedAt, m.lockDuration)
			},
			want: AbortTooLargeStartedAtDiff,
		},
		{
			name:   "funding locktime off by one",
			modify: func(_ *MakerSwap, n *TakerNegotiationData) { n.FundingLocktime++ },
			want:   AbortTakerProvidedInvalidFundingLock,
		},
		{
			name:   "payment locktime off by one",
			modify: func(_ *MakerSwap, n *TakerNegotiationData) { n.PaymentLocktime-- },
			want:   AbortTakerProvidedInvalidPaymentLock,
		},
		{
			name:   "short secret hash",
			modify: func(_ *MakerSwap, n *TakerNegotiationData) { n.TakerSecretHash = n.TakerSecretHash[:10] },
			want:   AbortSecretHashUnexpectedLen,
		},
		{
			name:   "reused maker secret hash",
			modify: func(m *MakerSwap, n *TakerNegotiationData) { n.TakerSecretHash = m.secretHash },
			want:   AbortSecretHashUnexpectedLen,
		},
		{
			name:   "bad pubkey",
			modify: func(_ *MakerSwap, n *TakerNegotiationData) { n.TakerCoinHTLCPub = []byte{0x02} },
			want:   AbortFailedToParsePubkey,
		},
		{
			name: "inconsistent dex fee",
			modify: func(_ *MakerSwap, n *TakerNegotiationData) {
				n.DexFee.Fee = n.DexFee.Fee.Add(decimal.RequireFromString("0.0001"))
			},
			want: AbortTakerProvidedInconsistentDexFee,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := f.makerSwap(t)
			n := validTakerNegotiation(m, f.otherPub)
			tt.modify(m, &n)
			got, details := m.validateTakerNegotiation(&n)
			if got != tt.want {
				t.Errorf("validateTakerNegotiation() = %q (%s), want %q", got, details, tt.want)
			}
		})
	}
}

func TestValidateMakerNegotiation(t *testing.T) {
	f := newTestFixture(t)

	valid := func(ts *TakerSwap) MakerNegotiation {
		started := ts.startedAt - 5
		return MakerNegotiation{
			StartedAt:        started,
			PaymentLocktime:  MakerPaymentLocktime(started, ts.lockDuration),
			SecretHash:       bytes.Repeat([]byte{0x88}, 20),
			MakerCoinHTLCPub: bytes.Repeat([]byte{0x02}, 33),
			TakerCoinHTLCPub: bytes.Repeat([]byte{0x03}, 33),
			TakerCoinAddress: "MARTY-address",
		}
	}

	tests := []struct {
		name   string
		modify func(ts *TakerSwap, n *MakerNegotiation)
		want   AbortReason
	}{
		{name: "valid", modify: func(*TakerSwap, *MakerNegotiation) {}},
		{
			name:   "maker locktime wrong",
			modify: func(_ *TakerSwap, n *MakerNegotiation) { n.PaymentLocktime++ },
			want:   AbortMakerProvidedInvalidLocktime,
		},
		{
			name: "started_at too far apart",
			modify: func(ts *TakerSwap, n *MakerNegotiation) {
				n.StartedAt = ts.startedAt + 120
				n.PaymentLocktime = MakerPaymentLocktime(n.StartedAt, ts.lockDuration)
			},
			want: AbortTooLargeStartedAtDiff,
		},
		{
			name:   "reused taker secret hash",
			modify: func(ts *TakerSwap, n *MakerNegotiation) { n.SecretHash = ts.secretHash },
			want:   AbortSecretHashUnexpectedLen,
		},
		{
			name:   "missing taker coin address",
			modify: func(_ *TakerSwap, n *MakerNegotiation) { n.TakerCoinAddress = "" },
			want:   AbortMissingTakerCoinAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := f.takerSwap(t)
			n := valid(ts)
			tt.modify(ts, &n)
			if got, details := ts.validateMakerNegotiation(&n); got != tt.want {
				t.Errorf("validateMakerNegotiation() = %q (%s), want %q", got, details, tt.want)
			}
		})
	}
}

func TestLockedAmounts(t *testing.T) {
	f := newTestFixture(t)
	m, _ := f.makerSwap(t)
	ts, _ := f.takerSwap(t)

	if amount, ok := m.lockedAmount(&MakerWaitingForTakerFunding{}); !ok ||
		!amount.Amount.Equal(decimal.RequireFromString("1.00001")) || amount.Coin != "DOC" {
		t.Errorf("maker locked = %+v, %v", amount, ok)
	}
	if _, ok := m.lockedAmount(&MakerPaymentSentFundingSpendGenerated{}); ok {
		t.Error("maker payment on chain must not stay reserved")
	}

	if amount, ok := ts.lockedAmount(&TakerNegotiated{}); !ok || amount.Coin != "MARTY" ||
		!amount.Amount.Equal(decimal.RequireFromString("0.50002")) {
		t.Errorf("taker locked = %+v, %v", amount, ok)
	}
	if _, ok := ts.lockedAmount(&TakerFundingSent{}); ok {
		t.Error("taker funding on chain must not stay reserved")
	}
}
