package swap

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/shopspring/decimal"
)

func testTxInfo(b byte) TxInfo {
	tx := fakeTx{raw: bytes.Repeat([]byte{b}, 8)}
	return txInfo(tx)
}

func testMakerSwapData() MakerSwapData {
	return MakerSwapData{
		MakerCoinStartBlock: 100,
		TakerCoinStartBlock: 200,
		Negotiation: TakerNegotiationData{
			StartedAt:        uint64(testStart.Unix()),
			FundingLocktime:  uint64(testStart.Unix()) + 3*7800,
			PaymentLocktime:  uint64(testStart.Unix()) + 7800,
			TakerSecretHash:  bytes.Repeat([]byte{0x33}, 20),
			MakerCoinHTLCPub: bytes.Repeat([]byte{0x02}, 33),
			TakerCoinHTLCPub: bytes.Repeat([]byte{0x03}, 33),
			DexFee:           DexFee{Fee: decimal.RequireFromString("0.0005"), Burn: decimal.RequireFromString("0.0001")},
		},
	}
}

func testTakerSwapData() TakerSwapData {
	return TakerSwapData{
		MakerCoinStartBlock: 100,
		TakerCoinStartBlock: 200,
		Negotiation: MakerNegotiation{
			StartedAt:        uint64(testStart.Unix()),
			PaymentLocktime:  uint64(testStart.Unix()) + 2*7800,
			SecretHash:       bytes.Repeat([]byte{0x44}, 20),
			MakerCoinHTLCPub: bytes.Repeat([]byte{0x02}, 33),
			TakerCoinHTLCPub: bytes.Repeat([]byte{0x03}, 33),
			TakerCoinAddress: "MARTY-address",
		},
	}
}

func TestMakerEventRoundTrip(t *testing.T) {
	data := testMakerSwapData()
	events := []MakerEvent{
		&MakerInitialized{MakerCoinStartBlock: 1, TakerCoinStartBlock: 2, MakerPaymentLocktime: 3},
		&MakerWaitingForTakerFunding{MakerSwapData: data},
		&MakerPaymentSentFundingSpendGenerated{
			MakerSwapData:        data,
			TakerFunding:         testTxInfo(1),
			MakerPayment:         testTxInfo(2),
			FundingSpendPreimage: PreimageInfo{Preimage: []byte{4}, Signature: []byte{5}},
		},
		&MakerTakerPaymentReceivedSkipped{MakerSwapData: data, TakerFunding: testTxInfo(1), MakerPayment: testTxInfo(2), TakerPayment: testTxInfo(3)},
		&MakerPaymentRefundRequired{
			MakerSwapData: data,
			TakerFunding:  testTxInfo(1),
			MakerPayment:  testTxInfo(2),
			Reason:        RefundTakerFundingReclaimedSecret,
			TakerSecret:   bytes.Repeat([]byte{0x55}, 32),
		},
		&MakerCompleted{TakerPaymentSpend: testTxInfo(6)},
		&MakerAborted{Reason: AbortTakerProvidedInconsistentDexFee, Details: "fee mismatch"},
	}

	for _, ev := range events {
		t.Run(ev.Type(), func(t *testing.T) {
			raw, err := json.Marshal(ev)
			if err != nil {
				t.Fatal(err)
			}
			decoded, err := DecodeMakerEvent(ev.Type(), raw)
			if err != nil {
				t.Fatalf("DecodeMakerEvent() error = %v", err)
			}
			if decoded.Type() != ev.Type() || decoded.Terminal() != ev.Terminal() {
				t.Errorf("decoded %s (terminal %v)", decoded.Type(), decoded.Terminal())
			}
			again, _ := json.Marshal(decoded)
			if !bytes.Equal(raw, again) {
				t.Errorf("round trip changed event:\n%s\n%s", raw, again)
			}
		})
	}

	if _, err := DecodeMakerEvent("Negotiated", []byte(`{}`)); err == nil {
		t.Error("taker-only event decoded as maker event")
	}
}

func TestTakerEventRoundTrip(t *testing.T) {
	data := testTakerSwapData()
	payment := testTxInfo(2)
	events := []TakerEvent{
		&TakerInitialized{MakerCoinStartBlock: 1, TakerCoinStartBlock: 2, TakerPaymentLocktime: 3, TakerFundingLocktime: 4},
		&TakerNegotiated{TakerSwapData: data},
		&TakerMakerPaymentReceived{
			TakerSwapData:        data,
			TakerFunding:         testTxInfo(1),
			MakerPayment:         testTxInfo(2),
			FundingSpendPreimage: PreimageInfo{Preimage: []byte{4}, Signature: []byte{5}},
		},
		&TakerPaymentSpent{
			TakerSwapData:     data,
			MakerPayment:      testTxInfo(2),
			TakerPayment:      testTxInfo(3),
			TakerPaymentSpend: testTxInfo(4),
			MakerSecret:       bytes.Repeat([]byte{0x66}, 32),
		},
		&TakerFundingRefundRequired{TakerSwapData: data, TakerFunding: testTxInfo(1), Reason: RefundDidNotReceiveMakerPaymentInfo},
		&TakerPaymentRefundRequired{TakerSwapData: data, MakerPayment: &payment, TakerPayment: testTxInfo(3), Reason: RefundMakerDidNotSpendTakerPayment},
		&TakerPaymentRefunded{TakerPayment: testTxInfo(3), Refund: testTxInfo(7), Reason: RefundMakerDidNotSpendTakerPayment},
	}

	for _, ev := range events {
		t.Run(ev.Type(), func(t *testing.T) {
			raw, err := json.Marshal(ev)
			if err != nil {
				t.Fatal(err)
			}
			decoded, err := DecodeTakerEvent(ev.Type(), raw)
			if err != nil {
				t.Fatalf("DecodeTakerEvent() error = %v", err)
			}
			again, _ := json.Marshal(decoded)
			if !bytes.Equal(raw, again) {
				t.Errorf("round trip changed event:\n%s\n%s", raw, again)
			}
		})
	}
}

func eventRecord(t *testing.T, ev Event) *storage.EventRecord {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return &storage.EventRecord{Type: ev.Type(), Data: data, Terminal: ev.Terminal()}
}

func TestMakerRecreate(t *testing.T) {
	f := newTestFixture(t)
	data := testMakerSwapData()

	tests := []struct {
		name    string
		events  []Event
		check   func(t *testing.T, st state)
		wantErr error
	}{
		{
			name:   "no events starts over",
			events: nil,
			check: func(t *testing.T, st state) {
				if _, ok := st.(*makerInitialize); !ok {
					t.Errorf("state = %T", st)
				}
			},
		},
		{
			name: "taker funding received resumes without negotiation",
			events: []Event{
				&MakerInitialized{},
				&MakerWaitingForTakerFunding{MakerSwapData: data},
				&MakerTakerFundingReceived{MakerSwapData: data, TakerFunding: testTxInfo(1)},
			},
			check: func(t *testing.T, st state) {
				s, ok := st.(*makerTakerFundingReceived)
				if !ok {
					t.Fatalf("state = %T", st)
				}
				if s.funding.Hash() != testTxInfo(1).TxHash {
					t.Error("taker funding not restored")
				}
				if s.ev.Negotiation.StartedAt != data.Negotiation.StartedAt {
					t.Error("negotiated data lost")
				}
			},
		},
		{
			name: "payment sent keeps both transactions",
			events: []Event{
				&MakerInitialized{},
				&MakerPaymentSentFundingSpendGenerated{MakerSwapData: data, TakerFunding: testTxInfo(1), MakerPayment: testTxInfo(2)},
			},
			check: func(t *testing.T, st state) {
				s, ok := st.(*makerPaymentSent)
				if !ok {
					t.Fatalf("state = %T", st)
				}
				if s.funding.Hash() != testTxInfo(1).TxHash || s.payment.Hash() != testTxInfo(2).TxHash {
					t.Error("transactions not restored")
				}
			},
		},
		{
			name: "skipped preimage variant",
			events: []Event{
				&MakerTakerPaymentReceivedSkipped{MakerSwapData: data, TakerFunding: testTxInfo(1), MakerPayment: testTxInfo(2), TakerPayment: testTxInfo(3)},
			},
			check: func(t *testing.T, st state) {
				s, ok := st.(*makerTakerPaymentReceived)
				if !ok {
					t.Fatalf("state = %T", st)
				}
				if !s.skipped {
					t.Error("skipped flag lost")
				}
				if _, ok := s.event().(*MakerTakerPaymentReceivedSkipped); !ok {
					t.Errorf("event() = %T", s.event())
				}
			},
		},
		{
			name:    "completed",
			events:  []Event{&MakerCompleted{TakerPaymentSpend: testTxInfo(4)}},
			wantErr: ErrAlreadyCompleted,
		},
		{
			name:    "aborted",
			events:  []Event{&MakerAborted{Reason: AbortDidNotReceiveTakerNegotiation}},
			wantErr: ErrAlreadyAborted,
		},
		{
			name:    "refunded",
			events:  []Event{&MakerPaymentRefunded{MakerPayment: testTxInfo(2), Refund: testTxInfo(5)}},
			wantErr: ErrAlreadyRefunded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec := f.makerSwap(t)
			for _, ev := range tt.events {
				rec.Events = append(rec.Events, eventRecord(t, ev))
			}
			st, err := m.recreate(rec)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("recreate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("recreate() error = %v", err)
			}
			tt.check(t, st)
		})
	}
}

func TestTakerRecreate(t *testing.T) {
	f := newTestFixture(t)
	data := testTakerSwapData()
	secret := bytes.Repeat([]byte{0x66}, 32)

	ts, rec := f.takerSwap(t)
	rec.Events = append(rec.Events, eventRecord(t, &TakerPaymentSpent{
		TakerSwapData:     data,
		MakerPayment:      testTxInfo(2),
		TakerPayment:      testTxInfo(3),
		TakerPaymentSpend: testTxInfo(4),
		MakerSecret:       secret,
	}))
	st, err := ts.recreate(rec)
	if err != nil {
		t.Fatalf("recreate() error = %v", err)
	}
	s, ok := st.(*takerPaymentSpent)
	if !ok {
		t.Fatalf("state = %T", st)
	}
	if !bytes.Equal(s.ev.MakerSecret, secret) {
		t.Error("maker secret lost")
	}
	if s.makerPayment.Hash() != testTxInfo(2).TxHash {
		t.Error("maker payment not restored")
	}

	ts, rec = f.takerSwap(t)
	rec.Events = append(rec.Events, eventRecord(t, &TakerFundingRefundRequired{
		TakerSwapData: data,
		TakerFunding:  TxInfo{TxHash: "missing"},
		Reason:        RefundDidNotReceiveMakerPaymentInfo,
	}))
	if _, err := ts.recreate(rec); err == nil {
		t.Error("recreate() accepted an unparsable funding transaction")
	}

	ts, rec = f.takerSwap(t)
	rec.Events = append(rec.Events, eventRecord(t, &TakerFundingRefunded{TakerFunding: testTxInfo(1), Refund: testTxInfo(2)}))
	if _, err := ts.recreate(rec); !errors.Is(err, ErrAlreadyRefunded) {
		t.Errorf("recreate() error = %v, want ErrAlreadyRefunded", err)
	}
}
