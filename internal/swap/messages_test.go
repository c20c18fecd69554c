package swap

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

func TestEncodeDecodeMessage(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	sent := MakerNegotiated{Negotiated: false, Reason: "TooLargeStartedAtDiff"}

	raw, err := EncodeMessage(key, id, MsgMakerNegotiated, sent)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	msg, sender, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if msg.Kind != MsgMakerNegotiated {
		t.Errorf("Kind = %s, want %s", msg.Kind, MsgMakerNegotiated)
	}
	if err := checkSender(msg, sender, id, key.PubKey().SerializeCompressed()); err != nil {
		t.Errorf("checkSender() error = %v", err)
	}

	var got MakerNegotiated
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got != sent {
		t.Errorf("data = %+v, want %+v", got, sent)
	}
}

func TestCheckSender(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	other, _ := btcec.NewPrivateKey()
	id := uuid.New()

	raw, err := EncodeMessage(key, id, MsgTakerFundingInfo, TakerFundingInfo{Tx: []byte{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	msg, sender, err := DecodeMessage(raw)
	if err != nil {
		t.Fatal(err)
	}

	if err := checkSender(msg, sender, uuid.New(), key.PubKey().SerializeCompressed()); !errors.Is(err, ErrWrongSwap) {
		t.Errorf("other swap: error = %v, want ErrWrongSwap", err)
	}
	if err := checkSender(msg, sender, id, other.PubKey().SerializeCompressed()); !errors.Is(err, ErrWrongSender) {
		t.Errorf("other sender: error = %v, want ErrWrongSender", err)
	}
}

func TestDecodeMessageRejectsTampering(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	id := uuid.New()
	raw, err := EncodeMessage(key, id, MsgMakerNegotiated, MakerNegotiated{Negotiated: true})
	if err != nil {
		t.Fatal(err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	env.Payload, _ = json.Marshal(SwapMessage{Kind: MsgMakerNegotiated, UUID: id.String(), Data: json.RawMessage(`{"negotiated":false}`)})
	tampered, _ := json.Marshal(env)

	msg, sender, err := DecodeMessage(tampered)
	if err == nil {
		if err := checkSender(msg, sender, id, key.PubKey().SerializeCompressed()); !errors.Is(err, ErrWrongSender) {
			t.Errorf("tampered payload accepted, checkSender() error = %v", err)
		}
	}

	env.Sig = env.Sig[:10]
	short, _ := json.Marshal(env)
	if _, _, err := DecodeMessage(short); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("short signature: error = %v, want ErrInvalidEnvelope", err)
	}
	if _, _, err := DecodeMessage([]byte("not json")); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("garbage: error = %v, want ErrInvalidEnvelope", err)
	}
}

func TestParsePeerPubkey(t *testing.T) {
	key, _ := btcec.NewPrivateKey()
	compressed := key.PubKey().SerializeCompressed()

	got, err := parsePeerPubkey(key.PubKey().SerializeUncompressed())
	if err != nil {
		t.Fatalf("parsePeerPubkey() error = %v", err)
	}
	if string(got) != string(compressed) {
		t.Error("uncompressed key was not normalized")
	}
	if _, err := parsePeerPubkey([]byte{0x02, 0x01}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("error = %v, want ErrInvalidParams", err)
	}
}

func TestMailboxKeepsLatest(t *testing.T) {
	mb := NewMailbox()
	mb.Put(MsgTakerFundingInfo, json.RawMessage(`1`))
	mb.Put(MsgTakerFundingInfo, json.RawMessage(`2`))
	mb.Put(MsgMakerNegotiated, json.RawMessage(`3`))

	got, ok := mb.Take(MsgTakerFundingInfo)
	if !ok || string(got) != "2" {
		t.Errorf("Take() = %s, %v, want 2, true", got, ok)
	}
	if _, ok := mb.Take(MsgTakerFundingInfo); ok {
		t.Error("Take() returned a message twice")
	}
	if got, ok := mb.Take(MsgMakerNegotiated); !ok || string(got) != "3" {
		t.Errorf("Take() = %s, %v, want 3, true", got, ok)
	}
}

func TestMailboxWait(t *testing.T) {
	clk := clock.NewTestClock(testStart)
	mb := NewMailbox()

	if _, err := mb.Wait(context.Background(), clk, MsgMakerPaymentInfo, testStart.Add(-time.Second)); !errors.Is(err, ErrMessageTimeout) {
		t.Errorf("expired deadline: error = %v, want ErrMessageTimeout", err)
	}

	done := make(chan json.RawMessage, 1)
	go func() {
		data, err := mb.Wait(context.Background(), clk, MsgMakerPaymentInfo, testStart.Add(time.Hour))
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		done <- data
	}()
	mb.Put(MsgMakerNegotiated, json.RawMessage(`"other"`))
	mb.Put(MsgMakerPaymentInfo, json.RawMessage(`"payment"`))

	select {
	case data := <-done:
		if string(data) != `"payment"` {
			t.Errorf("Wait() = %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mb.Wait(ctx, clk, MsgMakerPaymentInfo, testStart.Add(time.Hour)); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: error = %v, want context.Canceled", err)
	}
}
