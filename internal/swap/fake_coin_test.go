package swap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/pkg/logging"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
)

var testStart = time.Unix(1_700_000_000, 0)

type fakeTx struct {
	raw []byte
}

func (t fakeTx) Hash() string {
	sum := sha256.Sum256(t.raw)
	return hex.EncodeToString(sum[:])
}

func (t fakeTx) Bytes() []byte { return t.raw }

// fakeCoin is a coin whose chain access is never exercised. It parses any
// non-empty transaction and any 33 byte public key.
type fakeCoin struct {
	params *chain.Params
	pub    []byte
}

func newFakeCoin(t *testing.T, symbol string) *fakeCoin {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	return &fakeCoin{
		params: &chain.Params{
			Symbol:          symbol,
			Type:            chain.ChainTypeBitcoin,
			Decimals:        8,
			SecretHashAlgos: []chain.SecretHashAlgo{chain.DHASH160},
			MinTxAmount:     decimal.RequireFromString("0.00001"),
			TxFee:           1000,
		},
		pub: key.PubKey().SerializeCompressed(),
	}
}

var errFakeChain = errors.New("fake coin has no chain")

func (c *fakeCoin) Ticker() string                               { return c.params.Symbol }
func (c *fakeCoin) Params() *chain.Params                        { return c.params }
func (c *fakeCoin) DeriveHTLCPubkey([]byte) ([]byte, error)      { return c.pub, nil }
func (c *fakeCoin) SwapContractAddress() string                  { return "" }
func (c *fakeCoin) MyAddress() (string, error)                   { return c.params.Symbol + "-address", nil }
func (c *fakeCoin) ParseSignature([]byte) error                  { return nil }
func (c *fakeCoin) ParsePreimage(raw []byte) (Tx, error)         { return c.ParseTx(raw) }
func (c *fakeCoin) CurrentBlock(context.Context) (uint64, error) { return 100, nil }

func (c *fakeCoin) MyBalance(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(10), nil
}

func (c *fakeCoin) CanRefundTimelock(context.Context, uint64) (bool, error) {
	return false, nil
}

func (c *fakeCoin) ParseTx(raw []byte) (Tx, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty transaction")
	}
	return fakeTx{raw: raw}, nil
}

func (c *fakeCoin) ParsePubkey(raw []byte) error {
	if len(raw) != 33 {
		return errors.New("invalid pubkey length")
	}
	return nil
}

func (c *fakeCoin) SendPayment(context.Context, HTLC) (Tx, error) { return nil, errFakeChain }
func (c *fakeCoin) ValidatePayment(context.Context, Tx, HTLC) error {
	return errFakeChain
}

func (c *fakeCoin) RefundPaymentTimelock(context.Context, Tx, HTLC) (Tx, error) {
	return nil, errFakeChain
}

func (c *fakeCoin) RefundPaymentSecret(context.Context, Tx, HTLC, []byte) (Tx, error) {
	return nil, errFakeChain
}

func (c *fakeCoin) SearchForSpend(context.Context, Tx, HTLC, uint64) (*SpendOutcome, error) {
	return nil, nil
}

func (c *fakeCoin) ExtractSecret([]byte, chain.SecretHashAlgo, Tx) ([]byte, error) {
	return nil, errFakeChain
}

func (c *fakeCoin) WaitForConfirmations(context.Context, Tx, uint64, bool, time.Time, time.Duration) error {
	return errFakeChain
}

func (c *fakeCoin) SpendPayment(context.Context, Tx, HTLC, []byte) (Tx, error) {
	return nil, errFakeChain
}

func (c *fakeCoin) GenSpendPreimage(context.Context, Tx, HTLC, SpendTarget) (*SpendPreimage, error) {
	return nil, errFakeChain
}

func (c *fakeCoin) ValidateSpendPreimage(context.Context, Tx, HTLC, SpendTarget, *SpendPreimage) error {
	return errFakeChain
}

func (c *fakeCoin) SignAndBroadcastSpend(context.Context, Tx, HTLC, SpendTarget, *SpendPreimage, []byte) (Tx, error) {
	return nil, errFakeChain
}

// testFixture holds one side of a swap built on fake coins.
type testFixture struct {
	makerCoin *fakeCoin
	takerCoin *fakeCoin
	registry  *SwapsContext
	clock     *clock.TestClock
	otherKey  *btcec.PrivateKey
	otherPub  []byte
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	return &testFixture{
		makerCoin: newFakeCoin(t, "DOC"),
		takerCoin: newFakeCoin(t, "MARTY"),
		registry:  NewSwapsContext(),
		clock:     clock.NewTestClock(testStart),
		otherKey:  key,
		otherPub:  key.PubKey().SerializeCompressed(),
	}
}

func (f *testFixture) base(t *testing.T, role Role) *swapBase {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	id := uuid.New()
	return &swapBase{
		id:       id,
		role:     role,
		cfg:      config.DefaultSwapConfig(),
		clock:    f.clock,
		log:      logging.GetDefault().ForSwap(id, string(role)),
		registry: f.registry,
		msgKey:   key,
		otherPub: f.otherPub,
		mailbox:  NewMailbox(),
	}
}

func (f *testFixture) record(swapType string, secretByte byte) *storage.SwapRecord {
	secret := bytes.Repeat([]byte{secretByte}, 32)
	return &storage.SwapRecord{
		SwapType:       swapType,
		Version:        SwapVersion,
		MakerCoin:      "DOC",
		TakerCoin:      "MARTY",
		MakerVolume:    decimal.NewFromInt(1),
		TakerVolume:    decimal.RequireFromString("0.5"),
		TakerPremium:   decimal.Zero,
		StartedAt:      testStart.Unix(),
		LockDuration:   7800,
		MakerCoinConfs: 1,
		TakerCoinConfs: 1,
		Secret:         secret,
		SecretHash:     chain.DHASH160.Hash(secret),
		SecretHashAlgo: uint8(chain.DHASH160),
		OtherPubkey:    f.otherPub,
	}
}

func (f *testFixture) makerSwap(t *testing.T) (*MakerSwap, *storage.SwapRecord) {
	t.Helper()
	rec := f.record(MakerSwapType, 0x11)
	m, err := newMakerSwap(f.base(t, RoleMaker), rec, f.makerCoin, f.takerCoin, config.DefaultDexFeeConfig(), feePolicy{})
	if err != nil {
		t.Fatalf("newMakerSwap() error = %v", err)
	}
	return m, rec
}

func (f *testFixture) takerSwap(t *testing.T) (*TakerSwap, *storage.SwapRecord) {
	t.Helper()
	rec := f.record(TakerSwapType, 0x22)
	ts, err := newTakerSwap(f.base(t, RoleTaker), rec, f.makerCoin, f.takerCoin, feePolicy{})
	if err != nil {
		t.Fatalf("newTakerSwap() error = %v", err)
	}
	return ts, rec
}
