package backend

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

var testStart = time.Unix(1_700_000_000, 0)

type testKey struct {
	priv *btcec.PrivateKey
	addr btcutil.Address
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	return testKey{priv: priv, addr: addr}
}

// spendP2WPKH signs a transaction spending op (paying to k) to pkScript.
func spendP2WPKH(t *testing.T, m *Memory, k testKey, op wire.OutPoint, value int64, pkScript []byte) *wire.MsgTx {
	t.Helper()
	prev, err := m.GetTx(context.Background(), op.Hash)
	if err != nil {
		t.Fatal(err)
	}
	prevOut := prev.TxOut[op.Index]

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	witness, err := txscript.WitnessSignature(tx, sigHashes, 0, prevOut.Value, prevOut.PkScript, txscript.SigHashAll, k.priv, true)
	if err != nil {
		t.Fatal(err)
	}
	tx.TxIn[0].Witness = witness
	return tx
}

func TestMemoryFundAndListUnspent(t *testing.T) {
	m := NewMemory(clock.NewTestClock(testStart), true)
	k := newTestKey(t)
	ctx := context.Background()

	op, err := m.Fund(k.addr, 100_000)
	if err != nil {
		t.Fatalf("Fund() error = %v", err)
	}

	utxos, err := m.ListUnspent(ctx, k.addr)
	if err != nil {
		t.Fatalf("ListUnspent() error = %v", err)
	}
	if len(utxos) != 1 || utxos[0].OutPoint != op || utxos[0].Value != 100_000 {
		t.Fatalf("unexpected utxos %+v", utxos)
	}
	if utxos[0].Confirmations != 1 {
		t.Errorf("expected 1 confirmation, got %d", utxos[0].Confirmations)
	}

	m.Mine(2)
	confs, err := m.Confirmations(ctx, op.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if confs != 3 {
		t.Errorf("expected 3 confirmations, got %d", confs)
	}

	tip, _ := m.Tip(ctx)
	if tip.Height != memoryStartHeight+3 {
		t.Errorf("unexpected height %d", tip.Height)
	}
	if !tip.MedianTime.Equal(testStart) {
		t.Errorf("median time should follow the clock, got %v", tip.MedianTime)
	}
}

func TestMemoryBroadcastSpend(t *testing.T) {
	m := NewMemory(clock.NewTestClock(testStart), false)
	alice := newTestKey(t)
	bob := newTestKey(t)
	ctx := context.Background()

	op, _ := m.Fund(alice.addr, 50_000)
	bobScript, _ := txscript.PayToAddrScript(bob.addr)
	tx := spendP2WPKH(t, m, alice, op, 49_000, bobScript)

	if err := m.Broadcast(ctx, tx); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if err := m.Broadcast(ctx, tx); err != nil {
		t.Errorf("rebroadcast should be a no-op, got %v", err)
	}

	confs, _ := m.Confirmations(ctx, tx.TxHash())
	if confs != 0 {
		t.Errorf("expected mempool tx, got %d confirmations", confs)
	}
	m.Mine(1)
	confs, _ = m.Confirmations(ctx, tx.TxHash())
	if confs != 1 {
		t.Errorf("expected 1 confirmation, got %d", confs)
	}

	spender, err := m.GetSpendingTx(ctx, op)
	if err != nil {
		t.Fatal(err)
	}
	if spender == nil || spender.TxHash() != tx.TxHash() {
		t.Fatal("spending tx not found")
	}

	unspent, err := m.GetSpendingTx(ctx, wire.OutPoint{Hash: tx.TxHash(), Index: 0})
	if err != nil || unspent != nil {
		t.Errorf("expected unspent output, got %v, %v", unspent, err)
	}

	utxos, _ := m.ListUnspent(ctx, alice.addr)
	if len(utxos) != 0 {
		t.Errorf("alice should have no utxos, got %d", len(utxos))
	}
	utxos, _ = m.ListUnspent(ctx, bob.addr)
	if len(utxos) != 1 {
		t.Errorf("bob should have 1 utxo, got %d", len(utxos))
	}
}

func TestMemoryRejectsInvalid(t *testing.T) {
	m := NewMemory(clock.NewTestClock(testStart), true)
	alice := newTestKey(t)
	mallory := newTestKey(t)
	ctx := context.Background()

	op, _ := m.Fund(alice.addr, 50_000)
	script, _ := txscript.PayToAddrScript(mallory.addr)

	// Wrong key
	bad := spendP2WPKH(t, m, mallory, op, 49_000, script)
	if err := m.Broadcast(ctx, bad); !errors.Is(err, ErrInvalidTx) {
		t.Errorf("expected ErrInvalidTx for bad signature, got %v", err)
	}

	// Outputs exceed inputs
	greedy := spendP2WPKH(t, m, alice, op, 60_000, script)
	if err := m.Broadcast(ctx, greedy); !errors.Is(err, ErrInvalidTx) {
		t.Errorf("expected ErrInvalidTx for overspend, got %v", err)
	}

	good := spendP2WPKH(t, m, alice, op, 49_000, script)
	if err := m.Broadcast(ctx, good); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	double := spendP2WPKH(t, m, alice, op, 48_000, script)
	if err := m.Broadcast(ctx, double); !errors.Is(err, ErrInputSpent) {
		t.Errorf("expected ErrInputSpent, got %v", err)
	}
}

func TestMemoryLockTime(t *testing.T) {
	clk := clock.NewTestClock(testStart)
	m := NewMemory(clk, true)
	ctx := context.Background()

	lockTime := testStart.Add(time.Hour).Unix()
	script, err := txscript.NewScriptBuilder().
		AddInt64(lockTime).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_TRUE).
		Script()
	if err != nil {
		t.Fatal(err)
	}
	scriptHash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	op, _ := m.Fund(addr, 10_000)

	k := newTestKey(t)
	out, _ := txscript.PayToAddrScript(k.addr)
	tx := wire.NewMsgTx(2)
	tx.LockTime = uint32(lockTime)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op, Sequence: wire.MaxTxInSequenceNum - 1, Witness: wire.TxWitness{script}})
	tx.AddTxOut(wire.NewTxOut(9_000, out))

	if err := m.Broadcast(ctx, tx); !errors.Is(err, ErrNonFinal) {
		t.Fatalf("expected ErrNonFinal before lock time, got %v", err)
	}

	clk.SetTime(testStart.Add(time.Hour + time.Second))
	if err := m.Broadcast(ctx, tx); err != nil {
		t.Fatalf("Broadcast() after lock time error = %v", err)
	}

	// A lower tx lock time fails the script check even when final.
	op2, _ := m.Fund(addr, 10_000)
	early := wire.NewMsgTx(2)
	early.LockTime = uint32(lockTime - 10)
	early.AddTxIn(&wire.TxIn{PreviousOutPoint: op2, Sequence: wire.MaxTxInSequenceNum - 1, Witness: wire.TxWitness{script}})
	early.AddTxOut(wire.NewTxOut(9_000, out))
	if err := m.Broadcast(ctx, early); !errors.Is(err, ErrInvalidTx) {
		t.Errorf("expected ErrInvalidTx for early lock time, got %v", err)
	}
}

func TestMemoryUnknownTx(t *testing.T) {
	m := NewMemory(clock.NewTestClock(testStart), true)
	ctx := context.Background()

	var missing wire.OutPoint
	missing.Hash[0] = 1
	if _, err := m.GetTx(ctx, missing.Hash); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("expected ErrTxNotFound, got %v", err)
	}
	if _, err := m.Confirmations(ctx, missing.Hash); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("expected ErrTxNotFound, got %v", err)
	}
}
