package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapd/pkg/logging"
	"github.com/lightningnetwork/lnd/clock"
)

// memoryStartHeight is the height of a fresh Memory chain.
const memoryStartHeight = 100

type memoryTx struct {
	tx     *wire.MsgTx
	height uint32 // 0 while in the mempool
}

// Memory is an in-process chain. Every broadcast transaction is validated
// with the btcd script engine against its previous outputs and checked for
// lock time finality against the chain height and the clock, which stands in
// for the median time past.
type Memory struct {
	mu       sync.Mutex
	clock    clock.Clock
	autoMine bool
	height   uint32
	funded   uint32
	txs      map[chainhash.Hash]*memoryTx
	utxos    map[wire.OutPoint]*wire.TxOut
	spends   map[wire.OutPoint]chainhash.Hash
	mempool  []chainhash.Hash
	log      *logging.Logger
}

// NewMemory creates an empty chain driven by clk. With autoMine every
// accepted transaction is mined into its own block.
func NewMemory(clk clock.Clock, autoMine bool) *Memory {
	return &Memory{
		clock:    clk,
		autoMine: autoMine,
		height:   memoryStartHeight,
		txs:      make(map[chainhash.Hash]*memoryTx),
		utxos:    make(map[wire.OutPoint]*wire.TxOut),
		spends:   make(map[wire.OutPoint]chainhash.Hash),
		log:      logging.GetDefault().Component("memchain"),
	}
}

// Type returns TypeMemory.
func (m *Memory) Type() Type {
	return TypeMemory
}

// Fund mines a coinbase-style transaction paying value to addr.
func (m *Memory) Fund(addr btcutil.Address, value int64) (wire.OutPoint, error) {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wire.OutPoint{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.funded++
	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], m.funded)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  append([]byte{0x04}, tag[:]...),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	txid := tx.TxHash()
	m.txs[txid] = &memoryTx{tx: tx}
	op := wire.OutPoint{Hash: txid, Index: 0}
	m.utxos[op] = tx.TxOut[0]
	m.mempool = append(m.mempool, txid)
	m.mineLocked(1)

	return op, nil
}

// Mine adds n blocks, confirming the mempool in the first one.
func (m *Memory) Mine(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mineLocked(n)
}

func (m *Memory) mineLocked(n int) {
	for i := 0; i < n; i++ {
		m.height++
		for _, txid := range m.mempool {
			m.txs[txid].height = m.height
		}
		m.mempool = nil
	}
}

// Tip returns the chain height and the clock time.
func (m *Memory) Tip(ctx context.Context) (Tip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Tip{Height: m.height, MedianTime: m.clock.Now()}, nil
}

// ListUnspent returns unspent outputs paying to addr, mempool included.
func (m *Memory) ListUnspent(ctx context.Context, addr btcutil.Address) ([]UTXO, error) {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var utxos []UTXO
	for op, out := range m.utxos {
		if !bytes.Equal(out.PkScript, pkScript) {
			continue
		}
		utxos = append(utxos, UTXO{
			OutPoint:      op,
			Value:         out.Value,
			PkScript:      out.PkScript,
			Confirmations: m.confirmationsLocked(op.Hash),
		})
	}
	sort.Slice(utxos, func(i, j int) bool {
		if utxos[i].OutPoint.Hash != utxos[j].OutPoint.Hash {
			return bytes.Compare(utxos[i].OutPoint.Hash[:], utxos[j].OutPoint.Hash[:]) < 0
		}
		return utxos[i].OutPoint.Index < utxos[j].OutPoint.Index
	})
	return utxos, nil
}

// GetTx returns a copy of a known transaction.
func (m *Memory) GetTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mtx, ok := m.txs[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}
	return mtx.tx.Copy(), nil
}

// Confirmations returns the confirmation count of a transaction.
func (m *Memory) Confirmations(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[txid]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}
	return m.confirmationsLocked(txid), nil
}

func (m *Memory) confirmationsLocked(txid chainhash.Hash) uint32 {
	mtx := m.txs[txid]
	if mtx == nil || mtx.height == 0 {
		return 0
	}
	return m.height - mtx.height + 1
}

// GetSpendingTx returns the transaction spending op, or nil if unspent.
func (m *Memory) GetSpendingTx(ctx context.Context, op wire.OutPoint) (*wire.MsgTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txid, ok := m.spends[op]
	if !ok {
		return nil, nil
	}
	return m.txs[txid].tx.Copy(), nil
}

// Broadcast validates tx and adds it to the mempool. Rebroadcasting an
// accepted transaction is a no-op.
func (m *Memory) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txid := tx.TxHash()
	if _, ok := m.txs[txid]; ok {
		return nil
	}
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return fmt.Errorf("%w: no inputs or outputs", ErrInvalidTx)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	var inSum, outSum int64
	for _, in := range tx.TxIn {
		op := in.PreviousOutPoint
		if spender, ok := m.spends[op]; ok {
			return fmt.Errorf("%w: %s by %s", ErrInputSpent, op, spender)
		}
		if _, dup := prevOuts[op]; dup {
			return fmt.Errorf("%w: duplicate input %s", ErrInvalidTx, op)
		}
		prev, ok := m.utxos[op]
		if !ok {
			return fmt.Errorf("%w: missing input %s", ErrInvalidTx, op)
		}
		prevOuts[op] = prev
		inSum += prev.Value
	}
	for _, out := range tx.TxOut {
		if out.Value <= 0 {
			return fmt.Errorf("%w: non-positive output", ErrInvalidTx)
		}
		outSum += out.Value
	}
	if outSum > inSum {
		return fmt.Errorf("%w: outputs %d exceed inputs %d", ErrInvalidTx, outSum, inSum)
	}

	if err := m.checkFinalLocked(tx); err != nil {
		return err
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil, sigHashes, prev.Value, fetcher)
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrInvalidTx, i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrInvalidTx, i, err)
		}
	}

	for op := range prevOuts {
		delete(m.utxos, op)
		m.spends[op] = txid
	}
	stored := tx.Copy()
	for i, out := range stored.TxOut {
		m.utxos[wire.OutPoint{Hash: txid, Index: uint32(i)}] = out
	}
	m.txs[txid] = &memoryTx{tx: stored}
	m.mempool = append(m.mempool, txid)
	m.log.Debug("Accepted transaction", "txid", txid, "inputs", len(tx.TxIn), "outputs", len(tx.TxOut))

	if m.autoMine {
		m.mineLocked(1)
	}
	return nil
}

// checkFinalLocked applies the lock time rule: a transaction with a lock
// time and a non-final input may only enter the next block once the height
// or the median time past has passed its lock time.
func (m *Memory) checkFinalLocked(tx *wire.MsgTx) error {
	if tx.LockTime == 0 {
		return nil
	}
	final := true
	for _, in := range tx.TxIn {
		if in.Sequence != wire.MaxTxInSequenceNum {
			final = false
			break
		}
	}
	if final {
		return nil
	}

	if tx.LockTime < txscript.LockTimeThreshold {
		if int64(tx.LockTime) < int64(m.height)+1 {
			return nil
		}
		return fmt.Errorf("%w: lock height %d, next block %d", ErrNonFinal, tx.LockTime, m.height+1)
	}
	if int64(tx.LockTime) < m.clock.Now().Unix() {
		return nil
	}
	return fmt.Errorf("%w: lock time %d, median time %d", ErrNonFinal, tx.LockTime, m.clock.Now().Unix())
}

var _ Backend = (*Memory)(nil)
