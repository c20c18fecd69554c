package utxo

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/shopspring/decimal"
)

// Transaction errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOutputNotFound    = errors.New("htlc output not found")
	ErrNotParticipant    = errors.New("local key is not a participant of the htlc")
)

// dustLimit is the smallest change output worth creating.
const dustLimit = 546

// Tx wraps a wire transaction.
type Tx struct {
	*wire.MsgTx
}

// Hash returns the txid.
func (t *Tx) Hash() string {
	return t.TxHash().String()
}

// Bytes returns the serialized transaction, witnesses included.
func (t *Tx) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(t.SerializeSize())
	_ = t.Serialize(&buf)
	return buf.Bytes()
}

func deserializeTx(raw []byte) (*Tx, error) {
	msg := wire.NewMsgTx(wire.TxVersion)
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return &Tx{MsgTx: msg}, nil
}

func asWireTx(tx swap.Tx) (*wire.MsgTx, error) {
	if t, ok := tx.(*Tx); ok {
		return t.MsgTx, nil
	}
	if tx == nil {
		return nil, errors.New("nil transaction")
	}
	t, err := deserializeTx(tx.Bytes())
	if err != nil {
		return nil, err
	}
	return t.MsgTx, nil
}

// findOutput returns the index and value of the output paying to pkScript.
func findOutput(tx *wire.MsgTx, pkScript []byte) (uint32, int64, error) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), out.Value, nil
		}
	}
	return 0, 0, ErrOutputNotFound
}

// selectUTXOs picks the largest outputs first until target plus fee is
// covered. Unconfirmed outputs are allowed.
func selectUTXOs(utxos []backend.UTXO, target, fee int64) ([]backend.UTXO, int64, error) {
	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var selected []backend.UTXO
	var total int64
	for _, u := range sorted {
		selected = append(selected, u)
		total += u.Value
		if total >= target+fee {
			return selected, total, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, target+fee, total)
}

// buildPaymentTx funds pkScript with value from the wallet outputs and
// returns the unsigned transaction with its previous outputs.
func buildPaymentTx(utxos []backend.UTXO, pkScript []byte, value, fee int64, changeScript []byte) (*wire.MsgTx, map[wire.OutPoint]*wire.TxOut, error) {
	selected, total, err := selectUTXOs(utxos, value, fee)
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	for _, u := range selected {
		op := u.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		prevOuts[op] = wire.NewTxOut(u.Value, u.PkScript)
	}

	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	if change := total - value - fee; change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}
	return tx, prevOuts, nil
}

// signP2WPKHInputs signs every input of tx with key.
func signP2WPKHInputs(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut, key *btcec.PrivateKey) error {
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, prev.Value, prev.PkScript, txscript.SigHashAll, key, true)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		in.Witness = witness
	}
	return nil
}

// spendOutputs builds the outputs of an HTLC spend paying inputValue minus
// the network fee to target.
func (c *Coin) spendOutputs(inputValue int64, target swap.SpendTarget, ownScript []byte) ([]*wire.TxOut, error) {
	decimals := c.params.Decimals
	var outs []*wire.TxOut
	var spent int64

	if target.Payment != nil {
		script, err := BuildHTLCScript(*target.Payment)
		if err != nil {
			return nil, err
		}
		value, err := toSatoshi(target.Payment.Amount, decimals)
		if err != nil {
			return nil, err
		}
		outs = append(outs, wire.NewTxOut(value, P2WSHScript(script)))
		spent += value
		if target.DexFee.IsPositive() {
			value, err := toSatoshi(target.DexFee, decimals)
			if err != nil {
				return nil, err
			}
			outs = append(outs, wire.NewTxOut(value, P2WPKHScript(target.FeePubkey)))
			spent += value
		}
		if target.DexFeeBurn.IsPositive() {
			value, err := toSatoshi(target.DexFeeBurn, decimals)
			if err != nil {
				return nil, err
			}
			outs = append(outs, wire.NewTxOut(value, P2WPKHScript(target.BurnPubkey)))
			spent += value
		}
		if spent > inputValue {
			return nil, fmt.Errorf("%w: outputs %d exceed htlc value %d", ErrInsufficientFunds, spent, inputValue)
		}
		return outs, nil
	}

	dest := ownScript
	if target.Destination != "" {
		var err error
		if dest, err = wallet.AddressScript(target.Destination, c.params); err != nil {
			return nil, fmt.Errorf("invalid destination %q: %w", target.Destination, err)
		}
	}
	value := inputValue - int64(c.params.TxFee)
	if value < dustLimit {
		return nil, fmt.Errorf("%w: htlc value %d does not cover fee %d", ErrInsufficientFunds, inputValue, c.params.TxFee)
	}
	return []*wire.TxOut{wire.NewTxOut(value, dest)}, nil
}

// htlcSpend is an unsigned spend of one HTLC output.
type htlcSpend struct {
	tx     *wire.MsgTx
	script []byte
	value  int64
}

// buildHTLCSpend builds the unsigned spend of the HTLC funded by fundingTx.
// Timelock refunds set the lock time and a non-final sequence.
func (c *Coin) buildHTLCSpend(fundingTx *wire.MsgTx, h swap.HTLC, outs []*wire.TxOut, timelock bool) (*htlcSpend, error) {
	script, err := BuildHTLCScript(h)
	if err != nil {
		return nil, err
	}
	vout, value, err := findOutput(fundingTx, P2WSHScript(script))
	if err != nil {
		return nil, err
	}

	fundingHash := fundingTx.TxHash()
	tx := wire.NewMsgTx(2)
	in := wire.NewTxIn(wire.NewOutPoint(&fundingHash, vout), nil, nil)
	in.Sequence = wire.MaxTxInSequenceNum
	if timelock {
		in.Sequence = wire.MaxTxInSequenceNum - 1
		tx.LockTime = uint32(h.LockTime)
	}
	tx.AddTxIn(in)
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return &htlcSpend{tx: tx, script: script, value: value}, nil
}

// sign returns the witness signature of the single HTLC input.
func (s *htlcSpend) sign(key *btcec.PrivateKey) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(P2WSHScript(s.script), s.value)
	sigHashes := txscript.NewTxSigHashes(s.tx, fetcher)
	return txscript.RawTxInWitnessSignature(s.tx, sigHashes, 0, s.value, s.script, txscript.SigHashAll, key)
}

// verify checks a counterparty witness signature over the HTLC input.
func (s *htlcSpend) verify(sig, pubKey []byte) error {
	if len(sig) < 2 || txscript.SigHashType(sig[len(sig)-1]) != txscript.SigHashAll {
		return fmt.Errorf("%w: signature must use SIGHASH_ALL", swap.ErrValidation)
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrValidation, err)
	}
	pub, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrValidation, err)
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(P2WSHScript(s.script), s.value)
	sigHashes := txscript.NewTxSigHashes(s.tx, fetcher)
	hash, err := txscript.CalcWitnessSigHash(s.script, sigHashes, txscript.SigHashAll, s.tx, 0, s.value)
	if err != nil {
		return err
	}
	if !parsed.Verify(hash, pub) {
		return fmt.Errorf("%w: counterparty signature does not verify", swap.ErrValidation)
	}
	return nil
}

func toSatoshi(amount decimal.Decimal, decimals uint8) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("amount must be positive: %s", amount)
	}
	units, err := helpers.ToBaseUnits(amount, decimals)
	if err != nil {
		return 0, err
	}
	if units > 1<<62 {
		return 0, fmt.Errorf("amount overflow: %s", amount)
	}
	return int64(units), nil
}
