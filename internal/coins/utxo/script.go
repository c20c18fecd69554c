package utxo

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// Script errors
var (
	ErrInvalidHTLC    = errors.New("invalid htlc")
	ErrUnknownWitness = errors.New("unrecognized htlc witness")
)

const (
	secretSize     = 32
	compressedSize = 33
)

var (
	branchTrue  = []byte{0x01}
	branchFalse = []byte{}
)

// BuildHTLCScript builds the witness script of an HTLC.
//
// Script structure (bracketed parts depend on the contract):
//
//	OP_IF
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP <sender> OP_CHECKSIG
//	OP_ELSE
//	    [OP_IF
//	        OP_SIZE 32 OP_EQUALVERIFY HASH <refund_hash> OP_EQUALVERIFY <sender> OP_CHECKSIG
//	    OP_ELSE]
//	        [OP_SIZE 32 OP_EQUALVERIFY HASH <claim_hash> OP_EQUALVERIFY]
//	        [<sender> OP_CHECKSIGVERIFY]
//	        <receiver> OP_CHECKSIG
//	    [OP_ENDIF]
//	OP_ENDIF
//
// HASH is OP_HASH160 for DHASH160 and OP_SHA256 for SHA256.
func BuildHTLCScript(h swap.HTLC) ([]byte, error) {
	if len(h.SenderPub) != compressedSize {
		return nil, fmt.Errorf("%w: sender pubkey must be %d bytes, got %d", ErrInvalidHTLC, compressedSize, len(h.SenderPub))
	}
	if len(h.ReceiverPub) != compressedSize {
		return nil, fmt.Errorf("%w: receiver pubkey must be %d bytes, got %d", ErrInvalidHTLC, compressedSize, len(h.ReceiverPub))
	}
	if h.LockTime == 0 || h.LockTime > 0xffffffff {
		return nil, fmt.Errorf("%w: lock time %d out of range", ErrInvalidHTLC, h.LockTime)
	}

	hashOp, err := hashOpcode(h.HashAlgo)
	if err != nil {
		return nil, err
	}
	for _, hash := range [][]byte{h.RefundHash, h.ClaimHash} {
		if hash != nil && len(hash) != h.HashAlgo.HashLen() {
			return nil, fmt.Errorf("%w: %s hash must be %d bytes, got %d", ErrInvalidHTLC, h.HashAlgo, h.HashAlgo.HashLen(), len(hash))
		}
	}
	if h.ClaimHash == nil && !h.Cosign {
		return nil, fmt.Errorf("%w: claim branch needs a hash or a cosignature", ErrInvalidHTLC)
	}

	b := txscript.NewScriptBuilder()

	b.AddOp(txscript.OP_IF)
	b.AddInt64(int64(h.LockTime))
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddData(h.SenderPub)
	b.AddOp(txscript.OP_CHECKSIG)

	b.AddOp(txscript.OP_ELSE)
	if h.RefundHash != nil {
		b.AddOp(txscript.OP_IF)
		addHashCheck(b, hashOp, h.RefundHash)
		b.AddData(h.SenderPub)
		b.AddOp(txscript.OP_CHECKSIG)
		b.AddOp(txscript.OP_ELSE)
	}
	if h.ClaimHash != nil {
		addHashCheck(b, hashOp, h.ClaimHash)
	}
	if h.Cosign {
		b.AddData(h.SenderPub)
		b.AddOp(txscript.OP_CHECKSIGVERIFY)
	}
	b.AddData(h.ReceiverPub)
	b.AddOp(txscript.OP_CHECKSIG)
	if h.RefundHash != nil {
		b.AddOp(txscript.OP_ENDIF)
	}
	b.AddOp(txscript.OP_ENDIF)

	return b.Script()
}

func addHashCheck(b *txscript.ScriptBuilder, hashOp byte, hash []byte) {
	b.AddOp(txscript.OP_SIZE)
	b.AddInt64(secretSize)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(hashOp)
	b.AddData(hash)
	b.AddOp(txscript.OP_EQUALVERIFY)
}

func hashOpcode(algo chain.SecretHashAlgo) (byte, error) {
	switch algo {
	case chain.DHASH160:
		return txscript.OP_HASH160, nil
	case chain.SHA256:
		return txscript.OP_SHA256, nil
	default:
		return 0, fmt.Errorf("%w: unsupported hash algorithm %s", ErrInvalidHTLC, algo)
	}
}

// P2WSHScript returns the output script paying to a witness script.
func P2WSHScript(script []byte) []byte {
	hash := sha256.Sum256(script)
	pkScript, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(hash[:]).
		Script()
	return pkScript
}

// P2WPKHScript returns the output script paying to a compressed pubkey.
func P2WPKHScript(pubKey []byte) []byte {
	pkScript, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pubKey)).
		Script()
	return pkScript
}

// htlcAddress returns the P2WSH address of an HTLC script.
func htlcAddress(script []byte, params *chain.Params) (btcutil.Address, error) {
	hash := sha256.Sum256(script)
	return btcutil.NewAddressWitnessScriptHash(hash[:], params.Net)
}

// timelockRefundWitness: [sig_sender, 1, script]
func timelockRefundWitness(sigSender, script []byte) wire.TxWitness {
	return wire.TxWitness{sigSender, branchTrue, script}
}

// secretRefundWitness: [sig_sender, secret, 1, 0, script]
func secretRefundWitness(sigSender, secret, script []byte) wire.TxWitness {
	return wire.TxWitness{sigSender, secret, branchTrue, branchFalse, script}
}

// claimWitness: [sig_receiver, (sig_sender), (secret), (0), 0, script]
func claimWitness(h swap.HTLC, sigReceiver, sigSender, secret, script []byte) wire.TxWitness {
	w := wire.TxWitness{sigReceiver}
	if h.Cosign {
		w = append(w, sigSender)
	}
	if h.ClaimHash != nil {
		w = append(w, secret)
	}
	if h.RefundHash != nil {
		w = append(w, branchFalse)
	}
	return append(w, branchFalse, script)
}

// classifyWitness tells which branch of an HTLC a witness took.
func classifyWitness(h swap.HTLC, w wire.TxWitness) (swap.SpendKind, []byte, error) {
	switch {
	case len(w) == 3 && bytes.Equal(w[1], branchTrue):
		return swap.RefundedTimelock, nil, nil
	case len(w) == 5 && bytes.Equal(w[2], branchTrue):
		return swap.RefundedSecret, w[1], nil
	case len(w) >= 3 && len(w[len(w)-2]) == 0:
		if h.Kind == swap.TakerFundingHTLC {
			return swap.TransferredToPayment, nil, nil
		}
		return swap.ClaimedByReceiver, nil, nil
	default:
		return 0, nil, fmt.Errorf("%w: %d items", ErrUnknownWitness, len(w))
	}
}
