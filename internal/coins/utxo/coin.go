// Package utxo implements the swap coin capabilities for bitcoin-family
// chains with P2WSH hashed timelock contracts.
package utxo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/klingon-exchange/swapd/pkg/logging"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
)

// notarizedConfirmations is the depth treated as notarized on chains with
// notarization.
const notarizedConfirmations = 10

// ErrSecretNotFound is returned when a spend does not reveal the secret.
var ErrSecretNotFound = errors.New("secret not found in spend")

// Config holds the dependencies of a Coin.
type Config struct {
	Params  *chain.Params
	Backend backend.Backend
	Wallet  *wallet.Wallet

	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Coin is a bitcoin-family swap coin. Funds are held on the first receiving
// address of the wallet; HTLC keys are derived per swap.
type Coin struct {
	params  *chain.Params
	backend backend.Backend
	wallet  *wallet.Wallet
	clock   clock.Clock
	log     *logging.Logger

	fundsKey  *btcec.PrivateKey
	address   btcutil.Address
	addressPk []byte
	sendMu    sync.Mutex
}

// New creates a coin.
func New(cfg *Config) (*Coin, error) {
	if cfg.Params == nil || cfg.Params.Type != chain.ChainTypeBitcoin {
		return nil, errors.New("utxo coin needs bitcoin-family params")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%s: no backend", cfg.Params.Symbol)
	}
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("%s: no wallet", cfg.Params.Symbol)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	key, err := cfg.Wallet.DerivePrivateKey(cfg.Params.Symbol, 0, 0)
	if err != nil {
		return nil, err
	}
	addr, err := wallet.P2WPKHAddress(key.PubKey(), cfg.Params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &Coin{
		params:    cfg.Params,
		backend:   cfg.Backend,
		wallet:    cfg.Wallet,
		clock:     clk,
		log:       logging.GetDefault().Component("coin").With("ticker", cfg.Params.Symbol),
		fundsKey:  key,
		address:   addr,
		addressPk: pkScript,
	}, nil
}

// Ticker returns the coin symbol.
func (c *Coin) Ticker() string {
	return c.params.Symbol
}

// Params returns the chain parameters.
func (c *Coin) Params() *chain.Params {
	return c.params
}

// Address returns the funds address.
func (c *Coin) Address() btcutil.Address {
	return c.address
}

func (c *Coin) htlcKey(uniqueData []byte) (*btcec.PrivateKey, error) {
	return c.wallet.HTLCKey(c.params.Symbol, uniqueData)
}

// DeriveHTLCPubkey returns the compressed HTLC public key for a swap.
func (c *Coin) DeriveHTLCPubkey(uniqueData []byte) ([]byte, error) {
	key, err := c.htlcKey(uniqueData)
	if err != nil {
		return nil, err
	}
	return key.PubKey().SerializeCompressed(), nil
}

// SwapContractAddress is empty: script HTLCs need no contract.
func (c *Coin) SwapContractAddress() string {
	return ""
}

// MyAddress returns the funds address.
func (c *Coin) MyAddress() (string, error) {
	return c.address.EncodeAddress(), nil
}

// MyBalance sums the unspent outputs of the funds address, mempool included.
func (c *Coin) MyBalance(ctx context.Context) (decimal.Decimal, error) {
	utxos, err := c.backend.ListUnspent(ctx, c.address)
	if err != nil {
		return decimal.Zero, classify(err)
	}
	var total uint64
	for _, u := range utxos {
		total += uint64(u.Value)
	}
	return helpers.FromBaseUnits(total, c.params.Decimals), nil
}

// CurrentBlock returns the tip height.
func (c *Coin) CurrentBlock(ctx context.Context) (uint64, error) {
	tip, err := c.backend.Tip(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return uint64(tip.Height), nil
}

// CanRefundTimelock reports whether a transaction locked to lockTime can
// enter the next block.
func (c *Coin) CanRefundTimelock(ctx context.Context, lockTime uint64) (bool, error) {
	tip, err := c.backend.Tip(ctx)
	if err != nil {
		return false, classify(err)
	}
	if lockTime < txscript.LockTimeThreshold {
		return lockTime < uint64(tip.Height)+1, nil
	}
	return int64(lockTime) < tip.MedianTime.Unix(), nil
}

// ParseTx decodes a serialized transaction.
func (c *Coin) ParseTx(raw []byte) (swap.Tx, error) {
	return deserializeTx(raw)
}

// ParsePubkey checks a compressed secp256k1 public key.
func (c *Coin) ParsePubkey(raw []byte) error {
	if len(raw) != compressedSize {
		return fmt.Errorf("pubkey must be %d bytes, got %d", compressedSize, len(raw))
	}
	_, err := btcec.ParsePubKey(raw)
	return err
}

// ParseSignature checks a DER signature with a sighash byte.
func (c *Coin) ParseSignature(raw []byte) error {
	if len(raw) < 2 {
		return errors.New("signature too short")
	}
	_, err := ecdsa.ParseDERSignature(raw[:len(raw)-1])
	return err
}

// ParsePreimage decodes an unsigned single-input HTLC spend.
func (c *Coin) ParsePreimage(raw []byte) (swap.Tx, error) {
	tx, err := deserializeTx(raw)
	if err != nil {
		return nil, err
	}
	if len(tx.TxIn) != 1 {
		return nil, fmt.Errorf("preimage must have one input, got %d", len(tx.TxIn))
	}
	return tx, nil
}

// SendPayment funds the HTLC from the wallet. If the HTLC address already
// holds an output of the expected value that transaction is returned.
func (c *Coin) SendPayment(ctx context.Context, h swap.HTLC) (swap.Tx, error) {
	script, err := BuildHTLCScript(h)
	if err != nil {
		return nil, err
	}
	addr, err := htlcAddress(script, c.params)
	if err != nil {
		return nil, err
	}
	value, err := toSatoshi(h.Amount, c.params.Decimals)
	if err != nil {
		return nil, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	existing, err := c.backend.ListUnspent(ctx, addr)
	if err != nil {
		return nil, classify(err)
	}
	for _, u := range existing {
		if u.Value != value {
			continue
		}
		tx, err := c.backend.GetTx(ctx, u.OutPoint.Hash)
		if err != nil {
			return nil, classify(err)
		}
		c.log.Info("HTLC already funded", "kind", h.Kind, "txid", u.OutPoint.Hash)
		return &Tx{MsgTx: tx}, nil
	}

	utxos, err := c.backend.ListUnspent(ctx, c.address)
	if err != nil {
		return nil, classify(err)
	}
	tx, prevOuts, err := buildPaymentTx(utxos, P2WSHScript(script), value, int64(c.params.TxFee), c.addressPk)
	if err != nil {
		return nil, err
	}
	if err := signP2WPKHInputs(tx, prevOuts, c.fundsKey); err != nil {
		return nil, err
	}
	if err := c.backend.Broadcast(ctx, tx); err != nil {
		return nil, classify(err)
	}

	c.log.Info("Sent HTLC payment", "kind", h.Kind, "txid", tx.TxHash(), "amount", h.Amount, "address", addr.EncodeAddress())
	return &Tx{MsgTx: tx}, nil
}

// ValidatePayment checks that tx is known to the chain and pays exactly
// h.Amount to the HTLC.
func (c *Coin) ValidatePayment(ctx context.Context, tx swap.Tx, h swap.HTLC) error {
	msg, err := asWireTx(tx)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrValidation, err)
	}
	script, err := BuildHTLCScript(h)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrValidation, err)
	}
	want, err := toSatoshi(h.Amount, c.params.Decimals)
	if err != nil {
		return err
	}

	_, got, err := findOutput(msg, P2WSHScript(script))
	if err != nil {
		return fmt.Errorf("%w: %s does not pay to the expected %s htlc", swap.ErrValidation, msg.TxHash(), h.Kind)
	}
	if got != want {
		return fmt.Errorf("%w: %s htlc value %d, expected %d", swap.ErrValidation, h.Kind, got, want)
	}

	onChain, err := c.backend.GetTx(ctx, msg.TxHash())
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return fmt.Errorf("%w: %s not yet seen by the backend", swap.ErrTransient, msg.TxHash())
		}
		return classify(err)
	}
	if onChain.TxHash() != msg.TxHash() {
		return fmt.Errorf("%w: backend returned a different transaction", swap.ErrValidation)
	}
	return nil
}

// RefundPaymentTimelock spends the HTLC back to the wallet through the
// timelock branch.
func (c *Coin) RefundPaymentTimelock(ctx context.Context, tx swap.Tx, h swap.HTLC) (swap.Tx, error) {
	funding, key, err := c.senderSpendSetup(tx, h)
	if err != nil {
		return nil, err
	}
	spend, err := c.buildOwnSpend(funding, h, true)
	if err != nil {
		return nil, err
	}
	sig, err := spend.sign(key)
	if err != nil {
		return nil, err
	}
	spend.tx.TxIn[0].Witness = timelockRefundWitness(sig, spend.script)
	return c.broadcastSpend(ctx, spend.tx, "timelock refund", h.Kind)
}

// RefundPaymentSecret spends the HTLC back to the wallet revealing the
// refund secret.
func (c *Coin) RefundPaymentSecret(ctx context.Context, tx swap.Tx, h swap.HTLC, secret []byte) (swap.Tx, error) {
	if h.RefundHash == nil {
		return nil, fmt.Errorf("%w: %s has no secret refund branch", ErrInvalidHTLC, h.Kind)
	}
	if !bytes.Equal(h.HashAlgo.Hash(secret), h.RefundHash) {
		return nil, fmt.Errorf("%w: secret does not match refund hash", ErrInvalidHTLC)
	}
	funding, key, err := c.senderSpendSetup(tx, h)
	if err != nil {
		return nil, err
	}
	spend, err := c.buildOwnSpend(funding, h, false)
	if err != nil {
		return nil, err
	}
	sig, err := spend.sign(key)
	if err != nil {
		return nil, err
	}
	spend.tx.TxIn[0].Witness = secretRefundWitness(sig, secret, spend.script)
	return c.broadcastSpend(ctx, spend.tx, "secret refund", h.Kind)
}

// SearchForSpend looks up the spend of the HTLC output of tx.
func (c *Coin) SearchForSpend(ctx context.Context, tx swap.Tx, h swap.HTLC, fromBlock uint64) (*swap.SpendOutcome, error) {
	msg, err := asWireTx(tx)
	if err != nil {
		return nil, err
	}
	script, err := BuildHTLCScript(h)
	if err != nil {
		return nil, err
	}
	vout, _, err := findOutput(msg, P2WSHScript(script))
	if err != nil {
		return nil, err
	}
	op := wire.OutPoint{Hash: msg.TxHash(), Index: vout}

	spender, err := c.backend.GetSpendingTx(ctx, op)
	if err != nil {
		return nil, classify(err)
	}
	if spender == nil {
		return nil, nil
	}

	for _, in := range spender.TxIn {
		if in.PreviousOutPoint != op {
			continue
		}
		kind, secret, err := classifyWitness(h, in.Witness)
		if err != nil {
			return nil, err
		}
		return &swap.SpendOutcome{Kind: kind, Tx: &Tx{MsgTx: spender}, Secret: secret}, nil
	}
	return nil, fmt.Errorf("spending tx %s does not spend %s", spender.TxHash(), op)
}

// ExtractSecret finds the preimage of secretHash among the witness items
// of spendTx.
func (c *Coin) ExtractSecret(secretHash []byte, algo chain.SecretHashAlgo, spendTx swap.Tx) ([]byte, error) {
	msg, err := asWireTx(spendTx)
	if err != nil {
		return nil, err
	}
	for _, in := range msg.TxIn {
		for _, item := range in.Witness {
			if len(item) == secretSize && bytes.Equal(algo.Hash(item), secretHash) {
				return helpers.CopyBytes(item), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, msg.TxHash())
}

// WaitForConfirmations polls the backend until tx is confirmed deep enough.
func (c *Coin) WaitForConfirmations(ctx context.Context, tx swap.Tx, confs uint64, notarized bool, until time.Time, poll time.Duration) error {
	msg, err := asWireTx(tx)
	if err != nil {
		return err
	}
	if notarized && confs < notarizedConfirmations {
		confs = notarizedConfirmations
	}
	txid := msg.TxHash()

	for {
		n, err := c.backend.Confirmations(ctx, txid)
		switch {
		case err == nil && uint64(n) >= confs:
			return nil
		case err != nil && !errors.Is(err, backend.ErrTxNotFound) && !backend.IsTransient(err):
			return err
		case err != nil:
			c.log.Debug("Confirmation check failed", "txid", txid, "error", err)
		}

		if !c.clock.Now().Before(until) {
			return fmt.Errorf("%w: %s has %d of %d confirmations", swap.ErrConfirmationTimeout, txid, n, confs)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.TickAfter(poll):
		}
	}
}

// SpendPayment claims the HTLC of tx with the claim secret.
func (c *Coin) SpendPayment(ctx context.Context, tx swap.Tx, h swap.HTLC, secret []byte) (swap.Tx, error) {
	if h.Cosign {
		return nil, fmt.Errorf("%w: %s needs a cosigned spend", ErrInvalidHTLC, h.Kind)
	}
	funding, key, err := c.receiverSpendSetup(tx, h)
	if err != nil {
		return nil, err
	}
	if err := checkClaimSecret(h, secret); err != nil {
		return nil, err
	}
	spend, err := c.buildOwnSpend(funding, h, false)
	if err != nil {
		return nil, err
	}
	sig, err := spend.sign(key)
	if err != nil {
		return nil, err
	}
	spend.tx.TxIn[0].Witness = claimWitness(h, sig, nil, secret, spend.script)
	return c.broadcastSpend(ctx, spend.tx, "claim", h.Kind)
}

// GenSpendPreimage builds the spend of the HTLC of tx to target and signs
// it with the local HTLC key.
func (c *Coin) GenSpendPreimage(ctx context.Context, tx swap.Tx, h swap.HTLC, target swap.SpendTarget) (*swap.SpendPreimage, error) {
	funding, err := asWireTx(tx)
	if err != nil {
		return nil, err
	}
	key, _, err := c.participantKey(h)
	if err != nil {
		return nil, err
	}
	spend, err := c.buildTargetSpend(funding, h, target)
	if err != nil {
		return nil, err
	}
	sig, err := spend.sign(key)
	if err != nil {
		return nil, err
	}
	return &swap.SpendPreimage{Preimage: (&Tx{MsgTx: spend.tx}).Bytes(), Signature: sig}, nil
}

// ValidateSpendPreimage checks that preimage is exactly the spend of the
// HTLC of tx to target, signed by the counterparty.
func (c *Coin) ValidateSpendPreimage(ctx context.Context, tx swap.Tx, h swap.HTLC, target swap.SpendTarget, preimage *swap.SpendPreimage) error {
	_, err := c.checkPreimage(tx, h, target, preimage)
	return err
}

// SignAndBroadcastSpend completes and broadcasts the spend of the HTLC of tx.
func (c *Coin) SignAndBroadcastSpend(ctx context.Context, tx swap.Tx, h swap.HTLC, target swap.SpendTarget, preimage *swap.SpendPreimage, secret []byte) (swap.Tx, error) {
	if err := checkClaimSecret(h, secret); err != nil {
		return nil, err
	}

	if preimage == nil {
		if h.Cosign {
			return nil, fmt.Errorf("%w: %s spend needs a counterparty signature", ErrInvalidHTLC, h.Kind)
		}
		funding, key, err := c.receiverSpendSetup(tx, h)
		if err != nil {
			return nil, err
		}
		spend, err := c.buildTargetSpend(funding, h, target)
		if err != nil {
			return nil, err
		}
		sig, err := spend.sign(key)
		if err != nil {
			return nil, err
		}
		spend.tx.TxIn[0].Witness = claimWitness(h, sig, nil, secret, spend.script)
		return c.broadcastSpend(ctx, spend.tx, "spend", h.Kind)
	}

	spend, err := c.checkPreimage(tx, h, target, preimage)
	if err != nil {
		return nil, err
	}
	key, isSender, err := c.participantKey(h)
	if err != nil {
		return nil, err
	}
	sig, err := spend.sign(key)
	if err != nil {
		return nil, err
	}
	sigReceiver, sigSender := sig, preimage.Signature
	if isSender {
		sigReceiver, sigSender = preimage.Signature, sig
	}
	spend.tx.TxIn[0].Witness = claimWitness(h, sigReceiver, sigSender, secret, spend.script)
	return c.broadcastSpend(ctx, spend.tx, "cosigned spend", h.Kind)
}

// checkPreimage rebuilds the expected spend and verifies the counterparty
// signature over it.
func (c *Coin) checkPreimage(tx swap.Tx, h swap.HTLC, target swap.SpendTarget, preimage *swap.SpendPreimage) (*htlcSpend, error) {
	if preimage == nil {
		return nil, fmt.Errorf("%w: missing spend preimage", swap.ErrValidation)
	}
	funding, err := asWireTx(tx)
	if err != nil {
		return nil, err
	}
	got, err := c.ParsePreimage(preimage.Preimage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrValidation, err)
	}
	spend, err := c.buildTargetSpend(funding, h, target)
	if err != nil {
		return nil, err
	}
	if got.(*Tx).TxHash() != spend.tx.TxHash() {
		return nil, fmt.Errorf("%w: %s spend preimage %s, expected %s", swap.ErrValidation, h.Kind, got.Hash(), spend.tx.TxHash())
	}

	_, isSender, err := c.participantKey(h)
	if err != nil {
		return nil, err
	}
	other := h.SenderPub
	if isSender {
		other = h.ReceiverPub
	}
	if err := spend.verify(preimage.Signature, other); err != nil {
		return nil, err
	}
	return spend, nil
}

// participantKey returns the local HTLC key and whether it is the sender.
func (c *Coin) participantKey(h swap.HTLC) (*btcec.PrivateKey, bool, error) {
	key, err := c.htlcKey(h.UniqueData)
	if err != nil {
		return nil, false, err
	}
	pub := key.PubKey().SerializeCompressed()
	switch {
	case bytes.Equal(pub, h.SenderPub):
		return key, true, nil
	case bytes.Equal(pub, h.ReceiverPub):
		return key, false, nil
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrNotParticipant, h.Kind)
	}
}

func (c *Coin) senderSpendSetup(tx swap.Tx, h swap.HTLC) (*wire.MsgTx, *btcec.PrivateKey, error) {
	funding, err := asWireTx(tx)
	if err != nil {
		return nil, nil, err
	}
	key, isSender, err := c.participantKey(h)
	if err != nil {
		return nil, nil, err
	}
	if !isSender {
		return nil, nil, fmt.Errorf("%w: refund of %s needs the sender key", ErrNotParticipant, h.Kind)
	}
	return funding, key, nil
}

func (c *Coin) receiverSpendSetup(tx swap.Tx, h swap.HTLC) (*wire.MsgTx, *btcec.PrivateKey, error) {
	funding, err := asWireTx(tx)
	if err != nil {
		return nil, nil, err
	}
	key, isSender, err := c.participantKey(h)
	if err != nil {
		return nil, nil, err
	}
	if isSender {
		return nil, nil, fmt.Errorf("%w: claim of %s needs the receiver key", ErrNotParticipant, h.Kind)
	}
	return funding, key, nil
}

// buildOwnSpend builds a spend paying the HTLC value minus fee to the wallet.
func (c *Coin) buildOwnSpend(funding *wire.MsgTx, h swap.HTLC, timelock bool) (*htlcSpend, error) {
	return c.buildSpend(funding, h, swap.SpendTarget{}, timelock)
}

func (c *Coin) buildTargetSpend(funding *wire.MsgTx, h swap.HTLC, target swap.SpendTarget) (*htlcSpend, error) {
	return c.buildSpend(funding, h, target, false)
}

func (c *Coin) buildSpend(funding *wire.MsgTx, h swap.HTLC, target swap.SpendTarget, timelock bool) (*htlcSpend, error) {
	script, err := BuildHTLCScript(h)
	if err != nil {
		return nil, err
	}
	_, value, err := findOutput(funding, P2WSHScript(script))
	if err != nil {
		return nil, err
	}
	outs, err := c.spendOutputs(value, target, c.addressPk)
	if err != nil {
		return nil, err
	}
	return c.buildHTLCSpend(funding, h, outs, timelock)
}

func checkClaimSecret(h swap.HTLC, secret []byte) error {
	if h.ClaimHash == nil {
		return nil
	}
	if len(secret) != secretSize || !bytes.Equal(h.HashAlgo.Hash(secret), h.ClaimHash) {
		return fmt.Errorf("%w: secret does not match claim hash of %s", ErrInvalidHTLC, h.Kind)
	}
	return nil
}

// broadcastSpend submits a single-input spend. If the input is already
// spent by this very transaction the broadcast counts as done.
func (c *Coin) broadcastSpend(ctx context.Context, tx *wire.MsgTx, what string, kind swap.HTLCKind) (swap.Tx, error) {
	err := c.backend.Broadcast(ctx, tx)
	if errors.Is(err, backend.ErrInputSpent) {
		spender, lookupErr := c.backend.GetSpendingTx(ctx, tx.TxIn[0].PreviousOutPoint)
		if lookupErr == nil && spender != nil && spender.TxHash() == tx.TxHash() {
			err = nil
		}
	}
	if err != nil {
		return nil, classify(err)
	}
	c.log.Info("Broadcast HTLC "+what, "kind", kind, "txid", tx.TxHash())
	return &Tx{MsgTx: tx}, nil
}

// classify marks backend connectivity failures as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if backend.IsTransient(err) {
		return fmt.Errorf("%w: %w", swap.ErrTransient, err)
	}
	return err
}

var (
	_ swap.MakerCoin = (*Coin)(nil)
	_ swap.TakerCoin = (*Coin)(nil)
)
