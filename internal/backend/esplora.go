package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// EsploraBackend implements Backend using the Esplora REST API.
// Compatible with mempool.space, blockstream.info, litecoinspace.org and
// self-hosted instances.
type EsploraBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	return &EsploraBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// Tip returns the best block height and its median time past.
func (e *EsploraBackend) Tip(ctx context.Context) (Tip, error) {
	height, err := e.tipHeight(ctx)
	if err != nil {
		return Tip{}, err
	}

	hash, err := e.getText(ctx, "/blocks/tip/hash")
	if err != nil {
		return Tip{}, err
	}
	var block struct {
		MedianTime int64 `json:"mediantime"`
	}
	if err := e.get(ctx, "/block/"+hash, &block); err != nil {
		return Tip{}, err
	}

	return Tip{Height: height, MedianTime: time.Unix(block.MedianTime, 0)}, nil
}

// ListUnspent returns unspent outputs for an address.
func (e *EsploraBackend) ListUnspent(ctx context.Context, addr btcutil.Address) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool   `json:"confirmed"`
			BlockHeight uint32 `json:"block_height"`
		} `json:"status"`
		Value int64 `json:"value"`
	}
	if err := e.get(ctx, "/address/"+addr.EncodeAddress()+"/utxo", &result); err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	// Confirmation counts need the tip; without it confirmed outputs count once.
	height, err := e.tipHeight(ctx)
	if err != nil {
		height = 0
	}

	utxos := make([]UTXO, 0, len(result))
	for _, u := range result {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad txid %s", ErrInvalidTx, u.TxID)
		}
		var confs uint32
		if u.Status.Confirmed {
			confs = 1
			if height >= u.Status.BlockHeight && u.Status.BlockHeight > 0 {
				confs = height - u.Status.BlockHeight + 1
			}
		}
		utxos = append(utxos, UTXO{
			OutPoint:      wire.OutPoint{Hash: *hash, Index: u.Vout},
			Value:         u.Value,
			PkScript:      pkScript,
			Confirmations: confs,
		})
	}
	return utxos, nil
}

// GetTx returns a transaction by id.
func (e *EsploraBackend) GetTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	rawHex, err := e.getText(ctx, "/tx/"+txid.String()+"/hex")
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	return tx, nil
}

// Confirmations returns the confirmation count of a transaction.
func (e *EsploraBackend) Confirmations(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	var status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint32 `json:"block_height"`
	}
	if err := e.get(ctx, "/tx/"+txid.String()+"/status", &status); err != nil {
		return 0, err
	}
	if !status.Confirmed {
		return 0, nil
	}

	height, err := e.tipHeight(ctx)
	if err != nil {
		return 0, err
	}
	if height < status.BlockHeight {
		return 1, nil
	}
	return height - status.BlockHeight + 1, nil
}

// GetSpendingTx returns the transaction spending op, or nil if unspent.
func (e *EsploraBackend) GetSpendingTx(ctx context.Context, op wire.OutPoint) (*wire.MsgTx, error) {
	var outspend struct {
		Spent bool   `json:"spent"`
		TxID  string `json:"txid"`
	}
	path := "/tx/" + op.Hash.String() + "/outspend/" + strconv.FormatUint(uint64(op.Index), 10)
	if err := e.get(ctx, path, &outspend); err != nil {
		return nil, err
	}
	if !outspend.Spent {
		return nil, nil
	}

	hash, err := chainhash.NewHashFromStr(outspend.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad spending txid %s", ErrInvalidTx, outspend.TxID)
	}
	return e.GetTx(ctx, *hash)
}

// Broadcast broadcasts a signed transaction.
func (e *EsploraBackend) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tx", strings.NewReader(hex.EncodeToString(buf.Bytes())))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}
	return nil
}

func (e *EsploraBackend) tipHeight(ctx context.Context) (uint32, error) {
	text, err := e.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad tip height %q: %w", text, err)
	}
	return uint32(height), nil
}

// do performs a GET request and maps HTTP failures to backend errors.
func (e *EsploraBackend) do(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	// Avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrTxNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrNotConnected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (e *EsploraBackend) get(ctx context.Context, path string, result interface{}) error {
	body, err := e.do(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

func (e *EsploraBackend) getText(ctx context.Context, path string) (string, error) {
	body, err := e.do(ctx, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Ensure EsploraBackend implements Backend
var _ Backend = (*EsploraBackend)(nil)
