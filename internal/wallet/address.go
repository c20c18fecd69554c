package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/klingon-exchange/swapd/internal/chain"
)

// P2WPKHAddress returns the native segwit address of a public key.
func P2WPKHAddress(pubKey *btcec.PublicKey, params *chain.Params) (*btcutil.AddressWitnessPubKeyHash, error) {
	if params.Net == nil {
		return nil, fmt.Errorf("%s has no address encoding", params.Symbol)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params.Net)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr, nil
}

// ParseAddress decodes a bitcoin-family address and checks it belongs to
// the coin's network.
func ParseAddress(address string, params *chain.Params) (btcutil.Address, error) {
	if params.Net == nil {
		return nil, fmt.Errorf("%s has no address encoding", params.Symbol)
	}
	decoded, err := btcutil.DecodeAddress(address, params.Net)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	if !decoded.IsForNet(params.Net) {
		return nil, fmt.Errorf("address %s is not for %s", address, params.Net.Name)
	}
	return decoded, nil
}

// AddressScript returns the output script paying to an address.
func AddressScript(address string, params *chain.Params) ([]byte, error) {
	addr, err := ParseAddress(address, params)
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}
	return script, nil
}
