package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	utxoAlgos := []SecretHashAlgo{DHASH160, SHA256}

	Register("BTC", Mainnet, &Params{
		Symbol:          "BTC",
		Name:            "Bitcoin",
		Type:            ChainTypeBitcoin,
		Decimals:        8,
		CoinType:        0,
		Net:             &chaincfg.MainNetParams,
		SecretHashAlgos: utxoAlgos,
		MinTxAmount:     mustDecimal("0.00001"),
		TxFee:           1000,
	})
	Register("BTC", Testnet, &Params{
		Symbol:          "BTC",
		Name:            "Bitcoin Testnet",
		Type:            ChainTypeBitcoin,
		Decimals:        8,
		CoinType:        1,
		Net:             &chaincfg.TestNet3Params,
		SecretHashAlgos: utxoAlgos,
		MinTxAmount:     mustDecimal("0.00001"),
		TxFee:           1000,
	})
	Register("BTC", Simnet, &Params{
		Symbol:          "BTC",
		Name:            "Bitcoin Regtest",
		Type:            ChainTypeBitcoin,
		Decimals:        8,
		CoinType:        1,
		Net:             &chaincfg.RegressionNetParams,
		SecretHashAlgos: utxoAlgos,
		MinTxAmount:     mustDecimal("0.00001"),
		TxFee:           1000,
	})

	Register("LTC", Mainnet, &Params{
		Symbol:          "LTC",
		Name:            "Litecoin",
		Type:            ChainTypeBitcoin,
		Decimals:        8,
		CoinType:        2,
		Net:             litecoinMainNetParams(),
		SecretHashAlgos: utxoAlgos,
		MinTxAmount:     mustDecimal("0.00001"),
		TxFee:           1000,
	})
}

// litecoinMainNetParams returns bitcoin mainnet params with litecoin prefixes.
func litecoinMainNetParams() *chaincfg.Params {
	params := chaincfg.MainNetParams
	params.Name = "litecoin"
	params.PubKeyHashAddrID = 0x30
	params.ScriptHashAddrID = 0x32
	params.Bech32HRPSegwit = "ltc"
	params.PrivateKeyID = 0xB0
	return &params
}
