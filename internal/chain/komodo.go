package chain

import "github.com/btcsuite/btcd/chaincfg"

// Komodo and its test chains. KMD is the exchange's native fee coin; DOC and
// MARTY are the public test coins used for swap testing.
func init() {
	Register("KMD", Mainnet, &Params{
		Symbol:          "KMD",
		Name:            "Komodo",
		Type:            ChainTypeBitcoin,
		Decimals:        8,
		CoinType:        141,
		Net:             komodoMainNetParams(),
		SecretHashAlgos: []SecretHashAlgo{DHASH160},
		MinTxAmount:     mustDecimal("0.00001"),
		TxFee:           1000,
	})

	for _, network := range []Network{Testnet, Simnet} {
		for _, symbol := range []string{"DOC", "MARTY"} {
			Register(symbol, network, &Params{
				Symbol:          symbol,
				Name:            symbol + " test chain",
				Type:            ChainTypeBitcoin,
				Decimals:        8,
				CoinType:        1,
				Net:             &chaincfg.RegressionNetParams,
				SecretHashAlgos: []SecretHashAlgo{DHASH160, SHA256},
				MinTxAmount:     mustDecimal("0.00001"),
				TxFee:           1000,
			})
		}
	}

	// Simnet coin whose taker payment is claimable by the maker alone.
	Register("SOLO", Simnet, &Params{
		Symbol:                        "SOLO",
		Name:                          "Single-sig claim test chain",
		Type:                          ChainTypeBitcoin,
		Decimals:                      8,
		CoinType:                      1,
		Net:                           &chaincfg.RegressionNetParams,
		SecretHashAlgos:               []SecretHashAlgo{DHASH160, SHA256},
		SkipTakerPaymentSpendPreimage: true,
		MinTxAmount:                   mustDecimal("0.00001"),
		TxFee:                         1000,
	})
}

// komodoMainNetParams returns bitcoin mainnet params with komodo prefixes.
func komodoMainNetParams() *chaincfg.Params {
	params := chaincfg.MainNetParams
	params.Name = "komodo"
	params.PubKeyHashAddrID = 60
	params.ScriptHashAddrID = 85
	params.PrivateKeyID = 188
	return &params
}
