package chain

func init() {
	evmAlgos := []SecretHashAlgo{SHA256}

	Register("ETH", Mainnet, &Params{
		Symbol:               "ETH",
		Name:                 "Ethereum",
		Type:                 ChainTypeEVM,
		Decimals:             18,
		CoinType:             60,
		ChainID:              1,
		SecretHashAlgos:      evmAlgos,
		RequiresSwapContract: true,
		// The EVM swap contract lets the maker claim alone.
		SkipTakerPaymentSpendPreimage: true,
		MinTxAmount:                   mustDecimal("0.000001"),
	})
	Register("ETH", Testnet, &Params{
		Symbol:                        "ETH",
		Name:                          "Ethereum Sepolia",
		Type:                          ChainTypeEVM,
		Decimals:                      18,
		CoinType:                      60,
		ChainID:                       11155111,
		SecretHashAlgos:               evmAlgos,
		RequiresSwapContract:          true,
		SkipTakerPaymentSpendPreimage: true,
		MinTxAmount:                   mustDecimal("0.000001"),
	})
	Register("BNB", Mainnet, &Params{
		Symbol:                        "BNB",
		Name:                          "BNB Smart Chain",
		Type:                          ChainTypeEVM,
		Decimals:                      18,
		CoinType:                      60,
		ChainID:                       56,
		SecretHashAlgos:               evmAlgos,
		RequiresSwapContract:          true,
		SkipTakerPaymentSpendPreimage: true,
		MinTxAmount:                   mustDecimal("0.000001"),
	})
	Register("BNB", Testnet, &Params{
		Symbol:                        "BNB",
		Name:                          "BNB Smart Chain Testnet",
		Type:                          ChainTypeEVM,
		Decimals:                      18,
		CoinType:                      60,
		ChainID:                       97,
		SecretHashAlgos:               evmAlgos,
		RequiresSwapContract:          true,
		SkipTakerPaymentSpendPreimage: true,
		MinTxAmount:                   mustDecimal("0.000001"),
	})
}
