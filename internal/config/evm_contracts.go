package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrSwapContractUnknown is returned when a chain has no registered swap
// contracts or a peer names a contract we do not know.
var ErrSwapContractUnknown = errors.New("unknown swap contract")

// SwapContracts holds the v2 swap contract addresses of an EVM chain.
type SwapContracts struct {
	// MakerSwapV2 holds maker payments.
	MakerSwapV2 common.Address

	// TakerSwapV2 holds taker funding and taker payments.
	TakerSwapV2 common.Address
}

var (
	swapContractRegistry = map[uint64]*SwapContracts{
		// Ethereum Sepolia
		11155111: {
			MakerSwapV2: common.HexToAddress("0x9130b257D37A52E52F21054c4DA3450c72f595CE"),
			TakerSwapV2: common.HexToAddress("0x3B19873b81a6B426c8B2323955215F7e89CfF33F"),
		},
		// BSC Testnet
		97: {
			MakerSwapV2: common.HexToAddress("0xC8515f07b08b586a2Fd6A389585D9a182D03adFB"),
			TakerSwapV2: common.HexToAddress("0x628c677e7b8889e64564d3f381565a9e6656aade"),
		},
		// Mainnets are registered at runtime once contracts are audited.
	}
	swapContractMu sync.RWMutex
)

// GetSwapContracts returns the swap contracts for a chain, or nil.
func GetSwapContracts(chainID uint64) *SwapContracts {
	swapContractMu.RLock()
	defer swapContractMu.RUnlock()
	return swapContractRegistry[chainID]
}

// RegisterSwapContracts registers or replaces the swap contracts of a chain.
func RegisterSwapContracts(chainID uint64, contracts *SwapContracts) {
	swapContractMu.Lock()
	defer swapContractMu.Unlock()
	swapContractRegistry[chainID] = contracts
}

// IsSwapDeployed reports whether both v2 contracts are deployed on a chain.
func IsSwapDeployed(chainID uint64) bool {
	c := GetSwapContracts(chainID)
	return c != nil && c.MakerSwapV2 != (common.Address{}) && c.TakerSwapV2 != (common.Address{})
}

// ValidateSwapContract checks that a counterparty-declared contract address
// is well formed and is the contract we expect for the chain. An empty
// expected address disables the check.
func ValidateSwapContract(declared string, expected common.Address) error {
	if !common.IsHexAddress(declared) {
		return fmt.Errorf("%w: malformed address %q", ErrSwapContractUnknown, declared)
	}
	if expected == (common.Address{}) {
		return nil
	}
	if got := common.HexToAddress(declared); got != expected {
		return fmt.Errorf("%w: got %s, want %s", ErrSwapContractUnknown, got.Hex(), expected.Hex())
	}
	return nil
}
