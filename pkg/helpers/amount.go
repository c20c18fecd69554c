// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a decimal amount to the smallest unit of a coin with
// the given number of decimals. Digits below the coin precision are truncated.
// For example, ToBaseUnits(1.5, 8) returns 150000000.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount: %s", amount)
	}
	units := amount.Shift(int32(decimals)).Truncate(0)
	if !units.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", amount)
	}
	return units.BigInt().Uint64(), nil
}

// FromBaseUnits converts an amount in smallest units to a decimal.
// For example, FromBaseUnits(100000000, 8) returns 1.
func FromBaseUnits(units uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals))
}

// ParseAmount parses a positive decimal amount string.
func ParseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive: %s", s)
	}
	return d, nil
}

// WithinPrecision reports whether a and b differ by less than one smallest
// unit of a coin with the given number of decimals.
func WithinPrecision(a, b decimal.Decimal, decimals uint8) bool {
	unit := decimal.New(1, -int32(decimals))
	return a.Sub(b).Abs().LessThan(unit)
}
