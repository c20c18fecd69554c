// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"crypto/subtle"
)

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// CopyBytes returns a copy of b, or nil for an empty slice.
func CopyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
