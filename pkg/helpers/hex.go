// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
	"encoding/json"
	"strings"
)

// HexBytes is a byte slice that marshals to and from a hex JSON string.
// Persisted swap events store keys, hashes and transactions this way.
type HexBytes []byte

// MarshalJSON implements json.Marshaler.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := HexToBytes(s)
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// String returns the hex encoding.
func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}
