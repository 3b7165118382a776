// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidHex is returned when a boundary hex string cannot be decoded.
var ErrInvalidHex = errors.New("invalid hex string")

// HexToBytes decodes a hex string as exchanged at the service boundary.
// It accepts an optional 0x/0X prefix, either letter case, and ignores
// whitespace anywhere in the input.
func HexToBytes(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length", ErrInvalidHex)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return b, nil
}

// HexToFixedBytes decodes a boundary hex string and requires exactly n bytes.
func HexToFixedBytes(s string, n int) ([]byte, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHex, n, len(b))
	}
	return b, nil
}

// BytesToHex converts bytes to a hex string with 0x prefix.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
