package domain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	bigNumPrefix = "0x"
	bigNumSuffix = "n"
	bytesPrefix  = "hex:"
)

// FormatBigNum encodes n as 0x<lowercase hex>n.
func FormatBigNum(n *big.Int) string {
	if n == nil {
		return ""
	}
	return bigNumPrefix + n.Text(16) + bigNumSuffix
}

// ParseBigNum decodes a 0x<hex>n string. Negative values are rejected.
func ParseBigNum(s string) (*big.Int, error) {
	if !strings.HasPrefix(s, bigNumPrefix) || !strings.HasSuffix(s, bigNumSuffix) {
		return nil, fmt.Errorf("invalid big number encoding %q", s)
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(s, bigNumPrefix), bigNumSuffix)
	if len(digits) == 0 || !isLowerHex(digits) {
		return nil, fmt.Errorf("invalid big number digits %q", s)
	}
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid big number digits %q", s)
	}
	return n, nil
}

// FormatHex encodes b as hex:<lowercase hex>.
func FormatHex(b []byte) string {
	return bytesPrefix + hex.EncodeToString(b)
}

// ParseHex decodes a hex:<hex> string.
func ParseHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, bytesPrefix) {
		return nil, fmt.Errorf("invalid byte string encoding %q", s)
	}
	digits := strings.TrimPrefix(s, bytesPrefix)
	if !isLowerHex(digits) {
		return nil, fmt.Errorf("invalid byte string digits %q", s)
	}
	return hex.DecodeString(digits)
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func formatHexList(list [][]byte) []string {
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, b := range list {
		out = append(out, FormatHex(b))
	}
	return out
}

func parseHexList(list []string) ([][]byte, error) {
	if list == nil {
		return nil, nil
	}
	out := make([][]byte, 0, len(list))
	for _, s := range list {
		b, err := ParseHex(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func formatOptionalHex(b []byte) string {
	if b == nil {
		return ""
	}
	return FormatHex(b)
}

func parseOptionalHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return ParseHex(s)
}
