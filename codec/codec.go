// Package codec parses the string-encoded numeric and address fields of an
// incoming compact into exact arbitrary-precision values. All parsing fails
// closed: malformed input is rejected with the offending field named, never
// truncated or coerced.
package codec

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	hexPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)
	decimalPattern = regexp.MustCompile(`^[0-9]+$`)
	chainIDPattern = regexp.MustCompile(`^[1-9][0-9]*$`)
)

// ToBigInt parses a decimal or 0x-prefixed hex string into a non-negative
// integer. A nil value passes through as nil, allowing optional fields.
func ToBigInt(value *string, fieldName string) (*big.Int, error) {
	if value == nil {
		return nil, nil
	}
	return parse(*value, fieldName)
}

// ToPositiveBigInt parses like ToBigInt but additionally rejects zero and
// does not accept a nil value.
func ToPositiveBigInt(value string, fieldName string) (*big.Int, error) {
	n, err := parse(value, fieldName)
	if err != nil {
		return nil, err
	}
	if n.Sign() == 0 {
		return nil, fmt.Errorf("%s must be a positive number", fieldName)
	}
	return n, nil
}

func parse(value, fieldName string) (*big.Int, error) {
	if strings.Contains(value, "-") {
		return nil, fmt.Errorf("%s must be a positive number", fieldName)
	}
	if strings.Contains(value, ".") {
		return nil, fmt.Errorf("%s must be an integer", fieldName)
	}

	switch {
	case hexPattern.MatchString(value):
		n, ok := new(big.Int).SetString(value[2:], 16)
		if !ok {
			return nil, fmt.Errorf("Invalid %s format", fieldName)
		}
		return n, nil
	case decimalPattern.MatchString(value):
		n, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return nil, fmt.Errorf("Invalid %s format", fieldName)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("Invalid %s format", fieldName)
	}
}

// ParseAddress canonicalizes a 20-byte hex address to its mixed-case
// checksummed form. Anything that is not exactly a 40-digit hex string with
// an 0x prefix is rejected.
func ParseAddress(value string, fieldName string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("Invalid %s address format", fieldName)
	}
	return common.HexToAddress(value), nil
}

// ParseChainID parses a chain identifier, which must be a canonical positive
// decimal string (no leading zeros, no hex).
func ParseChainID(value string) (uint64, error) {
	if !chainIDPattern.MatchString(value) {
		return 0, fmt.Errorf("Invalid chain ID format")
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("Invalid chain ID format")
	}
	return n.Uint64(), nil
}
