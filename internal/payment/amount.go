package payment

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string ("10.50") to base units of a token
// with the given decimal exponent. Exact arithmetic throughout; a value with
// more fractional digits than the token supports is rejected rather than
// rounded.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAmountOutOfBounds, err)
	}
	if d.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrAmountOutOfBounds)
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrAmountOutOfBounds, decimals)
	}

	bi := shifted.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: amount too large", ErrAmountOutOfBounds)
	}
	return bi.Uint64(), nil
}

// FormatAmount renders base units as a decimal string for display.
func FormatAmount(base uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(base), -int32(decimals)).String()
}

// Cents converts base units to whole cents. Exact integer division; tokens
// with fewer than two decimals scale up instead.
func Cents(base uint64, decimals uint8) (int64, error) {
	if base > math.MaxInt64 {
		return 0, fmt.Errorf("%w: amount too large", ErrAmountOutOfBounds)
	}
	v := int64(base)
	if decimals >= 2 {
		return v / pow10(int(decimals)-2), nil
	}
	return v * pow10(2-int(decimals)), nil
}

func pow10(n int) int64 {
	out := int64(1)
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}
