// Package poolmath implements the fixed-point math of the leveraged pool:
// Q96 square-root prices, liquidity/reserve conversions, and the closed-form
// quantities governing leveraged position opens. All operations are integer
// with floor truncation so results match the on-chain contract exactly.
package poolmath

import (
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// Q96 is the 2^96 fixed-point scale of square-root prices.
	Q96 = uint256.MustFromHex("0x1000000000000000000000000")

	// Q128 is the 2^128 fixed-point scale of fee-growth accumulators.
	Q128 = uint256.MustFromHex("0x100000000000000000000000000000000")

	// MaintenanceUnit is the parts-per-million scale of maintenance margin
	// ratios and fee rates.
	MaintenanceUnit = uint256.NewInt(1_000_000)
)

// MulDiv returns floor(a * b / denominator) with a 512-bit intermediate.
func MulDiv(a, b, denominator *uint256.Int) (*uint256.Int, error) {
	if denominator.IsZero() {
		return nil, fmt.Errorf("mulDiv: division by zero")
	}
	result, overflow := new(uint256.Int).MulDivOverflow(a, b, denominator)
	if overflow {
		return nil, fmt.Errorf("mulDiv: result overflows uint256")
	}
	return result, nil
}

// MulDivRoundingUp returns ceil(a * b / denominator).
func MulDivRoundingUp(a, b, denominator *uint256.Int) (*uint256.Int, error) {
	result, err := MulDiv(a, b, denominator)
	if err != nil {
		return nil, err
	}
	rem := new(uint256.Int).MulMod(a, b, denominator)
	if !rem.IsZero() {
		result.AddUint64(result, 1)
	}
	return result, nil
}
