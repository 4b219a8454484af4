package poolmath

import (
	"fmt"

	"github.com/holiman/uint256"
)

// AmountsForLiquidity converts pool liquidity at a square-root price into
// token reserves: amount0 = (L << 96) / sqrtP, amount1 = (L * sqrtP) >> 96.
// Floor division throughout, matching the contract's truncation.
func AmountsForLiquidity(sqrtPriceX96, liquidity *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if sqrtPriceX96.IsZero() {
		return nil, nil, fmt.Errorf("amountsForLiquidity: zero sqrt price")
	}
	amount0, err := MulDiv(liquidity, Q96, sqrtPriceX96)
	if err != nil {
		return nil, nil, fmt.Errorf("amount0: %w", err)
	}
	amount1, err := MulDiv(liquidity, sqrtPriceX96, Q96)
	if err != nil {
		return nil, nil, fmt.Errorf("amount1: %w", err)
	}
	return amount0, amount1, nil
}

// LiquidityForAmounts is the inverse of AmountsForLiquidity: the largest
// liquidity fully backed by both reserves at the given price.
func LiquidityForAmounts(sqrtPriceX96, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	if sqrtPriceX96.IsZero() {
		return nil, fmt.Errorf("liquidityForAmounts: zero sqrt price")
	}
	liquidity0, err := MulDiv(amount0, sqrtPriceX96, Q96)
	if err != nil {
		return nil, fmt.Errorf("liquidity0: %w", err)
	}
	liquidity1, err := MulDiv(amount1, Q96, sqrtPriceX96)
	if err != nil {
		return nil, fmt.Errorf("liquidity1: %w", err)
	}
	if liquidity0.Lt(liquidity1) {
		return liquidity0, nil
	}
	return liquidity1, nil
}

// LiquidityFromReserves values an unbalanced reserve contribution in
// liquidity units at the given price, splitting the value across both sides:
// (amount0 * sqrtP / Q96 + amount1 * Q96 / sqrtP) / 2.
func LiquidityFromReserves(sqrtPriceX96, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	if sqrtPriceX96.IsZero() {
		return nil, fmt.Errorf("liquidityFromReserves: zero sqrt price")
	}
	liquidity0, err := MulDiv(amount0, sqrtPriceX96, Q96)
	if err != nil {
		return nil, fmt.Errorf("liquidity0: %w", err)
	}
	liquidity1, err := MulDiv(amount1, Q96, sqrtPriceX96)
	if err != nil {
		return nil, fmt.Errorf("liquidity1: %w", err)
	}
	sum := new(uint256.Int).Add(liquidity0, liquidity1)
	return sum.Rsh(sum, 1), nil
}
