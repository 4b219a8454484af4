package poolmath

import (
	"fmt"

	"github.com/holiman/uint256"
)

// SqrtPriceX96NextOpen solves the quadratic governing the pool price after
// locking liquidityDelta as leveraged collateral:
//
//	prod  = delta * (L - delta) * unit / (unit + maintenance)
//	root  = isqrt(L^2 - 4 * prod)
//	next  = 2 * (L - delta) * sqrtP / (L + root)   zeroForOne (price down)
//	next  = (L + root) * sqrtP / (2 * (L - delta)) otherwise  (price up)
//
// With zero maintenance the open has no price impact; the maintenance factor
// widens the move in the direction given by zeroForOne.
func SqrtPriceX96NextOpen(liquidity, sqrtPriceX96, liquidityDelta *uint256.Int, zeroForOne bool, maintenance *uint256.Int) (*uint256.Int, error) {
	if !liquidityDelta.Lt(liquidity) {
		return nil, fmt.Errorf("sqrtPriceX96NextOpen: liquidity delta %s >= liquidity %s", liquidityDelta, liquidity)
	}
	if sqrtPriceX96.IsZero() {
		return nil, fmt.Errorf("sqrtPriceX96NextOpen: zero sqrt price")
	}

	remaining := new(uint256.Int).Sub(liquidity, liquidityDelta)

	// delta * unit fits well within 256 bits for uint128 liquidity values.
	scaled := new(uint256.Int).Mul(liquidityDelta, MaintenanceUnit)
	denom := new(uint256.Int).Add(MaintenanceUnit, maintenance)
	prod, err := MulDiv(scaled, remaining, denom)
	if err != nil {
		return nil, fmt.Errorf("sqrtPriceX96NextOpen: %w", err)
	}

	under := new(uint256.Int).Mul(liquidity, liquidity)
	fourProd := new(uint256.Int).Lsh(prod, 2)
	if under.Lt(fourProd) {
		return nil, fmt.Errorf("sqrtPriceX96NextOpen: discriminant underflow")
	}
	under.Sub(under, fourProd)
	root := new(uint256.Int).Sqrt(under)

	sum := new(uint256.Int).Add(liquidity, root)
	twice := new(uint256.Int).Lsh(remaining, 1)

	var next *uint256.Int
	if zeroForOne {
		next, err = MulDiv(twice, sqrtPriceX96, sum)
	} else {
		next, err = MulDiv(sum, sqrtPriceX96, twice)
	}
	if err != nil {
		return nil, fmt.Errorf("sqrtPriceX96NextOpen: %w", err)
	}
	if next.IsZero() {
		return nil, fmt.Errorf("sqrtPriceX96NextOpen: zero next sqrt price")
	}
	if next.BitLen() > 160 {
		return nil, fmt.Errorf("sqrtPriceX96NextOpen: next sqrt price exceeds uint160")
	}
	return next, nil
}

// InsurancesOnOpen decomposes an open into the insurance reserves set aside
// for the pool, given the pre and post open prices.
func InsurancesOnOpen(liquidity, sqrtPriceX96, sqrtPriceX96Next, liquidityDelta *uint256.Int, zeroForOne bool) (*uint256.Int, *uint256.Int, error) {
	if !liquidityDelta.Lt(liquidity) {
		return nil, nil, fmt.Errorf("insurancesOnOpen: liquidity delta %s >= liquidity %s", liquidityDelta, liquidity)
	}
	remaining := new(uint256.Int).Sub(liquidity, liquidityDelta)

	var prod *uint256.Int
	var err error
	if zeroForOne {
		prod, err = MulDiv(remaining, sqrtPriceX96Next, sqrtPriceX96)
	} else {
		prod, err = MulDiv(remaining, sqrtPriceX96, sqrtPriceX96Next)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("insurancesOnOpen: %w", err)
	}
	if liquidity.Lt(prod) {
		return nil, nil, fmt.Errorf("insurancesOnOpen: negative insurance liquidity")
	}
	base := new(uint256.Int).Sub(liquidity, prod)

	insurance0, err := MulDiv(base, Q96, sqrtPriceX96)
	if err != nil {
		return nil, nil, fmt.Errorf("insurance0: %w", err)
	}
	insurance1, err := MulDiv(base, sqrtPriceX96, Q96)
	if err != nil {
		return nil, nil, fmt.Errorf("insurance1: %w", err)
	}
	return insurance0, insurance1, nil
}

// DebtsOnOpen computes the debt owed by the position: the locked reserves at
// the post-open price net of the insurance set aside. Only the side opposite
// the position's settlement token carries debt.
func DebtsOnOpen(sqrtPriceX96Next, liquidityDelta, insurance0, insurance1 *uint256.Int, zeroForOne bool) (*uint256.Int, *uint256.Int, error) {
	if zeroForOne {
		locked, err := MulDiv(liquidityDelta, Q96, sqrtPriceX96Next)
		if err != nil {
			return nil, nil, fmt.Errorf("debtsOnOpen: %w", err)
		}
		if locked.Lt(insurance0) {
			return nil, nil, fmt.Errorf("debtsOnOpen: insurance0 exceeds locked reserves")
		}
		return new(uint256.Int).Sub(locked, insurance0), new(uint256.Int), nil
	}
	locked, err := MulDiv(liquidityDelta, sqrtPriceX96Next, Q96)
	if err != nil {
		return nil, nil, fmt.Errorf("debtsOnOpen: %w", err)
	}
	if locked.Lt(insurance1) {
		return nil, nil, fmt.Errorf("debtsOnOpen: insurance1 exceeds locked reserves")
	}
	return new(uint256.Int), new(uint256.Int).Sub(locked, insurance1), nil
}

// LiquidityDeltaForSize inverts SizeFromLiquidityDelta: it returns the
// liquidity delta whose open realizes the given notional size at the current
// pool state. Derived by substituting the post-open price implied by the
// size into the open quadratic and solving for the delta.
func LiquidityDeltaForSize(liquidity, sqrtPriceX96, size *uint256.Int, zeroForOne bool, maintenance *uint256.Int) (*uint256.Int, error) {
	if liquidity.IsZero() || sqrtPriceX96.IsZero() {
		return nil, fmt.Errorf("liquidityDeltaForSize: zero liquidity or sqrt price")
	}
	if size.IsZero() {
		return new(uint256.Int), nil
	}
	unit := new(uint256.Int).Add(MaintenanceUnit, maintenance)
	q96Sq := new(uint256.Int).Mul(Q96, Q96)

	// Post-open sqrt price implied by the requested size.
	var next *uint256.Int
	if zeroForOne {
		shift, err := MulDiv(size, Q96, liquidity)
		if err != nil {
			return nil, fmt.Errorf("liquidityDeltaForSize: %w", err)
		}
		if !shift.Lt(sqrtPriceX96) {
			return nil, fmt.Errorf("liquidityDeltaForSize: size %s exceeds pool reserves", size)
		}
		next = new(uint256.Int).Sub(sqrtPriceX96, shift)
	} else {
		lq, overflow := new(uint256.Int).MulOverflow(liquidity, Q96)
		if overflow {
			return nil, fmt.Errorf("liquidityDeltaForSize: liquidity overflow")
		}
		spent, overflow := new(uint256.Int).MulOverflow(size, sqrtPriceX96)
		if overflow || !spent.Lt(lq) {
			return nil, fmt.Errorf("liquidityDeltaForSize: size %s exceeds pool reserves", size)
		}
		denom := new(uint256.Int).Sub(lq, spent)
		var err error
		next, err = MulDiv(lq, sqrtPriceX96, denom)
		if err != nil {
			return nil, fmt.Errorf("liquidityDeltaForSize: %w", err)
		}
	}

	// n = next / sqrtP in Q96. The remaining share a = L - delta solves
	//   a = L * n * (n - u) / (n^2 - u)   price down
	//   a = L * (u*n - 1) / (u*n^2 - 1)   price up
	// with u = 1 + maintenance; both fractions are computed term-positive.
	n, err := MulDiv(next, Q96, sqrtPriceX96)
	if err != nil {
		return nil, fmt.Errorf("liquidityDeltaForSize: %w", err)
	}
	nSq, overflow := new(uint256.Int).MulOverflow(n, n)
	if overflow {
		return nil, fmt.Errorf("liquidityDeltaForSize: price ratio overflow")
	}

	var remaining *uint256.Int
	if zeroForOne {
		t1 := new(uint256.Int).Mul(unit, Q96)
		t1.Sub(t1, new(uint256.Int).Mul(MaintenanceUnit, n))
		t2 := new(uint256.Int).Mul(unit, q96Sq)
		t2.Sub(t2, new(uint256.Int).Mul(MaintenanceUnit, nSq))

		scaled, overflow := new(uint256.Int).MulOverflow(liquidity, n)
		if overflow {
			return nil, fmt.Errorf("liquidityDeltaForSize: liquidity overflow")
		}
		remaining, err = MulDiv(scaled, t1, t2)
	} else {
		t1 := new(uint256.Int).Mul(unit, n)
		t1.Sub(t1, new(uint256.Int).Mul(MaintenanceUnit, Q96))
		t2, overflow := new(uint256.Int).MulOverflow(unit, nSq)
		if overflow {
			return nil, fmt.Errorf("liquidityDeltaForSize: price ratio overflow")
		}
		t2.Sub(t2, new(uint256.Int).Mul(MaintenanceUnit, q96Sq))

		scaled, overflow := new(uint256.Int).MulOverflow(liquidity, t1)
		if overflow {
			return nil, fmt.Errorf("liquidityDeltaForSize: liquidity overflow")
		}
		remaining, err = MulDiv(scaled, Q96, t2)
	}
	if err != nil {
		return nil, fmt.Errorf("liquidityDeltaForSize: %w", err)
	}

	if remaining.IsZero() || liquidity.Lt(remaining) {
		return nil, fmt.Errorf("liquidityDeltaForSize: size %s exhausts pool liquidity", size)
	}
	return new(uint256.Int).Sub(liquidity, remaining), nil
}

// SizeFromLiquidityDelta composes the open math into the notional position
// size reachable for a target liquidity delta. zeroForOne positions are
// sized in token1, the opposite side in token0.
func SizeFromLiquidityDelta(liquidity, sqrtPriceX96, liquidityDelta *uint256.Int, zeroForOne bool, maintenance *uint256.Int) (*uint256.Int, error) {
	next, err := SqrtPriceX96NextOpen(liquidity, sqrtPriceX96, liquidityDelta, zeroForOne, maintenance)
	if err != nil {
		return nil, err
	}
	if zeroForOne {
		if sqrtPriceX96.Lt(next) {
			return nil, fmt.Errorf("sizeFromLiquidityDelta: price moved against open direction")
		}
		diff := new(uint256.Int).Sub(sqrtPriceX96, next)
		size, err := MulDiv(liquidity, diff, Q96)
		if err != nil {
			return nil, fmt.Errorf("sizeFromLiquidityDelta: %w", err)
		}
		return size, nil
	}
	before, err := MulDiv(liquidity, Q96, sqrtPriceX96)
	if err != nil {
		return nil, fmt.Errorf("sizeFromLiquidityDelta: %w", err)
	}
	after, err := MulDiv(liquidity, Q96, next)
	if err != nil {
		return nil, fmt.Errorf("sizeFromLiquidityDelta: %w", err)
	}
	if before.Lt(after) {
		return nil, fmt.Errorf("sizeFromLiquidityDelta: price moved against open direction")
	}
	return before.Sub(before, after), nil
}
