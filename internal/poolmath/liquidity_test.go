package poolmath

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestAmountsForLiquidityAtKnownPrice(t *testing.T) {
	// price 4 => sqrtP = 2 * Q96: amount0 = L/2, amount1 = 2L.
	liquidity := uint256.NewInt(1_000_000_000_000)
	sqrtPrice := new(uint256.Int).Lsh(Q96, 1)

	amount0, amount1, err := AmountsForLiquidity(sqrtPrice, liquidity)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(500_000_000_000), amount0)
	require.Equal(t, uint256.NewInt(2_000_000_000_000), amount1)
}

func TestAmountsForLiquidityZeroPrice(t *testing.T) {
	_, _, err := AmountsForLiquidity(new(uint256.Int), uint256.NewInt(1))
	require.Error(t, err)
}

func TestLiquidityRoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		liquidity *uint256.Int
		sqrtPrice *uint256.Int
	}{
		{"price one", uint256.NewInt(123_456_789), new(uint256.Int).Set(Q96)},
		{"price four", uint256.NewInt(987_654_321_000), new(uint256.Int).Lsh(Q96, 1)},
		{"skewed price", uint256.NewInt(55_555_555_555), new(uint256.Int).Add(Q96, new(uint256.Int).Rsh(Q96, 1))},
		{"tiny", uint256.NewInt(17), new(uint256.Int).Set(Q96)},
	}

	one := uint256.NewInt(1)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount0, amount1, err := AmountsForLiquidity(tc.sqrtPrice, tc.liquidity)
			require.NoError(t, err)

			got, err := LiquidityForAmounts(tc.sqrtPrice, amount0, amount1)
			require.NoError(t, err)

			diff := new(uint256.Int)
			if got.Lt(tc.liquidity) {
				diff.Sub(tc.liquidity, got)
			} else {
				diff.Sub(got, tc.liquidity)
			}
			require.True(t, !one.Lt(diff), "round trip drifted by %s", diff)
		})
	}
}

func TestLiquidityFromReservesBalanced(t *testing.T) {
	// Balanced reserves at price one value back to the full liquidity.
	liquidity := uint256.NewInt(1_000_000)
	sqrtPrice := new(uint256.Int).Set(Q96)

	amount0, amount1, err := AmountsForLiquidity(sqrtPrice, liquidity)
	require.NoError(t, err)

	got, err := LiquidityFromReserves(sqrtPrice, amount0, amount1)
	require.NoError(t, err)
	require.Equal(t, liquidity, got)
}

func TestMulDivByZero(t *testing.T) {
	_, err := MulDiv(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int))
	require.Error(t, err)
}

func TestMulDivRoundingUp(t *testing.T) {
	got, err := MulDivRoundingUp(uint256.NewInt(10), uint256.NewInt(10), uint256.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(34), got)

	exact, err := MulDivRoundingUp(uint256.NewInt(10), uint256.NewInt(9), uint256.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(30), exact)
}
