package sandbox

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"marginalsim/internal/model"
	"marginalsim/internal/poolmath"
)

func testEnv(t *testing.T) *Env {
	t.Helper()
	env, err := Deploy(Config{
		Token0Symbol:   "WETH",
		Token0Decimals: 18,
		Token1Symbol:   "USDC",
		Token1Decimals: 6,
		Maintenance:    250_000,
		Fee:            1_000,
		FundingPeriod:  604_800,
		TwapWindow:     3_600,
		BlockNumber:    1,
		Timestamp:      1_700_000_000,
	}, nil)
	require.NoError(t, err)
	return env
}

func testLiquidity() *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(1), 70)
}

// quoteForDelta quotes the open realizing a target liquidity delta at the
// pool's current state.
func quoteForDelta(t *testing.T, env *Env, zeroForOne bool, delta *uint256.Int) OpenQuote {
	t.Helper()
	size, err := poolmath.SizeFromLiquidityDelta(
		env.Pool.Liquidity(), env.Pool.SqrtPriceX96(), delta, zeroForOne, env.Pool.Maintenance())
	require.NoError(t, err)
	quote, err := env.Quoter.QuoteOpen(zeroForOne, size)
	require.NoError(t, err)
	return quote
}

func refState(tick int, sqrtPriceX96 *uint256.Int) model.ReferenceState {
	return model.ReferenceState{
		SqrtPriceX96:         sqrtPriceX96.ToBig(),
		Tick:                 tick,
		Liquidity:            big.NewInt(1_000_000_000),
		FeeGrowthGlobal0X128: big.NewInt(0),
		FeeGrowthGlobal1X128: big.NewInt(0),
	}
}

func TestMintPullsBothTokens(t *testing.T) {
	env := testEnv(t)
	require.NoError(t, env.Pool.Initialize(poolmath.Q96))

	liquidity := testLiquidity()
	want0, want1, err := poolmath.AmountsForLiquidity(poolmath.Q96, liquidity)
	require.NoError(t, err)

	require.NoError(t, env.Pool.Mint(AccountStrategy, liquidity))
	require.Equal(t, want0, env.Token0.BalanceOf(AccountPool))
	require.Equal(t, want1, env.Token1.BalanceOf(AccountPool))
	require.Equal(t, liquidity, env.Pool.Liquidity())
}

func TestSwapMovesPriceAndCompoundsFee(t *testing.T) {
	env := testEnv(t)
	require.NoError(t, env.Initialize(poolmath.Q96, testLiquidity()))
	before := env.Pool.Liquidity()

	amountIn := new(uint256.Int).Lsh(uint256.NewInt(1), 60)
	out, err := env.Pool.Swap(AccountArbitrageur, true, amountIn)
	require.NoError(t, err)
	require.False(t, out.IsZero())
	require.True(t, env.Pool.SqrtPriceX96().Lt(poolmath.Q96), "zero-for-one must move price down")
	require.True(t, before.Lt(env.Pool.Liquidity()), "swap fee must compound into liquidity")

	priceBefore := env.Pool.SqrtPriceX96()
	_, err = env.Pool.Swap(AccountArbitrageur, false, out)
	require.NoError(t, err)
	require.True(t, priceBefore.Lt(env.Pool.SqrtPriceX96()), "one-for-zero must move price up")
}

func TestSwapRejectsZeroInput(t *testing.T) {
	env := testEnv(t)
	require.NoError(t, env.Initialize(poolmath.Q96, testLiquidity()))

	_, err := env.Pool.Swap(AccountArbitrageur, true, new(uint256.Int))
	var callErr *model.EnvCallError
	require.ErrorAs(t, err, &callErr)
}

func TestOpenLocksLiquidity(t *testing.T) {
	env := testEnv(t)
	require.NoError(t, env.Initialize(poolmath.Q96, testLiquidity()))
	liquidityBefore := env.Pool.Liquidity()

	delta := new(uint256.Int).Div(liquidityBefore, uint256.NewInt(10))
	quote := quoteForDelta(t, env, true, delta)
	margin := new(uint256.Int).Lsh(quote.SafeMarginMinimum, 1)

	position, err := env.Pool.Open(AccountStrategy, true, quote.LiquidityDelta, margin)
	require.NoError(t, err)

	require.Equal(t, quote.Size, position.Size)
	require.Equal(t, quote.Debt, position.Debt)
	require.Equal(t, quote.LiquidityDelta, position.LiquidityLocked)
	require.Equal(t, quote.LiquidityDelta, env.Pool.LiquidityLocked())
	require.False(t, position.Insurance0.IsZero())
	require.False(t, position.Insurance1.IsZero())
	require.True(t, env.Pool.Liquidity().Lt(liquidityBefore), "open must remove locked liquidity")

	safe, err := env.Pool.Safe(position)
	require.NoError(t, err)
	require.True(t, safe)
}

func TestSettleReturnsLiquidityAndPaysOwner(t *testing.T) {
	env := testEnv(t)
	require.NoError(t, env.Initialize(poolmath.Q96, testLiquidity()))

	delta := new(uint256.Int).Div(env.Pool.Liquidity(), uint256.NewInt(10))
	quote := quoteForDelta(t, env, true, delta)
	margin := new(uint256.Int).Lsh(quote.SafeMarginMinimum, 1)

	position, err := env.Pool.Open(AccountStrategy, true, quote.LiquidityDelta, margin)
	require.NoError(t, err)

	liquidityBefore := env.Pool.Liquidity()
	balance0Before := env.Token0.BalanceOf(AccountStrategy)
	balance1Before := env.Token1.BalanceOf(AccountStrategy)

	require.NoError(t, env.Pool.Settle(AccountStrategy, position.ID))

	// Owner repays the debt in token0 and receives size plus margin in token1.
	paid0 := new(uint256.Int).Sub(balance0Before, env.Token0.BalanceOf(AccountStrategy))
	require.Equal(t, position.Debt, paid0)
	received1 := new(uint256.Int).Sub(env.Token1.BalanceOf(AccountStrategy), balance1Before)
	require.Equal(t, new(uint256.Int).Add(position.Size, position.Margin), received1)

	require.True(t, env.Pool.LiquidityLocked().IsZero())
	require.True(t, liquidityBefore.Lt(env.Pool.Liquidity()), "settle must return liquidity to the pool")

	_, err = env.Pool.GetPosition(position.ID)
	require.Error(t, err)
}

func TestLiquidateRejectsSafePosition(t *testing.T) {
	env := testEnv(t)
	require.NoError(t, env.Initialize(poolmath.Q96, testLiquidity()))

	delta := new(uint256.Int).Div(env.Pool.Liquidity(), uint256.NewInt(10))
	quote := quoteForDelta(t, env, true, delta)
	margin := new(uint256.Int).Lsh(quote.SafeMarginMinimum, 1)

	position, err := env.Pool.Open(AccountStrategy, true, quote.LiquidityDelta, margin)
	require.NoError(t, err)

	err = env.Pool.Liquidate(position.ID)
	var callErr *model.EnvCallError
	require.ErrorAs(t, err, &callErr)
}

func TestLiquidateSeizesUnsafePosition(t *testing.T) {
	env := testEnv(t)
	require.NoError(t, env.Oracle.SyncState(refState(0, poolmath.Q96)))
	require.NoError(t, env.Initialize(poolmath.Q96, testLiquidity()))

	delta := new(uint256.Int).Div(env.Pool.Liquidity(), uint256.NewInt(10))
	quote := quoteForDelta(t, env, true, delta)
	bump := new(uint256.Int).Div(quote.SafeMarginMinimum, uint256.NewInt(100))
	margin := new(uint256.Int).Add(quote.SafeMarginMinimum, bump)

	position, err := env.Pool.Open(AccountStrategy, true, quote.LiquidityDelta, margin)
	require.NoError(t, err)

	// The zero-for-one side owes token0, so a higher TWAP price inflates the
	// debt value past the margin.
	higher, err := poolmath.SqrtRatioAtTick(2_000)
	require.NoError(t, err)
	require.NoError(t, env.Oracle.SyncState(refState(2_000, higher)))
	require.NoError(t, env.AdvanceTo(301, 1_700_003_600))

	safe, err := env.Pool.Safe(position)
	require.NoError(t, err)
	require.False(t, safe)

	liquidityBefore := env.Pool.Liquidity()
	balance1Before := env.Token1.BalanceOf(AccountStrategy)
	require.NoError(t, env.Pool.Liquidate(position.ID))

	require.Equal(t, balance1Before, env.Token1.BalanceOf(AccountStrategy), "owner forfeits size and margin")
	require.True(t, env.Pool.LiquidityLocked().IsZero())
	require.True(t, liquidityBefore.Lt(env.Pool.Liquidity()))
}

func TestDebtWithFundingTracksTickSpread(t *testing.T) {
	higher, err := poolmath.SqrtRatioAtTick(1_000)
	require.NoError(t, err)

	env := testEnv(t)
	require.NoError(t, env.Oracle.SyncState(refState(0, poolmath.Q96)))
	require.NoError(t, env.Initialize(higher, testLiquidity()))

	delta := new(uint256.Int).Div(env.Pool.Liquidity(), uint256.NewInt(10))
	quote := quoteForDelta(t, env, true, delta)
	margin := new(uint256.Int).Lsh(quote.SafeMarginMinimum, 2)

	position, err := env.Pool.Open(AccountStrategy, true, quote.LiquidityDelta, margin)
	require.NoError(t, err)

	funded, err := env.Pool.DebtWithFunding(position)
	require.NoError(t, err)
	require.Equal(t, position.Debt, funded, "zero elapsed time means zero funding")

	// Pool trades above the oracle for a full funding period, so the
	// zero-for-one debt grows.
	require.NoError(t, env.AdvanceTo(50_401, 1_700_000_000+604_800))
	funded, err = env.Pool.DebtWithFunding(position)
	require.NoError(t, err)
	require.True(t, position.Debt.Lt(funded), "positive premium must grow the debt")
}
