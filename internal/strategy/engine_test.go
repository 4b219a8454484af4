package strategy

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"marginalsim/internal/model"
	"marginalsim/internal/poolmath"
	"marginalsim/internal/sandbox"
)

const (
	testStartBlock     = uint64(100)
	testStartTimestamp = uint64(1_700_000_000)
)

func newTestEnv(t *testing.T) *sandbox.Env {
	t.Helper()
	env, err := sandbox.Deploy(sandbox.Config{
		Token0Symbol:   "WETH",
		Token0Decimals: 18,
		Token1Symbol:   "USDC",
		Token1Decimals: 6,
		Maintenance:    250_000,
		Fee:            1_000,
		FundingPeriod:  604_800,
		TwapWindow:     3_600,
		BlockNumber:    testStartBlock,
		Timestamp:      testStartTimestamp,
	}, nil)
	require.NoError(t, err)

	liquidity := new(uint256.Int).Lsh(uint256.NewInt(1), 70)
	require.NoError(t, env.Initialize(poolmath.Q96, liquidity))
	return env
}

func testRef(block uint64, sqrtPrice *uint256.Int, tick int, feeGrowth1 *big.Int) model.ReferenceState {
	return model.ReferenceState{
		BlockNumber:          block,
		Timestamp:            testStartTimestamp + (block-testStartBlock)*12,
		SqrtPriceX96:         sqrtPrice.ToBig(),
		Tick:                 tick,
		Liquidity:            new(big.Int).Lsh(big.NewInt(1), 70),
		FeeGrowthGlobal0X128: big.NewInt(0),
		FeeGrowthGlobal1X128: feeGrowth1,
		Fee:                  3_000,
	}
}

// step mirrors the driver loop: advance time, sync the oracle, update.
func step(t *testing.T, env *sandbox.Env, e *Engine, ref model.ReferenceState) Snapshot {
	t.Helper()
	require.NoError(t, env.AdvanceTo(ref.BlockNumber, ref.Timestamp))
	require.NoError(t, env.Oracle.SyncState(ref))
	snap, err := e.Update(ref)
	require.NoError(t, err)
	return snap
}

func relativeDiffPPM(a, b *big.Int) int64 {
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(1_000_000))
	if b.Sign() == 0 {
		return 0
	}
	return diff.Div(diff, b).Int64()
}

func TestUpdateOpensBothSlots(t *testing.T) {
	env := newTestEnv(t)
	e, err := NewEngine(validParams(), env, nil)
	require.NoError(t, err)

	snap := step(t, env, e, testRef(testStartBlock, poolmath.Q96, 0, big.NewInt(0)))

	require.NotEqual(t, int64(-1), snap.Slots[0].TokenID)
	require.NotEqual(t, int64(-1), snap.Slots[1].TokenID)
	require.NotEqual(t, snap.Slots[0].TokenID, snap.Slots[1].TokenID)
	require.Equal(t, testStartBlock+DefaultBlocksHeld, snap.Slots[0].BlockSettleDue)

	// At a balanced price with zero skew the two sides open equal sizes up to
	// integer rounding: both are sized from the same pre-open snapshot.
	require.Less(t, relativeDiffPPM(snap.Slots[0].Size, snap.Slots[1].Size), int64(1_000))

	// Leverage 2 puts margin at size on both sides.
	require.Less(t, relativeDiffPPM(snap.Slots[0].Margin, snap.Slots[0].Size), int64(1_000))

	// No time has passed, so no funding has accrued.
	require.InDelta(t, 0, snap.Slots[0].FundingRate, 1e-9)
}

func TestUpdateSkewExtremes(t *testing.T) {
	for _, tt := range []struct {
		skew     float64
		openSlot int
	}{
		{1, 0},
		{-1, 1},
	} {
		env := newTestEnv(t)
		params := validParams()
		params.Skew = tt.skew
		e, err := NewEngine(params, env, nil)
		require.NoError(t, err)

		snap := step(t, env, e, testRef(testStartBlock, poolmath.Q96, 0, big.NewInt(0)))
		require.NotEqual(t, int64(-1), snap.Slots[tt.openSlot].TokenID)
		require.Equal(t, int64(-1), snap.Slots[1-tt.openSlot].TokenID, "full skew must leave the other side empty")
	}
}

func TestUpdateSkewSymmetry(t *testing.T) {
	envPos := newTestEnv(t)
	paramsPos := validParams()
	paramsPos.Skew = 0.5
	enginePos, err := NewEngine(paramsPos, envPos, nil)
	require.NoError(t, err)
	snapPos := step(t, envPos, enginePos, testRef(testStartBlock, poolmath.Q96, 0, big.NewInt(0)))

	envNeg := newTestEnv(t)
	paramsNeg := validParams()
	paramsNeg.Skew = -0.5
	engineNeg, err := NewEngine(paramsNeg, envNeg, nil)
	require.NoError(t, err)
	snapNeg := step(t, envNeg, engineNeg, testRef(testStartBlock, poolmath.Q96, 0, big.NewInt(0)))

	// Mirrored skews swap the slot sizing.
	require.Less(t, relativeDiffPPM(snapPos.Slots[0].Size, snapNeg.Slots[1].Size), int64(1_000))
	require.Less(t, relativeDiffPPM(snapPos.Slots[1].Size, snapNeg.Slots[0].Size), int64(1_000))
}

func TestUpdateUtilizationMonotone(t *testing.T) {
	var prev *big.Int
	for _, utilization := range []float64{0.2, 0.4, 0.6} {
		env := newTestEnv(t)
		params := validParams()
		params.Utilization = utilization
		e, err := NewEngine(params, env, nil)
		require.NoError(t, err)

		snap := step(t, env, e, testRef(testStartBlock, poolmath.Q96, 0, big.NewInt(0)))
		if prev != nil {
			require.Greater(t, snap.Slots[0].Size.Cmp(prev), 0, "higher utilization must open larger positions")
		}
		prev = snap.Slots[0].Size
	}
}

func TestUpdateArbitrageWithinToleranceIsNoop(t *testing.T) {
	env := newTestEnv(t)
	params := validParams()
	params.Utilization = 0 // isolate the arbitrage step
	e, err := NewEngine(params, env, nil)
	require.NoError(t, err)

	// 0.1 percent off with a 0.25 percent tolerance.
	ref := new(uint256.Int).Mul(poolmath.Q96, uint256.NewInt(1_001))
	ref.Div(ref, uint256.NewInt(1_000))
	snap := step(t, env, e, testRef(testStartBlock, ref, 0, big.NewInt(0)))

	require.Equal(t, poolmath.Q96, env.Pool.SqrtPriceX96(), "in-tolerance gap must not trade")
	require.True(t, snap.Metrics.NetLiquiditySwapFees.IsZero())
}

func TestUpdateArbitrageBeyondTolerance(t *testing.T) {
	env := newTestEnv(t)
	params := validParams()
	params.Utilization = 0
	e, err := NewEngine(params, env, nil)
	require.NoError(t, err)

	// 1 percent off with a 0.25 percent tolerance.
	ref := new(uint256.Int).Mul(poolmath.Q96, uint256.NewInt(101))
	ref.Div(ref, uint256.NewInt(100))
	snap := step(t, env, e, testRef(testStartBlock, ref, 0, big.NewInt(0)))

	require.NotEqual(t, poolmath.Q96, env.Pool.SqrtPriceX96())
	require.False(t, snap.Metrics.NetLiquiditySwapFees.IsZero(), "arbitrage fee must accrue to the swap metric")
}

func TestUpdateZeroVolumeIsNoop(t *testing.T) {
	env := newTestEnv(t)
	params := validParams()
	params.Utilization = 0
	e, err := NewEngine(params, env, nil)
	require.NoError(t, err)

	step(t, env, e, testRef(testStartBlock, poolmath.Q96, 0, big.NewInt(0)))
	// Same fee growth on the next block means zero inferred volume.
	snap := step(t, env, e, testRef(testStartBlock+1, poolmath.Q96, 0, big.NewInt(0)))
	require.True(t, snap.Metrics.NetLiquiditySwapFees.IsZero())
}

func TestUpdateVolumeReplayEarnsFees(t *testing.T) {
	env := newTestEnv(t)
	params := validParams()
	params.Utilization = 0
	e, err := NewEngine(params, env, nil)
	require.NoError(t, err)

	step(t, env, e, testRef(testStartBlock, poolmath.Q96, 0, big.NewInt(0)))

	// Fee growth worth a meaningful chunk of token1 fees over the interval.
	growth := new(big.Int).Lsh(big.NewInt(1), 100)
	snap := step(t, env, e, testRef(testStartBlock+1, poolmath.Q96, 0, growth))
	require.False(t, snap.Metrics.NetLiquiditySwapFees.IsZero(), "replayed volume must compound fees")
}

func TestUpdateSettlesAfterHoldingPeriod(t *testing.T) {
	env := newTestEnv(t)
	params := validParams()
	params.BlocksHeld = 2
	e, err := NewEngine(params, env, nil)
	require.NoError(t, err)

	first := step(t, env, e, testRef(testStartBlock, poolmath.Q96, 0, big.NewInt(0)))
	require.NotEqual(t, int64(-1), first.Slots[0].TokenID)

	second := step(t, env, e, testRef(testStartBlock+1, poolmath.Q96, 0, big.NewInt(0)))
	require.Equal(t, first.Slots[0].TokenID, second.Slots[0].TokenID, "held position must survive until due")

	third := step(t, env, e, testRef(testStartBlock+2, poolmath.Q96, 0, big.NewInt(0)))
	require.Equal(t, uint64(1), third.Metrics.PositionsSettled[0])
	require.Equal(t, uint64(1), third.Metrics.PositionsSettled[1])
	require.Zero(t, third.Metrics.PositionsLiquidated[0])
	require.NotEqual(t, first.Slots[0].TokenID, third.Slots[0].TokenID, "slot must reopen with a fresh position")
	require.False(t, third.Metrics.SizesSettled[0].IsZero())
}

func TestUpdateLiquidationTakesPrecedence(t *testing.T) {
	env := newTestEnv(t)
	params := validParams()
	params.Skew = 1 // only the zero-for-one slot, the side hurt by a rising price
	params.BlocksHeld = 1_000
	params.Leverage = 0
	params.RelMarginAboveSafeMin = 0.01
	e, err := NewEngine(params, env, nil)
	require.NoError(t, err)

	first := step(t, env, e, testRef(testStartBlock, poolmath.Q96, 0, big.NewInt(0)))
	require.NotEqual(t, int64(-1), first.Slots[0].TokenID)

	// Jump the reference far above the open price. The oracle accrues at the
	// new tick over the next interval, so by the block the position is due
	// the TWAP has absorbed the move and it is also unsafe.
	higher, err := poolmath.SqrtRatioAtTick(2_000)
	require.NoError(t, err)
	mid := testRef(testStartBlock+50, higher, 2_000, big.NewInt(0))
	mid.Timestamp = testStartTimestamp + 600
	held := step(t, env, e, mid)
	require.Equal(t, first.Slots[0].TokenID, held.Slots[0].TokenID)

	ref := testRef(testStartBlock+1_100, higher, 2_000, big.NewInt(0))
	ref.Timestamp = testStartTimestamp + 7_800
	snap := step(t, env, e, ref)

	require.Equal(t, uint64(1), snap.Metrics.PositionsLiquidated[0], "unsafe position must liquidate, not settle")
	require.Zero(t, snap.Metrics.PositionsSettled[0])
	require.False(t, snap.Metrics.SizesLiquidated[0].IsZero())
}

func TestMetricsMonotone(t *testing.T) {
	env := newTestEnv(t)
	params := validParams()
	params.BlocksHeld = 1
	e, err := NewEngine(params, env, nil)
	require.NoError(t, err)

	var lastSettled uint64
	for i := uint64(0); i < 5; i++ {
		snap := step(t, env, e, testRef(testStartBlock+i, poolmath.Q96, 0, big.NewInt(0)))
		total := snap.Metrics.PositionsSettled[0] + snap.Metrics.PositionsSettled[1]
		require.GreaterOrEqual(t, total, lastSettled)
		lastSettled = total
	}
	require.NotZero(t, lastSettled)
}
