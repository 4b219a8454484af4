package strategy

import (
	"math/big"

	"github.com/holiman/uint256"
)

// RunningMetrics accumulates terminal-event statistics over a run. Counts
// and sizes only grow; the net-liquidity series are signed because a close
// can return less liquidity than the position locked.
type RunningMetrics struct {
	PositionsLiquidated [2]uint64
	PositionsSettled    [2]uint64

	SizesLiquidated [2]*uint256.Int
	SizesSettled    [2]*uint256.Int

	NetLiquidityLiquidated [2]*big.Int
	NetLiquiditySettled    [2]*big.Int

	NetLiquiditySwapFees     *uint256.Int
	NetLiquidityPositionFees *uint256.Int
}

func NewRunningMetrics() *RunningMetrics {
	m := &RunningMetrics{
		NetLiquiditySwapFees:     new(uint256.Int),
		NetLiquidityPositionFees: new(uint256.Int),
	}
	for i := range m.SizesLiquidated {
		m.SizesLiquidated[i] = new(uint256.Int)
		m.SizesSettled[i] = new(uint256.Int)
		m.NetLiquidityLiquidated[i] = new(big.Int)
		m.NetLiquiditySettled[i] = new(big.Int)
	}
	return m
}

// Clone deep-copies the metrics for inclusion in a snapshot.
func (m *RunningMetrics) Clone() RunningMetrics {
	out := RunningMetrics{
		PositionsLiquidated:      m.PositionsLiquidated,
		PositionsSettled:         m.PositionsSettled,
		NetLiquiditySwapFees:     new(uint256.Int).Set(m.NetLiquiditySwapFees),
		NetLiquidityPositionFees: new(uint256.Int).Set(m.NetLiquidityPositionFees),
	}
	for i := range m.SizesLiquidated {
		out.SizesLiquidated[i] = new(uint256.Int).Set(m.SizesLiquidated[i])
		out.SizesSettled[i] = new(uint256.Int).Set(m.SizesSettled[i])
		out.NetLiquidityLiquidated[i] = new(big.Int).Set(m.NetLiquidityLiquidated[i])
		out.NetLiquiditySettled[i] = new(big.Int).Set(m.NetLiquiditySettled[i])
	}
	return out
}

func (m *RunningMetrics) recordLiquidation(side int, size *uint256.Int, netLiquidity *big.Int) {
	m.PositionsLiquidated[side]++
	m.SizesLiquidated[side].Add(m.SizesLiquidated[side], size)
	m.NetLiquidityLiquidated[side].Add(m.NetLiquidityLiquidated[side], netLiquidity)
}

func (m *RunningMetrics) recordSettlement(side int, size *uint256.Int, netLiquidity *big.Int) {
	m.PositionsSettled[side]++
	m.SizesSettled[side].Add(m.SizesSettled[side], size)
	m.NetLiquiditySettled[side].Add(m.NetLiquiditySettled[side], netLiquidity)
}
