package model

import (
	"math/big"
)

// Observation is a time-weighted oracle sample from the reference pool.
type Observation struct {
	BlockTimestamp                    uint64
	TickCumulative                    int64
	SecondsPerLiquidityCumulativeX128 *big.Int
	Initialized                       bool
}

// ReferenceState is the snapshot of the reference oracle pool at one block.
// Constructed fresh per queried block, immutable, consumed once by the
// strategy update for that block.
type ReferenceState struct {
	BlockNumber uint64
	Timestamp   uint64

	SqrtPriceX96         *big.Int
	Tick                 int
	Liquidity            *big.Int
	FeeGrowthGlobal0X128 *big.Int
	FeeGrowthGlobal1X128 *big.Int

	// Fee is the reference pool swap fee in parts per million.
	Fee uint32

	// ObservationStart and ObservationEnd bracket the lookback window,
	// start no later than end.
	ObservationStart Observation
	ObservationEnd   Observation

	// Approximated is set when ObservationStart had to be interpolated
	// because the lookback window predates recorded oracle history.
	Approximated bool
}

// Validate checks the observation ordering invariant.
func (s ReferenceState) Validate() error {
	if s.ObservationStart.BlockTimestamp > s.ObservationEnd.BlockTimestamp {
		return &ConsistencyError{
			Op:     "ReferenceState.Validate",
			Detail: "observation start is newer than observation end",
		}
	}
	return nil
}
