package model

import (
	"math/big"
	"strconv"
)

// SlotRecord is the reported state of one position slot after an update.
// TokenID is -1 when the slot is empty.
type SlotRecord struct {
	TokenID        int64
	BlockSettleDue uint64
	Size           *big.Int
	Margin         *big.Int
	Debt           *big.Int
	FundingRate    float64
}

// Record is one output row per simulated block.
type Record struct {
	BlockNumber uint64
	Timestamp   uint64

	// Value is the strategy's holdings valued in (token0, token1). Signed:
	// outstanding debt is subtracted from the owed side.
	Value0 *big.Int
	Value1 *big.Int

	RefSqrtPriceX96         *big.Int
	RefLiquidity            *big.Int
	RefFeeGrowthGlobal0X128 *big.Int
	RefFeeGrowthGlobal1X128 *big.Int

	Slots [2]SlotRecord

	PositionsLiquidated [2]uint64
	PositionsSettled    [2]uint64
	SizesLiquidated     [2]*big.Int
	SizesSettled        [2]*big.Int

	// Net liquidity deltas are signed: a close can cost the pool more
	// liquidity than the position had locked.
	NetLiquidityLiquidated [2]*big.Int
	NetLiquiditySettled    [2]*big.Int

	NetLiquiditySwapFees     *big.Int
	NetLiquidityPositionFees *big.Int
}

// CSVHeader returns the column names in row order.
func CSVHeader() []string {
	return []string{
		"block_number", "timestamp",
		"value0", "value1",
		"ref_sqrt_price_x96", "ref_liquidity",
		"ref_fee_growth_global0_x128", "ref_fee_growth_global1_x128",
		"token_id0", "token_id1",
		"block_settle_due0", "block_settle_due1",
		"size0", "size1",
		"margin0", "margin1",
		"debt0", "debt1",
		"funding_rate0", "funding_rate1",
		"positions_liquidated0", "positions_liquidated1",
		"positions_settled0", "positions_settled1",
		"sizes_liquidated0", "sizes_liquidated1",
		"sizes_settled0", "sizes_settled1",
		"net_liquidity_liquidated0", "net_liquidity_liquidated1",
		"net_liquidity_settled0", "net_liquidity_settled1",
		"net_liquidity_swap_fees", "net_liquidity_position_fees",
	}
}

// CSVRow renders the record as strings matching CSVHeader ordering.
func (r Record) CSVRow() []string {
	row := make([]string, 0, len(CSVHeader()))
	row = append(row,
		strconv.FormatUint(r.BlockNumber, 10),
		strconv.FormatUint(r.Timestamp, 10),
		bigString(r.Value0),
		bigString(r.Value1),
		bigString(r.RefSqrtPriceX96),
		bigString(r.RefLiquidity),
		bigString(r.RefFeeGrowthGlobal0X128),
		bigString(r.RefFeeGrowthGlobal1X128),
	)
	for i := 0; i < 2; i++ {
		row = append(row, strconv.FormatInt(r.Slots[i].TokenID, 10))
	}
	for i := 0; i < 2; i++ {
		row = append(row, strconv.FormatUint(r.Slots[i].BlockSettleDue, 10))
	}
	for i := 0; i < 2; i++ {
		row = append(row, bigString(r.Slots[i].Size))
	}
	for i := 0; i < 2; i++ {
		row = append(row, bigString(r.Slots[i].Margin))
	}
	for i := 0; i < 2; i++ {
		row = append(row, bigString(r.Slots[i].Debt))
	}
	for i := 0; i < 2; i++ {
		row = append(row, strconv.FormatFloat(r.Slots[i].FundingRate, 'g', -1, 64))
	}
	for i := 0; i < 2; i++ {
		row = append(row, strconv.FormatUint(r.PositionsLiquidated[i], 10))
	}
	for i := 0; i < 2; i++ {
		row = append(row, strconv.FormatUint(r.PositionsSettled[i], 10))
	}
	for i := 0; i < 2; i++ {
		row = append(row, bigString(r.SizesLiquidated[i]))
	}
	for i := 0; i < 2; i++ {
		row = append(row, bigString(r.SizesSettled[i]))
	}
	for i := 0; i < 2; i++ {
		row = append(row, bigString(r.NetLiquidityLiquidated[i]))
	}
	for i := 0; i < 2; i++ {
		row = append(row, bigString(r.NetLiquiditySettled[i]))
	}
	row = append(row, bigString(r.NetLiquiditySwapFees), bigString(r.NetLiquidityPositionFees))
	return row
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
