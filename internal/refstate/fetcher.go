package refstate

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"marginalsim/internal/model"
)

// Caller is the slice of the chain client the fetcher needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// Fetcher reads reference pool state pinned at historical blocks and
// normalizes it into model.ReferenceState.
type Fetcher struct {
	chain  Caller
	pool   common.Address
	poolABI abi.ABI
	logger *zap.Logger

	feeCached uint32
	feeKnown  bool
}

// NewFetcher builds a fetcher for the given reference pool.
func NewFetcher(chainClient Caller, pool common.Address, logger *zap.Logger) (*Fetcher, error) {
	poolABI, err := RefPoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		chain:   chainClient,
		pool:    pool,
		poolABI: poolABI,
		logger:  logger,
	}, nil
}

// LatestBlock returns the current chain head.
func (f *Fetcher) LatestBlock(ctx context.Context) (uint64, error) {
	return f.chain.LatestBlockNumber(ctx)
}

// FetchAt queries the reference pool at the given block: price, liquidity,
// fee-growth accumulators, and two time-weighted observations bracketing the
// lookback window. When the window predates recorded oracle history the
// start observation is interpolated from the nearest available sample and
// the spot tick, and the returned state is flagged Approximated.
func (f *Fetcher) FetchAt(ctx context.Context, block uint64, secondsAgo uint32) (model.ReferenceState, error) {
	blockBig := new(big.Int).SetUint64(block)

	timestamp, err := f.chain.BlockTimestamp(ctx, block)
	if err != nil {
		return model.ReferenceState{}, &model.DataUnavailableError{Block: block, Err: fmt.Errorf("block timestamp: %w", err)}
	}

	sqrtPriceX96, tick, err := f.slot0(ctx, blockBig)
	if err != nil {
		return model.ReferenceState{}, &model.DataUnavailableError{Block: block, Err: err}
	}

	liquidity, err := f.callBig(ctx, blockBig, "liquidity")
	if err != nil {
		return model.ReferenceState{}, &model.DataUnavailableError{Block: block, Err: err}
	}

	feeGrowth0, err := f.callBig(ctx, blockBig, "feeGrowthGlobal0X128")
	if err != nil {
		return model.ReferenceState{}, &model.DataUnavailableError{Block: block, Err: err}
	}
	feeGrowth1, err := f.callBig(ctx, blockBig, "feeGrowthGlobal1X128")
	if err != nil {
		return model.ReferenceState{}, &model.DataUnavailableError{Block: block, Err: err}
	}

	fee, err := f.fee(ctx, blockBig)
	if err != nil {
		return model.ReferenceState{}, &model.DataUnavailableError{Block: block, Err: err}
	}

	state := model.ReferenceState{
		BlockNumber:          block,
		Timestamp:            timestamp,
		SqrtPriceX96:         sqrtPriceX96,
		Tick:                 tick,
		Liquidity:            liquidity,
		FeeGrowthGlobal0X128: feeGrowth0,
		FeeGrowthGlobal1X128: feeGrowth1,
		Fee:                  fee,
	}

	if err := f.observations(ctx, blockBig, &state, secondsAgo, tick, liquidity); err != nil {
		return model.ReferenceState{}, &model.DataUnavailableError{Block: block, Err: err}
	}

	if err := state.Validate(); err != nil {
		return model.ReferenceState{}, err
	}
	return state, nil
}

func (f *Fetcher) observations(ctx context.Context, blockBig *big.Int, state *model.ReferenceState, secondsAgo uint32, tick int, liquidity *big.Int) error {
	tickCums, secondsPerLiq, err := f.observe(ctx, blockBig, []uint32{secondsAgo, 0})
	if err == nil {
		state.ObservationStart = model.Observation{
			BlockTimestamp:                    state.Timestamp - uint64(secondsAgo),
			TickCumulative:                    tickCums[0],
			SecondsPerLiquidityCumulativeX128: secondsPerLiq[0],
			Initialized:                       true,
		}
		state.ObservationEnd = model.Observation{
			BlockTimestamp:                    state.Timestamp,
			TickCumulative:                    tickCums[1],
			SecondsPerLiquidityCumulativeX128: secondsPerLiq[1],
			Initialized:                       true,
		}
		return nil
	}

	// The lookback may extend before recorded oracle history. Fall back to
	// the newest observation and extrapolate the start assuming the tick
	// held constant over the window. This is a rough estimate, flagged on
	// the returned state so callers can log it.
	tickCums, secondsPerLiq, err2 := f.observe(ctx, blockBig, []uint32{0})
	if err2 != nil {
		return fmt.Errorf("observe fallback: %w (original: %v)", err2, err)
	}

	tickCumStart := tickCums[0] - int64(tick)*int64(secondsAgo)
	splStart := new(big.Int).Set(secondsPerLiq[0])
	if liquidity.Sign() > 0 {
		window := new(big.Int).Lsh(new(big.Int).SetUint64(uint64(secondsAgo)), 128)
		splStart.Sub(splStart, window.Div(window, liquidity))
		if splStart.Sign() < 0 {
			splStart.SetInt64(0)
		}
	}

	state.ObservationStart = model.Observation{
		BlockTimestamp:                    state.Timestamp - uint64(secondsAgo),
		TickCumulative:                    tickCumStart,
		SecondsPerLiquidityCumulativeX128: splStart,
		Initialized:                       false,
	}
	state.ObservationEnd = model.Observation{
		BlockTimestamp:                    state.Timestamp,
		TickCumulative:                    tickCums[0],
		SecondsPerLiquidityCumulativeX128: secondsPerLiq[0],
		Initialized:                       true,
	}
	state.Approximated = true

	f.logger.Warn("oracle lookback predates recorded history, interpolated start observation",
		zap.Uint64("block", state.BlockNumber),
		zap.Uint32("seconds_ago", secondsAgo),
		zap.Int("spot_tick", tick),
	)
	return nil
}

func (f *Fetcher) slot0(ctx context.Context, blockBig *big.Int) (*big.Int, int, error) {
	values, err := f.call(ctx, blockBig, "slot0")
	if err != nil {
		return nil, 0, err
	}
	if len(values) != 7 {
		return nil, 0, fmt.Errorf("unexpected slot0 values: %d", len(values))
	}
	sqrtPriceX96, err := asBigInt(values[0])
	if err != nil {
		return nil, 0, fmt.Errorf("slot0 sqrtPriceX96: %w", err)
	}
	tickBig, err := asBigInt(values[1])
	if err != nil {
		return nil, 0, fmt.Errorf("slot0 tick: %w", err)
	}
	if !tickBig.IsInt64() {
		return nil, 0, fmt.Errorf("slot0 tick out of range: %s", tickBig)
	}
	return sqrtPriceX96, int(tickBig.Int64()), nil
}

func (f *Fetcher) fee(ctx context.Context, blockBig *big.Int) (uint32, error) {
	if f.feeKnown {
		return f.feeCached, nil
	}
	value, err := f.callBig(ctx, blockBig, "fee")
	if err != nil {
		return 0, err
	}
	if !value.IsUint64() || value.Uint64() > 1_000_000 {
		return 0, fmt.Errorf("fee out of range: %s", value)
	}
	f.feeCached = uint32(value.Uint64())
	f.feeKnown = true
	return f.feeCached, nil
}

func (f *Fetcher) observe(ctx context.Context, blockBig *big.Int, secondsAgos []uint32) ([]int64, []*big.Int, error) {
	values, err := f.call(ctx, blockBig, "observe", secondsAgos)
	if err != nil {
		return nil, nil, err
	}
	if len(values) != 2 {
		return nil, nil, fmt.Errorf("unexpected observe values: %d", len(values))
	}

	rawTicks, ok := values[0].([]*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected tickCumulatives type %T", values[0])
	}
	rawSeconds, ok := values[1].([]*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected secondsPerLiquidity type %T", values[1])
	}
	if len(rawTicks) != len(secondsAgos) || len(rawSeconds) != len(secondsAgos) {
		return nil, nil, fmt.Errorf("observe cardinality mismatch")
	}

	tickCums := make([]int64, len(rawTicks))
	for i, v := range rawTicks {
		if !v.IsInt64() {
			return nil, nil, fmt.Errorf("tick cumulative out of range: %s", v)
		}
		tickCums[i] = v.Int64()
	}
	return tickCums, rawSeconds, nil
}

func (f *Fetcher) call(ctx context.Context, blockBig *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := f.poolABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := f.chain.CallContract(ctx, ethereum.CallMsg{To: &f.pool, Data: data}, blockBig)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := f.poolABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (f *Fetcher) callBig(ctx context.Context, blockBig *big.Int, method string) (*big.Int, error) {
	values, err := f.call(ctx, blockBig, method)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s values: %d", method, len(values))
	}
	return asBigInt(values[0])
}

func asBigInt(v interface{}) (*big.Int, error) {
	switch typed := v.(type) {
	case *big.Int:
		return typed, nil
	case uint8:
		return new(big.Int).SetUint64(uint64(typed)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(typed)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(typed)), nil
	case uint64:
		return new(big.Int).SetUint64(typed), nil
	default:
		return nil, fmt.Errorf("unexpected numeric type %T", v)
	}
}
