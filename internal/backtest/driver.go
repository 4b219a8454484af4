// Package backtest replays historical reference-pool state through the
// strategy engine and records one output row per simulated block.
package backtest

import (
	"context"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"marginalsim/internal/model"
	"marginalsim/internal/poolmath"
	"marginalsim/internal/sandbox"
	"marginalsim/internal/storage"
	"marginalsim/internal/strategy"
)

// StateSource supplies historical reference-pool snapshots.
type StateSource interface {
	FetchAt(ctx context.Context, blockNumber uint64, secondsAgo uint32) (model.ReferenceState, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// Config describes one backtest run.
type Config struct {
	StartBlock uint64
	StopBlock  uint64 // 0 means the chain head at startup
	Step       uint64
	SecondsAgo uint32

	// InitialLiquidity seeds the mock pool; nil or zero mirrors the
	// reference pool's liquidity at the start block.
	InitialLiquidity *big.Int

	Sandbox sandbox.Config
	Params  strategy.Parameters
}

func (c Config) validate() error {
	if err := c.Params.Validate(); err != nil {
		return err
	}
	if c.StartBlock == 0 {
		return &model.ValidationError{Field: "start_block", Reason: "must be positive"}
	}
	if c.StopBlock != 0 && c.StopBlock < c.StartBlock {
		return &model.ValidationError{Field: "stop_block", Reason: "must not precede start_block"}
	}
	if c.Step == 0 {
		return &model.ValidationError{Field: "step", Reason: "must be positive"}
	}
	if c.InitialLiquidity != nil && c.InitialLiquidity.Sign() < 0 {
		return &model.ValidationError{Field: "liquidity", Reason: "must not be negative"}
	}
	return nil
}

// Driver owns one run: a fresh sandbox environment, the engine, and the
// recorder. It aborts on the first error, reporting the failing block; rows
// already written stay written.
type Driver struct {
	cfg      Config
	source   StateSource
	recorder storage.Recorder
	logger   *zap.Logger

	env    *sandbox.Env
	engine *strategy.Engine

	seed0 *uint256.Int
	seed1 *uint256.Int
}

func NewDriver(cfg Config, source StateSource, recorder storage.Recorder, logger *zap.Logger) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, source: source, recorder: recorder, logger: logger}, nil
}

// Run replays the configured block range.
func (d *Driver) Run(ctx context.Context) error {
	stop := d.cfg.StopBlock
	if stop == 0 {
		head, err := d.source.LatestBlock(ctx)
		if err != nil {
			return fmt.Errorf("resolve chain head: %w", err)
		}
		if head < d.cfg.StartBlock {
			return &model.ValidationError{Field: "start_block", Reason: "beyond chain head"}
		}
		stop = head
		d.logger.Info("resolved stop block from chain head", zap.Uint64("stop_block", stop))
	}

	d.logger.Info("starting backtest",
		zap.Uint64("start_block", d.cfg.StartBlock),
		zap.Uint64("stop_block", stop),
		zap.Uint64("step", d.cfg.Step))

	for block := d.cfg.StartBlock; block <= stop; block += d.cfg.Step {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.step(ctx, block); err != nil {
			return fmt.Errorf("block %d: %w", block, err)
		}
	}
	return nil
}

func (d *Driver) step(ctx context.Context, block uint64) error {
	ref, err := d.source.FetchAt(ctx, block, d.cfg.SecondsAgo)
	if err != nil {
		return err
	}

	if d.env == nil {
		if err := d.bootstrap(ref); err != nil {
			return err
		}
	} else if err := d.env.AdvanceTo(ref.BlockNumber, ref.Timestamp); err != nil {
		return err
	}

	if err := d.env.Oracle.SyncState(ref); err != nil {
		return err
	}
	snap, err := d.engine.Update(ref)
	if err != nil {
		return err
	}

	record, err := d.buildRecord(ref, snap)
	if err != nil {
		return err
	}
	return d.recorder.Append(ctx, record)
}

// bootstrap deploys a fresh environment at the first fetched block and
// initializes the mock pool at the reference price.
func (d *Driver) bootstrap(ref model.ReferenceState) error {
	cfg := d.cfg.Sandbox
	cfg.BlockNumber = ref.BlockNumber
	cfg.Timestamp = ref.Timestamp

	env, err := sandbox.Deploy(cfg, d.logger)
	if err != nil {
		return err
	}

	// Record the seeded balances before any spend so valuations report the
	// change in holdings, not the sentinel-sized seed.
	d.seed0 = env.Token0.BalanceOf(sandbox.AccountStrategy)
	d.seed1 = env.Token1.BalanceOf(sandbox.AccountStrategy)

	sqrtPrice, overflow := uint256.FromBig(ref.SqrtPriceX96)
	if overflow {
		return &model.ConsistencyError{Op: "driver.bootstrap", Detail: "reference sqrt price overflows uint256"}
	}

	liquidity := new(uint256.Int)
	if d.cfg.InitialLiquidity != nil && d.cfg.InitialLiquidity.Sign() > 0 {
		liquidity, overflow = uint256.FromBig(d.cfg.InitialLiquidity)
		if overflow {
			return &model.ConsistencyError{Op: "driver.bootstrap", Detail: "initial liquidity overflows uint256"}
		}
	} else {
		liquidity, overflow = uint256.FromBig(ref.Liquidity)
		if overflow {
			return &model.ConsistencyError{Op: "driver.bootstrap", Detail: "reference liquidity overflows uint256"}
		}
		d.logger.Info("mirroring reference pool liquidity", zap.String("liquidity", liquidity.Dec()))
	}
	if err := env.Initialize(sqrtPrice, liquidity); err != nil {
		return err
	}

	engine, err := strategy.NewEngine(d.cfg.Params, env, d.logger)
	if err != nil {
		return err
	}
	d.env = env
	d.engine = engine
	return nil
}

// buildRecord assembles the output row: the strategy's holdings valued per
// token plus the reference state, slot state, and running metrics.
func (d *Driver) buildRecord(ref model.ReferenceState, snap strategy.Snapshot) (model.Record, error) {
	value0, value1, err := d.value(snap)
	if err != nil {
		return model.Record{}, err
	}

	record := model.Record{
		BlockNumber:             ref.BlockNumber,
		Timestamp:               ref.Timestamp,
		Value0:                  value0,
		Value1:                  value1,
		RefSqrtPriceX96:         ref.SqrtPriceX96,
		RefLiquidity:            ref.Liquidity,
		RefFeeGrowthGlobal0X128: ref.FeeGrowthGlobal0X128,
		RefFeeGrowthGlobal1X128: ref.FeeGrowthGlobal1X128,
		Slots:                   snap.Slots,
		PositionsLiquidated:     snap.Metrics.PositionsLiquidated,
		PositionsSettled:        snap.Metrics.PositionsSettled,
	}
	for i := range record.SizesLiquidated {
		record.SizesLiquidated[i] = snap.Metrics.SizesLiquidated[i].ToBig()
		record.SizesSettled[i] = snap.Metrics.SizesSettled[i].ToBig()
		record.NetLiquidityLiquidated[i] = snap.Metrics.NetLiquidityLiquidated[i]
		record.NetLiquiditySettled[i] = snap.Metrics.NetLiquiditySettled[i]
	}
	record.NetLiquiditySwapFees = snap.Metrics.NetLiquiditySwapFees.ToBig()
	record.NetLiquidityPositionFees = snap.Metrics.NetLiquidityPositionFees.ToBig()
	return record, nil
}

// value reports the strategy's holdings per token, signed: spent balances,
// the LP share of pool reserves at the current price, and each open
// position's settlement claim net of its funded debt.
func (d *Driver) value(snap strategy.Snapshot) (*big.Int, *big.Int, error) {
	pool := d.env.Pool

	value0 := new(big.Int).Sub(
		d.env.Token0.BalanceOf(sandbox.AccountStrategy).ToBig(), d.seed0.ToBig())
	value1 := new(big.Int).Sub(
		d.env.Token1.BalanceOf(sandbox.AccountStrategy).ToBig(), d.seed1.ToBig())

	total := new(uint256.Int).Add(pool.Liquidity(), pool.LiquidityLocked())
	amount0, amount1, err := poolmath.AmountsForLiquidity(pool.SqrtPriceX96(), total)
	if err != nil {
		return nil, nil, &model.ConsistencyError{Op: "driver.value", Detail: err.Error()}
	}
	value0.Add(value0, amount0.ToBig())
	value1.Add(value1, amount1.ToBig())

	for i, slot := range snap.Slots {
		if slot.TokenID < 0 {
			continue
		}
		claim := new(big.Int).Add(slot.Size, slot.Margin)
		if i == 0 {
			// zero-for-one: settled in token1, debt owed in token0
			value1.Add(value1, claim)
			value0.Sub(value0, slot.Debt)
		} else {
			value0.Add(value0, claim)
			value1.Sub(value1, slot.Debt)
		}
	}
	return value0, value1, nil
}
