package strategy

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"marginalsim/internal/model"
	"marginalsim/internal/poolmath"
	"marginalsim/internal/sandbox"
)

// slotZeroForOne maps a slot index to its open direction: slot 0 holds the
// token1-settled side, slot 1 the token0-settled side.
var slotZeroForOne = [2]bool{true, false}

type slot struct {
	tokenID        int64 // -1 when empty
	blockSettleDue uint64
}

// Snapshot is the engine's per-block report: the state of both slots after
// the update plus a copy of the running metrics.
type Snapshot struct {
	Slots   [2]model.SlotRecord
	Metrics RunningMetrics
}

// Engine drives the policy against a deployed sandbox, one reference
// snapshot at a time.
type Engine struct {
	params  Parameters
	env     *sandbox.Env
	logger  *zap.Logger
	metrics *RunningMetrics

	slots [2]slot

	fracPPM      [2]*uint256.Int
	tolPPM       *uint256.Int
	leveragePPM  *uint256.Int
	relMarginPPM *uint256.Int
	useLeverage  bool

	lastFeeGrowth1   *uint256.Int
	lastRefLiquidity *uint256.Int
	haveLast         bool
}

func NewEngine(params Parameters, env *sandbox.Env, logger *zap.Logger) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		params:       params,
		env:          env,
		logger:       logger,
		metrics:      NewRunningMetrics(),
		fracPPM:      params.slotFractionsPPM(),
		tolPPM:       params.tolerancePPM(),
		leveragePPM:  params.leveragePPM(),
		relMarginPPM: params.relMarginPPM(),
		useLeverage:  params.Leverage != 0,
	}
	e.slots[0].tokenID = -1
	e.slots[1].tokenID = -1
	return e, nil
}

// Metrics returns the live running metrics.
func (e *Engine) Metrics() *RunningMetrics { return e.metrics }

// Update advances the policy by one reference snapshot. Steps run in a fixed
// order: arbitrage, resolve held positions, open empty slots, replay organic
// volume, re-arbitrage, snapshot.
func (e *Engine) Update(ref model.ReferenceState) (Snapshot, error) {
	refSqrtPrice, overflow := uint256.FromBig(ref.SqrtPriceX96)
	if overflow {
		return Snapshot{}, &model.ConsistencyError{Op: "engine.update", Detail: "reference sqrt price overflows uint256"}
	}

	if err := e.arbitrage(refSqrtPrice); err != nil {
		return Snapshot{}, err
	}
	if err := e.resolveSlots(); err != nil {
		return Snapshot{}, err
	}
	if err := e.openSlots(); err != nil {
		return Snapshot{}, err
	}
	if err := e.simulateVolume(ref); err != nil {
		return Snapshot{}, err
	}
	if err := e.arbitrage(refSqrtPrice); err != nil {
		return Snapshot{}, err
	}
	return e.snapshot()
}

// arbitrage trades the pool to the reference price when the relative
// sqrt-price gap exceeds the tolerance. Fee liquidity earned on the trade
// accrues to the swap-fee metric.
func (e *Engine) arbitrage(refSqrtPrice *uint256.Int) error {
	poolSqrtPrice := e.env.Pool.SqrtPriceX96()
	diff := new(uint256.Int)
	if refSqrtPrice.Lt(poolSqrtPrice) {
		diff.Sub(poolSqrtPrice, refSqrtPrice)
	} else {
		diff.Sub(refSqrtPrice, poolSqrtPrice)
	}

	lhs := new(uint256.Int).Mul(diff, uint256.NewInt(1_000_000))
	rhs := new(uint256.Int).Mul(poolSqrtPrice, e.tolPPM)
	if !rhs.Lt(lhs) {
		return nil
	}

	liquidityBefore := e.env.Pool.Liquidity()
	if err := e.env.Arbitrageur.RebalanceTo(refSqrtPrice); err != nil {
		return err
	}
	gained := new(uint256.Int).Sub(e.env.Pool.Liquidity(), liquidityBefore)
	e.metrics.NetLiquiditySwapFees.Add(e.metrics.NetLiquiditySwapFees, gained)
	return nil
}

// resolveSlots closes held positions: unsafe positions liquidate first,
// positions past their holding period settle.
func (e *Engine) resolveSlots() error {
	block := e.env.Clock.BlockNumber()
	for i := range e.slots {
		s := &e.slots[i]
		if s.tokenID < 0 {
			continue
		}
		safe, err := e.env.Manager.Safe(s.tokenID)
		if err != nil {
			return err
		}

		switch {
		case !safe:
			size, net, err := e.closeSlot(s.tokenID, false)
			if err != nil {
				return err
			}
			e.metrics.recordLiquidation(i, size, net)
			e.logger.Info("position liquidated",
				zap.Int("slot", i), zap.Int64("token_id", s.tokenID), zap.Uint64("block", block))
		case block >= s.blockSettleDue:
			size, net, err := e.closeSlot(s.tokenID, true)
			if err != nil {
				return err
			}
			e.metrics.recordSettlement(i, size, net)
			e.logger.Debug("position settled",
				zap.Int("slot", i), zap.Int64("token_id", s.tokenID), zap.Uint64("block", block))
		default:
			continue
		}
		s.tokenID = -1
		s.blockSettleDue = 0
	}
	return nil
}

// closeSlot settles or liquidates the position and returns its size and the
// signed net liquidity change: returned liquidity minus what was locked.
func (e *Engine) closeSlot(tokenID int64, settle bool) (*uint256.Int, *big.Int, error) {
	view, err := e.env.Manager.Position(tokenID)
	if err != nil {
		return nil, nil, err
	}
	liquidityBefore := e.env.Pool.Liquidity()
	if settle {
		err = e.env.Manager.Settle(sandbox.AccountStrategy, tokenID)
	} else {
		err = e.env.Manager.Liquidate(tokenID)
	}
	if err != nil {
		return nil, nil, err
	}
	returned := new(uint256.Int).Sub(e.env.Pool.Liquidity(), liquidityBefore)
	net := new(big.Int).Sub(returned.ToBig(), view.LiquidityLocked.ToBig())
	return view.Size, net, nil
}

// openSlots opens a position for each empty slot whose utilization/skew
// share is non-zero. Both slots are sized from the same pre-open snapshot,
// so the first open moving the price does not shrink the second slot's
// notional. Open fees earned by the pool accrue to the position-fee metric.
func (e *Engine) openSlots() error {
	block := e.env.Clock.BlockNumber()

	preLiquidity := e.env.Pool.Liquidity()
	preSqrtPrice := e.env.Pool.SqrtPriceX96()
	maintenance := e.env.Pool.Maintenance()
	total := new(uint256.Int).Add(preLiquidity, e.env.Pool.LiquidityLocked())

	for i := range e.slots {
		s := &e.slots[i]
		if s.tokenID >= 0 || e.fracPPM[i].IsZero() {
			continue
		}

		delta, err := poolmath.MulDiv(total, e.fracPPM[i], poolmath.MaintenanceUnit)
		if err != nil {
			return &model.ConsistencyError{Op: "engine.open", Detail: err.Error()}
		}
		if delta.IsZero() {
			continue
		}
		if !delta.Lt(preLiquidity) {
			e.logger.Warn("open skipped, sizing exceeds available liquidity",
				zap.Int("slot", i), zap.Uint64("block", block))
			continue
		}
		size, err := poolmath.SizeFromLiquidityDelta(preLiquidity, preSqrtPrice, delta, slotZeroForOne[i], maintenance)
		if err != nil {
			return &model.ConsistencyError{Op: "engine.open", Detail: err.Error()}
		}
		if size.IsZero() {
			continue
		}

		quote, err := e.env.Quoter.QuoteOpen(slotZeroForOne[i], size)
		if err != nil {
			// A prior open this block may have thinned the pool below what
			// the target size needs. Skip the slot rather than abort the run.
			var callErr *model.EnvCallError
			if errors.As(err, &callErr) {
				e.logger.Warn("open skipped, size not quotable",
					zap.Int("slot", i), zap.Uint64("block", block), zap.Error(err))
				continue
			}
			return err
		}
		margin, err := e.marginFor(quote)
		if err != nil {
			return err
		}
		if margin.IsZero() {
			continue
		}

		liquidityBefore := e.env.Pool.Liquidity()
		tokenID, err := e.env.Manager.Open(sandbox.AccountStrategy, slotZeroForOne[i], size, margin)
		if err != nil {
			return err
		}
		view, err := e.env.Manager.Position(tokenID)
		if err != nil {
			return err
		}
		// Open removes the locked delta and adds the fee liquidity; the fee
		// part is liquidityAfter - liquidityBefore + locked.
		feeGain := new(uint256.Int).Add(e.env.Pool.Liquidity(), view.LiquidityLocked)
		feeGain.Sub(feeGain, liquidityBefore)
		e.metrics.NetLiquidityPositionFees.Add(e.metrics.NetLiquidityPositionFees, feeGain)

		s.tokenID = tokenID
		s.blockSettleDue = block + e.params.BlocksHeld
	}
	return nil
}

func (e *Engine) marginFor(quote sandbox.OpenQuote) (*uint256.Int, error) {
	if e.useLeverage {
		// margin = size / (leverage - 1)
		denom := new(uint256.Int).Sub(e.leveragePPM, poolmath.MaintenanceUnit)
		margin, err := poolmath.MulDiv(quote.Size, poolmath.MaintenanceUnit, denom)
		if err != nil {
			return nil, &model.ConsistencyError{Op: "engine.margin", Detail: err.Error()}
		}
		return margin, nil
	}
	scale := new(uint256.Int).Add(poolmath.MaintenanceUnit, e.relMarginPPM)
	margin, err := poolmath.MulDiv(quote.SafeMarginMinimum, scale, poolmath.MaintenanceUnit)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "engine.margin", Detail: err.Error()}
	}
	return margin, nil
}

// simulateVolume replays the reference pool's organic volume since the last
// update as a pair of offsetting swaps. Volume is inferred from the token1
// fee-growth delta and scaled by the liquidity ratio between the mock and
// the reference pool.
func (e *Engine) simulateVolume(ref model.ReferenceState) error {
	feeGrowth1, overflow := uint256.FromBig(ref.FeeGrowthGlobal1X128)
	if overflow {
		return &model.ConsistencyError{Op: "engine.volume", Detail: "fee growth overflows uint256"}
	}
	refLiquidity, overflow := uint256.FromBig(ref.Liquidity)
	if overflow {
		return &model.ConsistencyError{Op: "engine.volume", Detail: "reference liquidity overflows uint256"}
	}

	defer func() {
		e.lastFeeGrowth1 = feeGrowth1
		e.lastRefLiquidity = refLiquidity
		e.haveLast = true
	}()

	if !e.haveLast || ref.Fee == 0 || e.lastRefLiquidity.IsZero() || refLiquidity.IsZero() {
		return nil
	}
	if feeGrowth1.Lt(e.lastFeeGrowth1) {
		// Growth counters only increase; a lower reading means the fetcher
		// crossed a reorg boundary, so skip the interval.
		e.logger.Warn("fee growth decreased, skipping volume replay", zap.Uint64("block", ref.BlockNumber))
		return nil
	}

	growthDelta := new(uint256.Int).Sub(feeGrowth1, e.lastFeeGrowth1)
	fees1, err := poolmath.MulDiv(growthDelta, e.lastRefLiquidity, poolmath.Q128)
	if err != nil {
		return &model.ConsistencyError{Op: "engine.volume", Detail: err.Error()}
	}
	volume1, err := poolmath.MulDiv(fees1, poolmath.MaintenanceUnit, uint256.NewInt(uint64(ref.Fee)))
	if err != nil {
		return &model.ConsistencyError{Op: "engine.volume", Detail: err.Error()}
	}

	poolTotal := new(uint256.Int).Add(e.env.Pool.Liquidity(), e.env.Pool.LiquidityLocked())
	amount1In, err := poolmath.MulDiv(volume1, poolTotal, refLiquidity)
	if err != nil {
		return &model.ConsistencyError{Op: "engine.volume", Detail: err.Error()}
	}
	if amount1In.IsZero() {
		return nil
	}

	liquidityBefore := e.env.Pool.Liquidity()
	amount0Out, err := e.env.Router.ExactInputSingle(sandbox.AccountArbitrageur, false, amount1In)
	if err != nil {
		return err
	}
	if !amount0Out.IsZero() {
		if _, err := e.env.Router.ExactInputSingle(sandbox.AccountArbitrageur, true, amount0Out); err != nil {
			return err
		}
	}
	gained := new(uint256.Int).Sub(e.env.Pool.Liquidity(), liquidityBefore)
	e.metrics.NetLiquiditySwapFees.Add(e.metrics.NetLiquiditySwapFees, gained)
	return nil
}

func (e *Engine) snapshot() (Snapshot, error) {
	snap := Snapshot{Metrics: e.metrics.Clone()}
	for i := range e.slots {
		s := e.slots[i]
		if s.tokenID < 0 {
			snap.Slots[i] = model.SlotRecord{
				TokenID: -1,
				Size:    new(big.Int),
				Margin:  new(big.Int),
				Debt:    new(big.Int),
			}
			continue
		}
		view, err := e.env.Manager.Position(s.tokenID)
		if err != nil {
			return Snapshot{}, err
		}
		if view.DebtInitial.IsZero() {
			return Snapshot{}, &model.ConsistencyError{Op: "engine.snapshot", Detail: "open position has zero initial debt"}
		}

		rate := new(big.Float).Quo(
			new(big.Float).SetInt(view.Debt.ToBig()),
			new(big.Float).SetInt(view.DebtInitial.ToBig()))
		fundingRate, _ := rate.Float64()

		snap.Slots[i] = model.SlotRecord{
			TokenID:        s.tokenID,
			BlockSettleDue: s.blockSettleDue,
			Size:           view.Size.ToBig(),
			Margin:         view.Margin.ToBig(),
			Debt:           view.Debt.ToBig(),
			FundingRate:    fundingRate - 1,
		}
	}
	return snap, nil
}
