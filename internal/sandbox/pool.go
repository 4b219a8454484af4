package sandbox

import (
	"fmt"

	"github.com/holiman/uint256"

	"marginalsim/internal/model"
	"marginalsim/internal/poolmath"
)

// Position is a leveraged position held against the pool. zeroForOne
// positions are sized and margined in token1 with debt owed in token0; the
// opposite side mirrors that. Funding accrues on the debt from the spread
// between the pool's and the oracle's tick accumulators.
type Position struct {
	ID         uint64
	ZeroForOne bool

	Size            *uint256.Int
	Margin          *uint256.Int
	Debt            *uint256.Int // at open, before funding
	Insurance0      *uint256.Int
	Insurance1      *uint256.Int
	LiquidityLocked *uint256.Int

	tickCumulativeStart       int64
	oracleTickCumulativeStart int64
}

// Pool is the mock leveraged pool: a full-range constant-product market with
// leveraged open/settle/liquidate primitives and fees compounding into
// liquidity.
type Pool struct {
	clock  *Clock
	oracle *OraclePool
	token0 *Token
	token1 *Token

	maintenance   *uint256.Int // parts per million
	fee           *uint256.Int // parts per million, swaps and opens
	fundingPeriod uint64       // seconds
	twapWindow    uint64       // seconds, safety-check lookback

	initialized     bool
	sqrtPriceX96    *uint256.Int
	liquidity       *uint256.Int
	liquidityLocked *uint256.Int
	tickCumulative  int64

	nextID    uint64
	positions map[uint64]*Position
}

// PoolConfig carries the pool's immutable deployment parameters.
type PoolConfig struct {
	Maintenance   uint32
	Fee           uint32
	FundingPeriod uint64
	TwapWindow    uint64
}

func NewPool(clock *Clock, oracle *OraclePool, token0, token1 *Token, cfg PoolConfig) *Pool {
	return &Pool{
		clock:           clock,
		oracle:          oracle,
		token0:          token0,
		token1:          token1,
		maintenance:     uint256.NewInt(uint64(cfg.Maintenance)),
		fee:             uint256.NewInt(uint64(cfg.Fee)),
		fundingPeriod:   cfg.FundingPeriod,
		twapWindow:      cfg.TwapWindow,
		sqrtPriceX96:    new(uint256.Int),
		liquidity:       new(uint256.Int),
		liquidityLocked: new(uint256.Int),
		nextID:          1,
		positions:       make(map[uint64]*Position),
	}
}

// Maintenance returns the pool's minimum maintenance margin ratio in ppm.
func (p *Pool) Maintenance() *uint256.Int { return new(uint256.Int).Set(p.maintenance) }

// Fee returns the pool's fee rate in ppm.
func (p *Pool) Fee() *uint256.Int { return new(uint256.Int).Set(p.fee) }

// TwapWindow returns the safety-check lookback in seconds.
func (p *Pool) TwapWindow() uint64 { return p.twapWindow }

// SqrtPriceX96 returns a copy of the pool's spot square-root price.
func (p *Pool) SqrtPriceX96() *uint256.Int { return new(uint256.Int).Set(p.sqrtPriceX96) }

// Liquidity returns a copy of the unlocked pool liquidity.
func (p *Pool) Liquidity() *uint256.Int { return new(uint256.Int).Set(p.liquidity) }

// LiquidityLocked returns a copy of the liquidity locked under positions.
func (p *Pool) LiquidityLocked() *uint256.Int { return new(uint256.Int).Set(p.liquidityLocked) }

// Initialize sets the starting price. Callable once.
func (p *Pool) Initialize(sqrtPriceX96 *uint256.Int) error {
	if p.initialized {
		return &model.EnvCallError{Contract: "pool", Method: "initialize", Reason: "already initialized"}
	}
	if sqrtPriceX96.IsZero() {
		return &model.EnvCallError{Contract: "pool", Method: "initialize", Reason: "zero sqrt price"}
	}
	p.sqrtPriceX96 = new(uint256.Int).Set(sqrtPriceX96)
	p.initialized = true
	return nil
}

// Mint adds liquidity from the given account, pulling both token amounts.
func (p *Pool) Mint(from Account, liquidityDelta *uint256.Int) error {
	if !p.initialized {
		return &model.EnvCallError{Contract: "pool", Method: "mint", Reason: "not initialized"}
	}
	if liquidityDelta.IsZero() {
		return &model.EnvCallError{Contract: "pool", Method: "mint", Reason: "zero liquidity"}
	}
	amount0, amount1, err := poolmath.AmountsForLiquidity(p.sqrtPriceX96, liquidityDelta)
	if err != nil {
		return &model.ConsistencyError{Op: "pool.mint", Detail: err.Error()}
	}
	if err := p.token0.Transfer(from, AccountPool, amount0); err != nil {
		return err
	}
	if err := p.token1.Transfer(from, AccountPool, amount1); err != nil {
		return err
	}
	p.liquidity.Add(p.liquidity, liquidityDelta)
	return nil
}

// Swap executes an exact-input swap against the full-range curve. The fee is
// taken from the input and compounded into pool liquidity.
func (p *Pool) Swap(trader Account, zeroForOne bool, amountIn *uint256.Int) (*uint256.Int, error) {
	if !p.initialized {
		return nil, &model.EnvCallError{Contract: "pool", Method: "swap", Reason: "not initialized"}
	}
	if amountIn.IsZero() {
		return nil, &model.EnvCallError{Contract: "pool", Method: "swap", Reason: "zero input"}
	}
	if p.liquidity.IsZero() {
		return nil, &model.EnvCallError{Contract: "pool", Method: "swap", Reason: "no liquidity"}
	}

	feeDenom := new(uint256.Int).Sub(poolmath.MaintenanceUnit, p.fee)
	inAfterFee, err := poolmath.MulDiv(amountIn, feeDenom, poolmath.MaintenanceUnit)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.swap", Detail: err.Error()}
	}
	feeAmount := new(uint256.Int).Sub(amountIn, inAfterFee)

	var next, amountOut *uint256.Int
	if zeroForOne {
		next, amountOut, err = p.swapExact0For1(inAfterFee)
	} else {
		next, amountOut, err = p.swapExact1For0(inAfterFee)
	}
	if err != nil {
		return nil, err
	}

	inToken, outToken := p.token0, p.token1
	if !zeroForOne {
		inToken, outToken = p.token1, p.token0
	}
	if err := inToken.Transfer(trader, AccountPool, amountIn); err != nil {
		return nil, err
	}
	if err := outToken.Transfer(AccountPool, trader, amountOut); err != nil {
		return nil, err
	}

	fee0, fee1 := new(uint256.Int), new(uint256.Int)
	if zeroForOne {
		fee0 = feeAmount
	} else {
		fee1 = feeAmount
	}
	feeLiquidity, err := poolmath.LiquidityFromReserves(next, fee0, fee1)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.swap", Detail: err.Error()}
	}

	p.sqrtPriceX96 = next
	p.liquidity.Add(p.liquidity, feeLiquidity)
	return amountOut, nil
}

func (p *Pool) swapExact0For1(amountIn *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	// next = L * Q96 * sqrtP / (L * Q96 + amountIn * sqrtP)
	numerator, overflow := new(uint256.Int).MulOverflow(p.liquidity, poolmath.Q96)
	if overflow {
		return nil, nil, &model.ConsistencyError{Op: "pool.swap", Detail: "liquidity overflow"}
	}
	shift, overflow := new(uint256.Int).MulOverflow(amountIn, p.sqrtPriceX96)
	if overflow {
		return nil, nil, &model.EnvCallError{Contract: "pool", Method: "swap", Reason: "input amount too large"}
	}
	denom, overflow := new(uint256.Int).AddOverflow(numerator, shift)
	if overflow {
		return nil, nil, &model.EnvCallError{Contract: "pool", Method: "swap", Reason: "input amount too large"}
	}
	next, err := poolmath.MulDiv(numerator, p.sqrtPriceX96, denom)
	if err != nil {
		return nil, nil, &model.ConsistencyError{Op: "pool.swap", Detail: err.Error()}
	}
	if next.IsZero() {
		return nil, nil, &model.EnvCallError{Contract: "pool", Method: "swap", Reason: "price underflow"}
	}

	diff := new(uint256.Int).Sub(p.sqrtPriceX96, next)
	amountOut, err := poolmath.MulDiv(p.liquidity, diff, poolmath.Q96)
	if err != nil {
		return nil, nil, &model.ConsistencyError{Op: "pool.swap", Detail: err.Error()}
	}
	return next, amountOut, nil
}

func (p *Pool) swapExact1For0(amountIn *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	// next = sqrtP + amountIn * Q96 / L
	step, err := poolmath.MulDiv(amountIn, poolmath.Q96, p.liquidity)
	if err != nil {
		return nil, nil, &model.ConsistencyError{Op: "pool.swap", Detail: err.Error()}
	}
	next, overflow := new(uint256.Int).AddOverflow(p.sqrtPriceX96, step)
	if overflow || next.BitLen() > 160 {
		return nil, nil, &model.EnvCallError{Contract: "pool", Method: "swap", Reason: "price overflow"}
	}

	before, err := poolmath.MulDiv(p.liquidity, poolmath.Q96, p.sqrtPriceX96)
	if err != nil {
		return nil, nil, &model.ConsistencyError{Op: "pool.swap", Detail: err.Error()}
	}
	after, err := poolmath.MulDiv(p.liquidity, poolmath.Q96, next)
	if err != nil {
		return nil, nil, &model.ConsistencyError{Op: "pool.swap", Detail: err.Error()}
	}
	amountOut := new(uint256.Int).Sub(before, after)
	return next, amountOut, nil
}

// Open locks liquidityDelta under a new leveraged position. The open fee is
// charged on size, paid by the owner in the settlement token, and compounds
// into pool liquidity together with the price-impact move.
func (p *Pool) Open(owner Account, zeroForOne bool, liquidityDelta, margin *uint256.Int) (*Position, error) {
	if !p.initialized {
		return nil, &model.EnvCallError{Contract: "pool", Method: "open", Reason: "not initialized"}
	}
	if !liquidityDelta.Lt(p.liquidity) {
		return nil, &model.EnvCallError{Contract: "pool", Method: "open", Reason: "liquidity delta exceeds available liquidity"}
	}
	if liquidityDelta.IsZero() {
		return nil, &model.EnvCallError{Contract: "pool", Method: "open", Reason: "zero liquidity delta"}
	}
	if margin.IsZero() {
		return nil, &model.EnvCallError{Contract: "pool", Method: "open", Reason: "zero margin"}
	}

	next, err := poolmath.SqrtPriceX96NextOpen(p.liquidity, p.sqrtPriceX96, liquidityDelta, zeroForOne, p.maintenance)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.open", Detail: err.Error()}
	}
	insurance0, insurance1, err := poolmath.InsurancesOnOpen(p.liquidity, p.sqrtPriceX96, next, liquidityDelta, zeroForOne)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.open", Detail: err.Error()}
	}
	debt0, debt1, err := poolmath.DebtsOnOpen(next, liquidityDelta, insurance0, insurance1, zeroForOne)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.open", Detail: err.Error()}
	}
	size, err := poolmath.SizeFromLiquidityDelta(p.liquidity, p.sqrtPriceX96, liquidityDelta, zeroForOne, p.maintenance)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.open", Detail: err.Error()}
	}

	debt := debt0
	settleToken := p.token1
	if !zeroForOne {
		debt = debt1
		settleToken = p.token0
	}

	feeAmount, err := poolmath.MulDiv(size, p.fee, poolmath.MaintenanceUnit)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.open", Detail: err.Error()}
	}
	charge := new(uint256.Int).Add(margin, feeAmount)
	if err := settleToken.Transfer(owner, AccountPool, charge); err != nil {
		return nil, err
	}

	fee0, fee1 := new(uint256.Int), new(uint256.Int)
	if zeroForOne {
		fee1 = feeAmount
	} else {
		fee0 = feeAmount
	}
	feeLiquidity, err := poolmath.LiquidityFromReserves(next, fee0, fee1)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.open", Detail: err.Error()}
	}

	position := &Position{
		ID:                        p.nextID,
		ZeroForOne:                zeroForOne,
		Size:                      size,
		Margin:                    new(uint256.Int).Set(margin),
		Debt:                      debt,
		Insurance0:                insurance0,
		Insurance1:                insurance1,
		LiquidityLocked:           new(uint256.Int).Set(liquidityDelta),
		tickCumulativeStart:       p.tickCumulative,
		oracleTickCumulativeStart: p.oracle.TickCumulative(),
	}
	p.nextID++
	p.positions[position.ID] = position

	p.liquidity.Sub(p.liquidity, liquidityDelta)
	p.liquidity.Add(p.liquidity, feeLiquidity)
	p.liquidityLocked.Add(p.liquidityLocked, liquidityDelta)
	p.sqrtPriceX96 = next
	return position, nil
}

// liquidityDeltaForSize converts a desired notional size into the liquidity
// delta the pool would lock for it at the current state.
func (p *Pool) liquidityDeltaForSize(zeroForOne bool, size *uint256.Int) (*uint256.Int, error) {
	if !p.initialized {
		return nil, &model.EnvCallError{Contract: "pool", Method: "open", Reason: "not initialized"}
	}
	delta, err := poolmath.LiquidityDeltaForSize(p.liquidity, p.sqrtPriceX96, size, zeroForOne, p.maintenance)
	if err != nil {
		return nil, &model.EnvCallError{Contract: "pool", Method: "open", Reason: err.Error()}
	}
	return delta, nil
}

// GetPosition returns the stored position.
func (p *Pool) GetPosition(id uint64) (*Position, error) {
	position, ok := p.positions[id]
	if !ok {
		return nil, &model.EnvCallError{Contract: "pool", Method: "positions", Reason: fmt.Sprintf("unknown position %d", id)}
	}
	return position, nil
}

// DebtWithFunding returns the position debt grown by the funding accrued
// since open: 1.0001^(premium / fundingPeriod), where premium is the spread
// between the pool's and the oracle's tick-cumulative deltas. The side owing
// token1 pays the inverse sign.
func (p *Pool) DebtWithFunding(position *Position) (*uint256.Int, error) {
	premium := (p.tickCumulative - position.tickCumulativeStart) -
		(p.oracle.TickCumulative() - position.oracleTickCumulativeStart)
	if p.fundingPeriod == 0 {
		return nil, &model.ConsistencyError{Op: "pool.debtWithFunding", Detail: "zero funding period"}
	}

	exponent := premium / int64(p.fundingPeriod)
	if !position.ZeroForOne {
		exponent = -exponent
	}
	if exponent > poolmath.MaxTick {
		exponent = poolmath.MaxTick
	}
	if exponent < poolmath.MinTick {
		exponent = poolmath.MinTick
	}

	ratio, err := poolmath.SqrtRatioAtTick(int(exponent))
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.debtWithFunding", Detail: err.Error()}
	}
	half, err := poolmath.MulDiv(position.Debt, ratio, poolmath.Q96)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.debtWithFunding", Detail: err.Error()}
	}
	full, err := poolmath.MulDiv(half, ratio, poolmath.Q96)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.debtWithFunding", Detail: err.Error()}
	}
	return full, nil
}

// Safe reports whether the position meets its maintenance requirement at
// the oracle TWAP price.
func (p *Pool) Safe(position *Position) (bool, error) {
	marginMin, err := p.marginMinimum(position.ZeroForOne, position.Size, position.Debt, position.tickCumulativeStart, position.oracleTickCumulativeStart)
	if err != nil {
		return false, err
	}
	return !position.Margin.Lt(marginMin), nil
}

// marginMinimum values the funded debt in the settlement token at the
// oracle TWAP, scales it by the maintenance ratio, and nets the size.
func (p *Pool) marginMinimum(zeroForOne bool, size, debt *uint256.Int, tickCumStart, oracleTickCumStart int64) (*uint256.Int, error) {
	position := &Position{
		ZeroForOne:                zeroForOne,
		Debt:                      debt,
		tickCumulativeStart:       tickCumStart,
		oracleTickCumulativeStart: oracleTickCumStart,
	}
	debtFunded, err := p.DebtWithFunding(position)
	if err != nil {
		return nil, err
	}

	twapTick := p.oracle.TwapTick(p.twapWindow)
	sqrtTwap, err := poolmath.SqrtRatioAtTick(twapTick)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.safe", Detail: err.Error()}
	}

	var debtValue *uint256.Int
	if zeroForOne {
		// debt in token0, valued in token1
		half, err := poolmath.MulDiv(debtFunded, sqrtTwap, poolmath.Q96)
		if err != nil {
			return nil, &model.ConsistencyError{Op: "pool.safe", Detail: err.Error()}
		}
		debtValue, err = poolmath.MulDiv(half, sqrtTwap, poolmath.Q96)
		if err != nil {
			return nil, &model.ConsistencyError{Op: "pool.safe", Detail: err.Error()}
		}
	} else {
		// debt in token1, valued in token0
		half, err := poolmath.MulDiv(debtFunded, poolmath.Q96, sqrtTwap)
		if err != nil {
			return nil, &model.ConsistencyError{Op: "pool.safe", Detail: err.Error()}
		}
		debtValue, err = poolmath.MulDiv(half, poolmath.Q96, sqrtTwap)
		if err != nil {
			return nil, &model.ConsistencyError{Op: "pool.safe", Detail: err.Error()}
		}
	}

	scale := new(uint256.Int).Add(poolmath.MaintenanceUnit, p.maintenance)
	required, err := poolmath.MulDiv(debtValue, scale, poolmath.MaintenanceUnit)
	if err != nil {
		return nil, &model.ConsistencyError{Op: "pool.safe", Detail: err.Error()}
	}
	if required.Lt(size) {
		return new(uint256.Int), nil
	}
	return required.Sub(required, size), nil
}

// Settle closes the position voluntarily: the owner repays the funded debt
// and receives size plus margin; the insurance and repaid reserves return
// to the pool as liquidity.
func (p *Pool) Settle(owner Account, id uint64) error {
	position, err := p.GetPosition(id)
	if err != nil {
		return err
	}
	debtFunded, err := p.DebtWithFunding(position)
	if err != nil {
		return err
	}

	payout := new(uint256.Int).Add(position.Size, position.Margin)
	if position.ZeroForOne {
		if err := p.token0.Transfer(owner, AccountPool, debtFunded); err != nil {
			return err
		}
		if err := p.token1.Transfer(AccountPool, owner, payout); err != nil {
			return err
		}
	} else {
		if err := p.token1.Transfer(owner, AccountPool, debtFunded); err != nil {
			return err
		}
		if err := p.token0.Transfer(AccountPool, owner, payout); err != nil {
			return err
		}
	}

	returned0 := new(uint256.Int).Set(position.Insurance0)
	returned1 := new(uint256.Int).Set(position.Insurance1)
	if position.ZeroForOne {
		returned0.Add(returned0, debtFunded)
	} else {
		returned1.Add(returned1, debtFunded)
	}
	return p.close(position, returned0, returned1)
}

// Liquidate seizes an unsafe position: the owner forfeits margin and size,
// which return to the pool together with the insurance; the debt is written
// off.
func (p *Pool) Liquidate(id uint64) error {
	position, err := p.GetPosition(id)
	if err != nil {
		return err
	}
	safe, err := p.Safe(position)
	if err != nil {
		return err
	}
	if safe {
		return &model.EnvCallError{Contract: "pool", Method: "liquidate", Reason: "position is safe"}
	}

	returned0 := new(uint256.Int).Set(position.Insurance0)
	returned1 := new(uint256.Int).Set(position.Insurance1)
	forfeited := new(uint256.Int).Add(position.Size, position.Margin)
	if position.ZeroForOne {
		returned1.Add(returned1, forfeited)
	} else {
		returned0.Add(returned0, forfeited)
	}
	return p.close(position, returned0, returned1)
}

func (p *Pool) close(position *Position, returned0, returned1 *uint256.Int) error {
	returnedLiquidity, err := poolmath.LiquidityFromReserves(p.sqrtPriceX96, returned0, returned1)
	if err != nil {
		return &model.ConsistencyError{Op: "pool.close", Detail: err.Error()}
	}

	if p.liquidityLocked.Lt(position.LiquidityLocked) {
		return &model.ConsistencyError{Op: "pool.close", Detail: "locked liquidity underflow"}
	}
	p.liquidityLocked.Sub(p.liquidityLocked, position.LiquidityLocked)
	p.liquidity.Add(p.liquidity, returnedLiquidity)
	delete(p.positions, position.ID)
	return nil
}

// accrue extends the pool's tick accumulator by dt seconds.
func (p *Pool) accrue(dt uint64) error {
	if dt == 0 || !p.initialized {
		return nil
	}
	tick, err := poolmath.TickAtSqrtRatio(p.sqrtPriceX96)
	if err != nil {
		return &model.ConsistencyError{Op: "pool.accrue", Detail: err.Error()}
	}
	p.tickCumulative += int64(tick) * int64(dt)
	return nil
}
