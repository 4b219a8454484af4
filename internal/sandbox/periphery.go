package sandbox

import (
	"fmt"

	"github.com/holiman/uint256"

	"marginalsim/internal/model"
	"marginalsim/internal/poolmath"
)

// Manager wraps the pool's position primitives behind token identifiers, the
// way the NFT position manager fronts the real pool.
type Manager struct {
	pool   *Pool
	tokens map[int64]uint64
	nextID int64
}

// PositionView is a read-only snapshot of a managed position.
type PositionView struct {
	TokenID         int64
	ZeroForOne      bool
	Size            *uint256.Int
	Margin          *uint256.Int
	Debt            *uint256.Int // funded, as owed now
	DebtInitial     *uint256.Int // as written at open
	LiquidityLocked *uint256.Int
}

func NewManager(pool *Pool) *Manager {
	return &Manager{pool: pool, tokens: make(map[int64]uint64), nextID: 1}
}

// Open opens a leveraged position of the desired notional size and returns
// its token identifier. The pool converts the size into a liquidity delta at
// its current state, so the realized size matches the request up to
// truncation.
func (m *Manager) Open(owner Account, zeroForOne bool, sizeDesired, margin *uint256.Int) (int64, error) {
	liquidityDelta, err := m.pool.liquidityDeltaForSize(zeroForOne, sizeDesired)
	if err != nil {
		return 0, err
	}
	position, err := m.pool.Open(owner, zeroForOne, liquidityDelta, margin)
	if err != nil {
		return 0, err
	}
	tokenID := m.nextID
	m.nextID++
	m.tokens[tokenID] = position.ID
	return tokenID, nil
}

// Position returns the current view of a managed position.
func (m *Manager) Position(tokenID int64) (PositionView, error) {
	position, err := m.lookup(tokenID)
	if err != nil {
		return PositionView{}, err
	}
	funded, err := m.pool.DebtWithFunding(position)
	if err != nil {
		return PositionView{}, err
	}
	return PositionView{
		TokenID:         tokenID,
		ZeroForOne:      position.ZeroForOne,
		Size:            new(uint256.Int).Set(position.Size),
		Margin:          new(uint256.Int).Set(position.Margin),
		Debt:            funded,
		DebtInitial:     new(uint256.Int).Set(position.Debt),
		LiquidityLocked: new(uint256.Int).Set(position.LiquidityLocked),
	}, nil
}

// Safe reports whether the managed position meets its maintenance margin.
func (m *Manager) Safe(tokenID int64) (bool, error) {
	position, err := m.lookup(tokenID)
	if err != nil {
		return false, err
	}
	return m.pool.Safe(position)
}

// Settle closes the position voluntarily on behalf of the owner.
func (m *Manager) Settle(owner Account, tokenID int64) error {
	position, err := m.lookup(tokenID)
	if err != nil {
		return err
	}
	if err := m.pool.Settle(owner, position.ID); err != nil {
		return err
	}
	delete(m.tokens, tokenID)
	return nil
}

// Liquidate seizes an unsafe position.
func (m *Manager) Liquidate(tokenID int64) error {
	position, err := m.lookup(tokenID)
	if err != nil {
		return err
	}
	if err := m.pool.Liquidate(position.ID); err != nil {
		return err
	}
	delete(m.tokens, tokenID)
	return nil
}

func (m *Manager) lookup(tokenID int64) (*Position, error) {
	id, ok := m.tokens[tokenID]
	if !ok {
		return nil, &model.EnvCallError{Contract: "manager", Method: "positions", Reason: fmt.Sprintf("unknown token %d", tokenID)}
	}
	return m.pool.GetPosition(id)
}

// OpenQuote is the result of a dry-run open.
type OpenQuote struct {
	LiquidityDelta    *uint256.Int
	Size              *uint256.Int
	Debt              *uint256.Int
	Fees              *uint256.Int
	SafeMarginMinimum *uint256.Int
}

// Quoter computes open terms without mutating pool state.
type Quoter struct {
	pool *Pool
}

func NewQuoter(pool *Pool) *Quoter {
	return &Quoter{pool: pool}
}

// QuoteOpen previews the open of a desired notional size: the liquidity
// delta it locks, the realized size, debt, open fee, and the minimum margin
// that would leave the position safe at the current oracle TWAP.
func (q *Quoter) QuoteOpen(zeroForOne bool, sizeDesired *uint256.Int) (OpenQuote, error) {
	p := q.pool
	if !p.initialized {
		return OpenQuote{}, &model.EnvCallError{Contract: "quoter", Method: "quoteOpen", Reason: "pool not initialized"}
	}
	liquidityDelta, err := p.liquidityDeltaForSize(zeroForOne, sizeDesired)
	if err != nil {
		return OpenQuote{}, err
	}
	if !liquidityDelta.Lt(p.liquidity) {
		return OpenQuote{}, &model.EnvCallError{Contract: "quoter", Method: "quoteOpen", Reason: "size exceeds available liquidity"}
	}

	next, err := poolmath.SqrtPriceX96NextOpen(p.liquidity, p.sqrtPriceX96, liquidityDelta, zeroForOne, p.maintenance)
	if err != nil {
		return OpenQuote{}, &model.ConsistencyError{Op: "quoter.quoteOpen", Detail: err.Error()}
	}
	insurance0, insurance1, err := poolmath.InsurancesOnOpen(p.liquidity, p.sqrtPriceX96, next, liquidityDelta, zeroForOne)
	if err != nil {
		return OpenQuote{}, &model.ConsistencyError{Op: "quoter.quoteOpen", Detail: err.Error()}
	}
	debt0, debt1, err := poolmath.DebtsOnOpen(next, liquidityDelta, insurance0, insurance1, zeroForOne)
	if err != nil {
		return OpenQuote{}, &model.ConsistencyError{Op: "quoter.quoteOpen", Detail: err.Error()}
	}
	size, err := poolmath.SizeFromLiquidityDelta(p.liquidity, p.sqrtPriceX96, liquidityDelta, zeroForOne, p.maintenance)
	if err != nil {
		return OpenQuote{}, &model.ConsistencyError{Op: "quoter.quoteOpen", Detail: err.Error()}
	}
	fees, err := poolmath.MulDiv(size, p.fee, poolmath.MaintenanceUnit)
	if err != nil {
		return OpenQuote{}, &model.ConsistencyError{Op: "quoter.quoteOpen", Detail: err.Error()}
	}

	debt := debt0
	if !zeroForOne {
		debt = debt1
	}
	// A position opened now starts with zero funding premium.
	marginMin, err := p.marginMinimum(zeroForOne, size, debt, p.tickCumulative, p.oracle.TickCumulative())
	if err != nil {
		return OpenQuote{}, err
	}
	return OpenQuote{
		LiquidityDelta:    liquidityDelta,
		Size:              size,
		Debt:              debt,
		Fees:              fees,
		SafeMarginMinimum: marginMin,
	}, nil
}

// Router fronts the pool's swap for plain exact-input trades.
type Router struct {
	pool *Pool
}

func NewRouter(pool *Pool) *Router {
	return &Router{pool: pool}
}

// ExactInputSingle swaps amountIn of the input token for the output token.
func (r *Router) ExactInputSingle(trader Account, zeroForOne bool, amountIn *uint256.Int) (*uint256.Int, error) {
	return r.pool.Swap(trader, zeroForOne, amountIn)
}

// Arbitrageur trades the leveraged pool toward a target price, sizing the
// swap from the curve so a single trade lands on the target up to fee
// compounding and integer rounding.
type Arbitrageur struct {
	pool    *Pool
	account Account
}

func NewArbitrageur(pool *Pool, account Account) *Arbitrageur {
	return &Arbitrageur{pool: pool, account: account}
}

// RebalanceTo swaps the pool price to targetSqrtPriceX96. A no-op when the
// pool is already there.
func (a *Arbitrageur) RebalanceTo(targetSqrtPriceX96 *uint256.Int) error {
	p := a.pool
	if !p.initialized {
		return &model.EnvCallError{Contract: "arbitrageur", Method: "rebalance", Reason: "pool not initialized"}
	}
	if targetSqrtPriceX96.IsZero() {
		return &model.EnvCallError{Contract: "arbitrageur", Method: "rebalance", Reason: "zero target price"}
	}
	if targetSqrtPriceX96.Eq(p.sqrtPriceX96) {
		return nil
	}

	zeroForOne := targetSqrtPriceX96.Lt(p.sqrtPriceX96)
	var inAfterFee *uint256.Int
	var err error
	if zeroForOne {
		// amount0 = L * Q96 * (sqrtP - target) / (sqrtP * target)
		diff := new(uint256.Int).Sub(p.sqrtPriceX96, targetSqrtPriceX96)
		numerator, e := poolmath.MulDiv(p.liquidity, diff, targetSqrtPriceX96)
		if e != nil {
			return &model.ConsistencyError{Op: "arbitrageur.rebalance", Detail: e.Error()}
		}
		inAfterFee, err = poolmath.MulDivRoundingUp(numerator, poolmath.Q96, p.sqrtPriceX96)
	} else {
		// amount1 = L * (target - sqrtP) / Q96
		diff := new(uint256.Int).Sub(targetSqrtPriceX96, p.sqrtPriceX96)
		inAfterFee, err = poolmath.MulDivRoundingUp(p.liquidity, diff, poolmath.Q96)
	}
	if err != nil {
		return &model.ConsistencyError{Op: "arbitrageur.rebalance", Detail: err.Error()}
	}
	if inAfterFee.IsZero() {
		return nil
	}

	feeDenom := new(uint256.Int).Sub(poolmath.MaintenanceUnit, p.fee)
	amountIn, err := poolmath.MulDivRoundingUp(inAfterFee, poolmath.MaintenanceUnit, feeDenom)
	if err != nil {
		return &model.ConsistencyError{Op: "arbitrageur.rebalance", Detail: err.Error()}
	}
	_, err = p.Swap(a.account, zeroForOne, amountIn)
	return err
}
