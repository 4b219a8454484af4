package sandbox

import (
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"marginalsim/internal/model"
)

// Config carries the deployment parameters of a simulation environment.
type Config struct {
	Token0Symbol   string
	Token0Decimals uint8
	Token1Symbol   string
	Token1Decimals uint8

	Maintenance   uint32 // ppm
	Fee           uint32 // ppm
	FundingPeriod uint64 // seconds
	TwapWindow    uint64 // seconds

	BlockNumber uint64
	Timestamp   uint64
}

// Env is one deployed simulation: tokens, oracle mock, leveraged pool, and
// periphery, sharing a single clock.
type Env struct {
	Clock  *Clock
	Token0 *Token
	Token1 *Token
	Oracle *OraclePool
	Pool   *Pool

	Manager     *Manager
	Quoter      *Quoter
	Router      *Router
	Arbitrageur *Arbitrageur

	logger *zap.Logger
}

// Deploy builds a fresh environment and seeds the operating accounts with
// balances far beyond anything a run can spend, so transfers only fail on
// genuine accounting bugs.
func Deploy(cfg Config, logger *zap.Logger) (*Env, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FundingPeriod == 0 {
		return nil, &model.ValidationError{Field: "funding_period", Reason: "must be positive"}
	}
	if cfg.Maintenance == 0 {
		return nil, &model.ValidationError{Field: "maintenance", Reason: "must be positive"}
	}

	clock := NewClock(cfg.BlockNumber, cfg.Timestamp)
	token0 := NewToken(cfg.Token0Symbol, cfg.Token0Decimals)
	token1 := NewToken(cfg.Token1Symbol, cfg.Token1Decimals)
	oracle := NewOraclePool(clock)
	pool := NewPool(clock, oracle, token0, token1, PoolConfig{
		Maintenance:   cfg.Maintenance,
		Fee:           cfg.Fee,
		FundingPeriod: cfg.FundingPeriod,
		TwapWindow:    cfg.TwapWindow,
	})

	seed := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	for _, account := range []Account{AccountStrategy, AccountArbitrageur} {
		token0.Mint(account, seed)
		token1.Mint(account, seed)
	}

	env := &Env{
		Clock:       clock,
		Token0:      token0,
		Token1:      token1,
		Oracle:      oracle,
		Pool:        pool,
		Manager:     NewManager(pool),
		Quoter:      NewQuoter(pool),
		Router:      NewRouter(pool),
		Arbitrageur: NewArbitrageur(pool, AccountArbitrageur),
		logger:      logger,
	}
	logger.Debug("deployed simulation environment",
		zap.Uint64("block_number", cfg.BlockNumber),
		zap.Uint64("timestamp", cfg.Timestamp),
		zap.Uint32("maintenance_ppm", cfg.Maintenance),
		zap.Uint32("fee_ppm", cfg.Fee))
	return env, nil
}

// Initialize sets the pool's starting price, mints initial liquidity from
// the strategy account, and anchors both accumulators.
func (e *Env) Initialize(sqrtPriceX96, liquidity *uint256.Int) error {
	if err := e.Pool.Initialize(sqrtPriceX96); err != nil {
		return err
	}
	if liquidity != nil && !liquidity.IsZero() {
		if err := e.Pool.Mint(AccountStrategy, liquidity); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceTo moves simulated time forward and accrues both pools'
// time-weighted accumulators over the elapsed seconds.
func (e *Env) AdvanceTo(blockNumber, timestamp uint64) error {
	dt, err := e.Clock.advanceTo(blockNumber, timestamp)
	if err != nil {
		return err
	}
	e.Oracle.accrue(dt)
	return e.Pool.accrue(dt)
}
