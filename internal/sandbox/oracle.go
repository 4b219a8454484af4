package sandbox

import (
	"github.com/holiman/uint256"

	"marginalsim/internal/model"
)

// oracleSample is one point of the mock's own observation history.
type oracleSample struct {
	timestamp      uint64
	tickCumulative int64
}

// OraclePool mocks the reference oracle pool. The driver replays real
// reference state onto it each block; between syncs it accrues its own
// tick-cumulative history so TWAP queries against the mock behave like the
// real oracle's observations.
type OraclePool struct {
	clock *Clock

	sqrtPriceX96 *uint256.Int
	tick         int
	liquidity    *uint256.Int
	feeGrowth0   *uint256.Int
	feeGrowth1   *uint256.Int

	tickCumulative int64
	samples        []oracleSample
}

const maxOracleSamples = 65536

func NewOraclePool(clock *Clock) *OraclePool {
	p := &OraclePool{
		clock:        clock,
		sqrtPriceX96: new(uint256.Int),
		liquidity:    new(uint256.Int),
		feeGrowth0:   new(uint256.Int),
		feeGrowth1:   new(uint256.Int),
	}
	p.record()
	return p
}

// SyncState replays a reference snapshot onto the mock.
func (p *OraclePool) SyncState(ref model.ReferenceState) error {
	sqrtPrice, overflow := uint256.FromBig(ref.SqrtPriceX96)
	if overflow {
		return &model.ConsistencyError{Op: "oracle.syncState", Detail: "sqrt price overflows uint256"}
	}
	liquidity, overflow := uint256.FromBig(ref.Liquidity)
	if overflow {
		return &model.ConsistencyError{Op: "oracle.syncState", Detail: "liquidity overflows uint256"}
	}
	feeGrowth0, overflow := uint256.FromBig(ref.FeeGrowthGlobal0X128)
	if overflow {
		return &model.ConsistencyError{Op: "oracle.syncState", Detail: "fee growth 0 overflows uint256"}
	}
	feeGrowth1, overflow := uint256.FromBig(ref.FeeGrowthGlobal1X128)
	if overflow {
		return &model.ConsistencyError{Op: "oracle.syncState", Detail: "fee growth 1 overflows uint256"}
	}

	p.sqrtPriceX96 = sqrtPrice
	p.tick = ref.Tick
	p.liquidity = liquidity
	p.feeGrowth0 = feeGrowth0
	p.feeGrowth1 = feeGrowth1
	return nil
}

// accrue extends the observation history by dt seconds at the current tick.
func (p *OraclePool) accrue(dt uint64) {
	if dt == 0 {
		return
	}
	p.tickCumulative += int64(p.tick) * int64(dt)
	p.record()
}

func (p *OraclePool) record() {
	p.samples = append(p.samples, oracleSample{
		timestamp:      p.clock.Timestamp(),
		tickCumulative: p.tickCumulative,
	})
	if len(p.samples) > maxOracleSamples {
		p.samples = p.samples[len(p.samples)-maxOracleSamples:]
	}
}

// SqrtPriceX96 returns a copy of the current spot square-root price.
func (p *OraclePool) SqrtPriceX96() *uint256.Int { return new(uint256.Int).Set(p.sqrtPriceX96) }

// Tick returns the current spot tick.
func (p *OraclePool) Tick() int { return p.tick }

// Liquidity returns a copy of the current liquidity.
func (p *OraclePool) Liquidity() *uint256.Int { return new(uint256.Int).Set(p.liquidity) }

// TickCumulative returns the mock's tick accumulator at the current time.
func (p *OraclePool) TickCumulative() int64 { return p.tickCumulative }

// TwapTick returns the arithmetic-mean tick over the trailing window,
// clamped to the recorded history when the window is longer.
func (p *OraclePool) TwapTick(windowSeconds uint64) int {
	now := p.clock.Timestamp()
	if windowSeconds == 0 || len(p.samples) == 0 {
		return p.tick
	}

	target := now - windowSeconds
	if now < windowSeconds {
		target = 0
	}

	// Oldest sample no newer than the target, or the oldest available.
	start := p.samples[0]
	for _, s := range p.samples {
		if s.timestamp > target {
			break
		}
		start = s
	}

	elapsed := now - start.timestamp
	if elapsed == 0 {
		return p.tick
	}
	return int((p.tickCumulative - start.tickCumulative) / int64(elapsed))
}
