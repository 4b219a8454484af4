// Package strategy implements the LP/hedging policy the backtest replays:
// keep the mock pool arbitraged to the reference price, hold one leveraged
// position per side sized from utilization and skew, and roll them on a
// fixed block schedule.
package strategy

import (
	"math"

	"github.com/holiman/uint256"

	"marginalsim/internal/model"
)

const (
	// DefaultMaintenance is the pool maintenance requirement in ppm.
	DefaultMaintenance uint32 = 250_000
	// DefaultBlocksHeld is the holding period before a position settles.
	DefaultBlocksHeld uint64 = 7_200
	// DefaultSqrtPriceTolerance is the relative sqrt-price gap that
	// triggers an arbitrage trade.
	DefaultSqrtPriceTolerance = 0.0025
)

// Parameters configures the engine. Exactly one of Leverage and
// RelMarginAboveSafeMin selects the margin sizing mode: Leverage > 1 sizes
// margin as size/(leverage-1); RelMarginAboveSafeMin >= 0 sizes margin as the
// quoted safe minimum scaled up by that fraction. The unused mode stays at
// its zero value (Leverage 0, RelMarginAboveSafeMin negative).
type Parameters struct {
	Maintenance uint32  // ppm
	Utilization float64 // fraction of total liquidity to lock, [0, 1]
	Skew        float64 // [-1, 1]; positive tilts toward the zero-for-one side

	Leverage              float64
	RelMarginAboveSafeMin float64

	BlocksHeld         uint64
	SqrtPriceTolerance float64
}

// DefaultParameters returns the baseline parameter set with margin sizing
// left unselected.
func DefaultParameters() Parameters {
	return Parameters{
		Maintenance:           DefaultMaintenance,
		BlocksHeld:            DefaultBlocksHeld,
		SqrtPriceTolerance:    DefaultSqrtPriceTolerance,
		RelMarginAboveSafeMin: -1,
	}
}

// Validate checks every field eagerly so a bad run fails before any chain
// traffic.
func (p Parameters) Validate() error {
	if p.Maintenance == 0 || p.Maintenance >= 1_000_000 {
		return &model.ValidationError{Field: "maintenance", Reason: "must be in (0, 1000000) ppm"}
	}
	if math.IsNaN(p.Utilization) || p.Utilization < 0 || p.Utilization > 1 {
		return &model.ValidationError{Field: "utilization", Reason: "must be in [0, 1]"}
	}
	if math.IsNaN(p.Skew) || p.Skew < -1 || p.Skew > 1 {
		return &model.ValidationError{Field: "skew", Reason: "must be in [-1, 1]"}
	}

	leverageSet := p.Leverage != 0
	relSet := p.RelMarginAboveSafeMin >= 0
	if leverageSet == relSet {
		return &model.ValidationError{Field: "leverage", Reason: "exactly one of leverage and rel_margin_above_safe_min must be set"}
	}
	if leverageSet && (math.IsNaN(p.Leverage) || p.Leverage <= 1) {
		return &model.ValidationError{Field: "leverage", Reason: "must be greater than 1"}
	}
	if relSet && math.IsNaN(p.RelMarginAboveSafeMin) {
		return &model.ValidationError{Field: "rel_margin_above_safe_min", Reason: "must be a non-negative number"}
	}

	if p.BlocksHeld == 0 {
		return &model.ValidationError{Field: "blocks_held", Reason: "must be positive"}
	}
	if math.IsNaN(p.SqrtPriceTolerance) || p.SqrtPriceTolerance <= 0 {
		return &model.ValidationError{Field: "sqrt_price_tolerance", Reason: "must be positive"}
	}
	return nil
}

// slotFractionsPPM returns the per-side share of total liquidity to lock, in
// ppm: side 0 gets u*(1+skew)/2, side 1 gets u*(1-skew)/2.
func (p Parameters) slotFractionsPPM() [2]*uint256.Int {
	frac0 := p.Utilization * (1 + p.Skew) / 2
	frac1 := p.Utilization * (1 - p.Skew) / 2
	return [2]*uint256.Int{
		uint256.NewInt(uint64(math.Round(frac0 * 1e6))),
		uint256.NewInt(uint64(math.Round(frac1 * 1e6))),
	}
}

func (p Parameters) tolerancePPM() *uint256.Int {
	return uint256.NewInt(uint64(math.Round(p.SqrtPriceTolerance * 1e6)))
}

func (p Parameters) leveragePPM() *uint256.Int {
	return uint256.NewInt(uint64(math.Round(p.Leverage * 1e6)))
}

func (p Parameters) relMarginPPM() *uint256.Int {
	return uint256.NewInt(uint64(math.Round(p.RelMarginAboveSafeMin * 1e6)))
}
