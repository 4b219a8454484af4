package poolmath

import (
	"fmt"
	"math"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// MinTick and MaxTick bound the usable tick range of the pools.
	MinTick = -887272
	MaxTick = 887272
)

var (
	maxUint256 = new(uint256.Int).SetAllOne()
	q32        = uint256.NewInt(1 << 32)

	tickLadder = []string{
		"0xfff97272373d413259a46990580e213a",
		"0xfff2e50f5f656932ef12357cf3c7fdcc",
		"0xffe5caca7e10e4e61c3624eaa0941cd0",
		"0xffcb9843d60f6159c9db58835c926644",
		"0xff973b41fa98c081472e6896dfb254c0",
		"0xff2ea16466c96a3843ec78b326b52861",
		"0xfe5dee046a99a2a811c461f1969c3053",
		"0xfcbe86c7900a88aedcffc83b479aa3a4",
		"0xf987a7253ac413176f2b074cf7815e54",
		"0xf3392b0822b70005940c7a398e4b70f3",
		"0xe7159475a2c29b7443b29c7fa6e889d9",
		"0xd097f3bdfd2022b8845ad8f792aa5825",
		"0xa9f746462d870fdf8a65dc1f90e061e5",
		"0x70d869a156d2a1b890bb3df62baf32f7",
		"0x31be135f97d08fd981231505542fcfa6",
		"0x9aa508b5b7a84e1c677de54f3e99bc9",
		"0x5d6af8dedb81196699c329225ee604",
		"0x2216e584f5fa1ea926041bedfe98",
		"0x48a170391f7dc42444e8fa2",
	}
)

// SqrtRatioAtTick returns sqrt(1.0001)^tick as a Q64.96, using the bit-ladder
// of precomputed Q128 multiplicands so results are bit-exact with the chain.
func SqrtRatioAtTick(tick int) (*uint256.Int, error) {
	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}
	if absTick > MaxTick {
		return nil, fmt.Errorf("sqrtRatioAtTick: tick %d out of range", tick)
	}

	ratio := uint256.MustFromHex("0x100000000000000000000000000000000")
	if absTick&1 != 0 {
		ratio = uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001")
	}
	for i, mul := range tickLadder {
		if absTick&(1<<(i+1)) != 0 {
			step := uint256.MustFromHex(mul)
			ratio = new(uint256.Int).Rsh(new(uint256.Int).Mul(ratio, step), 128)
		}
	}
	if tick > 0 {
		ratio = new(uint256.Int).Div(maxUint256, ratio)
	}

	// Q128 down to Q96, rounding up.
	rem := new(uint256.Int).Mod(ratio, q32)
	ratio.Div(ratio, q32)
	if !rem.IsZero() {
		ratio.AddUint64(ratio, 1)
	}
	return ratio, nil
}

// TickAtSqrtRatio returns the largest tick whose sqrt ratio does not exceed
// the input. The candidate comes from a float log and is then corrected
// against the exact ladder, so the result matches SqrtRatioAtTick.
func TickAtSqrtRatio(sqrtPriceX96 *uint256.Int) (int, error) {
	if sqrtPriceX96.IsZero() {
		return 0, fmt.Errorf("tickAtSqrtRatio: zero sqrt price")
	}

	ratio, _ := new(big.Float).SetInt(sqrtPriceX96.ToBig()).Float64()
	log := 2 * math.Log(ratio/math.Pow(2, 96)) / math.Log(1.0001)
	tick := int(math.Floor(log))
	if tick < MinTick {
		tick = MinTick
	}
	if tick > MaxTick {
		tick = MaxTick
	}

	// Float error is far below one tick, but walk to the exact boundary.
	for tick > MinTick {
		lower, err := SqrtRatioAtTick(tick)
		if err != nil {
			return 0, err
		}
		if !sqrtPriceX96.Lt(lower) {
			break
		}
		tick--
	}
	for tick < MaxTick {
		upper, err := SqrtRatioAtTick(tick + 1)
		if err != nil {
			return 0, err
		}
		if sqrtPriceX96.Lt(upper) {
			break
		}
		tick++
	}
	return tick, nil
}
