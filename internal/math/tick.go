package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var ErrTickOutOfRange = errors.New("tick out of range")

var (
	// q96 is 2^96, the Q64.96 representation of 1.0
	q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)

	q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	maxUint256 = new(uint256.Int).SetAllOne()

	// oddTickRatio is 1/sqrt(1.0001) in Q128.128
	oddTickRatio = uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001")

	// tickRatios[i] is 1/sqrt(1.0001)^(2^(i+1)) in Q128.128
	tickRatios = [...]*uint256.Int{
		uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
		uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
		uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
		uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
		uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
		uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
		uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
		uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
		uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
		uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
		uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	}
)

// ValidateTick rejects ticks outside [MinTick, MaxTick].
func ValidateTick(tick int32) error {
	if tick < MinTick || tick > MaxTick {
		return fmt.Errorf("%w: %d", ErrTickOutOfRange, tick)
	}
	return nil
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 number, bit-exact with
// the on-chain TickMath implementation (rounded up on the final shift).
func SqrtRatioAtTick(tick int32) (*uint256.Int, error) {
	if err := ValidateTick(tick); err != nil {
		return nil, err
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(uint256.Int)
	if absTick&1 != 0 {
		ratio.Set(oddTickRatio)
	} else {
		ratio.Set(q128)
	}
	for i, magic := range tickRatios {
		if absTick&(1<<(i+1)) != 0 {
			ratio.Mul(ratio, magic)
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128.128 -> Q64.96, rounding up so that the result is never below the true ratio
	sqrtPriceX96 := new(uint256.Int).Rsh(ratio, 32)
	if new(uint256.Int).And(ratio, uint256.NewInt(0xffffffff)).Sign() != 0 {
		sqrtPriceX96.AddUint64(sqrtPriceX96, 1)
	}
	return sqrtPriceX96, nil
}

// PriceRatio converts a tick to its 18-decimal square-root price ratio
// sqrt(1.0001^tick). It is monotonic in tick and used for entry, exit and
// range-bound prices alike. Ticks far below zero truncate toward 0 at this
// precision; use SqrtRatioQuotient when dividing two ratios.
func PriceRatio(tick int32) (Decimal, error) {
	sqrtX96, err := SqrtRatioAtTick(tick)
	if err != nil {
		return Zero, err
	}
	return mulDiv(sqrtX96, scale, q96)
}

// SqrtRatioQuotient returns PriceRatio(numeratorTick) / PriceRatio(denominatorTick)
// computed on the full Q64.96 values, rounded down.
func SqrtRatioQuotient(numeratorTick, denominatorTick int32) (Decimal, error) {
	num, err := SqrtRatioAtTick(numeratorTick)
	if err != nil {
		return Zero, err
	}
	den, err := SqrtRatioAtTick(denominatorTick)
	if err != nil {
		return Zero, err
	}
	return mulDiv(num, scale, den)
}
