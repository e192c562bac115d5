package math

import (
	"errors"
	"fmt"
)

var ErrInvalidRange = errors.New("invalid tick range")

// ComputeImpermanentLoss estimates the IL of protectedAmount for a price move
// from initialTick to finalTick:
//
//	k    = ratio(final) / ratio(initial)
//	loss = protected * |2*sqrt(k) - (1 + k)| / (1 + k)
//
// The range bounds are validated but do not scale the result. Every step
// rounds down, so k and 1/k can yield slightly different magnitudes.
func ComputeImpermanentLoss(initialTick, finalTick, tickLower, tickUpper int32, protectedAmount Decimal) (Decimal, error) {
	for _, tick := range []int32{initialTick, finalTick, tickLower, tickUpper} {
		if err := ValidateTick(tick); err != nil {
			return Zero, err
		}
	}
	if tickLower >= tickUpper {
		return Zero, fmt.Errorf("%w: lower %d >= upper %d", ErrInvalidRange, tickLower, tickUpper)
	}

	k, err := SqrtRatioQuotient(finalTick, initialTick)
	if err != nil {
		return Zero, err
	}
	if k.Eq(One) {
		return Zero, nil
	}

	sqrtK := k.Sqrt()
	twoSqrtK, err := sqrtK.Add(sqrtK)
	if err != nil {
		return Zero, err
	}
	onePlusK, err := One.Add(k)
	if err != nil {
		return Zero, err
	}

	// 2*sqrt(k) <= 1+k for every k, so the deviation is taken as a magnitude
	var numerator Decimal
	if onePlusK.Lt(twoSqrtK) {
		numerator = twoSqrtK.SubFloor(onePlusK)
	} else {
		numerator = onePlusK.SubFloor(twoSqrtK)
	}
	if numerator.IsZero() {
		return Zero, nil
	}

	fraction, err := numerator.Div(onePlusK)
	if err != nil {
		return Zero, err
	}
	return protectedAmount.Mul(fraction)
}
