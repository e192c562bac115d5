package math

// ClampPayout bounds an IL amount by 50% of the protected amount, or by the
// pool's per-position cap when that is set and tighter.
func ClampPayout(ilAmount, protectedAmount, maxPayoutPerPosition Decimal) (Decimal, error) {
	limit, err := protectedAmount.Mul(MaxPayoutPercentage)
	if err != nil {
		return Zero, err
	}
	if !maxPayoutPerPosition.IsZero() && maxPayoutPerPosition.Lt(limit) {
		limit = maxPayoutPerPosition
	}
	return Min(ilAmount, limit), nil
}
