package math

// Protocol constants, all 18-decimal fixed point.
var (
	BaseRate            = MustParse("0.005")
	OptimalUtilization  = MustParse("0.8")
	MaxPayoutPercentage = MustParse("0.5")
	DefaultMaxCoverage  = FromUnits(1_000_000)
)

// Utilization is utilized / total, or 0 for a pool with no coverage.
func Utilization(utilizedCoverage, totalCoverage Decimal) (Decimal, error) {
	if totalCoverage.IsZero() {
		return Zero, nil
	}
	return utilizedCoverage.Div(totalCoverage)
}

// PremiumRate is baseRate + baseRate * utilization / optimalUtilization.
// The rate is not capped: utilization above 100% keeps increasing it.
func PremiumRate(utilizedCoverage, totalCoverage Decimal) (Decimal, error) {
	u, err := Utilization(utilizedCoverage, totalCoverage)
	if err != nil {
		return Zero, err
	}
	surcharge, err := BaseRate.MulDiv(u, OptimalUtilization)
	if err != nil {
		return Zero, err
	}
	return BaseRate.Add(surcharge)
}

// ComputePremium prices new coverage of size liquidity against the pool's
// current coverage counters.
func ComputePremium(liquidity, utilizedCoverage, totalCoverage Decimal) (Decimal, error) {
	premium, _, err := PricePremium(liquidity, utilizedCoverage, totalCoverage)
	return premium, err
}

// PricePremium is ComputePremium that also returns the rate applied.
func PricePremium(liquidity, utilizedCoverage, totalCoverage Decimal) (premium, rate Decimal, err error) {
	rate, err = PremiumRate(utilizedCoverage, totalCoverage)
	if err != nil {
		return Zero, Zero, err
	}
	premium, err = liquidity.Mul(rate)
	if err != nil {
		return Zero, Zero, err
	}
	return premium, rate, nil
}
