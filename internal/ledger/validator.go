package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies that, per currency, everything held inside the
// system equals everything that entered it.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals, err := v.tracker.ComputeGlobalBalance()
	if err != nil {
		return err
	}

	for currency, t := range totals {
		if !t.Internal.Eq(t.External) {
			return fmt.Errorf("global balance for %s does not match: internal=%s external=%s",
				currency.Hex(), t.Internal, t.External)
		}
	}

	return nil
}
