package core

import (
	fpmath "ILShield/internal/math"
	"ILShield/internal/state"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoLiquidityAdded      = errors.New("no liquidity added")
	ErrProtectedAmountIsZero = errors.New("protected amount is zero")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrReentrancyRejected    = errors.New("re-entrant call rejected")
	ErrTransferFailed        = errors.New("asset transfer failed")
	ErrInvalidCoverageLimit  = errors.New("invalid coverage limit")

	ErrInsufficientFundsForPayout   = errors.New("insufficient funds for payout")
	ErrInsufficientAllowancePremium = errors.New("insufficient allowance for premium")

	// Raised by the position ledger and coverage accountant.
	ErrAlreadyOpen           = state.ErrAlreadyOpen
	ErrPositionNotFound      = state.ErrPositionNotFound
	ErrCoverageLimitExceeded = state.ErrCoverageLimitExceeded
)

type (
	PositionNotFoundError      = state.PositionNotFoundError
	CoverageLimitExceededError = state.CoverageLimitExceededError
)

// InsufficientFundsError reports a protection fund that cannot cover a payout.
type InsufficientFundsError struct {
	Currency  common.Address
	Available fpmath.Decimal
	Required  fpmath.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for payout in %s: available=%s required=%s",
		e.Currency.Hex(), e.Available, e.Required)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFundsForPayout
}

// InsufficientAllowanceError reports an owner who has not approved the premium.
type InsufficientAllowanceError struct {
	Owner    common.Address
	Currency common.Address
	Premium  fpmath.Decimal
	Cause    error
}

func (e *InsufficientAllowanceError) Error() string {
	return fmt.Sprintf("insufficient allowance for premium %s from %s: %v", e.Premium, e.Owner.Hex(), e.Cause)
}

func (e *InsufficientAllowanceError) Is(target error) bool {
	return target == ErrInsufficientAllowancePremium || target == ErrTransferFailed
}

func (e *InsufficientAllowanceError) Unwrap() error {
	return e.Cause
}

// RejectionReason maps an engine error to a low-cardinality metric label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNoLiquidityAdded):
		return "no_liquidity"
	case errors.Is(err, ErrProtectedAmountIsZero):
		return "protected_amount_zero"
	case errors.Is(err, ErrCoverageLimitExceeded):
		return "coverage_limit"
	case errors.Is(err, ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, ErrAlreadyOpen):
		return "already_open"
	case errors.Is(err, ErrInsufficientFundsForPayout):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientAllowancePremium):
		return "insufficient_allowance"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrReentrancyRejected):
		return "reentrancy"
	case errors.Is(err, ErrInvalidCoverageLimit):
		return "invalid_limit"
	case errors.Is(err, fpmath.ErrTickOutOfRange), errors.Is(err, fpmath.ErrInvalidRange):
		return "invalid_tick"
	default:
		return "error"
	}
}
