package event

import (
	fpmath "ILShield/internal/math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// FundDeposit tops up the protection fund for one currency from outside the system.
type FundDeposit struct {
	DepositID uuid.UUID      `json:"deposit_id"`
	Currency  common.Address `json:"currency"`
	Amount    fpmath.Decimal `json:"amount"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (d *FundDeposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *FundDeposit) EventType() EventType {
	return EventTypeFundDeposit
}

func (d *FundDeposit) PoolID() *common.Hash {
	return nil
}

func (d *FundDeposit) SourceSequence() int64 {
	return d.Sequence
}

func (d *FundDeposit) OccurredAt() time.Time {
	return d.Timestamp
}

// WalletFunded credits an owner's wallet and sets the allowance the protection
// fund may draw premiums against. Allowance replaces the previous value.
type WalletFunded struct {
	FundingID uuid.UUID      `json:"funding_id"`
	Owner     common.Address `json:"owner"`
	Currency  common.Address `json:"currency"`
	Amount    fpmath.Decimal `json:"amount"`
	Allowance fpmath.Decimal `json:"allowance"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (w *WalletFunded) IdempotencyKey() string {
	return w.FundingID.String()
}

func (w *WalletFunded) EventType() EventType {
	return EventTypeWalletFunded
}

func (w *WalletFunded) PoolID() *common.Hash {
	return nil
}

func (w *WalletFunded) SourceSequence() int64 {
	return w.Sequence
}

func (w *WalletFunded) OccurredAt() time.Time {
	return w.Timestamp
}
