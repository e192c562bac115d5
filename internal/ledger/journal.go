package ledger

import (
	fpmath "ILShield/internal/math"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletCredit JournalType = iota
	JournalTypeFundDeposit
	JournalTypePremium
	JournalTypePayout
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeWalletCredit:
		return "wallet_credit"
	case JournalTypeFundDeposit:
		return "fund_deposit"
	case JournalTypePremium:
		return "premium"
	case JournalTypePayout:
		return "payout"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // Idempotency key of source event
	Sequence      int64  // Global event sequence
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Currency      common.Address
	Amount        fpmath.Decimal // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // Versioned input timestamp (epoch microseconds)
}

// Batch groups the journals produced by one event
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Every journal moves one positive
// amount from its credit account to its debit account, so each entry is
// balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if err := j.validate(); err != nil {
			return err
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
	}

	return nil
}

func (j Journal) validate() error {
	if j.Amount.IsZero() {
		return fmt.Errorf("journal %s has zero amount", j.JournalID)
	}
	if j.DebitAccount == j.CreditAccount {
		return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
	}
	if j.DebitAccount.Currency != j.Currency || j.CreditAccount.Currency != j.Currency {
		return fmt.Errorf("journal %s mixes currencies", j.JournalID)
	}
	return nil
}
