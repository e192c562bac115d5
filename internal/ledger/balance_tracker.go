package ledger

import (
	fpmath "ILShield/internal/math"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances. Balances are unsigned:
// a journal that would overdraw its credit account is rejected whole.
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Decimal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Decimal),
	}
}

// ApplyJournal applies a single journal entry, all or nothing.
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	if err := j.validate(); err != nil {
		return err
	}

	debit, err := bt.moved(j.DebitAccount, j.Amount, true)
	if err != nil {
		return err
	}
	credit, err := bt.moved(j.CreditAccount, j.Amount, false)
	if err != nil {
		return err
	}

	bt.balances[j.DebitAccount] = debit
	bt.balances[j.CreditAccount] = credit
	return nil
}

// moved computes the balance of key after a debit or credit of amount.
func (bt *BalanceTracker) moved(key AccountKey, amount fpmath.Decimal, debit bool) (fpmath.Decimal, error) {
	current := bt.balances[key]
	if debit != key.Contra() {
		return current.Add(amount)
	}
	next, err := current.Sub(amount)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("%w: account %s has %s, needs %s",
			ErrInsufficientBalance, key.AccountPath(), current, amount)
	}
	return next, nil
}

// ApplyBatch validates and applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			return err
		}
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Decimal {
	return bt.balances[key]
}

// SetBalance overwrites a balance. Used only by snapshot restore.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance fpmath.Decimal) {
	bt.balances[key] = balance
}

func (bt *BalanceTracker) GetWalletBalance(owner, currency common.Address) fpmath.Decimal {
	return bt.GetBalance(NewWalletAccountKey(owner, currency))
}

func (bt *BalanceTracker) GetFundBalance(currency common.Address) fpmath.Decimal {
	return bt.GetBalance(NewProtectionFundAccountKey(currency))
}

// CurrencyTotals holds the per-currency sides of the global balance check.
type CurrencyTotals struct {
	Internal fpmath.Decimal // owner and system accounts
	External fpmath.Decimal // contra accounts
}

// ComputeGlobalBalance sums internal and external balances per currency. For a
// consistent ledger both sides are equal.
func (bt *BalanceTracker) ComputeGlobalBalance() (map[common.Address]CurrencyTotals, error) {
	totals := make(map[common.Address]CurrencyTotals)

	for key, balance := range bt.balances {
		t := totals[key.Currency]
		var err error
		if key.Contra() {
			t.External, err = t.External.Add(balance)
		} else {
			t.Internal, err = t.Internal.Add(balance)
		}
		if err != nil {
			return nil, fmt.Errorf("global balance for %s: %w", key.Currency.Hex(), err)
		}
		totals[key.Currency] = t
	}

	return totals, nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Decimal {
	snapshot := make(map[AccountKey]fpmath.Decimal, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
