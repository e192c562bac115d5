package ledger

import (
	fpmath "ILShield/internal/math"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrInsufficientAllowance = errors.New("insufficient allowance")

type allowanceKey struct {
	Owner    common.Address
	Currency common.Address
}

// Allowance is how much the protection fund may still draw from an owner's wallet.
type Allowance struct {
	Owner    common.Address
	Currency common.Address
	Amount   fpmath.Decimal
}

// TransferLedger moves premiums and payouts between owner wallets and the
// protection fund as double-entry journals. Journals posted between
// BeginBatch and FinishBatch belong to the same source event.
type TransferLedger struct {
	tracker    *BalanceTracker
	allowances map[allowanceKey]fpmath.Decimal
	batch      *Batch
}

func NewTransferLedger(tracker *BalanceTracker) *TransferLedger {
	return &TransferLedger{
		tracker:    tracker,
		allowances: make(map[allowanceKey]fpmath.Decimal),
	}
}

// BeginBatch opens the batch that subsequent journals are appended to.
func (l *TransferLedger) BeginBatch(eventRef string, sequence int64, ts time.Time) {
	l.batch = &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: ts.UnixMicro(),
	}
}

// FinishBatch returns the open batch, or nil when nothing was posted.
func (l *TransferLedger) FinishBatch() *Batch {
	batch := l.batch
	l.batch = nil
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}
	return batch
}

// Collect draws amount from payer's wallet into the protection fund, consuming allowance.
func (l *TransferLedger) Collect(payer common.Address, amount fpmath.Decimal, currency common.Address) error {
	key := allowanceKey{Owner: payer, Currency: currency}
	allowance := l.allowances[key]
	remaining, err := allowance.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: owner %s approved %s, needs %s", ErrInsufficientAllowance, payer.Hex(), allowance, amount)
	}

	if err := l.post(JournalTypePremium, NewProtectionFundAccountKey(currency), NewWalletAccountKey(payer, currency), amount); err != nil {
		return err
	}
	l.allowances[key] = remaining
	return nil
}

// Pay moves amount from the protection fund to recipient's wallet.
func (l *TransferLedger) Pay(recipient common.Address, amount fpmath.Decimal, currency common.Address) error {
	return l.post(JournalTypePayout, NewWalletAccountKey(recipient, currency), NewProtectionFundAccountKey(currency), amount)
}

// FundBalance is the protection fund's balance in currency.
func (l *TransferLedger) FundBalance(currency common.Address) fpmath.Decimal {
	return l.tracker.GetFundBalance(currency)
}

// DepositToFund brings amount into the protection fund from outside.
func (l *TransferLedger) DepositToFund(currency common.Address, amount fpmath.Decimal) error {
	return l.post(JournalTypeFundDeposit, NewProtectionFundAccountKey(currency), NewExternalAccountKey(currency), amount)
}

// CreditWallet brings amount into owner's wallet from outside and replaces the
// owner's allowance for currency.
func (l *TransferLedger) CreditWallet(owner, currency common.Address, amount, allowance fpmath.Decimal) error {
	if !amount.IsZero() {
		if err := l.post(JournalTypeWalletCredit, NewWalletAccountKey(owner, currency), NewExternalAccountKey(currency), amount); err != nil {
			return err
		}
	}
	l.SetAllowance(owner, currency, allowance)
	return nil
}

func (l *TransferLedger) WalletBalance(owner, currency common.Address) fpmath.Decimal {
	return l.tracker.GetWalletBalance(owner, currency)
}

func (l *TransferLedger) Allowance(owner, currency common.Address) fpmath.Decimal {
	return l.allowances[allowanceKey{Owner: owner, Currency: currency}]
}

func (l *TransferLedger) SetAllowance(owner, currency common.Address, amount fpmath.Decimal) {
	key := allowanceKey{Owner: owner, Currency: currency}
	if amount.IsZero() {
		delete(l.allowances, key)
		return
	}
	l.allowances[key] = amount
}

// Allowances returns every non-zero allowance in a stable order.
func (l *TransferLedger) Allowances() []Allowance {
	out := make([]Allowance, 0, len(l.allowances))
	for key, amount := range l.allowances {
		out = append(out, Allowance{Owner: key.Owner, Currency: key.Currency, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Owner[:], out[j].Owner[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Currency[:], out[j].Currency[:]) < 0
	})
	return out
}

func (l *TransferLedger) post(journalType JournalType, debit, credit AccountKey, amount fpmath.Decimal) error {
	if l.batch == nil {
		l.BeginBatch("", 0, time.Time{})
	}

	journal := Journal{
		JournalID:     uuid.New(),
		BatchID:       l.batch.BatchID,
		EventRef:      l.batch.EventRef,
		Sequence:      l.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Currency:      debit.Currency,
		Amount:        amount,
		JournalType:   journalType,
		Timestamp:     l.batch.Timestamp,
	}
	if err := l.tracker.ApplyJournal(journal); err != nil {
		return fmt.Errorf("%s: %w", journalType, err)
	}
	l.batch.Journals = append(l.batch.Journals, journal)
	return nil
}
