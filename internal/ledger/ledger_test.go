package ledger_test

import (
	"ILShield/internal/ledger"
	fpmath "ILShield/internal/math"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

func units(n uint64) fpmath.Decimal {
	return fpmath.FromUnits(n)
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	key := ledger.NewWalletAccountKey(owner, usdc)
	want := "owner:" + owner.Hex() + ":wallet:" + usdc.Hex()
	if got := key.AccountPath(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	if got := ledger.NewProtectionFundAccountKey(usdc).AccountPath(); got != "system:protection_fund:"+usdc.Hex() {
		t.Errorf("got %q", got)
	}
	if got := ledger.NewExternalAccountKey(usdc).AccountPath(); got != "external:deposits:"+usdc.Hex() {
		t.Errorf("got %q", got)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if balance := bt.GetWalletBalance(owner, usdc); !balance.IsZero() {
		t.Errorf("initial balance should be 0, got %s", balance)
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewWalletAccountKey(owner, usdc),
				CreditAccount: ledger.NewExternalAccountKey(usdc),
				Currency:      usdc,
				Amount:        units(500),
			},
		},
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if got := bt.GetWalletBalance(owner, usdc); !got.Eq(units(500)) {
		t.Errorf("wallet: got %s, want 500", got)
	}
	if got := bt.GetBalance(ledger.NewExternalAccountKey(usdc)); !got.Eq(units(500)) {
		t.Errorf("external outstanding: got %s, want 500", got)
	}
}

func TestBalanceTracker_OverdraftRejectedWhole(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	err := bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		DebitAccount:  ledger.NewProtectionFundAccountKey(usdc),
		CreditAccount: ledger.NewWalletAccountKey(owner, usdc),
		Currency:      usdc,
		Amount:        units(1),
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := bt.GetFundBalance(usdc); !got.IsZero() {
		t.Errorf("debit side was applied: %s", got)
	}
}

func TestBatch_ValidateRejectsMalformed(t *testing.T) {
	batchID := uuid.New()
	cases := map[string]ledger.Journal{
		"zero amount": {
			BatchID:       batchID,
			DebitAccount:  ledger.NewWalletAccountKey(owner, usdc),
			CreditAccount: ledger.NewExternalAccountKey(usdc),
			Currency:      usdc,
		},
		"self transfer": {
			BatchID:       batchID,
			DebitAccount:  ledger.NewWalletAccountKey(owner, usdc),
			CreditAccount: ledger.NewWalletAccountKey(owner, usdc),
			Currency:      usdc,
			Amount:        units(1),
		},
		"mixed currency": {
			BatchID:       batchID,
			DebitAccount:  ledger.NewWalletAccountKey(owner, usdc),
			CreditAccount: ledger.NewExternalAccountKey(weth),
			Currency:      usdc,
			Amount:        units(1),
		},
		"foreign batch": {
			BatchID:       uuid.New(),
			DebitAccount:  ledger.NewWalletAccountKey(owner, usdc),
			CreditAccount: ledger.NewExternalAccountKey(usdc),
			Currency:      usdc,
			Amount:        units(1),
		},
	}
	for name, j := range cases {
		batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
		if err := batch.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	empty := &ledger.Batch{BatchID: batchID}
	if err := empty.Validate(); err == nil {
		t.Error("empty batch should not validate")
	}
}

// ============================================================================
// Test: TransferLedger
// ============================================================================

func TestTransferLedger_CollectPremium(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	tl := ledger.NewTransferLedger(bt)
	if err := tl.CreditWallet(owner, usdc, units(100), units(30)); err != nil {
		t.Fatal(err)
	}

	tl.BeginBatch("evt-1", 7, time.Unix(1_700_000_000, 0))
	if err := tl.Collect(owner, units(20), usdc); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	batch := tl.FinishBatch()

	if got := tl.FundBalance(usdc); !got.Eq(units(20)) {
		t.Errorf("fund: got %s, want 20", got)
	}
	if got := tl.WalletBalance(owner, usdc); !got.Eq(units(80)) {
		t.Errorf("wallet: got %s, want 80", got)
	}
	if got := tl.Allowance(owner, usdc); !got.Eq(units(10)) {
		t.Errorf("allowance: got %s, want 10", got)
	}

	if batch == nil || len(batch.Journals) != 1 {
		t.Fatalf("expected one premium journal, got %+v", batch)
	}
	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypePremium || j.EventRef != "evt-1" || j.Sequence != 7 {
		t.Errorf("unexpected journal: type=%s ref=%s seq=%d", j.JournalType, j.EventRef, j.Sequence)
	}
	if tl.FinishBatch() != nil {
		t.Error("FinishBatch should reset the open batch")
	}
}

func TestTransferLedger_CollectWithoutAllowance(t *testing.T) {
	tl := ledger.NewTransferLedger(ledger.NewBalanceTracker())
	if err := tl.CreditWallet(owner, usdc, units(100), units(5)); err != nil {
		t.Fatal(err)
	}

	err := tl.Collect(owner, units(6), usdc)
	if !errors.Is(err, ledger.ErrInsufficientAllowance) {
		t.Fatalf("got %v, want ErrInsufficientAllowance", err)
	}
	if got := tl.WalletBalance(owner, usdc); !got.Eq(units(100)) {
		t.Errorf("wallet changed on failed collect: %s", got)
	}
	if got := tl.Allowance(owner, usdc); !got.Eq(units(5)) {
		t.Errorf("allowance changed on failed collect: %s", got)
	}
}

func TestTransferLedger_CollectWithoutBalance(t *testing.T) {
	tl := ledger.NewTransferLedger(ledger.NewBalanceTracker())
	tl.SetAllowance(owner, usdc, units(50))

	err := tl.Collect(owner, units(10), usdc)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := tl.Allowance(owner, usdc); !got.Eq(units(50)) {
		t.Errorf("allowance consumed on failed collect: %s", got)
	}
}

func TestTransferLedger_PayFromFund(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	tl := ledger.NewTransferLedger(bt)
	if err := tl.DepositToFund(usdc, units(1000)); err != nil {
		t.Fatal(err)
	}

	if err := tl.Pay(owner, units(250), usdc); err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if got := tl.FundBalance(usdc); !got.Eq(units(750)) {
		t.Errorf("fund: got %s, want 750", got)
	}
	if err := tl.Pay(owner, units(751), usdc); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("overdraw: got %v, want ErrInsufficientBalance", err)
	}

	if err := ledger.NewInvariantValidator(bt).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
}

func TestTransferLedger_AllowancesSortedAndCleared(t *testing.T) {
	tl := ledger.NewTransferLedger(ledger.NewBalanceTracker())
	tl.SetAllowance(owner, weth, units(2))
	tl.SetAllowance(owner, usdc, units(1))

	all := tl.Allowances()
	if len(all) != 2 || all[0].Currency != usdc || all[1].Currency != weth {
		t.Fatalf("unexpected allowances: %+v", all)
	}

	tl.SetAllowance(owner, usdc, fpmath.Zero)
	if len(tl.Allowances()) != 1 {
		t.Error("zero allowance should be removed")
	}
}
