package projection_test

import (
	"ILShield/internal/core"
	"ILShield/internal/event"
	fpmath "ILShield/internal/math"
	"ILShield/internal/projection"
	"ILShield/internal/state"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	currency = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	pool     = common.HexToHash("0x01")
	openedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func testPosition() *state.Position {
	return &state.Position{
		Owner:           owner,
		Pool:            pool,
		Liquidity:       fpmath.FromUnits(1000),
		TickLower:       -887220,
		TickUpper:       887220,
		InitialTick:     0,
		ProtectedAmount: fpmath.FromUnits(1000),
		Currency:        currency,
		OpenedAt:        openedAt,
		OpenSequence:    3,
	}
}

func envelope(seq int64, et event.EventType, ts time.Time) *event.EventEnvelope {
	p := pool
	return &event.EventEnvelope{Sequence: seq, EventType: et, PoolID: &p, Timestamp: ts}
}

// ===========================================================================
// FromCoreOutput
// ===========================================================================

func TestFromCoreOutput_OpenPosition(t *testing.T) {
	out := core.CoreOutput{
		Envelope: envelope(3, event.EventTypeLiquidityAdded, openedAt),
		Position: &core.PositionChange{Position: testPosition()},
		Pool: &state.ProtectionPool{
			Pool:          pool,
			TotalCoverage: fpmath.FromUnits(1000),
			PremiumRate:   fpmath.MustParse("0.005"),
			LastUpdated:   openedAt,
		},
		Tick:         &state.PoolTick{Pool: pool, Tick: 0},
		FundBalances: map[common.Address]fpmath.Decimal{currency: fpmath.FromUnits(5)},
	}

	po := projection.FromCoreOutput(out)

	if po.Sequence != 3 || po.EventType != event.EventTypeLiquidityAdded.String() {
		t.Fatalf("got seq=%d type=%s", po.Sequence, po.EventType)
	}
	if po.Position == nil || po.Position.Status != "open" {
		t.Fatalf("position row: got %+v, want open", po.Position)
	}
	if po.Position.FinalTick != nil || po.Position.ClosedAt != nil {
		t.Error("open position must not carry close fields")
	}
	if po.Position.Liquidity != "1000000000000000000000" {
		t.Errorf("liquidity: got %s", po.Position.Liquidity)
	}
	if po.Payout != nil {
		t.Error("open must not produce a payout row")
	}
	if po.Pool == nil || po.Pool.PremiumRate != "5000000000000000" {
		t.Errorf("pool row: got %+v", po.Pool)
	}
	if po.Tick == nil || po.Tick.Pool != pool {
		t.Errorf("tick row: got %+v", po.Tick)
	}
	if len(po.FundBalances) != 1 || po.FundBalances[0].Balance != "5000000000000000000" {
		t.Errorf("fund balances: got %+v", po.FundBalances)
	}
}

func TestFromCoreOutput_ClosedWithPayout(t *testing.T) {
	closedAt := openedAt.Add(time.Hour)
	out := core.CoreOutput{
		Envelope: envelope(9, event.EventTypeLiquidityRemoved, closedAt),
		Position: &core.PositionChange{
			Position:        testPosition(),
			Closed:          true,
			FinalTick:       6932,
			ImpermanentLoss: fpmath.MustParse("14.9"),
			Payout:          fpmath.MustParse("14.9"),
		},
	}

	po := projection.FromCoreOutput(out)

	if po.Position.Status != "closed" {
		t.Fatalf("status: got %s, want closed", po.Position.Status)
	}
	if po.Position.FinalTick == nil || *po.Position.FinalTick != 6932 {
		t.Errorf("final tick: got %v, want 6932", po.Position.FinalTick)
	}
	if po.Position.ClosedAt == nil || !po.Position.ClosedAt.Equal(closedAt) {
		t.Errorf("closed at: got %v, want %v", po.Position.ClosedAt, closedAt)
	}
	if po.Payout == nil {
		t.Fatal("expected payout row")
	}
	if po.Payout.Payout != "14900000000000000000" || po.Payout.FinalTick != 6932 {
		t.Errorf("payout row: got %+v", po.Payout)
	}
}

func TestFromCoreOutput_ClosedWithoutPayout(t *testing.T) {
	out := core.CoreOutput{
		Envelope: envelope(9, event.EventTypeLiquidityRemoved, openedAt),
		Position: &core.PositionChange{
			Position:  testPosition(),
			Closed:    true,
			FinalTick: 0,
		},
	}

	po := projection.FromCoreOutput(out)

	if po.Position.Status != "closed" {
		t.Errorf("status: got %s, want closed", po.Position.Status)
	}
	if po.Payout != nil {
		t.Errorf("zero payout must not produce a payout row, got %+v", po.Payout)
	}
}

func TestFromCoreOutput_FundOnly(t *testing.T) {
	out := core.CoreOutput{
		Envelope:     &event.EventEnvelope{Sequence: 1, EventType: event.EventTypeFundDeposit, Timestamp: openedAt},
		FundBalances: map[common.Address]fpmath.Decimal{currency: fpmath.FromUnits(100)},
	}

	po := projection.FromCoreOutput(out)

	if po.Position != nil || po.Pool != nil || po.Tick != nil {
		t.Errorf("fund deposit must only touch fund balances, got %+v", po)
	}
	if len(po.FundBalances) != 1 || po.FundBalances[0].Currency != currency.Hex() {
		t.Errorf("fund balances: got %+v", po.FundBalances)
	}
}
