package core_test

import (
	"ILShield/internal/core"
	"ILShield/internal/event"
	"ILShield/internal/ledger"
	fpmath "ILShield/internal/math"
	"ILShield/internal/state"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	lp      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	lp2     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	token0  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	token1  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	poolA   = common.HexToHash("0xaa")
	poolB   = common.HexToHash("0xbb")
	baseNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func units(n uint64) fpmath.Decimal {
	return fpmath.FromUnits(n)
}

// --- Fakes ---

// fakeLiquidity reports a settable tick for every pool.
type fakeLiquidity struct {
	ticks map[common.Hash]int32
	err   error
}

func (f *fakeLiquidity) CurrentTick(pool common.Hash) (int32, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.ticks[pool], nil
}

// fakeTransfer wraps a real TransferLedger so balances and allowances behave
// normally, with hooks for failure injection and re-entry.
type fakeTransfer struct {
	inner     *ledger.TransferLedger
	payErr    error
	onCollect func()
	onPay     func()
	collects  int
	pays      int
}

func (f *fakeTransfer) Collect(payer common.Address, amount fpmath.Decimal, currency common.Address) error {
	f.collects++
	if f.onCollect != nil {
		f.onCollect()
	}
	return f.inner.Collect(payer, amount, currency)
}

func (f *fakeTransfer) Pay(recipient common.Address, amount fpmath.Decimal, currency common.Address) error {
	f.pays++
	if f.onPay != nil {
		f.onPay()
	}
	if f.payErr != nil {
		return f.payErr
	}
	return f.inner.Pay(recipient, amount, currency)
}

func (f *fakeTransfer) FundBalance(currency common.Address) fpmath.Decimal {
	return f.inner.FundBalance(currency)
}

type recordingEmitter struct {
	notifications []event.Notification
}

func (r *recordingEmitter) Emit(n event.Notification) {
	r.notifications = append(r.notifications, n)
}

type engineFixture struct {
	engine    *core.ProtectionEngine
	positions *state.PositionLedger
	pools     *state.CoverageAccountant
	prices    *state.PriceTracker
	liquidity *fakeLiquidity
	transfer  *fakeTransfer
	emitter   *recordingEmitter
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		positions: state.NewPositionLedger(state.NewMemoryPositionStore()),
		pools:     state.NewCoverageAccountant(fpmath.Zero),
		prices:    state.NewPriceTracker(),
		liquidity: &fakeLiquidity{ticks: make(map[common.Hash]int32)},
		transfer:  &fakeTransfer{inner: ledger.NewTransferLedger(ledger.NewBalanceTracker())},
		emitter:   &recordingEmitter{},
	}
	f.engine = core.NewProtectionEngine(f.positions, f.pools, f.prices, f.liquidity, f.transfer,
		core.AdminAuthorizer{Admin: admin}, f.emitter, zerolog.Nop())
	return f
}

// fund gives owner a wallet balance and allowance and seeds the protection fund.
func (f *engineFixture) fund(owner common.Address, wallet, allowance, fund uint64) {
	f.transfer.inner.BeginBatch("seed", 0, baseNow)
	if err := f.transfer.inner.CreditWallet(owner, token0, units(wallet), units(allowance)); err != nil {
		panic(err)
	}
	if fund > 0 {
		if err := f.transfer.inner.DepositToFund(token0, units(fund)); err != nil {
			panic(err)
		}
	}
	f.transfer.inner.FinishBatch()
}

func addLiquidity(owner common.Address, pool common.Hash, liquidity, amount0 uint64) *event.LiquidityAdded {
	return &event.LiquidityAdded{
		EventID:   uuid.New(),
		Owner:     owner,
		Pool:      pool,
		Currency0: token0,
		Currency1: token1,
		TickLower: -887220,
		TickUpper: 887220,
		Liquidity: units(liquidity),
		Amount0:   units(amount0),
		Amount1:   fpmath.Zero,
		Timestamp: baseNow,
	}
}

func removeLiquidity(owner common.Address, pool common.Hash, tick int32) *event.LiquidityRemoved {
	return &event.LiquidityRemoved{
		EventID:   uuid.New(),
		Owner:     owner,
		Pool:      pool,
		Tick:      tick,
		Timestamp: baseNow.Add(time.Hour),
	}
}

// ============================================================================
// Test: Open
// ============================================================================

func TestEngine_OpenChargesBasePremium(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 0)

	pos, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 7)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.OpenSequence != 7 || pos.InitialTick != 0 {
		t.Errorf("got seq=%d tick=%d, want 7 and 0", pos.OpenSequence, pos.InitialTick)
	}

	// utilization 0 -> rate 0.005 -> premium 5
	if got := f.transfer.FundBalance(token0); !got.Eq(units(5)) {
		t.Errorf("fund: got %s, want 5", got)
	}
	if got := f.transfer.inner.WalletBalance(lp, token0); !got.Eq(units(95)) {
		t.Errorf("wallet: got %s, want 95", got)
	}

	pool, ok := f.pools.Get(poolA)
	if !ok {
		t.Fatal("pool should be lazily initialized")
	}
	if !pool.TotalCoverage.Eq(units(1000)) || !pool.PremiumsCollected.Eq(units(5)) {
		t.Errorf("pool: total=%s premiums=%s", pool.TotalCoverage, pool.PremiumsCollected)
	}
	if !pool.MaxTotalCoverage.Eq(fpmath.DefaultMaxCoverage) {
		t.Errorf("max total coverage: got %s, want default", pool.MaxTotalCoverage)
	}

	if len(f.emitter.notifications) != 1 {
		t.Fatalf("got %d notifications, want 1", len(f.emitter.notifications))
	}
	purchased, ok := f.emitter.notifications[0].(event.CoveragePurchased)
	if !ok || !purchased.Premium.Eq(units(5)) || !purchased.ProtectedAmount.Eq(units(1000)) {
		t.Errorf("unexpected notification %+v", f.emitter.notifications[0])
	}
}

func TestEngine_OpenUsesToken1WhenAmount0Zero(t *testing.T) {
	f := newEngineFixture()
	f.transfer.inner.BeginBatch("seed", 0, baseNow)
	_ = f.transfer.inner.CreditWallet(lp, token1, units(10), units(10))
	f.transfer.inner.FinishBatch()

	evt := addLiquidity(lp, poolA, 200, 0)
	evt.Amount1 = units(300)

	pos, err := f.engine.OnLiquidityAdded(evt, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.Currency != token1 || !pos.ProtectedAmount.Eq(units(300)) {
		t.Errorf("got currency=%s protected=%s", pos.Currency.Hex(), pos.ProtectedAmount)
	}
}

func TestEngine_OpenValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*event.LiquidityAdded)
		want   error
	}{
		{"zero liquidity", func(e *event.LiquidityAdded) { e.Liquidity = fpmath.Zero }, core.ErrNoLiquidityAdded},
		{"zero amounts", func(e *event.LiquidityAdded) { e.Amount0 = fpmath.Zero }, core.ErrProtectedAmountIsZero},
		{"inverted range", func(e *event.LiquidityAdded) { e.TickLower, e.TickUpper = 10, -10 }, fpmath.ErrInvalidRange},
		{"tick out of range", func(e *event.LiquidityAdded) { e.TickUpper = fpmath.MaxTick + 1 }, fpmath.ErrTickOutOfRange},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture()
			f.fund(lp, 100, 100, 0)
			evt := addLiquidity(lp, poolA, 1000, 1000)
			tc.mutate(evt)

			_, err := f.engine.OnLiquidityAdded(evt, 1)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if _, ok := f.pools.Get(poolA); ok {
				t.Error("rejected open must not create the pool")
			}
			if len(f.emitter.notifications) != 0 {
				t.Error("rejected open must not emit")
			}
		})
	}
}

func TestEngine_OpenTwiceRejected(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 0)

	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 500, 500), 2)
	if !errors.Is(err, core.ErrAlreadyOpen) {
		t.Fatalf("got %v, want ErrAlreadyOpen", err)
	}

	pos, _ := f.positions.Get(state.PositionKey{Owner: lp, Pool: poolA})
	if !pos.Liquidity.Eq(units(1000)) {
		t.Errorf("existing position changed: liquidity %s", pos.Liquidity)
	}
	if f.transfer.collects != 1 {
		t.Errorf("got %d collects, want 1", f.transfer.collects)
	}
}

func TestEngine_OpenCollectFailureRollsBack(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 1, 0) // allowance 1 < premium 5

	_, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1)

	var allowanceErr *core.InsufficientAllowanceError
	if !errors.As(err, &allowanceErr) {
		t.Fatalf("got %v, want InsufficientAllowanceError", err)
	}
	if !errors.Is(err, core.ErrTransferFailed) {
		t.Error("allowance failure should also match ErrTransferFailed")
	}
	if !allowanceErr.Premium.Eq(units(5)) {
		t.Errorf("premium: got %s, want 5", allowanceErr.Premium)
	}

	if _, ok := f.positions.Get(state.PositionKey{Owner: lp, Pool: poolA}); ok {
		t.Error("position must be rolled back")
	}
	if _, ok := f.pools.Get(poolA); ok {
		t.Error("lazily created pool must be removed")
	}
	if !f.transfer.FundBalance(token0).IsZero() {
		t.Error("fund must be untouched")
	}
}

func TestEngine_OpenCollectFailureRestoresExistingPool(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 0)
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	before, _ := f.pools.Get(poolA)

	// lp2 has no allowance
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp2, poolA, 1000, 1000), 2); err == nil {
		t.Fatal("expected collect failure")
	}

	after, _ := f.pools.Get(poolA)
	if !after.TotalCoverage.Eq(before.TotalCoverage) || !after.PremiumsCollected.Eq(before.PremiumsCollected) {
		t.Errorf("pool not restored: got total=%s premiums=%s", after.TotalCoverage, after.PremiumsCollected)
	}
}

func TestEngine_CoverageCeiling(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 0)

	err := f.engine.SetCoverageLimits(&event.CoverageLimitUpdate{
		RequestID:        uuid.New(),
		Caller:           admin,
		Pool:             poolA,
		MaxTotalCoverage: units(100),
		Timestamp:        baseNow,
	})
	if err != nil {
		t.Fatalf("set limits: %v", err)
	}

	_, err = f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 150, 150), 1)
	var limitErr *core.CoverageLimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("got %v, want CoverageLimitExceededError", err)
	}
	if !limitErr.Requested.Eq(units(150)) || !limitErr.Limit.Eq(units(100)) {
		t.Errorf("got requested=%s limit=%s", limitErr.Requested, limitErr.Limit)
	}

	pool, ok := f.pools.Get(poolA)
	if !ok || !pool.TotalCoverage.IsZero() {
		t.Error("configured pool must survive with zero coverage")
	}

	// exactly at the ceiling is allowed
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 100, 100), 2); err != nil {
		t.Errorf("open at ceiling: %v", err)
	}
}

// ============================================================================
// Test: Close
// ============================================================================

func TestEngine_CloseWithPriceMovePays(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 1000)
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.engine.OnTrade(&event.Trade{TradeID: uuid.New(), Pool: poolA, Tick: 6932}); err != nil {
		t.Fatalf("trade: %v", err)
	}

	closed, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 0))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.FinalTick != 6932 {
		t.Errorf("final tick: got %d, want 6932 (cached trade tick)", closed.FinalTick)
	}
	if closed.Payout.Lt(units(14)) || closed.Payout.Gt(units(16)) {
		t.Errorf("payout: got %s, want ~15", closed.Payout)
	}
	if !closed.Payout.Eq(closed.ImpermanentLoss) {
		t.Error("unclamped payout should equal the loss")
	}

	wallet := f.transfer.inner.WalletBalance(lp, token0)
	want, _ := units(95).Add(closed.Payout)
	if !wallet.Eq(want) {
		t.Errorf("wallet: got %s, want %s", wallet, want)
	}

	pool, _ := f.pools.Get(poolA)
	if !pool.TotalCoverage.IsZero() || !pool.UtilizedCoverage.Eq(closed.Payout) {
		t.Errorf("pool: total=%s utilized=%s", pool.TotalCoverage, pool.UtilizedCoverage)
	}

	last := f.emitter.notifications[len(f.emitter.notifications)-1]
	if paid, ok := last.(event.PayoutExecuted); !ok || !paid.Amount.Eq(closed.Payout) {
		t.Errorf("unexpected notification %+v", last)
	}
}

func TestEngine_CloseWithoutMoveNoPayout(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 0)
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("open: %v", err)
	}

	closed, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 0))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed.Payout.IsZero() {
		t.Errorf("payout: got %s, want 0", closed.Payout)
	}
	if f.transfer.pays != 0 {
		t.Error("zero payout must not call Pay")
	}
	for _, n := range f.emitter.notifications {
		if _, ok := n.(event.PayoutExecuted); ok {
			t.Error("zero payout must not emit PayoutExecuted")
		}
	}
	if _, ok := f.positions.Get(state.PositionKey{Owner: lp, Pool: poolA}); ok {
		t.Error("position should be closed")
	}
}

func TestEngine_CloseUsesCachedTickZero(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 1000)
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.engine.OnTrade(&event.Trade{TradeID: uuid.New(), Pool: poolA, Tick: 0}); err != nil {
		t.Fatalf("trade: %v", err)
	}
	f.liquidity.ticks[poolA] = 6932

	closed, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 6932))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.FinalTick != 0 || !closed.Payout.IsZero() {
		t.Errorf("got final=%d payout=%s, want cached tick 0 and no payout", closed.FinalTick, closed.Payout)
	}
}

func TestEngine_ClosePayoutClampedByPoolCap(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 1000)
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	err := f.engine.SetCoverageLimits(&event.CoverageLimitUpdate{
		Caller:               admin,
		Pool:                 poolA,
		MaxPayoutPerPosition: units(3),
		MaxTotalCoverage:     units(1_000_000),
		Timestamp:            baseNow,
	})
	if err != nil {
		t.Fatalf("set limits: %v", err)
	}
	_ = f.engine.OnTrade(&event.Trade{Pool: poolA, Tick: 6932})

	closed, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 6932))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed.Payout.Eq(units(3)) {
		t.Errorf("payout: got %s, want 3", closed.Payout)
	}
	if !closed.ImpermanentLoss.Gt(closed.Payout) {
		t.Error("loss should exceed the clamped payout")
	}
}

func TestEngine_CloseUnknownPosition(t *testing.T) {
	f := newEngineFixture()

	_, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 0))
	var notFound *core.PositionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("got %v, want PositionNotFoundError", err)
	}
	if notFound.Owner != lp || notFound.Pool != poolA {
		t.Errorf("got owner=%s pool=%s", notFound.Owner.Hex(), notFound.Pool.Hex())
	}
	if _, ok := f.pools.Get(poolA); ok {
		t.Error("failed close must not create a pool")
	}
}

func TestEngine_CloseInsufficientFunds(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 0) // fund holds only the 5 premium
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = f.engine.OnTrade(&event.Trade{Pool: poolA, Tick: 6932})

	_, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 6932))
	var fundsErr *core.InsufficientFundsError
	if !errors.As(err, &fundsErr) {
		t.Fatalf("got %v, want InsufficientFundsError", err)
	}
	if !fundsErr.Available.Eq(units(5)) {
		t.Errorf("available: got %s, want 5", fundsErr.Available)
	}
	if _, ok := f.positions.Get(state.PositionKey{Owner: lp, Pool: poolA}); !ok {
		t.Error("position must stay open")
	}
}

func TestEngine_ClosePayFailureRestoresState(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 1000)
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = f.engine.OnTrade(&event.Trade{Pool: poolA, Tick: 6932})
	before, _ := f.pools.Get(poolA)
	emitted := len(f.emitter.notifications)

	f.transfer.payErr = errors.New("token paused")
	_, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 6932))
	if !errors.Is(err, core.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	if _, ok := f.positions.Get(state.PositionKey{Owner: lp, Pool: poolA}); !ok {
		t.Error("position must be restored")
	}
	after, _ := f.pools.Get(poolA)
	if !after.TotalCoverage.Eq(before.TotalCoverage) || !after.UtilizedCoverage.Eq(before.UtilizedCoverage) {
		t.Error("pool counters must be restored")
	}
	if len(f.emitter.notifications) != emitted {
		t.Error("failed close must not emit")
	}

	// the same close succeeds once the transfer recovers
	f.transfer.payErr = nil
	if _, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 6932)); err != nil {
		t.Fatalf("retry close: %v", err)
	}
}

// ============================================================================
// Test: Re-entrancy
// ============================================================================

func TestEngine_ReentrantCallRejected(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 0)

	var innerErr error
	f.transfer.onCollect = func() {
		f.transfer.onCollect = nil
		_, innerErr = f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 0))
	}

	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("outer open: %v", err)
	}
	if !errors.Is(innerErr, core.ErrReentrancyRejected) {
		t.Fatalf("inner call: got %v, want ErrReentrancyRejected", innerErr)
	}
	if _, ok := f.positions.Get(state.PositionKey{Owner: lp, Pool: poolA}); !ok {
		t.Error("outer open should still commit")
	}

	// the guard is released after the outer call
	if _, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 0)); err != nil {
		t.Errorf("close after open: %v", err)
	}
}

func TestEngine_ReentrancyScopedToKey(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 0)
	f.fund(lp2, 100, 100, 0)

	var innerErr error
	f.transfer.onCollect = func() {
		f.transfer.onCollect = nil
		_, innerErr = f.engine.OnLiquidityAdded(addLiquidity(lp2, poolB, 100, 100), 2)
	}

	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("outer open: %v", err)
	}
	if innerErr != nil {
		t.Errorf("different key should be allowed, got %v", innerErr)
	}
}

func TestEngine_FailedOpenKeepsReentrantOpenInSamePool(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 0, 0) // no allowance: the outer collect fails
	f.fund(lp2, 100, 100, 0)

	var innerErr error
	f.transfer.onCollect = func() {
		f.transfer.onCollect = nil
		_, innerErr = f.engine.OnLiquidityAdded(addLiquidity(lp2, poolA, 100, 100), 2)
	}

	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); !errors.Is(err, core.ErrTransferFailed) {
		t.Fatalf("outer open: got %v, want ErrTransferFailed", err)
	}
	if innerErr != nil {
		t.Fatalf("inner open: %v", innerErr)
	}

	if _, ok := f.positions.Get(state.PositionKey{Owner: lp, Pool: poolA}); ok {
		t.Error("outer position must be rolled back")
	}
	if _, ok := f.positions.Get(state.PositionKey{Owner: lp2, Pool: poolA}); !ok {
		t.Fatal("inner position must survive")
	}
	pool, ok := f.pools.Get(poolA)
	if !ok {
		t.Fatal("pool holding the inner position must not be discarded")
	}
	if !pool.TotalCoverage.Eq(units(100)) {
		t.Errorf("total coverage: got %s, want 100", pool.TotalCoverage)
	}
	// 100 * 0.005
	if !pool.PremiumsCollected.Eq(fpmath.MustParse("0.5")) {
		t.Errorf("premiums: got %s, want 0.5", pool.PremiumsCollected)
	}

	if _, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp2, poolA, 0)); err != nil {
		t.Fatalf("close inner position: %v", err)
	}
	pool, _ = f.pools.Get(poolA)
	if !pool.TotalCoverage.IsZero() {
		t.Errorf("total after close: got %s, want 0", pool.TotalCoverage)
	}
}

func TestEngine_FailedOpenKeepsReentrantLimits(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 0, 0)

	f.transfer.onCollect = func() {
		f.transfer.onCollect = nil
		if err := f.engine.SetCoverageLimits(&event.CoverageLimitUpdate{
			Caller:               admin,
			Pool:                 poolA,
			MaxPayoutPerPosition: units(30),
			MaxTotalCoverage:     units(2_000_000),
			Timestamp:            baseNow,
		}); err != nil {
			t.Errorf("inner set limits: %v", err)
		}
	}

	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err == nil {
		t.Fatal("expected collect failure")
	}

	pool, ok := f.pools.Get(poolA)
	if !ok {
		t.Fatal("pool with admin limits must not be discarded")
	}
	if !pool.MaxPayoutPerPosition.Eq(units(30)) || !pool.MaxTotalCoverage.Eq(units(2_000_000)) {
		t.Errorf("limits: got %s/%s, want 30/2000000", pool.MaxPayoutPerPosition, pool.MaxTotalCoverage)
	}
	if !pool.TotalCoverage.IsZero() {
		t.Errorf("total coverage: got %s, want 0", pool.TotalCoverage)
	}
}

func TestEngine_FailedCloseKeepsReentrantOpenInSamePool(t *testing.T) {
	f := newEngineFixture()
	f.fund(lp, 100, 100, 1000)
	f.fund(lp2, 100, 100, 0)
	if _, err := f.engine.OnLiquidityAdded(addLiquidity(lp, poolA, 1000, 1000), 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = f.engine.OnTrade(&event.Trade{Pool: poolA, Tick: 6932})

	var innerErr error
	f.transfer.onPay = func() {
		f.transfer.onPay = nil
		_, innerErr = f.engine.OnLiquidityAdded(addLiquidity(lp2, poolA, 100, 100), 2)
	}
	f.transfer.payErr = errors.New("token paused")

	if _, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 6932)); !errors.Is(err, core.ErrTransferFailed) {
		t.Fatalf("outer close: got %v, want ErrTransferFailed", err)
	}
	if innerErr != nil {
		t.Fatalf("inner open: %v", innerErr)
	}

	if _, ok := f.positions.Get(state.PositionKey{Owner: lp, Pool: poolA}); !ok {
		t.Error("outer position must be restored")
	}
	if _, ok := f.positions.Get(state.PositionKey{Owner: lp2, Pool: poolA}); !ok {
		t.Error("inner position must survive")
	}
	pool, _ := f.pools.Get(poolA)
	if !pool.TotalCoverage.Eq(units(1100)) {
		t.Errorf("total coverage: got %s, want 1100", pool.TotalCoverage)
	}
	if !pool.UtilizedCoverage.IsZero() {
		t.Errorf("utilized: got %s, want 0 after the failed payout", pool.UtilizedCoverage)
	}

	// both positions close cleanly once the transfer recovers
	f.transfer.payErr = nil
	if _, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp, poolA, 6932)); err != nil {
		t.Fatalf("retry close: %v", err)
	}
	if _, err := f.engine.OnLiquidityRemoved(removeLiquidity(lp2, poolA, 6932)); err != nil {
		t.Fatalf("close inner position: %v", err)
	}
	pool, _ = f.pools.Get(poolA)
	if !pool.TotalCoverage.IsZero() {
		t.Errorf("total after closes: got %s, want 0", pool.TotalCoverage)
	}
}

// ============================================================================
// Test: Trades and admin
// ============================================================================

func TestEngine_TradeRejectsInvalidTick(t *testing.T) {
	f := newEngineFixture()
	err := f.engine.OnTrade(&event.Trade{Pool: poolA, Tick: fpmath.MinTick - 1})
	if !errors.Is(err, fpmath.ErrTickOutOfRange) {
		t.Fatalf("got %v, want ErrTickOutOfRange", err)
	}
	if _, ok := f.prices.Current(poolA); ok {
		t.Error("invalid tick must not be cached")
	}
}

func TestEngine_SetCoverageLimitsAuthorization(t *testing.T) {
	f := newEngineFixture()

	err := f.engine.SetCoverageLimits(&event.CoverageLimitUpdate{
		Caller:           lp,
		Pool:             poolA,
		MaxTotalCoverage: units(10),
	})
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}

	err = f.engine.SetCoverageLimits(&event.CoverageLimitUpdate{
		Caller: admin,
		Pool:   poolA,
	})
	if !errors.Is(err, core.ErrInvalidCoverageLimit) {
		t.Fatalf("got %v, want ErrInvalidCoverageLimit", err)
	}

	if _, ok := f.pools.Get(poolA); ok {
		t.Error("rejected updates must not create the pool")
	}
	if len(f.emitter.notifications) != 0 {
		t.Error("rejected updates must not emit")
	}
}

func TestAdminAuthorizer_ZeroAdminAuthorizesNobody(t *testing.T) {
	auth := core.AdminAuthorizer{}
	if auth.Authorized(common.Address{}) {
		t.Error("zero admin must not authorize the zero address")
	}
}

func TestRejectionReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{core.ErrNoLiquidityAdded, "no_liquidity"},
		{&core.PositionNotFoundError{Owner: lp, Pool: poolA}, "position_not_found"},
		{&core.InsufficientFundsError{}, "insufficient_funds"},
		{&core.InsufficientAllowanceError{Cause: ledger.ErrInsufficientAllowance}, "insufficient_allowance"},
		{errors.New("boom"), "error"},
	}
	for _, tc := range tests {
		if got := core.RejectionReason(tc.err); got != tc.want {
			t.Errorf("RejectionReason(%v): got %q, want %q", tc.err, got, tc.want)
		}
	}
}
