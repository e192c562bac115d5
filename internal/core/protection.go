package core

import (
	"ILShield/internal/event"
	"ILShield/internal/ledger"
	fpmath "ILShield/internal/math"
	"ILShield/internal/state"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// LiquidityLedger is the authoritative source of a pool's current tick.
type LiquidityLedger interface {
	CurrentTick(pool common.Hash) (int32, error)
}

// AssetTransfer moves premiums into and payouts out of the protection fund.
// Implementations may call back into the engine; such calls are rejected.
type AssetTransfer interface {
	Collect(payer common.Address, amount fpmath.Decimal, currency common.Address) error
	Pay(recipient common.Address, amount fpmath.Decimal, currency common.Address) error
	FundBalance(currency common.Address) fpmath.Decimal
}

// Authorizer gates administrative operations.
type Authorizer interface {
	Authorized(caller common.Address) bool
}

// Emitter receives one notification per successful protection operation.
type Emitter interface {
	Emit(n event.Notification)
}

// AdminAuthorizer authorizes a single principal. The zero address authorizes nobody.
type AdminAuthorizer struct {
	Admin common.Address
}

func (a AdminAuthorizer) Authorized(caller common.Address) bool {
	return a.Admin != (common.Address{}) && caller == a.Admin
}

// ClosedPosition is the outcome of a successful close.
type ClosedPosition struct {
	Position        *state.Position
	FinalTick       int32
	ImpermanentLoss fpmath.Decimal
	Payout          fpmath.Decimal
}

// ProtectionEngine orchestrates the position lifecycle. Every operation either
// commits fully or leaves no trace. It takes no locks: callers serialize events.
type ProtectionEngine struct {
	positions *state.PositionLedger
	pools     *state.CoverageAccountant
	prices    *state.PriceTracker
	liquidity LiquidityLedger
	transfer  AssetTransfer
	auth      Authorizer
	emitter   Emitter
	logger    zerolog.Logger

	// keys with an operation in flight
	busy map[state.PositionKey]struct{}
}

func NewProtectionEngine(
	positions *state.PositionLedger,
	pools *state.CoverageAccountant,
	prices *state.PriceTracker,
	liquidity LiquidityLedger,
	transfer AssetTransfer,
	auth Authorizer,
	emitter Emitter,
	logger zerolog.Logger,
) *ProtectionEngine {
	return &ProtectionEngine{
		positions: positions,
		pools:     pools,
		prices:    prices,
		liquidity: liquidity,
		transfer:  transfer,
		auth:      auth,
		emitter:   emitter,
		logger:    logger,
		busy:      make(map[state.PositionKey]struct{}),
	}
}

func (e *ProtectionEngine) enter(key state.PositionKey) error {
	if _, inFlight := e.busy[key]; inFlight {
		return fmt.Errorf("%w: owner=%s pool=%s", ErrReentrancyRejected, key.Owner.Hex(), key.Pool.Hex())
	}
	e.busy[key] = struct{}{}
	return nil
}

func (e *ProtectionEngine) exit(key state.PositionKey) {
	delete(e.busy, key)
}

// ProtectedAmount derives the insured amount from a deposit: amount0 in
// currency0, or amount1 in currency1 when the range holds only token1.
func ProtectedAmount(evt *event.LiquidityAdded) (fpmath.Decimal, common.Address) {
	if !evt.Amount0.IsZero() {
		return evt.Amount0, evt.Currency0
	}
	return evt.Amount1, evt.Currency1
}

// OnLiquidityAdded opens a protected position and collects its premium.
func (e *ProtectionEngine) OnLiquidityAdded(evt *event.LiquidityAdded, sequence int64) (*state.Position, error) {
	key := state.PositionKey{Owner: evt.Owner, Pool: evt.Pool}
	if err := e.enter(key); err != nil {
		return nil, err
	}
	defer e.exit(key)

	if evt.Liquidity.IsZero() {
		return nil, ErrNoLiquidityAdded
	}
	protected, currency := ProtectedAmount(evt)
	if protected.IsZero() {
		return nil, ErrProtectedAmountIsZero
	}
	if err := validateRange(evt.TickLower, evt.TickUpper); err != nil {
		return nil, err
	}
	if _, exists := e.positions.Get(key); exists {
		return nil, fmt.Errorf("%w: owner=%s pool=%s", ErrAlreadyOpen, key.Owner.Hex(), key.Pool.Hex())
	}

	initialTick, err := e.liquidity.CurrentTick(evt.Pool)
	if err != nil {
		return nil, fmt.Errorf("read current tick: %w", err)
	}
	if err := fpmath.ValidateTick(initialTick); err != nil {
		return nil, err
	}

	// undo with inverse operations: a call re-entering through the transfer
	// may change this pool under another key
	created := e.pools.InitializeIfAbsent(evt.Pool, evt.Timestamp)
	undoPool := func() {
		if created {
			e.pools.DiscardIfUnused(evt.Pool)
		}
	}

	pos, err := e.positions.Open(&state.Position{
		Owner:           evt.Owner,
		Pool:            evt.Pool,
		Liquidity:       evt.Liquidity,
		TickLower:       evt.TickLower,
		TickUpper:       evt.TickUpper,
		InitialTick:     initialTick,
		ProtectedAmount: protected,
		Currency:        currency,
		OpenedAt:        evt.Timestamp,
		OpenSequence:    sequence,
	})
	if err != nil {
		undoPool()
		return nil, err
	}

	var (
		reserved, recorded      bool
		premium, rate, prevRate fpmath.Decimal
	)
	rollback := func() {
		e.positions.Discard(key)
		if recorded {
			e.pools.RevertPremium(evt.Pool, rate, prevRate, premium)
		}
		if reserved {
			e.pools.Unreserve(evt.Pool, evt.Liquidity)
		}
		undoPool()
	}

	if err := e.pools.Reserve(evt.Pool, evt.Liquidity, evt.Timestamp); err != nil {
		rollback()
		return nil, err
	}
	reserved = true

	pool, _ := e.pools.Get(evt.Pool)
	prevRate = pool.PremiumRate
	premium, rate, err = fpmath.PricePremium(evt.Liquidity, pool.UtilizedCoverage, pool.TotalCoverage)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("price premium: %w", err)
	}
	if err := e.pools.RecordPremium(evt.Pool, rate, premium); err != nil {
		rollback()
		return nil, err
	}
	recorded = true

	// local state is committed; the transfer is the last step
	if !premium.IsZero() {
		if err := e.transfer.Collect(evt.Owner, premium, currency); err != nil {
			rollback()
			return nil, collectError(evt.Owner, currency, premium, err)
		}
	}

	e.emitter.Emit(event.CoveragePurchased{
		Owner:           evt.Owner,
		Pool:            evt.Pool,
		Currency:        currency,
		ProtectedAmount: protected,
		Premium:         premium,
		Timestamp:       evt.Timestamp,
	})
	return pos, nil
}

// OnLiquidityRemoved closes the owner's position and pays out clamped IL.
func (e *ProtectionEngine) OnLiquidityRemoved(evt *event.LiquidityRemoved) (*ClosedPosition, error) {
	key := state.PositionKey{Owner: evt.Owner, Pool: evt.Pool}
	if err := e.enter(key); err != nil {
		return nil, err
	}
	defer e.exit(key)

	pos, ok := e.positions.Get(key)
	if !ok {
		return nil, &PositionNotFoundError{Owner: evt.Owner, Pool: evt.Pool}
	}

	finalTick, err := e.prices.CurrentOrFallback(evt.Pool, func() (int32, error) {
		return e.liquidity.CurrentTick(evt.Pool)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve final tick: %w", err)
	}

	il, err := fpmath.ComputeImpermanentLoss(pos.InitialTick, finalTick, pos.TickLower, pos.TickUpper, pos.ProtectedAmount)
	if err != nil {
		return nil, fmt.Errorf("compute impermanent loss: %w", err)
	}

	pool, ok := e.pools.Get(evt.Pool)
	if !ok {
		return nil, fmt.Errorf("close: pool %s has an open position but no coverage record", evt.Pool.Hex())
	}
	payout, err := fpmath.ClampPayout(il, pos.ProtectedAmount, pool.MaxPayoutPerPosition)
	if err != nil {
		return nil, fmt.Errorf("clamp payout: %w", err)
	}

	if !payout.IsZero() {
		if available := e.transfer.FundBalance(pos.Currency); available.Lt(payout) {
			return nil, &InsufficientFundsError{Currency: pos.Currency, Available: available, Required: payout}
		}
	}

	if _, err := e.positions.Close(key); err != nil {
		return nil, err
	}
	if err := e.pools.Release(evt.Pool, pos.Liquidity, payout, evt.Timestamp); err != nil {
		e.positions.Restore(pos)
		return nil, err
	}

	if !payout.IsZero() {
		if err := e.transfer.Pay(pos.Owner, payout, pos.Currency); err != nil {
			e.positions.Restore(pos)
			if undoErr := e.pools.Unrelease(evt.Pool, pos.Liquidity, payout); undoErr != nil {
				e.logger.Error().Err(undoErr).Str("pool", evt.Pool.Hex()).Msg("payout rollback failed")
			}
			return nil, fmt.Errorf("%w: pay %s %s to %s: %w", ErrTransferFailed, payout, pos.Currency.Hex(), pos.Owner.Hex(), err)
		}

		e.logger.Info().
			Str("owner", pos.Owner.Hex()).
			Str("pool", pos.Pool.Hex()).
			Str("impermanent_loss", il.String()).
			Str("payout", payout.String()).
			Int32("initial_tick", pos.InitialTick).
			Int32("final_tick", finalTick).
			Msg("payout executed")

		e.emitter.Emit(event.PayoutExecuted{
			Owner:     pos.Owner,
			Pool:      pos.Pool,
			Currency:  pos.Currency,
			Amount:    payout,
			Timestamp: evt.Timestamp,
		})
	}

	return &ClosedPosition{
		Position:        pos,
		FinalTick:       finalTick,
		ImpermanentLoss: il,
		Payout:          payout,
	}, nil
}

// OnTrade records the pool's post-trade tick.
func (e *ProtectionEngine) OnTrade(evt *event.Trade) error {
	if err := fpmath.ValidateTick(evt.Tick); err != nil {
		return err
	}
	e.prices.Update(evt.Pool, evt.Tick)
	return nil
}

// SetCoverageLimits changes a pool's payout cap and coverage ceiling.
func (e *ProtectionEngine) SetCoverageLimits(evt *event.CoverageLimitUpdate) error {
	if !e.auth.Authorized(evt.Caller) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, evt.Caller.Hex())
	}
	if evt.MaxTotalCoverage.IsZero() {
		return fmt.Errorf("%w: max total coverage must be positive", ErrInvalidCoverageLimit)
	}

	e.pools.InitializeIfAbsent(evt.Pool, evt.Timestamp)
	if err := e.pools.SetLimits(evt.Pool, evt.MaxPayoutPerPosition, evt.MaxTotalCoverage, evt.Timestamp); err != nil {
		return err
	}

	e.emitter.Emit(event.CoverageLimitUpdated{
		Pool:                 evt.Pool,
		MaxPayoutPerPosition: evt.MaxPayoutPerPosition,
		MaxTotalCoverage:     evt.MaxTotalCoverage,
		Timestamp:            evt.Timestamp,
	})
	return nil
}

func validateRange(tickLower, tickUpper int32) error {
	if err := fpmath.ValidateTick(tickLower); err != nil {
		return err
	}
	if err := fpmath.ValidateTick(tickUpper); err != nil {
		return err
	}
	if tickLower >= tickUpper {
		return fmt.Errorf("%w: lower %d >= upper %d", fpmath.ErrInvalidRange, tickLower, tickUpper)
	}
	return nil
}

func collectError(owner, currency common.Address, premium fpmath.Decimal, err error) error {
	if errors.Is(err, ledger.ErrInsufficientAllowance) || errors.Is(err, ErrInsufficientAllowancePremium) {
		return &InsufficientAllowanceError{Owner: owner, Currency: currency, Premium: premium, Cause: err}
	}
	return fmt.Errorf("%w: collect premium %s from %s: %w", ErrTransferFailed, premium, owner.Hex(), err)
}
