package event

import (
	fpmath "ILShield/internal/math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// LiquidityAdded is the liquidity ledger's notification that an owner opened a
// position. Tick is the pool's current tick when the deposit settled.
// Idempotency key: event_id.
type LiquidityAdded struct {
	EventID   uuid.UUID      `json:"event_id"`
	Owner     common.Address `json:"owner"`
	Pool      common.Hash    `json:"pool"`
	Currency0 common.Address `json:"currency0"`
	Currency1 common.Address `json:"currency1"`
	TickLower int32          `json:"tick_lower"`
	TickUpper int32          `json:"tick_upper"`
	Tick      int32          `json:"tick"`
	Liquidity fpmath.Decimal `json:"liquidity"`
	Amount0   fpmath.Decimal `json:"amount0"`
	Amount1   fpmath.Decimal `json:"amount1"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *LiquidityAdded) IdempotencyKey() string {
	return e.EventID.String()
}

func (e *LiquidityAdded) EventType() EventType {
	return EventTypeLiquidityAdded
}

func (e *LiquidityAdded) PoolID() *common.Hash {
	return poolRef(e.Pool)
}

func (e *LiquidityAdded) SourceSequence() int64 {
	return e.Sequence
}

func (e *LiquidityAdded) OccurredAt() time.Time {
	return e.Timestamp
}

// LiquidityRemoved closes the owner's position in full.
// Liquidity is the amount withdrawn upstream and is informational only.
type LiquidityRemoved struct {
	EventID   uuid.UUID      `json:"event_id"`
	Owner     common.Address `json:"owner"`
	Pool      common.Hash    `json:"pool"`
	Tick      int32          `json:"tick"`
	Liquidity fpmath.Decimal `json:"liquidity"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *LiquidityRemoved) IdempotencyKey() string {
	return e.EventID.String()
}

func (e *LiquidityRemoved) EventType() EventType {
	return EventTypeLiquidityRemoved
}

func (e *LiquidityRemoved) PoolID() *common.Hash {
	return poolRef(e.Pool)
}

func (e *LiquidityRemoved) SourceSequence() int64 {
	return e.Sequence
}

func (e *LiquidityRemoved) OccurredAt() time.Time {
	return e.Timestamp
}
