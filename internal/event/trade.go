package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Trade is a swap observed in a pool. Only the post-swap tick matters here.
// Idempotency key: trade_id.
type Trade struct {
	TradeID   uuid.UUID   `json:"trade_id"`
	Pool      common.Hash `json:"pool"`
	Tick      int32       `json:"tick"`
	Sequence  int64       `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
}

func (t *Trade) IdempotencyKey() string {
	return t.TradeID.String()
}

func (t *Trade) EventType() EventType {
	return EventTypeTrade
}

func (t *Trade) PoolID() *common.Hash {
	return poolRef(t.Pool)
}

func (t *Trade) SourceSequence() int64 {
	return t.Sequence
}

func (t *Trade) OccurredAt() time.Time {
	return t.Timestamp
}
