package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLiquidityAdded
	EventTypeLiquidityRemoved
	EventTypeTrade
	EventTypeCoverageLimitUpdate
	EventTypeFundDeposit
	EventTypeWalletFunded
)

// EventEnvelope wraps every applied event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Pool context (nil for fund and wallet events)
	PoolID *common.Hash

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence, informational
	SourceSequence int64

	// JSON-encoded event payload
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all inbound event payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// PoolID returns the pool context (nil for global events)
	PoolID() *common.Hash

	SourceSequence() int64

	// OccurredAt is the versioned input timestamp. The core never reads the wall clock.
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeLiquidityAdded:
		return "LiquidityAdded"
	case EventTypeLiquidityRemoved:
		return "LiquidityRemoved"
	case EventTypeTrade:
		return "Trade"
	case EventTypeCoverageLimitUpdate:
		return "CoverageLimitUpdate"
	case EventTypeFundDeposit:
		return "FundDeposit"
	case EventTypeWalletFunded:
		return "WalletFunded"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeLiquidityAdded; et <= EventTypeWalletFunded; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

func poolRef(pool common.Hash) *common.Hash {
	p := pool
	return &p
}
