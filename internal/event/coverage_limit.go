package event

import (
	fpmath "ILShield/internal/math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CoverageLimitUpdate is the administrative request to change a pool's risk
// limits. Caller is checked against the configured admin principal.
type CoverageLimitUpdate struct {
	RequestID            uuid.UUID      `json:"request_id"`
	Caller               common.Address `json:"caller"`
	Pool                 common.Hash    `json:"pool"`
	MaxPayoutPerPosition fpmath.Decimal `json:"max_payout_per_position"`
	MaxTotalCoverage     fpmath.Decimal `json:"max_total_coverage"`
	Sequence             int64          `json:"sequence"`
	Timestamp            time.Time      `json:"timestamp"`
}

func (c *CoverageLimitUpdate) IdempotencyKey() string {
	return c.RequestID.String()
}

func (c *CoverageLimitUpdate) EventType() EventType {
	return EventTypeCoverageLimitUpdate
}

func (c *CoverageLimitUpdate) PoolID() *common.Hash {
	return poolRef(c.Pool)
}

func (c *CoverageLimitUpdate) SourceSequence() int64 {
	return c.Sequence
}

func (c *CoverageLimitUpdate) OccurredAt() time.Time {
	return c.Timestamp
}
