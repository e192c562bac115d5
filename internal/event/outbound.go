package event

import (
	fpmath "ILShield/internal/math"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NotificationType discriminates outbound protection notifications
type NotificationType string

const (
	NotificationCoveragePurchased    NotificationType = "CoveragePurchased"
	NotificationPayoutExecuted       NotificationType = "PayoutExecuted"
	NotificationCoverageLimitUpdated NotificationType = "CoverageLimitUpdated"
)

// Notification is emitted exactly once per successful protection operation.
type Notification interface {
	NotificationType() NotificationType
}

type CoveragePurchased struct {
	Owner           common.Address `json:"owner"`
	Pool            common.Hash    `json:"pool"`
	Currency        common.Address `json:"currency"`
	ProtectedAmount fpmath.Decimal `json:"protected_amount"`
	Premium         fpmath.Decimal `json:"premium"`
	Timestamp       time.Time      `json:"timestamp"`
}

func (CoveragePurchased) NotificationType() NotificationType {
	return NotificationCoveragePurchased
}

type PayoutExecuted struct {
	Owner     common.Address `json:"owner"`
	Pool      common.Hash    `json:"pool"`
	Currency  common.Address `json:"currency"`
	Amount    fpmath.Decimal `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

func (PayoutExecuted) NotificationType() NotificationType {
	return NotificationPayoutExecuted
}

type CoverageLimitUpdated struct {
	Pool                 common.Hash    `json:"pool"`
	MaxPayoutPerPosition fpmath.Decimal `json:"max_payout_per_position"`
	MaxTotalCoverage     fpmath.Decimal `json:"max_total_coverage"`
	Timestamp            time.Time      `json:"timestamp"`
}

func (CoverageLimitUpdated) NotificationType() NotificationType {
	return NotificationCoverageLimitUpdated
}
