package ingestion

import (
	"ILShield/internal/event"
	fpmath "ILShield/internal/math"
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// Submission is one event handed to the core loop. Reply, when set, receives
// the outcome of ProcessEvent exactly once.
type Submission struct {
	Event event.Event
	Reply chan error
}

// AdminIngestService injects administrative and manual events into the core.
// It is for operators, not for high-throughput ingestion (use NATS for that).
type AdminIngestService struct {
	submissions chan<- Submission
	now         func() time.Time
}

func NewAdminIngestService(submissions chan<- Submission) *AdminIngestService {
	return &AdminIngestService{submissions: submissions, now: time.Now}
}

// SetCoverageLimits submits a CoverageLimitUpdate and waits for the core's verdict.
func (s *AdminIngestService) SetCoverageLimits(
	ctx context.Context,
	caller common.Address,
	pool common.Hash,
	maxPayoutPerPosition fpmath.Decimal,
	maxTotalCoverage fpmath.Decimal,
) error {
	return s.submit(ctx, &event.CoverageLimitUpdate{
		RequestID:            uuid.New(),
		Caller:               caller,
		Pool:                 pool,
		MaxPayoutPerPosition: maxPayoutPerPosition,
		MaxTotalCoverage:     maxTotalCoverage,
		Timestamp:            s.now(),
	})
}

// InjectFundDeposit manually tops up the protection fund.
func (s *AdminIngestService) InjectFundDeposit(ctx context.Context, currency common.Address, amount fpmath.Decimal) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	return s.submit(ctx, &event.FundDeposit{
		DepositID: uuid.New(),
		Currency:  currency,
		Amount:    amount,
		Timestamp: s.now(),
	})
}

// InjectWalletFunding manually credits an owner's wallet and sets its allowance.
func (s *AdminIngestService) InjectWalletFunding(
	ctx context.Context,
	owner common.Address,
	currency common.Address,
	amount fpmath.Decimal,
	allowance fpmath.Decimal,
) error {
	return s.submit(ctx, &event.WalletFunded{
		FundingID: uuid.New(),
		Owner:     owner,
		Currency:  currency,
		Amount:    amount,
		Allowance: allowance,
		Timestamp: s.now(),
	})
}

func (s *AdminIngestService) submit(ctx context.Context, evt event.Event) error {
	reply := make(chan error, 1)

	select {
	case s.submissions <- Submission{Event: evt, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
