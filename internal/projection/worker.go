package projection

import (
	"ILShield/internal/core"
	"ILShield/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const watermarkName = "main"

// ProjectionOutput is the slice of a core output that read models consume.
type ProjectionOutput struct {
	Sequence     int64
	EventType    string
	Timestamp    time.Time
	Position     *PositionRow
	Payout       *PayoutRow
	Pool         *PoolRow
	Tick         *TickRow
	FundBalances []FundBalanceRow
}

type PositionRow struct {
	Owner           string
	Pool            string
	Status          string
	Liquidity       string
	TickLower       int32
	TickUpper       int32
	InitialTick     int32
	ProtectedAmount string
	Currency        string
	OpenedAt        time.Time
	OpenSequence    int64

	// Set only when Status is "closed".
	FinalTick       *int32
	ImpermanentLoss *string
	Payout          *string
	ClosedAt        *time.Time
}

type PayoutRow struct {
	Owner           string
	Pool            string
	Currency        string
	InitialTick     int32
	FinalTick       int32
	ImpermanentLoss string
	Payout          string
}

type PoolRow struct {
	Pool                 string
	TotalCoverage        string
	UtilizedCoverage     string
	PremiumRate          string
	MaxPayoutPerPosition string
	MaxTotalCoverage     string
	PremiumsCollected    string
	LastUpdated          time.Time
}

type TickRow struct {
	Pool common.Hash
	Tick int32
}

type FundBalanceRow struct {
	Currency string
	Balance  string
}

// FromCoreOutput flattens a core output into projection rows.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	env := out.Envelope
	po := ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp,
	}

	if change := out.Position; change != nil && change.Position != nil {
		p := change.Position
		row := &PositionRow{
			Owner:           p.Owner.Hex(),
			Pool:            p.Pool.Hex(),
			Status:          "open",
			Liquidity:       p.Liquidity.RawString(),
			TickLower:       p.TickLower,
			TickUpper:       p.TickUpper,
			InitialTick:     p.InitialTick,
			ProtectedAmount: p.ProtectedAmount.RawString(),
			Currency:        p.Currency.Hex(),
			OpenedAt:        p.OpenedAt,
			OpenSequence:    p.OpenSequence,
		}
		if change.Closed {
			finalTick := change.FinalTick
			il := change.ImpermanentLoss.RawString()
			payout := change.Payout.RawString()
			closedAt := env.Timestamp
			row.Status = "closed"
			row.FinalTick = &finalTick
			row.ImpermanentLoss = &il
			row.Payout = &payout
			row.ClosedAt = &closedAt

			if !change.Payout.IsZero() {
				po.Payout = &PayoutRow{
					Owner:           row.Owner,
					Pool:            row.Pool,
					Currency:        row.Currency,
					InitialTick:     p.InitialTick,
					FinalTick:       finalTick,
					ImpermanentLoss: il,
					Payout:          payout,
				}
			}
		}
		po.Position = row
	}

	if p := out.Pool; p != nil {
		po.Pool = &PoolRow{
			Pool:                 p.Pool.Hex(),
			TotalCoverage:        p.TotalCoverage.RawString(),
			UtilizedCoverage:     p.UtilizedCoverage.RawString(),
			PremiumRate:          p.PremiumRate.RawString(),
			MaxPayoutPerPosition: p.MaxPayoutPerPosition.RawString(),
			MaxTotalCoverage:     p.MaxTotalCoverage.RawString(),
			PremiumsCollected:    p.PremiumsCollected.RawString(),
			LastUpdated:          p.LastUpdated,
		}
	}

	if t := out.Tick; t != nil {
		po.Tick = &TickRow{Pool: t.Pool, Tick: t.Tick}
	}

	for currency, balance := range out.FundBalances {
		po.FundBalances = append(po.FundBalances, FundBalanceRow{
			Currency: currency.Hex(),
			Balance:  balance.RawString(),
		})
	}

	return po
}

// TickWriter receives the latest tick per pool. Implemented by the Redis tick cache.
type TickWriter interface {
	SetTick(ctx context.Context, pool common.Hash, tick int32, seq int64, ts time.Time) (bool, error)
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is lossy: if projections fall behind they are
// rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	ticks     TickWriter
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

// NewProjectionWorker creates a worker. ticks may be nil when no cache is configured.
func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan ProjectionOutput,
	ticks TickWriter,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		ticks:     ticks,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection").Logger(),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.Apply(ctx, output); err != nil {
				// projections are eventually consistent
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}
		}
	}
}

// LastSequence returns the sequence of the last applied output.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Apply writes one output to the projection tables and the tick cache.
func (pw *ProjectionWorker) Apply(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()
	if err := pw.applyTx(ctx, output); err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(output.EventType).Observe(time.Since(start).Seconds())
	}
	pw.lastSeq = output.Sequence

	if pw.ticks != nil && output.Tick != nil {
		applied, err := pw.ticks.SetTick(ctx, output.Tick.Pool, output.Tick.Tick, output.Sequence, output.Timestamp)
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			pw.logger.Warn().Err(err).Str("pool", output.Tick.Pool.Hex()).Msg("tick cache write failed")
		case !applied:
			outcome = "stale"
		}
		if pw.metrics != nil {
			pw.metrics.TickCacheWrites.WithLabelValues(outcome).Inc()
		}
	}
	return nil
}

func (pw *ProjectionWorker) applyTx(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if output.Position != nil {
		if err := upsertPosition(ctx, tx, output.Sequence, output.Position); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	if output.Payout != nil {
		if err := insertPayout(ctx, tx, output.Sequence, output.Timestamp, output.Payout); err != nil {
			return fmt.Errorf("payout projection: %w", err)
		}
	}
	if output.Pool != nil {
		if err := upsertPool(ctx, tx, output.Sequence, output.Pool); err != nil {
			return fmt.Errorf("pool projection: %w", err)
		}
	}
	if output.Tick != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.pools SET current_tick = $2
			WHERE pool = $1 AND last_sequence <= $3
		`, output.Tick.Pool.Hex(), output.Tick.Tick, output.Sequence); err != nil {
			return fmt.Errorf("tick projection: %w", err)
		}
	}
	for _, fb := range output.FundBalances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.fund_balances (currency, balance, last_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (currency) DO UPDATE
				SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
				WHERE projections.fund_balances.last_sequence < EXCLUDED.last_sequence
		`, fb.Currency, fb.Balance, output.Sequence); err != nil {
			return fmt.Errorf("fund balance projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence)
		VALUES ($1, $2)
		ON CONFLICT (projection_name) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence)
	`, watermarkName, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertPosition(ctx context.Context, tx *sql.Tx, seq int64, p *PositionRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions (
			owner, pool, status, liquidity, tick_lower, tick_upper, initial_tick,
			protected_amount, currency, opened_at, open_sequence,
			final_tick, impermanent_loss, payout, closed_at, last_sequence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (owner, pool) DO UPDATE SET
			status = EXCLUDED.status,
			liquidity = EXCLUDED.liquidity,
			tick_lower = EXCLUDED.tick_lower,
			tick_upper = EXCLUDED.tick_upper,
			initial_tick = EXCLUDED.initial_tick,
			protected_amount = EXCLUDED.protected_amount,
			currency = EXCLUDED.currency,
			opened_at = EXCLUDED.opened_at,
			open_sequence = EXCLUDED.open_sequence,
			final_tick = EXCLUDED.final_tick,
			impermanent_loss = EXCLUDED.impermanent_loss,
			payout = EXCLUDED.payout,
			closed_at = EXCLUDED.closed_at,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.positions.last_sequence < EXCLUDED.last_sequence
	`,
		p.Owner, p.Pool, p.Status, p.Liquidity, p.TickLower, p.TickUpper, p.InitialTick,
		p.ProtectedAmount, p.Currency, p.OpenedAt, p.OpenSequence,
		p.FinalTick, p.ImpermanentLoss, p.Payout, p.ClosedAt, seq,
	)
	return err
}

func insertPayout(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, p *PayoutRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.payout_history (
			sequence, owner, pool, currency, initial_tick, final_tick,
			impermanent_loss, payout, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, p.Owner, p.Pool, p.Currency, p.InitialTick, p.FinalTick, p.ImpermanentLoss, p.Payout, ts)
	return err
}

func upsertPool(ctx context.Context, tx *sql.Tx, seq int64, p *PoolRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pools (
			pool, total_coverage, utilized_coverage, premium_rate,
			max_payout_per_position, max_total_coverage, premiums_collected,
			last_updated, last_sequence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pool) DO UPDATE SET
			total_coverage = EXCLUDED.total_coverage,
			utilized_coverage = EXCLUDED.utilized_coverage,
			premium_rate = EXCLUDED.premium_rate,
			max_payout_per_position = EXCLUDED.max_payout_per_position,
			max_total_coverage = EXCLUDED.max_total_coverage,
			premiums_collected = EXCLUDED.premiums_collected,
			last_updated = EXCLUDED.last_updated,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.pools.last_sequence < EXCLUDED.last_sequence
	`,
		p.Pool, p.TotalCoverage, p.UtilizedCoverage, p.PremiumRate,
		p.MaxPayoutPerPosition, p.MaxTotalCoverage, p.PremiumsCollected,
		p.LastUpdated, seq,
	)
	return err
}

// ResetProjections empties every projection table so they can be rebuilt by
// replaying the event log through Apply.
func ResetProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.payout_history`,
		`TRUNCATE projections.fund_balances`,
		`DELETE FROM projections.watermark WHERE projection_name = '` + watermarkName + `'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	logger.Info().Msg("projection tables reset")
	return nil
}

// Watermark returns the last projected sequence, or -1 if nothing was projected.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, watermarkName).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return seq, nil
}
