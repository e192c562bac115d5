package query

import (
	"ILShield/internal/cache/redis"
	fpmath "ILShield/internal/math"
	"ILShield/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidQuery = errors.New("invalid query")
)

const maxPageSize = 500

// TickReader serves cached ticks. Implemented by the Redis tick cache.
type TickReader interface {
	GetTick(ctx context.Context, pool common.Hash) (redis.PoolTick, error)
}

// QueryService provides read-only access to projection tables. Responses
// carry as_of_sequence, the projection watermark at read time.
type QueryService struct {
	db      *sql.DB
	ticks   TickReader
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewQueryService creates a service. ticks and metrics may be nil.
func NewQueryService(db *sql.DB, ticks TickReader, metrics *observability.Metrics, logger zerolog.Logger) *QueryService {
	return &QueryService{
		db:      db,
		ticks:   ticks,
		metrics: metrics,
		logger:  logger.With().Str("component", "query").Logger(),
	}
}

// GetPosition returns the latest position row for (owner, pool).
func (qs *QueryService) GetPosition(ctx context.Context, owner common.Address, pool common.Hash) (_ *PositionResponse, err error) {
	defer qs.observe("GetPosition", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, positionSelect+`
		WHERE owner = $1 AND pool = $2
	`, owner.Hex(), pool.Hex())

	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.AsOfSequence = asOfSeq
	return p, nil
}

// ListOpenPositions returns open positions in a pool ordered by owner.
func (qs *QueryService) ListOpenPositions(ctx context.Context, pool common.Hash, limit int) (_ []PositionResponse, err error) {
	defer qs.observe("ListOpenPositions", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, positionSelect+`
		WHERE pool = $1 AND status = 'open'
		ORDER BY owner
		LIMIT $2
	`, pool.Hex(), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]PositionResponse, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		positions = append(positions, *p)
	}

	return positions, rows.Err()
}

// GetPool returns a pool's coverage counters.
func (qs *QueryService) GetPool(ctx context.Context, pool common.Hash) (_ *PoolResponse, err error) {
	defer qs.observe("GetPool", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var p PoolResponse
	var tick sql.NullInt32
	err = qs.db.QueryRowContext(ctx, `
		SELECT pool, total_coverage::text, utilized_coverage::text, premium_rate::text,
		       max_payout_per_position::text, max_total_coverage::text,
		       premiums_collected::text, current_tick, last_updated
		FROM projections.pools
		WHERE pool = $1
	`, pool.Hex()).Scan(
		&p.Pool, &p.TotalCoverage, &p.UtilizedCoverage, &p.PremiumRate,
		&p.MaxPayoutPerPosition, &p.MaxTotalCoverage,
		&p.PremiumsCollected, &tick, &p.LastUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tick.Valid {
		t := tick.Int32
		p.CurrentTick = &t
	}
	p.AsOfSequence = asOfSeq
	return &p, nil
}

// GetPayoutHistory returns an owner's payouts, newest first. beforeSequence
// is the cursor from the previous page.
func (qs *QueryService) GetPayoutHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	beforeSequence *int64,
) (_ []PayoutResponse, err error) {
	defer qs.observe("GetPayoutHistory", time.Now(), &err)

	query := `
		SELECT sequence, owner, pool, currency, initial_tick, final_tick,
		       impermanent_loss::text, payout::text, timestamp
		FROM projections.payout_history
		WHERE owner = $1
	`
	args := []interface{}{owner.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]PayoutResponse, 0)
	for rows.Next() {
		var h PayoutResponse
		if err := rows.Scan(
			&h.Sequence, &h.Owner, &h.Pool, &h.Currency, &h.InitialTick, &h.FinalTick,
			&h.ImpermanentLoss, &h.Payout, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetFundBalance returns the protection fund balance for a currency.
// An unknown currency has a zero balance.
func (qs *QueryService) GetFundBalance(ctx context.Context, currency common.Address) (_ *FundBalanceResponse, err error) {
	defer qs.observe("GetFundBalance", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	resp := &FundBalanceResponse{Currency: currency.Hex(), Balance: "0", AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance::text, last_sequence FROM projections.fund_balances
		WHERE currency = $1
	`, currency.Hex()).Scan(&resp.Balance, &resp.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetTick returns a pool's latest tick, from the cache when possible and
// from the pool projection otherwise.
func (qs *QueryService) GetTick(ctx context.Context, pool common.Hash) (_ *TickResponse, err error) {
	defer qs.observe("GetTick", time.Now(), &err)

	if qs.ticks != nil {
		pt, cacheErr := qs.ticks.GetTick(ctx, pool)
		if cacheErr == nil {
			return &TickResponse{Pool: pool.Hex(), Tick: pt.Tick, Sequence: pt.Sequence, Source: "cache"}, nil
		}
		if !errors.Is(cacheErr, redis.ErrNotFound) {
			qs.logger.Warn().Err(cacheErr).Str("pool", pool.Hex()).Msg("tick cache read failed, falling back")
		}
	}

	var tick sql.NullInt32
	var seq int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT current_tick, last_sequence FROM projections.pools WHERE pool = $1
	`, pool.Hex()).Scan(&tick, &seq)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !tick.Valid) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &TickResponse{Pool: pool.Hex(), Tick: tick.Int32, Sequence: seq, Source: "projection"}, nil
}

// QuotePremium prices coverage of size liquidity the way an open would: the
// rate is taken after liquidity is added to the pool's total coverage.
// A pool with no projection row is quoted as empty.
func (qs *QueryService) QuotePremium(ctx context.Context, pool common.Hash, liquidity fpmath.Decimal) (_ *PremiumQuote, err error) {
	defer qs.observe("QuotePremium", time.Now(), &err)

	if liquidity.IsZero() {
		return nil, fmt.Errorf("%w: liquidity must be positive", ErrInvalidQuery)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	total, utilized := fpmath.Zero, fpmath.Zero
	var totalStr, utilizedStr string
	err = qs.db.QueryRowContext(ctx, `
		SELECT total_coverage::text, utilized_coverage::text FROM projections.pools WHERE pool = $1
	`, pool.Hex()).Scan(&totalStr, &utilizedStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		if total, err = fpmath.ParseRaw(totalStr); err != nil {
			return nil, err
		}
		if utilized, err = fpmath.ParseRaw(utilizedStr); err != nil {
			return nil, err
		}
	}

	totalAfter, err := total.Add(liquidity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	premium, rate, err := fpmath.PricePremium(liquidity, utilized, totalAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	return &PremiumQuote{
		Pool:         pool.Hex(),
		Liquidity:    liquidity.RawString(),
		PremiumRate:  rate.RawString(),
		Premium:      premium.RawString(),
		AsOfSequence: asOfSeq,
	}, nil
}

// GetJournalHistory returns journal entries touching an owner's wallets.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	beforeSequence *int64,
) (_ []JournalHistoryEntry, err error) {
	defer qs.observe("GetJournalHistory", time.Now(), &err)

	accountPrefix := fmt.Sprintf("owner:%s:%%", owner.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, currency, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]JournalHistoryEntry, 0)
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Currency, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and that projected fund
// balances agree with the journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (_ *IntegrityReport, err error) {
	defer qs.observe("VerifyIntegrity", time.Now(), &err)

	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// fund account credits minus debits, per currency
	driftRows, err := qs.db.QueryContext(ctx, `
		WITH journal_funds AS (
			SELECT currency, SUM(delta) AS balance FROM (
				SELECT currency, amount AS delta FROM event_log.journal
				WHERE credit_account LIKE 'system:protection_fund:%'
				UNION ALL
				SELECT currency, -amount AS delta FROM event_log.journal
				WHERE debit_account LIKE 'system:protection_fund:%'
			) d
			GROUP BY currency
		)
		SELECT COALESCE(f.currency, j.currency),
		       COALESCE(f.balance, 0)::text,
		       COALESCE(j.balance, 0)::text
		FROM projections.fund_balances f
		FULL OUTER JOIN journal_funds j ON j.currency = f.currency
		WHERE COALESCE(f.balance, 0) != COALESCE(j.balance, 0)
	`)
	if err != nil {
		return nil, err
	}
	defer driftRows.Close()

	for driftRows.Next() {
		var d FundBalanceDrift
		if err := driftRows.Scan(&d.Currency, &d.Projected, &d.Journal); err != nil {
			return nil, err
		}
		report.FundMismatches = append(report.FundMismatches, d)
	}
	if err := driftRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.FundMismatches) == 0
	return report, nil
}

// --- helpers ---

const positionSelect = `
	SELECT owner, pool, status, liquidity::text, tick_lower, tick_upper, initial_tick,
	       protected_amount::text, currency, opened_at, open_sequence,
	       final_tick, impermanent_loss::text, payout::text, closed_at
	FROM projections.positions
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*PositionResponse, error) {
	var p PositionResponse
	var finalTick sql.NullInt32
	var il, payout sql.NullString
	var closedAt sql.NullTime
	if err := s.Scan(
		&p.Owner, &p.Pool, &p.Status, &p.Liquidity, &p.TickLower, &p.TickUpper, &p.InitialTick,
		&p.ProtectedAmount, &p.Currency, &p.OpenedAt, &p.OpenSequence,
		&finalTick, &il, &payout, &closedAt,
	); err != nil {
		return nil, err
	}
	if finalTick.Valid {
		t := finalTick.Int32
		p.FinalTick = &t
	}
	if il.Valid {
		p.ImpermanentLoss = &il.String
	}
	if payout.Valid {
		p.Payout = &payout.String
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	return &p, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err := *errp; err != nil {
		code := "internal"
		switch {
		case errors.Is(err, ErrNotFound):
			code = "not_found"
		case errors.Is(err, ErrInvalidQuery):
			code = "invalid"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
