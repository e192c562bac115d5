package state

import (
	fpmath "ILShield/internal/math"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrCoverageLimitExceeded = errors.New("coverage limit exceeded")

// CoverageLimitExceededError reports a rejected reservation.
type CoverageLimitExceededError struct {
	Pool      common.Hash
	Current   fpmath.Decimal
	Requested fpmath.Decimal
	Limit     fpmath.Decimal
}

func (e *CoverageLimitExceededError) Error() string {
	return fmt.Sprintf("coverage limit exceeded for pool %s: current=%s requested=%s limit=%s",
		e.Pool.Hex(), e.Current, e.Requested, e.Limit)
}

func (e *CoverageLimitExceededError) Is(target error) bool {
	return target == ErrCoverageLimitExceeded
}

// ProtectionPool holds the aggregate coverage counters of one pool.
type ProtectionPool struct {
	Pool                 common.Hash
	TotalCoverage        fpmath.Decimal
	UtilizedCoverage     fpmath.Decimal // cumulative payouts, never decreases
	PremiumRate          fpmath.Decimal // rate charged by the latest open
	LastUpdated          time.Time
	MaxPayoutPerPosition fpmath.Decimal // zero: only the 50% cap applies
	MaxTotalCoverage     fpmath.Decimal
	PremiumsCollected    fpmath.Decimal
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *ProtectionPool) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32*7+8)
	buf = append(buf, p.Pool.Bytes()...)
	buf = appendDecimal(buf, p.TotalCoverage)
	buf = appendDecimal(buf, p.UtilizedCoverage)
	buf = appendDecimal(buf, p.PremiumRate)
	buf = appendDecimal(buf, p.MaxPayoutPerPosition)
	buf = appendDecimal(buf, p.MaxTotalCoverage)
	buf = appendDecimal(buf, p.PremiumsCollected)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.LastUpdated.UnixMicro()))
	return buf
}

// CoverageAccountant owns every ProtectionPool. Pools are created lazily and
// never deleted, except to undo a creation whose operation failed.
// Not thread-safe: only the core goroutine touches it.
type CoverageAccountant struct {
	pools              map[common.Hash]*ProtectionPool
	defaultMaxCoverage fpmath.Decimal
}

func NewCoverageAccountant(defaultMaxCoverage fpmath.Decimal) *CoverageAccountant {
	if defaultMaxCoverage.IsZero() {
		defaultMaxCoverage = fpmath.DefaultMaxCoverage
	}
	return &CoverageAccountant{
		pools:              make(map[common.Hash]*ProtectionPool),
		defaultMaxCoverage: defaultMaxCoverage,
	}
}

// InitializeIfAbsent creates the pool with default limits. It reports whether
// a pool was created.
func (a *CoverageAccountant) InitializeIfAbsent(pool common.Hash, ts time.Time) bool {
	if _, exists := a.pools[pool]; exists {
		return false
	}
	a.pools[pool] = &ProtectionPool{
		Pool:             pool,
		PremiumRate:      fpmath.BaseRate,
		LastUpdated:      ts,
		MaxTotalCoverage: a.defaultMaxCoverage,
	}
	return true
}

// Get returns a copy of the pool.
func (a *CoverageAccountant) Get(pool common.Hash) (ProtectionPool, bool) {
	p, ok := a.pools[pool]
	if !ok {
		return ProtectionPool{}, false
	}
	return *p, true
}

// Reserve adds liquidity to the pool's total coverage, all or nothing.
func (a *CoverageAccountant) Reserve(pool common.Hash, liquidity fpmath.Decimal, ts time.Time) error {
	p, ok := a.pools[pool]
	if !ok {
		return fmt.Errorf("reserve: pool %s not initialized", pool.Hex())
	}

	next, err := p.TotalCoverage.Add(liquidity)
	if err != nil || next.Gt(p.MaxTotalCoverage) {
		return &CoverageLimitExceededError{
			Pool:      pool,
			Current:   p.TotalCoverage,
			Requested: liquidity,
			Limit:     p.MaxTotalCoverage,
		}
	}

	p.TotalCoverage = next
	p.LastUpdated = ts
	return nil
}

// RecordPremium stores the rate just charged and accumulates the premium.
func (a *CoverageAccountant) RecordPremium(pool common.Hash, rate, premium fpmath.Decimal) error {
	p, ok := a.pools[pool]
	if !ok {
		return fmt.Errorf("record premium: pool %s not initialized", pool.Hex())
	}
	collected, err := p.PremiumsCollected.Add(premium)
	if err != nil {
		return fmt.Errorf("record premium: %w", err)
	}
	p.PremiumRate = rate
	p.PremiumsCollected = collected
	return nil
}

// Release removes liquidity from total coverage (floored at zero) and adds
// the payout to utilized coverage. It never fails for a known pool.
func (a *CoverageAccountant) Release(pool common.Hash, liquidity, payout fpmath.Decimal, ts time.Time) error {
	p, ok := a.pools[pool]
	if !ok {
		return fmt.Errorf("release: pool %s not initialized", pool.Hex())
	}

	utilized, err := p.UtilizedCoverage.Add(payout)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	p.TotalCoverage = p.TotalCoverage.SubFloor(liquidity)
	p.UtilizedCoverage = utilized
	p.LastUpdated = ts
	return nil
}

// SetLimits overwrites the pool's payout cap and coverage ceiling.
func (a *CoverageAccountant) SetLimits(pool common.Hash, maxPayoutPerPosition, maxTotalCoverage fpmath.Decimal, ts time.Time) error {
	p, ok := a.pools[pool]
	if !ok {
		return fmt.Errorf("set limits: pool %s not initialized", pool.Hex())
	}
	p.MaxPayoutPerPosition = maxPayoutPerPosition
	p.MaxTotalCoverage = maxTotalCoverage
	p.LastUpdated = ts
	return nil
}

// Restore overwrites the pool with a previously captured copy.
func (a *CoverageAccountant) Restore(p ProtectionPool) {
	restored := p
	a.pools[p.Pool] = &restored
}

// Unreserve takes back liquidity added by Reserve, floored at zero. It
// undoes one reservation without touching concurrent changes to the pool.
func (a *CoverageAccountant) Unreserve(pool common.Hash, liquidity fpmath.Decimal) {
	if p, ok := a.pools[pool]; ok {
		p.TotalCoverage = p.TotalCoverage.SubFloor(liquidity)
	}
}

// RevertPremium undoes RecordPremium. The latest rate falls back to prevRate
// only if no other open has priced since.
func (a *CoverageAccountant) RevertPremium(pool common.Hash, rate, prevRate, premium fpmath.Decimal) {
	p, ok := a.pools[pool]
	if !ok {
		return
	}
	p.PremiumsCollected = p.PremiumsCollected.SubFloor(premium)
	if p.PremiumRate.Eq(rate) {
		p.PremiumRate = prevRate
	}
}

// Unrelease undoes Release: the liquidity is covered again and the payout
// leaves utilized coverage. The ceiling is not checked, since the coverage
// was already held.
func (a *CoverageAccountant) Unrelease(pool common.Hash, liquidity, payout fpmath.Decimal) error {
	p, ok := a.pools[pool]
	if !ok {
		return fmt.Errorf("unrelease: pool %s not initialized", pool.Hex())
	}
	total, err := p.TotalCoverage.Add(liquidity)
	if err != nil {
		return fmt.Errorf("unrelease: %w", err)
	}
	p.TotalCoverage = total
	p.UtilizedCoverage = p.UtilizedCoverage.SubFloor(payout)
	return nil
}

// DiscardIfUnused removes a pool that still holds nothing but its defaults.
// It reports whether the pool was removed. A pool with coverage, payouts,
// premiums or admin-set limits is kept.
func (a *CoverageAccountant) DiscardIfUnused(pool common.Hash) bool {
	p, ok := a.pools[pool]
	if !ok {
		return false
	}
	if !p.TotalCoverage.IsZero() || !p.UtilizedCoverage.IsZero() || !p.PremiumsCollected.IsZero() ||
		!p.MaxPayoutPerPosition.IsZero() || !p.MaxTotalCoverage.Eq(a.defaultMaxCoverage) {
		return false
	}
	delete(a.pools, pool)
	return true
}

// All returns copies of every pool ordered by pool id.
func (a *CoverageAccountant) All() []ProtectionPool {
	out := make([]ProtectionPool, 0, len(a.pools))
	for _, p := range a.pools {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Pool[:], out[j].Pool[:]) < 0
	})
	return out
}
