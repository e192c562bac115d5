package state

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// PriceTracker caches the most recent tick per pool as observed by trades.
// Presence is tracked explicitly: tick 0 is a real price (parity), not "unset".
type PriceTracker struct {
	ticks map[common.Hash]int32
}

func NewPriceTracker() *PriceTracker {
	return &PriceTracker{ticks: make(map[common.Hash]int32)}
}

// Update overwrites the cached tick unconditionally.
func (t *PriceTracker) Update(pool common.Hash, tick int32) {
	t.ticks[pool] = tick
}

// Current returns the cached tick and whether one was ever recorded.
func (t *PriceTracker) Current(pool common.Hash) (int32, bool) {
	tick, ok := t.ticks[pool]
	return tick, ok
}

// CurrentOrFallback returns the cached tick, or a fresh read when the pool has
// never traded.
func (t *PriceTracker) CurrentOrFallback(pool common.Hash, freshRead func() (int32, error)) (int32, error) {
	if tick, ok := t.ticks[pool]; ok {
		return tick, nil
	}
	return freshRead()
}

// PoolTick is one cached entry, used for snapshots and projections.
type PoolTick struct {
	Pool common.Hash
	Tick int32
}

// All returns every cached tick ordered by pool id.
func (t *PriceTracker) All() []PoolTick {
	out := make([]PoolTick, 0, len(t.ticks))
	for pool, tick := range t.ticks {
		out = append(out, PoolTick{Pool: pool, Tick: tick})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Pool[:], out[j].Pool[:]) < 0
	})
	return out
}
