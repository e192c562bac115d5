package core

import (
	"github.com/ethereum/go-ethereum/common"
)

// SequenceValidator drops trade notifications that arrive behind a newer one
// for the same pool. Source sequence 0 means unsequenced and is always accepted.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	lastTradeSeq map[common.Hash]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastTradeSeq: make(map[common.Hash]int64),
	}
}

// AcceptTrade reports whether a trade with sourceSequence is newer than the
// last applied trade for pool, and records it if so.
func (sv *SequenceValidator) AcceptTrade(pool common.Hash, sourceSequence int64) bool {
	if sourceSequence == 0 {
		return true
	}

	last, seen := sv.lastTradeSeq[pool]
	// gaps are tolerated: only the latest tick matters
	if seen && sourceSequence <= last {
		return false
	}

	sv.lastTradeSeq[pool] = sourceSequence
	return true
}

// Partitions returns the last accepted trade sequence per pool.
func (sv *SequenceValidator) Partitions() map[common.Hash]int64 {
	out := make(map[common.Hash]int64, len(sv.lastTradeSeq))
	for pool, seq := range sv.lastTradeSeq {
		out[pool] = seq
	}
	return out
}

// RestorePartition initializes a pool's last sequence during recovery.
func (sv *SequenceValidator) RestorePartition(pool common.Hash, seq int64) {
	sv.lastTradeSeq[pool] = seq
}
