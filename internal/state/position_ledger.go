package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrAlreadyOpen      = errors.New("position already open")
	ErrPositionNotFound = errors.New("position not found")
)

// PositionNotFoundError names the key that had no live position.
type PositionNotFoundError struct {
	Owner common.Address
	Pool  common.Hash
}

func (e *PositionNotFoundError) Error() string {
	return fmt.Sprintf("position not found: owner=%s pool=%s", e.Owner.Hex(), e.Pool.Hex())
}

func (e *PositionNotFoundError) Is(target error) bool {
	return target == ErrPositionNotFound
}

// PositionStore is the keyed storage behind the ledger.
type PositionStore interface {
	Get(key PositionKey) (*Position, bool)
	Put(pos *Position)
	Remove(key PositionKey)
	All() []*Position
}

// MemoryPositionStore keeps positions in a map.
// Not thread-safe: only the core goroutine touches it.
type MemoryPositionStore struct {
	positions map[PositionKey]*Position
}

func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{positions: make(map[PositionKey]*Position)}
}

func (s *MemoryPositionStore) Get(key PositionKey) (*Position, bool) {
	pos, ok := s.positions[key]
	return pos, ok
}

func (s *MemoryPositionStore) Put(pos *Position) {
	s.positions[pos.Key()] = pos
}

func (s *MemoryPositionStore) Remove(key PositionKey) {
	delete(s.positions, key)
}

func (s *MemoryPositionStore) All() []*Position {
	out := make([]*Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	return out
}

// PositionLedger enforces the Absent -> Open -> Absent lifecycle per key.
type PositionLedger struct {
	store PositionStore
}

func NewPositionLedger(store PositionStore) *PositionLedger {
	return &PositionLedger{store: store}
}

// Open stores a new position. An existing live record is never overwritten.
func (l *PositionLedger) Open(pos *Position) (*Position, error) {
	if _, exists := l.store.Get(pos.Key()); exists {
		return nil, fmt.Errorf("%w: owner=%s pool=%s", ErrAlreadyOpen, pos.Owner.Hex(), pos.Pool.Hex())
	}
	l.store.Put(pos)
	return pos, nil
}

// Close removes and returns the live position for key.
func (l *PositionLedger) Close(key PositionKey) (*Position, error) {
	pos, ok := l.store.Get(key)
	if !ok {
		return nil, &PositionNotFoundError{Owner: key.Owner, Pool: key.Pool}
	}
	l.store.Remove(key)
	return pos, nil
}

// Get reads without mutating.
func (l *PositionLedger) Get(key PositionKey) (*Position, bool) {
	return l.store.Get(key)
}

// Restore puts back a record removed by a failed operation, or loads one from a snapshot.
func (l *PositionLedger) Restore(pos *Position) {
	l.store.Put(pos)
}

// Discard drops a record opened by a failed operation.
func (l *PositionLedger) Discard(key PositionKey) {
	l.store.Remove(key)
}

// All returns every live position ordered by (pool, owner).
func (l *PositionLedger) All() []*Position {
	positions := l.store.All()
	sort.Slice(positions, func(i, j int) bool {
		if c := bytes.Compare(positions[i].Pool[:], positions[j].Pool[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(positions[i].Owner[:], positions[j].Owner[:]) < 0
	})
	return positions
}
