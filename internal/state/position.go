package state

import (
	fpmath "ILShield/internal/math"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionKey identifies at most one live position per owner and pool.
type PositionKey struct {
	Owner common.Address
	Pool  common.Hash
}

// Position is an open protected liquidity position. It is never modified in
// place: it is created on open and removed on close.
type Position struct {
	Owner           common.Address
	Pool            common.Hash
	Liquidity       fpmath.Decimal
	TickLower       int32
	TickUpper       int32
	InitialTick     int32
	ProtectedAmount fpmath.Decimal
	Currency        common.Address
	OpenedAt        time.Time
	OpenSequence    int64
}

func (p *Position) Key() PositionKey {
	return PositionKey{Owner: p.Owner, Pool: p.Pool}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = append(buf, p.Owner.Bytes()...)
	buf = append(buf, p.Pool.Bytes()...)
	buf = appendDecimal(buf, p.Liquidity)
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.TickLower))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.TickUpper))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.InitialTick))
	buf = appendDecimal(buf, p.ProtectedAmount)
	buf = append(buf, p.Currency.Bytes()...)

	return buf
}

// appendDecimal appends the 32-byte big-endian raw value
func appendDecimal(buf []byte, d fpmath.Decimal) []byte {
	raw := d.Raw().Bytes32()
	return append(buf, raw[:]...)
}
