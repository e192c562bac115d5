// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the fixed-point precision shared by every amount, rate and ratio.
const Decimals = 18

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrUnderflow      = errors.New("fixed-point underflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrInvalidDecimal = errors.New("invalid decimal literal")
)

// scale is 10^18, the raw representation of 1.0
var scale = uint256.NewInt(1_000_000_000_000_000_000)

var floatScale = new(big.Float).SetInt(scale.ToBig())

// Decimal is an unsigned fixed-point number with 18 decimals backed by a
// 256-bit integer. The zero value is 0. Every multiplication, division and
// square root rounds toward zero, so repeated premium/payout computations can
// only drift in the protocol's favor.
type Decimal struct {
	raw uint256.Int
}

var (
	Zero = Decimal{}
	One  = FromRawUint64(1_000_000_000_000_000_000)
)

// FromRaw wraps a raw scaled integer (1.0 == 10^18). A nil raw value is 0.
func FromRaw(raw *uint256.Int) Decimal {
	var d Decimal
	if raw != nil {
		d.raw.Set(raw)
	}
	return d
}

// FromRawUint64 wraps a raw scaled integer.
func FromRawUint64(raw uint64) Decimal {
	var d Decimal
	d.raw.SetUint64(raw)
	return d
}

// FromUnits returns units * 10^18.
func FromUnits(units uint64) Decimal {
	var d Decimal
	d.raw.Mul(uint256.NewInt(units), scale)
	return d
}

// ParseRaw parses a base-10 raw scaled integer, e.g. "5000000000000000000" for 5.0.
func ParseRaw(s string) (Decimal, error) {
	var d Decimal
	if err := d.raw.SetFromDecimal(strings.TrimSpace(s)); err != nil {
		return Zero, fmt.Errorf("%w: %q: %v", ErrInvalidDecimal, s, err)
	}
	return d, nil
}

// Parse parses a human-readable decimal such as "0.005" or "1000000".
// More than 18 fractional digits is an error rather than a silent truncation.
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: empty", ErrInvalidDecimal)
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > Decimals {
		return Zero, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidDecimal, s, Decimals)
	}
	for _, part := range []string{intPart, fracPart} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
			}
		}
	}

	digits := strings.TrimLeft(intPart+fracPart+strings.Repeat("0", Decimals-len(fracPart)), "0")
	if digits == "" {
		return Zero, nil
	}
	return ParseRaw(digits)
}

// MustParse is Parse for package-level constants.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Raw returns a copy of the underlying scaled integer.
func (d Decimal) Raw() *uint256.Int {
	return d.raw.Clone()
}

func (d Decimal) IsZero() bool {
	return d.raw.IsZero()
}

func (d Decimal) Cmp(o Decimal) int {
	return d.raw.Cmp(&o.raw)
}

func (d Decimal) Eq(o Decimal) bool {
	return d.raw.Eq(&o.raw)
}

func (d Decimal) Lt(o Decimal) bool {
	return d.raw.Lt(&o.raw)
}

func (d Decimal) Gt(o Decimal) bool {
	return d.raw.Gt(&o.raw)
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) (Decimal, error) {
	var out Decimal
	if _, overflow := out.raw.AddOverflow(&d.raw, &o.raw); overflow {
		return Zero, ErrOverflow
	}
	return out, nil
}

// Sub returns d - o, failing when o > d.
func (d Decimal) Sub(o Decimal) (Decimal, error) {
	var out Decimal
	if _, underflow := out.raw.SubOverflow(&d.raw, &o.raw); underflow {
		return Zero, ErrUnderflow
	}
	return out, nil
}

// SubFloor returns d - o floored at zero.
func (d Decimal) SubFloor(o Decimal) Decimal {
	if o.raw.Gt(&d.raw) {
		return Zero
	}
	var out Decimal
	out.raw.Sub(&d.raw, &o.raw)
	return out
}

// Mul returns floor(d * o).
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	return mulDiv(&d.raw, &o.raw, scale)
}

// Div returns floor(d / o).
func (d Decimal) Div(o Decimal) (Decimal, error) {
	if o.raw.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return mulDiv(&d.raw, scale, &o.raw)
}

// MulDiv returns floor(d * m / q) with a 512-bit intermediate product.
func (d Decimal) MulDiv(m, q Decimal) (Decimal, error) {
	if q.raw.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return mulDiv(&d.raw, &m.raw, &q.raw)
}

// Sqrt returns floor(sqrt(d)) in fixed point.
func (d Decimal) Sqrt() Decimal {
	var out Decimal
	var widened uint256.Int
	if _, overflow := widened.MulOverflow(&d.raw, scale); !overflow {
		out.raw.Sqrt(&widened)
		return out
	}
	// sqrt(raw * 10^18) == sqrt(raw) * 10^9 when the widened value does not fit
	out.raw.Sqrt(&d.raw)
	out.raw.Mul(&out.raw, uint256.NewInt(1_000_000_000))
	return out
}

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a.Lt(b) {
		return a
	}
	return b
}

// String renders the human-readable value, e.g. "0.005".
func (d Decimal) String() string {
	var intPart, fracPart uint256.Int
	intPart.Div(&d.raw, scale)
	fracPart.Mod(&d.raw, scale)

	if fracPart.IsZero() {
		return intPart.Dec()
	}
	frac := fracPart.Dec()
	frac = strings.Repeat("0", Decimals-len(frac)) + frac
	return intPart.Dec() + "." + strings.TrimRight(frac, "0")
}

// Float64 is a lossy conversion for metrics and logs. Never feed it back into accounting.
func (d Decimal) Float64() float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(d.raw.ToBig()), floatScale).Float64()
	return f
}

// RawString renders the raw scaled integer. This is the wire and storage format.
func (d Decimal) RawString() string {
	return d.raw.Dec()
}

func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.raw.Dec()), nil
}

func (d *Decimal) UnmarshalText(text []byte) error {
	parsed, err := ParseRaw(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func mulDiv(x, y, q *uint256.Int) (Decimal, error) {
	var out Decimal
	if _, overflow := out.raw.MulDivOverflow(x, y, q); overflow {
		return Zero, ErrOverflow
	}
	return out, nil
}
