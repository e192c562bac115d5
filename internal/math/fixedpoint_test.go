package math_test

import (
	"encoding/json"
	"errors"
	"testing"

	fpmath "ILShield/internal/math"

	"github.com/holiman/uint256"
)

func mustParse(t *testing.T, s string) fpmath.Decimal {
	t.Helper()
	d, err := fpmath.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return d
}

// ============================================================================
// Test: parsing and formatting
// ============================================================================

func TestParse_Fraction(t *testing.T) {
	d := mustParse(t, "0.005")
	if d.RawString() != "5000000000000000" {
		t.Errorf("got raw %s, want 5000000000000000", d.RawString())
	}
	if d.String() != "0.005" {
		t.Errorf("got %s, want 0.005", d.String())
	}
}

func TestParse_Integer(t *testing.T) {
	d := mustParse(t, "1000000")
	if !d.Eq(fpmath.FromUnits(1_000_000)) {
		t.Errorf("got %s, want 1000000", d)
	}
	if d.String() != "1000000" {
		t.Errorf("got %s, want 1000000", d.String())
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, s := range []string{"", "abc", "1.2.3", "-1", "0.0000000000000000001"} {
		if _, err := fpmath.Parse(s); !errors.Is(err, fpmath.ErrInvalidDecimal) {
			t.Errorf("Parse(%q): got %v, want ErrInvalidDecimal", s, err)
		}
	}
}

func TestDecimal_JSONUsesRawInteger(t *testing.T) {
	payload, err := json.Marshal(struct {
		Amount fpmath.Decimal `json:"amount"`
	}{Amount: mustParse(t, "1.5")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"amount":"1500000000000000000"}` {
		t.Errorf("got %s", payload)
	}

	var decoded struct {
		Amount fpmath.Decimal `json:"amount"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Amount.String() != "1.5" {
		t.Errorf("got %s, want 1.5", decoded.Amount)
	}
}

// ============================================================================
// Test: arithmetic
// ============================================================================

func TestDecimal_MulDiv(t *testing.T) {
	product, err := mustParse(t, "1.5").Mul(fpmath.FromUnits(2))
	if err != nil {
		t.Fatalf("Mul: %v", err)
	}
	if !product.Eq(fpmath.FromUnits(3)) {
		t.Errorf("1.5 * 2: got %s, want 3", product)
	}

	third, err := fpmath.One.Div(fpmath.FromUnits(3))
	if err != nil {
		t.Fatalf("Div: %v", err)
	}
	if third.RawString() != "333333333333333333" {
		t.Errorf("1 / 3 should round down: got %s", third.RawString())
	}
}

func TestDecimal_DivisionByZero(t *testing.T) {
	if _, err := fpmath.One.Div(fpmath.Zero); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
	if _, err := fpmath.One.MulDiv(fpmath.One, fpmath.Zero); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

func TestDecimal_Overflow(t *testing.T) {
	max := fpmath.FromRaw(new(uint256.Int).SetAllOne())

	if _, err := max.Add(fpmath.FromRawUint64(1)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("Add: got %v, want ErrOverflow", err)
	}
	if _, err := max.Mul(fpmath.FromUnits(2)); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("Mul: got %v, want ErrOverflow", err)
	}
}

func TestDecimal_SubUnderflow(t *testing.T) {
	if _, err := fpmath.One.Sub(fpmath.FromUnits(2)); !errors.Is(err, fpmath.ErrUnderflow) {
		t.Errorf("got %v, want ErrUnderflow", err)
	}
	if got := fpmath.One.SubFloor(fpmath.FromUnits(2)); !got.IsZero() {
		t.Errorf("SubFloor should floor at zero, got %s", got)
	}
}

func TestDecimal_Sqrt(t *testing.T) {
	if got := fpmath.FromUnits(4).Sqrt(); !got.Eq(fpmath.FromUnits(2)) {
		t.Errorf("sqrt(4): got %s, want 2", got)
	}
	if got := fpmath.FromUnits(2).Sqrt(); got.RawString() != "1414213562373095048" {
		t.Errorf("sqrt(2): got %s, want 1414213562373095048", got.RawString())
	}
	if got := fpmath.Zero.Sqrt(); !got.IsZero() {
		t.Errorf("sqrt(0): got %s", got)
	}
}

func TestMin(t *testing.T) {
	a, b := fpmath.One, fpmath.FromUnits(2)
	if !fpmath.Min(a, b).Eq(a) || !fpmath.Min(b, a).Eq(a) {
		t.Error("Min should return the smaller operand")
	}
}
