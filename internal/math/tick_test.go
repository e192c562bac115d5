package math_test

import (
	"errors"
	"testing"

	fpmath "ILShield/internal/math"
)

func TestSqrtRatioAtTick_KnownValues(t *testing.T) {
	cases := []struct {
		tick int32
		want string
	}{
		{0, "79228162514264337593543950336"},
		{fpmath.MinTick, "4295128739"},
		{fpmath.MaxTick, "1461446703485210103287273052203988822378723970342"},
	}
	for _, tc := range cases {
		got, err := fpmath.SqrtRatioAtTick(tc.tick)
		if err != nil {
			t.Fatalf("tick %d: %v", tc.tick, err)
		}
		if got.Dec() != tc.want {
			t.Errorf("tick %d: got %s, want %s", tc.tick, got.Dec(), tc.want)
		}
	}
}

func TestSqrtRatioAtTick_OutOfRange(t *testing.T) {
	for _, tick := range []int32{fpmath.MinTick - 1, fpmath.MaxTick + 1} {
		if _, err := fpmath.SqrtRatioAtTick(tick); !errors.Is(err, fpmath.ErrTickOutOfRange) {
			t.Errorf("tick %d: got %v, want ErrTickOutOfRange", tick, err)
		}
	}
}

func TestSqrtRatioAtTick_Monotonic(t *testing.T) {
	ticks := []int32{fpmath.MinTick, -500000, -100000, -1, 0, 1, 100000, 500000, fpmath.MaxTick}
	prev, err := fpmath.SqrtRatioAtTick(ticks[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, tick := range ticks[1:] {
		cur, err := fpmath.SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatal(err)
		}
		if !cur.Gt(prev) {
			t.Errorf("ratio at %d (%s) should exceed previous (%s)", tick, cur.Dec(), prev.Dec())
		}
		prev = cur
	}
}

func TestPriceRatio_Parity(t *testing.T) {
	got, err := fpmath.PriceRatio(0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Eq(fpmath.One) {
		t.Errorf("got %s, want 1", got)
	}
}

func TestSqrtRatioQuotient_ExtremeTicksKeepPrecision(t *testing.T) {
	got, err := fpmath.SqrtRatioQuotient(fpmath.MinTick, fpmath.MinTick)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Eq(fpmath.One) {
		t.Errorf("got %s, want 1", got)
	}

	up, err := fpmath.SqrtRatioQuotient(fpmath.MinTick+2, fpmath.MinTick)
	if err != nil {
		t.Fatal(err)
	}
	if !up.Gt(fpmath.One) {
		t.Errorf("quotient for an upward move should exceed 1, got %s", up)
	}
}
