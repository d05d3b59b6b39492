package volcurve

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

// TestNew_Normalizes tests that weights sum to exactly 1.
func TestNew_Normalizes(t *testing.T) {
	c, err := New([]decimal.Decimal{
		decimal.NewFromInt(300),
		decimal.NewFromInt(100),
		decimal.NewFromInt(100),
		decimal.NewFromInt(300),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sum := decimal.Zero
	for i := 0; i < c.Buckets(); i++ {
		sum = sum.Add(c.Weight(i))
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		t.Errorf("weights sum = %s, want 1", sum)
	}

	if !c.Weight(0).Equal(c.Weight(3)) {
		t.Errorf("symmetric input should give symmetric edge weights: %s vs %s", c.Weight(0), c.Weight(3))
	}
}

// TestNew_Invalid tests rejection of degenerate inputs.
func TestNew_Invalid(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for empty curve")
	}
	if _, err := New([]decimal.Decimal{decimal.Zero, decimal.Zero}); err == nil {
		t.Error("expected error for zero-volume curve")
	}
	if _, err := New([]decimal.Decimal{decimal.NewFromInt(-1), decimal.NewFromInt(2)}); err == nil {
		t.Error("expected error for negative bucket")
	}
}

// TestCurve_Apportion_Conservation verifies exact quantity conservation
// across bucket counts and quantities, including awkward remainders.
func TestCurve_Apportion_Conservation(t *testing.T) {
	tests := []struct {
		name     string
		curve    Curve
		quantity int
	}{
		{"flat even", Flat(4), 100},
		{"flat remainder", Flat(3), 100},
		{"ushaped", UShaped(13), 997},
		{"one bucket", Flat(1), 57},
		{"qty smaller than buckets", UShaped(10), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slices := tt.curve.Apportion(tt.quantity)

			total := 0
			for _, q := range slices {
				if q < 0 {
					t.Errorf("negative slice quantity %d", q)
				}
				total += q
			}
			if total != tt.quantity {
				t.Errorf("apportioned total = %d, want %d", total, tt.quantity)
			}
		})
	}
}

// TestCurve_Apportion_FlatIsEven tests that a flat curve splits evenly
// with the remainder spread one unit at a time.
func TestCurve_Apportion_FlatIsEven(t *testing.T) {
	slices := Flat(4).Apportion(10)

	for _, q := range slices {
		if q != 2 && q != 3 {
			t.Errorf("flat apportion slice = %d, want 2 or 3", q)
		}
	}
}

// TestUShaped_EdgesHeavy tests the open/close buckets outweigh lunch.
func TestUShaped_EdgesHeavy(t *testing.T) {
	c := UShaped(13)
	mid := c.Weight(6)

	if !c.Weight(0).GreaterThan(mid) {
		t.Errorf("open weight %s should exceed midday weight %s", c.Weight(0), mid)
	}
	if !c.Weight(12).GreaterThan(mid) {
		t.Errorf("close weight %s should exceed midday weight %s", c.Weight(12), mid)
	}
}

// TestRealizedVol_ConstantPriceIsZero tests a flat series has no vol.
func TestRealizedVol_ConstantPriceIsZero(t *testing.T) {
	rv := NewRealizedVol(5, 252)

	for i := 0; i < 10; i++ {
		rv.Observe(decimal.NewFromInt(100))
	}

	if !rv.Ready() {
		t.Fatal("estimator should be ready after 10 observations")
	}
	if got := rv.Current(); got != 0 {
		t.Errorf("constant price realized vol = %v, want 0", got)
	}
}

// TestRealizedVol_PositiveForNoise tests alternating returns give a
// positive, finite estimate.
func TestRealizedVol_PositiveForNoise(t *testing.T) {
	rv := NewRealizedVol(10, 252)

	price := decimal.NewFromInt(100)
	up := decimal.RequireFromString("1.01")
	down := decimal.RequireFromString("0.99")
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			price = price.Mul(up)
		} else {
			price = price.Mul(down)
		}
		rv.Observe(price)
	}

	got := rv.Current()
	if got <= 0 || math.IsNaN(got) || math.IsInf(got, 0) {
		t.Errorf("realized vol = %v, want positive finite", got)
	}
}

// TestRealizedVol_NotReadyBeforeWindow tests zero before window fills.
func TestRealizedVol_NotReadyBeforeWindow(t *testing.T) {
	rv := NewRealizedVol(20, 252)

	rv.Observe(decimal.NewFromInt(100))
	rv.Observe(decimal.NewFromInt(101))

	if rv.Ready() {
		t.Error("estimator should not be ready with 1 return")
	}
	if got := rv.Current(); got != 0 {
		t.Errorf("Current() before window = %v, want 0", got)
	}
}
