// Package volcurve provides intraday volume profiles for VWAP slicing
// and a rolling realized-volatility estimator.
package volcurve

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Curve is a normalized intraday volume profile. Bucket i holds the
// fraction of the day's volume expected in the i-th slice of the
// execution window; the weights sum to 1.
type Curve struct {
	weights []decimal.Decimal
}

var one = decimal.NewFromInt(1)

// New builds a curve from raw bucket volumes, normalizing them so the
// weights sum to exactly 1 (rounding residue goes to the last bucket).
func New(volumes []decimal.Decimal) (Curve, error) {
	if len(volumes) == 0 {
		return Curve{}, fmt.Errorf("volume curve needs at least one bucket")
	}

	total := decimal.Zero
	for i, v := range volumes {
		if v.IsNegative() {
			return Curve{}, fmt.Errorf("bucket %d volume is negative", i)
		}
		total = total.Add(v)
	}
	if total.IsZero() {
		return Curve{}, fmt.Errorf("volume curve sums to zero")
	}

	weights := make([]decimal.Decimal, len(volumes))
	acc := decimal.Zero
	for i, v := range volumes[:len(volumes)-1] {
		w := v.Div(total).Round(8)
		weights[i] = w
		acc = acc.Add(w)
	}
	weights[len(weights)-1] = one.Sub(acc)

	return Curve{weights: weights}, nil
}

// UShaped returns the classic equity intraday profile: heavy open and
// close, light lunch. Bucket volumes follow a symmetric parabola with
// the edges carrying roughly three times the weight of the middle.
func UShaped(buckets int) Curve {
	if buckets < 1 {
		buckets = 1
	}
	volumes := make([]decimal.Decimal, buckets)
	mid := float64(buckets-1) / 2
	for i := range volumes {
		x := (float64(i) - mid) / (mid + 1)
		volumes[i] = decimal.NewFromFloat(1 + 2*x*x)
	}
	c, _ := New(volumes)
	return c
}

// Flat returns an equal-weight profile, which makes VWAP slicing
// degenerate to TWAP.
func Flat(buckets int) Curve {
	if buckets < 1 {
		buckets = 1
	}
	volumes := make([]decimal.Decimal, buckets)
	for i := range volumes {
		volumes[i] = one
	}
	c, _ := New(volumes)
	return c
}

// Buckets returns the number of buckets in the curve.
func (c Curve) Buckets() int {
	return len(c.weights)
}

// Weight returns the normalized weight of bucket i.
func (c Curve) Weight(i int) decimal.Decimal {
	if i < 0 || i >= len(c.weights) {
		return decimal.Zero
	}
	return c.weights[i]
}

// Apportion splits quantity across the curve's buckets by weight. The
// result sums to quantity exactly: each bucket gets the floor of its
// share and the remainder is distributed one unit at a time to the
// largest fractional losers, heaviest buckets first.
func (c Curve) Apportion(quantity int) []int {
	n := len(c.weights)
	out := make([]int, n)
	if quantity <= 0 || n == 0 {
		return out
	}

	qty := decimal.NewFromInt(int64(quantity))
	type slot struct {
		idx  int
		frac decimal.Decimal
	}
	fracs := make([]slot, n)

	assigned := 0
	for i, w := range c.weights {
		share := qty.Mul(w)
		whole := int(share.IntPart())
		out[i] = whole
		assigned += whole
		fracs[i] = slot{idx: i, frac: share.Sub(share.Floor())}
	}

	// Stable selection: bigger fraction first, earlier bucket on ties.
	for assigned < quantity {
		best := -1
		for i := range fracs {
			if fracs[i].frac.IsNegative() {
				continue
			}
			if best == -1 || fracs[i].frac.GreaterThan(fracs[best].frac) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		out[fracs[best].idx]++
		fracs[best].frac = decimal.NewFromInt(-1)
		assigned++
	}

	return out
}
