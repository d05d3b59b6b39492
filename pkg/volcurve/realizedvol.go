package volcurve

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
)

// PeriodsPerYearMinute is the sampling rate of one-minute bars over 252
// sessions of 6.5 hours.
const PeriodsPerYearMinute = 252 * 6.5 * 60

// RealizedVol estimates annualized realized volatility from a rolling
// window of prices using log returns. It feeds the options pricer when
// the broker supplies no implied volatility.
type RealizedVol struct {
	mu      sync.Mutex
	window  int
	annual  float64 // sqrt of observations per year for the sample cadence
	returns []float64
	last    decimal.Decimal
}

// NewRealizedVol creates an estimator over window returns sampled
// periodsPerYear times a year (e.g. 252 for daily closes, 98280 for
// one-minute bars in a 6.5h session).
func NewRealizedVol(window int, periodsPerYear float64) *RealizedVol {
	if window < 2 {
		window = 2
	}
	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}
	return &RealizedVol{
		window: window,
		annual: math.Sqrt(periodsPerYear),
	}
}

// Observe records a price sample and returns the current estimate.
// Non-positive prices are ignored.
func (r *RealizedVol) Observe(price decimal.Decimal) float64 {
	if !price.IsPositive() {
		return r.Current()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last.IsPositive() {
		ret := math.Log(price.InexactFloat64() / r.last.InexactFloat64())
		r.returns = append(r.returns, ret)
		if len(r.returns) > r.window {
			r.returns = r.returns[1:]
		}
	}
	r.last = price

	return r.currentLocked()
}

// Current returns the latest estimate, zero until the window is full.
func (r *RealizedVol) Current() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked()
}

// Ready reports whether the window has filled.
func (r *RealizedVol) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.returns) >= r.window
}

func (r *RealizedVol) currentLocked() float64 {
	n := len(r.returns)
	if n < r.window {
		return 0
	}

	var mean float64
	for _, ret := range r.returns {
		mean += ret
	}
	mean /= float64(n)

	var sumSq float64
	for _, ret := range r.returns {
		d := ret - mean
		sumSq += d * d
	}
	variance := sumSq / float64(n-1)

	return math.Sqrt(variance) * r.annual
}
