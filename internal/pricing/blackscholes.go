// Package pricing implements closed-form option pricing and option
// strategy leg generation.
package pricing

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ycliu-tw/quantd/internal/contract"
	"github.com/ycliu-tw/quantd/internal/types"
)

// Input holds the Black-Scholes inputs for a European option.
// TimeToExpiry is in years, RiskFreeRate and Volatility are annualized
// decimals (0.05 = 5%).
type Input struct {
	Underlying   decimal.Decimal
	Strike       decimal.Decimal
	TimeToExpiry float64
	RiskFreeRate float64
	Volatility   float64
	Right        contract.Right
}

// Result is a theoretical price plus Greeks. Theta is per year (divide
// by 365 for daily decay), Vega is per unit of volatility (divide by 100
// for a one-point move).
type Result struct {
	Price  decimal.Decimal
	Greeks types.Greeks
}

// BlackScholes prices a European option. Time-to-expiry <= 0 or zero
// volatility degenerates to intrinsic value with zero Greeks so the
// computation never divides by zero.
func BlackScholes(in Input) (Result, error) {
	if !in.Underlying.IsPositive() || !in.Strike.IsPositive() {
		return Result{}, fmt.Errorf("underlying and strike must be positive, got S=%s K=%s", in.Underlying, in.Strike)
	}
	if in.Right != contract.RightCall && in.Right != contract.RightPut {
		return Result{}, fmt.Errorf("right must be C or P, got %q", in.Right)
	}
	if in.Volatility < 0 {
		return Result{}, fmt.Errorf("volatility must be non-negative, got %v", in.Volatility)
	}

	s := in.Underlying.InexactFloat64()
	k := in.Strike.InexactFloat64()

	if in.TimeToExpiry <= 0 || in.Volatility == 0 {
		return Result{Price: intrinsic(in.Underlying, in.Strike, in.Right)}, nil
	}

	t := in.TimeToExpiry
	r := in.RiskFreeRate
	sigma := in.Volatility

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r+sigma*sigma/2)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := math.Exp(-r * t)

	var price, delta, theta float64
	switch in.Right {
	case contract.RightCall:
		price = s*normCDF(d1) - k*discount*normCDF(d2)
		delta = normCDF(d1)
		theta = -(s*normPDF(d1)*sigma)/(2*sqrtT) - r*k*discount*normCDF(d2)
	case contract.RightPut:
		price = k*discount*normCDF(-d2) - s*normCDF(-d1)
		delta = normCDF(d1) - 1
		theta = -(s*normPDF(d1)*sigma)/(2*sqrtT) + r*k*discount*normCDF(-d2)
	}

	gamma := normPDF(d1) / (s * sigma * sqrtT)
	vega := s * normPDF(d1) * sqrtT

	return Result{
		Price: decimal.NewFromFloat(price),
		Greeks: types.Greeks{
			Delta: delta,
			Gamma: gamma,
			Theta: theta,
			Vega:  vega,
		},
	}, nil
}

// ImpliedVolatility solves for the volatility that reproduces the
// observed option price, by bisection. Returns an error when the price
// is outside the no-arbitrage band reachable by any volatility.
func ImpliedVolatility(observed decimal.Decimal, in Input) (float64, error) {
	if in.TimeToExpiry <= 0 {
		return 0, fmt.Errorf("cannot imply volatility at or past expiry")
	}
	target := observed.InexactFloat64()

	lo, hi := 1e-4, 5.0
	in.Volatility = lo
	low, err := BlackScholes(in)
	if err != nil {
		return 0, err
	}
	in.Volatility = hi
	high, err := BlackScholes(in)
	if err != nil {
		return 0, err
	}
	if target < low.Price.InexactFloat64() || target > high.Price.InexactFloat64() {
		return 0, fmt.Errorf("price %s outside attainable range [%s, %s]", observed, low.Price, high.Price)
	}

	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		in.Volatility = mid
		res, err := BlackScholes(in)
		if err != nil {
			return 0, err
		}
		diff := res.Price.InexactFloat64() - target
		if math.Abs(diff) < 1e-9 {
			return mid, nil
		}
		if diff > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return (lo + hi) / 2, nil
}

// YearsUntil converts an expiry date to a time-to-expiry in years.
func YearsUntil(expiry, now time.Time) float64 {
	return expiry.Sub(now).Hours() / (365.0 * 24)
}

func intrinsic(s, k decimal.Decimal, right contract.Right) decimal.Decimal {
	var v decimal.Decimal
	if right == contract.RightCall {
		v = s.Sub(k)
	} else {
		v = k.Sub(s)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}
