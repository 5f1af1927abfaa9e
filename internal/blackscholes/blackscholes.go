// Package blackscholes prices European options and their greeks.
//
// Transcendental math runs in float64; results are converted to fixed.Point
// immediately, so nothing downstream ever stores a float.
package blackscholes

import (
	"errors"
	"math"
	"time"

	"github.com/atmx/optionpool/internal/fixed"
)

// SecondsPerYear is the day-count basis (365 days).
const SecondsPerYear = 365 * 24 * 60 * 60

// ErrInvalidInput is returned for non-positive spot, strike, time or vol.
var ErrInvalidInput = errors.New("blackscholes: spot, strike, time and volatility must be positive")

// Input holds the model inputs.
type Input struct {
	Spot   float64
	Strike float64
	Years  float64 // time to expiry
	Rate   float64 // continuously compounded risk-free rate
	Vol    float64 // annualized volatility
}

// Result holds the per-contract price and greeks. Vega is per 1.0 of
// volatility and Theta per year.
type Result struct {
	Price fixed.Point
	Delta fixed.Point
	Gamma fixed.Point
	Vega  fixed.Point
	Theta fixed.Point
}

// YearsUntil returns the year fraction between now and expiration.
func YearsUntil(expiration int64, now time.Time) float64 {
	return float64(expiration-now.Unix()) / SecondsPerYear
}

// Calculate prices a call (isPut=false) or put.
func Calculate(isPut bool, in Input) (Result, error) {
	if in.Spot <= 0 || in.Strike <= 0 || in.Years <= 0 || in.Vol <= 0 ||
		math.IsNaN(in.Vol) || math.IsInf(in.Vol, 0) {
		return Result{}, ErrInvalidInput
	}

	sqrtT := math.Sqrt(in.Years)
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate+0.5*in.Vol*in.Vol)*in.Years) / (in.Vol * sqrtT)
	d2 := d1 - in.Vol*sqrtT
	discount := math.Exp(-in.Rate * in.Years)
	pdf := normPdf(d1)

	gamma := pdf / (in.Spot * in.Vol * sqrtT)
	vega := in.Spot * sqrtT * pdf

	var price, delta, theta float64
	if isPut {
		price = in.Strike*discount*normCdf(-d2) - in.Spot*normCdf(-d1)
		delta = normCdf(d1) - 1
		theta = -in.Spot*pdf*in.Vol/(2*sqrtT) + in.Rate*in.Strike*discount*normCdf(-d2)
	} else {
		price = in.Spot*normCdf(d1) - in.Strike*discount*normCdf(d2)
		delta = normCdf(d1)
		theta = -in.Spot*pdf*in.Vol/(2*sqrtT) - in.Rate*in.Strike*discount*normCdf(d2)
	}
	if price < 0 {
		price = 0
	}

	return Result{
		Price: fixed.FromFloat(price),
		Delta: fixed.FromFloat(delta),
		Gamma: fixed.FromFloat(gamma),
		Vega:  fixed.FromFloat(vega),
		Theta: fixed.FromFloat(theta),
	}, nil
}

// normCdf is the standard normal cumulative distribution function.
func normCdf(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// normPdf is the standard normal probability density function.
func normPdf(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}
