package pricer

import (
	"github.com/atmx/optionpool/internal/fixed"
)

var two = fixed.FromInt(2)

// Slippage is the exposure-dependent price multiplier density.
//
// With x the pool's signed net exposure in a series:
//
//	rho(x) = 1 - gS*x                  for x < 0
//	rho(x) = max(floor, 1 - gL*x)      for x >= 0
//
// A pool that is short (x < 0) charges more for writing further and pays
// more to buy back; a pool that is long charges less and pays less. rho is
// continuous at 0 and has a kink where the long branch meets the floor.
type Slippage struct {
	ShortGradient fixed.Point // gS
	LongGradient  fixed.Point // gL
	Floor         fixed.Point
}

// Multiplier returns the average of rho over the exposure interval between
// from and to:
//
//	m = (1 / |to - from|) * integral(rho, min(from,to), max(from,to))
//
// The integral is evaluated exactly per branch, split at 0 and at the kink
// x* = (1 - floor) / gL, so a trade that flips the sign of net exposure is
// charged for each side it crosses. A zero-width interval returns rho(from).
func (s Slippage) Multiplier(from, to fixed.Point) fixed.Point {
	if s.ShortGradient.IsZero() && s.LongGradient.IsZero() {
		return fixed.One
	}
	lo, hi := fixed.Min(from, to), fixed.Max(from, to)
	width := hi.Sub(lo)
	if width.IsZero() {
		return s.Density(from)
	}
	m, err := s.Integral(lo, hi).Div(width)
	if err != nil {
		return fixed.One
	}
	return m
}

// Density evaluates rho at x.
func (s Slippage) Density(x fixed.Point) fixed.Point {
	if x.IsNegative() {
		return fixed.One.Sub(s.ShortGradient.Mul(x))
	}
	return fixed.Max(s.Floor, fixed.One.Sub(s.LongGradient.Mul(x)))
}

// Integral returns the definite integral of rho over [lo, hi], lo <= hi.
func (s Slippage) Integral(lo, hi fixed.Point) fixed.Point {
	total := fixed.Zero

	// Short branch: [lo, min(hi, 0)].
	if lo.IsNegative() {
		v := fixed.Min(hi, fixed.Zero)
		total = total.Add(linear(s.ShortGradient, lo, v))
	}
	if !hi.IsPositive() {
		return total
	}

	// Long branch: [max(lo, 0), hi], linear up to the kink then flat.
	u := fixed.Max(lo, fixed.Zero)
	if !s.LongGradient.IsPositive() {
		return total.Add(hi.Sub(u))
	}
	kink, err := fixed.One.Sub(s.Floor).Div(s.LongGradient)
	if err != nil {
		return total.Add(hi.Sub(u))
	}
	if a := fixed.Min(hi, kink); a.GreaterThan(u) {
		total = total.Add(linear(s.LongGradient, u, a))
	}
	if b := fixed.Max(u, kink); hi.GreaterThan(b) {
		total = total.Add(s.Floor.Mul(hi.Sub(b)))
	}
	return total
}

// linear integrates 1 - g*x over [u, v]: (v - u) - g*(v^2 - u^2)/2.
func linear(g, u, v fixed.Point) fixed.Point {
	sq := v.Mul(v).Sub(u.Mul(u))
	half, _ := g.Mul(sq).Div(two)
	return v.Sub(u).Sub(half)
}
