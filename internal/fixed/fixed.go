// Package fixed provides the signed fixed-point number used for every
// amount, price and exposure in the pool.
//
// Values carry exactly Scale decimal places. Multiplication and division
// truncate toward zero at Scale places, so repeated operations never drift
// upward and never depend on float64 rounding. Transcendental math (pricing)
// is done in float64 by callers and converted back with FromFloat.
package fixed

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every Point carries.
const Scale int32 = 18

var (
	// ErrDivisionByZero is returned by Div when the divisor is zero.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrUnderflow is returned by SubChecked when the result would be negative.
	ErrUnderflow = errors.New("fixed: subtraction underflow")

	// ErrInvalidNumber is returned when a string cannot be parsed.
	ErrInvalidNumber = errors.New("fixed: invalid number")
)

var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Scale)), nil)

var (
	// Zero is 0.
	Zero = Point{}

	// One is 1.
	One = FromInt(1)
)

// Point is a signed fixed-point number with Scale decimal places.
// The zero value is 0 and ready to use.
type Point struct {
	d decimal.Decimal
}

func normalize(d decimal.Decimal) Point {
	return Point{d: d.Truncate(Scale)}
}

// FromInt returns n as a Point.
func FromInt(n int64) Point {
	return Point{d: decimal.NewFromInt(n)}
}

// FromFloat converts f, truncating beyond Scale places.
func FromFloat(f float64) Point {
	return normalize(decimal.NewFromFloat(f))
}

// FromDecimal converts d, truncating beyond Scale places.
func FromDecimal(d decimal.Decimal) Point {
	return normalize(d)
}

// Parse reads a decimal string such as "1500.25".
func Parse(s string) (Point, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, ErrInvalidNumber
	}
	return normalize(d), nil
}

// MustParse is Parse that panics on malformed input. Intended for constants
// and tests.
func MustParse(s string) Point {
	p, err := Parse(s)
	if err != nil {
		panic("fixed: cannot parse " + s)
	}
	return p
}

// Decimal returns the underlying decimal value.
func (p Point) Decimal() decimal.Decimal { return p.d }

func (p Point) Add(q Point) Point { return Point{d: p.d.Add(q.d)} }

func (p Point) Sub(q Point) Point { return Point{d: p.d.Sub(q.d)} }

// SubChecked returns p - q, or ErrUnderflow when the result is negative.
func (p Point) SubChecked(q Point) (Point, error) {
	r := p.d.Sub(q.d)
	if r.IsNegative() {
		return Zero, ErrUnderflow
	}
	return Point{d: r}, nil
}

// Mul returns p * q truncated toward zero.
func (p Point) Mul(q Point) Point { return normalize(p.d.Mul(q.d)) }

// Div returns p / q truncated toward zero.
func (p Point) Div(q Point) (Point, error) {
	if q.d.IsZero() {
		return Zero, ErrDivisionByZero
	}
	n := new(big.Int).Mul(p.Scaled(), scaleFactor)
	return Point{d: decimal.NewFromBigInt(n.Quo(n, q.Scaled()), -Scale)}, nil
}

// MulInt returns p * n.
func (p Point) MulInt(n int64) Point { return Point{d: p.d.Mul(decimal.NewFromInt(n))} }

func (p Point) Neg() Point { return Point{d: p.d.Neg()} }
func (p Point) Abs() Point { return Point{d: p.d.Abs()} }

// Sign returns -1, 0 or 1.
func (p Point) Sign() int { return p.d.Sign() }

func (p Point) Cmp(q Point) int             { return p.d.Cmp(q.d) }
func (p Point) Equal(q Point) bool          { return p.d.Equal(q.d) }
func (p Point) LessThan(q Point) bool       { return p.d.LessThan(q.d) }
func (p Point) LessOrEqual(q Point) bool    { return p.d.LessThanOrEqual(q.d) }
func (p Point) GreaterThan(q Point) bool    { return p.d.GreaterThan(q.d) }
func (p Point) GreaterOrEqual(q Point) bool { return p.d.GreaterThanOrEqual(q.d) }
func (p Point) IsZero() bool                { return p.d.IsZero() }
func (p Point) IsPositive() bool            { return p.d.IsPositive() }
func (p Point) IsNegative() bool            { return p.d.IsNegative() }

// Float64 returns the nearest float64. Only for transcendental math and
// metrics, never for bookkeeping.
func (p Point) Float64() float64 { return p.d.InexactFloat64() }

// String formats without trailing zeros.
func (p Point) String() string { return p.d.String() }

// Scaled returns p as an integer count of 10^-Scale units.
func (p Point) Scaled() *big.Int {
	return p.d.Shift(Scale).Truncate(0).BigInt()
}

// Min returns the smaller of a and b.
func Min(a, b Point) Point {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Point) Point {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func (p Point) MarshalJSON() ([]byte, error) { return p.d.MarshalJSON() }

func (p *Point) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*p = normalize(d)
	return nil
}

func (p Point) MarshalText() ([]byte, error) { return p.d.MarshalText() }

func (p *Point) UnmarshalText(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalText(b); err != nil {
		return err
	}
	*p = normalize(d)
	return nil
}
