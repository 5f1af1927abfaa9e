// Package volatility provides the SABR-parameterized implied volatility
// surface used for pricing and portfolio valuation.
//
// Parameters are set per expiration, with separate call and put sets, and
// evaluated with Hagan's lognormal approximation at the forward price.
package volatility

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atmx/optionpool/internal/blackscholes"
	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
)

var (
	// ErrIVNotFound is returned when no parameters exist for an expiration.
	ErrIVNotFound = errors.New("volatility: no SABR parameters for expiration")

	// ErrInvalidParams is returned when SABR parameters are out of range.
	ErrInvalidParams = errors.New("volatility: invalid SABR parameters")

	// ErrInvalidVolatility is returned when the surface evaluates to a
	// non-positive or non-finite volatility.
	ErrInvalidVolatility = errors.New("volatility: surface produced invalid volatility")
)

// Params is one SABR parameter set.
type Params struct {
	Alpha  fixed.Point `yaml:"alpha" json:"alpha"`
	Beta   fixed.Point `yaml:"beta" json:"beta"`
	Rho    fixed.Point `yaml:"rho" json:"rho"`
	Volvol fixed.Point `yaml:"volvol" json:"volvol"`
}

// Validate checks alpha > 0, 0 <= beta <= 1, -1 < rho < 1, volvol >= 0.
func (p Params) Validate() error {
	one := fixed.One
	switch {
	case !p.Alpha.IsPositive():
		return fmt.Errorf("%w: alpha must be positive", ErrInvalidParams)
	case p.Beta.IsNegative() || p.Beta.GreaterThan(one):
		return fmt.Errorf("%w: beta must be in [0, 1]", ErrInvalidParams)
	case p.Rho.LessOrEqual(one.Neg()) || p.Rho.GreaterOrEqual(one):
		return fmt.Errorf("%w: rho must be in (-1, 1)", ErrInvalidParams)
	case p.Volvol.IsNegative():
		return fmt.Errorf("%w: volvol must be non-negative", ErrInvalidParams)
	}
	return nil
}

// ExpiryParams holds the call and put parameter sets for one expiration
// plus the rate used to derive the forward.
type ExpiryParams struct {
	Call         Params      `yaml:"call" json:"call"`
	Put          Params      `yaml:"put" json:"put"`
	InterestRate fixed.Point `yaml:"interest_rate" json:"interest_rate"`
}

// Surface maps expirations to SABR parameters. Not safe for concurrent use.
type Surface struct {
	params map[int64]ExpiryParams
}

// NewSurface creates an empty surface.
func NewSurface() *Surface {
	return &Surface{params: make(map[int64]ExpiryParams)}
}

// Set installs the parameters for expiration after validating both sets.
func (s *Surface) Set(expiration int64, p ExpiryParams) error {
	if err := p.Call.Validate(); err != nil {
		return fmt.Errorf("call: %w", err)
	}
	if err := p.Put.Validate(); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	s.params[expiration] = p
	return nil
}

// Params returns the parameters for expiration.
func (s *Surface) Params(expiration int64) (ExpiryParams, bool) {
	p, ok := s.params[expiration]
	return p, ok
}

// Expirations returns the configured expirations in ascending order.
func (s *Surface) Expirations() []int64 {
	out := make([]int64, 0, len(s.params))
	for e := range s.params {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ImpliedVolatility evaluates the surface for series at the given spot.
func (s *Surface) ImpliedVolatility(series model.OptionSeries, spot fixed.Point, now time.Time) (fixed.Point, error) {
	p, ok := s.params[series.Expiration]
	if !ok {
		return fixed.Zero, fmt.Errorf("%w: %d", ErrIVNotFound, series.Expiration)
	}
	set := p.Call
	if series.IsPut {
		set = p.Put
	}

	t := blackscholes.YearsUntil(series.Expiration, now)
	if t <= 0 || !spot.IsPositive() || !series.Strike.IsPositive() {
		return fixed.Zero, ErrInvalidVolatility
	}
	forward := spot.Float64() * math.Exp(p.InterestRate.Float64()*t)

	vol := hagan(forward, series.Strike.Float64(), t, set)
	if vol <= 0 || math.IsNaN(vol) || math.IsInf(vol, 0) {
		return fixed.Zero, ErrInvalidVolatility
	}
	return fixed.FromFloat(vol), nil
}

// hagan computes the Hagan et al. (2002) lognormal SABR implied volatility.
func hagan(f, k, t float64, sp Params) float64 {
	alpha := sp.Alpha.Float64()
	beta := sp.Beta.Float64()
	rho := sp.Rho.Float64()
	nu := sp.Volvol.Float64()

	omb := 1 - beta
	logFK := math.Log(f / k)
	fkPow := math.Pow(f*k, omb/2)

	zOverX := 1.0
	if nu > 0 {
		z := nu / alpha * fkPow * logFK
		if math.Abs(z) > 1e-12 {
			x := math.Log((math.Sqrt(1-2*rho*z+z*z) + z - rho) / (1 - rho))
			zOverX = z / x
		}
	}

	denom := fkPow * (1 + omb*omb/24*logFK*logFK + math.Pow(omb, 4)/1920*math.Pow(logFK, 4))
	correction := 1 + (omb*omb/24*alpha*alpha/(fkPow*fkPow)+
		rho*beta*nu*alpha/(4*fkPow)+
		(2-3*rho*rho)/24*nu*nu)*t

	return alpha / denom * zOverX * correction
}
