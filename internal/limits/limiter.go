// Package limits caps the pool's net option exposure per series and across
// series that share an expiration.
//
// Series with the same expiration are correlated: a spot move hits every
// strike at once, so the limiter also bounds the aggregate |net| of the
// expiry group the traded series belongs to.
package limits

import (
	"errors"
	"fmt"

	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
)

var (
	// ErrMaxNetExposureExceeded is returned when a trade would push a single
	// series' net exposure beyond the per-series maximum.
	ErrMaxNetExposureExceeded = errors.New("limits: max net exposure exceeded")

	// ErrMaxExpiryExposureExceeded is returned when a trade would push the
	// aggregate |net| of an expiration group beyond its maximum.
	ErrMaxExpiryExposureExceeded = errors.New("limits: max expiry exposure exceeded")
)

// Position is the current net exposure of one series hash.
type Position struct {
	Expiration int64
	Net        fixed.Point
}

// NetExposureLimiter enforces exposure caps. A zero cap disables that check.
type NetExposureLimiter struct {
	// MaxPerSeries is the maximum absolute net exposure of any series hash.
	MaxPerSeries fixed.Point

	// MaxPerExpiry is the maximum sum of absolute net exposure across all
	// series hashes with the same expiration.
	MaxPerExpiry fixed.Point
}

// NewNetExposureLimiter creates a limiter with the given caps.
func NewNetExposureLimiter(maxPerSeries, maxPerExpiry fixed.Point) *NetExposureLimiter {
	return &NetExposureLimiter{
		MaxPerSeries: maxPerSeries,
		MaxPerExpiry: maxPerExpiry,
	}
}

// CheckLimit validates a signed change of net exposure in target.
//
// A change that does not increase |net| of the target is always allowed,
// so an over-limit book can still be unwound.
func (l *NetExposureLimiter) CheckLimit(
	target model.SeriesHash,
	expiration int64,
	netDelta fixed.Point,
	existing map[model.SeriesHash]Position,
) error {
	if l == nil {
		return nil
	}
	current := existing[target].Net
	next := current.Add(netDelta)
	if next.Abs().LessOrEqual(current.Abs()) {
		return nil
	}

	// 1. Per-series limit.
	if l.MaxPerSeries.IsPositive() && next.Abs().GreaterThan(l.MaxPerSeries) {
		return fmt.Errorf("%w: |%s| > %s", ErrMaxNetExposureExceeded, next, l.MaxPerSeries)
	}

	// 2. Expiry group: sum |net| across hashes sharing the expiration.
	if !l.MaxPerExpiry.IsPositive() {
		return nil
	}
	total := next.Abs()
	for hash, pos := range existing {
		if hash == target {
			continue // counted via next above
		}
		if pos.Expiration == expiration {
			total = total.Add(pos.Net.Abs())
		}
	}
	if total.GreaterThan(l.MaxPerExpiry) {
		return fmt.Errorf("%w: %s > %s", ErrMaxExpiryExposureExceeded, total, l.MaxPerExpiry)
	}
	return nil
}
