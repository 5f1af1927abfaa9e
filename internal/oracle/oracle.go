// Package oracle defines the spot price feed consumed by the pricer and the
// exposure ledger, with an in-memory feed for tests and development.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/optionpool/internal/fixed"
)

// ErrPriceUnavailable is returned when the feed has no price for a pair.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// PriceFeed returns the spot price of underlying denominated in strikeAsset.
type PriceFeed interface {
	NormalizedRate(ctx context.Context, underlying, strikeAsset string) (fixed.Point, error)
}

// StaticFeed serves prices set explicitly. Not safe for concurrent use.
type StaticFeed struct {
	prices map[string]fixed.Point
}

// NewStaticFeed creates an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]fixed.Point)}
}

// Set stores the price for a pair.
func (f *StaticFeed) Set(underlying, strikeAsset string, price fixed.Point) {
	f.prices[pairKey(underlying, strikeAsset)] = price
}

func (f *StaticFeed) NormalizedRate(_ context.Context, underlying, strikeAsset string) (fixed.Point, error) {
	p, ok := f.prices[pairKey(underlying, strikeAsset)]
	if !ok || !p.IsPositive() {
		return fixed.Zero, fmt.Errorf("%w: %s/%s", ErrPriceUnavailable, underlying, strikeAsset)
	}
	return p, nil
}

func pairKey(underlying, strikeAsset string) string {
	return underlying + "/" + strikeAsset
}
