// Package series handles option series ticker parsing and formatting.
//
// Tickers name a series for the inspection API and for event payloads:
// {UNDERLYING}-{YYYYMMDD}-{STRIKE}-{C|P}, for example WETH-20260130-2000-C.
// Options expire at 08:00 UTC on the ticker date.
package series

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
)

// ExpiryHour is the UTC hour at which every series expires.
const ExpiryHour = 8

// tickerRegex matches: {UNDERLYING}-{YYYYMMDD}-{STRIKE}-{C|P}
var tickerRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9]*)-(\d{8})-([0-9]+(?:\.[0-9]+)?)-([CP])$`,
)

var (
	ErrInvalidTicker = errors.New("series: invalid ticker format")
	ErrInvalidStrike = errors.New("series: strike must be positive")
	ErrInvalidExpiry = errors.New("series: expiration must be at 08:00 UTC")
)

// Ticker is a parsed series ticker. Strike and collateral assets are not
// part of the ticker and are supplied by the pool configuration.
type Ticker struct {
	Underlying string      `json:"underlying"`
	Expiry     time.Time   `json:"expiry"`
	Strike     fixed.Point `json:"strike"`
	IsPut      bool        `json:"is_put"`
}

// ParseTicker parses and validates a ticker string.
func ParseTicker(ticker string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {UNDERLYING}-{YYYYMMDD}-{STRIKE}-{C|P})",
			ErrInvalidTicker, ticker)
	}

	expiry, err := ParseExpiryDate(matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, matches[2])
	}

	strike, err := fixed.Parse(matches[3])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTicker, err)
	}
	if !strike.IsPositive() {
		return nil, ErrInvalidStrike
	}

	return &Ticker{
		Underlying: matches[1],
		Expiry:     expiry,
		Strike:     strike,
		IsPut:      matches[4] == "P",
	}, nil
}

// Series binds the ticker to its strike and collateral assets.
func (t *Ticker) Series(strikeAsset, collateral string) model.OptionSeries {
	return model.OptionSeries{
		Expiration:  t.Expiry.Unix(),
		Strike:      t.Strike,
		IsPut:       t.IsPut,
		Underlying:  t.Underlying,
		StrikeAsset: strikeAsset,
		Collateral:  collateral,
	}
}

// Format returns the ticker for s.
func Format(s model.OptionSeries) string {
	flavor := "C"
	if s.IsPut {
		flavor = "P"
	}
	return fmt.Sprintf("%s-%s-%s-%s",
		s.Underlying, s.ExpiresAt().Format("20060102"), s.Strike, flavor)
}

// ParseExpiryDate returns the expiry instant of a YYYYMMDD date.
func ParseExpiryDate(date string) (time.Time, error) {
	t, err := time.Parse("20060102", date)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(ExpiryHour * time.Hour), nil
}

// ValidateExpiry checks that expiration falls at 08:00 UTC.
func ValidateExpiry(expiration int64) error {
	t := time.Unix(expiration, 0).UTC()
	if t.Hour() != ExpiryHour || t.Minute() != 0 || t.Second() != 0 {
		return fmt.Errorf("%w: %s", ErrInvalidExpiry, t.Format(time.RFC3339))
	}
	return nil
}
