// Package pricer quotes option trades against the pool.
//
// A quote is the Black-Scholes premium at the surface volatility, widened
// or tightened by a bid/ask spread, scaled by a slippage multiplier that
// depends on the pool's current net exposure in the series, plus a flat
// per-contract fee that is waived when the trade reduces exposure.
//
// Quoting is a pure read: nothing here mutates exposure.
package pricer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/optionpool/internal/blackscholes"
	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
	"github.com/atmx/optionpool/internal/oracle"
	"github.com/atmx/optionpool/internal/volatility"
)

var (
	// ErrInvalidPrice is returned for a non-positive amount or an input
	// that prices to an invalid premium.
	ErrInvalidPrice = errors.New("pricer: invalid price")

	// ErrOptionExpired is returned when quoting an expired series.
	ErrOptionExpired = errors.New("pricer: option expired")

	// ErrOrderExpired is returned when a quote is used after its expiry.
	ErrOrderExpired = errors.New("pricer: order expired")

	// ErrSpotMovedBeyondRange is returned when spot moved more than the
	// allowed deviation since the quote.
	ErrSpotMovedBeyondRange = errors.New("pricer: spot moved beyond range")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("pricer: invalid config")
)

var hundred = fixed.FromInt(100)

// Config holds the quoting parameters.
type Config struct {
	// BidAskIVSpread widens vol by (1+spread) when the pool sells and
	// tightens it by (1-spread) when the pool buys.
	BidAskIVSpread fixed.Point `yaml:"bid_ask_iv_spread"`

	// SlippageGradient is the base short-side gradient before the delta
	// band multiplier.
	SlippageGradient fixed.Point `yaml:"slippage_gradient"`

	// LongGradientRatio scales the short gradient for long exposure.
	LongGradientRatio fixed.Point `yaml:"long_gradient_ratio"`

	// MinSlippageMultiplier floors the density on the long side.
	MinSlippageMultiplier fixed.Point `yaml:"min_slippage_multiplier"`

	// DeltaBandWidth is the width of one delta band in delta percent.
	DeltaBandWidth fixed.Point `yaml:"delta_band_width"`

	// Per-band gradient multipliers, indexed by |delta|*100/DeltaBandWidth.
	CallSlippageMultipliers []fixed.Point `yaml:"call_slippage_multipliers"`
	PutSlippageMultipliers  []fixed.Point `yaml:"put_slippage_multipliers"`

	FeePerContract   fixed.Point   `yaml:"fee_per_contract"`
	RiskFreeRate     fixed.Point   `yaml:"risk_free_rate"`
	QuoteTTL         time.Duration `yaml:"quote_ttl"`
	MaxSpotDeviation fixed.Point   `yaml:"max_spot_deviation"` // fraction of quote spot
}

// DefaultConfig returns a conservative configuration with slippage disabled.
func DefaultConfig() Config {
	return Config{
		BidAskIVSpread:          fixed.Zero,
		SlippageGradient:        fixed.Zero,
		LongGradientRatio:       fixed.One,
		MinSlippageMultiplier:   fixed.Zero,
		DeltaBandWidth:          fixed.FromInt(5),
		CallSlippageMultipliers: []fixed.Point{fixed.One},
		PutSlippageMultipliers:  []fixed.Point{fixed.One},
		FeePerContract:          fixed.Zero,
		QuoteTTL:                time.Minute,
		MaxSpotDeviation:        fixed.MustParse("0.01"),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.BidAskIVSpread.IsNegative() || c.BidAskIVSpread.GreaterOrEqual(fixed.One):
		return fmt.Errorf("%w: bid_ask_iv_spread must be in [0, 1)", ErrInvalidConfig)
	case c.SlippageGradient.IsNegative() || c.LongGradientRatio.IsNegative():
		return fmt.Errorf("%w: slippage gradients must be non-negative", ErrInvalidConfig)
	case c.MinSlippageMultiplier.IsNegative() || c.MinSlippageMultiplier.GreaterThan(fixed.One):
		return fmt.Errorf("%w: min_slippage_multiplier must be in [0, 1]", ErrInvalidConfig)
	case !c.DeltaBandWidth.IsPositive():
		return fmt.Errorf("%w: delta_band_width must be positive", ErrInvalidConfig)
	case len(c.CallSlippageMultipliers) == 0 || len(c.PutSlippageMultipliers) == 0:
		return fmt.Errorf("%w: slippage multiplier tables must not be empty", ErrInvalidConfig)
	case c.FeePerContract.IsNegative():
		return fmt.Errorf("%w: fee_per_contract must be non-negative", ErrInvalidConfig)
	case c.QuoteTTL <= 0:
		return fmt.Errorf("%w: quote_ttl must be positive", ErrInvalidConfig)
	case c.MaxSpotDeviation.IsNegative():
		return fmt.Errorf("%w: max_spot_deviation must be non-negative", ErrInvalidConfig)
	}
	for _, m := range append(append([]fixed.Point{}, c.CallSlippageMultipliers...), c.PutSlippageMultipliers...) {
		if m.IsNegative() {
			return fmt.Errorf("%w: slippage multipliers must be non-negative", ErrInvalidConfig)
		}
	}
	return nil
}

// Pricer produces quotes. Safe for concurrent use only if its collaborators
// are.
type Pricer struct {
	feed    oracle.PriceFeed
	surface *volatility.Surface
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a pricer.
func New(feed oracle.PriceFeed, surface *volatility.Surface, cfg Config) *Pricer {
	return &Pricer{
		feed:    feed,
		surface: surface,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (p *Pricer) SetClock(now func() time.Time) { p.now = now }

// SetLogger overrides the logger.
func (p *Pricer) SetLogger(logger *slog.Logger) { p.logger = logger }

// Config returns the active configuration.
func (p *Pricer) Config() Config { return p.cfg }

// QuoteOptionPrice prices amount options of series. isSell means the pool
// writes the options, moving net exposure from netBefore to
// netBefore-amount; otherwise the pool buys and it moves to
// netBefore+amount.
func (p *Pricer) QuoteOptionPrice(
	ctx context.Context,
	series model.OptionSeries,
	amount fixed.Point,
	isSell bool,
	netBefore fixed.Point,
) (model.Quote, error) {
	if !amount.IsPositive() {
		return model.Quote{}, fmt.Errorf("%w: amount must be positive", ErrInvalidPrice)
	}
	now := p.now()
	if series.Expired(now) {
		return model.Quote{}, ErrOptionExpired
	}

	spot, err := p.feed.NormalizedRate(ctx, series.Underlying, series.StrikeAsset)
	if err != nil {
		return model.Quote{}, err
	}

	// 1. Base premium and delta at the spread-adjusted vol.
	vol, err := p.surface.ImpliedVolatility(series, spot, now)
	if err != nil {
		return model.Quote{}, err
	}
	if isSell {
		vol = vol.Mul(fixed.One.Add(p.cfg.BidAskIVSpread))
	} else {
		vol = vol.Mul(fixed.One.Sub(p.cfg.BidAskIVSpread))
	}
	base, err := blackscholes.Calculate(series.IsPut, blackscholes.Input{
		Spot:   spot.Float64(),
		Strike: series.Strike.Float64(),
		Years:  blackscholes.YearsUntil(series.Expiration, now),
		Rate:   p.cfg.RiskFreeRate.Float64(),
		Vol:    vol.Float64(),
	})
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}

	// 2. Slippage over the traded exposure interval.
	netAfter := netBefore.Add(amount)
	if isSell {
		netAfter = netBefore.Sub(amount)
	}
	multiplier := p.slippage(series.IsPut, base.Delta).Multiplier(netBefore, netAfter)

	// 3. Fee, waived on exposure-reducing trades.
	fee := p.cfg.FeePerContract.Mul(amount)
	if netAfter.Abs().LessThan(netBefore.Abs()) {
		fee = fixed.Zero
	}

	// 4. Totals.
	premium := base.Price.Mul(amount).Mul(multiplier)
	if isSell {
		premium = premium.Add(fee)
	} else {
		premium = fixed.Max(fixed.Zero, premium.Sub(fee))
	}

	q := model.Quote{
		ID:                 uuid.New().String(),
		Series:             series,
		Amount:             amount,
		IsSell:             isSell,
		NetExposureBefore:  netBefore,
		Premium:            premium,
		Delta:              base.Delta.Mul(amount),
		Fee:                fee,
		Spot:               spot,
		ImpliedVol:         vol,
		SlippageMultiplier: multiplier,
		QuotedAt:           now.UTC(),
		ExpiresAt:          now.Add(p.cfg.QuoteTTL).UTC(),
	}

	p.logger.Debug("quote",
		"id", q.ID,
		"side", q.Side(),
		"amount", amount.String(),
		"premium", premium.String(),
		"multiplier", multiplier.String(),
		"net_before", netBefore.String(),
	)
	return q, nil
}

// Validate checks that q has not expired and that the current spot is
// within the configured deviation of the quote spot.
func (p *Pricer) Validate(ctx context.Context, q model.Quote) error {
	spot, err := p.feed.NormalizedRate(ctx, q.Series.Underlying, q.Series.StrikeAsset)
	if err != nil {
		return err
	}
	return CheckQuote(q, p.now(), spot, p.cfg.MaxSpotDeviation)
}

// CheckQuote returns ErrOrderExpired once now reaches q.ExpiresAt, and
// ErrSpotMovedBeyondRange when |spot - q.Spot| / q.Spot > maxDeviation.
func CheckQuote(q model.Quote, now time.Time, spot, maxDeviation fixed.Point) error {
	if !now.Before(q.ExpiresAt) {
		return fmt.Errorf("%w: expired at %s", ErrOrderExpired, q.ExpiresAt.Format(time.RFC3339))
	}
	dev, err := spot.Sub(q.Spot).Abs().Div(q.Spot)
	if err != nil {
		return fmt.Errorf("%w: quote has no spot", ErrInvalidPrice)
	}
	if dev.GreaterThan(maxDeviation) {
		return fmt.Errorf("%w: %s -> %s", ErrSpotMovedBeyondRange, q.Spot, spot)
	}
	return nil
}

// BandIndex returns the delta band of a per-contract delta for a table of
// n bands, clamped to the last band.
func BandIndex(delta, bandWidth fixed.Point, n int) int {
	pct, err := delta.Abs().Mul(hundred).Div(bandWidth)
	if err != nil || n == 0 {
		return 0
	}
	i := pct.Decimal().IntPart()
	if i >= int64(n) {
		return n - 1
	}
	return int(i)
}

// slippage builds the density for a series with the given per-contract delta.
func (p *Pricer) slippage(isPut bool, delta fixed.Point) Slippage {
	table := p.cfg.CallSlippageMultipliers
	if isPut {
		table = p.cfg.PutSlippageMultipliers
	}
	band := fixed.One
	if len(table) > 0 {
		band = table[BandIndex(delta, p.cfg.DeltaBandWidth, len(table))]
	}
	gS := p.cfg.SlippageGradient.Mul(band)
	return Slippage{
		ShortGradient: gS,
		LongGradient:  gS.Mul(p.cfg.LongGradientRatio),
		Floor:         p.cfg.MinSlippageMultiplier,
	}
}
