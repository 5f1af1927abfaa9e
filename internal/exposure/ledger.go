// Package exposure implements the Exposure Ledger: the registry of every
// open option series the pool holds, its short/long exposure, and the
// aggregate Portfolio Snapshot computed from them.
//
// Fulfill cost is linear in the number of live series. Expired series make
// Fulfill fail until a keeper prunes them with CleanOne, CleanAll or
// CleanUpTo.
package exposure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/optionpool/internal/access"
	"github.com/atmx/optionpool/internal/blackscholes"
	"github.com/atmx/optionpool/internal/collateral"
	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/limits"
	"github.com/atmx/optionpool/internal/model"
	"github.com/atmx/optionpool/internal/oracle"
	"github.com/atmx/optionpool/internal/volatility"
)

var (
	// ErrNegativeExposure is returned when deltas would drive short or long
	// exposure below zero.
	ErrNegativeExposure = errors.New("exposure: exposure cannot be negative")

	// ErrOptionHasExpiredInStores is matched by *ExpiredInStoresError.
	ErrOptionHasExpiredInStores = errors.New("exposure: option has expired in stores")

	// ErrSeriesNotExpired is returned when pruning a live series.
	ErrSeriesNotExpired = errors.New("exposure: series not expired")

	// ErrIncorrectSeriesToRemove is returned when pruning a non-member.
	ErrIncorrectSeriesToRemove = errors.New("exposure: series is not in the active set")

	// ErrSeriesIDMismatch is returned when a series id is reused for a
	// different series, or a series is written under a second id.
	ErrSeriesIDMismatch = errors.New("exposure: series id does not match series")

	// ErrUnknownSeriesID is returned when no member carries a series id.
	ErrUnknownSeriesID = errors.New("exposure: unknown series id")

	// ErrNoShortExposure is returned when reconciling a series the pool is
	// not short.
	ErrNoShortExposure = errors.New("exposure: no short exposure")

	// ErrNoExternalPosition is returned when the collateral engine holds no
	// position for the series.
	ErrNoExternalPosition = errors.New("exposure: no external position")

	// ErrLiquidationNotRecognised is returned when the external position
	// does not show a reduction of the recorded short.
	ErrLiquidationNotRecognised = errors.New("exposure: liquidation not recognised")

	// ErrMigrationTargetNotEmpty is returned when migrating into a ledger
	// that already holds series.
	ErrMigrationTargetNotEmpty = errors.New("exposure: migration target not empty")
)

// ExpiredInStoresError reports the first expired member Fulfill met.
type ExpiredInStoresError struct {
	Index  int
	Series model.OptionSeries
}

func (e *ExpiredInStoresError) Error() string {
	return fmt.Sprintf("%s: index %d, %s %s expired at %s",
		ErrOptionHasExpiredInStores, e.Index, e.Series.Flavor(), e.Series.Strike,
		e.Series.ExpiresAt().Format(time.RFC3339))
}

func (e *ExpiredInStoresError) Is(target error) bool {
	return target == ErrOptionHasExpiredInStores
}

// Config holds per-ledger settings.
type Config struct {
	// RiskFreeRate is the continuously compounded rate used in valuation.
	RiskFreeRate fixed.Point

	// Limiter caps net exposure on every write. Nil disables limits.
	Limiter *limits.NetExposureLimiter
}

// Ledger is the Exposure Ledger. Not safe for concurrent use; the pool
// serializes all calls.
type Ledger struct {
	roles   *access.Registry
	feed    oracle.PriceFeed
	surface *volatility.Surface
	engine  collateral.Engine
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	set     *ActiveSeriesSet
	records map[string]*model.ExposureRecord // by series key
	byID    map[string]string                // series id -> series key
	net     map[model.SeriesHash]limits.Position

	snapshot    model.PortfolioSnapshot
	hasSnapshot bool
	seq         uint64
}

// NewLedger creates an empty ledger.
func NewLedger(
	roles *access.Registry,
	feed oracle.PriceFeed,
	surface *volatility.Surface,
	engine collateral.Engine,
	cfg Config,
) *Ledger {
	return &Ledger{
		roles:   roles,
		feed:    feed,
		surface: surface,
		engine:  engine,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		set:     NewActiveSeriesSet(),
		records: make(map[string]*model.ExposureRecord),
		byID:    make(map[string]string),
		net:     make(map[model.SeriesHash]limits.Position),
	}
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// SetLogger overrides the logger.
func (l *Ledger) SetLogger(logger *slog.Logger) { l.logger = logger }

// UpdateStores applies signed deltas to the record for series, inserting it
// into the active set first if absent. Only handlers may write.
func (l *Ledger) UpdateStores(caller string, series model.OptionSeries, dShort, dLong fixed.Point, seriesID string) error {
	if err := l.roles.Require(access.Handler, caller); err != nil {
		return err
	}
	newShort, newLong, err := l.CheckUpdate(series, dShort, dLong, seriesID)
	if err != nil {
		return err
	}

	key := series.Key()
	rec, exists := l.records[key]
	if !exists {
		rec = &model.ExposureRecord{Series: series}
		l.records[key] = rec
		l.set.Insert(series)
		l.logger.Info("series added",
			"series", key,
			"index", l.set.Len()-1,
		)
	}
	if rec.SeriesID == "" && seriesID != "" {
		rec.SeriesID = seriesID
		l.byID[seriesID] = key
	}
	rec.ShortExposure = newShort
	rec.LongExposure = newLong

	hash := series.Hash()
	pos := l.net[hash]
	pos.Expiration = series.Expiration
	pos.Net = pos.Net.Add(dLong.Sub(dShort))
	l.setNet(hash, pos)
	return nil
}

// CheckUpdate runs every UpdateStores validation except the role check
// without changing state, and returns the resulting short and long.
func (l *Ledger) CheckUpdate(series model.OptionSeries, dShort, dLong fixed.Point, seriesID string) (fixed.Point, fixed.Point, error) {
	key := series.Key()
	rec, exists := l.records[key]
	if exists && seriesID != "" && rec.SeriesID != "" && rec.SeriesID != seriesID {
		return fixed.Zero, fixed.Zero, fmt.Errorf("%w: %s already recorded as %s", ErrSeriesIDMismatch, seriesID, rec.SeriesID)
	}
	if k, ok := l.byID[seriesID]; ok && seriesID != "" && k != key {
		return fixed.Zero, fixed.Zero, fmt.Errorf("%w: %s belongs to another series", ErrSeriesIDMismatch, seriesID)
	}

	var short, long fixed.Point
	if exists {
		short, long = rec.ShortExposure, rec.LongExposure
	}
	newShort := short.Add(dShort)
	newLong := long.Add(dLong)
	if newShort.IsNegative() || newLong.IsNegative() {
		return fixed.Zero, fixed.Zero, fmt.Errorf("%w: short %s long %s", ErrNegativeExposure, newShort, newLong)
	}

	netDelta := dLong.Sub(dShort)
	if err := l.cfg.Limiter.CheckLimit(series.Hash(), series.Expiration, netDelta, l.net); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	return newShort, newLong, nil
}

// Fulfill values every member whose underlying and strike asset match and
// caches the resulting snapshot. Any expired member fails the whole call.
func (l *Ledger) Fulfill(ctx context.Context, caller, underlying, strikeAsset string) (model.PortfolioSnapshot, error) {
	if err := l.roles.Require(access.Keeper, caller); err != nil {
		return model.PortfolioSnapshot{}, err
	}

	spot, err := l.feed.NormalizedRate(ctx, underlying, strikeAsset)
	if err != nil {
		return model.PortfolioSnapshot{}, err
	}
	now := l.now()

	snap := model.PortfolioSnapshot{
		Timestamp: now.UTC(),
		Spot:      spot,
	}
	for i := 0; i < l.set.Len(); i++ {
		s := l.set.At(i)
		if s.Expired(now) {
			return model.PortfolioSnapshot{}, &ExpiredInStoresError{Index: i, Series: s}
		}
		if s.Underlying != underlying || s.StrikeAsset != strikeAsset {
			continue
		}
		net := l.records[s.Key()].Net()
		if net.IsZero() {
			continue
		}

		vol, err := l.surface.ImpliedVolatility(s, spot, now)
		if err != nil {
			return model.PortfolioSnapshot{}, fmt.Errorf("value series %d: %w", i, err)
		}
		res, err := blackscholes.Calculate(s.IsPut, blackscholes.Input{
			Spot:   spot.Float64(),
			Strike: s.Strike.Float64(),
			Years:  blackscholes.YearsUntil(s.Expiration, now),
			Rate:   l.cfg.RiskFreeRate.Float64(),
			Vol:    vol.Float64(),
		})
		if err != nil {
			return model.PortfolioSnapshot{}, fmt.Errorf("value series %d: %w", i, err)
		}

		snap.Delta = snap.Delta.Add(res.Delta.Mul(net))
		snap.Gamma = snap.Gamma.Add(res.Gamma.Mul(net))
		snap.Vega = snap.Vega.Add(res.Vega.Mul(net))
		snap.Theta = snap.Theta.Add(res.Theta.Mul(net))
		snap.Value = snap.Value.Add(res.Price.Mul(net.Neg()))
		snap.Series++
	}

	l.seq++
	snap.Seq = l.seq
	l.snapshot = snap
	l.hasSnapshot = true

	l.logger.Info("snapshot fulfilled",
		"seq", snap.Seq,
		"spot", spot.String(),
		"value", snap.Value.String(),
		"delta", snap.Delta.String(),
		"series", snap.Series,
	)
	return snap, nil
}

// CleanOne removes one expired member.
func (l *Ledger) CleanOne(caller string, series model.OptionSeries) (model.ExposureRecord, error) {
	if err := l.roles.Require(access.Keeper, caller); err != nil {
		return model.ExposureRecord{}, err
	}
	if !l.set.Contains(series) {
		return model.ExposureRecord{}, ErrIncorrectSeriesToRemove
	}
	if !series.Expired(l.now()) {
		return model.ExposureRecord{}, ErrSeriesNotExpired
	}
	return l.remove(series), nil
}

// CleanAll removes every expired member and returns the removed records.
func (l *Ledger) CleanAll(caller string) ([]model.ExposureRecord, error) {
	return l.CleanUpTo(caller, 0)
}

// CleanUpTo removes at most limit expired members (0 means no limit),
// scanning from the end of the set so a swap never skips a member.
func (l *Ledger) CleanUpTo(caller string, limit int) ([]model.ExposureRecord, error) {
	if err := l.roles.Require(access.Keeper, caller); err != nil {
		return nil, err
	}
	now := l.now()
	var removed []model.ExposureRecord
	for i := l.set.Len() - 1; i >= 0; i-- {
		if limit > 0 && len(removed) == limit {
			break
		}
		s := l.set.At(i)
		if s.Expired(now) {
			removed = append(removed, l.remove(s))
		}
	}
	return removed, nil
}

// AccountLiquidatedSeries lowers the recorded short of the series written
// under seriesID to the position the collateral engine still holds, after
// a liquidation outside the trade path.
func (l *Ledger) AccountLiquidatedSeries(ctx context.Context, caller, seriesID string) (model.ExposureRecord, error) {
	if err := l.roles.Require(access.Keeper, caller); err != nil {
		return model.ExposureRecord{}, err
	}
	key, ok := l.byID[seriesID]
	if !ok {
		return model.ExposureRecord{}, fmt.Errorf("%w: %s", ErrUnknownSeriesID, seriesID)
	}
	rec := l.records[key]
	if !rec.ShortExposure.IsPositive() {
		return model.ExposureRecord{}, ErrNoShortExposure
	}

	external, ok, err := l.engine.ShortPosition(ctx, seriesID)
	if err != nil {
		return model.ExposureRecord{}, err
	}
	if !ok {
		return model.ExposureRecord{}, ErrNoExternalPosition
	}
	if external.GreaterOrEqual(rec.ShortExposure) {
		return model.ExposureRecord{}, fmt.Errorf("%w: external %s, recorded %s",
			ErrLiquidationNotRecognised, external, rec.ShortExposure)
	}

	reduced := rec.ShortExposure.Sub(external)
	rec.ShortExposure = external

	hash := rec.Series.Hash()
	pos := l.net[hash]
	pos.Net = pos.Net.Add(reduced)
	l.setNet(hash, pos)

	l.logger.Warn("liquidation accounted",
		"series_id", seriesID,
		"reduced", reduced.String(),
		"short", external.String(),
	)
	return *rec, nil
}

// NetExposure returns the signed net exposure of every live series sharing
// hash.
func (l *Ledger) NetExposure(hash model.SeriesHash) fixed.Point {
	return l.net[hash].Net
}

// Migrate copies the whole live state into target, which must be empty.
// The source is left untouched.
func (l *Ledger) Migrate(caller string, target *Ledger) error {
	if err := l.roles.Require(access.Governor, caller); err != nil {
		return err
	}
	var snap *model.PortfolioSnapshot
	if l.hasSnapshot {
		s := l.snapshot
		snap = &s
	}
	if err := target.Restore(l.Records(), snap); err != nil {
		return err
	}
	l.logger.Info("ledger migrated", "series", l.set.Len())
	return nil
}

// Restore loads records in order into an empty ledger, along with the last
// snapshot if any. Used for migration and for recovery from the store.
func (l *Ledger) Restore(records []model.ExposureRecord, snap *model.PortfolioSnapshot) error {
	if l.set.Len() != 0 || len(l.records) != 0 {
		return ErrMigrationTargetNotEmpty
	}
	for _, r := range records {
		rec := r
		key := rec.Series.Key()
		l.set.Insert(rec.Series)
		l.records[key] = &rec
		if rec.SeriesID != "" {
			l.byID[rec.SeriesID] = key
		}
		hash := rec.Series.Hash()
		pos := l.net[hash]
		pos.Expiration = rec.Series.Expiration
		pos.Net = pos.Net.Add(rec.Net())
		l.setNet(hash, pos)
	}
	if snap != nil {
		l.snapshot = *snap
		l.hasSnapshot = true
		l.seq = snap.Seq
	}
	return nil
}

// Len returns the number of live series.
func (l *Ledger) Len() int { return l.set.Len() }

// Contains reports whether series is live.
func (l *Ledger) Contains(series model.OptionSeries) bool { return l.set.Contains(series) }

// Series returns the live series in set order.
func (l *Ledger) Series() []model.OptionSeries { return l.set.Members() }

// Record returns a copy of the record for series.
func (l *Ledger) Record(series model.OptionSeries) (model.ExposureRecord, bool) {
	rec, ok := l.records[series.Key()]
	if !ok {
		return model.ExposureRecord{}, false
	}
	return *rec, true
}

// RecordByID returns a copy of the record written under seriesID.
func (l *Ledger) RecordByID(seriesID string) (model.ExposureRecord, bool) {
	key, ok := l.byID[seriesID]
	if !ok {
		return model.ExposureRecord{}, false
	}
	return *l.records[key], true
}

// Records returns copies of every record in set order.
func (l *Ledger) Records() []model.ExposureRecord {
	out := make([]model.ExposureRecord, 0, l.set.Len())
	for i := 0; i < l.set.Len(); i++ {
		out = append(out, *l.records[l.set.At(i).Key()])
	}
	return out
}

// Snapshot returns the cached snapshot and whether one was ever fulfilled.
func (l *Ledger) Snapshot() (model.PortfolioSnapshot, bool) {
	return l.snapshot, l.hasSnapshot
}

// Seq returns the sequence number of the latest snapshot.
func (l *Ledger) Seq() uint64 { return l.seq }

func (l *Ledger) remove(series model.OptionSeries) model.ExposureRecord {
	key := series.Key()
	rec := *l.records[key]

	l.set.Remove(series)
	delete(l.records, key)
	if rec.SeriesID != "" {
		delete(l.byID, rec.SeriesID)
	}
	hash := series.Hash()
	pos := l.net[hash]
	pos.Net = pos.Net.Sub(rec.Net())
	l.setNet(hash, pos)

	l.logger.Info("series removed",
		"series", key,
		"short", rec.ShortExposure.String(),
		"long", rec.LongExposure.String(),
	)
	return rec
}

func (l *Ledger) setNet(hash model.SeriesHash, pos limits.Position) {
	if pos.Net.IsZero() {
		delete(l.net, hash)
		return
	}
	l.net[hash] = pos
}
