// Package collateral defines the Collateral Engine the pool writes options
// against, and an in-memory, fully cash-collateralized implementation.
//
// The pool never computes margin itself: it asks GetCollateral and wraps
// Open/Close around trade execution.
package collateral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
	"github.com/atmx/optionpool/internal/oracle"
	"github.com/atmx/optionpool/internal/token"
)

var (
	// ErrNoVault is returned when no vault exists for a series id.
	ErrNoVault = errors.New("collateral: no vault for series")

	// ErrExceedsShort is returned when closing more than the open short.
	ErrExceedsShort = errors.New("collateral: amount exceeds short position")

	// ErrNotExpired is returned when settling or redeeming before expiry.
	ErrNotExpired = errors.New("collateral: series not expired")

	// ErrSeriesMismatch is returned when a series id is reused for a
	// different series.
	ErrSeriesMismatch = errors.New("collateral: series id bound to a different series")
)

// Engine is the collateral custody and option issuance collaborator.
type Engine interface {
	// GetCollateral returns the collateral required to write amount.
	GetCollateral(ctx context.Context, series model.OptionSeries, amount fixed.Point) (fixed.Point, error)

	// Open writes amount options, pulling collateral from the pool.
	Open(ctx context.Context, series model.OptionSeries, seriesID string, amount, collateral fixed.Point) error

	// Close burns amount written options and returns the freed collateral.
	Close(ctx context.Context, seriesID string, amount fixed.Point) (fixed.Point, error)

	// Settle closes out the pool's whole position in an expired series:
	// holders of the options written under seriesID are paid from that
	// vault and the rest of its collateral returns to the pool, and long
	// expired options held by the pool are redeemed against their issuer.
	// Nothing moves unless every transfer can.
	Settle(ctx context.Context, series model.OptionSeries, seriesID string, long fixed.Point) (Settlement, error)

	// LockedCollateral returns the collateral held across all of the
	// pool's vaults.
	LockedCollateral(ctx context.Context) (fixed.Point, error)

	// ShortPosition returns the short amount currently open in the vault
	// for seriesID and whether the vault exists.
	ShortPosition(ctx context.Context, seriesID string) (fixed.Point, bool, error)
}

// Settlement is the result of settling an expired series.
type Settlement struct {
	Short        fixed.Point `json:"short"`         // written options that were outstanding
	Collateral   fixed.Point `json:"collateral"`    // collateral that was locked
	HolderPayout fixed.Point `json:"holder_payout"` // paid to holders of written options
	Returned     fixed.Point `json:"returned"`      // collateral returned to the pool
	Long         fixed.Point `json:"long"`          // long options redeemed
	LongPayout   fixed.Point `json:"long_payout"`   // paid to the pool by the issuer
}

type vault struct {
	series     model.OptionSeries
	short      fixed.Point
	collateral fixed.Point
}

// MemoryEngine keeps vaults in memory and moves collateral on a reserve
// token ledger. Not safe for concurrent use.
type MemoryEngine struct {
	reserve          *token.Ledger
	feed             oracle.PriceFeed
	pool             string
	account          string
	holders          string
	issuer           string
	callMarginFactor fixed.Point
	now              func() time.Time
	vaults           map[string]*vault
}

// NewMemoryEngine creates an engine that custodies the pool's collateral in
// "collateral-engine" and pays holders of the pool's options into
// "option-holders". Options the pool buys were written by a third party
// whose collateral sits in "option-issuer"; their payouts come from there.
func NewMemoryEngine(reserve *token.Ledger, feed oracle.PriceFeed, pool string) *MemoryEngine {
	return &MemoryEngine{
		reserve:          reserve,
		feed:             feed,
		pool:             pool,
		account:          "collateral-engine",
		holders:          "option-holders",
		issuer:           "option-issuer",
		callMarginFactor: fixed.One,
		now:              time.Now,
		vaults:           make(map[string]*vault),
	}
}

// SetClock overrides the time source.
func (e *MemoryEngine) SetClock(now func() time.Time) { e.now = now }

// SetCallMarginFactor sets the multiple of spot required per call.
func (e *MemoryEngine) SetCallMarginFactor(f fixed.Point) { e.callMarginFactor = f }

// Account returns the ledger account holding the pool's collateral.
func (e *MemoryEngine) Account() string { return e.account }

// Issuer returns the ledger account backing options the pool holds long.
func (e *MemoryEngine) Issuer() string { return e.issuer }

func (e *MemoryEngine) GetCollateral(ctx context.Context, series model.OptionSeries, amount fixed.Point) (fixed.Point, error) {
	if series.IsPut {
		return series.Strike.Mul(amount), nil
	}
	spot, err := e.feed.NormalizedRate(ctx, series.Underlying, series.StrikeAsset)
	if err != nil {
		return fixed.Zero, err
	}
	return spot.Mul(amount).Mul(e.callMarginFactor), nil
}

func (e *MemoryEngine) Open(_ context.Context, series model.OptionSeries, seriesID string, amount, collateral fixed.Point) error {
	v, ok := e.vaults[seriesID]
	if ok && v.series.Key() != series.Key() {
		return fmt.Errorf("%w: %s", ErrSeriesMismatch, seriesID)
	}
	if err := e.reserve.Transfer(e.pool, e.account, collateral); err != nil {
		return err
	}
	if !ok {
		v = &vault{series: series}
		e.vaults[seriesID] = v
	}
	v.short = v.short.Add(amount)
	v.collateral = v.collateral.Add(collateral)
	return nil
}

func (e *MemoryEngine) Close(_ context.Context, seriesID string, amount fixed.Point) (fixed.Point, error) {
	v, ok := e.vaults[seriesID]
	if !ok {
		return fixed.Zero, fmt.Errorf("%w: %s", ErrNoVault, seriesID)
	}
	if amount.GreaterThan(v.short) {
		return fixed.Zero, fmt.Errorf("%w: close %s of %s", ErrExceedsShort, amount, v.short)
	}
	released := v.collateral
	if amount.LessThan(v.short) {
		released = v.collateral.Mul(amount)
		released, _ = released.Div(v.short)
	}
	if err := e.reserve.Transfer(e.account, e.pool, released); err != nil {
		return fixed.Zero, err
	}
	v.short = v.short.Sub(amount)
	v.collateral = v.collateral.Sub(released)
	return released, nil
}

func (e *MemoryEngine) Settle(ctx context.Context, series model.OptionSeries, seriesID string, long fixed.Point) (Settlement, error) {
	if !series.Expired(e.now()) {
		return Settlement{}, ErrNotExpired
	}
	if long.IsNegative() {
		return Settlement{}, token.ErrInvalidAmount
	}

	var st Settlement
	v, ok := e.vaults[seriesID]
	if ok {
		if v.series.Key() != series.Key() {
			return Settlement{}, fmt.Errorf("%w: %s", ErrSeriesMismatch, seriesID)
		}
		payout, err := e.payout(ctx, series, v.short)
		if err != nil {
			return Settlement{}, err
		}
		payout = fixed.Min(payout, v.collateral)
		st.Short = v.short
		st.Collateral = v.collateral
		st.HolderPayout = payout
		st.Returned = v.collateral.Sub(payout)
	}
	if long.IsPositive() {
		payout, err := e.payout(ctx, series, long)
		if err != nil {
			return Settlement{}, err
		}
		st.Long = long
		st.LongPayout = payout
	}

	if bal := e.reserve.BalanceOf(e.account); bal.LessThan(st.Collateral) {
		return Settlement{}, fmt.Errorf("%w: custody holds %s, vault %s needs %s",
			token.ErrInsufficientBalance, bal, seriesID, st.Collateral)
	}
	if bal := e.reserve.BalanceOf(e.issuer); bal.LessThan(st.LongPayout) {
		return Settlement{}, fmt.Errorf("%w: issuer holds %s, long payout %s",
			token.ErrInsufficientBalance, bal, st.LongPayout)
	}

	// Balances were checked above, so these transfers cannot fail.
	transfers := []struct {
		from, to string
		amount   fixed.Point
	}{
		{e.account, e.holders, st.HolderPayout},
		{e.account, e.pool, st.Returned},
		{e.issuer, e.pool, st.LongPayout},
	}
	for _, tr := range transfers {
		if err := e.reserve.Transfer(tr.from, tr.to, tr.amount); err != nil {
			return st, fmt.Errorf("settle %s after checks: %w", seriesID, err)
		}
	}
	if ok {
		delete(e.vaults, seriesID)
	}
	return st, nil
}

func (e *MemoryEngine) LockedCollateral(context.Context) (fixed.Point, error) {
	total := fixed.Zero
	for _, v := range e.vaults {
		total = total.Add(v.collateral)
	}
	return total, nil
}

func (e *MemoryEngine) ShortPosition(_ context.Context, seriesID string) (fixed.Point, bool, error) {
	v, ok := e.vaults[seriesID]
	if !ok {
		return fixed.Zero, false, nil
	}
	return v.short, true, nil
}

// Liquidate simulates a forced liquidation that removes amount of the
// pool's short position and seizes the matching collateral.
func (e *MemoryEngine) Liquidate(seriesID string, amount fixed.Point) error {
	v, ok := e.vaults[seriesID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoVault, seriesID)
	}
	if amount.GreaterThan(v.short) {
		return ErrExceedsShort
	}
	seized := v.collateral
	if amount.LessThan(v.short) {
		seized, _ = v.collateral.Mul(amount).Div(v.short)
	}
	if err := e.reserve.Transfer(e.account, "liquidator", seized); err != nil {
		return err
	}
	v.short = v.short.Sub(amount)
	v.collateral = v.collateral.Sub(seized)
	return nil
}

// payout is the cash-settled intrinsic value of amount options at spot.
func (e *MemoryEngine) payout(ctx context.Context, series model.OptionSeries, amount fixed.Point) (fixed.Point, error) {
	spot, err := e.feed.NormalizedRate(ctx, series.Underlying, series.StrikeAsset)
	if err != nil {
		return fixed.Zero, err
	}
	intrinsic := spot.Sub(series.Strike)
	if series.IsPut {
		intrinsic = intrinsic.Neg()
	}
	if !intrinsic.IsPositive() {
		return fixed.Zero, nil
	}
	return intrinsic.Mul(amount), nil
}
