// Package trade executes quoted option trades against the pool: it moves
// premium and collateral, opens or closes positions at the collateral
// engine and records the resulting exposure.
//
// Every check runs before the first transfer, so a rejected trade leaves
// no trace.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/optionpool/internal/collateral"
	"github.com/atmx/optionpool/internal/epoch"
	"github.com/atmx/optionpool/internal/exposure"
	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
	"github.com/atmx/optionpool/internal/pricer"
	"github.com/atmx/optionpool/internal/token"
)

var (
	// ErrStaleQuote is returned when net exposure moved since the quote and
	// the re-quoted price is worse for the pool.
	ErrStaleQuote = errors.New("trade: quote is stale")

	// ErrSeriesIDRequired is returned when an order carries no series id.
	ErrSeriesIDRequired = errors.New("trade: series id is required")

	// ErrInvalidOrder is returned for orders missing an account or amount.
	ErrInvalidOrder = errors.New("trade: invalid order")
)

// Order is a request to trade at a quote. Quote.IsSell means the pool
// writes the options to Account.
type Order struct {
	Account  string      `json:"account"`
	SeriesID string      `json:"series_id"`
	Quote    model.Quote `json:"quote"`
}

// Fill is an executed order.
type Fill struct {
	ID         string      `json:"id"`
	Order      Order       `json:"order"`
	Premium    fixed.Point `json:"premium"`
	Collateral fixed.Point `json:"collateral"` // locked on sells, released on buys
	Closed     fixed.Point `json:"closed"`     // shorts bought back
	Opened     fixed.Point `json:"opened"`     // shorts written or longs added
	ExecutedAt time.Time   `json:"executed_at"`
}

// Config holds executor settings.
type Config struct {
	// Pool is the reserve account of the pool.
	Pool string
	// Handler is the identity the executor writes exposure as.
	Handler string
}

// Executor runs trades. Not safe for concurrent use; the pool serializes
// execution.
type Executor struct {
	pricer     *pricer.Pricer
	ledger     *exposure.Ledger
	accountant *epoch.Accountant
	engine     collateral.Engine
	reserve    *token.Ledger
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(
	p *pricer.Pricer,
	ledger *exposure.Ledger,
	accountant *epoch.Accountant,
	engine collateral.Engine,
	reserve *token.Ledger,
	cfg Config,
) *Executor {
	return &Executor{
		pricer:     p,
		ledger:     ledger,
		accountant: accountant,
		engine:     engine,
		reserve:    reserve,
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// SetClock overrides the time source.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// SetLogger overrides the logger.
func (e *Executor) SetLogger(logger *slog.Logger) { e.logger = logger }

// Quote prices a trade at the ledger's current net exposure.
func (e *Executor) Quote(ctx context.Context, series model.OptionSeries, amount fixed.Point, isSell bool) (model.Quote, error) {
	net := e.ledger.NetExposure(series.Hash())
	return e.pricer.QuoteOptionPrice(ctx, series, amount, isSell, net)
}

// Execute runs order at its quoted premium.
func (e *Executor) Execute(ctx context.Context, order Order) (Fill, error) {
	q := order.Quote
	if order.Account == "" || !q.Amount.IsPositive() {
		return Fill{}, ErrInvalidOrder
	}
	if order.SeriesID == "" {
		return Fill{}, ErrSeriesIDRequired
	}
	if err := e.accountant.RequireOpen(); err != nil {
		return Fill{}, err
	}
	if err := e.pricer.Validate(ctx, q); err != nil {
		return Fill{}, err
	}
	if err := e.checkRequote(ctx, q); err != nil {
		return Fill{}, err
	}

	var (
		fill Fill
		err  error
	)
	if q.IsSell {
		fill, err = e.sell(ctx, order)
	} else {
		fill, err = e.buy(ctx, order)
	}
	if err != nil {
		return Fill{}, err
	}

	e.logger.Info("trade executed",
		"trade_id", fill.ID,
		"account", order.Account,
		"series_id", order.SeriesID,
		"side", q.Side(),
		"amount", q.Amount.String(),
		"premium", fill.Premium.String(),
		"collateral", fill.Collateral.String(),
	)
	return fill, nil
}

// checkRequote re-prices q when net exposure moved since it was quoted and
// rejects it if the pool would now charge more or pay less.
func (e *Executor) checkRequote(ctx context.Context, q model.Quote) error {
	net := e.ledger.NetExposure(q.Series.Hash())
	if net.Equal(q.NetExposureBefore) {
		return nil
	}
	fresh, err := e.pricer.QuoteOptionPrice(ctx, q.Series, q.Amount, q.IsSell, net)
	if err != nil {
		return err
	}
	worse := fresh.Premium.GreaterThan(q.Premium)
	if !q.IsSell {
		worse = fresh.Premium.LessThan(q.Premium)
	}
	if worse {
		return fmt.Errorf("%w: quoted %s, now %s", ErrStaleQuote, q.Premium, fresh.Premium)
	}
	return nil
}

// sell writes options: the trader pays premium, collateral moves from free
// reserve to the engine and short exposure grows.
func (e *Executor) sell(ctx context.Context, order Order) (Fill, error) {
	q := order.Quote
	required, err := e.engine.GetCollateral(ctx, q.Series, q.Amount)
	if err != nil {
		return Fill{}, err
	}

	// Prechecks.
	if required.GreaterThan(e.accountant.FreeReserve()) {
		return Fill{}, fmt.Errorf("%w: need %s, free %s",
			epoch.ErrInsufficientFreeReserve, required, e.accountant.FreeReserve())
	}
	if bal := e.reserve.BalanceOf(order.Account); bal.LessThan(q.Premium) {
		return Fill{}, fmt.Errorf("%w: premium %s, balance %s", token.ErrInsufficientBalance, q.Premium, bal)
	}
	if _, _, err := e.ledger.CheckUpdate(q.Series, q.Amount, fixed.Zero, order.SeriesID); err != nil {
		return Fill{}, err
	}

	// Apply.
	if err := e.reserve.Transfer(order.Account, e.cfg.Pool, q.Premium); err != nil {
		return Fill{}, err
	}
	if err := e.accountant.AllocateCollateral(required); err != nil {
		e.refund(order.Account, q.Premium)
		return Fill{}, err
	}
	if err := e.engine.Open(ctx, q.Series, order.SeriesID, q.Amount, required); err != nil {
		e.accountant.ReleaseCollateral(required)
		e.refund(order.Account, q.Premium)
		return Fill{}, err
	}
	if err := e.ledger.UpdateStores(e.cfg.Handler, q.Series, q.Amount, fixed.Zero, order.SeriesID); err != nil {
		// Only reachable on a role misconfiguration; CheckUpdate passed.
		return Fill{}, fmt.Errorf("record exposure after open: %w", err)
	}
	e.accountant.AddEphemeral(q.Premium.Sub(q.Fee), q.Delta.Neg())

	return Fill{
		ID:         uuid.New().String(),
		Order:      order,
		Premium:    q.Premium,
		Collateral: required,
		Opened:     q.Amount,
		ExecutedAt: e.now().UTC(),
	}, nil
}

// buy takes options from the trader: open shorts in the series are closed
// first, the remainder becomes long exposure, and premium is paid from
// free reserve.
func (e *Executor) buy(ctx context.Context, order Order) (Fill, error) {
	q := order.Quote

	closeAmt := fixed.Zero
	if rec, ok := e.ledger.Record(q.Series); ok && rec.ShortExposure.IsPositive() {
		external, open, err := e.engine.ShortPosition(ctx, order.SeriesID)
		if err != nil {
			return Fill{}, err
		}
		if open {
			closeAmt = fixed.Min(q.Amount, fixed.Min(rec.ShortExposure, external))
		}
	}
	longAmt := q.Amount.Sub(closeAmt)

	// Prechecks.
	if q.Premium.GreaterThan(e.accountant.FreeReserve()) {
		return Fill{}, fmt.Errorf("%w: premium %s, free %s",
			epoch.ErrInsufficientFreeReserve, q.Premium, e.accountant.FreeReserve())
	}
	if _, _, err := e.ledger.CheckUpdate(q.Series, closeAmt.Neg(), longAmt, order.SeriesID); err != nil {
		return Fill{}, err
	}

	// Apply.
	released := fixed.Zero
	if closeAmt.IsPositive() {
		var err error
		released, err = e.engine.Close(ctx, order.SeriesID, closeAmt)
		if err != nil {
			return Fill{}, err
		}
		e.accountant.ReleaseCollateral(released)
	}
	if err := e.reserve.Transfer(e.cfg.Pool, order.Account, q.Premium); err != nil {
		return Fill{}, fmt.Errorf("pay premium after close: %w", err)
	}
	if err := e.ledger.UpdateStores(e.cfg.Handler, q.Series, closeAmt.Neg(), longAmt, order.SeriesID); err != nil {
		return Fill{}, fmt.Errorf("record exposure after close: %w", err)
	}
	e.accountant.AddEphemeral(q.Premium.Add(q.Fee).Neg(), q.Delta)

	return Fill{
		ID:         uuid.New().String(),
		Order:      order,
		Premium:    q.Premium,
		Collateral: released,
		Closed:     closeAmt,
		Opened:     longAmt,
		ExecutedAt: e.now().UTC(),
	}, nil
}

func (e *Executor) refund(account string, premium fixed.Point) {
	if err := e.reserve.Transfer(e.cfg.Pool, account, premium); err != nil {
		e.logger.Error("premium refund failed", "account", account, "err", err)
	}
}
