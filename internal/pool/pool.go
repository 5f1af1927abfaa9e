// Package pool assembles the exposure ledger, epoch accountant, pricer and
// trade executor behind one mutex, and mirrors every successful operation
// to the store, the event stream and metrics.
//
// Every public method is atomic with respect to the others. A failed
// operation leaves no state change; a failed mirror write is logged and
// counted but never unwinds the operation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/optionpool/internal/access"
	"github.com/atmx/optionpool/internal/collateral"
	"github.com/atmx/optionpool/internal/epoch"
	"github.com/atmx/optionpool/internal/events"
	"github.com/atmx/optionpool/internal/exposure"
	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/metrics"
	"github.com/atmx/optionpool/internal/model"
	"github.com/atmx/optionpool/internal/oracle"
	"github.com/atmx/optionpool/internal/pricer"
	"github.com/atmx/optionpool/internal/series"
	"github.com/atmx/optionpool/internal/store"
	"github.com/atmx/optionpool/internal/token"
	"github.com/atmx/optionpool/internal/trade"
	"github.com/atmx/optionpool/internal/volatility"
)

// Config holds the pool's identity and the settings of its components.
type Config struct {
	// Account is the reserve account of the pool.
	Account     string
	Underlying  string
	StrikeAsset string
	Collateral  string

	// Handler is the identity the executor writes exposure as. It must
	// hold the Handler role.
	Handler string

	Exposure exposure.Config
	Epoch    epoch.Config // Pool, Underlying and StrikeAsset are set from above
	Pricer   pricer.Config
}

// Deps are the pool's collaborators. Store and Events may be nil.
type Deps struct {
	Roles   *access.Registry
	Reserve *token.Ledger
	Shares  *token.Ledger
	Feed    oracle.PriceFeed
	Surface *volatility.Surface
	Engine  collateral.Engine
	Store   store.Store
	Events  events.Publisher
}

// Pool is the option pool's risk core.
type Pool struct {
	mu sync.Mutex

	cfg        Config
	roles      *access.Registry
	engine     collateral.Engine
	ledger     *exposure.Ledger
	accountant *epoch.Accountant
	pricer     *pricer.Pricer
	executor   *trade.Executor
	store      store.Store
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// New wires the components.
func New(deps Deps, cfg Config) *Pool {
	cfg.Epoch.Pool = cfg.Account
	cfg.Epoch.Underlying = cfg.Underlying
	cfg.Epoch.StrikeAsset = cfg.StrikeAsset

	st := deps.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}

	ledger := exposure.NewLedger(deps.Roles, deps.Feed, deps.Surface, deps.Engine, cfg.Exposure)
	accountant := epoch.NewAccountant(deps.Roles, deps.Reserve, deps.Shares, ledger, deps.Feed, cfg.Epoch)
	pr := pricer.New(deps.Feed, deps.Surface, cfg.Pricer)
	exec := trade.NewExecutor(pr, ledger, accountant, deps.Engine, deps.Reserve, trade.Config{
		Pool:    cfg.Account,
		Handler: cfg.Handler,
	})

	return &Pool{
		cfg:        cfg,
		roles:      deps.Roles,
		engine:     deps.Engine,
		ledger:     ledger,
		accountant: accountant,
		pricer:     pr,
		executor:   exec,
		store:      st,
		events:     pub,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// SetClock overrides the time source of every component.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
	p.ledger.SetClock(now)
	p.accountant.SetClock(now)
	p.pricer.SetClock(now)
	p.executor.SetClock(now)
}

// SetLogger overrides the logger of every component.
func (p *Pool) SetLogger(logger *slog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
	p.ledger.SetLogger(logger)
	p.accountant.SetLogger(logger)
	p.pricer.SetLogger(logger)
	p.executor.SetLogger(logger)
}

// --- Trading ---

// Quote prices a trade at the current net exposure.
func (p *Pool) Quote(ctx context.Context, s model.OptionSeries, amount fixed.Point, isSell bool) (model.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, err := p.executor.Quote(ctx, s, amount, isSell)
	if err != nil {
		return q, p.reject("quote", err)
	}
	metrics.QuotesTotal.WithLabelValues(q.Side()).Inc()
	return q, nil
}

// Execute runs an order at its quote.
func (p *Pool) Execute(ctx context.Context, order trade.Order) (trade.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	fill, err := p.executor.Execute(ctx, order)
	if err != nil {
		return fill, p.reject("execute", err)
	}
	side := order.Quote.Side()
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	p.mirrorRecord(ctx, "execute", order.Quote.Series)
	p.mirrorState(ctx, "execute")
	p.publish(ctx, events.TypeTrade, order.Quote.Series.Key(), fill)
	return fill, nil
}

// --- Exposure ledger ---

// Fulfill values the portfolio for the pool's pair and caches the
// snapshot. Ephemeral liabilities are cleared since the snapshot now
// covers them.
func (p *Pool) Fulfill(ctx context.Context, caller string) (model.PortfolioSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	snap, err := p.ledger.Fulfill(ctx, caller, p.cfg.Underlying, p.cfg.StrikeAsset)
	if err != nil {
		return snap, p.reject("fulfill", err)
	}
	metrics.FulfillLatency.Observe(time.Since(start).Seconds())
	p.accountant.ResetEphemeral()

	p.mirror(ctx, "fulfill", func(ctx context.Context) error {
		return p.store.SaveSnapshot(ctx, snap)
	})
	p.mirrorState(ctx, "fulfill")
	p.publish(ctx, events.TypeSnapshot, p.cfg.Underlying+"/"+p.cfg.StrikeAsset, snap)
	return snap, nil
}

// CleanOne removes one expired series from the ledger. A series the pool
// still holds a position in must go through SettleExpired instead.
func (p *Pool) CleanOne(ctx context.Context, caller string, s model.OptionSeries) (model.ExposureRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.roles.Require(access.Keeper, caller); err != nil {
		return model.ExposureRecord{}, p.reject("clean", err)
	}
	if rec, ok := p.ledger.Record(s); ok && s.Expired(p.now()) {
		if err := p.requireSettled(ctx, rec); err != nil {
			return rec, p.reject("clean", err)
		}
	}
	rec, err := p.ledger.CleanOne(caller, s)
	if err != nil {
		return rec, p.reject("clean", err)
	}
	p.removed(ctx, []model.ExposureRecord{rec})
	return rec, nil
}

// CleanUpTo removes at most limit expired series with no position left;
// 0 removes all. Expired series still holding a position are skipped.
func (p *Pool) CleanUpTo(ctx context.Context, caller string, limit int) ([]model.ExposureRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.roles.Require(access.Keeper, caller); err != nil {
		return nil, p.reject("clean", err)
	}
	now := p.now()
	recs := p.ledger.Records()
	var settled []model.OptionSeries
	skipped := 0
	for i := len(recs) - 1; i >= 0; i-- {
		if limit > 0 && len(settled) == limit {
			break
		}
		rec := recs[i]
		if !rec.Series.Expired(now) {
			continue
		}
		switch err := p.requireSettled(ctx, rec); {
		case errors.Is(err, ErrUnsettledPosition):
			skipped++
		case err != nil:
			return nil, p.reject("clean", err)
		default:
			settled = append(settled, rec.Series)
		}
	}
	if skipped > 0 {
		p.logger.Info("expired series awaiting settlement", "count", skipped)
	}

	removed := make([]model.ExposureRecord, 0, len(settled))
	for _, s := range settled {
		// Role, membership and expiry were checked above under the same lock.
		rec, err := p.ledger.CleanOne(caller, s)
		if err != nil {
			p.removed(ctx, removed)
			return removed, p.reject("clean", err)
		}
		removed = append(removed, rec)
	}
	p.removed(ctx, removed)
	return removed, nil
}

// requireSettled fails with ErrUnsettledPosition while the record or the
// vault behind it still holds options.
func (p *Pool) requireSettled(ctx context.Context, rec model.ExposureRecord) error {
	if rec.ShortExposure.IsPositive() || rec.LongExposure.IsPositive() {
		return fmt.Errorf("%w: %s short %s long %s", ErrUnsettledPosition,
			rec.Series.Key(), rec.ShortExposure, rec.LongExposure)
	}
	if rec.SeriesID == "" {
		return nil
	}
	short, open, err := p.engine.ShortPosition(ctx, rec.SeriesID)
	if err != nil {
		return err
	}
	if open && short.IsPositive() {
		return fmt.Errorf("%w: vault %s short %s", ErrUnsettledPosition, rec.SeriesID, short)
	}
	return nil
}

// SettleExpired closes out an expired series: the pool's long options are
// redeemed, its short vault is settled and the series leaves the ledger.
// The collateral engine moves every balance in one call, so a failure
// leaves the pool untouched.
func (p *Pool) SettleExpired(ctx context.Context, caller string, s model.OptionSeries) (model.ExposureRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.settleExpired(ctx, caller, s)
	if err != nil {
		return rec, p.reject("settle", err)
	}
	return rec, nil
}

func (p *Pool) settleExpired(ctx context.Context, caller string, s model.OptionSeries) (model.ExposureRecord, error) {
	if err := p.roles.Require(access.Keeper, caller); err != nil {
		return model.ExposureRecord{}, err
	}
	rec, ok := p.ledger.Record(s)
	if !ok {
		return rec, exposure.ErrIncorrectSeriesToRemove
	}
	if !s.Expired(p.now()) {
		return rec, exposure.ErrSeriesNotExpired
	}

	settlement, err := p.engine.Settle(ctx, s, rec.SeriesID, rec.LongExposure)
	if err != nil {
		return rec, fmt.Errorf("settle %s: %w", s.Key(), err)
	}
	p.accountant.ReleaseCollateral(settlement.Collateral)

	// Membership and expiry were checked above under the same lock.
	removed, err := p.ledger.CleanOne(caller, s)
	if err != nil {
		return rec, err
	}
	p.logger.Info("series settled", "series", s.Key(),
		"holder_payout", settlement.HolderPayout.String(),
		"returned", settlement.Returned.String(),
		"long_payout", settlement.LongPayout.String())

	p.removed(ctx, []model.ExposureRecord{removed})
	p.mirrorState(ctx, "settle")
	p.publish(ctx, events.TypeVaultSettled, s.Key(), struct {
		Record     model.ExposureRecord  `json:"record"`
		Settlement collateral.Settlement `json:"settlement"`
	}{removed, settlement})
	return removed, nil
}

// AccountLiquidatedSeries reconciles the ledger with a liquidation of the
// vault behind seriesID. The collateral the liquidation seized is whatever
// the pool has allocated beyond what the engine still locks; it no longer
// counts toward pool assets.
func (p *Pool) AccountLiquidatedSeries(ctx context.Context, caller, seriesID string) (model.ExposureRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	locked, err := p.engine.LockedCollateral(ctx)
	if err != nil {
		return model.ExposureRecord{}, p.reject("liquidation", err)
	}
	rec, err := p.ledger.AccountLiquidatedSeries(ctx, caller, seriesID)
	if err != nil {
		return rec, p.reject("liquidation", err)
	}
	seized := fixed.Max(fixed.Zero, p.accountant.State().CollateralAllocated.Sub(locked))
	p.accountant.ReleaseCollateral(seized)
	p.logger.Info("liquidation accounted", "series_id", seriesID, "seized", seized.String())

	p.mirrorRecord(ctx, "liquidation", rec.Series)
	p.mirrorState(ctx, "liquidation")
	p.publish(ctx, events.TypeLiquidation, rec.Series.Key(), rec)
	return rec, nil
}

// Migrate copies this pool's exposure records and last snapshot into
// target, whose ledger must be empty. Only the governor may migrate.
func (p *Pool) Migrate(ctx context.Context, caller string, target *Pool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if target == p {
		return p.reject("migrate", ErrMigrateToSelf)
	}
	target.mu.Lock()
	defer target.mu.Unlock()

	if err := p.ledger.Migrate(caller, target.ledger); err != nil {
		return p.reject("migrate", err)
	}

	recs := target.ledger.Records()
	for _, rec := range recs {
		target.mirror(ctx, "migrate", func(ctx context.Context) error {
			return target.store.UpsertExposure(ctx, rec)
		})
	}
	if snap, ok := target.ledger.Snapshot(); ok {
		target.mirror(ctx, "migrate", func(ctx context.Context) error {
			return target.store.SaveSnapshot(ctx, snap)
		})
	}
	target.syncGauges()
	p.publish(ctx, events.TypeLedgerMigrated, target.cfg.Account, struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Series int    `json:"series"`
	}{p.cfg.Account, target.cfg.Account, len(recs)})
	return nil
}

// RecoverLedger loads exposure records and the last snapshot from the
// store into the still empty ledger. Returns the number of records.
func (p *Pool) RecoverLedger(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	recs, err := p.store.ListExposures(ctx)
	if err != nil {
		return 0, err
	}
	var snap *model.PortfolioSnapshot
	switch s, err := p.store.LatestSnapshot(ctx); {
	case err == nil:
		snap = &s
	case !errors.Is(err, store.ErrNotFound):
		return 0, err
	}
	if err := p.ledger.Restore(recs, snap); err != nil {
		return 0, err
	}
	p.syncGauges()
	p.logger.Info("ledger recovered", "series", len(recs))
	return len(recs), nil
}

// --- Epoch accountant ---

// Deposit moves reserve from account into the pool for the current
// deposit epoch.
func (p *Pool) Deposit(ctx context.Context, account string, amount fixed.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.accountant.Deposit(account, amount); err != nil {
		return p.reject("deposit", err)
	}
	p.mirrorAccount(ctx, "deposit", account)
	p.publish(ctx, events.TypeDeposit, account, map[string]string{"amount": amount.String()})
	return nil
}

// Redeem moves shares minted for account's settled deposits to account.
func (p *Pool) Redeem(ctx context.Context, account string, shares fixed.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.accountant.Redeem(account, shares); err != nil {
		return p.reject("redeem", err)
	}
	p.mirrorAccount(ctx, "redeem", account)
	return nil
}

// InitiateWithdraw escrows shares for the current withdrawal epoch.
func (p *Pool) InitiateWithdraw(ctx context.Context, account string, shares fixed.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.accountant.InitiateWithdraw(account, shares); err != nil {
		return p.reject("initiate_withdraw", err)
	}
	p.mirrorAccount(ctx, "initiate_withdraw", account)
	p.publish(ctx, events.TypeWithdrawal, account, map[string]string{"shares": shares.String()})
	return nil
}

// CompleteWithdraw pays out account's settled withdrawal.
func (p *Pool) CompleteWithdraw(ctx context.Context, account string) (fixed.Point, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	amount, err := p.accountant.CompleteWithdraw(account)
	if err != nil {
		return amount, p.reject("complete_withdraw", err)
	}
	p.mirrorAccount(ctx, "complete_withdraw", account)
	p.publish(ctx, events.TypeWithdrawal, account, map[string]string{"paid": amount.String()})
	return amount, nil
}

// PauseTradingAndRequest pauses trading ahead of an epoch roll.
func (p *Pool) PauseTradingAndRequest(ctx context.Context, caller string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.accountant.PauseTradingAndRequest(caller)
	if err != nil {
		return "", p.reject("pause", err)
	}
	p.mirrorState(ctx, "pause")
	p.publish(ctx, events.TypeTradingPaused, id, p.accountant.Phase())
	return id, nil
}

// ExecuteEpochCalculation rolls the epochs and reopens trading.
func (p *Pool) ExecuteEpochCalculation(ctx context.Context, caller string) (epoch.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := len(p.accountant.History())
	res, err := p.accountant.ExecuteEpochCalculation(ctx, caller)
	if err != nil {
		return res, p.reject("execute_epoch", err)
	}

	withdrawal := "executed"
	if res.WithdrawalDeferred {
		withdrawal = "deferred"
	}
	metrics.EpochExecutions.WithLabelValues(withdrawal).Inc()
	metrics.PricePerShare.Set(res.PricePerShare.Float64())

	for _, price := range p.accountant.History()[before:] {
		p.mirror(ctx, "execute_epoch", func(ctx context.Context) error {
			return p.store.AppendEpochPrice(ctx, price)
		})
	}
	p.mirrorState(ctx, "execute_epoch")
	p.publish(ctx, events.TypeEpochExecuted, fmt.Sprintf("%d", res.DepositEpoch), res)
	return res, nil
}

// --- Inspection ---

// SeriesFromTicker binds a ticker to the pool's strike and collateral
// assets.
func (p *Pool) SeriesFromTicker(ticker string) (model.OptionSeries, error) {
	t, err := series.ParseTicker(ticker)
	if err != nil {
		return model.OptionSeries{}, err
	}
	return t.Series(p.cfg.StrikeAsset, p.cfg.Collateral), nil
}

// Records returns every live exposure record in active-set order.
func (p *Pool) Records() []model.ExposureRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.Records()
}

// Record returns the exposure record of s.
func (p *Pool) Record(s model.OptionSeries) (model.ExposureRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.Record(s)
}

// NetExposure returns the net exposure shared by every series with s's hash.
func (p *Pool) NetExposure(s model.OptionSeries) fixed.Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.NetExposure(s.Hash())
}

// Snapshot returns the cached portfolio snapshot.
func (p *Pool) Snapshot() (model.PortfolioSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.Snapshot()
}

// History returns every fixed epoch price.
func (p *Pool) History() []model.EpochPrice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accountant.History()
}

// Receipts returns account's receipts.
func (p *Pool) Receipts(account string) model.Receipts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accountant.Receipts(account)
}

// State returns the accounting state.
func (p *Pool) State() model.AccountingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accountant.State()
}

// NAV returns the current net asset value.
func (p *Pool) NAV() (fixed.Point, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accountant.NAV()
}

// --- Mirroring ---

func (p *Pool) reject(op string, err error) error {
	class := Classify(err)
	metrics.Rejections.WithLabelValues(op, string(class)).Inc()
	p.logger.Debug("operation rejected", "op", op, "class", class, "err", err)
	return err
}

func (p *Pool) mirror(ctx context.Context, op string, write func(context.Context) error) {
	if err := write(ctx); err != nil {
		metrics.StoreMirrorFailures.Inc()
		p.logger.Warn("store mirror failed", "op", op, "err", err)
	}
}

func (p *Pool) mirrorRecord(ctx context.Context, op string, s model.OptionSeries) {
	rec, ok := p.ledger.Record(s)
	p.mirror(ctx, op, func(ctx context.Context) error {
		if !ok {
			return p.store.DeleteExposure(ctx, s.Key())
		}
		return p.store.UpsertExposure(ctx, rec)
	})
}

func (p *Pool) mirrorState(ctx context.Context, op string) {
	st := p.accountant.State()
	p.mirror(ctx, op, func(ctx context.Context) error {
		return p.store.SaveAccountingState(ctx, st)
	})
	p.syncGauges()
}

func (p *Pool) mirrorAccount(ctx context.Context, op, account string) {
	r := p.accountant.Receipts(account)
	p.mirror(ctx, op, func(ctx context.Context) error {
		return p.store.SaveReceipts(ctx, r)
	})
	p.mirrorState(ctx, op)
}

func (p *Pool) removed(ctx context.Context, recs []model.ExposureRecord) {
	for _, rec := range recs {
		key := rec.Series.Key()
		p.mirror(ctx, "clean", func(ctx context.Context) error {
			return p.store.DeleteExposure(ctx, key)
		})
		p.publish(ctx, events.TypeSeriesRemoved, key, rec)
	}
	p.syncGauges()
}

func (p *Pool) publish(ctx context.Context, typ, key string, payload any) {
	e, err := events.New(typ, key, p.now(), payload)
	if err == nil {
		err = p.events.Publish(ctx, e)
	}
	if err != nil {
		metrics.EventPublishFailures.Inc()
		p.logger.Warn("event publish failed", "type", typ, "err", err)
	}
}

func (p *Pool) syncGauges() {
	metrics.ActiveSeries.Set(float64(p.ledger.Len()))
	st := p.accountant.State()
	metrics.PendingDeposits.Set(st.PendingDeposits.Float64())
	metrics.PendingWithdrawals.Set(st.PendingWithdrawals.Float64())
	metrics.PartitionedFunds.Set(st.PartitionedFunds.Float64())
}
