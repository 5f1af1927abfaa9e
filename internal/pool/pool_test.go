package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/atmx/optionpool/internal/access"
	"github.com/atmx/optionpool/internal/collateral"
	"github.com/atmx/optionpool/internal/epoch"
	"github.com/atmx/optionpool/internal/events"
	"github.com/atmx/optionpool/internal/exposure"
	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/limits"
	"github.com/atmx/optionpool/internal/metrics"
	"github.com/atmx/optionpool/internal/model"
	"github.com/atmx/optionpool/internal/oracle"
	"github.com/atmx/optionpool/internal/pricer"
	"github.com/atmx/optionpool/internal/store"
	"github.com/atmx/optionpool/internal/token"
	"github.com/atmx/optionpool/internal/trade"
	"github.com/atmx/optionpool/internal/volatility"
)

func d(s string) fixed.Point {
	return fixed.MustParse(s)
}

const (
	governor = "gov"
	keeper   = "keeper"
	handler  = "executor"
	account  = "pool"
)

var start = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	pool    *Pool
	reserve *token.Ledger
	shares  *token.Ledger
	engine  *collateral.MemoryEngine
	feed    *oracle.StaticFeed
	store   store.Store
	events  *events.Recorder
	clock   *time.Time
	near    int64
	far     int64
}

func newTestEnv(t *testing.T, st store.Store) *testEnv {
	t.Helper()
	roles := access.NewRegistry(governor)
	for role, who := range map[access.Role]string{access.Keeper: keeper, access.Handler: handler} {
		if err := roles.Grant(governor, role, who); err != nil {
			t.Fatal(err)
		}
	}

	feed := oracle.NewStaticFeed()
	feed.Set("WETH", "USDC", d("2000"))

	env := &testEnv{
		reserve: token.NewLedger("USDC"),
		shares:  token.NewLedger("OPS"),
		feed:    feed,
		store:   st,
		events:  &events.Recorder{},
		near:    start.Add(24 * time.Hour).Unix(),
		far:     start.Add(30 * 24 * time.Hour).Unix(),
	}
	for _, acct := range []string{"alice", "bob", "trader"} {
		if err := env.reserve.Mint(acct, d("1000000")); err != nil {
			t.Fatal(err)
		}
	}

	surface := volatility.NewSurface()
	p := volatility.Params{Alpha: d("0.8"), Beta: fixed.One}
	for _, exp := range []int64{env.near, env.far} {
		if err := surface.Set(exp, volatility.ExpiryParams{Call: p, Put: p}); err != nil {
			t.Fatal(err)
		}
	}

	clock := start
	env.clock = &clock
	now := func() time.Time { return *env.clock }

	env.engine = collateral.NewMemoryEngine(env.reserve, feed, account)
	env.engine.SetClock(now)

	pcfg := pricer.DefaultConfig()
	pcfg.SlippageGradient = d("0.001")
	pcfg.FeePerContract = d("1")

	env.pool = New(Deps{
		Roles:   roles,
		Reserve: env.reserve,
		Shares:  env.shares,
		Feed:    feed,
		Surface: surface,
		Engine:  env.engine,
		Store:   st,
		Events:  env.events,
	}, Config{
		Account:     account,
		Underlying:  "WETH",
		StrikeAsset: "USDC",
		Collateral:  "USDC",
		Handler:     handler,
		Exposure:    exposure.Config{Limiter: limits.NewNetExposureLimiter(d("100"), fixed.Zero)},
		Pricer:      pcfg,
	})
	env.pool.SetClock(now)
	return env
}

func (e *testEnv) series(exp int64, strike string, isPut bool) model.OptionSeries {
	return model.OptionSeries{
		Expiration:  exp,
		Strike:      d(strike),
		IsPut:       isPut,
		Underlying:  "WETH",
		StrikeAsset: "USDC",
		Collateral:  "USDC",
	}
}

func (e *testEnv) roll(t *testing.T) epoch.Result {
	t.Helper()
	ctx := context.Background()
	if _, err := e.pool.PauseTradingAndRequest(ctx, keeper); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := e.pool.Fulfill(ctx, keeper); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	res, err := e.pool.ExecuteEpochCalculation(ctx, keeper)
	if err != nil {
		t.Fatalf("execute epoch: %v", err)
	}
	return res
}

func (e *testEnv) trade(t *testing.T, s model.OptionSeries, amount string, isSell bool, seriesID string) trade.Fill {
	t.Helper()
	ctx := context.Background()
	q, err := e.pool.Quote(ctx, s, d(amount), isSell)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	fill, err := e.pool.Execute(ctx, trade.Order{Account: "trader", SeriesID: seriesID, Quote: q})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return fill
}

func TestPool_DepositTradeAndRoll(t *testing.T) {
	st := store.NewMemoryStore()
	env := newTestEnv(t, st)
	ctx := context.Background()

	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	first := env.roll(t)
	if !first.PricePerShare.Equal(fixed.One) || !first.SharesMinted.Equal(d("100000")) {
		t.Fatalf("first epoch: %+v", first)
	}
	if err := env.pool.Redeem(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}

	call := env.series(env.far, "2000", false)
	fill := env.trade(t, call, "10", true, "opt-call")
	if !fill.Collateral.Equal(d("20000")) {
		t.Errorf("collateral: got %s", fill.Collateral)
	}

	// Before a snapshot the premium is offset by an ephemeral liability.
	nav, err := env.pool.NAV()
	if err != nil {
		t.Fatal(err)
	}
	if !nav.Equal(d("100000").Add(fill.Order.Quote.Fee)) {
		t.Errorf("nav before fulfill: got %s", nav)
	}

	second := env.roll(t)
	if !second.PricePerShare.GreaterThan(fixed.One) {
		t.Errorf("writing above fair value must raise the share price, got %s", second.PricePerShare)
	}
	if state := env.pool.State(); !state.EphemeralLiabilities.IsZero() || state.Phase != "open" {
		t.Errorf("state after roll: %+v", state)
	}

	// Store mirror.
	recs, _ := st.ListExposures(ctx)
	if len(recs) != 1 || !recs[0].ShortExposure.Equal(d("10")) || recs[0].SeriesID != "opt-call" {
		t.Errorf("mirrored exposures: %+v", recs)
	}
	prices, _ := st.EpochPrices(ctx)
	if len(prices) != 4 {
		t.Errorf("expected 4 mirrored epoch prices, got %d", len(prices))
	}
	snap, err := st.LatestSnapshot(ctx)
	if err != nil || snap.Seq != 2 {
		t.Errorf("mirrored snapshot: seq %d err %v", snap.Seq, err)
	}
	mirrored, _ := st.AccountingState(ctx)
	if mirrored.DepositEpoch != 3 {
		t.Errorf("mirrored deposit epoch: got %d", mirrored.DepositEpoch)
	}
	r, _ := st.Receipts(ctx, "alice")
	if !r.Deposit.UnredeemedShares.IsZero() || r.Deposit.Epoch != 1 {
		t.Errorf("mirrored receipts: %+v", r)
	}

	want := []string{
		events.TypeDeposit,
		events.TypeTradingPaused, events.TypeSnapshot, events.TypeEpochExecuted,
		events.TypeTrade,
		events.TypeTradingPaused, events.TypeSnapshot, events.TypeEpochExecuted,
	}
	if got := env.events.Types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events:\n got %v\nwant %v", got, want)
	}
}

func TestPool_WithdrawRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.pool.Deposit(ctx, "bob", d("5000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)
	if err := env.pool.InitiateWithdraw(ctx, "bob", d("2000")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.pool.CompleteWithdraw(ctx, "bob"); !errors.Is(err, epoch.ErrEpochNotSettled) {
		t.Fatalf("expected ErrEpochNotSettled, got %v", err)
	}
	res := env.roll(t)
	if !res.Partitioned.Equal(d("2000")) {
		t.Fatalf("partitioned: got %s", res.Partitioned)
	}

	paid, err := env.pool.CompleteWithdraw(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !paid.Equal(d("2000")) {
		t.Errorf("paid: got %s", paid)
	}
	if got := env.reserve.BalanceOf("bob"); !got.Equal(d("997000")) {
		t.Errorf("bob reserve: got %s", got)
	}
	if got := env.shares.BalanceOf("bob"); !got.Equal(d("3000")) {
		t.Errorf("bob shares: got %s", got)
	}
}

func TestPool_PausedRejectsTradingAndDeposits(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)

	q, err := env.pool.Quote(ctx, env.series(env.far, "2000", false), d("1"), true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.pool.PauseTradingAndRequest(ctx, keeper); err != nil {
		t.Fatal(err)
	}

	_, err = env.pool.Execute(ctx, trade.Order{Account: "trader", SeriesID: "opt-1", Quote: q})
	if Classify(err) != StatePrecondition || !errors.Is(err, epoch.ErrTradingPaused) {
		t.Errorf("execute while paused: %v", err)
	}
	if err := env.pool.Deposit(ctx, "bob", d("1")); !errors.Is(err, epoch.ErrTradingPaused) {
		t.Errorf("deposit while paused: %v", err)
	}
	if _, err := env.pool.ExecuteEpochCalculation(ctx, keeper); !errors.Is(err, epoch.ErrSnapshotNotFulfilled) {
		t.Errorf("execute without fresh snapshot: %v", err)
	}
}

func TestPool_SettleExpiredShort(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)

	put := env.series(env.near, "2100", true)
	env.trade(t, put, "2", true, "opt-put")
	if got := env.pool.State().CollateralAllocated; !got.Equal(d("4200")) {
		t.Fatalf("collateral allocated: got %s", got)
	}

	*env.clock = time.Unix(env.near, 0).UTC()

	_, err := env.pool.Fulfill(ctx, keeper)
	if !errors.Is(err, exposure.ErrOptionHasExpiredInStores) || Classify(err) != StatePrecondition {
		t.Fatalf("fulfill with expired member: %v", err)
	}
	if _, err := env.pool.SettleExpired(ctx, "trader", put); Classify(err) != AccessControl {
		t.Errorf("settle by non-keeper: %v", err)
	}

	before := env.reserve.BalanceOf(account)
	rec, err := env.pool.SettleExpired(ctx, keeper, put)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !rec.ShortExposure.Equal(d("2")) {
		t.Errorf("removed record: %+v", rec)
	}
	// Intrinsic 100 per put goes to holders; the rest of the collateral returns.
	if got := env.reserve.BalanceOf(account).Sub(before); !got.Equal(d("4000")) {
		t.Errorf("collateral returned: got %s", got)
	}
	if got := env.reserve.BalanceOf("option-holders"); !got.Equal(d("200")) {
		t.Errorf("holder payout: got %s", got)
	}
	if got := env.pool.State().CollateralAllocated; !got.IsZero() {
		t.Errorf("collateral allocated after settle: got %s", got)
	}
	if len(env.pool.Records()) != 0 {
		t.Error("settled series must leave the ledger")
	}
	if _, err := env.pool.Fulfill(ctx, keeper); err != nil {
		t.Errorf("fulfill after settle: %v", err)
	}
}

func TestPool_SettleExpiredLongRedeems(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)

	// Options the pool buys are backed by their issuer, not by the pool's
	// own collateral.
	if err := env.reserve.Mint(env.engine.Issuer(), d("1000")); err != nil {
		t.Fatal(err)
	}

	call := env.series(env.near, "1900", false)
	env.trade(t, call, "1", false, "opt-call")
	*env.clock = time.Unix(env.near, 0).UTC()

	before := env.reserve.BalanceOf(account)
	if _, err := env.pool.SettleExpired(ctx, keeper, call); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := env.reserve.BalanceOf(account).Sub(before); !got.Equal(d("100")) {
		t.Errorf("long payout: got %s", got)
	}
	if got := env.reserve.BalanceOf(env.engine.Issuer()); !got.Equal(d("900")) {
		t.Errorf("issuer balance: got %s", got)
	}
	if got := env.reserve.BalanceOf(env.engine.Account()); !got.IsZero() {
		t.Errorf("custody must not fund long payouts, holds %s", got)
	}
}

func TestPool_SettleShortAndLongSeparately(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)
	if err := env.reserve.Mint(env.engine.Issuer(), d("1000")); err != nil {
		t.Fatal(err)
	}

	put := env.series(env.near, "2100", true)
	call := env.series(env.near, "1900", false)
	env.trade(t, put, "2", true, "opt-put")
	env.trade(t, call, "1", false, "opt-call")
	*env.clock = time.Unix(env.near, 0).UTC()

	before := env.reserve.BalanceOf(account)
	if _, err := env.pool.SettleExpired(ctx, keeper, call); err != nil {
		t.Fatalf("settle call: %v", err)
	}
	if got := env.reserve.BalanceOf(env.engine.Account()); !got.Equal(d("4200")) {
		t.Fatalf("put collateral after call settles: got %s", got)
	}

	if _, err := env.pool.SettleExpired(ctx, keeper, put); err != nil {
		t.Fatalf("settle put: %v", err)
	}
	if got := env.reserve.BalanceOf(account).Sub(before); !got.Equal(d("4100")) {
		t.Errorf("pool received: got %s, want 4000 returned plus 100 long payout", got)
	}
	if got := env.reserve.BalanceOf("option-holders"); !got.Equal(d("200")) {
		t.Errorf("holder payout: got %s", got)
	}
	if got := env.pool.State().CollateralAllocated; !got.IsZero() {
		t.Errorf("collateral allocated: got %s", got)
	}
}

func TestPool_SettleFailureLeavesNoChange(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)

	// Long 1 and short 2 in the same series.
	put := env.series(env.near, "2100", true)
	env.trade(t, put, "1", false, "opt-put")
	env.trade(t, put, "2", true, "opt-put")
	*env.clock = time.Unix(env.near, 0).UTC()

	// The issuer cannot cover the long payout.
	poolBefore := env.reserve.BalanceOf(account)
	stateBefore := env.pool.State()
	published := len(env.events.Events)

	_, err := env.pool.SettleExpired(ctx, keeper, put)
	if !errors.Is(err, token.ErrInsufficientBalance) || Classify(err) != BoundsRisk {
		t.Fatalf("settle with unfunded issuer: %v", err)
	}
	if got := env.reserve.BalanceOf(account); !got.Equal(poolBefore) {
		t.Errorf("pool balance moved: %s -> %s", poolBefore, got)
	}
	if got := env.reserve.BalanceOf(env.engine.Account()); !got.Equal(d("4200")) {
		t.Errorf("custody moved: got %s", got)
	}
	if got := env.reserve.BalanceOf("option-holders"); !got.IsZero() {
		t.Errorf("holders paid on failure: got %s", got)
	}
	if got := env.pool.State(); !got.CollateralAllocated.Equal(stateBefore.CollateralAllocated) {
		t.Errorf("collateral allocated changed: %s -> %s", stateBefore.CollateralAllocated, got.CollateralAllocated)
	}
	rec, ok := env.pool.Record(put)
	if !ok || !rec.ShortExposure.Equal(d("2")) || !rec.LongExposure.Equal(d("1")) {
		t.Errorf("record after failed settle: %+v ok=%v", rec, ok)
	}
	if short, open, _ := env.engine.ShortPosition(ctx, "opt-put"); !open || !short.Equal(d("2")) {
		t.Errorf("vault after failed settle: short %s open %v", short, open)
	}
	if len(env.events.Events) != published {
		t.Errorf("events published on failure: %v", env.events.Types()[published:])
	}

	if err := env.reserve.Mint(env.engine.Issuer(), d("100")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.pool.SettleExpired(ctx, keeper, put); err != nil {
		t.Fatalf("settle once funded: %v", err)
	}
	if got := env.reserve.BalanceOf(account).Sub(poolBefore); !got.Equal(d("4100")) {
		t.Errorf("pool received: got %s", got)
	}
}

func TestPool_CleanUpToSkipsUnsettled(t *testing.T) {
	st := store.NewMemoryStore()
	env := newTestEnv(t, st)
	ctx := context.Background()
	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)

	// a and b are written and bought back, leaving no position.
	for _, c := range []struct{ strike, id string }{{"2000", "a"}, {"2100", "b"}} {
		s := env.series(env.near, c.strike, false)
		env.trade(t, s, "1", true, c.id)
		env.trade(t, s, "1", false, c.id)
	}
	env.trade(t, env.series(env.far, "2000", false), "1", false, "c")
	short := env.series(env.near, "2100", true)
	env.trade(t, short, "2", true, "d")
	long := env.series(env.near, "1900", false)
	env.trade(t, long, "1", false, "e")
	*env.clock = time.Unix(env.near, 0).UTC()

	if _, err := env.pool.CleanUpTo(ctx, "trader", 0); Classify(err) != AccessControl {
		t.Errorf("clean by non-keeper: %v", err)
	}
	removed, err := env.pool.CleanUpTo(ctx, keeper, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	for _, rec := range removed {
		if rec.SeriesID != "a" && rec.SeriesID != "b" {
			t.Errorf("removed a series with a position: %+v", rec)
		}
	}
	recs, _ := st.ListExposures(ctx)
	if len(recs) != 3 {
		t.Errorf("mirrored exposures after clean: %+v", recs)
	}
	if got := testutil.ToFloat64(metrics.ActiveSeries); got != 3 {
		t.Errorf("active series gauge: got %v", got)
	}

	for _, s := range []model.OptionSeries{short, long} {
		_, err := env.pool.CleanOne(ctx, keeper, s)
		if !errors.Is(err, ErrUnsettledPosition) || Classify(err) != StatePrecondition {
			t.Errorf("clean %s with a position: %v", s.Key(), err)
		}
	}

	// Pruning left the short intact, so it still settles.
	if _, err := env.pool.SettleExpired(ctx, keeper, short); err != nil {
		t.Fatalf("settle after prune: %v", err)
	}
	if got := env.reserve.BalanceOf("option-holders"); !got.Equal(d("200")) {
		t.Errorf("holder payout: got %s", got)
	}
	if got := env.reserve.BalanceOf(env.engine.Account()); !got.IsZero() {
		t.Errorf("custody after settle: got %s", got)
	}
}

func TestPool_AccountLiquidatedSeries(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)

	s := env.series(env.far, "2000", false)
	env.trade(t, s, "10", true, "opt-1")
	if err := env.engine.Liquidate("opt-1", d("4")); err != nil {
		t.Fatal(err)
	}

	if _, err := env.pool.AccountLiquidatedSeries(ctx, "trader", "opt-1"); Classify(err) != AccessControl {
		t.Errorf("accounting by non-keeper: %v", err)
	}
	if got := env.pool.State().CollateralAllocated; !got.Equal(d("20000")) {
		t.Errorf("rejected call released collateral: got %s", got)
	}

	rec, err := env.pool.AccountLiquidatedSeries(ctx, keeper, "opt-1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ShortExposure.Equal(d("6")) {
		t.Errorf("short after liquidation: got %s", rec.ShortExposure)
	}
	// 4 of 10 calls seized 8000 of the 20000 locked.
	if got := env.pool.State().CollateralAllocated; !got.Equal(d("12000")) {
		t.Errorf("collateral allocated: got %s", got)
	}
	if net := env.pool.NetExposure(s); !net.Equal(d("-6")) {
		t.Errorf("net exposure: got %s", net)
	}

	_, err = env.pool.AccountLiquidatedSeries(ctx, keeper, "opt-1")
	if !errors.Is(err, exposure.ErrLiquidationNotRecognised) {
		t.Errorf("second accounting: %v", err)
	}
	if got := env.pool.State().CollateralAllocated; !got.Equal(d("12000")) {
		t.Errorf("collateral allocated after second call: got %s", got)
	}
}

func TestPool_Migrate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)
	s := env.series(env.far, "2000", true)
	env.trade(t, s, "3", true, "opt-1")
	if _, err := env.pool.Fulfill(ctx, keeper); err != nil {
		t.Fatal(err)
	}

	st := store.NewMemoryStore()
	target := newTestEnv(t, st)

	if err := env.pool.Migrate(ctx, "trader", target.pool); Classify(err) != AccessControl {
		t.Errorf("migrate by non-governor: %v", err)
	}
	if err := env.pool.Migrate(ctx, governor, env.pool); !errors.Is(err, ErrMigrateToSelf) {
		t.Errorf("migrate onto itself: %v", err)
	}
	if err := env.pool.Migrate(ctx, governor, target.pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if net := target.pool.NetExposure(s); !net.Equal(d("-3")) {
		t.Errorf("migrated net exposure: got %s", net)
	}
	if snap, ok := target.pool.Snapshot(); !ok || snap.Seq != 2 {
		t.Errorf("migrated snapshot: %+v ok=%v", snap, ok)
	}
	recs, _ := st.ListExposures(ctx)
	if len(recs) != 1 || recs[0].SeriesID != "opt-1" {
		t.Errorf("target store after migrate: %+v", recs)
	}
	if _, err := st.LatestSnapshot(ctx); err != nil {
		t.Errorf("target snapshot not mirrored: %v", err)
	}
	types := env.events.Types()
	if types[len(types)-1] != events.TypeLedgerMigrated {
		t.Errorf("last event: got %q", types[len(types)-1])
	}

	err := env.pool.Migrate(ctx, governor, target.pool)
	if !errors.Is(err, exposure.ErrMigrationTargetNotEmpty) || Classify(err) != StatePrecondition {
		t.Errorf("migrate onto a non-empty ledger: %v", err)
	}
}

// failingStore rejects every write.
type failingStore struct {
	store.Store
}

var errDown = errors.New("store down")

func (failingStore) UpsertExposure(context.Context, model.ExposureRecord) error       { return errDown }
func (failingStore) SaveAccountingState(context.Context, model.AccountingState) error { return errDown }
func (failingStore) SaveReceipts(context.Context, model.Receipts) error               { return errDown }

func TestPool_MirrorFailureDoesNotUnwind(t *testing.T) {
	env := newTestEnv(t, failingStore{store.NewMemoryStore()})
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.StoreMirrorFailures)
	if err := env.pool.Deposit(ctx, "alice", d("100")); err != nil {
		t.Fatalf("deposit must succeed despite the store: %v", err)
	}
	if got := env.pool.State().PendingDeposits; !got.Equal(d("100")) {
		t.Errorf("pending deposits: got %s", got)
	}
	if got := testutil.ToFloat64(metrics.StoreMirrorFailures) - before; got != 2 {
		t.Errorf("mirror failures: got %v, want 2", got)
	}
}

func TestPool_RecoverLedger(t *testing.T) {
	st := store.NewMemoryStore()
	env := newTestEnv(t, st)
	ctx := context.Background()
	if err := env.pool.Deposit(ctx, "alice", d("100000")); err != nil {
		t.Fatal(err)
	}
	env.roll(t)
	s := env.series(env.far, "2000", true)
	env.trade(t, s, "3", true, "opt-1")
	if _, err := env.pool.Fulfill(ctx, keeper); err != nil {
		t.Fatal(err)
	}

	fresh := newTestEnv(t, st)
	n, err := fresh.pool.RecoverLedger(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d records", n)
	}
	if net := fresh.pool.NetExposure(s); !net.Equal(d("-3")) {
		t.Errorf("recovered net exposure: got %s", net)
	}
	snap, ok := fresh.pool.Snapshot()
	if !ok || snap.Seq != 2 {
		t.Errorf("recovered snapshot: %+v ok=%v", snap, ok)
	}
	if _, err := fresh.pool.RecoverLedger(ctx); !errors.Is(err, exposure.ErrMigrationTargetNotEmpty) {
		t.Errorf("second recovery: %v", err)
	}
}

func TestSeriesFromTicker(t *testing.T) {
	env := newTestEnv(t, nil)
	s, err := env.pool.SeriesFromTicker("WETH-20260131-2000-P")
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsPut || s.StrikeAsset != "USDC" || s.Expiration != start.Add(30*24*time.Hour).Unix() {
		t.Errorf("unexpected series %+v", s)
	}
	if _, err := env.pool.SeriesFromTicker("weth-x"); Classify(err) != StatePrecondition {
		t.Errorf("bad ticker: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{nil, ""},
		{access.ErrUnauthorized, AccessControl},
		{fmt.Errorf("wrapped: %w", epoch.ErrTradingPaused), StatePrecondition},
		{&exposure.ExpiredInStoresError{Index: 1}, StatePrecondition},
		{trade.ErrStaleQuote, StatePrecondition},
		{limits.ErrMaxNetExposureExceeded, BoundsRisk},
		{epoch.ErrInsufficientFreeReserve, BoundsRisk},
		{token.ErrInsufficientBalance, BoundsRisk},
		{fmt.Errorf("clean: %w", ErrUnsettledPosition), StatePrecondition},
		{exposure.ErrNegativeExposure, Arithmetic},
		{fixed.ErrDivisionByZero, Arithmetic},
		{oracle.ErrPriceUnavailable, Internal},
		{errors.New("boom"), Internal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}

	if AccessControl.HTTPStatus() != 403 || BoundsRisk.HTTPStatus() != 422 || Internal.HTTPStatus() != 500 {
		t.Error("unexpected HTTP status mapping")
	}
}
