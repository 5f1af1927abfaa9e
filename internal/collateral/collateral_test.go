package collateral

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
	"github.com/atmx/optionpool/internal/oracle"
	"github.com/atmx/optionpool/internal/token"
)

func d(s string) fixed.Point {
	return fixed.MustParse(s)
}

var now = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*MemoryEngine, *token.Ledger, *oracle.StaticFeed) {
	t.Helper()
	reserve := token.NewLedger("USDC")
	if err := reserve.Mint("pool", d("100000")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	feed := oracle.NewStaticFeed()
	feed.Set("WETH", "USDC", d("2000"))
	e := NewMemoryEngine(reserve, feed, "pool")
	e.SetClock(func() time.Time { return now })
	return e, reserve, feed
}

func put(strike string) model.OptionSeries {
	return model.OptionSeries{
		Expiration:  now.Add(7 * 24 * time.Hour).Unix(),
		Strike:      d(strike),
		IsPut:       true,
		Underlying:  "WETH",
		StrikeAsset: "USDC",
		Collateral:  "USDC",
	}
}

func TestGetCollateral(t *testing.T) {
	e, _, _ := setup(t)
	ctx := context.Background()

	got, err := e.GetCollateral(ctx, put("1800"), d("2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("3600")) {
		t.Errorf("put collateral should be strike*amount, got %s", got)
	}

	call := put("2200")
	call.IsPut = false
	e.SetCallMarginFactor(d("1.5"))
	got, err = e.GetCollateral(ctx, call, d("2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("6000")) {
		t.Errorf("call collateral should be spot*amount*factor, got %s", got)
	}
}

func TestOpenClose_MovesCollateral(t *testing.T) {
	e, reserve, _ := setup(t)
	ctx := context.Background()
	s := put("1800")

	if err := e.Open(ctx, s, "opt-1", d("4"), d("7200")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !reserve.BalanceOf("pool").Equal(d("92800")) {
		t.Errorf("expected pool 92800, got %s", reserve.BalanceOf("pool"))
	}

	released, err := e.Close(ctx, "opt-1", d("1"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !released.Equal(d("1800")) {
		t.Errorf("expected 1800 released, got %s", released)
	}
	short, ok, _ := e.ShortPosition(ctx, "opt-1")
	if !ok || !short.Equal(d("3")) {
		t.Errorf("expected short 3, got %s (ok=%v)", short, ok)
	}

	if _, err := e.Close(ctx, "opt-1", d("5")); !errors.Is(err, ErrExceedsShort) {
		t.Errorf("expected ErrExceedsShort, got %v", err)
	}
	if _, err := e.Close(ctx, "missing", d("1")); !errors.Is(err, ErrNoVault) {
		t.Errorf("expected ErrNoVault, got %v", err)
	}
}

func TestOpen_RejectsSeriesIDReuse(t *testing.T) {
	e, _, _ := setup(t)
	ctx := context.Background()

	if err := e.Open(ctx, put("1800"), "opt-1", d("1"), d("1800")); err != nil {
		t.Fatalf("open: %v", err)
	}
	err := e.Open(ctx, put("1700"), "opt-1", d("1"), d("1700"))
	if !errors.Is(err, ErrSeriesMismatch) {
		t.Errorf("expected ErrSeriesMismatch, got %v", err)
	}
}

func TestSettle_PaysHoldersAndReturnsRest(t *testing.T) {
	e, reserve, feed := setup(t)
	ctx := context.Background()
	s := put("1800")

	if err := e.Open(ctx, s, "opt-1", d("2"), d("3600")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e.Settle(ctx, s, "opt-1", fixed.Zero); !errors.Is(err, ErrNotExpired) {
		t.Errorf("expected ErrNotExpired, got %v", err)
	}

	e.SetClock(func() time.Time { return s.ExpiresAt() })
	feed.Set("WETH", "USDC", d("1700"))

	if _, err := e.Settle(ctx, put("1900"), "opt-1", fixed.Zero); !errors.Is(err, ErrSeriesMismatch) {
		t.Errorf("expected ErrSeriesMismatch, got %v", err)
	}

	st, err := e.Settle(ctx, s, "opt-1", fixed.Zero)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// Payout (1800-1700)*2 = 200, returned 3400.
	if !st.HolderPayout.Equal(d("200")) || !st.Returned.Equal(d("3400")) {
		t.Errorf("expected 200 paid and 3400 returned, got %+v", st)
	}
	if !reserve.BalanceOf("pool").Equal(d("99800")) {
		t.Errorf("expected pool 99800, got %s", reserve.BalanceOf("pool"))
	}
	if _, ok, _ := e.ShortPosition(ctx, "opt-1"); ok {
		t.Error("vault should be gone after settlement")
	}
}

func TestSettle_LongPaidByIssuer(t *testing.T) {
	e, reserve, feed := setup(t)
	ctx := context.Background()
	s := put("1800")
	if err := e.Open(ctx, put("2000"), "opt-other", d("1"), d("2000")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := reserve.Mint(e.Issuer(), d("500")); err != nil {
		t.Fatal(err)
	}

	e.SetClock(func() time.Time { return s.ExpiresAt() })
	feed.Set("WETH", "USDC", d("1700"))

	st, err := e.Settle(ctx, s, "", d("3"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !st.LongPayout.Equal(d("300")) || !st.Collateral.IsZero() {
		t.Errorf("unexpected settlement %+v", st)
	}
	if got := reserve.BalanceOf(e.Issuer()); !got.Equal(d("200")) {
		t.Errorf("issuer balance: got %s", got)
	}
	if got := reserve.BalanceOf(e.Account()); !got.Equal(d("2000")) {
		t.Errorf("custody must back only written options, holds %s", got)
	}
	if got := reserve.BalanceOf("pool"); !got.Equal(d("98300")) {
		t.Errorf("pool balance: got %s", got)
	}
}

func TestSettle_NothingMovesOnShortfall(t *testing.T) {
	e, reserve, feed := setup(t)
	ctx := context.Background()
	s := put("1800")
	if err := e.Open(ctx, s, "opt-1", d("2"), d("3600")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := reserve.Mint(e.Issuer(), d("1000")); err != nil {
		t.Fatal(err)
	}
	e.SetClock(func() time.Time { return s.ExpiresAt() })
	feed.Set("WETH", "USDC", d("1700"))

	// Custody no longer holds the whole vault.
	if err := reserve.Transfer(e.Account(), "elsewhere", d("1")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		long fixed.Point
		prep func()
	}{
		{"custody short", d("1"), func() {}},
		{"issuer short", d("20"), func() {
			if err := reserve.Transfer("elsewhere", e.Account(), d("1")); err != nil {
				t.Fatal(err)
			}
		}},
	}
	for _, tt := range tests {
		tt.prep()
		pool := reserve.BalanceOf("pool")
		custody := reserve.BalanceOf(e.Account())
		issuer := reserve.BalanceOf(e.Issuer())

		_, err := e.Settle(ctx, s, "opt-1", tt.long)
		if !errors.Is(err, token.ErrInsufficientBalance) {
			t.Fatalf("%s: expected ErrInsufficientBalance, got %v", tt.name, err)
		}
		if !reserve.BalanceOf("pool").Equal(pool) || !reserve.BalanceOf(e.Account()).Equal(custody) ||
			!reserve.BalanceOf(e.Issuer()).Equal(issuer) || !reserve.BalanceOf("option-holders").IsZero() {
			t.Errorf("%s: balances moved on a failed settlement", tt.name)
		}
		if short, ok, _ := e.ShortPosition(ctx, "opt-1"); !ok || !short.Equal(d("2")) {
			t.Errorf("%s: vault changed: short %s ok=%v", tt.name, short, ok)
		}
	}
}

func TestLockedCollateral(t *testing.T) {
	e, _, _ := setup(t)
	ctx := context.Background()
	if err := e.Open(ctx, put("1800"), "opt-1", d("4"), d("7200")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Open(ctx, put("1000"), "opt-2", d("1"), d("1000")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Liquidate("opt-1", d("1")); err != nil {
		t.Fatal(err)
	}
	got, err := e.LockedCollateral(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d("6400")) {
		t.Errorf("expected 6400 locked, got %s", got)
	}
}

func TestLiquidate_ReducesShort(t *testing.T) {
	e, _, _ := setup(t)
	ctx := context.Background()

	if err := e.Open(ctx, put("1800"), "opt-1", d("4"), d("7200")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Liquidate("opt-1", d("3")); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	short, _, _ := e.ShortPosition(ctx, "opt-1")
	if !short.Equal(d("1")) {
		t.Errorf("expected short 1 after liquidation, got %s", short)
	}
}
