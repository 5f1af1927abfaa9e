package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
)

func d(s string) fixed.Point {
	return fixed.MustParse(s)
}

var at = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

func series(strike string, isPut bool) model.OptionSeries {
	return model.OptionSeries{
		Expiration:  at.Add(30 * 24 * time.Hour).Unix(),
		Strike:      d(strike),
		IsPut:       isPut,
		Underlying:  "WETH",
		StrikeAsset: "USDC",
		Collateral:  "USDC",
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPebbleStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := OpenPebble(t.TempDir())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenPebble(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec := model.ExposureRecord{Series: series("2000", false), SeriesID: "opt-1", ShortExposure: d("5")}
	if err := s.UpsertExposure(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenPebble(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.ListExposures(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SeriesID != "opt-1" || !got[0].ShortExposure.Equal(d("5")) {
		t.Errorf("unexpected records after reopen: %+v", got)
	}
}

func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	t.Run("exposures", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		call := model.ExposureRecord{Series: series("2000", false), SeriesID: "opt-c", ShortExposure: d("10")}
		put := model.ExposureRecord{Series: series("1800", true), SeriesID: "opt-p", LongExposure: d("3")}
		for _, r := range []model.ExposureRecord{call, put} {
			if err := s.UpsertExposure(ctx, r); err != nil {
				t.Fatal(err)
			}
		}
		call.ShortExposure = d("4.5")
		if err := s.UpsertExposure(ctx, call); err != nil {
			t.Fatal(err)
		}

		got, err := s.ListExposures(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 records, got %d", len(got))
		}
		for _, r := range got {
			if r.Series.Key() == call.Series.Key() && !r.ShortExposure.Equal(d("4.5")) {
				t.Errorf("upsert did not replace: short %s", r.ShortExposure)
			}
		}

		if err := s.DeleteExposure(ctx, put.Series.Key()); err != nil {
			t.Fatal(err)
		}
		got, _ = s.ListExposures(ctx)
		if len(got) != 1 || got[0].Series.Key() != call.Series.Key() {
			t.Errorf("unexpected records after delete: %+v", got)
		}
	})

	t.Run("snapshot", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		if _, err := s.LatestSnapshot(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		for seq := uint64(1); seq <= 2; seq++ {
			snap := model.PortfolioSnapshot{Seq: seq, Timestamp: at, Spot: d("2000"), Value: d("123.45"), Series: 2}
			if err := s.SaveSnapshot(ctx, snap); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.LatestSnapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.Seq != 2 || !got.Value.Equal(d("123.45")) || !got.Timestamp.Equal(at) {
			t.Errorf("unexpected snapshot %+v", got)
		}
	})

	t.Run("epoch prices are append-only", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		prices := []model.EpochPrice{
			{Kind: model.EpochDeposit, Epoch: 1, PricePerShare: d("1"), ExecutedAt: at},
			{Kind: model.EpochWithdrawal, Epoch: 1, PricePerShare: d("1"), ExecutedAt: at},
			{Kind: model.EpochDeposit, Epoch: 2, PricePerShare: d("0.9"), ExecutedAt: at.Add(time.Hour)},
		}
		for _, p := range prices {
			if err := s.AppendEpochPrice(ctx, p); err != nil {
				t.Fatal(err)
			}
		}
		// Rewriting a fixed price must not change it.
		overwrite := prices[2]
		overwrite.PricePerShare = d("5")
		if err := s.AppendEpochPrice(ctx, overwrite); err != nil {
			t.Fatal(err)
		}

		got, err := s.EpochPrices(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 prices, got %d", len(got))
		}
		for i, p := range got {
			if p.Kind != prices[i].Kind || p.Epoch != prices[i].Epoch || !p.PricePerShare.Equal(prices[i].PricePerShare) {
				t.Errorf("price %d: got %+v, want %+v", i, p, prices[i])
			}
		}
	})

	t.Run("accounting state", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		if _, err := s.AccountingState(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		st := model.AccountingState{
			Phase:            "paused",
			DepositEpoch:     3,
			WithdrawalEpoch:  2,
			PendingDeposits:  d("1000"),
			PartitionedFunds: d("250.5"),
			TotalShares:      d("9000"),
		}
		if err := s.SaveAccountingState(ctx, st); err != nil {
			t.Fatal(err)
		}
		got, err := s.AccountingState(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.Phase != "paused" || got.DepositEpoch != 3 || !got.PartitionedFunds.Equal(d("250.5")) {
			t.Errorf("unexpected state %+v", got)
		}
	})

	t.Run("receipts", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		empty, err := s.Receipts(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if empty.Account != "alice" || !empty.Deposit.Amount.IsZero() {
			t.Errorf("expected zero receipts, got %+v", empty)
		}

		r := model.Receipts{
			Account:    "alice",
			Deposit:    model.DepositReceipt{Epoch: 2, Amount: d("100"), UnredeemedShares: d("50")},
			Withdrawal: model.WithdrawalReceipt{Epoch: 1, Shares: d("10")},
		}
		if err := s.SaveReceipts(ctx, r); err != nil {
			t.Fatal(err)
		}
		got, err := s.Receipts(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if got.Deposit.Epoch != 2 || !got.Deposit.UnredeemedShares.Equal(d("50")) || !got.Withdrawal.Shares.Equal(d("10")) {
			t.Errorf("unexpected receipts %+v", got)
		}
	})
}
