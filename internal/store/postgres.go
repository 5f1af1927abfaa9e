package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
)

// Schema creates the tables PostgresStore uses.
const Schema = `
CREATE TABLE IF NOT EXISTS exposures (
	series_key   TEXT PRIMARY KEY,
	expiration   BIGINT NOT NULL,
	strike       NUMERIC NOT NULL,
	is_put       BOOLEAN NOT NULL,
	underlying   TEXT NOT NULL,
	strike_asset TEXT NOT NULL,
	collateral   TEXT NOT NULL,
	series_id    TEXT NOT NULL,
	short_exp    NUMERIC NOT NULL,
	long_exp     NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	seq       BIGINT PRIMARY KEY,
	taken_at  TIMESTAMPTZ NOT NULL,
	spot      NUMERIC NOT NULL,
	delta     NUMERIC NOT NULL,
	gamma     NUMERIC NOT NULL,
	vega      NUMERIC NOT NULL,
	theta     NUMERIC NOT NULL,
	value     NUMERIC NOT NULL,
	series    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS epoch_prices (
	kind            TEXT NOT NULL,
	epoch           BIGINT NOT NULL,
	price_per_share NUMERIC NOT NULL,
	executed_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, epoch)
);
CREATE TABLE IF NOT EXISTS accounting_state (
	id                    SMALLINT PRIMARY KEY CHECK (id = 1),
	phase                 TEXT NOT NULL,
	deposit_epoch         BIGINT NOT NULL,
	withdrawal_epoch      BIGINT NOT NULL,
	pending_deposits      NUMERIC NOT NULL,
	pending_withdrawals   NUMERIC NOT NULL,
	partitioned_funds     NUMERIC NOT NULL,
	collateral_allocated  NUMERIC NOT NULL,
	ephemeral_liabilities NUMERIC NOT NULL,
	ephemeral_delta       NUMERIC NOT NULL,
	total_shares          NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS receipts (
	account           TEXT PRIMARY KEY,
	deposit_epoch     BIGINT NOT NULL,
	deposit_amount    NUMERIC NOT NULL,
	unredeemed_shares NUMERIC NOT NULL,
	withdrawal_epoch  BIGINT NOT NULL,
	withdrawal_shares NUMERIC NOT NULL
);`

// PostgresStore implements Store on PostgreSQL. All amounts are stored as
// NUMERIC and travel as text for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertExposure(ctx context.Context, r model.ExposureRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exposures (series_key, expiration, strike, is_put, underlying, strike_asset, collateral, series_id, short_exp, long_exp)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC)
		 ON CONFLICT (series_key) DO UPDATE
		 SET series_id = EXCLUDED.series_id, short_exp = EXCLUDED.short_exp, long_exp = EXCLUDED.long_exp`,
		r.Series.Key(), r.Series.Expiration, r.Series.Strike.String(), r.Series.IsPut,
		r.Series.Underlying, r.Series.StrikeAsset, r.Series.Collateral,
		r.SeriesID, r.ShortExposure.String(), r.LongExposure.String(),
	)
	return err
}

func (s *PostgresStore) DeleteExposure(ctx context.Context, seriesKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM exposures WHERE series_key = $1`, seriesKey)
	return err
}

func (s *PostgresStore) ListExposures(ctx context.Context) ([]model.ExposureRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT expiration, strike::TEXT, is_put, underlying, strike_asset, collateral,
		        series_id, short_exp::TEXT, long_exp::TEXT
		 FROM exposures ORDER BY series_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExposureRecord
	for rows.Next() {
		var r model.ExposureRecord
		var strike, short, long string
		if err := rows.Scan(&r.Series.Expiration, &strike, &r.Series.IsPut,
			&r.Series.Underlying, &r.Series.StrikeAsset, &r.Series.Collateral,
			&r.SeriesID, &short, &long); err != nil {
			return nil, err
		}
		if err := parseNumerics(
			numeric{strike, &r.Series.Strike},
			numeric{short, &r.ShortExposure},
			numeric{long, &r.LongExposure},
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, p model.PortfolioSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (seq, taken_at, spot, delta, gamma, vega, theta, value, series)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (seq) DO NOTHING`,
		int64(p.Seq), p.Timestamp, p.Spot.String(), p.Delta.String(), p.Gamma.String(),
		p.Vega.String(), p.Theta.String(), p.Value.String(), p.Series,
	)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (model.PortfolioSnapshot, error) {
	var p model.PortfolioSnapshot
	var seq int64
	var spot, delta, gamma, vega, theta, value string
	err := s.pool.QueryRow(ctx,
		`SELECT seq, taken_at, spot::TEXT, delta::TEXT, gamma::TEXT, vega::TEXT, theta::TEXT, value::TEXT, series
		 FROM snapshots ORDER BY seq DESC LIMIT 1`).
		Scan(&seq, &p.Timestamp, &spot, &delta, &gamma, &vega, &theta, &value, &p.Series)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("latest snapshot: %w", err)
	}
	p.Seq = uint64(seq)
	err = parseNumerics(
		numeric{spot, &p.Spot},
		numeric{delta, &p.Delta},
		numeric{gamma, &p.Gamma},
		numeric{vega, &p.Vega},
		numeric{theta, &p.Theta},
		numeric{value, &p.Value},
	)
	return p, err
}

func (s *PostgresStore) AppendEpochPrice(ctx context.Context, p model.EpochPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO epoch_prices (kind, epoch, price_per_share, executed_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (kind, epoch) DO NOTHING`,
		string(p.Kind), int64(p.Epoch), p.PricePerShare.String(), p.ExecutedAt,
	)
	return err
}

func (s *PostgresStore) EpochPrices(ctx context.Context) ([]model.EpochPrice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, epoch, price_per_share::TEXT, executed_at
		 FROM epoch_prices ORDER BY executed_at, kind, epoch`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EpochPrice
	for rows.Next() {
		var p model.EpochPrice
		var kind, pps string
		var epoch int64
		if err := rows.Scan(&kind, &epoch, &pps, &p.ExecutedAt); err != nil {
			return nil, err
		}
		p.Kind = model.EpochKind(kind)
		p.Epoch = uint64(epoch)
		if err := parseNumerics(numeric{pps, &p.PricePerShare}); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAccountingState(ctx context.Context, st model.AccountingState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounting_state (id, phase, deposit_epoch, withdrawal_epoch,
		        pending_deposits, pending_withdrawals, partitioned_funds, collateral_allocated,
		        ephemeral_liabilities, ephemeral_delta, total_shares)
		 VALUES (1, $1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		        phase = EXCLUDED.phase,
		        deposit_epoch = EXCLUDED.deposit_epoch,
		        withdrawal_epoch = EXCLUDED.withdrawal_epoch,
		        pending_deposits = EXCLUDED.pending_deposits,
		        pending_withdrawals = EXCLUDED.pending_withdrawals,
		        partitioned_funds = EXCLUDED.partitioned_funds,
		        collateral_allocated = EXCLUDED.collateral_allocated,
		        ephemeral_liabilities = EXCLUDED.ephemeral_liabilities,
		        ephemeral_delta = EXCLUDED.ephemeral_delta,
		        total_shares = EXCLUDED.total_shares`,
		st.Phase, int64(st.DepositEpoch), int64(st.WithdrawalEpoch),
		st.PendingDeposits.String(), st.PendingWithdrawals.String(),
		st.PartitionedFunds.String(), st.CollateralAllocated.String(),
		st.EphemeralLiabilities.String(), st.EphemeralDelta.String(),
		st.TotalShares.String(),
	)
	return err
}

func (s *PostgresStore) AccountingState(ctx context.Context) (model.AccountingState, error) {
	var st model.AccountingState
	var depEpoch, wdEpoch int64
	var pd, pw, pf, ca, el, ed, ts string
	err := s.pool.QueryRow(ctx,
		`SELECT phase, deposit_epoch, withdrawal_epoch,
		        pending_deposits::TEXT, pending_withdrawals::TEXT, partitioned_funds::TEXT,
		        collateral_allocated::TEXT, ephemeral_liabilities::TEXT, ephemeral_delta::TEXT,
		        total_shares::TEXT
		 FROM accounting_state WHERE id = 1`).
		Scan(&st.Phase, &depEpoch, &wdEpoch, &pd, &pw, &pf, &ca, &el, &ed, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("accounting state: %w", err)
	}
	st.DepositEpoch = uint64(depEpoch)
	st.WithdrawalEpoch = uint64(wdEpoch)
	err = parseNumerics(
		numeric{pd, &st.PendingDeposits},
		numeric{pw, &st.PendingWithdrawals},
		numeric{pf, &st.PartitionedFunds},
		numeric{ca, &st.CollateralAllocated},
		numeric{el, &st.EphemeralLiabilities},
		numeric{ed, &st.EphemeralDelta},
		numeric{ts, &st.TotalShares},
	)
	return st, err
}

func (s *PostgresStore) SaveReceipts(ctx context.Context, r model.Receipts) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO receipts (account, deposit_epoch, deposit_amount, unredeemed_shares, withdrawal_epoch, withdrawal_shares)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET
		        deposit_epoch = EXCLUDED.deposit_epoch,
		        deposit_amount = EXCLUDED.deposit_amount,
		        unredeemed_shares = EXCLUDED.unredeemed_shares,
		        withdrawal_epoch = EXCLUDED.withdrawal_epoch,
		        withdrawal_shares = EXCLUDED.withdrawal_shares`,
		r.Account,
		int64(r.Deposit.Epoch), r.Deposit.Amount.String(), r.Deposit.UnredeemedShares.String(),
		int64(r.Withdrawal.Epoch), r.Withdrawal.Shares.String(),
	)
	return err
}

func (s *PostgresStore) Receipts(ctx context.Context, account string) (model.Receipts, error) {
	r := model.Receipts{Account: account}
	var depEpoch, wdEpoch int64
	var amount, unredeemed, shares string
	err := s.pool.QueryRow(ctx,
		`SELECT deposit_epoch, deposit_amount::TEXT, unredeemed_shares::TEXT, withdrawal_epoch, withdrawal_shares::TEXT
		 FROM receipts WHERE account = $1`, account).
		Scan(&depEpoch, &amount, &unredeemed, &wdEpoch, &shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return r, fmt.Errorf("receipts %s: %w", account, err)
	}
	r.Deposit.Epoch = uint64(depEpoch)
	r.Withdrawal.Epoch = uint64(wdEpoch)
	err = parseNumerics(
		numeric{amount, &r.Deposit.Amount},
		numeric{unredeemed, &r.Deposit.UnredeemedShares},
		numeric{shares, &r.Withdrawal.Shares},
	)
	return r, err
}

// numeric pairs a NUMERIC column read as text with its destination.
type numeric struct {
	text string
	dst  *fixed.Point
}

func parseNumerics(cols ...numeric) error {
	for _, c := range cols {
		p, err := fixed.Parse(c.text)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", c.text, err)
		}
		*c.dst = p
	}
	return nil
}
