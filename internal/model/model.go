// Package model defines the core domain types shared across the pool.
// All amounts, prices and exposures use fixed.Point - never float64 for money.
package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/atmx/optionpool/internal/fixed"
)

// OptionSeries identifies one tradable option contract. Two series are
// identical iff every field matches.
type OptionSeries struct {
	Expiration  int64       `json:"expiration"` // unix seconds
	Strike      fixed.Point `json:"strike"`
	IsPut       bool        `json:"is_put"`
	Underlying  string      `json:"underlying"`
	StrikeAsset string      `json:"strike_asset"`
	Collateral  string      `json:"collateral"`
}

// Key returns the canonical identity of the series, suitable as a map key.
func (s OptionSeries) Key() string {
	return fmt.Sprintf("%d|%s|%t|%s|%s|%s",
		s.Expiration, s.Strike.Scaled().String(), s.IsPut,
		s.Underlying, s.StrikeAsset, s.Collateral)
}

// Hash returns the content hash of (expiration, strike, isPut).
func (s OptionSeries) Hash() SeriesHash {
	return HashOf(s.Expiration, s.Strike, s.IsPut)
}

// ExpiresAt returns the expiration as a time.
func (s OptionSeries) ExpiresAt() time.Time {
	return time.Unix(s.Expiration, 0).UTC()
}

// Expired reports whether the series has expired at now.
func (s OptionSeries) Expired(now time.Time) bool {
	return now.Unix() >= s.Expiration
}

// Flavor returns "put" or "call".
func (s OptionSeries) Flavor() string {
	if s.IsPut {
		return "put"
	}
	return "call"
}

// SeriesHash is the Keccak-256 content hash of an option's economic terms.
// Series that differ only in underlying/strike/collateral asset share a hash,
// and therefore share net exposure for pricing.
type SeriesHash [32]byte

func (h SeriesHash) String() string { return hex.EncodeToString(h[:]) }

func (h SeriesHash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// HashOf hashes the packed encoding of expiration (8 bytes), strike as an
// 18-decimal integer (32 bytes) and isPut (1 byte), all big-endian.
func HashOf(expiration int64, strike fixed.Point, isPut bool) SeriesHash {
	var buf [41]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(expiration))
	strike.Scaled().FillBytes(buf[8:40])
	if isPut {
		buf[40] = 1
	}
	var h SeriesHash
	k := sha3.NewLegacyKeccak256()
	k.Write(buf[:])
	copy(h[:], k.Sum(nil))
	return h
}

// ExposureRecord is the pool's open exposure in one series. Short and long
// are each non-negative.
type ExposureRecord struct {
	Series        OptionSeries `json:"series"`
	SeriesID      string       `json:"series_id"` // option token identifier
	ShortExposure fixed.Point  `json:"short_exposure"`
	LongExposure  fixed.Point  `json:"long_exposure"`
}

// Net returns long - short.
func (r ExposureRecord) Net() fixed.Point {
	return r.LongExposure.Sub(r.ShortExposure)
}

// PortfolioSnapshot aggregates the greeks and mark-to-market value of all
// open exposure at one instant. Value is the pool's signed liability:
// positive when the pool is net short option value.
type PortfolioSnapshot struct {
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Spot      fixed.Point `json:"spot"`
	Delta     fixed.Point `json:"delta"`
	Gamma     fixed.Point `json:"gamma"`
	Vega      fixed.Point `json:"vega"`
	Theta     fixed.Point `json:"theta"`
	Value     fixed.Point `json:"value"`
	Series    int         `json:"series"` // members valued
}

// DepositReceipt tracks an account's deposits awaiting conversion to shares.
type DepositReceipt struct {
	Epoch            uint64      `json:"epoch"`
	Amount           fixed.Point `json:"amount"`
	UnredeemedShares fixed.Point `json:"unredeemed_shares"`
}

// WithdrawalReceipt tracks shares escrowed for withdrawal in an epoch.
type WithdrawalReceipt struct {
	Epoch  uint64      `json:"epoch"`
	Shares fixed.Point `json:"shares"`
}

// Receipts bundles both receipts of one account.
type Receipts struct {
	Account    string            `json:"account"`
	Deposit    DepositReceipt    `json:"deposit"`
	Withdrawal WithdrawalReceipt `json:"withdrawal"`
}

// EpochKind distinguishes the two epoch counters.
type EpochKind string

const (
	EpochDeposit    EpochKind = "deposit"
	EpochWithdrawal EpochKind = "withdrawal"
)

// EpochPrice is the permanent price-per-share fixed for one executed epoch.
type EpochPrice struct {
	Kind          EpochKind   `json:"kind"`
	Epoch         uint64      `json:"epoch"`
	PricePerShare fixed.Point `json:"price_per_share"`
	ExecutedAt    time.Time   `json:"executed_at"`
}

// AccountingState is the externally visible state of the epoch accountant.
type AccountingState struct {
	Phase                string      `json:"phase"` // "open" or "paused"
	DepositEpoch         uint64      `json:"deposit_epoch"`
	WithdrawalEpoch      uint64      `json:"withdrawal_epoch"`
	PendingDeposits      fixed.Point `json:"pending_deposits"`
	PendingWithdrawals   fixed.Point `json:"pending_withdrawals"`
	PartitionedFunds     fixed.Point `json:"partitioned_funds"`
	CollateralAllocated  fixed.Point `json:"collateral_allocated"`
	EphemeralLiabilities fixed.Point `json:"ephemeral_liabilities"`
	EphemeralDelta       fixed.Point `json:"ephemeral_delta"`
	TotalShares          fixed.Point `json:"total_shares"`
}

// Quote is a priced offer for one trade against the pool. IsSell means the
// pool sells (writes) the option to the trader.
type Quote struct {
	ID                 string       `json:"id"`
	Series             OptionSeries `json:"series"`
	Amount             fixed.Point  `json:"amount"`
	IsSell             bool         `json:"is_sell"`
	NetExposureBefore  fixed.Point  `json:"net_exposure_before"`
	Premium            fixed.Point  `json:"premium"`
	Delta              fixed.Point  `json:"delta"`
	Fee                fixed.Point  `json:"fee"`
	Spot               fixed.Point  `json:"spot"`
	ImpliedVol         fixed.Point  `json:"implied_vol"`
	SlippageMultiplier fixed.Point  `json:"slippage_multiplier"`
	QuotedAt           time.Time    `json:"quoted_at"`
	ExpiresAt          time.Time    `json:"expires_at"`
}

// Side returns "sell" or "buy" from the pool's perspective.
func (q Quote) Side() string {
	if q.IsSell {
		return "sell"
	}
	return "buy"
}
