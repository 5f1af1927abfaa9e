// Package epoch implements the Epoch Accountant: batched conversion between
// the reserve asset and pool shares at one price per epoch.
//
// Deposits and withdrawal requests only accrue during an epoch. A keeper
// pauses trading, forces a fresh portfolio snapshot, then executes the
// epoch, which fixes the price per share from NAV and settles everything
// pending at that price. Shares are never minted in the call that deposits,
// so NAV cannot be moved and cashed in within one call.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/optionpool/internal/access"
	"github.com/atmx/optionpool/internal/fixed"
	"github.com/atmx/optionpool/internal/model"
	"github.com/atmx/optionpool/internal/oracle"
	"github.com/atmx/optionpool/internal/token"
)

var (
	ErrTradingPaused           = errors.New("epoch: trading paused")
	ErrTradingNotPaused        = errors.New("epoch: trading not paused")
	ErrSnapshotNotFulfilled    = errors.New("epoch: no snapshot fulfilled since pause")
	ErrStaleSnapshot           = errors.New("epoch: snapshot is stale")
	ErrLiabilitiesExceedAssets = errors.New("epoch: liabilities exceed assets")
	ErrCollateralCapReached    = errors.New("epoch: collateral cap reached")
	ErrInvalidAmount           = errors.New("epoch: amount must be positive")
	ErrInsufficientShares      = errors.New("epoch: insufficient shares")
	ErrNoWithdrawal            = errors.New("epoch: no withdrawal to complete")
	ErrEpochNotSettled         = errors.New("epoch: withdrawal epoch not yet executed")
	ErrInsufficientFreeReserve = errors.New("epoch: insufficient free reserve")
)

// SnapshotSource is the exposure ledger as seen by the accountant.
type SnapshotSource interface {
	Snapshot() (model.PortfolioSnapshot, bool)
	Seq() uint64
}

// Config holds accountant settings.
type Config struct {
	// Pool is the account that holds reserve, minted-but-unredeemed shares
	// and escrowed withdrawal shares.
	Pool string

	// Underlying and StrikeAsset name the pair the snapshot spot is
	// checked against.
	Underlying  string
	StrikeAsset string

	// CollateralCap bounds total pool assets after a deposit. Zero disables.
	CollateralCap fixed.Point

	// MaxTimeDeviation bounds snapshot age at execution. Zero disables.
	MaxTimeDeviation time.Duration

	// MaxPriceDeviation bounds |oracle - snapshot spot| / snapshot spot at
	// execution. Zero disables.
	MaxPriceDeviation fixed.Point
}

// Result describes one executed epoch.
type Result struct {
	DepositEpoch       uint64
	WithdrawalEpoch    uint64
	NAV                fixed.Point
	PricePerShare      fixed.Point
	SharesMinted       fixed.Point
	SharesBurned       fixed.Point
	Partitioned        fixed.Point
	WithdrawalDeferred bool
}

// Accountant is the Epoch Accountant. Not safe for concurrent use.
type Accountant struct {
	roles   *access.Registry
	reserve *token.Ledger
	shares  *token.Ledger
	ledger  SnapshotSource
	feed    oracle.PriceFeed
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	phase           Phase
	depositEpoch    uint64
	withdrawalEpoch uint64

	pendingDeposits      fixed.Point
	pendingWithdrawals   fixed.Point
	partitionedFunds     fixed.Point
	collateralAllocated  fixed.Point
	ephemeralLiabilities fixed.Point
	ephemeralDelta       fixed.Point

	depositPrices    map[uint64]fixed.Point
	withdrawalPrices map[uint64]fixed.Point
	history          []model.EpochPrice

	deposits    map[string]*model.DepositReceipt
	withdrawals map[string]*model.WithdrawalReceipt
}

// NewAccountant creates an accountant in the Open phase at epoch 1.
func NewAccountant(
	roles *access.Registry,
	reserve, shares *token.Ledger,
	ledger SnapshotSource,
	feed oracle.PriceFeed,
	cfg Config,
) *Accountant {
	return &Accountant{
		roles:            roles,
		reserve:          reserve,
		shares:           shares,
		ledger:           ledger,
		feed:             feed,
		cfg:              cfg,
		logger:           slog.Default(),
		now:              time.Now,
		phase:            Open{},
		depositEpoch:     1,
		withdrawalEpoch:  1,
		depositPrices:    make(map[uint64]fixed.Point),
		withdrawalPrices: make(map[uint64]fixed.Point),
		deposits:         make(map[string]*model.DepositReceipt),
		withdrawals:      make(map[string]*model.WithdrawalReceipt),
	}
}

// SetClock overrides the time source.
func (a *Accountant) SetClock(now func() time.Time) { a.now = now }

// SetLogger overrides the logger.
func (a *Accountant) SetLogger(logger *slog.Logger) { a.logger = logger }

// Deposit moves amount of reserve from account into the pool and records
// it against the current deposit epoch.
func (a *Accountant) Deposit(account string, amount fixed.Point) error {
	if err := a.RequireOpen(); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if a.cfg.CollateralCap.IsPositive() {
		total := a.totalAssets().Add(amount)
		if total.GreaterThan(a.cfg.CollateralCap) {
			return fmt.Errorf("%w: %s > %s", ErrCollateralCapReached, total, a.cfg.CollateralCap)
		}
	}

	receipt := a.settledDeposit(account)
	if err := a.reserve.Transfer(account, a.cfg.Pool, amount); err != nil {
		return err
	}
	receipt.Epoch = a.depositEpoch
	receipt.Amount = receipt.Amount.Add(amount)
	a.deposits[account] = &receipt
	a.pendingDeposits = a.pendingDeposits.Add(amount)

	a.logger.Info("deposit",
		"account", account,
		"amount", amount.String(),
		"epoch", a.depositEpoch,
	)
	return nil
}

// Redeem transfers shares from the account's settled deposits to the
// account. Allowed in either phase.
func (a *Accountant) Redeem(account string, shares fixed.Point) error {
	if !shares.IsPositive() {
		return ErrInvalidAmount
	}
	receipt := a.settledDeposit(account)
	if shares.GreaterThan(receipt.UnredeemedShares) {
		return fmt.Errorf("%w: redeem %s of %s", ErrInsufficientShares, shares, receipt.UnredeemedShares)
	}
	if err := a.shares.Transfer(a.cfg.Pool, account, shares); err != nil {
		return err
	}
	receipt.UnredeemedShares = receipt.UnredeemedShares.Sub(shares)
	a.deposits[account] = &receipt
	return nil
}

// InitiateWithdraw escrows shares for withdrawal in the current epoch.
// Unredeemed deposit shares are redeemed first and a withdrawal from an
// executed epoch is completed first.
func (a *Accountant) InitiateWithdraw(account string, shares fixed.Point) error {
	if err := a.RequireOpen(); err != nil {
		return err
	}
	if !shares.IsPositive() {
		return ErrInvalidAmount
	}

	deposit := a.settledDeposit(account)
	available := a.shares.BalanceOf(account).Add(deposit.UnredeemedShares)
	if shares.GreaterThan(available) {
		return fmt.Errorf("%w: withdraw %s of %s", ErrInsufficientShares, shares, available)
	}

	w := a.withdrawalReceipt(account)
	if w.Shares.IsPositive() && w.Epoch < a.withdrawalEpoch {
		if _, err := a.CompleteWithdraw(account); err != nil {
			return err
		}
		w = a.withdrawalReceipt(account)
	}

	if deposit.UnredeemedShares.IsPositive() {
		if err := a.shares.Transfer(a.cfg.Pool, account, deposit.UnredeemedShares); err != nil {
			return err
		}
		deposit.UnredeemedShares = fixed.Zero
	}
	a.deposits[account] = &deposit

	if err := a.shares.Transfer(account, a.cfg.Pool, shares); err != nil {
		return err
	}
	w.Epoch = a.withdrawalEpoch
	w.Shares = w.Shares.Add(shares)
	a.withdrawals[account] = &w
	a.pendingWithdrawals = a.pendingWithdrawals.Add(shares)

	a.logger.Info("withdrawal initiated",
		"account", account,
		"shares", shares.String(),
		"epoch", a.withdrawalEpoch,
	)
	return nil
}

// CompleteWithdraw pays out the account's withdrawal from an executed epoch
// from PartitionedFunds. Allowed in either phase.
func (a *Accountant) CompleteWithdraw(account string) (fixed.Point, error) {
	w := a.withdrawalReceipt(account)
	if !w.Shares.IsPositive() {
		return fixed.Zero, ErrNoWithdrawal
	}
	if w.Epoch >= a.withdrawalEpoch {
		return fixed.Zero, fmt.Errorf("%w: epoch %d", ErrEpochNotSettled, w.Epoch)
	}
	amount := fixed.Min(w.Shares.Mul(a.withdrawalPrices[w.Epoch]), a.partitionedFunds)
	if err := a.reserve.Transfer(a.cfg.Pool, account, amount); err != nil {
		return fixed.Zero, err
	}
	a.partitionedFunds = a.partitionedFunds.Sub(amount)
	w.Shares = fixed.Zero
	a.withdrawals[account] = &w

	a.logger.Info("withdrawal completed",
		"account", account,
		"amount", amount.String(),
		"epoch", w.Epoch,
	)
	return amount, nil
}

// PauseTradingAndRequest pauses trading and returns a request id. Epoch
// execution then requires a snapshot fulfilled after this call.
func (a *Accountant) PauseTradingAndRequest(caller string) (string, error) {
	if err := a.roles.Require(access.Keeper, caller); err != nil {
		return "", err
	}
	if err := a.RequireOpen(); err != nil {
		return "", err
	}
	p := Paused{
		RequestID:   uuid.New().String(),
		RequestedAt: a.now().UTC(),
		AfterSeq:    a.ledger.Seq(),
	}
	a.phase = p

	a.logger.Info("trading paused",
		"request_id", p.RequestID,
		"after_seq", p.AfterSeq,
	)
	return p.RequestID, nil
}

// ExecuteEpochCalculation prices the current epochs from NAV, settles all
// pending deposits and withdrawals at that price and reopens trading.
//
// When free reserve cannot cover the withdrawals, the withdrawal epoch is
// left open (deferred) while the deposit side still executes.
func (a *Accountant) ExecuteEpochCalculation(ctx context.Context, caller string) (Result, error) {
	if err := a.roles.Require(access.Keeper, caller); err != nil {
		return Result{}, err
	}
	paused, ok := a.phase.(Paused)
	if !ok {
		return Result{}, ErrTradingNotPaused
	}
	snap, ok := a.ledger.Snapshot()
	if !ok || snap.Seq <= paused.AfterSeq {
		return Result{}, ErrSnapshotNotFulfilled
	}
	if err := a.checkFresh(ctx, snap); err != nil {
		return Result{}, err
	}

	nav, err := a.nav(snap)
	if err != nil {
		return Result{}, err
	}

	pps := fixed.One
	supply := a.shares.TotalSupply()
	if supply.IsPositive() {
		pps, err = nav.Sub(a.pendingDeposits).Div(supply)
		if err != nil {
			return Result{}, err
		}
		if !pps.IsPositive() {
			return Result{}, fmt.Errorf("%w: price per share %s", ErrLiabilitiesExceedAssets, pps)
		}
	}

	minted, err := a.pendingDeposits.Div(pps)
	if err != nil {
		return Result{}, err
	}
	owed := a.pendingWithdrawals.Mul(pps)
	deferred := owed.GreaterThan(a.FreeReserve())

	// All checks passed; apply.
	now := a.now().UTC()
	res := Result{
		DepositEpoch:       a.depositEpoch,
		WithdrawalEpoch:    a.withdrawalEpoch,
		NAV:                nav,
		PricePerShare:      pps,
		SharesMinted:       minted,
		WithdrawalDeferred: deferred,
	}

	if err := a.shares.Mint(a.cfg.Pool, minted); err != nil {
		return Result{}, err
	}
	a.depositPrices[a.depositEpoch] = pps
	a.history = append(a.history, model.EpochPrice{
		Kind: model.EpochDeposit, Epoch: a.depositEpoch, PricePerShare: pps, ExecutedAt: now,
	})
	a.pendingDeposits = fixed.Zero
	a.depositEpoch++

	if deferred {
		a.logger.Warn("withdrawal epoch deferred",
			"epoch", a.withdrawalEpoch,
			"owed", owed.String(),
			"free_reserve", a.FreeReserve().String(),
		)
	} else {
		if err := a.shares.Burn(a.cfg.Pool, a.pendingWithdrawals); err != nil {
			return Result{}, err
		}
		a.partitionedFunds = a.partitionedFunds.Add(owed)
		a.withdrawalPrices[a.withdrawalEpoch] = pps
		a.history = append(a.history, model.EpochPrice{
			Kind: model.EpochWithdrawal, Epoch: a.withdrawalEpoch, PricePerShare: pps, ExecutedAt: now,
		})
		res.SharesBurned = a.pendingWithdrawals
		res.Partitioned = owed
		a.pendingWithdrawals = fixed.Zero
		a.withdrawalEpoch++
	}

	a.ResetEphemeral()
	a.phase = Open{}

	a.logger.Info("epoch executed",
		"deposit_epoch", res.DepositEpoch,
		"withdrawal_epoch", res.WithdrawalEpoch,
		"nav", nav.String(),
		"price_per_share", pps.String(),
		"minted", minted.String(),
		"partitioned", res.Partitioned.String(),
	)
	return res, nil
}

// RequireOpen returns ErrTradingPaused unless the phase is Open.
func (a *Accountant) RequireOpen() error {
	if _, ok := a.phase.(Open); !ok {
		return ErrTradingPaused
	}
	return nil
}

// FreeReserve is the pool's reserve balance not segregated for withdrawals.
func (a *Accountant) FreeReserve() fixed.Point {
	free := a.reserve.BalanceOf(a.cfg.Pool).Sub(a.partitionedFunds)
	if free.IsNegative() {
		return fixed.Zero
	}
	return free
}

// AllocateCollateral records amount of free reserve locked as collateral.
func (a *Accountant) AllocateCollateral(amount fixed.Point) error {
	if amount.GreaterThan(a.FreeReserve()) {
		return fmt.Errorf("%w: need %s, free %s", ErrInsufficientFreeReserve, amount, a.FreeReserve())
	}
	a.collateralAllocated = a.collateralAllocated.Add(amount)
	return nil
}

// ReleaseCollateral records amount of collateral returned by the engine.
func (a *Accountant) ReleaseCollateral(amount fixed.Point) {
	a.collateralAllocated = fixed.Max(fixed.Zero, a.collateralAllocated.Sub(amount))
}

// AddEphemeral accumulates the signed liability and delta of trades made
// since the last snapshot.
func (a *Accountant) AddEphemeral(liability, delta fixed.Point) {
	a.ephemeralLiabilities = a.ephemeralLiabilities.Add(liability)
	a.ephemeralDelta = a.ephemeralDelta.Add(delta)
}

// ResetEphemeral clears ephemeral values once a snapshot covers them.
func (a *Accountant) ResetEphemeral() {
	a.ephemeralLiabilities = fixed.Zero
	a.ephemeralDelta = fixed.Zero
}

// NAV returns the current net asset value using the cached snapshot.
func (a *Accountant) NAV() (fixed.Point, error) {
	snap, _ := a.ledger.Snapshot()
	return a.nav(snap)
}

// Phase returns the current phase.
func (a *Accountant) Phase() Phase { return a.phase }

// DepositPrice returns the price per share fixed for deposit epoch e.
func (a *Accountant) DepositPrice(e uint64) (fixed.Point, bool) {
	p, ok := a.depositPrices[e]
	return p, ok
}

// WithdrawalPrice returns the price per share fixed for withdrawal epoch e.
func (a *Accountant) WithdrawalPrice(e uint64) (fixed.Point, bool) {
	p, ok := a.withdrawalPrices[e]
	return p, ok
}

// History returns every fixed epoch price in execution order.
func (a *Accountant) History() []model.EpochPrice {
	out := make([]model.EpochPrice, len(a.history))
	copy(out, a.history)
	return out
}

// Receipts returns the account's receipts as stored; settlement of a
// receipt from an executed epoch happens on the account's next action.
func (a *Accountant) Receipts(account string) model.Receipts {
	return model.Receipts{
		Account:    account,
		Deposit:    a.depositReceipt(account),
		Withdrawal: a.withdrawalReceipt(account),
	}
}

// State returns the externally visible accounting state.
func (a *Accountant) State() model.AccountingState {
	return model.AccountingState{
		Phase:                PhaseName(a.phase),
		DepositEpoch:         a.depositEpoch,
		WithdrawalEpoch:      a.withdrawalEpoch,
		PendingDeposits:      a.pendingDeposits,
		PendingWithdrawals:   a.pendingWithdrawals,
		PartitionedFunds:     a.partitionedFunds,
		CollateralAllocated:  a.collateralAllocated,
		EphemeralLiabilities: a.ephemeralLiabilities,
		EphemeralDelta:       a.ephemeralDelta,
		TotalShares:          a.shares.TotalSupply(),
	}
}

// totalAssets is reserve held plus collateral out at the engine, excluding
// funds already owed to withdrawers.
func (a *Accountant) totalAssets() fixed.Point {
	return a.reserve.BalanceOf(a.cfg.Pool).Add(a.collateralAllocated).Sub(a.partitionedFunds)
}

func (a *Accountant) nav(snap model.PortfolioSnapshot) (fixed.Point, error) {
	nav := a.totalAssets().Sub(a.ephemeralLiabilities).Sub(snap.Value)
	if nav.IsNegative() {
		return fixed.Zero, fmt.Errorf("%w: nav %s", ErrLiabilitiesExceedAssets, nav)
	}
	return nav, nil
}

func (a *Accountant) checkFresh(ctx context.Context, snap model.PortfolioSnapshot) error {
	if a.cfg.MaxTimeDeviation > 0 {
		if age := a.now().Sub(snap.Timestamp); age > a.cfg.MaxTimeDeviation {
			return fmt.Errorf("%w: age %s", ErrStaleSnapshot, age)
		}
	}
	if a.cfg.MaxPriceDeviation.IsPositive() {
		spot, err := a.feed.NormalizedRate(ctx, a.cfg.Underlying, a.cfg.StrikeAsset)
		if err != nil {
			return err
		}
		dev, err := spot.Sub(snap.Spot).Abs().Div(snap.Spot)
		if err != nil || dev.GreaterThan(a.cfg.MaxPriceDeviation) {
			return fmt.Errorf("%w: spot %s, snapshot %s", ErrStaleSnapshot, spot, snap.Spot)
		}
	}
	return nil
}

// settledDeposit returns a copy of the account's deposit receipt with any
// amount from an executed epoch converted to unredeemed shares.
func (a *Accountant) settledDeposit(account string) model.DepositReceipt {
	r := a.depositReceipt(account)
	if r.Amount.IsPositive() && r.Epoch < a.depositEpoch {
		if pps, ok := a.depositPrices[r.Epoch]; ok {
			shares, err := r.Amount.Div(pps)
			if err == nil {
				r.UnredeemedShares = r.UnredeemedShares.Add(shares)
				r.Amount = fixed.Zero
			}
		}
	}
	return r
}

func (a *Accountant) depositReceipt(account string) model.DepositReceipt {
	if r, ok := a.deposits[account]; ok {
		return *r
	}
	return model.DepositReceipt{}
}

func (a *Accountant) withdrawalReceipt(account string) model.WithdrawalReceipt {
	if r, ok := a.withdrawals[account]; ok {
		return *r
	}
	return model.WithdrawalReceipt{}
}
