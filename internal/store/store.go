// Package store persists a mirror of the pool's state. Implementations
// include PostgreSQL, an embedded Pebble database, a Redis read-through
// cache and an in-memory store for tests.
//
// The in-memory pool is authoritative; the store is written after each
// successful operation. Only exposure records and the snapshot are read
// back, to recover the exposure ledger.
package store

import (
	"context"
	"errors"

	"github.com/atmx/optionpool/internal/model"
)

// ErrNotFound is returned when a singleton record has never been saved.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface.
type Store interface {
	// --- Exposure ledger ---

	// UpsertExposure writes the record keyed by its series.
	UpsertExposure(ctx context.Context, rec model.ExposureRecord) error

	// DeleteExposure removes the record of the series with the given key.
	DeleteExposure(ctx context.Context, seriesKey string) error

	// ListExposures returns every stored record ordered by series key.
	ListExposures(ctx context.Context) ([]model.ExposureRecord, error)

	// SaveSnapshot replaces the latest portfolio snapshot.
	SaveSnapshot(ctx context.Context, snap model.PortfolioSnapshot) error

	// LatestSnapshot returns the last saved snapshot or ErrNotFound.
	LatestSnapshot(ctx context.Context) (model.PortfolioSnapshot, error)

	// --- Epoch accountant ---

	// AppendEpochPrice records a fixed epoch price. Prices are immutable;
	// writing an existing (kind, epoch) again is a no-op.
	AppendEpochPrice(ctx context.Context, p model.EpochPrice) error

	// EpochPrices returns the price history in execution order.
	EpochPrices(ctx context.Context) ([]model.EpochPrice, error)

	// SaveAccountingState replaces the accounting state.
	SaveAccountingState(ctx context.Context, st model.AccountingState) error

	// AccountingState returns the last saved state or ErrNotFound.
	AccountingState(ctx context.Context) (model.AccountingState, error)

	// SaveReceipts replaces the receipts of r.Account.
	SaveReceipts(ctx context.Context, r model.Receipts) error

	// Receipts returns the account's receipts, zero-valued if none.
	Receipts(ctx context.Context, account string) (model.Receipts, error)

	Close() error
}
