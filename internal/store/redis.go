package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/atmx/optionpool/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// the hot read paths: latest snapshot, epoch history and receipts. Writes
// go to the primary store and refresh or invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
}

// NewCachedStore creates a cached wrapper around a primary store. Keys are
// namespaced by prefix so several pools can share one Redis.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, prefix string) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  prefix,
	}
}

// --- Write-through ---

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap model.PortfolioSnapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cache(ctx, s.snapshotKey(), snap)
	return nil
}

func (s *CachedStore) AppendEpochPrice(ctx context.Context, p model.EpochPrice) error {
	if err := s.primary.AppendEpochPrice(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, s.epochsKey())
	return nil
}

func (s *CachedStore) SaveReceipts(ctx context.Context, r model.Receipts) error {
	if err := s.primary.SaveReceipts(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, s.receiptsKey(r.Account))
	return nil
}

// --- Read-through ---

func (s *CachedStore) LatestSnapshot(ctx context.Context) (model.PortfolioSnapshot, error) {
	var snap model.PortfolioSnapshot
	if s.cached(ctx, s.snapshotKey(), &snap) {
		return snap, nil
	}
	snap, err := s.primary.LatestSnapshot(ctx)
	if err != nil {
		return snap, err
	}
	s.cache(ctx, s.snapshotKey(), snap)
	return snap, nil
}

func (s *CachedStore) EpochPrices(ctx context.Context) ([]model.EpochPrice, error) {
	var prices []model.EpochPrice
	if s.cached(ctx, s.epochsKey(), &prices) {
		return prices, nil
	}
	prices, err := s.primary.EpochPrices(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, s.epochsKey(), prices)
	return prices, nil
}

func (s *CachedStore) Receipts(ctx context.Context, account string) (model.Receipts, error) {
	var r model.Receipts
	if s.cached(ctx, s.receiptsKey(account), &r) {
		return r, nil
	}
	r, err := s.primary.Receipts(ctx, account)
	if err != nil {
		return r, err
	}
	s.cache(ctx, s.receiptsKey(account), r)
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) UpsertExposure(ctx context.Context, rec model.ExposureRecord) error {
	return s.primary.UpsertExposure(ctx, rec)
}

func (s *CachedStore) DeleteExposure(ctx context.Context, seriesKey string) error {
	return s.primary.DeleteExposure(ctx, seriesKey)
}

func (s *CachedStore) ListExposures(ctx context.Context) ([]model.ExposureRecord, error) {
	return s.primary.ListExposures(ctx)
}

func (s *CachedStore) SaveAccountingState(ctx context.Context, st model.AccountingState) error {
	return s.primary.SaveAccountingState(ctx, st)
}

func (s *CachedStore) AccountingState(ctx context.Context) (model.AccountingState, error) {
	return s.primary.AccountingState(ctx)
}

// Close closes the primary store and the Redis client.
func (s *CachedStore) Close() error {
	return multierr.Combine(s.primary.Close(), s.rdb.Close())
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) cached(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) snapshotKey() string { return fmt.Sprintf("%s:snapshot", s.prefix) }
func (s *CachedStore) epochsKey() string   { return fmt.Sprintf("%s:epochs", s.prefix) }
func (s *CachedStore) receiptsKey(account string) string {
	return fmt.Sprintf("%s:receipts:%s", s.prefix, account)
}
