package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/optionpool/internal/model"
)

type epochKey struct {
	kind  model.EpochKind
	epoch uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	exposures map[string]model.ExposureRecord
	snapshot  *model.PortfolioSnapshot
	prices    []model.EpochPrice
	seen      map[epochKey]bool
	state     *model.AccountingState
	receipts  map[string]model.Receipts
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exposures: make(map[string]model.ExposureRecord),
		seen:      make(map[epochKey]bool),
		receipts:  make(map[string]model.Receipts),
	}
}

func (s *MemoryStore) UpsertExposure(_ context.Context, rec model.ExposureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposures[rec.Series.Key()] = rec
	return nil
}

func (s *MemoryStore) DeleteExposure(_ context.Context, seriesKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exposures, seriesKey)
	return nil
}

func (s *MemoryStore) ListExposures(_ context.Context) ([]model.ExposureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.exposures))
	for k := range s.exposures {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]model.ExposureRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.exposures[k])
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = &snap
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context) (model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return model.PortfolioSnapshot{}, ErrNotFound
	}
	return *s.snapshot, nil
}

func (s *MemoryStore) AppendEpochPrice(_ context.Context, p model.EpochPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := epochKey{p.Kind, p.Epoch}
	if s.seen[k] {
		return nil
	}
	s.seen[k] = true
	s.prices = append(s.prices, p)
	return nil
}

func (s *MemoryStore) EpochPrices(_ context.Context) ([]model.EpochPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EpochPrice, len(s.prices))
	copy(out, s.prices)
	return out, nil
}

func (s *MemoryStore) SaveAccountingState(_ context.Context, st model.AccountingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &st
	return nil
}

func (s *MemoryStore) AccountingState(_ context.Context) (model.AccountingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return model.AccountingState{}, ErrNotFound
	}
	return *s.state, nil
}

func (s *MemoryStore) SaveReceipts(_ context.Context, r model.Receipts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[r.Account] = r
	return nil
}

func (s *MemoryStore) Receipts(_ context.Context, account string) (model.Receipts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[account]
	if !ok {
		return model.Receipts{Account: account}, nil
	}
	return r, nil
}

func (s *MemoryStore) Close() error { return nil }
