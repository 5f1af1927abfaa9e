package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/atmx/optionpool/internal/model"
)

// Key layout:
//
//	exposure/{series key}                      ExposureRecord
//	snapshot                                   PortfolioSnapshot
//	epoch/{executed unix nanos}/{kind}/{epoch} EpochPrice
//	epochidx/{kind}/{epoch}                    presence marker
//	state                                      AccountingState
//	receipts/{account}                         Receipts
const (
	exposurePrefix = "exposure/"
	epochPrefix    = "epoch/"
	epochIdxPrefix = "epochidx/"
	receiptPrefix  = "receipts/"
	snapshotKey    = "snapshot"
	stateKey       = "state"
)

// PebbleStore implements Store on an embedded Pebble database with JSON
// values. Every write is synced.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens or creates the database in dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) UpsertExposure(_ context.Context, rec model.ExposureRecord) error {
	return s.put([]byte(exposurePrefix+rec.Series.Key()), rec)
}

func (s *PebbleStore) DeleteExposure(_ context.Context, seriesKey string) error {
	return s.db.Delete([]byte(exposurePrefix+seriesKey), pebble.Sync)
}

func (s *PebbleStore) ListExposures(_ context.Context) ([]model.ExposureRecord, error) {
	var out []model.ExposureRecord
	err := s.scan(exposurePrefix, func(val []byte) error {
		var rec model.ExposureRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *PebbleStore) SaveSnapshot(_ context.Context, snap model.PortfolioSnapshot) error {
	return s.put([]byte(snapshotKey), snap)
}

func (s *PebbleStore) LatestSnapshot(_ context.Context) (model.PortfolioSnapshot, error) {
	var snap model.PortfolioSnapshot
	err := s.get([]byte(snapshotKey), &snap)
	return snap, err
}

func (s *PebbleStore) AppendEpochPrice(_ context.Context, p model.EpochPrice) error {
	idx := []byte(fmt.Sprintf("%s%s/%020d", epochIdxPrefix, p.Kind, p.Epoch))
	_, closer, err := s.db.Get(idx)
	if err == nil {
		closer.Close()
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	val, err := json.Marshal(p)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	key := fmt.Sprintf("%s%020d/%s/%020d", epochPrefix, p.ExecutedAt.UnixNano(), p.Kind, p.Epoch)
	if err := b.Set([]byte(key), val, nil); err != nil {
		return err
	}
	if err := b.Set(idx, nil, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) EpochPrices(_ context.Context) ([]model.EpochPrice, error) {
	var out []model.EpochPrice
	err := s.scan(epochPrefix, func(val []byte) error {
		var p model.EpochPrice
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *PebbleStore) SaveAccountingState(_ context.Context, st model.AccountingState) error {
	return s.put([]byte(stateKey), st)
}

func (s *PebbleStore) AccountingState(_ context.Context) (model.AccountingState, error) {
	var st model.AccountingState
	err := s.get([]byte(stateKey), &st)
	return st, err
}

func (s *PebbleStore) SaveReceipts(_ context.Context, r model.Receipts) error {
	return s.put([]byte(receiptPrefix+r.Account), r)
}

func (s *PebbleStore) Receipts(_ context.Context, account string) (model.Receipts, error) {
	var r model.Receipts
	err := s.get([]byte(receiptPrefix+account), &r)
	if errors.Is(err, ErrNotFound) {
		return model.Receipts{Account: account}, nil
	}
	return r, err
}

// -------------------- Helpers --------------------

func (s *PebbleStore) put(key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, val, pebble.Sync)
}

func (s *PebbleStore) get(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

// scan calls fn with every value under prefix in key order.
func (s *PebbleStore) scan(prefix string, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// prefixEnd returns the smallest key greater than every key with prefix.
// Prefixes here end in '/', so bumping the last byte is enough.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}
