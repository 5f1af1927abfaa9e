// Package events publishes pool state changes to Kafka and to WebSocket
// clients.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/multierr"
)

// Event types.
const (
	TypeTrade          = "trade"
	TypeSnapshot       = "snapshot"
	TypeSeriesRemoved  = "series_removed"
	TypeTradingPaused  = "trading_paused"
	TypeEpochExecuted  = "epoch_executed"
	TypeDeposit        = "deposit"
	TypeWithdrawal     = "withdrawal"
	TypeLiquidation    = "liquidation"
	TypeVaultSettled   = "vault_settled"
	TypeLedgerMigrated = "ledger_migrated"
)

// Event is one pool state change. Key groups related events on the same
// Kafka partition: the series key for exposure events, the account for
// accounting events.
type Event struct {
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// New builds an event, encoding payload as JSON.
func New(typ, key string, at time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Key: key, At: at.UTC(), Payload: raw}, nil
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Multi fans every event out to all publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Publish(ctx, e))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Close())
	}
	return err
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.Events = append(r.Events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Types returns the type of every recorded event in order.
func (r *Recorder) Types() []string {
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
