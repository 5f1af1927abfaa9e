package epoch

import "time"

// Phase is the accountant's trading phase: Open or Paused. Only
// ExecuteEpochCalculation moves Paused back to Open.
type Phase interface {
	phase() string
}

// Open accepts deposits, withdrawal requests and trades.
type Open struct{}

// Paused is entered by PauseTradingAndRequest. Epoch execution waits for a
// snapshot with a sequence number above AfterSeq.
type Paused struct {
	RequestID   string
	RequestedAt time.Time
	AfterSeq    uint64
}

func (Open) phase() string   { return "open" }
func (Paused) phase() string { return "paused" }

// PhaseName returns "open" or "paused".
func PhaseName(p Phase) string { return p.phase() }
