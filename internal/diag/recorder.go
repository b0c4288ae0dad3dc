// Package diag records per-symbol decision snapshots for observability.
package diag

import (
	"sync"
	"time"
)

// DefaultCapacity is the per-symbol snapshot history size.
const DefaultCapacity = 50

// Metrics are the computed per-evaluation values. Pointer fields are nil
// when the evaluation stopped before the value was computed.
type Metrics struct {
	ImbalanceAvg *float64 `json:"imb_avg"`
	DepthRatio   *float64 `json:"depth_ratio"`
	DeltaSlope   string   `json:"delta_slope"` // up, down or flat
	Momentum     string   `json:"momentum"`    // HHHL, LLLH or -
	Absorption   bool     `json:"absorption"`
}

// Filters carries per-filter pass/fail flags. Nil means not evaluated.
type Filters struct {
	SessionOK *bool `json:"session_ok"`
	VwapOK    *bool `json:"vwap_ok"`
	SpreadOK  bool  `json:"spread_ok"`
	JumpOK    bool  `json:"jump_ok"`
}

// Signals carries the composed entry signal flags.
type Signals struct {
	LongOK  bool `json:"long_ok"`
	ShortOK bool `json:"short_ok"`
}

// Position describes the engine position at snapshot time.
type Position struct {
	State      string   `json:"state"` // FLAT, LONG or SHORT
	EntryPrice *float64 `json:"entry_price"`
}

// Snapshot is one decision record emitted per evaluated tick.
type Snapshot struct {
	TS       time.Time `json:"ts"`
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Vwap     float64   `json:"vwap"`
	Metrics  Metrics   `json:"metrics"`
	Filters  Filters   `json:"filters"`
	Signals  Signals   `json:"signals"`
	Decision string    `json:"decision"` // ENTER_LONG, ENTER_SHORT, EXIT or HOLD
	Position Position  `json:"position"`
}

// Recorder keeps a bounded history of snapshots per symbol. Safe for
// concurrent writers.
type Recorder struct {
	mu       sync.RWMutex
	capacity int
	bySymbol map[string][]Snapshot
}

// NewRecorder creates a recorder with the given per-symbol capacity
// (DefaultCapacity when n <= 0).
func NewRecorder(n int) *Recorder {
	if n <= 0 {
		n = DefaultCapacity
	}
	return &Recorder{
		capacity: n,
		bySymbol: make(map[string][]Snapshot),
	}
}

// Record appends a snapshot, evicting the oldest beyond capacity.
func (r *Recorder) Record(symbol string, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := append(r.bySymbol[symbol], snap)
	if len(hist) > r.capacity {
		hist = hist[len(hist)-r.capacity:]
	}
	r.bySymbol[symbol] = hist
}

// LatestAll returns the most recent snapshot per symbol.
func (r *Recorder) LatestAll() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.bySymbol))
	for sym, hist := range r.bySymbol {
		if len(hist) > 0 {
			out[sym] = hist[len(hist)-1]
		}
	}
	return out
}

// Recent returns the last n snapshots for one symbol, oldest first.
func (r *Recorder) Recent(symbol string, n int) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hist := r.bySymbol[symbol]
	if n <= 0 || n > len(hist) {
		n = len(hist)
	}
	out := make([]Snapshot, n)
	copy(out, hist[len(hist)-n:])
	return out
}
