// Package types defines shared data structures used across all services.
//
// This package is the common vocabulary for the bot — watchlist entries,
// entry signals, open positions, exit signals, completed trades, and the
// orchestrator's view of service health. Every record here is persisted as
// JSON in the shared state directory, so field tags are part of the on-disk
// contract between services. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// BreakoutRef identifies which reference price a breakout was measured
// against. The scanner tries them in priority order: pre-market high from
// the watchlist, then the session high of the 5-minute series, then the
// prior daily close.
type BreakoutRef string

const (
	RefPremarketHigh BreakoutRef = "premarket_high"
	RefSessionHigh   BreakoutRef = "session_high"
	RefPriorClose    BreakoutRef = "prior_close"
)

// ExitReason enumerates why the monitor decided to close a position.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"     // price fell to the stop below entry
	ExitTrailingStop ExitReason = "trailing_stop" // price fell to a ratcheted stop above entry
	ExitDeceleration ExitReason = "deceleration"  // momentum fading while in profit
	ExitEndOfDay     ExitReason = "eod"           // forced liquidation before the close
)

// Tier buckets an entry signal's score into a position-sizing class.
type Tier string

const (
	TierStandard Tier = "standard" // score 60–84
	TierStrong   Tier = "strong"   // score 85–94
	TierMaximum  Tier = "maximum"  // score 95+
)

// TierForScore maps a signal score to its sizing tier.
func TierForScore(score int) Tier {
	switch {
	case score >= 95:
		return TierMaximum
	case score >= 85:
		return TierStrong
	default:
		return TierStandard
	}
}

// EquityPct returns the fraction of account equity allocated to a new
// position in this tier.
func (t Tier) EquityPct() float64 {
	switch t {
	case TierMaximum:
		return 0.10
	case TierStrong:
		return 0.07
	default:
		return 0.05
	}
}

// ————————————————————————————————————————————————————————————————————————
// Watchlist
// ————————————————————————————————————————————————————————————————————————

// WatchlistEntry is one pre-market gap candidate selected for the day.
type WatchlistEntry struct {
	Symbol          string  `json:"symbol"`
	Rank            int     `json:"rank"` // 1 = highest score
	PriorClose      float64 `json:"prior_close"`
	PremarketPrice  float64 `json:"premarket_price"`
	PremarketHigh   float64 `json:"premarket_high"`
	PremarketVolume int64   `json:"premarket_volume"`
	GapPct          float64 `json:"gap_pct"`         // (pm_price − prior_close) / prior_close
	RelativeVolume  float64 `json:"relative_volume"` // normalized pm volume vs 20-day average
	Score           float64 `json:"score"`           // gap × rel_vol × 100 × float_factor
}

// Watchlist is the daily output of the pre-market scanner. At most one is
// produced per trading date; the scanner reads it until the next day.
type Watchlist struct {
	Date        string           `json:"date"` // trading date, YYYY-MM-DD in exchange time
	GeneratedAt time.Time        `json:"generated_at"`
	Size        int              `json:"watchlist_size"`
	Entries     []WatchlistEntry `json:"watchlist"`
}

// Entry returns the watchlist entry for symbol, or nil.
func (w *Watchlist) Entry(symbol string) *WatchlistEntry {
	if w == nil {
		return nil
	}
	for i := range w.Entries {
		if w.Entries[i].Symbol == symbol {
			return &w.Entries[i]
		}
	}
	return nil
}

// Symbols returns the symbols in rank order.
func (w *Watchlist) Symbols() []string {
	if w == nil {
		return nil
	}
	out := make([]string, 0, len(w.Entries))
	for _, e := range w.Entries {
		out = append(out, e.Symbol)
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is a scored entry candidate emitted by the scanner. Signals are
// short-lived: the buyer must never act on one older than the configured
// maximum age (60 s by default).
type Signal struct {
	Symbol         string      `json:"symbol"`
	Timestamp      time.Time   `json:"timestamp"`
	Price          float64     `json:"price"` // reference price when the signal fired
	Score          int         `json:"score"` // 60–95
	VWAP           float64     `json:"vwap"`
	RSI            float64     `json:"rsi"`
	BreakoutPct    float64     `json:"breakout_pct"`
	BreakoutRef    BreakoutRef `json:"breakout_ref"`
	RelativeVolume float64     `json:"relative_volume"`
	PremarketHigh  float64     `json:"premarket_high,omitempty"`
	GapPct         float64     `json:"gap_pct,omitempty"`

	// Short-horizon momentum context from the 2-minute series. Informational;
	// entry decisions do not depend on them.
	Velocity     float64 `json:"velocity,omitempty"`
	Acceleration float64 `json:"acceleration,omitempty"`
}

// Age returns how old the signal is at the given instant.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Fresh reports whether the signal may still be acted upon.
func (s Signal) Fresh(now time.Time, maxAge time.Duration) bool {
	return s.Age(now) <= maxAge
}

// Key identifies a signal for duplicate suppression.
func (s Signal) Key() string {
	return s.Symbol + "@" + s.Timestamp.UTC().Format(time.RFC3339Nano)
}

// SignalBatch is the document written to signals.json: the full output of
// one scanner cycle, ordered by score descending (ties: higher relative
// volume, then earlier timestamp).
type SignalBatch struct {
	GeneratedAt time.Time `json:"generated_at"`
	Signals     []Signal  `json:"signals"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is one open holding. Created by the buyer on fill, stop-ratcheted
// by the monitor, removed by the seller after the exit fill. CurrentStop is
// monotonically non-decreasing once raised above the initial stop.
type Position struct {
	Symbol      string    `json:"symbol"`
	EntryPrice  float64   `json:"entry_price"`
	Quantity    int64     `json:"quantity"`
	EntryTime   time.Time `json:"entry_time"`
	CurrentStop float64   `json:"current_stop"`
	PeakPrice   float64   `json:"peak_price"`

	// Entry context carried from the originating signal.
	SignalScore int     `json:"signal_score"`
	SignalPrice float64 `json:"signal_price"`
	VWAPAtEntry float64 `json:"vwap_at_entry,omitempty"`
	RSIAtEntry  float64 `json:"rsi_at_entry,omitempty"`
	BreakoutPct float64 `json:"breakout_pct,omitempty"`
}

// ProfitPct returns unrealized profit at the given price as a fraction of
// entry (0.05 = +5%).
func (p Position) ProfitPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// PeakProfitPct returns the best profit seen since entry.
func (p Position) PeakProfitPct() float64 {
	return p.ProfitPct(p.PeakPrice)
}

// ————————————————————————————————————————————————————————————————————————
// Exits and trades
// ————————————————————————————————————————————————————————————————————————

// SellSignal asks the seller to liquidate a position. Appended by the
// monitor, consumed in FIFO order and cleared by the seller.
type SellSignal struct {
	Symbol       string     `json:"symbol"`
	Timestamp    time.Time  `json:"timestamp"`
	Reason       ExitReason `json:"reason"`
	TriggerPrice float64    `json:"trigger_price"`
}

// Trade is the immutable record of one completed round trip. trades.json is
// append-only; a Trade is never modified after it is written.
type Trade struct {
	Symbol        string     `json:"symbol"`
	EntryTime     time.Time  `json:"entry_time"`
	ExitTime      time.Time  `json:"exit_time"`
	EntryPrice    float64    `json:"entry_price"`
	ExitPrice     float64    `json:"exit_price"`
	Quantity      int64      `json:"quantity"`
	PnLPct        float64    `json:"pnl_pct"`
	PnLDollars    float64    `json:"pnl_dollars"`
	HoldTimeHours float64    `json:"hold_time_hours"`
	Reason        ExitReason `json:"reason"`
	SignalScore   int        `json:"signal_score"`
}

// ————————————————————————————————————————————————————————————————————————
// Orchestration
// ————————————————————————————————————————————————————————————————————————

// ServiceState is one node of the per-service lifecycle state machine:
// Stopped → Starting → Running → (Crashed | Stopping → Stopped).
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateCrashed  ServiceState = "crashed"
)

// ServiceStatus is the orchestrator's view of one supervised service.
type ServiceStatus struct {
	State         ServiceState `json:"state"`
	PID           int          `json:"pid,omitempty"`
	StartedAt     time.Time    `json:"started_at,omitempty"`
	Restarts      int          `json:"restarts"`
	LastHeartbeat time.Time    `json:"last_heartbeat,omitempty"`
}

// OrchestratorStatus is the document written to orchestrator_status.json.
type OrchestratorStatus struct {
	UpdatedAt time.Time                `json:"updated_at"`
	Services  map[string]ServiceStatus `json:"services"`
}
