package state

import (
	"context"
	"fmt"
	"time"

	"momo-bot/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Daily watchlist (writer: pre-market scanner)
// ————————————————————————————————————————————————————————————————————————

// SaveWatchlist atomically replaces the daily watchlist.
func (d *Dir) SaveWatchlist(ctx context.Context, w *types.Watchlist) error {
	return save(ctx, d, watchlistFile, w)
}

// LoadWatchlist returns the stored watchlist, or nil when none exists.
func (d *Dir) LoadWatchlist(ctx context.Context) (*types.Watchlist, error) {
	var w types.Watchlist
	found, err := load(ctx, d, watchlistFile, &w)
	if err != nil || !found {
		return nil, err
	}
	return &w, nil
}

// LoadWatchlistFor returns the watchlist only if it was generated for the
// given trading date (invariant: at most one refresh per date).
func (d *Dir) LoadWatchlistFor(ctx context.Context, date string) (*types.Watchlist, error) {
	w, err := d.LoadWatchlist(ctx)
	if err != nil || w == nil {
		return nil, err
	}
	if w.Date != date {
		return nil, nil
	}
	return w, nil
}

// ————————————————————————————————————————————————————————————————————————
// Entry signals (writer: scanner)
// ————————————————————————————————————————————————————————————————————————

// SaveSignals overwrites signals.json with one scanner cycle's output.
func (d *Dir) SaveSignals(ctx context.Context, batch types.SignalBatch) error {
	return save(ctx, d, signalsFile, batch)
}

// LoadSignals returns the latest signal batch; an empty batch when absent.
func (d *Dir) LoadSignals(ctx context.Context) (types.SignalBatch, error) {
	var b types.SignalBatch
	_, err := load(ctx, d, signalsFile, &b)
	return b, err
}

// ————————————————————————————————————————————————————————————————————————
// Positions (writers: buyer creates, monitor ratchets, seller removes —
// all through UpdatePositions so the read-modify-write is one lock hold)
// ————————————————————————————————————————————————————————————————————————

// LoadPositions returns the open positions map (never nil).
func (d *Dir) LoadPositions(ctx context.Context) (map[string]types.Position, error) {
	m := map[string]types.Position{}
	_, err := load(ctx, d, positionsFile, &m)
	if m == nil {
		m = map[string]types.Position{}
	}
	return m, err
}

// UpdatePositions applies fn to the positions map under the exclusive lock
// and persists the result. fn returning an error aborts without writing.
func (d *Dir) UpdatePositions(ctx context.Context, fn func(map[string]types.Position) error) error {
	return update(ctx, d, positionsFile,
		func() map[string]types.Position { return map[string]types.Position{} },
		func(m *map[string]types.Position) error {
			if *m == nil {
				*m = map[string]types.Position{}
			}
			return fn(*m)
		})
}

// ————————————————————————————————————————————————————————————————————————
// Sell signals (appended by monitor, consumed and cleared by seller)
// ————————————————————————————————————————————————————————————————————————

// AppendSellSignals adds exit requests, skipping symbols that already have
// a pending signal so the seller sees at most one per symbol.
func (d *Dir) AppendSellSignals(ctx context.Context, sigs []types.SellSignal) error {
	if len(sigs) == 0 {
		return nil
	}
	return update(ctx, d, sellSignalsFile,
		func() []types.SellSignal { return nil },
		func(list *[]types.SellSignal) error {
			pending := make(map[string]bool, len(*list))
			for _, s := range *list {
				pending[s.Symbol] = true
			}
			for _, s := range sigs {
				if pending[s.Symbol] {
					continue
				}
				*list = append(*list, s)
				pending[s.Symbol] = true
			}
			return nil
		})
}

// LoadSellSignals returns pending exits in arrival order.
func (d *Dir) LoadSellSignals(ctx context.Context) ([]types.SellSignal, error) {
	var list []types.SellSignal
	_, err := load(ctx, d, sellSignalsFile, &list)
	return list, err
}

// ReplaceSellSignals rewrites the pending list (the seller clearing
// processed entries).
func (d *Dir) ReplaceSellSignals(ctx context.Context, remaining []types.SellSignal) error {
	if remaining == nil {
		remaining = []types.SellSignal{}
	}
	return save(ctx, d, sellSignalsFile, remaining)
}

// ————————————————————————————————————————————————————————————————————————
// Trades (append-only; writer: seller)
// ————————————————————————————————————————————————————————————————————————

// AppendTrade adds one completed trade. Existing records are never touched.
func (d *Dir) AppendTrade(ctx context.Context, t types.Trade) error {
	return update(ctx, d, tradesFile,
		func() []types.Trade { return nil },
		func(list *[]types.Trade) error {
			*list = append(*list, t)
			return nil
		})
}

// LoadTrades returns the full trade history.
func (d *Dir) LoadTrades(ctx context.Context) ([]types.Trade, error) {
	var list []types.Trade
	_, err := load(ctx, d, tradesFile, &list)
	return list, err
}

// ————————————————————————————————————————————————————————————————————————
// Cooldowns (writer: seller; reader: buyer)
// ————————————————————————————————————————————————————————————————————————

// SetCooldown blocks re-entry of symbol until the given time. Expired
// entries are pruned on the same write (lazy cleanup).
func (d *Dir) SetCooldown(ctx context.Context, symbol string, until time.Time) error {
	now := time.Now()
	return update(ctx, d, cooldownsFile,
		func() map[string]time.Time { return map[string]time.Time{} },
		func(m *map[string]time.Time) error {
			if *m == nil {
				*m = map[string]time.Time{}
			}
			for sym, t := range *m {
				if !t.After(now) {
					delete(*m, sym)
				}
			}
			(*m)[symbol] = until
			return nil
		})
}

// InCooldown reports whether symbol may not be bought yet, and until when.
// Always reloads from disk: the seller may have written since the buyer's
// last cycle.
func (d *Dir) InCooldown(ctx context.Context, symbol string, now time.Time) (bool, time.Time, error) {
	m, err := d.LoadCooldowns(ctx)
	if err != nil {
		return false, time.Time{}, err
	}
	until, ok := m[symbol]
	if !ok || !until.After(now) {
		return false, time.Time{}, nil
	}
	return true, until, nil
}

// LoadCooldowns returns the raw cooldown map (never nil).
func (d *Dir) LoadCooldowns(ctx context.Context) (map[string]time.Time, error) {
	m := map[string]time.Time{}
	_, err := load(ctx, d, cooldownsFile, &m)
	if m == nil {
		m = map[string]time.Time{}
	}
	return m, err
}

// ————————————————————————————————————————————————————————————————————————
// Orchestrator status
// ————————————————————————————————————————————————————————————————————————

// SaveOrchestratorStatus replaces the status document.
func (d *Dir) SaveOrchestratorStatus(ctx context.Context, s types.OrchestratorStatus) error {
	return save(ctx, d, statusFile, s)
}

// LoadOrchestratorStatus returns the last written status, or nil.
func (d *Dir) LoadOrchestratorStatus(ctx context.Context) (*types.OrchestratorStatus, error) {
	var s types.OrchestratorStatus
	found, err := load(ctx, d, statusFile, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// CountOpenPositions is a convenience for the buyer's cap check.
func (d *Dir) CountOpenPositions(ctx context.Context) (int, error) {
	m, err := d.LoadPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return len(m), nil
}
