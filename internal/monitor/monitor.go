// Package monitor manages open positions: reconciliation against the
// broker, peak tracking, stop ratcheting, and exit detection.
//
// Each cycle runs in a fixed order per position:
//
//  1. reconcile local state with the broker (the broker is authoritative)
//  2. refresh the peak price
//  3. ratchet the stop — breakeven once profit reaches the threshold,
//     then trailing below the peak, tier widening as peak profit grows;
//     the stop only ever moves up
//  4. exit checks, first match wins: stop hit, momentum deceleration
//     while in profit, end-of-day liquidation window
//
// Ratcheting strictly precedes the exit checks so a price print below a
// just-raised stop exits in the same cycle. Exits are appended to
// sell_signals.json for the seller; the monitor never places orders.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"momo-bot/internal/broker"
	"momo-bot/internal/config"
	"momo-bot/internal/indicators"
	"momo-bot/internal/service"
	"momo-bot/internal/state"
	"momo-bot/internal/stream"
	"momo-bot/pkg/types"
)

// Name is the service's registry name.
const Name = "monitor"

// streamFreshness bounds how old a streamed quote may be before the
// monitor falls back to a REST quote for that symbol.
const streamFreshness = 5 * time.Second

// Service is the position monitor.
type Service struct {
	cfg         config.MonitorConfig
	stopLossPct float64
	broker      broker.Broker
	feed        *stream.QuoteFeed // nil when streaming is off
	dir         *state.Dir
	logger      *slog.Logger

	now func() time.Time
}

// New creates the monitor service.
func New(cfg *config.Config, b broker.Broker, dir *state.Dir, logger *slog.Logger) *Service {
	s := &Service{
		cfg:         cfg.Monitor,
		stopLossPct: cfg.Trading.StopLossPct,
		broker:      b,
		dir:         dir,
		logger:      logger.With("component", Name),
		now:         time.Now,
	}
	if cfg.Monitor.UseStreaming {
		url := cfg.Monitor.StreamURL
		if url == "" {
			url = stream.URL(cfg.Broker.DataFeed)
		}
		s.feed = stream.NewQuoteFeed(url, cfg.Broker.APIKey, cfg.Broker.APISecret, s.logger)
	}
	return s
}

func (s *Service) Name() string            { return Name }
func (s *Service) Interval() time.Duration { return s.cfg.Interval() }

var _ service.Starter = (*Service)(nil)

// Start brings up the quote stream (when enabled) and runs one
// reconciliation pass so crash recovery happens before the first tick.
func (s *Service) Start(ctx context.Context) error {
	if s.feed != nil {
		go func() {
			if err := s.feed.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("quote stream stopped", "error", err)
			}
		}()
	}

	positions, err := s.reconcile(ctx)
	if err != nil {
		if broker.IsAuth(err) {
			return &service.Fatal{Err: err}
		}
		return err
	}
	s.logger.Info("monitor starting", "positions", len(positions))
	return nil
}

// Tick runs one monitoring cycle.
func (s *Service) Tick(ctx context.Context) error {
	now := s.now()

	positions, err := s.reconcile(ctx)
	if err != nil {
		if broker.IsAuth(err) {
			return &service.Fatal{Err: err}
		}
		return err
	}

	symbols := make([]string, 0, len(positions))
	for sym := range positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	if s.feed != nil {
		if err := s.feed.Sync(symbols); err != nil {
			s.logger.Debug("stream subscription sync failed", "error", err)
		}
	}
	if len(positions) == 0 {
		return nil
	}

	clk, err := s.broker.Clock(ctx)
	if err != nil {
		return fmt.Errorf("clock: %w", err)
	}
	eodWindow := !clk.NextClose.IsZero() && clk.NextClose.Sub(now) <= s.cfg.EODExitWindow()

	changed := map[string]types.Position{}
	var exits []types.SellSignal

	for _, sym := range symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pos := positions[sym]

		price, err := s.price(ctx, sym)
		if err != nil {
			if broker.IsAuth(err) {
				return &service.Fatal{Err: err}
			}
			if broker.IsCanceled(err) {
				return err
			}
			s.logger.Warn("no price this cycle", "symbol", sym, "error", err)
			continue
		}

		if price > pos.PeakPrice {
			pos.PeakPrice = price
		}
		if stop := s.raisedStop(pos, price); stop > pos.CurrentStop {
			s.logger.Info("stop raised",
				"symbol", sym,
				"old_stop", pos.CurrentStop,
				"new_stop", stop,
				"peak", pos.PeakPrice,
			)
			pos.CurrentStop = stop
		}
		if pos != positions[sym] {
			changed[sym] = pos
		}

		if reason := s.exitReason(ctx, pos, price, eodWindow); reason != "" {
			s.logger.Info("exit triggered",
				"symbol", sym,
				"reason", string(reason),
				"price", price,
				"stop", pos.CurrentStop,
				"profit_pct", pos.ProfitPct(price),
			)
			exits = append(exits, types.SellSignal{
				Symbol:       sym,
				Timestamp:    now.UTC(),
				Reason:       reason,
				TriggerPrice: price,
			})
		}
	}

	if len(changed) > 0 {
		err := s.dir.UpdatePositions(ctx, func(m map[string]types.Position) error {
			for sym, pos := range changed {
				// The seller may have removed the position since this
				// cycle loaded it; never resurrect one.
				if _, ok := m[sym]; ok {
					m[sym] = pos
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("persist stop updates: %w", err)
		}
	}
	if len(exits) > 0 {
		if err := s.dir.AppendSellSignals(ctx, exits); err != nil {
			return fmt.Errorf("append sell signals: %w", err)
		}
	}
	return nil
}

// reconcile aligns positions.json with the broker's view and returns the
// reconciled set. Positions unknown to the broker are dropped, broker
// positions unknown locally are adopted with a fresh protective stop, and
// on a quantity mismatch the broker's number wins.
func (s *Service) reconcile(ctx context.Context) (map[string]types.Position, error) {
	live, err := s.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker positions: %w", err)
	}
	tracked, err := s.dir.LoadPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	held := make(map[string]broker.Position, len(live))
	for _, p := range live {
		held[p.Symbol] = p
	}

	var drop []string
	resize := map[string]int64{}
	var adopt []types.Position

	for sym, pos := range tracked {
		bp, ok := held[sym]
		if !ok {
			s.logger.Warn("position gone at broker, dropping", "symbol", sym, "qty", pos.Quantity)
			drop = append(drop, sym)
			continue
		}
		if bp.Qty != pos.Quantity {
			s.logger.Warn("quantity mismatch, broker wins",
				"symbol", sym, "local", pos.Quantity, "broker", bp.Qty)
			resize[sym] = bp.Qty
		}
	}
	for sym, bp := range held {
		if _, ok := tracked[sym]; ok {
			continue
		}
		entry := bp.AvgEntryPrice
		adopted := types.Position{
			Symbol:      sym,
			EntryPrice:  entry,
			Quantity:    bp.Qty,
			EntryTime:   s.now().UTC(),
			CurrentStop: entry * (1 - s.stopLossPct),
			PeakPrice:   entry,
		}
		s.logger.Warn("adopting untracked broker position",
			"symbol", sym, "qty", bp.Qty, "entry", entry, "stop", adopted.CurrentStop)
		adopt = append(adopt, adopted)
	}

	if len(drop) == 0 && len(resize) == 0 && len(adopt) == 0 {
		return tracked, nil
	}

	out := make(map[string]types.Position)
	err = s.dir.UpdatePositions(ctx, func(m map[string]types.Position) error {
		for _, sym := range drop {
			delete(m, sym)
		}
		for sym, qty := range resize {
			if pos, ok := m[sym]; ok {
				pos.Quantity = qty
				m[sym] = pos
			}
		}
		for _, pos := range adopt {
			if _, ok := m[pos.Symbol]; !ok {
				m[pos.Symbol] = pos
			}
		}
		for sym, pos := range m {
			out[sym] = pos
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile positions: %w", err)
	}
	return out, nil
}

// price returns the freshest mid for symbol: the stream cache when it is
// recent enough, otherwise a REST quote.
func (s *Service) price(ctx context.Context, symbol string) (float64, error) {
	if s.feed != nil {
		if q, ok := s.feed.Quote(symbol, streamFreshness); ok {
			if mid := q.Mid(); mid > 0 {
				return mid, nil
			}
		}
	}
	q, err := s.broker.LatestQuote(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("quote: %w", err)
	}
	mid := q.Mid()
	if mid <= 0 {
		return 0, fmt.Errorf("empty quote")
	}
	return mid, nil
}

// raisedStop returns the highest stop the rules justify for pos at the
// given price, never below the current stop. Breakeven keys off the peak
// so a retreat cannot un-earn it; the trailing tier keys off current
// profit and anchors the stop below the peak.
func (s *Service) raisedStop(pos types.Position, price float64) float64 {
	stop := pos.CurrentStop

	if pos.PeakProfitPct() >= s.cfg.BreakevenProfit && pos.EntryPrice > stop {
		stop = pos.EntryPrice
	}

	profit := pos.ProfitPct(price)
	trail := 0.0
	for _, tier := range s.cfg.TrailingStops { // ascending by profit
		if profit >= tier.Profit {
			trail = tier.Trail
		}
	}
	if trail > 0 {
		if cand := pos.PeakPrice * (1 - trail); cand > stop {
			stop = cand
		}
	}
	return stop
}

// exitReason applies the exit checks in order and returns the first that
// fires, or "".
func (s *Service) exitReason(ctx context.Context, pos types.Position, price float64, eodWindow bool) types.ExitReason {
	if price <= pos.CurrentStop {
		if pos.CurrentStop < pos.EntryPrice {
			return types.ExitStopLoss
		}
		return types.ExitTrailingStop
	}

	if profit := pos.ProfitPct(price); profit >= s.cfg.MinProfitForDecel {
		if accel, ok := s.acceleration(ctx, pos.Symbol, price); ok {
			if accel > 0 && accel < s.cfg.DecelThreshold {
				s.logger.Info("momentum decelerating",
					"symbol", pos.Symbol, "acceleration", accel, "profit_pct", profit)
				return types.ExitDeceleration
			}
		}
	}

	if eodWindow {
		return types.ExitEndOfDay
	}
	return ""
}

// acceleration derives the momentum ratio from the one-minute tape: the
// live price against the closes two and five minutes back. Too little
// tape reads as indeterminate, which never triggers an exit.
func (s *Service) acceleration(ctx context.Context, symbol string, price float64) (float64, bool) {
	bars, err := s.broker.Bars(ctx, symbol, broker.TF1Min, s.now().Add(-10*time.Minute), 0)
	if err != nil {
		s.logger.Debug("no minute bars for deceleration check", "symbol", symbol, "error", err)
		return 0, false
	}
	closes := indicators.Closes(bars)
	if len(closes) < 6 {
		return 0, false
	}
	return indicators.Acceleration(price, closes[len(closes)-3], closes[len(closes)-6])
}
