// Package scanner generates intraday entry signals for the day's
// watchlist.
//
// Every cycle it pulls two bar series per symbol (5-minute for trend and
// volume, 2-minute for short-horizon momentum), computes the indicator
// set, and scores each symbol against the required checks:
//
//	above VWAP        +15   (gate optional, points always available)
//	breakout ≥ 1%     +20
//	rel. volume ≥ 2×  +15
//	RSI in [40, 75]   +10
//
// plus bonus points for strength (bigger breakout, heavier volume, RSI
// sweet spot, large overnight gap). A failed required check rejects the
// symbol immediately. Survivors scoring at or above the entry minimum are
// written to signals.json, best first, replacing the previous cycle's
// batch wholesale so the buyer never acts on a stale view.
package scanner

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
	"momo-bot/pkg/types"
)

// Name is the service's registry name.
const Name = "scanner"

const (
	minBars5 = 14 // 5-minute series floor (RSI period)
	minBars2 = 30 // 2-minute series floor (velocity window + context)

	rsiPeriod       = 14
	relVolLookback  = 20
	velocityPeriods = 5 // 2-minute bars → 10-minute velocity horizon

	// Bonus thresholds. Fixed by the strategy, not tunable.
	bonusBreakoutPct = 0.03
	bonusRelVolume   = 4.0
	bonusRSIMin      = 50.0
	bonusRSIMax      = 65.0
	bonusGapPct      = 0.05
)

// Service is the intraday scanner.
type Service struct {
	cfg          config.ScannerConfig
	watchSize    int
	universePath string
	broker       broker.Broker
	dir          *state.Dir
	logger       *slog.Logger

	now func() time.Time
}

// New creates the scanner service.
func New(cfg *config.Config, b broker.Broker, dir *state.Dir, logger *slog.Logger) *Service {
	return &Service{
		cfg:          cfg.Scanner,
		watchSize:    cfg.Premarket.WatchlistSize,
		universePath: cfg.Paths.UniverseFile,
		broker:       b,
		dir:          dir,
		logger:       logger.With("component", Name),
		now:          time.Now,
	}
}

func (s *Service) Name() string            { return Name }
func (s *Service) Interval() time.Duration { return s.cfg.Interval() }

// Tick runs one scan cycle over the watchlist.
func (s *Service) Tick(ctx context.Context) error {
	began := s.now()

	wl, symbols, err := s.watchlist(ctx)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		s.logger.Warn("nothing to scan: no watchlist and empty universe")
		return nil
	}

	var signals []types.Signal
	rejects := map[string]int{}
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sig, reason, err := s.evaluate(ctx, symbol, wl.Entry(symbol))
		if err != nil {
			if broker.IsAuth(err) {
				return &service.Fatal{Err: err}
			}
			if broker.IsCanceled(err) {
				return err
			}
			s.logger.Debug("symbol skipped", "symbol", symbol, "error", err)
			rejects["error"]++
			continue
		}
		if reason != "" {
			rejects[reason]++
			continue
		}
		signals = append(signals, *sig)
	}

	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Score != signals[j].Score {
			return signals[i].Score > signals[j].Score
		}
		if signals[i].RelativeVolume != signals[j].RelativeVolume {
			return signals[i].RelativeVolume > signals[j].RelativeVolume
		}
		return signals[i].Timestamp.Before(signals[j].Timestamp)
	})

	batch := types.SignalBatch{GeneratedAt: s.now().UTC(), Signals: signals}
	if err := s.dir.SaveSignals(ctx, batch); err != nil {
		return fmt.Errorf("save signals: %w", err)
	}

	s.logger.Info("scan cycle complete",
		"scanned", len(symbols),
		"signals", len(signals),
		"rejects", rejects,
		"elapsed", s.now().Sub(began).Round(time.Millisecond),
	)
	return nil
}

// watchlist returns today's watchlist and the symbols to scan. With no
// watchlist for the current date the scanner degrades to the head of the
// base universe — no pre-market context, so breakouts can only be
// measured against the session high.
func (s *Service) watchlist(ctx context.Context) (*types.Watchlist, []string, error) {
	wl, err := s.dir.LoadWatchlistFor(ctx, service.TradingDate(s.now()))
	if err != nil {
		return nil, nil, fmt.Errorf("load watchlist: %w", err)
	}
	if wl != nil {
		return wl, wl.Symbols(), nil
	}

	symbols, err := state.ReadUniverse(s.universePath, s.watchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("read universe fallback: %w", err)
	}
	s.logger.Info("no watchlist for today, scanning universe head", "symbols", len(symbols))
	return nil, symbols, nil
}

// evaluate runs the two-fetch indicator pass for one symbol. A non-empty
// reason names the first check that failed.
func (s *Service) evaluate(ctx context.Context, symbol string, entry *types.WatchlistEntry) (*types.Signal, string, error) {
	now := s.now()

	bars5, err := s.broker.Bars(ctx, symbol, broker.TF5Min, now.Add(-5*time.Hour), 0)
	if err != nil {
		return nil, "", fmt.Errorf("5min bars: %w", err)
	}
	if len(bars5) < minBars5 {
		return nil, "insufficient_5min_bars", nil
	}

	bars2, err := s.broker.Bars(ctx, symbol, broker.TF2Min, now.Add(-2*time.Hour), 0)
	if err != nil {
		return nil, "", fmt.Errorf("2min bars: %w", err)
	}
	if len(bars2) < minBars2 {
		return nil, "insufficient_2min_bars", nil
	}

	closes5 := indicators.Closes(bars5)
	closes2 := indicators.Closes(bars2)
	price := closes5[len(closes5)-1]
	if price <= 0 {
		return nil, "no_price", nil
	}

	vwap, ok := indicators.VWAP(bars5)
	if !ok {
		return nil, "no_vwap", nil
	}
	rsi, ok := indicators.RSI(closes5, rsiPeriod)
	if !ok {
		return nil, "no_rsi", nil
	}
	relVol, ok := indicators.RelativeVolume(indicators.Volumes(bars5), relVolLookback)
	if !ok {
		return nil, "no_relative_volume", nil
	}

	ref, refKind := breakoutReference(entry, sessionHigh(bars5, service.SessionOpen(now)))
	breakout := indicators.Breakout(price, ref)

	var gap float64
	if entry != nil {
		gap = entry.GapPct
	}

	score, reason := s.score(price, vwap, rsi, relVol, breakout, gap)
	if reason != "" {
		return nil, reason, nil
	}

	sig := &types.Signal{
		Symbol:         symbol,
		Timestamp:      now.UTC(),
		Price:          price,
		Score:          score,
		VWAP:           vwap,
		RSI:            rsi,
		BreakoutPct:    breakout,
		BreakoutRef:    refKind,
		RelativeVolume: relVol,
		GapPct:         gap,
	}
	if entry != nil {
		sig.PremarketHigh = entry.PremarketHigh
	}

	if v, ok := indicators.Velocity(closes2, velocityPeriods); ok {
		sig.Velocity = v
	}
	if a, ok := indicators.Acceleration(price, closes2[len(closes2)-2], closes5[len(closes5)-2]); ok {
		sig.Acceleration = a
	}

	return sig, "", nil
}

// score applies the required checks in order, short-circuiting on the
// first failure, then adds bonus points. The returned reason is empty for
// an accepted symbol.
func (s *Service) score(price, vwap, rsi, relVol, breakout, gap float64) (int, string) {
	score := 0

	if price > vwap {
		score += 15
	} else if s.cfg.RequireAboveVWAP {
		return 0, "below_vwap"
	}
	if breakout < s.cfg.MinBreakoutPct {
		return 0, "no_breakout"
	}
	score += 20
	if relVol < s.cfg.MinRelativeVolume {
		return 0, "low_volume"
	}
	score += 15
	if rsi < s.cfg.RSIMin || rsi > s.cfg.RSIMax {
		return 0, "rsi_out_of_range"
	}
	score += 10

	if breakout >= bonusBreakoutPct {
		score += 10
	}
	if relVol >= bonusRelVolume {
		score += 10
	}
	if rsi >= bonusRSIMin && rsi <= bonusRSIMax {
		score += 5
	}
	if gap >= bonusGapPct {
		score += 10
	}

	if score < s.cfg.MinEntryScore {
		return score, "below_min_score"
	}
	return score, ""
}

// breakoutReference picks the reference price for the breakout check, in
// priority order: pre-market high, session high, prior close. No usable
// reference yields zero, which can never clear the breakout minimum.
func breakoutReference(entry *types.WatchlistEntry, sessionHi float64) (float64, types.BreakoutRef) {
	if entry != nil && entry.PremarketHigh > 0 {
		return entry.PremarketHigh, types.RefPremarketHigh
	}
	if sessionHi > 0 {
		return sessionHi, types.RefSessionHigh
	}
	if entry != nil && entry.PriorClose > 0 {
		return entry.PriorClose, types.RefPriorClose
	}
	return 0, ""
}

// sessionHigh is the highest high of today's completed session bars,
// excluding the in-progress bar at the tail. Measuring the current bar
// against itself would never register a breakout.
func sessionHigh(bars []broker.Bar, sessionStart time.Time) float64 {
	high := 0.0
	for _, b := range bars[:len(bars)-1] {
		if b.Timestamp.Before(sessionStart) {
			continue
		}
		if b.High > high {
			high = b.High
		}
	}
	return high
}
