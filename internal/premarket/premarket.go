// Package premarket builds the daily watchlist: the top gap-up candidates
// selected from the base universe before the open.
//
// The scan runs once per trading day (scheduled around 08:00 exchange
// time). For each universe symbol it fetches the pre-market quote, the
// recent daily bars, and the extended-hours minute tape, then applies the
// hard filters in cheapest-first order:
//
//	price band → gap vs prior close → pre-market volume → relative volume
//
// Survivors are ranked by score = gap × rel_volume × 100 × float_factor
// and the top N become the day's watchlist. An empty result writes no
// file — the intraday scanner falls back to the head of the universe.
package premarket

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"momo-bot/internal/broker"
	"momo-bot/internal/config"
	"momo-bot/internal/service"
	"momo-bot/internal/state"
	"momo-bot/pkg/types"
)

// volumeNormalization projects the partial pre-market session onto a full
// trading day: 6.5 regular hours vs the 5.5 extended hours that have
// elapsed by the time the scan runs.
const volumeNormalization = 6.5 / 5.5

// Scanner is the pre-market gap scanner.
type Scanner struct {
	cfg          config.PremarketConfig
	universePath string
	broker       broker.Broker
	dir          *state.Dir
	floats       FloatSource
	logger       *slog.Logger

	now func() time.Time
}

// New creates a pre-market scanner.
func New(cfg *config.Config, b broker.Broker, dir *state.Dir, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:          cfg.Premarket,
		universePath: cfg.Paths.UniverseFile,
		broker:       b,
		dir:          dir,
		floats:       NewFloatSource(cfg.Premarket, logger),
		logger:       logger.With("component", "premarket"),
		now:          time.Now,
	}
}

// Run executes one scan. At most one watchlist exists per trading date;
// an existing one short-circuits the scan unless force is set.
func (s *Scanner) Run(ctx context.Context, force bool) error {
	date := service.TradingDate(s.now())

	if !force {
		existing, err := s.dir.LoadWatchlistFor(ctx, date)
		if err != nil {
			return fmt.Errorf("check existing watchlist: %w", err)
		}
		if existing != nil {
			s.logger.Info("watchlist already generated, skipping",
				"date", date,
				"size", len(existing.Entries),
			)
			return nil
		}
	}

	symbols, err := state.ReadUniverse(s.universePath, s.cfg.UniverseSize)
	if err != nil {
		return fmt.Errorf("read universe: %w", err)
	}
	if len(symbols) == 0 {
		s.logger.Error("universe file is empty, no watchlist generated", "path", s.universePath)
		return nil
	}

	floatData := s.floats.Load(ctx)

	s.logger.Info("pre-market scan starting",
		"date", date,
		"universe", len(symbols),
		"float_data", len(floatData),
	)

	var candidates []types.WatchlistEntry
	rejects := map[string]int{}
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entry, reason, err := s.scanSymbol(ctx, symbol, date, floatData)
		if err != nil {
			if broker.IsAuth(err) || broker.IsCanceled(err) {
				return fmt.Errorf("scan %s: %w", symbol, err)
			}
			s.logger.Debug("symbol skipped", "symbol", symbol, "error", err)
			rejects["error"]++
			continue
		}
		if reason != "" {
			rejects[reason]++
			continue
		}
		candidates = append(candidates, *entry)
	}

	ranked := rank(candidates, s.cfg.WatchlistSize)

	if len(ranked) == 0 {
		s.logger.Error("no candidates passed the pre-market filters, watchlist not written",
			"date", date,
			"universe", len(symbols),
			"rejects", rejects,
		)
		return nil
	}

	wl := &types.Watchlist{
		Date:        date,
		GeneratedAt: s.now().UTC(),
		Size:        len(ranked),
		Entries:     ranked,
	}
	if err := s.dir.SaveWatchlist(ctx, wl); err != nil {
		return fmt.Errorf("save watchlist: %w", err)
	}

	s.logger.Info("watchlist generated",
		"date", date,
		"candidates", len(candidates),
		"selected", len(ranked),
		"top", ranked[0].Symbol,
		"rejects", rejects,
	)
	return nil
}

// scanSymbol fetches and filters one symbol. A non-empty reason names the
// filter that rejected it; fetches are ordered so a rejection skips the
// remaining API calls.
func (s *Scanner) scanSymbol(ctx context.Context, symbol, date string, floats map[string]float64) (*types.WatchlistEntry, string, error) {
	quote, err := s.broker.LatestQuote(ctx, symbol)
	if err != nil {
		return nil, "", fmt.Errorf("quote: %w", err)
	}
	price := premarketPrice(quote)
	if price <= 0 {
		return nil, "no_quote", nil
	}
	if price < s.cfg.PriceMin || price > s.cfg.PriceMax {
		return nil, "price", nil
	}

	// One daily-bar fetch serves both the prior close and the volume
	// average.
	daily, err := s.broker.Bars(ctx, symbol, broker.TF1Day, s.now().AddDate(0, 0, -35), 0)
	if err != nil {
		return nil, "", fmt.Errorf("daily bars: %w", err)
	}
	priorClose, ok := priorClose(daily, date)
	if !ok {
		return nil, "no_prior_close", nil
	}
	gap := (price - priorClose) / priorClose
	if gap < s.cfg.MinGapPct {
		return nil, "gap", nil
	}

	pmVolume, pmHigh, err := s.premarketTape(ctx, symbol, price)
	if err != nil {
		return nil, "", fmt.Errorf("premarket bars: %w", err)
	}
	if pmVolume < s.cfg.MinVolume {
		return nil, "volume", nil
	}

	avgVolume := averageVolume(daily, date, 20)
	if avgVolume <= 0 {
		return nil, "no_volume_history", nil
	}
	relVolume := float64(pmVolume) * volumeNormalization / avgVolume
	if relVolume < s.cfg.MinRelativeVolume {
		return nil, "relative_volume", nil
	}

	score := gap * relVolume * 100 * floatFactor(floats[symbol])

	return &types.WatchlistEntry{
		Symbol:          symbol,
		PriorClose:      priorClose,
		PremarketPrice:  price,
		PremarketHigh:   pmHigh,
		PremarketVolume: pmVolume,
		GapPct:          gap,
		RelativeVolume:  relVolume,
		Score:           score,
	}, "", nil
}

// premarketTape sums extended-hours volume since 04:00 ET and finds the
// pre-market high. No bars yet means no volume; the high is clamped to at
// least the live price so a later breakout check never uses a stale high.
func (s *Scanner) premarketTape(ctx context.Context, symbol string, price float64) (int64, float64, error) {
	bars, err := s.broker.Bars(ctx, symbol, broker.TF1Min, service.PreMarketStart(s.now()), 0)
	if err != nil {
		return 0, 0, err
	}
	var volume int64
	high := price
	for _, b := range bars {
		volume += b.Volume
		if b.High > high {
			high = b.High
		}
	}
	return volume, high, nil
}

// premarketPrice is the quote midpoint, falling back to whichever side is
// quoted when the book is one-sided before the open.
func premarketPrice(q broker.Quote) float64 {
	switch {
	case q.BidPrice > 0 && q.AskPrice > 0:
		return (q.BidPrice + q.AskPrice) / 2
	case q.AskPrice > 0:
		return q.AskPrice
	case q.BidPrice > 0:
		return q.BidPrice
	default:
		return 0
	}
}

// priorClose returns the close of the most recent daily bar before date.
func priorClose(daily []broker.Bar, date string) (float64, bool) {
	for i := len(daily) - 1; i >= 0; i-- {
		if service.TradingDate(daily[i].Timestamp) < date {
			return daily[i].Close, true
		}
	}
	return 0, false
}

// averageVolume is the mean daily volume over up to lookback bars before
// date.
func averageVolume(daily []broker.Bar, date string, lookback int) float64 {
	var vols []float64
	for i := len(daily) - 1; i >= 0 && len(vols) < lookback; i-- {
		if service.TradingDate(daily[i].Timestamp) < date {
			vols = append(vols, float64(daily[i].Volume))
		}
	}
	if len(vols) == 0 {
		return 0
	}
	return stat.Mean(vols, nil)
}

// floatFactor weights the score toward low-float symbols, which move
// further on the same volume. 10M shares is the neutral point; the boost
// is capped at 2×. Symbols without float data score neutrally.
func floatFactor(floatShares float64) float64 {
	if floatShares <= 0 {
		return 1.0
	}
	return math.Min(1.0/math.Sqrt(floatShares/10_000_000), 2.0)
}

// rank sorts candidates by score descending, keeps the top n, and stamps
// 1-based ranks.
func rank(candidates []types.WatchlistEntry, n int) []types.WatchlistEntry {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates
}
