// Package buyer turns fresh entry signals into positions.
//
// The service runs on a short cadence: every tick it acts on "hot"
// signals (score at or above the hot threshold), and on the slower full
// interval it works through the whole batch. Signals are consumed best
// first, and each one must clear the entry gates in order — freshness,
// recent-attempt suppression, not already held, not cooling down, room
// under the position cap — before the live quote is checked for spread
// and slippage. Sizing is tiered by score; fills are recorded in
// positions.json with the initial protective stop already placed.
package buyer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"momo-bot/internal/broker"
	"momo-bot/internal/config"
	"momo-bot/internal/orders"
	"momo-bot/internal/service"
	"momo-bot/internal/state"
	"momo-bot/pkg/types"
)

// Name is the service's registry name.
const Name = "buyer"

// attemptWindow suppresses re-buying a symbol shortly after an attempt,
// filled or not, so a signal that keeps firing cannot churn orders.
const attemptWindow = 10 * time.Minute

// Service is the buyer.
type Service struct {
	cfg         config.BuyerConfig
	stopLossPct float64
	broker      broker.Broker
	exec        *orders.Executor
	dir         *state.Dir
	logger      *slog.Logger

	attempted map[string]time.Time
	lastFull  time.Time

	now func() time.Time
}

// New creates the buyer service.
func New(cfg *config.Config, b broker.Broker, dir *state.Dir, logger *slog.Logger) *Service {
	return &Service{
		cfg:         cfg.Buyer,
		stopLossPct: cfg.Trading.StopLossPct,
		broker:      b,
		exec:        orders.NewExecutor(b, logger),
		dir:         dir,
		logger:      logger.With("component", Name),
		attempted:   make(map[string]time.Time),
		now:         time.Now,
	}
}

func (s *Service) Name() string { return Name }

// Interval is the hot-path cadence; the full batch is processed every
// cfg.Interval() within the same loop.
func (s *Service) Interval() time.Duration { return s.cfg.HotInterval() }

// Tick consumes signals. Hot signals are considered every tick; the rest
// only when the full interval has elapsed.
func (s *Service) Tick(ctx context.Context) error {
	now := s.now()
	full := now.Sub(s.lastFull) >= s.cfg.Interval()
	if full {
		s.lastFull = now
	}
	s.pruneAttempts(now)

	batch, err := s.dir.LoadSignals(ctx)
	if err != nil {
		return fmt.Errorf("load signals: %w", err)
	}
	if len(batch.Signals) == 0 {
		return nil
	}

	positions, err := s.dir.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	// Account equity is fetched lazily, once per tick, the first time a
	// signal survives the cheap gates.
	var equity float64

	opened := 0
	for _, sig := range batch.Signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !full && sig.Score < s.cfg.HotScoreMin {
			continue
		}
		if !sig.Fresh(now, s.cfg.SignalMaxAge()) {
			continue
		}
		if when, ok := s.attempted[sig.Symbol]; ok && now.Sub(when) < attemptWindow {
			continue
		}
		if _, held := positions[sig.Symbol]; held {
			continue
		}
		cooling, until, err := s.dir.InCooldown(ctx, sig.Symbol, now)
		if err != nil {
			return fmt.Errorf("cooldown check: %w", err)
		}
		if cooling {
			s.logger.Debug("symbol cooling down", "symbol", sig.Symbol, "until", until)
			continue
		}
		if len(positions)+opened >= s.cfg.MaxPositions {
			s.logger.Info("position cap reached, holding remaining signals",
				"open", len(positions)+opened,
				"cap", s.cfg.MaxPositions,
			)
			break
		}

		if equity == 0 {
			account, err := s.broker.Account(ctx)
			if err != nil {
				if broker.IsAuth(err) {
					return &service.Fatal{Err: err}
				}
				return fmt.Errorf("account: %w", err)
			}
			equity = account.Equity
		}

		bought, err := s.tryBuy(ctx, sig, equity)
		if err != nil {
			if broker.IsAuth(err) {
				return &service.Fatal{Err: err}
			}
			if broker.IsCanceled(err) {
				return err
			}
			s.logger.Error("buy attempt failed", "symbol", sig.Symbol, "error", err)
			continue
		}
		if bought {
			opened++
		}
	}
	return nil
}

// tryBuy checks the live quote and submits the entry order. The attempt
// is recorded before submission so a failed or unfilled order still
// triggers the re-attempt suppression window.
func (s *Service) tryBuy(ctx context.Context, sig types.Signal, equity float64) (bool, error) {
	quote, err := s.broker.LatestQuote(ctx, sig.Symbol)
	if err != nil {
		return false, fmt.Errorf("quote: %w", err)
	}
	mid := quote.Mid()
	if mid <= 0 {
		s.logger.Debug("no usable quote", "symbol", sig.Symbol)
		return false, nil
	}

	if spread := quote.SpreadPct(); spread > s.cfg.MaxSpreadPct {
		s.logger.Info("signal rejected: spread too wide",
			"symbol", sig.Symbol,
			"spread_pct", spread,
			"max_pct", s.cfg.MaxSpreadPct,
		)
		return false, nil
	}
	if mid > sig.Price*(1+s.cfg.MaxSlippagePct) {
		s.logger.Info("signal rejected: price ran away",
			"symbol", sig.Symbol,
			"signal_price", sig.Price,
			"mid", mid,
		)
		return false, nil
	}
	if mid < sig.Price*(1-s.cfg.MaxPriceDropPct) {
		s.logger.Info("signal rejected: price collapsed",
			"symbol", sig.Symbol,
			"signal_price", sig.Price,
			"mid", mid,
		)
		return false, nil
	}

	tier := types.TierForScore(sig.Score)
	qty := int64(math.Floor(equity * tier.EquityPct() / mid))
	if qty < 1 {
		s.logger.Debug("sized to zero shares", "symbol", sig.Symbol, "mid", mid)
		return false, nil
	}

	now := s.now()
	s.attempted[sig.Symbol] = now

	req := broker.OrderRequest{
		Symbol:        sig.Symbol,
		Qty:           qty,
		Side:          broker.Buy,
		Type:          broker.Market,
		ClientOrderID: "momo-" + uuid.NewString(),
	}
	if s.cfg.UseLimitOrders {
		req.Type = broker.Limit
		req.LimitPrice = math.Round(mid*(1+s.cfg.LimitOrderBuffer)*100) / 100
	}

	s.logger.Info("submitting entry order",
		"symbol", sig.Symbol,
		"score", sig.Score,
		"tier", string(tier),
		"qty", qty,
		"mid", mid,
		"limit", req.LimitPrice,
	)

	res, err := s.exec.SubmitAndWait(ctx, req)
	if err != nil {
		return false, fmt.Errorf("submit: %w", err)
	}
	if !res.Filled || res.FilledQty == 0 {
		s.logger.Warn("entry order not filled",
			"symbol", sig.Symbol,
			"status", res.Status,
			"elapsed", res.Elapsed.Round(time.Millisecond),
		)
		return false, nil
	}

	pos := types.Position{
		Symbol:      sig.Symbol,
		EntryPrice:  res.AvgPrice,
		Quantity:    res.FilledQty,
		EntryTime:   now.UTC(),
		CurrentStop: res.AvgPrice * (1 - s.stopLossPct),
		PeakPrice:   res.AvgPrice,
		SignalScore: sig.Score,
		SignalPrice: sig.Price,
		VWAPAtEntry: sig.VWAP,
		RSIAtEntry:  sig.RSI,
		BreakoutPct: sig.BreakoutPct,
	}
	if err := s.dir.UpdatePositions(ctx, func(m map[string]types.Position) error {
		m[sig.Symbol] = pos
		return nil
	}); err != nil {
		return false, fmt.Errorf("record position: %w", err)
	}

	s.logger.Info("position opened",
		"symbol", sig.Symbol,
		"qty", res.FilledQty,
		"entry", res.AvgPrice,
		"stop", pos.CurrentStop,
		"score", sig.Score,
	)
	return true, nil
}

func (s *Service) pruneAttempts(now time.Time) {
	for sym, when := range s.attempted {
		if now.Sub(when) >= attemptWindow {
			delete(s.attempted, sym)
		}
	}
}

var _ service.Starter = (*Service)(nil)

// Start logs the recovery view on startup: signals present on disk are
// left for the normal tick path, which re-checks freshness anyway.
func (s *Service) Start(ctx context.Context) error {
	batch, err := s.dir.LoadSignals(ctx)
	if err != nil {
		return err
	}
	fresh := 0
	for _, sig := range batch.Signals {
		if sig.Fresh(s.now(), s.cfg.SignalMaxAge()) {
			fresh++
		}
	}
	s.logger.Info("buyer starting", "pending_signals", len(batch.Signals), "fresh", fresh)
	return nil
}
