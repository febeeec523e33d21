// Package seller drains the exit queue: for every pending sell signal it
// markets out of the position at the broker, books the completed trade,
// and starts the re-entry cooldown.
//
// Processing is idempotent by construction. A signal whose symbol shows
// zero quantity at the broker is dropped (the exit already happened, here
// or elsewhere), so a crash between fill and bookkeeping costs nothing
// but a retried cycle. Signals that fail to fill stay queued; the same
// symbol failing repeatedly escalates to an error so it shows up in the
// logs before the session ends.
package seller

import (
	"context"
	"fmt"
	"log/slog"
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
const Name = "seller"

// failureEscalation is how many consecutive non-fills for one symbol
// raise the log level to error.
const failureEscalation = 3

// Service executes queued exits.
type Service struct {
	cfg    config.SellerConfig
	broker broker.Broker
	exec   *orders.Executor
	dir    *state.Dir
	logger *slog.Logger

	// Consecutive unfilled exits per symbol, in-process only.
	failures map[string]int

	now func() time.Time
}

// New creates the seller service.
func New(cfg *config.Config, b broker.Broker, dir *state.Dir, logger *slog.Logger) *Service {
	log := logger.With("component", Name)
	return &Service{
		cfg:      cfg.Seller,
		broker:   b,
		exec:     orders.NewExecutor(b, log),
		dir:      dir,
		logger:   log,
		failures: make(map[string]int),
		now:      time.Now,
	}
}

func (s *Service) Name() string            { return Name }
func (s *Service) Interval() time.Duration { return s.cfg.Interval() }

var _ service.Starter = (*Service)(nil)

// Start reports the backlog; pending signals from before a restart are
// simply processed by the first tick.
func (s *Service) Start(ctx context.Context) error {
	sigs, err := s.dir.LoadSellSignals(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("seller starting", "pending_exits", len(sigs))
	return nil
}

// Tick processes the exit queue in arrival order.
func (s *Service) Tick(ctx context.Context) error {
	sigs, err := s.dir.LoadSellSignals(ctx)
	if err != nil {
		return fmt.Errorf("load sell signals: %w", err)
	}
	if len(sigs) == 0 {
		return nil
	}

	live, err := s.broker.Positions(ctx)
	if err != nil {
		if broker.IsAuth(err) {
			return &service.Fatal{Err: err}
		}
		return fmt.Errorf("broker positions: %w", err)
	}
	held := make(map[string]broker.Position, len(live))
	for _, p := range live {
		held[p.Symbol] = p
	}

	tracked, err := s.dir.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	var remaining []types.SellSignal
	for i, sig := range sigs {
		if ctx.Err() != nil {
			remaining = append(remaining, sigs[i:]...)
			break
		}

		err := s.liquidate(ctx, sig, held[sig.Symbol], tracked[sig.Symbol])
		if err != nil {
			if broker.IsAuth(err) {
				return &service.Fatal{Err: err}
			}
			if broker.IsCanceled(err) {
				return err
			}
			s.failures[sig.Symbol]++
			if n := s.failures[sig.Symbol]; n >= failureEscalation {
				s.logger.Error("exit keeps failing",
					"symbol", sig.Symbol, "consecutive_failures", n, "error", err)
			} else {
				s.logger.Warn("exit failed, will retry",
					"symbol", sig.Symbol, "attempt", n, "error", err)
			}
			remaining = append(remaining, sig)
			continue
		}
		delete(s.failures, sig.Symbol)
	}

	if err := s.dir.ReplaceSellSignals(ctx, remaining); err != nil {
		return fmt.Errorf("clear sell signals: %w", err)
	}
	return nil
}

// liquidate closes out one signal: market-sell the broker's full quantity
// and finalize the books. A symbol no longer held at the broker resolves
// as an already-done exit.
func (s *Service) liquidate(ctx context.Context, sig types.SellSignal, bp broker.Position, pos types.Position) error {
	if bp.Qty <= 0 {
		s.logger.Info("position already closed, dropping exit",
			"symbol", sig.Symbol, "reason", string(sig.Reason))
		return s.forget(ctx, sig.Symbol)
	}

	res, err := s.exec.SubmitAndWait(ctx, broker.OrderRequest{
		Symbol:        sig.Symbol,
		Qty:           bp.Qty,
		Side:          broker.Sell,
		Type:          broker.Market,
		ClientOrderID: "momo-" + uuid.NewString(),
	})
	if err != nil {
		return err
	}
	if !res.Filled || res.FilledQty <= 0 {
		return fmt.Errorf("exit order not filled: %s", res.Status)
	}

	now := s.now()
	entryPrice := pos.EntryPrice
	if entryPrice <= 0 {
		// Adopted or untracked position: the broker's average is the
		// best entry on record.
		entryPrice = bp.AvgEntryPrice
	}

	trade := types.Trade{
		Symbol:      sig.Symbol,
		EntryTime:   pos.EntryTime,
		ExitTime:    now.UTC(),
		EntryPrice:  entryPrice,
		ExitPrice:   res.AvgPrice,
		Quantity:    res.FilledQty,
		Reason:      sig.Reason,
		SignalScore: pos.SignalScore,
	}
	if entryPrice > 0 {
		trade.PnLPct = (res.AvgPrice - entryPrice) / entryPrice
		trade.PnLDollars = (res.AvgPrice - entryPrice) * float64(res.FilledQty)
	}
	if !pos.EntryTime.IsZero() {
		trade.HoldTimeHours = now.Sub(pos.EntryTime).Hours()
	}
	if err := s.dir.AppendTrade(ctx, trade); err != nil {
		return fmt.Errorf("append trade: %w", err)
	}

	if leftover := bp.Qty - res.FilledQty; leftover > 0 {
		// Partial exit: keep the remainder under management with its
		// entry context. The monitor re-emits if the exit rule still
		// holds.
		err = s.dir.UpdatePositions(ctx, func(m map[string]types.Position) error {
			if p, ok := m[sig.Symbol]; ok {
				p.Quantity = leftover
				m[sig.Symbol] = p
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("resize position: %w", err)
		}
		s.logger.Warn("partial exit",
			"symbol", sig.Symbol, "sold", res.FilledQty, "leftover", leftover)
	} else {
		err = s.dir.UpdatePositions(ctx, func(m map[string]types.Position) error {
			delete(m, sig.Symbol)
			return nil
		})
		if err != nil {
			return fmt.Errorf("remove position: %w", err)
		}
	}

	until := now.Add(s.cfg.Cooldown())
	if err := s.dir.SetCooldown(ctx, sig.Symbol, until); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}

	s.logger.Info("position closed",
		"symbol", sig.Symbol,
		"reason", string(sig.Reason),
		"qty", res.FilledQty,
		"exit_price", res.AvgPrice,
		"pnl_pct", trade.PnLPct,
		"pnl_dollars", trade.PnLDollars,
		"hold_hours", trade.HoldTimeHours,
	)
	return nil
}

// forget clears local state for a symbol whose position no longer exists
// at the broker.
func (s *Service) forget(ctx context.Context, symbol string) error {
	return s.dir.UpdatePositions(ctx, func(m map[string]types.Position) error {
		delete(m, symbol)
		return nil
	})
}
