package seller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"momo-bot/internal/broker"
	"momo-bot/internal/config"
	"momo-bot/internal/state"
	"momo-bot/pkg/types"
)

var tickTime = time.Date(2026, 1, 15, 20, 0, 0, 0, time.UTC)

type fakeBroker struct {
	broker.Broker

	positions  []broker.Position
	fillPrice  float64
	fillStatus string // "" means filled
	fillQty    int64  // 0 means the full requested quantity
	submits    []broker.OrderRequest
}

func (f *fakeBroker) Positions(ctx context.Context) ([]broker.Position, error) {
	return f.positions, nil
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	f.submits = append(f.submits, req)
	status := f.fillStatus
	if status == "" {
		status = broker.StatusFilled
	}
	var qty int64
	if status == broker.StatusFilled {
		qty = f.fillQty
		if qty == 0 {
			qty = req.Qty
		}
	}
	return broker.Order{
		ID:             fmt.Sprintf("ord-%d", len(f.submits)),
		Symbol:         req.Symbol,
		Qty:            req.Qty,
		FilledQty:      qty,
		FilledAvgPrice: f.fillPrice,
		Status:         status,
	}, nil
}

func testSeller(t *testing.T, fb *fakeBroker) (*Service, *state.Dir) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir, err := state.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cfg := &config.Config{
		Seller: config.SellerConfig{IntervalSeconds: 15, CooldownMinutes: 15},
	}
	svc := New(cfg, fb, dir, logger)
	svc.now = func() time.Time { return tickTime }
	return svc, dir
}

func exitSignal(symbol string, reason types.ExitReason, trigger float64) types.SellSignal {
	return types.SellSignal{
		Symbol:       symbol,
		Timestamp:    tickTime.Add(-5 * time.Second),
		Reason:       reason,
		TriggerPrice: trigger,
	}
}

func queueExits(t *testing.T, dir *state.Dir, sigs ...types.SellSignal) {
	t.Helper()
	if err := dir.AppendSellSignals(context.Background(), sigs); err != nil {
		t.Fatalf("AppendSellSignals: %v", err)
	}
}

func trackPosition(t *testing.T, dir *state.Dir, pos types.Position) {
	t.Helper()
	err := dir.UpdatePositions(context.Background(), func(m map[string]types.Position) error {
		m[pos.Symbol] = pos
		return nil
	})
	if err != nil {
		t.Fatalf("UpdatePositions: %v", err)
	}
}

func pendingExits(t *testing.T, dir *state.Dir) []types.SellSignal {
	t.Helper()
	sigs, err := dir.LoadSellSignals(context.Background())
	if err != nil {
		t.Fatalf("LoadSellSignals: %v", err)
	}
	return sigs
}

func about(got, want float64) bool { return math.Abs(got-want) < 1e-9 }

func TestTickClosesPositionAndBooksTrade(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		positions: []broker.Position{{Symbol: "IONQ", Qty: 100, AvgEntryPrice: 10.00}},
		fillPrice: 10.57,
	}
	svc, dir := testSeller(t, fb)
	trackPosition(t, dir, types.Position{
		Symbol:      "IONQ",
		EntryPrice:  10.00,
		Quantity:    100,
		EntryTime:   tickTime.Add(-2 * time.Hour),
		CurrentStop: 10.584,
		PeakPrice:   10.80,
		SignalScore: 65,
	})
	queueExits(t, dir, exitSignal("IONQ", types.ExitTrailingStop, 10.58))

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fb.submits) != 1 {
		t.Fatalf("submits = %d, want 1", len(fb.submits))
	}
	req := fb.submits[0]
	if req.Symbol != "IONQ" || req.Side != broker.Sell || req.Type != broker.Market || req.Qty != 100 {
		t.Fatalf("order = %+v, want market sell 100 IONQ", req)
	}
	if !strings.HasPrefix(req.ClientOrderID, "momo-") {
		t.Fatalf("client order id = %q", req.ClientOrderID)
	}

	trades, err := dir.LoadTrades(context.Background())
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Symbol != "IONQ" || tr.Quantity != 100 || tr.Reason != types.ExitTrailingStop {
		t.Fatalf("trade = %+v", tr)
	}
	if !about(tr.PnLPct, 0.057) || !about(tr.PnLDollars, 57.0) {
		t.Fatalf("pnl = %v / %v, want 0.057 / 57.0", tr.PnLPct, tr.PnLDollars)
	}
	if !about(tr.HoldTimeHours, 2.0) {
		t.Fatalf("hold = %v, want 2.0", tr.HoldTimeHours)
	}
	if tr.SignalScore != 65 {
		t.Fatalf("score = %d, want 65", tr.SignalScore)
	}

	positions, err := dir.LoadPositions(context.Background())
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("positions = %v, want empty", positions)
	}
	if got := pendingExits(t, dir); len(got) != 0 {
		t.Fatalf("pending = %v, want empty", got)
	}

	cooling, until, err := dir.InCooldown(context.Background(), "IONQ", tickTime)
	if err != nil {
		t.Fatalf("InCooldown: %v", err)
	}
	if !cooling {
		t.Fatalf("IONQ not cooling down after exit")
	}
	if want := tickTime.Add(15 * time.Minute); !until.Equal(want) {
		t.Fatalf("cooldown until = %v, want %v", until, want)
	}
}

func TestTickDropsExitForClosedPosition(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{}
	svc, dir := testSeller(t, fb)
	trackPosition(t, dir, types.Position{Symbol: "GONE", EntryPrice: 5.00, Quantity: 40})
	queueExits(t, dir, exitSignal("GONE", types.ExitStopLoss, 4.80))

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fb.submits) != 0 {
		t.Fatalf("submitted an order for a closed position")
	}
	if got := pendingExits(t, dir); len(got) != 0 {
		t.Fatalf("pending = %v, want empty", got)
	}
	positions, err := dir.LoadPositions(context.Background())
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if _, ok := positions["GONE"]; ok {
		t.Fatalf("GONE still tracked")
	}
	trades, err := dir.LoadTrades(context.Background())
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("unexpected trade booked: %v", trades)
	}
	if cooling, _, _ := dir.InCooldown(context.Background(), "GONE", tickTime); cooling {
		t.Fatalf("cooldown set without a fill")
	}
}

func TestTickRetriesUnfilledExit(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		positions:  []broker.Position{{Symbol: "FADE", Qty: 100, AvgEntryPrice: 6.00}},
		fillStatus: broker.StatusRejected,
	}
	svc, dir := testSeller(t, fb)
	trackPosition(t, dir, types.Position{
		Symbol: "FADE", EntryPrice: 6.00, Quantity: 100, EntryTime: tickTime.Add(-time.Hour),
	})
	queueExits(t, dir, exitSignal("FADE", types.ExitStopLoss, 5.82))

	for i := 1; i <= failureEscalation; i++ {
		if err := svc.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
		if got := pendingExits(t, dir); len(got) != 1 {
			t.Fatalf("pending after tick %d = %d, want 1", i, len(got))
		}
		if svc.failures["FADE"] != i {
			t.Fatalf("failures after tick %d = %d", i, svc.failures["FADE"])
		}
	}
	if len(fb.submits) != failureEscalation {
		t.Fatalf("submits = %d, want %d", len(fb.submits), failureEscalation)
	}

	// Broker comes back: the queued signal finally fills and the
	// failure streak resets.
	fb.fillStatus = ""
	fb.fillPrice = 5.80
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("final Tick: %v", err)
	}
	if got := pendingExits(t, dir); len(got) != 0 {
		t.Fatalf("pending = %v, want empty", got)
	}
	if _, ok := svc.failures["FADE"]; ok {
		t.Fatalf("failure streak not reset")
	}
	trades, err := dir.LoadTrades(context.Background())
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
}

func TestTickPartialExitKeepsRemainder(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		positions: []broker.Position{{Symbol: "PART", Qty: 100, AvgEntryPrice: 8.00}},
		fillPrice: 7.75,
		fillQty:   60,
	}
	svc, dir := testSeller(t, fb)
	trackPosition(t, dir, types.Position{
		Symbol:      "PART",
		EntryPrice:  8.00,
		Quantity:    100,
		EntryTime:   tickTime.Add(-time.Hour),
		CurrentStop: 7.80,
		PeakPrice:   8.10,
		SignalScore: 70,
	})
	queueExits(t, dir, exitSignal("PART", types.ExitStopLoss, 7.79))

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	trades, err := dir.LoadTrades(context.Background())
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].Quantity != 60 {
		t.Fatalf("trades = %+v, want one for 60 shares", trades)
	}
	if !about(trades[0].PnLPct, (7.75-8.00)/8.00) {
		t.Fatalf("pnl_pct = %v", trades[0].PnLPct)
	}

	positions, err := dir.LoadPositions(context.Background())
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	rest, ok := positions["PART"]
	if !ok {
		t.Fatalf("remainder not tracked")
	}
	if rest.Quantity != 40 || !about(rest.EntryPrice, 8.00) || !about(rest.CurrentStop, 7.80) {
		t.Fatalf("remainder = %+v, want 40 shares with entry context", rest)
	}
	if got := pendingExits(t, dir); len(got) != 0 {
		t.Fatalf("pending = %v, want empty", got)
	}
}

func TestTickUntrackedPositionUsesBrokerEntry(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		positions: []broker.Position{{Symbol: "UNTR", Qty: 50, AvgEntryPrice: 4.00}},
		fillPrice: 4.20,
	}
	svc, dir := testSeller(t, fb)
	queueExits(t, dir, exitSignal("UNTR", types.ExitDeceleration, 4.21))

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	trades, err := dir.LoadTrades(context.Background())
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if !about(tr.EntryPrice, 4.00) || !about(tr.PnLPct, 0.05) {
		t.Fatalf("trade = %+v, want entry 4.00 pnl 0.05", tr)
	}
	if tr.HoldTimeHours != 0 {
		t.Fatalf("hold = %v, want 0 for unknown entry time", tr.HoldTimeHours)
	}
}

func TestTickProcessesInArrivalOrder(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		positions: []broker.Position{
			{Symbol: "ZZZ", Qty: 10, AvgEntryPrice: 3.00},
			{Symbol: "AAA", Qty: 10, AvgEntryPrice: 3.00},
		},
		fillPrice: 3.10,
	}
	svc, dir := testSeller(t, fb)
	queueExits(t, dir,
		exitSignal("ZZZ", types.ExitEndOfDay, 3.10),
		exitSignal("AAA", types.ExitEndOfDay, 3.10),
	)

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fb.submits) != 2 || fb.submits[0].Symbol != "ZZZ" || fb.submits[1].Symbol != "AAA" {
		t.Fatalf("submits = %+v, want ZZZ then AAA", fb.submits)
	}
}
