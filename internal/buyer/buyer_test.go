package buyer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
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

	equity    float64
	quotes    map[string]broker.Quote
	fillPrice float64
	submits   []broker.OrderRequest
}

func (f *fakeBroker) Account(ctx context.Context) (broker.Account, error) {
	return broker.Account{Equity: f.equity}, nil
}

func (f *fakeBroker) LatestQuote(ctx context.Context, symbol string) (broker.Quote, error) {
	q, ok := f.quotes[symbol]
	if !ok {
		return broker.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.Order, error) {
	f.submits = append(f.submits, req)
	return broker.Order{
		ID:             fmt.Sprintf("ord-%d", len(f.submits)),
		Symbol:         req.Symbol,
		Qty:            req.Qty,
		FilledQty:      req.Qty,
		FilledAvgPrice: f.fillPrice,
		Status:         broker.StatusFilled,
	}, nil
}

func signal(symbol string, score int, price float64) types.Signal {
	return types.Signal{
		Symbol:    symbol,
		Timestamp: tickTime.Add(-10 * time.Second),
		Price:     price,
		Score:     score,
		VWAP:      price - 0.1,
		RSI:       55,
	}
}

func testBuyer(t *testing.T, fb *fakeBroker) (*Service, *state.Dir) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir, err := state.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cfg := &config.Config{
		Buyer: config.BuyerConfig{
			IntervalSeconds:     15,
			HotCheckInterval:    5,
			HotScoreMin:         90,
			SignalMaxAgeSeconds: 60,
			MaxSlippagePct:      0.02,
			MaxPriceDropPct:     0.03,
			MaxSpreadPct:        0.02,
			UseLimitOrders:      true,
			LimitOrderBuffer:    0.005,
			MaxPositions:        20,
		},
		Trading: config.TradingConfig{StopLossPct: 0.025},
	}
	svc := New(cfg, fb, dir, logger)
	svc.now = func() time.Time { return tickTime }
	return svc, dir
}

func saveSignals(t *testing.T, dir *state.Dir, sigs ...types.Signal) {
	t.Helper()
	batch := types.SignalBatch{GeneratedAt: tickTime, Signals: sigs}
	if err := dir.SaveSignals(context.Background(), batch); err != nil {
		t.Fatalf("SaveSignals: %v", err)
	}
}

func TestTickOpensPositionFromSignal(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		equity:    100_000,
		quotes:    map[string]broker.Quote{"ABCD": {BidPrice: 5.69, AskPrice: 5.73}},
		fillPrice: 5.71,
	}
	svc, dir := testBuyer(t, fb)
	saveSignals(t, dir, signal("ABCD", 65, 5.70))

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fb.submits) != 1 {
		t.Fatalf("submits = %d, want 1", len(fb.submits))
	}
	req := fb.submits[0]
	// 5% of 100k at mid 5.71 floors to 875 shares; limit is mid +0.5%.
	if req.Qty != 875 {
		t.Fatalf("qty = %d, want 875", req.Qty)
	}
	if req.Side != broker.Buy || req.Type != broker.Limit {
		t.Fatalf("order shape = %+v", req)
	}
	if math.Abs(req.LimitPrice-5.74) > 1e-9 {
		t.Fatalf("limit = %v, want 5.74", req.LimitPrice)
	}

	positions, err := dir.LoadPositions(context.Background())
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	pos, ok := positions["ABCD"]
	if !ok {
		t.Fatalf("position not recorded: %+v", positions)
	}
	if pos.EntryPrice != 5.71 || pos.Quantity != 875 {
		t.Fatalf("position = %+v", pos)
	}
	if math.Abs(pos.CurrentStop-5.71*0.975) > 1e-9 {
		t.Fatalf("stop = %v, want 2.5%% under entry", pos.CurrentStop)
	}
	if pos.PeakPrice != 5.71 || pos.SignalScore != 65 {
		t.Fatalf("position context = %+v", pos)
	}
}

func TestTickRejectsWideSpread(t *testing.T) {
	t.Parallel()

	// 4% spread at mid 5.00 is double the 2% ceiling.
	fb := &fakeBroker{
		equity: 100_000,
		quotes: map[string]broker.Quote{"WIDE": {BidPrice: 4.90, AskPrice: 5.10}},
	}
	svc, dir := testBuyer(t, fb)
	saveSignals(t, dir, signal("WIDE", 80, 5.00))

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(fb.submits) != 0 {
		t.Fatalf("wide spread still submitted: %+v", fb.submits)
	}
}

func TestTickRejectsSlippage(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		equity: 100_000,
		quotes: map[string]broker.Quote{
			"RANUP": {BidPrice: 5.89, AskPrice: 5.91}, // mid 5.90 > 5.70 × 1.02
			"FELL":  {BidPrice: 5.49, AskPrice: 5.51}, // mid 5.50 < 5.70 × 0.97
		},
	}
	svc, dir := testBuyer(t, fb)
	saveSignals(t, dir, signal("RANUP", 80, 5.70), signal("FELL", 75, 5.70))

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(fb.submits) != 0 {
		t.Fatalf("slipped quotes still submitted: %+v", fb.submits)
	}
}

func TestTickEntryGates(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		equity:    100_000,
		quotes:    map[string]broker.Quote{"HELD": {BidPrice: 5.69, AskPrice: 5.73}, "COOL": {BidPrice: 5.69, AskPrice: 5.73}},
		fillPrice: 5.71,
	}
	svc, dir := testBuyer(t, fb)
	ctx := context.Background()

	// HELD is already a position; COOL is cooling down; OLD is stale.
	err := dir.UpdatePositions(ctx, func(m map[string]types.Position) error {
		m["HELD"] = types.Position{Symbol: "HELD", EntryPrice: 5.00, Quantity: 100}
		return nil
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := dir.SetCooldown(ctx, "COOL", tickTime.Add(10*time.Minute)); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}
	old := signal("OLD", 95, 5.70)
	old.Timestamp = tickTime.Add(-2 * time.Minute)
	saveSignals(t, dir, signal("HELD", 80, 5.70), signal("COOL", 80, 5.70), old)

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(fb.submits) != 0 {
		t.Fatalf("gated signals still submitted: %+v", fb.submits)
	}
}

func TestTickHonorsPositionCap(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		equity:    100_000,
		quotes:    map[string]broker.Quote{"ABCD": {BidPrice: 5.69, AskPrice: 5.73}},
		fillPrice: 5.71,
	}
	svc, dir := testBuyer(t, fb)
	svc.cfg.MaxPositions = 1
	ctx := context.Background()

	err := dir.UpdatePositions(ctx, func(m map[string]types.Position) error {
		m["FULL"] = types.Position{Symbol: "FULL", EntryPrice: 9.00, Quantity: 50}
		return nil
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	saveSignals(t, dir, signal("ABCD", 95, 5.70))

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(fb.submits) != 0 {
		t.Fatalf("bought past the cap: %+v", fb.submits)
	}
}

func TestHotPassAndAttemptSuppression(t *testing.T) {
	t.Parallel()

	fb := &fakeBroker{
		equity: 100_000,
		quotes: map[string]broker.Quote{
			"HOTT": {BidPrice: 5.69, AskPrice: 5.73},
			"WARM": {BidPrice: 5.69, AskPrice: 5.73},
		},
		fillPrice: 5.71,
	}
	svc, dir := testBuyer(t, fb)
	saveSignals(t, dir, signal("HOTT", 95, 5.70), signal("WARM", 70, 5.70))

	// Recent full pass: only the hot signal is considered.
	svc.lastFull = tickTime.Add(-5 * time.Second)
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("hot Tick: %v", err)
	}
	if len(fb.submits) != 1 || fb.submits[0].Symbol != "HOTT" {
		t.Fatalf("hot pass submits = %+v, want HOTT only", fb.submits)
	}

	// Full pass: WARM is picked up; HOTT is suppressed by the recent
	// attempt, not re-bought.
	svc.lastFull = tickTime.Add(-16 * time.Second)
	if err := svc.Tick(context.Background()); err != nil {
		t.Fatalf("full Tick: %v", err)
	}
	if len(fb.submits) != 2 || fb.submits[1].Symbol != "WARM" {
		t.Fatalf("full pass submits = %+v, want WARM appended", fb.submits)
	}
}
